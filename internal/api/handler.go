package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"agstudio/internal/files"
	"agstudio/internal/observability/logging"
)

// DefaultMaxUploadBytes bounds a single multipart upload request.
const DefaultMaxUploadBytes int64 = 1 << 30

// Handler serves the file repository API.
type Handler struct {
	Files          *files.Service
	Logger         *slog.Logger
	Metrics        http.Handler
	MaxUploadBytes int64
}

// Routes returns the repository routes. Method mismatches answer 405.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.Root)
	mux.HandleFunc("POST /files/upload", h.Upload)
	mux.HandleFunc("GET /files/download", h.Download)
	mux.HandleFunc("GET /files/metadata", h.GetMetadata)
	mux.HandleFunc("PUT /files/metadata", h.UpdateMetadata)
	mux.HandleFunc("GET /files/history-count", h.HistoryCount)
	mux.HandleFunc("GET /files/list", h.List)
	mux.HandleFunc("GET /healthz", h.Health)
	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}
	return mux
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *Handler) maxUploadBytes() int64 {
	if h.MaxUploadBytes > 0 {
		return h.MaxUploadBytes
	}
	return DefaultMaxUploadBytes
}

func statusForError(err error) int {
	var validation *files.ValidationError
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, files.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeServiceError(ctx context.Context, w http.ResponseWriter, op string, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		logging.WithContext(ctx, h.logger()).Error(op+" failed", "error", err)
	}
	writeError(w, status, err)
}
