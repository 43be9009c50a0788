package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"agstudio/internal/blob"
	"agstudio/internal/metadata"
	"agstudio/internal/observability/logging"
)

const maxFieldBytes = 1 << 20

type uploadForm struct {
	content        []byte
	hasFile        bool
	filePath       *string
	description    *string
	evaluation     *string
	additionalInfo string
}

func (f uploadForm) missing() []string {
	var missing []string
	if !f.hasFile {
		missing = append(missing, "file")
	}
	if f.filePath == nil {
		missing = append(missing, "file_path")
	}
	if f.description == nil {
		missing = append(missing, "description")
	}
	if f.evaluation == nil {
		missing = append(missing, "evaluation")
	}
	return missing
}

func readField(part io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(part, maxFieldBytes+1))
	if err != nil {
		return "", err
	}
	if len(data) > maxFieldBytes {
		return "", errors.New("form field too large")
	}
	return string(data), nil
}

func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message":      "File Storage API is running",
		"storage_type": string(h.Files.StorageType()),
	})
}

func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes())
	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("multipart form required: %w", err))
		return
	}

	var form uploadForm
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			writeError(w, readStatus(err), fmt.Errorf("read multipart: %w", err))
			return
		}

		switch name := part.FormName(); name {
		case "file":
			data, err := io.ReadAll(part)
			if err != nil {
				_ = part.Close()
				writeError(w, readStatus(err), fmt.Errorf("read file: %w", err))
				return
			}
			form.content = data
			form.hasFile = true
		case "file_path", "description", "evaluation", "additional_info":
			value, err := readField(part)
			if err != nil {
				_ = part.Close()
				writeError(w, readStatus(err), fmt.Errorf("read %s: %w", name, err))
				return
			}
			switch name {
			case "file_path":
				form.filePath = &value
			case "description":
				form.description = &value
			case "evaluation":
				form.evaluation = &value
			default:
				form.additionalInfo = value
			}
		default:
			_, _ = io.Copy(io.Discard, part)
		}
		_ = part.Close()
	}

	if missing := form.missing(); len(missing) > 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing form fields: %s", strings.Join(missing, ", ")))
		return
	}

	ctx := logging.ContextWithFilePath(r.Context(), *form.filePath)
	fields := metadata.Fields{
		Description:    *form.description,
		Evaluation:     *form.evaluation,
		AdditionalInfo: form.additionalInfo,
	}
	if err := h.Files.Upload(ctx, *form.filePath, fields, form.content); err != nil {
		h.writeServiceError(ctx, w, "upload", err)
		return
	}
	writeMessage(w, "File uploaded successfully")
}

func readStatus(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

func requireFilePath(w http.ResponseWriter, query url.Values) (string, bool) {
	filePath := query.Get("file_path")
	if strings.TrimSpace(filePath) == "" {
		writeError(w, http.StatusBadRequest, errors.New("file_path is required"))
		return "", false
	}
	return filePath, true
}

func parseVersionParam(query url.Values) (*int, error) {
	raw := strings.TrimSpace(query.Get("version"))
	if raw == "" {
		return nil, nil
	}
	version, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("version must be an integer, got %q", raw)
	}
	return &version, nil
}

func attachmentDisposition(name string) string {
	if value := mime.FormatMediaType("attachment", map[string]string{"filename": name}); value != "" {
		return value
	}
	return "attachment"
}

func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filePath, ok := requireFilePath(w, query)
	if !ok {
		return
	}
	version, err := parseVersionParam(query)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx := logging.ContextWithFilePath(r.Context(), filePath)
	content, err := h.Files.Download(ctx, filePath, version)
	if err != nil {
		h.writeServiceError(ctx, w, "download", err)
		return
	}

	etag := content.ETag()
	w.Header().Set("ETag", etag)
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", attachmentDisposition(content.Name))
	w.Header().Set("Content-Length", strconv.Itoa(len(content.Content)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(content.Content); err != nil {
		logging.WithContext(ctx, h.logger()).Warn("download write interrupted", "error", err)
	}
}

func (h *Handler) GetMetadata(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filePath, ok := requireFilePath(w, query)
	if !ok {
		return
	}
	version, err := parseVersionParam(query)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx := logging.ContextWithFilePath(r.Context(), filePath)
	record, err := h.Files.Metadata(ctx, filePath, version)
	if err != nil {
		h.writeServiceError(ctx, w, "get metadata", err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

type updateMetadataRequest struct {
	FilePath      string  `json:"file_path"`
	ParameterName string  `json:"parameter_name"`
	Value         *string `json:"value"`
}

func (h *Handler) UpdateMetadata(w http.ResponseWriter, r *http.Request) {
	var req updateMetadataRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err))
		return
	}
	if strings.TrimSpace(req.FilePath) == "" {
		writeError(w, http.StatusBadRequest, errors.New("file_path is required"))
		return
	}
	if strings.TrimSpace(req.ParameterName) == "" {
		writeError(w, http.StatusBadRequest, errors.New("parameter_name is required"))
		return
	}
	if req.Value == nil {
		writeError(w, http.StatusBadRequest, errors.New("value is required"))
		return
	}

	ctx := logging.ContextWithFilePath(r.Context(), req.FilePath)
	if err := h.Files.UpdateMetadataField(ctx, req.FilePath, req.ParameterName, *req.Value); err != nil {
		h.writeServiceError(ctx, w, "update metadata", err)
		return
	}
	writeMessage(w, "Metadata updated successfully")
}

func (h *Handler) HistoryCount(w http.ResponseWriter, r *http.Request) {
	filePath, ok := requireFilePath(w, r.URL.Query())
	if !ok {
		return
	}
	ctx := logging.ContextWithFilePath(r.Context(), filePath)
	count, err := h.Files.HistoryCount(ctx, filePath)
	if err != nil {
		h.writeServiceError(ctx, w, "history count", err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, strconv.Itoa(count))
}

type listResponse struct {
	Entities []blob.Entry `json:"entities"`
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if !query.Has("root_path") {
		writeError(w, http.StatusBadRequest, errors.New("root_path is required"))
		return
	}
	entries, err := h.Files.List(r.Context(), query.Get("root_path"))
	if err != nil {
		h.writeServiceError(r.Context(), w, "list", err)
		return
	}
	if entries == nil {
		entries = []blob.Entry{}
	}
	writeJSON(w, http.StatusOK, listResponse{Entities: entries})
}
