package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"agstudio/internal/observability/logging"
	"agstudio/internal/observability/metrics"
	"agstudio/internal/vision"
)

// Answerer answers a prompt about a set of images.
type Answerer interface {
	Answer(ctx context.Context, prompt string, images []vision.Image) (string, error)
}

type Config struct {
	MusicCaptionURL   string
	MusicHighlightURL string
	Relay             *Relay
	Vision            Answerer
	// Policy gates the caption and highlight relays. Defaults to AlwaysRelay.
	Policy          Policy
	MaxRequestBytes int64
	Logger          *slog.Logger
	Metrics         *metrics.Recorder
}

// Handler serves the gateway routes.
type Handler struct {
	captionTarget   string
	highlightTarget string
	relay           *Relay
	vision          Answerer
	policy          Policy
	maxRequestBytes int64
	logger          *slog.Logger
	metrics         *metrics.Recorder
}

func joinURL(base, route string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/") + route
}

func NewHandler(cfg Config) (*Handler, error) {
	if strings.TrimSpace(cfg.MusicCaptionURL) == "" {
		return nil, errors.New("music caption URL is required")
	}
	if strings.TrimSpace(cfg.MusicHighlightURL) == "" {
		return nil, errors.New("music highlight URL is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	relay := cfg.Relay
	if relay == nil {
		relay = NewRelay(RelayConfig{Metrics: cfg.Metrics, Logger: logger})
	}
	policy := cfg.Policy
	if policy == nil {
		policy = AlwaysRelay
	}
	return &Handler{
		captionTarget:   joinURL(cfg.MusicCaptionURL, "/music-caption"),
		highlightTarget: joinURL(cfg.MusicHighlightURL, "/music-highlight"),
		relay:           relay,
		vision:          cfg.Vision,
		policy:          policy,
		maxRequestBytes: cfg.MaxRequestBytes,
		logger:          logger,
		metrics:         cfg.Metrics,
	}, nil
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /music-caption", h.MusicCaption)
	mux.HandleFunc("POST /music-highlight", h.MusicHighlight)
	mux.HandleFunc("POST /vqa", h.VQA)
	mux.HandleFunc("POST /multimodal-input", h.MultimodalInput)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics.Handler())
	}
	return mux
}

func (h *Handler) observe(route, outcome string) {
	if h.metrics != nil {
		h.metrics.ObserveRelay(route, outcome)
	}
}

// parse reads the request and writes the error response itself when the
// form is unusable.
func (h *Handler) parse(w http.ResponseWriter, r *http.Request, route string, requirePrompt bool) (Request, bool) {
	in, err := ParseRequest(w, r, h.maxRequestBytes)
	if err == nil && requirePrompt && !in.HasPrompt() {
		err = &ValidationError{Status: http.StatusBadRequest, Message: "prompt is required"}
	}
	if err != nil {
		status := http.StatusBadRequest
		var validation *ValidationError
		if errors.As(err, &validation) {
			status = validation.Status
		}
		h.observe(route, OutcomeInvalid)
		writeError(w, status, err.Error())
		return Request{}, false
	}
	return in, true
}

func (h *Handler) MusicCaption(w http.ResponseWriter, r *http.Request) {
	in, ok := h.parse(w, r, "music-caption", true)
	if !ok {
		return
	}
	in.Images = nil
	h.relay.Serve(w, r, "music-caption", h.captionTarget, h.policy, in)
}

func (h *Handler) MusicHighlight(w http.ResponseWriter, r *http.Request) {
	in, ok := h.parse(w, r, "music-highlight", false)
	if !ok {
		return
	}
	in.Prompt = ""
	in.Images = nil
	h.relay.Serve(w, r, "music-highlight", h.highlightTarget, h.policy, in)
}

func (h *Handler) VQA(w http.ResponseWriter, r *http.Request) {
	in, ok := h.parse(w, r, "vqa", true)
	if !ok {
		return
	}
	if len(in.Images) == 0 {
		h.observe("vqa", OutcomeInvalid)
		writeError(w, http.StatusBadRequest, "at least one image is required")
		return
	}
	h.answer(w, r, in)
}

// MultimodalInput dispatches on which slot is filled: images go to the
// vision model, audios to the caption backend.
func (h *Handler) MultimodalInput(w http.ResponseWriter, r *http.Request) {
	in, ok := h.parse(w, r, "multimodal-input", true)
	if !ok {
		return
	}
	if !ExclusiveSlot.ShouldRelay(in) {
		h.observe("multimodal-input", OutcomeRejected)
		writeError(w, http.StatusBadRequest, RejectMessage)
		return
	}
	if len(in.Images) > 0 {
		h.answer(w, r, in)
		return
	}
	h.relay.Serve(w, r, "music-caption", h.captionTarget, h.policy, in)
}

func (h *Handler) answer(w http.ResponseWriter, r *http.Request, in Request) {
	logger := logging.WithContext(r.Context(), h.logger)
	if h.vision == nil {
		h.observe("vqa", OutcomeUnreachable)
		writeError(w, http.StatusInternalServerError, "Failed to process request: vision backend not configured")
		return
	}
	images := make([]vision.Image, 0, len(in.Images))
	for _, part := range in.Images {
		images = append(images, vision.Image{ContentType: part.ContentType, Data: part.Data})
	}
	logger.Info("visual question received", "images", len(images))

	answer, err := h.vision.Answer(r.Context(), in.Prompt, images)
	if err != nil {
		logger.Error("visual question failed", "error", err)
		h.observe("vqa", OutcomeUnreachable)
		writeError(w, http.StatusInternalServerError, "Failed to process request: "+err.Error())
		return
	}
	h.observe("vqa", OutcomeRelayed)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, answer)
}
