package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"agstudio/internal/observability/logging"
	"agstudio/internal/observability/metrics"
)

type Config struct {
	Addr      string
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	CORS      CORSConfig
	Security  SecurityConfig
	RateLimit RateLimitConfig
	// ReadTimeout bounds reading the whole request, including uploads.
	ReadTimeout time.Duration
	// WriteTimeout of zero leaves long streamed responses unbounded.
	WriteTimeout time.Duration
	// QuietPaths are request-logged at debug level.
	QuietPaths []string
}

// Server is an unstarted http.Server plus the resources its middleware owns.
type Server struct {
	HTTP    *http.Server
	limiter *rateLimiter
}

// New wraps routes in the shared middleware chain.
func New(cfg Config, routes http.Handler) (*Server, error) {
	if routes == nil {
		return nil, errors.New("routes are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, err
	}
	limiter, err := newRateLimiter(cfg.RateLimit)
	if err != nil {
		return nil, err
	}
	quiet := cfg.QuietPaths
	if quiet == nil {
		quiet = []string{"/healthz", "/metrics"}
	}

	chain := routes
	chain = rateLimitMiddleware(limiter, logger, chain)
	chain = corsMiddleware(policy, logger, chain)
	chain = securityHeadersMiddleware(cfg.Security, chain)
	chain = metrics.HTTPMiddleware(recorder, chain)
	chain = logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger, SkipPaths: quiet})(chain)
	chain = requestIDMiddleware(chain)

	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 5 * time.Minute
	}
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           chain,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       readTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       90 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	return &Server{HTTP: httpServer, limiter: limiter}, nil
}

// Close releases middleware resources such as the rate limit store. It does
// not stop the HTTP server.
func (s *Server) Close() error {
	if s == nil || s.limiter == nil {
		return nil
	}
	return s.limiter.Close()
}

// writeMiddlewareError matches the handlers' {"error": "..."} body.
func writeMiddlewareError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// extractClientIP prefers forwarding headers only when the deployment sits
// behind a trusted proxy.
func extractClientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			return xrip
		}
	}
	return clientIP(r.RemoteAddr)
}

func clientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
