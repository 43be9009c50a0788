package server

import "net/http"

// SecurityConfig sets the hardening headers sent with every response.
// Zero-valued fields fall back to defaults that forbid rendering or framing.
type SecurityConfig struct {
	ContentSecurityPolicy string
	FrameOptions          string
	ReferrerPolicy        string
	ContentTypeOptions    string
	CrossOriginPolicy     string
}

func (cfg SecurityConfig) withDefaults() SecurityConfig {
	if cfg.ContentSecurityPolicy == "" {
		cfg.ContentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'; sandbox"
	}
	if cfg.FrameOptions == "" {
		cfg.FrameOptions = "DENY"
	}
	if cfg.ReferrerPolicy == "" {
		cfg.ReferrerPolicy = "no-referrer"
	}
	if cfg.ContentTypeOptions == "" {
		cfg.ContentTypeOptions = "nosniff"
	}
	if cfg.CrossOriginPolicy == "" {
		cfg.CrossOriginPolicy = "same-site"
	}
	return cfg
}

func securityHeadersMiddleware(cfg SecurityConfig, next http.Handler) http.Handler {
	effective := cfg.withDefaults()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := w.Header()
		header.Set("Content-Security-Policy", effective.ContentSecurityPolicy)
		header.Set("X-Frame-Options", effective.FrameOptions)
		header.Set("Referrer-Policy", effective.ReferrerPolicy)
		header.Set("X-Content-Type-Options", effective.ContentTypeOptions)
		header.Set("Cross-Origin-Resource-Policy", effective.CrossOriginPolicy)
		next.ServeHTTP(w, r)
	})
}
