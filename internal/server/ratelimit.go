package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig throttles requests globally and per client IP. Per-client
// limits apply to ClientPaths prefixes (all routes except probes when
// empty) and are shared across replicas when RedisAddr is set.
type RateLimitConfig struct {
	GlobalRPS         float64
	GlobalBurst       int
	ClientLimit       int
	ClientWindow      time.Duration
	ClientPaths       []string
	TrustForwardedFor bool
	RedisAddr         string
	RedisPassword     string
	RedisTimeout      time.Duration
}

type rateLimiter struct {
	global         *tokenBucket
	clientLimit    int
	clientWindow   time.Duration
	clientPaths    []string
	trustForwarded bool
	clientMu       sync.Mutex
	clientBuckets  map[string]*ipLimiter
	store          tokenStore
}

type ipLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

type tokenStore interface {
	Allow(key string, limit int, window time.Duration) (bool, time.Duration, error)
	Close() error
}

func newRateLimiter(cfg RateLimitConfig) (*rateLimiter, error) {
	rl := &rateLimiter{
		clientLimit:    cfg.ClientLimit,
		clientWindow:   cfg.ClientWindow,
		clientPaths:    cfg.ClientPaths,
		trustForwarded: cfg.TrustForwardedFor,
		clientBuckets:  make(map[string]*ipLimiter),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.clientLimit < 0 {
		rl.clientLimit = 0
	}
	if rl.clientWindow < time.Second {
		rl.clientWindow = time.Minute
	}
	if cfg.RedisAddr != "" && rl.clientLimit > 0 {
		store, err := newRedisStore(redisStoreConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Timeout:  cfg.RedisTimeout,
		})
		if err != nil {
			return nil, err
		}
		rl.store = store
	}
	return rl, nil
}

func (r *rateLimiter) Close() error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Close()
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

func (r *rateLimiter) appliesTo(path string) bool {
	if r.clientLimit <= 0 {
		return false
	}
	if len(r.clientPaths) == 0 {
		return path != "/healthz" && path != "/metrics"
	}
	for _, prefix := range r.clientPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// AllowClient applies the per-client window to key.
func (r *rateLimiter) AllowClient(key string) (bool, time.Duration, error) {
	if r == nil || r.clientLimit <= 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if r.store != nil {
		return r.store.Allow("agstudio:ratelimit:"+key, r.clientLimit, r.clientWindow)
	}
	r.clientMu.Lock()
	limiter, exists := r.clientBuckets[key]
	if !exists {
		rate := float64(r.clientLimit) / r.clientWindow.Seconds()
		limiter = &ipLimiter{bucket: newTokenBucket(rate, r.clientLimit)}
		r.clientBuckets[key] = limiter
	}
	limiter.lastSeen = time.Now()
	r.cleanupLocked()
	r.clientMu.Unlock()

	if limiter.bucket.Allow() {
		return true, 0, nil
	}
	return false, time.Second, nil
}

func (r *rateLimiter) cleanupLocked() {
	cutoff := time.Now().Add(-2 * r.clientWindow)
	for key, limiter := range r.clientBuckets {
		if limiter.lastSeen.Before(cutoff) {
			delete(r.clientBuckets, key)
		}
	}
}

func rateLimitMiddleware(rl *rateLimiter, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			writeMiddlewareError(w, http.StatusTooManyRequests, "global rate limit exceeded")
			return
		}
		if rl.appliesTo(r.URL.Path) {
			ip := extractClientIP(r, rl.trustForwarded)
			allowed, retryAfter, err := rl.AllowClient(ip)
			if err != nil {
				if logger != nil {
					logger.Error("rate limiter failure", "error", err)
				}
				writeMiddlewareError(w, http.StatusServiceUnavailable, "rate limit failure")
				return
			}
			if !allowed {
				if retryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Round(time.Second).Seconds())))
				}
				writeMiddlewareError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: time.Now(),
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	tb.tokens += now.Sub(tb.lastCheck).Seconds() * tb.rate
	tb.lastCheck = now
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}
