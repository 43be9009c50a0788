package serverutil

import (
	"errors"
	"flag"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"agstudio/internal/observability/metrics"
	"agstudio/internal/server"
)

// LoadDotEnv loads .env from the working directory when present. Variables
// already set in the environment win.
func LoadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// CommonFlags are the settings shared by every binary. Flags win over the
// environment; Resolve fills whatever the flags left unset.
type CommonFlags struct {
	Addr            string
	LogLevel        string
	LogFormat       string
	TLSCert         string
	TLSKey          string
	CORSOrigins     string
	ShutdownTimeout time.Duration

	GlobalRPS         float64
	GlobalBurst       int
	ClientLimit       int
	ClientWindow      time.Duration
	TrustForwardedFor bool
	RateRedisAddr     string
	RateRedisPassword string

	defaultAddr string
}

// RegisterCommonFlags binds the shared flags on fs.
func RegisterCommonFlags(fs *flag.FlagSet, defaultAddr string) *CommonFlags {
	c := &CommonFlags{defaultAddr: defaultAddr}
	fs.StringVar(&c.Addr, "addr", "", "HTTP listen address (default "+defaultAddr+")")
	fs.StringVar(&c.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
	fs.StringVar(&c.LogFormat, "log-format", "", "log format (json or text)")
	fs.StringVar(&c.TLSCert, "tls-cert", "", "path to TLS certificate file")
	fs.StringVar(&c.TLSKey, "tls-key", "", "path to TLS private key file")
	fs.StringVar(&c.CORSOrigins, "cors-origins", "", "comma separated origins allowed for cross-origin requests")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", 0, "graceful shutdown timeout")
	fs.Float64Var(&c.GlobalRPS, "rate-global-rps", 0, "global request rate limit in requests per second")
	fs.IntVar(&c.GlobalBurst, "rate-global-burst", 0, "global rate limit burst allowance")
	fs.IntVar(&c.ClientLimit, "rate-client-limit", 0, "maximum requests per window for a single client IP")
	fs.DurationVar(&c.ClientWindow, "rate-client-window", 0, "window for counting client requests")
	fs.BoolVar(&c.TrustForwardedFor, "rate-trust-forwarded-headers", false, "trust X-Forwarded-For for client IPs")
	fs.StringVar(&c.RateRedisAddr, "rate-redis-addr", "", "Redis address for distributed client rate limiting")
	fs.StringVar(&c.RateRedisPassword, "rate-redis-password", "", "Redis password for distributed client rate limiting")
	return c
}

// Resolve applies environment fallbacks. The listen address is read from
// <service>_ADDR; everything else uses shared variable names.
func (c *CommonFlags) Resolve(service string) {
	c.Addr = FirstNonEmpty(c.Addr, os.Getenv(strings.ToUpper(service)+"_ADDR"), c.defaultAddr)
	c.LogLevel = FirstNonEmpty(c.LogLevel, os.Getenv("LOG_LEVEL"), "info")
	c.LogFormat = FirstNonEmpty(c.LogFormat, os.Getenv("LOG_FORMAT"), "json")
	c.TLSCert = FirstNonEmpty(c.TLSCert, os.Getenv("TLS_CERT"))
	c.TLSKey = FirstNonEmpty(c.TLSKey, os.Getenv("TLS_KEY"))
	c.CORSOrigins = FirstNonEmpty(c.CORSOrigins, os.Getenv("CORS_ALLOWED_ORIGINS"))
	c.ShutdownTimeout = ResolveDuration(c.ShutdownTimeout, "SHUTDOWN_TIMEOUT", DefaultShutdownTimeout)
	c.GlobalRPS = ResolveFloat(c.GlobalRPS, "RATE_GLOBAL_RPS")
	c.GlobalBurst = ResolveInt(c.GlobalBurst, "RATE_GLOBAL_BURST")
	c.ClientLimit = ResolveInt(c.ClientLimit, "RATE_CLIENT_LIMIT")
	c.ClientWindow = ResolveDuration(c.ClientWindow, "RATE_CLIENT_WINDOW", time.Minute)
	c.TrustForwardedFor = ResolveBool(c.TrustForwardedFor, "RATE_TRUST_FORWARDED_HEADERS")
	c.RateRedisAddr = FirstNonEmpty(c.RateRedisAddr, os.Getenv("RATE_REDIS_ADDR"))
	c.RateRedisPassword = FirstNonEmpty(c.RateRedisPassword, os.Getenv("RATE_REDIS_PASSWORD"))
}

// ServerConfig builds the middleware configuration for internal/server.
func (c *CommonFlags) ServerConfig(logger *slog.Logger, recorder *metrics.Recorder) server.Config {
	return server.Config{
		Addr:    c.Addr,
		Logger:  logger,
		Metrics: recorder,
		CORS:    server.CORSConfig{AllowedOrigins: server.ParseOrigins(c.CORSOrigins)},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:         c.GlobalRPS,
			GlobalBurst:       c.GlobalBurst,
			ClientLimit:       c.ClientLimit,
			ClientWindow:      c.ClientWindow,
			TrustForwardedFor: c.TrustForwardedFor,
			RedisAddr:         c.RateRedisAddr,
			RedisPassword:     c.RateRedisPassword,
		},
	}
}

// RunConfig builds the run loop configuration for srv.
func (c *CommonFlags) RunConfig(srv *server.Server, logger *slog.Logger) Config {
	return Config{
		Server:          srv.HTTP,
		TLS:             TLSConfig{CertFile: c.TLSCert, KeyFile: c.TLSKey},
		ShutdownTimeout: c.ShutdownTimeout,
		Logger:          logger,
	}
}

func FirstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func SplitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func ResolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func ResolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func ResolveInt64(flagValue int64, envKey string, fallback int64) int64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseInt(strings.TrimSpace(env), 10, 64); err == nil {
			return value
		}
	}
	return fallback
}

func ResolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func ResolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
