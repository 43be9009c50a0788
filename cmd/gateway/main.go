// Command gateway relays multimodal requests to the model backends.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agstudio/internal/gateway"
	"agstudio/internal/observability/logging"
	"agstudio/internal/observability/metrics"
	"agstudio/internal/server"
	"agstudio/internal/serverutil"
	"agstudio/internal/vision"
)

type options struct {
	common            *serverutil.CommonFlags
	musicCaptionURL   string
	musicHighlightURL string
	openAIURL         string
	openAIKey         string
	visionModel       string
	relayTimeout      time.Duration
	maxInFlight       int64
	maxRequestBytes   int64
}

func main() {
	dotenvErr := serverutil.LoadDotEnv()

	opts := options{common: serverutil.RegisterCommonFlags(flag.CommandLine, ":8001")}
	flag.StringVar(&opts.musicCaptionURL, "music-caption-url", "", "base URL of the music caption backend")
	flag.StringVar(&opts.musicHighlightURL, "music-highlight-url", "", "base URL of the music highlight backend")
	flag.StringVar(&opts.openAIURL, "openai-middle-url", "", "base URL of the OpenAI-compatible vision endpoint")
	flag.StringVar(&opts.openAIKey, "openai-api-key", "", "API key for the vision endpoint")
	flag.StringVar(&opts.visionModel, "vlm-model", "", "vision language model name")
	flag.DurationVar(&opts.relayTimeout, "relay-timeout", 0, "time allowed for a backend to send headers, each body chunk, or a vision answer")
	flag.Int64Var(&opts.maxInFlight, "max-inflight", 0, "maximum concurrent backend relays (0 is unbounded)")
	flag.Int64Var(&opts.maxRequestBytes, "max-request-bytes", 0, "maximum multipart request size in bytes")
	flag.Parse()

	opts.common.Resolve("gateway")
	opts.musicCaptionURL = serverutil.FirstNonEmpty(opts.musicCaptionURL, os.Getenv("MUSIC_CAPTION_URL"), "http://localhost:8102")
	opts.musicHighlightURL = serverutil.FirstNonEmpty(opts.musicHighlightURL, os.Getenv("MUSIC_HIGHLIGHT_URL"), "http://localhost:8101")
	opts.openAIURL = serverutil.FirstNonEmpty(opts.openAIURL, os.Getenv("OPENAI_MIDDLE_URL"), "http://localhost:1234")
	opts.openAIKey = serverutil.FirstNonEmpty(opts.openAIKey, os.Getenv("OPENAI_API_KEY"))
	opts.visionModel = serverutil.FirstNonEmpty(opts.visionModel, os.Getenv("VLM_MODEL"), "gemma-3-27b-it-qat")
	opts.relayTimeout = serverutil.ResolveDuration(opts.relayTimeout, "GATEWAY_RELAY_TIMEOUT", gateway.DefaultHeaderTimeout)
	opts.maxInFlight = serverutil.ResolveInt64(opts.maxInFlight, "GATEWAY_MAX_INFLIGHT", 0)
	opts.maxRequestBytes = serverutil.ResolveInt64(opts.maxRequestBytes, "GATEWAY_MAX_REQUEST_BYTES", gateway.DefaultMaxRequestBytes)

	logger := logging.Init(logging.Config{
		Level:   opts.common.LogLevel,
		Format:  opts.common.LogFormat,
		Service: "gateway",
	})
	if dotenvErr != nil {
		logger.Warn("failed to load .env", "error", dotenvErr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, logger); err != nil {
		logger.Error("gateway exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, logger *slog.Logger) error {
	recorder := metrics.Default()

	visionClient, err := vision.New(vision.Config{
		BaseURL: opts.openAIURL,
		APIKey:  opts.openAIKey,
		Model:   opts.visionModel,
		Timeout: opts.relayTimeout,
	})
	if err != nil {
		return err
	}

	relayLogger := logging.WithComponent(logger, "relay")
	handler, err := gateway.NewHandler(gateway.Config{
		MusicCaptionURL:   opts.musicCaptionURL,
		MusicHighlightURL: opts.musicHighlightURL,
		Relay: gateway.NewRelay(gateway.RelayConfig{
			HeaderTimeout: opts.relayTimeout,
			MaxInFlight:   opts.maxInFlight,
			Metrics:       recorder,
			Logger:        relayLogger,
		}),
		Vision:          visionClient,
		MaxRequestBytes: opts.maxRequestBytes,
		Logger:          logging.WithComponent(logger, "gateway"),
		Metrics:         recorder,
	})
	if err != nil {
		return err
	}

	logger.Info("gateway backends",
		"music_caption_url", opts.musicCaptionURL,
		"music_highlight_url", opts.musicHighlightURL,
		"openai_middle_url", opts.openAIURL,
		"vlm_model", opts.visionModel,
		"relay_timeout", opts.relayTimeout.String(),
	)

	srv, err := server.New(opts.common.ServerConfig(logger, recorder), handler.Routes())
	if err != nil {
		return err
	}
	defer srv.Close()

	return serverutil.Run(ctx, opts.common.RunConfig(srv, logger))
}
