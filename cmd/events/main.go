// Command events broadcasts log events to websocket clients.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agstudio/internal/events"
	"agstudio/internal/observability/logging"
	"agstudio/internal/observability/metrics"
	"agstudio/internal/server"
	"agstudio/internal/serverutil"
)

type options struct {
	common        *serverutil.CommonFlags
	heartbeat     time.Duration
	maxEventBytes int64
}

func main() {
	dotenvErr := serverutil.LoadDotEnv()

	opts := options{common: serverutil.RegisterCommonFlags(flag.CommandLine, ":8004")}
	flag.DurationVar(&opts.heartbeat, "heartbeat-interval", 0, "interval between websocket ping frames")
	flag.Int64Var(&opts.maxEventBytes, "max-event-bytes", 0, "maximum size of a posted event in bytes")
	flag.Parse()

	opts.common.Resolve("events")
	opts.heartbeat = serverutil.ResolveDuration(opts.heartbeat, "EVENTS_HEARTBEAT_INTERVAL", 30*time.Second)
	opts.maxEventBytes = serverutil.ResolveInt64(opts.maxEventBytes, "EVENTS_MAX_EVENT_BYTES", events.DefaultMaxEventBytes)

	logger := logging.Init(logging.Config{
		Level:   opts.common.LogLevel,
		Format:  opts.common.LogFormat,
		Service: "events",
	})
	if dotenvErr != nil {
		logger.Warn("failed to load .env", "error", dotenvErr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, logger); err != nil {
		logger.Error("events exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, logger *slog.Logger) error {
	recorder := metrics.Default()
	hub := events.NewHub(events.Config{
		Logger:            logging.WithComponent(logger, "events"),
		Metrics:           recorder,
		HeartbeatInterval: opts.heartbeat,
		MaxEventBytes:     opts.maxEventBytes,
	})

	srv, err := server.New(opts.common.ServerConfig(logger, recorder), hub.Routes(recorder.Handler()))
	if err != nil {
		return err
	}
	defer srv.Close()
	srv.HTTP.RegisterOnShutdown(hub.Close)

	return serverutil.Run(ctx, opts.common.RunConfig(srv, logger))
}
