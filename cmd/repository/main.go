// Command repository serves the versioned file repository API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"agstudio/internal/api"
	"agstudio/internal/files"
	"agstudio/internal/observability/logging"
	"agstudio/internal/observability/metrics"
	"agstudio/internal/server"
	"agstudio/internal/serverutil"
	"agstudio/internal/versioning"
)

const (
	defaultMainRoot    = "storage"
	defaultHistoryRoot = "history"
	defaultMainDSN     = "metadata.db"
	defaultHistoryDSN  = "history-metadata.db"
)

type options struct {
	common         *serverutil.CommonFlags
	storageConfig  string
	historyConfig  string
	lockDriver     string
	redisAddr      string
	redisPassword  string
	maxUploadBytes int64
}

func main() {
	dotenvErr := serverutil.LoadDotEnv()

	opts := options{common: serverutil.RegisterCommonFlags(flag.CommandLine, ":8000")}
	flag.StringVar(&opts.storageConfig, "storage-config", "", "JSON storage configuration for the main namespace")
	flag.StringVar(&opts.historyConfig, "history-storage-config", "", "JSON storage configuration for the history namespace")
	flag.StringVar(&opts.lockDriver, "lock-driver", "", "upload lock driver (memory, redis or none)")
	flag.StringVar(&opts.redisAddr, "redis-addr", "", "Redis address for the redis upload lock")
	flag.StringVar(&opts.redisPassword, "redis-password", "", "Redis password for the redis upload lock")
	flag.Int64Var(&opts.maxUploadBytes, "max-upload-bytes", 0, "maximum multipart upload size in bytes")
	flag.Parse()

	opts.common.Resolve("repository")
	opts.storageConfig = serverutil.FirstNonEmpty(opts.storageConfig, os.Getenv("STORAGE_CONFIG_JSON"))
	opts.historyConfig = serverutil.FirstNonEmpty(opts.historyConfig, os.Getenv("HISTORY_STORAGE_CONFIG_JSON"))
	opts.lockDriver = strings.ToLower(serverutil.FirstNonEmpty(opts.lockDriver, os.Getenv("REPOSITORY_LOCK_DRIVER"), "memory"))
	opts.redisAddr = serverutil.FirstNonEmpty(opts.redisAddr, os.Getenv("REPOSITORY_REDIS_ADDR"))
	opts.redisPassword = serverutil.FirstNonEmpty(opts.redisPassword, os.Getenv("REPOSITORY_REDIS_PASSWORD"))
	opts.maxUploadBytes = serverutil.ResolveInt64(opts.maxUploadBytes, "REPOSITORY_MAX_UPLOAD_BYTES", api.DefaultMaxUploadBytes)

	logger := logging.Init(logging.Config{
		Level:   opts.common.LogLevel,
		Format:  opts.common.LogFormat,
		Service: "repository",
	})
	if dotenvErr != nil {
		logger.Warn("failed to load .env", "error", dotenvErr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, logger); err != nil {
		logger.Error("repository exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, logger *slog.Logger) error {
	recorder := metrics.Default()

	mainCfg, err := files.ParseNamespaceConfig(opts.storageConfig, defaultMainRoot)
	if err != nil {
		return fmt.Errorf("main storage config: %w", err)
	}
	historyCfg, err := files.ParseNamespaceConfig(opts.historyConfig, defaultHistoryRoot)
	if err != nil {
		return fmt.Errorf("history storage config: %w", err)
	}

	mainNS, err := files.OpenNamespace(ctx, mainCfg, defaultMainDSN)
	if err != nil {
		return fmt.Errorf("main namespace: %w", err)
	}
	historyNS, err := files.OpenNamespace(ctx, historyCfg, defaultHistoryDSN)
	if err != nil {
		_ = files.CloseNamespace(mainNS)
		return fmt.Errorf("history namespace: %w", err)
	}

	locker, closeLocker, err := buildLocker(opts, logger)
	if err != nil {
		_ = files.CloseNamespace(mainNS)
		_ = files.CloseNamespace(historyNS)
		return err
	}
	defer closeLocker()

	svc, err := files.NewService(files.Options{
		Main:      mainNS,
		History:   historyNS,
		Locker:    locker,
		Logger:    logging.WithComponent(logger, "repository"),
		Rotations: recorder,
	})
	if err != nil {
		_ = files.CloseNamespace(mainNS)
		_ = files.CloseNamespace(historyNS)
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Warn("failed to close storage", "error", err)
		}
	}()

	logger.Info("storage ready",
		"storage_type", mainCfg.Type,
		"main_root", mainCfg.Root,
		"history_type", historyCfg.Type,
		"history_root", historyCfg.Root,
		"lock_driver", opts.lockDriver,
	)

	handler := &api.Handler{
		Files:          svc,
		Logger:         logging.WithComponent(logger, "api"),
		Metrics:        recorder.Handler(),
		MaxUploadBytes: opts.maxUploadBytes,
	}
	srv, err := server.New(opts.common.ServerConfig(logger, recorder), handler.Routes())
	if err != nil {
		return err
	}
	defer srv.Close()

	return serverutil.Run(ctx, opts.common.RunConfig(srv, logger))
}

func buildLocker(opts options, logger *slog.Logger) (versioning.Locker, func(), error) {
	switch opts.lockDriver {
	case "memory":
		return versioning.NewMemoryLocker(), func() {}, nil
	case "none":
		logger.Warn("upload locking disabled; concurrent uploads to one path may collide")
		return versioning.NoopLocker{}, func() {}, nil
	case "redis":
		locker, err := versioning.NewRedisLocker(versioning.RedisLockerConfig{
			Addr:     opts.redisAddr,
			Password: opts.redisPassword,
			Logger:   logging.WithComponent(logger, "upload-lock"),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("redis upload lock: %w", err)
		}
		return locker, func() {
			if err := locker.Close(); err != nil {
				logger.Warn("failed to close redis upload lock", "error", err)
			}
		}, nil
	default:
		return nil, nil, errors.New("unsupported lock driver " + opts.lockDriver)
	}
}
