// Command server starts the feedpack download API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"feedpack/internal/admission"
	"feedpack/internal/api"
	"feedpack/internal/cleanup"
	"feedpack/internal/config"
	"feedpack/internal/download"
	"feedpack/internal/fetcher"
	"feedpack/internal/fetcher/upstream"
	"feedpack/internal/observability/logging"
	"feedpack/internal/observability/metrics"
	"feedpack/internal/server"
	"feedpack/internal/serverutil"
	"feedpack/internal/workspace"
)

var version = "dev"

func main() {
	cfg, err := loadConfig(os.Args[1:], os.LookupEnv, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "feedpack: %v\n", err)
		os.Exit(2)
	}

	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger.Info("starting feedpack", newStartupSummary(cfg, version).LogArgs()...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited with errors", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// loadConfig layers defaults, the optional YAML file, the .env file, the
// environment and finally explicitly set flags.
func loadConfig(args []string, lookup func(string) (string, bool), output io.Writer) (config.Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	defaults := config.Default()

	fs := flag.NewFlagSet("feedpack", flag.ContinueOnError)
	if output != nil {
		fs.SetOutput(output)
	}
	configPath := fs.String("config", "", "path to a YAML configuration file (or "+config.EnvPrefix+"CONFIG)")
	envFile := fs.String("env-file", ".env", "dotenv file to load before reading the environment; empty disables")
	addr := fs.String("addr", defaults.Addr, "HTTP listen address")
	logLevel := fs.String("log-level", defaults.LogLevel, "log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", defaults.LogFormat, "log format (json or text)")
	downloadDir := fs.String("download-dir", defaults.DownloadDir, "directory holding request workspaces")
	maxConcurrent := fs.Int("max-concurrent", defaults.MaxConcurrentDownloads, "maximum downloads running at once")
	downloadTimeout := fs.Duration("download-timeout", defaults.DownloadTimeout, "deadline for a single download")
	rateLimit := fs.Int("rate-limit", defaults.RateLimit.MaxRequests, "requests admitted per client and period; 0 disables")
	ratePeriod := fs.Duration("rate-period", defaults.RateLimit.Period, "sliding window length")
	rateBackend := fs.String("rate-backend", defaults.RateLimit.Backend, "admission store (memory or redis)")
	redisAddr := fs.String("redis-addr", "", "Redis address for the admission store")
	upstreamURL := fs.String("upstream-url", "", "base URL of the fetch gateway")
	upstreamToken := fs.String("upstream-token", "", "bearer token for the fetch gateway")
	cleanupDelay := fs.Duration("cleanup-delay", defaults.Cleanup.Delay, "delay before a served workspace is deleted")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}

	cfg := defaults
	path := strings.TrimSpace(*configPath)
	if path == "" {
		if value, ok := lookup(config.EnvPrefix + "CONFIG"); ok {
			path = strings.TrimSpace(value)
		}
	}
	if path != "" {
		if err := config.LoadFile(&cfg, path); err != nil {
			return config.Config{}, err
		}
	}
	if file := strings.TrimSpace(*envFile); file != "" {
		if err := config.LoadDotEnv(file); err != nil {
			return config.Config{}, err
		}
	}
	if err := config.ApplyEnv(&cfg, lookup); err != nil {
		return config.Config{}, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Addr = *addr
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-format":
			cfg.LogFormat = *logFormat
		case "download-dir":
			cfg.DownloadDir = *downloadDir
		case "max-concurrent":
			cfg.MaxConcurrentDownloads = *maxConcurrent
		case "download-timeout":
			cfg.DownloadTimeout = *downloadTimeout
		case "rate-limit":
			cfg.RateLimit.MaxRequests = *rateLimit
		case "rate-period":
			cfg.RateLimit.Period = *ratePeriod
		case "rate-backend":
			cfg.RateLimit.Backend = *rateBackend
		case "redis-addr":
			cfg.RateLimit.Redis.Addr = *redisAddr
		case "upstream-url":
			cfg.Upstream.BaseURL = *upstreamURL
		case "upstream-token":
			cfg.Upstream.Token = *upstreamToken
		case "cleanup-delay":
			cfg.Cleanup.Delay = *cleanupDelay
		}
	})

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// buildAdmissionStore returns the store selected by the rate limit backend.
func buildAdmissionStore(cfg config.RateLimit) (admission.Store, error) {
	if !strings.EqualFold(strings.TrimSpace(cfg.Backend), config.BackendRedis) {
		return admission.NewMemoryStore(admission.MemoryOptions{}), nil
	}
	redis := cfg.Redis
	store, err := admission.NewRedisStore(admission.RedisConfig{
		Addr:       redis.Addr,
		Addrs:      redis.Addrs,
		Username:   redis.Username,
		Password:   redis.Password,
		DB:         redis.DB,
		MasterName: redis.MasterName,
		PoolSize:   redis.PoolSize,
		Timeout:    redis.Timeout,
		KeyPrefix:  redis.KeyPrefix,
		KeySecret:  redis.KeySecret,
		TLS: admission.RedisTLSConfig{
			CAFile:             redis.TLS.CAFile,
			CertFile:           redis.TLS.CertFile,
			KeyFile:            redis.TLS.KeyFile,
			ServerName:         redis.TLS.ServerName,
			InsecureSkipVerify: redis.TLS.InsecureSkipVerify,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("configure redis admission store: %w", err)
	}
	return store, nil
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	recorder := metrics.Default()

	store, err := buildAdmissionStore(cfg.RateLimit)
	if err != nil {
		return err
	}
	controller := admission.NewController(admission.Config{
		MaxRequests: cfg.RateLimit.MaxRequests,
		Period:      cfg.RateLimit.Period,
		Store:       store,
		Logger:      logging.WithComponent(logger, "admission"),
	})
	if err := controller.Ping(ctx); err != nil {
		logger.Warn("admission store unreachable at startup", "error", err)
	}

	manager, err := workspace.NewManager(workspace.Options{
		BaseDir:  cfg.DownloadDir,
		Logger:   logging.WithComponent(logger, "workspace"),
		Observer: recorder,
	})
	if err != nil {
		_ = controller.Close()
		return err
	}

	scheduler := cleanup.New(cleanup.Config{
		Enabled:      cfg.Cleanup.Enabled,
		PollInterval: cfg.Cleanup.PollInterval,
		Logger:       logging.WithComponent(logger, "cleanup"),
		Observer:     recorder,
	})
	stopCleanup := scheduler.Start(ctx)

	gateway, err := upstream.New(upstream.Config{
		BaseURL:          cfg.Upstream.BaseURL,
		Token:            cfg.Upstream.Token,
		Timeout:          cfg.Upstream.Timeout,
		MediaConcurrency: cfg.Upstream.MediaConcurrency,
		UserAgent:        cfg.Upstream.UserAgent,
		Logger:           logging.WithComponent(logger, "upstream"),
	})
	if err != nil {
		stopCleanup()
		_ = controller.Close()
		return err
	}

	media := fetcher.NewDownloader(&http.Client{Timeout: cfg.Upstream.Timeout})
	if cfg.Upstream.UserAgent != "" {
		media.UserAgent = cfg.Upstream.UserAgent
	}

	orchestrator, err := download.New(download.Config{
		Admission:     controller,
		Workspaces:    manager,
		Fetcher:       gateway,
		Downloader:    media,
		Cleanup:       scheduler,
		Observer:      recorder,
		Logger:        logging.WithComponent(logger, "download"),
		MaxConcurrent: cfg.MaxConcurrentDownloads,
		Timeout:       cfg.DownloadTimeout,
		CleanupDelay:  cfg.Cleanup.Delay,
	})
	if err != nil {
		stopCleanup()
		_ = controller.Close()
		return err
	}

	handler := api.NewHandler(orchestrator)
	handler.Admission = controller
	handler.Workspaces = manager
	handler.Version = version
	handler.Logger = logging.WithComponent(logger, "api")

	srv, err := server.New(handler, server.Config{
		Addr:              cfg.Addr,
		Logger:            logger,
		Metrics:           recorder,
		CORS:              server.CORSConfig{AllowedOrigins: cfg.CORS.AllowedOrigins},
		TrustForwardedFor: cfg.RateLimit.TrustForwardedFor,
		WriteTimeout:      cfg.DownloadTimeout + time.Minute,
	})
	if err != nil {
		stopCleanup()
		_ = controller.Close()
		return fmt.Errorf("initialise server: %w", err)
	}

	stopSweeper := startKeySweepWorker(ctx, logging.WithComponent(logger, "admission"), controller, cfg.RateLimit.SweepInterval)

	return serverutil.Run(ctx, serverutil.Config{
		Server:          srv,
		Addr:            cfg.Addr,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logger,
		Hooks: []serverutil.Hook{
			{Name: "key sweeper", Fn: func(context.Context) error {
				stopSweeper()
				return nil
			}},
			{Name: "cleanup", Fn: func(context.Context) error {
				stopCleanup()
				if !cfg.Cleanup.PurgeOnShutdown {
					return nil
				}
				if n := scheduler.Flush(); n > 0 {
					logger.Info("flushed pending cleanups", "count", n)
				}
				return manager.DestroyAll()
			}},
			{Name: "admission", Fn: func(context.Context) error {
				return controller.Close()
			}},
		},
	})
}
