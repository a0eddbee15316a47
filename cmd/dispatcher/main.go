package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"

	"github.com/dispatchkit/emaildispatch/internal/api"
	"github.com/dispatchkit/emaildispatch/internal/config"
	"github.com/dispatchkit/emaildispatch/internal/dispatch/retry"
	"github.com/dispatchkit/emaildispatch/internal/dispatch/worker"
	"github.com/dispatchkit/emaildispatch/internal/manager"
	"github.com/dispatchkit/emaildispatch/internal/monitor"
	"github.com/dispatchkit/emaildispatch/internal/provider"
	"github.com/dispatchkit/emaildispatch/internal/queue"
	"github.com/dispatchkit/emaildispatch/internal/ratelimit"
	"github.com/dispatchkit/emaildispatch/internal/retention"
	"github.com/dispatchkit/emaildispatch/internal/store"
	"github.com/dispatchkit/emaildispatch/pkg/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	lp, logger, err := observability.InitLogger(ctx, cfg.Observability.ServiceName, cfg.Observability.OTelEnabled)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer shutdownWithTimeout(lp.Shutdown, "logger provider")
	slog.SetDefault(logger)

	tp, err := observability.InitTracerProvider(ctx, cfg.Observability.ServiceName, cfg.Observability.OTelEnabled)
	if err != nil {
		return fmt.Errorf("failed to init tracer provider: %w", err)
	}
	defer shutdownWithTimeout(tp.Shutdown, "tracer provider")

	mp, err := observability.InitMeterProvider(ctx, cfg.Observability.ServiceName, cfg.Observability.OTelEnabled)
	if err != nil {
		return fmt.Errorf("failed to init meter provider: %w", err)
	}
	defer shutdownWithTimeout(mp.Shutdown, "meter provider")

	slog.InfoContext(ctx, "starting email dispatch engine", "env", cfg.Env)

	db, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer closeStore()

	prov, err := openProvider(cfg.Provider)
	if err != nil {
		return fmt.Errorf("failed to configure provider: %w", err)
	}

	q := queue.New(db, queue.WithDefaultBatchSize(cfg.Queue.BatchSize))

	rateLimiter := ratelimit.New(db, cfg.RateLimit.ToRatelimitConfig())

	retryController := retry.New(db, prov, cfg.Retry.ToOptions())

	mon := monitor.New(db, monitor.LogSink{}, cfg.Monitor.ToOptions())

	workerCfg := cfg.Worker.ToWorkerConfig()
	newWorker := func() *worker.Worker {
		return worker.New(db, rateLimiter, prov, workerCfg)
	}

	mgr := manager.New(db, newWorker, mon, retryController, cfg.Manager.ToOptions())

	svc := api.New(q, mgr)
	if err := svc.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize service: %w", err)
	}

	httpServer := api.NewServer(svc, api.ServerConfig{
		Addr:         cfg.HTTP.Addr,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	})

	archiver, closeBucket, err := newArchiver(ctx, db, cfg.Retention)
	if err != nil {
		return fmt.Errorf("failed to configure retention archiver: %w", err)
	}
	defer closeBucket()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start manager: %w", err)
	}

	archiverErr := make(chan error, 1)
	go func() { archiverErr <- archiver.Run(ctx) }()

	serverErr := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			serverErr <- fmt.Errorf("http server: %w", err)
		}
	}()

	slog.InfoContext(ctx, "email dispatch engine ready", "addr", cfg.HTTP.Addr)

	select {
	case <-ctx.Done():
		slog.InfoContext(ctx, "shutting down")
	case err := <-serverErr:
		slog.ErrorContext(ctx, "http server failed", "error", err)
	case err := <-archiverErr:
		slog.ErrorContext(ctx, "retention archiver stopped", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.WarnContext(shutdownCtx, "http server shutdown error", "error", err)
	}

	archiver.Stop()
	svc.Stop()

	slog.InfoContext(shutdownCtx, "shutdown complete")
	return nil
}

// dispatchStore is the union of every narrow Store interface the components
// depend on; both PostgresStore and SQLiteStore satisfy it structurally.
type dispatchStore interface {
	queue.Writer
	manager.Store
	worker.Store
	ratelimit.Store
	retry.Store
	monitor.Store
	retention.Store
}

// openStore builds the Store Gateway implementation selected by cfg.Driver
// and runs its migrations. The returned value is used directly as
// dispatchStore, so callers never see the concrete Postgres/SQLite type.
func openStore(ctx context.Context, cfg config.StoreConfig) (dispatchStore, func(), error) {
	switch cfg.Driver {
	case "postgres":
		s, err := store.NewPostgresStore(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case "sqlite":
		s, err := store.NewSQLiteStore(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
}

func openProvider(cfg config.ProviderConfig) (provider.Provider, error) {
	if cfg.Kind == "fake" {
		return &provider.Fake{}, nil
	}
	return provider.NewSMTPProvider(provider.SMTPConfig{
		Host:               cfg.SMTPHost,
		Port:               cfg.SMTPPort,
		Username:           cfg.SMTPUsername,
		Password:           cfg.SMTPPassword,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}), nil
}

func newArchiver(ctx context.Context, db retention.Store, cfg config.RetentionConfig) (*retention.Archiver, func(), error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("create storage client: %w", err)
	}
	bucket := retention.NewGCSBucket(client, cfg.BucketName)
	archiver := retention.New(db, bucket, retention.Options{RetentionDays: cfg.Days})
	return archiver, func() { client.Close() }, nil
}

func shutdownWithTimeout(shutdown func(context.Context) error, what string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to shutdown "+what, "error", err)
	}
}
