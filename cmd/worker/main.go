package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rezkam/reviewcore/internal/artifacts"
	artifactsfs "github.com/rezkam/reviewcore/internal/artifacts/fs"
	artifactsgcs "github.com/rezkam/reviewcore/internal/artifacts/gcs"
	"github.com/rezkam/reviewcore/internal/config"
	"github.com/rezkam/reviewcore/internal/domain"
	"github.com/rezkam/reviewcore/internal/external"
	"github.com/rezkam/reviewcore/internal/failure"
	"github.com/rezkam/reviewcore/internal/jobdispatch"
	"github.com/rezkam/reviewcore/internal/outbox"
	"github.com/rezkam/reviewcore/internal/store"
	"github.com/rezkam/reviewcore/internal/validator"
	"github.com/rezkam/reviewcore/internal/worker"
	"github.com/rezkam/reviewcore/internal/workqueue"
	"github.com/rezkam/reviewcore/pkg/observability"
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
	defer shutdownWithTimeout(lp.Shutdown)
	slog.SetDefault(logger)

	tp, err := observability.InitTracerProvider(ctx, cfg.Observability.ServiceName, cfg.Observability.OTelEnabled)
	if err != nil {
		return fmt.Errorf("failed to init tracer provider: %w", err)
	}
	defer shutdownWithTimeout(tp.Shutdown)

	mp, err := observability.InitMeterProvider(ctx, cfg.Observability.ServiceName, cfg.Observability.OTelEnabled)
	if err != nil {
		return fmt.Errorf("failed to init meter provider: %w", err)
	}
	defer shutdownWithTimeout(mp.Shutdown)

	slog.InfoContext(ctx, "starting reviewcore worker")

	pool, err := store.OpenPostgresPool(ctx, store.PoolConfig{
		DSN:             cfg.Database.DSN,
		MaxConns:        cfg.Database.MaxConns,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to open postgres pool: %w", err)
	}
	db := store.NewPostgresStore(pool)
	defer db.Close()

	artifactStore, err := newArtifactStore(ctx, cfg.Artifacts)
	if err != nil {
		return fmt.Errorf("failed to init artifact store: %w", err)
	}

	queue := workqueue.New(db)
	dispatcher := jobdispatch.New(db)
	pipeline := failure.New(db)

	// No production notification provider is wired yet; the in-memory
	// fake keeps deliver_pending/reconcile_ambiguous exercised end to end
	// until a real provider adapter is selected.
	notifier := external.NewInMemoryNotificationProvider()
	outboxes := outbox.New(db, notifier)

	// No real changelist fetcher or model client is wired yet either; both
	// are external.Fetcher/ModelClient implementations this pipeline
	// consumes but does not own, per internal/external's package doc.
	fetcher := &external.InMemoryFetcher{}
	model := &external.InMemoryModelClient{}

	w := worker.New(worker.Config{
		PollInterval:      cfg.Worker.PollInterval,
		LeaseDuration:     cfg.Worker.LeaseDuration,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		RetryPolicy: domain.RetryPolicy{
			MaxAttempts:  cfg.Worker.MaxAttempts,
			InitialDelay: cfg.Worker.BaseRetryDelay,
			Multiplier:   2.0,
			MaxDelay:     cfg.Worker.MaxRetryDelay,
		},
		Version: validator.VersionFloor{
			ExpectedSchemaMajor: 1,
			MinSchemaMinor:      0,
			ExpectedPromptMajor: 1,
			ExpectedPromptMinor: 0,
		},
	}, queue, dispatcher, outboxes, pipeline, fetcher, model, artifactStore)

	w.Start(ctx)
	slog.InfoContext(ctx, "worker started")

	<-ctx.Done()
	slog.InfoContext(ctx, "shutting down")
	w.Stop()
	slog.InfoContext(ctx, "worker stopped")

	return nil
}

func newArtifactStore(ctx context.Context, cfg config.ArtifactsConfig) (artifacts.Store, error) {
	switch cfg.Backend {
	case "gcs":
		return artifactsgcs.NewStore(ctx, cfg.GCSBucket, cfg.GCSCredentialsFile)
	default:
		return artifactsfs.NewStore(cfg.FSDir)
	}
}

func shutdownWithTimeout(shutdown func(context.Context) error) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "shutdown failed", "error", err)
	}
}
