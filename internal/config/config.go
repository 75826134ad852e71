// Package config loads reviewcore's runtime configuration from environment
// variables using the internal/env reflection-based loader.
package config

import (
	"fmt"
	"time"

	"github.com/rezkam/reviewcore/internal/env"
)

// Config holds all configuration for the worker process.
type Config struct {
	Database      DatabaseConfig
	Worker        WorkerConfig
	Artifacts     ArtifactsConfig
	Observability ObservabilityConfig
	Notification  NotificationConfig
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	DSN             string        `env:"REVIEWCORE_DB_DSN"`
	MaxConns        int32         `env:"REVIEWCORE_DB_MAX_CONNS"`
	ConnectTimeout  time.Duration `env:"REVIEWCORE_DB_CONNECT_TIMEOUT"`
}

// Validate implements env.Validator.
func (c DatabaseConfig) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("REVIEWCORE_DB_DSN is required")
	}
	return nil
}

// WorkerConfig holds lease/polling/retry tuning for the claim→process→finalize loop.
type WorkerConfig struct {
	PollInterval      time.Duration `env:"REVIEWCORE_WORKER_POLL_INTERVAL"`
	LeaseDuration     time.Duration `env:"REVIEWCORE_WORKER_LEASE_DURATION"`
	HeartbeatInterval time.Duration `env:"REVIEWCORE_WORKER_HEARTBEAT_INTERVAL"`
	MaxAttempts       int           `env:"REVIEWCORE_WORKER_MAX_ATTEMPTS"`
	BaseRetryDelay    time.Duration `env:"REVIEWCORE_WORKER_BASE_RETRY_DELAY"`
	MaxRetryDelay     time.Duration `env:"REVIEWCORE_WORKER_MAX_RETRY_DELAY"`
	Concurrency       int           `env:"REVIEWCORE_WORKER_CONCURRENCY"`
}

// Validate implements env.Validator.
func (c WorkerConfig) Validate() error {
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("REVIEWCORE_WORKER_MAX_ATTEMPTS must be positive")
	}
	if c.BaseRetryDelay <= 0 {
		return fmt.Errorf("REVIEWCORE_WORKER_BASE_RETRY_DELAY must be positive")
	}
	if c.MaxRetryDelay < c.BaseRetryDelay {
		return fmt.Errorf("REVIEWCORE_WORKER_MAX_RETRY_DELAY must be >= base delay")
	}
	return nil
}

// ArtifactsConfig selects and configures the blob store that holds raw
// model responses.
type ArtifactsConfig struct {
	Backend            string `env:"REVIEWCORE_ARTIFACTS_BACKEND"` // "fs" or "gcs"
	FSDir              string `env:"REVIEWCORE_ARTIFACTS_FS_DIR"`
	GCSBucket          string `env:"REVIEWCORE_ARTIFACTS_GCS_BUCKET"`
	GCSCredentialsFile string `env:"REVIEWCORE_ARTIFACTS_GCS_CREDENTIALS_FILE"`
}

// Validate implements env.Validator.
func (c ArtifactsConfig) Validate() error {
	switch c.Backend {
	case "fs":
		if c.FSDir == "" {
			return fmt.Errorf("REVIEWCORE_ARTIFACTS_FS_DIR is required when backend is 'fs'")
		}
	case "gcs":
		if c.GCSBucket == "" {
			return fmt.Errorf("REVIEWCORE_ARTIFACTS_GCS_BUCKET is required when backend is 'gcs'")
		}
	default:
		return fmt.Errorf("unknown REVIEWCORE_ARTIFACTS_BACKEND: %s", c.Backend)
	}
	return nil
}

// ObservabilityConfig holds OTel enablement and service identity.
type ObservabilityConfig struct {
	OTelEnabled bool   `env:"REVIEWCORE_OTEL_ENABLED"`
	ServiceName string `env:"OTEL_SERVICE_NAME"`
}

// NotificationConfig tunes the outbox delivery loop.
type NotificationConfig struct {
	BatchSize      int           `env:"REVIEWCORE_OUTBOX_BATCH_SIZE"`
	DeliverTimeout time.Duration `env:"REVIEWCORE_OUTBOX_DELIVER_TIMEOUT"`
}

// Validate implements env.Validator.
func (c NotificationConfig) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("REVIEWCORE_OUTBOX_BATCH_SIZE must be positive")
	}
	return nil
}

// Load parses environment variables into a Config, applying defaults for
// anything left unset before validation runs.
func Load() (*Config, error) {
	cfg := &Config{
		Worker: WorkerConfig{
			PollInterval:      2 * time.Second,
			LeaseDuration:     30 * time.Second,
			HeartbeatInterval: 10 * time.Second,
			MaxAttempts:       5,
			BaseRetryDelay:    time.Second,
			MaxRetryDelay:     2 * time.Minute,
			Concurrency:       4,
		},
		Database: DatabaseConfig{
			MaxConns:       10,
			ConnectTimeout: 5 * time.Second,
		},
		Artifacts: ArtifactsConfig{
			Backend: "fs",
			FSDir:   "./reviewcore-artifacts",
		},
		Observability: ObservabilityConfig{
			OTelEnabled: true,
			ServiceName: "reviewcore-worker",
		},
		Notification: NotificationConfig{
			BatchSize:      20,
			DeliverTimeout: 10 * time.Second,
		},
	}

	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}
