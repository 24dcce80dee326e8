// Scrobbleweave - Decentralized Scrobble Feed Ingestion and Serving
// Copyright 2026 Scrobbleweave contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scrobbleweave/scrobbleweave

// Package config defines the application configuration and its loading rules.
//
// Configuration is layered: struct defaults, then an optional YAML file, then
// environment variables (highest priority). Missing required settings are a
// fatal startup error; nothing else is.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root application configuration.
type Config struct {
	Log      LogConfig      `koanf:"log"`
	Server   ServerConfig   `koanf:"server"`
	Firehose FirehoseConfig `koanf:"firehose"`
	Queue    QueueConfig    `koanf:"queue"`
	Database DatabaseConfig `koanf:"database"`
	Postgres PostgresConfig `koanf:"postgres"`
	Worker   WorkerConfig   `koanf:"worker"`
	Webhooks WebhookConfig  `koanf:"webhooks"`
	Sync     SyncConfig     `koanf:"sync"`
}

// LogConfig controls the global logger.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// ServerConfig holds the feed API HTTP server settings.
type ServerConfig struct {
	Addr            string        `koanf:"addr" validate:"required"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// FirehoseConfig holds the firehose subscription settings.
type FirehoseConfig struct {
	// Endpoint is the websocket URL of the firehose (required).
	Endpoint string `koanf:"endpoint" validate:"required,startswith=ws"`

	// Collections is the set of record collections to subscribe to.
	Collections []string `koanf:"collections" validate:"min=1"`

	// CursorPath is the directory for the durable cursor checkpoint store.
	CursorPath string `koanf:"cursor_path" validate:"required"`

	// CheckpointInterval bounds how often the cursor is persisted. A crash
	// replays at most one interval's worth of events.
	CheckpointInterval time.Duration `koanf:"checkpoint_interval"`

	// CheckpointEvery persists the cursor after this many events even if the
	// interval has not elapsed.
	CheckpointEvery int `koanf:"checkpoint_every"`

	// BufferSize is the bounded internal event buffer. When it fills, the
	// socket reader suspends until downstream catches up.
	BufferSize int `koanf:"buffer_size"`

	// ReconnectBase and ReconnectMax bound the exponential backoff.
	ReconnectBase time.Duration `koanf:"reconnect_base"`
	ReconnectMax  time.Duration `koanf:"reconnect_max"`

	// IdleTimeout drops the connection when no frame arrives in time.
	IdleTimeout time.Duration `koanf:"idle_timeout"`
}

// QueueConfig holds the durable queue (NATS JetStream) settings.
type QueueConfig struct {
	// URL is the NATS server connection URL (required).
	URL string `koanf:"url" validate:"required"`

	// EmbeddedServer runs an in-process JetStream server instead of
	// connecting to an external one.
	EmbeddedServer bool   `koanf:"embedded_server"`
	StoreDir       string `koanf:"store_dir"`
	MaxMemory      int64  `koanf:"max_memory"`
	MaxStore       int64  `koanf:"max_store"`

	// StreamName is the JetStream stream holding all job subjects.
	StreamName    string        `koanf:"stream_name" validate:"required"`
	RetentionDays int           `koanf:"retention_days"`
	DurableName   string        `koanf:"durable_name"`
	QueueGroup    string        `koanf:"queue_group"`
	// VisibilityTimeout is the JetStream AckWait: a dequeued-but-unacked job
	// becomes visible again after this elapses.
	VisibilityTimeout time.Duration `koanf:"visibility_timeout"`
	// MaxAttempts is the delivery ceiling before a job is dead-lettered.
	MaxAttempts int `koanf:"max_attempts"`
	MaxAckPending int           `koanf:"max_ack_pending"`
	CloseTimeout  time.Duration `koanf:"close_timeout"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
}

// DatabaseConfig holds the embedded analytical store (DuckDB) settings.
type DatabaseConfig struct {
	Path      string `koanf:"path" validate:"required"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads"`
}

// PostgresConfig holds the transactional store settings.
type PostgresConfig struct {
	// DSN is the connection string (required unless disabled).
	Enabled  bool          `koanf:"enabled"`
	DSN      string        `koanf:"dsn" validate:"required_if=Enabled true"`
	MaxConns int32         `koanf:"max_conns"`
	Timeout  time.Duration `koanf:"timeout"`
}

// WorkerConfig holds the dispatch worker pool settings.
type WorkerConfig struct {
	// PoolSize is the number of workers per job kind.
	//
	// Per-actor FIFO holds only with PoolSize=1 for the feed kinds: a single
	// in-order consumer preserves the relative order of Create/Retract for
	// each actor. Higher values trade ordering for throughput; the
	// event-keyed idempotent upsert/delete keeps the store convergent.
	PoolSize int `koanf:"pool_size" validate:"min=1"`

	// RetryBase and RetryMax bound the attempt-derived nack backoff. RetryMax
	// must stay below the queue visibility timeout: the worker sleeps before
	// nacking, and a sleep past AckWait lets the broker redeliver while the
	// original delivery is still held.
	RetryBase time.Duration `koanf:"retry_base" validate:"gt=0"`
	RetryMax  time.Duration `koanf:"retry_max" validate:"gt=0"`
}

// WebhookTarget is one registered outbound sink.
type WebhookTarget struct {
	Name   string `koanf:"name" validate:"required"`
	URL    string `koanf:"url" validate:"required,url"`
	Secret string `koanf:"secret"`
}

// WebhookConfig holds outbound webhook delivery settings.
type WebhookConfig struct {
	Targets []WebhookTarget `koanf:"targets" validate:"dive"`

	// Timeout bounds each outbound call.
	Timeout time.Duration `koanf:"timeout"`

	// RatePerSecond limits outbound calls across all targets (0 = unlimited).
	RatePerSecond float64 `koanf:"rate_per_second"`
}

// SyncConfig holds reconciliation settings.
type SyncConfig struct {
	Enabled   bool          `koanf:"enabled"`
	Interval  time.Duration `koanf:"interval"`
	BatchSize int           `koanf:"batch_size" validate:"min=1"`
}

// defaultConfig returns a Config with all defaults applied. File and env
// layers override these.
func defaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Firehose: FirehoseConfig{
			Endpoint:           "",
			Collections:        []string{"fm.scrobbleweave.scrobble"},
			CursorPath:         "/data/cursor",
			CheckpointInterval: 5 * time.Second,
			CheckpointEvery:    500,
			BufferSize:         1024,
			ReconnectBase:      time.Second,
			ReconnectMax:       60 * time.Second,
			IdleTimeout:        60 * time.Second,
		},
		Queue: QueueConfig{
			URL:               "nats://127.0.0.1:4222",
			EmbeddedServer:    true,
			StoreDir:          "/data/nats/jetstream",
			MaxMemory:         1 << 30,  // 1GB
			MaxStore:          10 << 30, // 10GB
			StreamName:        "SCROBBLE_JOBS",
			RetentionDays:     7,
			DurableName:       "job-dispatcher",
			QueueGroup:        "dispatchers",
			VisibilityTimeout: 30 * time.Second,
			MaxAttempts:       5,
			MaxAckPending:     1000,
			CloseTimeout:      30 * time.Second,
			ReconnectWait:     2 * time.Second,
		},
		Database: DatabaseConfig{
			Path:      "/data/scrobbleweave.duckdb",
			MaxMemory: "2GB",
			Threads:   0, // 0 = runtime.NumCPU()
		},
		Postgres: PostgresConfig{
			Enabled:  false,
			DSN:      "",
			MaxConns: 8,
			Timeout:  10 * time.Second,
		},
		Worker: WorkerConfig{
			PoolSize:  1,
			RetryBase: time.Second,
			RetryMax:  15 * time.Second,
		},
		Webhooks: WebhookConfig{
			Timeout:       10 * time.Second,
			RatePerSecond: 10,
		},
		Sync: SyncConfig{
			Enabled:   false,
			Interval:  15 * time.Minute,
			BatchSize: 1000,
		},
	}
}

// Validate checks the configuration. A validation failure here is the only
// fatal startup condition in the error taxonomy.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Sync.Enabled && !c.Postgres.Enabled {
		return fmt.Errorf("invalid configuration: sync requires postgres to be enabled")
	}
	if c.Worker.RetryMax >= c.Queue.VisibilityTimeout {
		return fmt.Errorf("invalid configuration: worker retry_max (%v) must stay below queue visibility_timeout (%v)",
			c.Worker.RetryMax, c.Queue.VisibilityTimeout)
	}
	return nil
}
