// Scrobbleweave - Decentralized Scrobble Feed Ingestion and Serving
// Copyright 2026 Scrobbleweave contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scrobbleweave/scrobbleweave

package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := defaultConfig()
	cfg.Firehose.Endpoint = "wss://firehose.example.com/subscribe"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"missing firehose endpoint", func(c *Config) { c.Firehose.Endpoint = "" }, true},
		{"non-websocket endpoint", func(c *Config) { c.Firehose.Endpoint = "https://example.com" }, true},
		{"no collections", func(c *Config) { c.Firehose.Collections = nil }, true},
		{"missing queue url", func(c *Config) { c.Queue.URL = "" }, true},
		{"missing stream name", func(c *Config) { c.Queue.StreamName = "" }, true},
		{"missing database path", func(c *Config) { c.Database.Path = "" }, true},
		{"zero worker pool", func(c *Config) { c.Worker.PoolSize = 0 }, true},
		{"postgres enabled without dsn", func(c *Config) { c.Postgres.Enabled = true }, true},
		{"postgres enabled with dsn", func(c *Config) {
			c.Postgres.Enabled = true
			c.Postgres.DSN = "postgres://localhost/scrobbleweave"
		}, false},
		{"sync without postgres", func(c *Config) { c.Sync.Enabled = true }, true},
		{"webhook target without url", func(c *Config) {
			c.Webhooks.Targets = []WebhookTarget{{Name: "feedgen"}}
		}, true},
		{"retry max at visibility timeout", func(c *Config) {
			c.Worker.RetryMax = c.Queue.VisibilityTimeout
		}, true},
		{"zero retry max", func(c *Config) { c.Worker.RetryMax = 0 }, true},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Queue.VisibilityTimeout != 30*time.Second {
		t.Errorf("expected 30s visibility timeout, got %v", cfg.Queue.VisibilityTimeout)
	}
	if cfg.Queue.MaxAttempts != 5 {
		t.Errorf("expected 5 max attempts, got %d", cfg.Queue.MaxAttempts)
	}
	if cfg.Worker.PoolSize != 1 {
		t.Errorf("expected single-worker default for per-actor ordering, got %d", cfg.Worker.PoolSize)
	}
	if cfg.Worker.RetryMax >= cfg.Queue.VisibilityTimeout {
		t.Errorf("retry backoff cap %v must stay below visibility timeout %v",
			cfg.Worker.RetryMax, cfg.Queue.VisibilityTimeout)
	}
	if len(cfg.Firehose.Collections) == 0 {
		t.Error("expected a default subscribed collection")
	}
}

func TestEnvTransform(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"SW_FIREHOSE__ENDPOINT", "firehose.endpoint"},
		{"SW_QUEUE__STREAM_NAME", "queue.stream_name"},
		{"SW_LOG__LEVEL", "log.level"},
	}

	for _, tt := range tests {
		if got := envTransform(tt.in); got != tt.want {
			t.Errorf("envTransform(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
