// Scrobbleweave - Decentralized Scrobble Feed Ingestion and Serving
// Copyright 2026 Scrobbleweave contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scrobbleweave/scrobbleweave

package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/scrobbleweave/scrobbleweave/internal/config"
)

// dedupeWindow is the JetStream duplicate-tracking window. Firehose replays
// after a crash land within seconds, so two minutes is comfortably wide.
const dedupeWindow = 2 * time.Minute

// JetStreamContext is the subset of jetstream.JetStream used by
// StreamManager, narrowed for test doubles.
type JetStreamContext interface {
	Stream(ctx context.Context, name string) (jetstream.Stream, error)
	CreateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	UpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
}

// StreamManager provisions the job stream before publishers and subscribers
// start. EnsureStream is idempotent.
type StreamManager struct {
	js  JetStreamContext
	cfg config.QueueConfig
}

// Connect dials NATS and returns a StreamManager plus the live connection.
// The caller owns the connection's lifecycle.
func Connect(cfg config.QueueConfig) (*StreamManager, *natsgo.Conn, error) {
	nc, err := natsgo.Connect(cfg.URL,
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(cfg.ReconnectWait),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to queue at %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("open jetstream context: %w", err)
	}

	return NewStreamManager(js, cfg), nc, nil
}

// NewStreamManager wraps an existing JetStream context.
func NewStreamManager(js JetStreamContext, cfg config.QueueConfig) *StreamManager {
	return &StreamManager{js: js, cfg: cfg}
}

// EnsureStream creates or updates the job stream. File storage, limits
// retention with old-message discard, and a deduplication window keyed on
// Nats-Msg-Id give the queue its durability and replay-collapsing semantics.
func (m *StreamManager) EnsureStream(ctx context.Context) (jetstream.Stream, error) {
	streamCfg := jetstream.StreamConfig{
		Name:       m.cfg.StreamName,
		Subjects:   []string{TopicWildcard},
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     time.Duration(m.cfg.RetentionDays) * 24 * time.Hour,
		Duplicates: dedupeWindow,
		Storage:    jetstream.FileStorage,
		Discard:    jetstream.DiscardOld,
	}

	_, err := m.js.Stream(ctx, m.cfg.StreamName)
	if err == nil {
		stream, err := m.js.UpdateStream(ctx, streamCfg)
		if err != nil {
			return nil, fmt.Errorf("update stream %s: %w", m.cfg.StreamName, err)
		}
		return stream, nil
	}

	if errors.Is(err, jetstream.ErrStreamNotFound) {
		stream, err := m.js.CreateStream(ctx, streamCfg)
		if err != nil {
			return nil, fmt.Errorf("create stream %s: %w", m.cfg.StreamName, err)
		}
		return stream, nil
	}

	return nil, fmt.Errorf("check stream %s: %w", m.cfg.StreamName, err)
}

// IsHealthy reports whether the stream is reachable.
func (m *StreamManager) IsHealthy(ctx context.Context) bool {
	_, err := m.js.Stream(ctx, m.cfg.StreamName)
	return err == nil
}
