// Scrobbleweave - Decentralized Scrobble Feed Ingestion and Serving
// Copyright 2026 Scrobbleweave contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scrobbleweave/scrobbleweave

// Package sync reconciles the two feed store backends. The transactional
// store (Postgres) is the source of truth; the reconciler copies its rows
// into the embedded analytical store batch by batch, entity by entity, so
// feed queries answered from either backend converge.
package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/scrobbleweave/scrobbleweave/internal/config"
	"github.com/scrobbleweave/scrobbleweave/internal/feedstore"
	"github.com/scrobbleweave/scrobbleweave/internal/logging"
	"github.com/scrobbleweave/scrobbleweave/internal/metrics"
)

// Manager owns the periodic reconciliation loop. TriggerSync runs a pass on
// demand; concurrent passes are serialized, never stacked.
type Manager struct {
	reconciler *Reconciler
	interval   time.Duration
	logger     zerolog.Logger

	syncMu sync.Mutex // serializes passes

	mu       sync.Mutex
	lastSync time.Time
	lastStat Stats
}

// NewManager builds a manager copying source into target.
func NewManager(cfg config.SyncConfig, source, target feedstore.Syncable) *Manager {
	return &Manager{
		reconciler: NewReconciler(source, target, cfg.BatchSize),
		interval:   cfg.Interval,
		logger:     logging.With().Str("component", "sync").Logger(),
	}
}

// Serve runs the periodic loop until ctx is cancelled.
func (m *Manager) Serve(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", m.interval).Msg("Reconciliation loop started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.TriggerSync(ctx); err != nil {
				m.logger.Error().Err(err).Msg("Reconciliation pass failed")
			}
		}
	}
}

// TriggerSync runs one reconciliation pass and records its stats.
func (m *Manager) TriggerSync(ctx context.Context) (Stats, error) {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	start := time.Now()
	stats, err := m.reconciler.Run(ctx)
	metrics.SyncDuration.Observe(time.Since(start).Seconds())

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case len(stats.EntityErrors) > 0:
		outcome = "partial"
	}
	metrics.SyncRuns.WithLabelValues(outcome).Inc()

	m.mu.Lock()
	m.lastSync = time.Now()
	m.lastStat = stats
	m.mu.Unlock()

	if err != nil {
		return stats, fmt.Errorf("reconciliation pass: %w", err)
	}

	m.logger.Info().
		Int64("rows_copied", stats.RowsCopied).
		Int("entity_errors", len(stats.EntityErrors)).
		Dur("elapsed", time.Since(start)).
		Msg("Reconciliation pass finished")
	return stats, nil
}

// LastSync reports the time and stats of the most recent pass. The zero time
// means no pass has completed yet.
func (m *Manager) LastSync() (time.Time, Stats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSync, m.lastStat
}
