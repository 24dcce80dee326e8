// Scrobbleweave - Decentralized Scrobble Feed Ingestion and Serving
// Copyright 2026 Scrobbleweave contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scrobbleweave/scrobbleweave

package sync

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/scrobbleweave/scrobbleweave/internal/feedstore"
	"github.com/scrobbleweave/scrobbleweave/internal/logging"
	"github.com/scrobbleweave/scrobbleweave/internal/metrics"
	"github.com/scrobbleweave/scrobbleweave/internal/models"
)

// Entity names in sync order. Parents come before the rows that reference
// them: users and artists first, associations last.
const (
	EntityUsers     = "users"
	EntityArtists   = "artists"
	EntityAlbums    = "albums"
	EntityTracks    = "tracks"
	EntityScrobbles = "scrobbles"
)

// Stats summarizes one reconciliation pass.
type Stats struct {
	RowsCopied   int64            `json:"rows_copied"`
	RowsByEntity map[string]int64 `json:"rows_by_entity"`
	// EntityErrors maps entity name to the error that stopped its copy.
	// One failing entity does not abort the others.
	EntityErrors map[string]string `json:"entity_errors,omitempty"`
}

// Reconciler copies every entity from source to target in batches. Upserts
// are idempotent, so re-copying rows that already match is harmless and a
// pass interrupted halfway leaves both stores consistent, just not yet
// converged.
type Reconciler struct {
	source    feedstore.Syncable
	target    feedstore.Syncable
	batchSize int
	logger    zerolog.Logger
}

// NewReconciler builds a reconciler with the given batch size.
func NewReconciler(source, target feedstore.Syncable, batchSize int) *Reconciler {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &Reconciler{
		source:    source,
		target:    target,
		batchSize: batchSize,
		logger:    logging.With().Str("component", "reconciler").Logger(),
	}
}

// Run executes one full pass. Entity failures are isolated and reported in
// Stats; only context cancellation aborts the pass.
func (r *Reconciler) Run(ctx context.Context) (Stats, error) {
	stats := Stats{
		RowsByEntity: make(map[string]int64),
		EntityErrors: make(map[string]string),
	}

	entities := []struct {
		name string
		copy func(ctx context.Context) (int64, error)
	}{
		{EntityUsers, r.copyUsers},
		{EntityArtists, r.copyArtists},
		{EntityAlbums, r.copyAlbums},
		{EntityTracks, r.copyTracks},
		{EntityScrobbles, r.copyScrobbles},
	}
	for _, table := range feedstore.AssociationTables {
		entities = append(entities, struct {
			name string
			copy func(ctx context.Context) (int64, error)
		}{table, r.associationCopier(table)})
	}

	for _, entity := range entities {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		copied, err := entity.copy(ctx)
		stats.RowsCopied += copied
		stats.RowsByEntity[entity.name] = copied
		metrics.SyncRowsCopied.WithLabelValues(entity.name).Add(float64(copied))

		if err != nil {
			stats.EntityErrors[entity.name] = err.Error()
			r.logger.Error().Err(err).Str("entity", entity.name).Msg("Entity copy failed")
		}
	}

	if len(stats.EntityErrors) == 0 {
		stats.EntityErrors = nil
	}
	return stats, nil
}

func (r *Reconciler) copyUsers(ctx context.Context) (int64, error) {
	return copyBatches(ctx, r.batchSize,
		r.source.ListUsers, r.target.UpsertUsers)
}

func (r *Reconciler) copyArtists(ctx context.Context) (int64, error) {
	return copyBatches(ctx, r.batchSize,
		r.source.ListArtists, r.target.UpsertArtists)
}

func (r *Reconciler) copyAlbums(ctx context.Context) (int64, error) {
	return copyBatches(ctx, r.batchSize,
		r.source.ListAlbums, r.target.UpsertAlbums)
}

func (r *Reconciler) copyTracks(ctx context.Context) (int64, error) {
	return copyBatches(ctx, r.batchSize,
		r.source.ListTracks, r.target.UpsertTracks)
}

func (r *Reconciler) copyScrobbles(ctx context.Context) (int64, error) {
	return copyBatches(ctx, r.batchSize,
		r.source.ListScrobbles, r.target.UpsertScrobbles)
}

func (r *Reconciler) associationCopier(table string) func(ctx context.Context) (int64, error) {
	return func(ctx context.Context) (int64, error) {
		return copyBatches(ctx, r.batchSize,
			func(ctx context.Context, offset, limit int) ([]models.Association, error) {
				return r.source.ListAssociations(ctx, table, offset, limit)
			},
			func(ctx context.Context, rows []models.Association) error {
				return r.target.UpsertAssociations(ctx, table, rows)
			})
	}
}

// copyBatches pages through the source with offset/limit and upserts each
// batch into the target, returning rows copied before any failure.
func copyBatches[T any](
	ctx context.Context,
	batchSize int,
	list func(ctx context.Context, offset, limit int) ([]T, error),
	upsert func(ctx context.Context, rows []T) error,
) (int64, error) {
	var copied int64
	for offset := 0; ; offset += batchSize {
		if ctx.Err() != nil {
			return copied, ctx.Err()
		}

		rows, err := list(ctx, offset, batchSize)
		if err != nil {
			return copied, fmt.Errorf("list at offset %d: %w", offset, err)
		}
		if len(rows) == 0 {
			return copied, nil
		}

		if err := upsert(ctx, rows); err != nil {
			return copied, fmt.Errorf("upsert batch at offset %d: %w", offset, err)
		}
		copied += int64(len(rows))

		if len(rows) < batchSize {
			return copied, nil
		}
	}
}
