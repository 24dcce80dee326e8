// Scrobbleweave - Decentralized Scrobble Feed Ingestion and Serving
// Copyright 2026 Scrobbleweave contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scrobbleweave/scrobbleweave

package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/scrobbleweave/scrobbleweave/internal/config"
	"github.com/scrobbleweave/scrobbleweave/internal/feedstore"
	"github.com/scrobbleweave/scrobbleweave/internal/models"
)

func newStore(t *testing.T, name string) *feedstore.DuckDB {
	t.Helper()
	db, err := feedstore.NewDuckDB(config.DatabaseConfig{
		Path:      filepath.Join(t.TempDir(), name+".duckdb"),
		MaxMemory: "256MB",
		Threads:   1,
	})
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedSource(t *testing.T, store feedstore.Store, n int) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < n; i++ {
		err := store.UpsertScrobble(ctx, models.ScrobbleEvent{
			EventID:    fmt.Sprintf("at://did:plc:seed/fm.scrobbleweave.scrobble/3k%03d", i),
			ActorDID:   "did:plc:seed",
			TrackTitle: fmt.Sprintf("Track %03d", i),
			ArtistName: "Seeded Artist",
			AlbumTitle: "Seeded Album",
			Duration:   120,
			PlayedAt:   base.Add(time.Duration(i) * time.Minute),
			ReceivedAt: base.Add(time.Duration(i)*time.Minute + time.Second),
		})
		if err != nil {
			t.Fatalf("seed scrobble %d: %v", i, err)
		}
	}
	if err := store.UpsertUser(ctx, models.User{DID: "did:plc:seed", Handle: "seed.example", UpdatedAt: base}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func TestReconcilerConvergesBackends(t *testing.T) {
	source := newStore(t, "source")
	target := newStore(t, "target")
	seedSource(t, source, 7)

	// Batch size smaller than the row count exercises paging.
	rec := NewReconciler(source, target, 3)
	stats, err := rec.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.EntityErrors != nil {
		t.Fatalf("unexpected entity errors: %v", stats.EntityErrors)
	}
	if stats.RowsByEntity[EntityScrobbles] != 7 {
		t.Errorf("expected 7 scrobbles copied, got %d", stats.RowsByEntity[EntityScrobbles])
	}
	if stats.RowsByEntity[EntityUsers] != 1 {
		t.Errorf("expected 1 user copied, got %d", stats.RowsByEntity[EntityUsers])
	}

	// After reconciliation the same feed query answers identically on
	// either backend.
	ctx := context.Background()
	req := models.FeedRequest{UserFilter: "did:plc:seed", Take: models.MaxFeedTake}
	fromSource, err := source.Feed(ctx, req)
	if err != nil {
		t.Fatalf("source feed: %v", err)
	}
	fromTarget, err := target.Feed(ctx, req)
	if err != nil {
		t.Fatalf("target feed: %v", err)
	}

	if fromSource.Total != fromTarget.Total {
		t.Fatalf("totals diverge: %d vs %d", fromSource.Total, fromTarget.Total)
	}
	for i := range fromSource.Items {
		if fromSource.Items[i].EventID != fromTarget.Items[i].EventID {
			t.Fatalf("feed diverges at %d: %s vs %s",
				i, fromSource.Items[i].EventID, fromTarget.Items[i].EventID)
		}
	}
}

func TestReconcilerIsIdempotent(t *testing.T) {
	source := newStore(t, "source")
	target := newStore(t, "target")
	seedSource(t, source, 4)

	rec := NewReconciler(source, target, 10)
	for pass := 0; pass < 2; pass++ {
		if _, err := rec.Run(context.Background()); err != nil {
			t.Fatalf("pass %d: %v", pass, err)
		}
	}

	res, err := target.Feed(context.Background(), models.FeedRequest{Take: models.MaxFeedTake})
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if res.Total != 4 {
		t.Fatalf("repeat passes must not duplicate rows, got %d", res.Total)
	}
}

// failingSyncable wraps a store and fails scrobble listing.
type failingSyncable struct {
	feedstore.Syncable
}

func (f *failingSyncable) ListScrobbles(context.Context, int, int) ([]models.ScrobbleEvent, error) {
	return nil, errors.New("scrobbles unavailable")
}

func TestReconcilerIsolatesEntityFailures(t *testing.T) {
	source := newStore(t, "source")
	target := newStore(t, "target")
	seedSource(t, source, 2)

	rec := NewReconciler(&failingSyncable{Syncable: source}, target, 10)
	stats, err := rec.Run(context.Background())
	if err != nil {
		t.Fatalf("run must not abort on entity failure: %v", err)
	}

	if _, ok := stats.EntityErrors[EntityScrobbles]; !ok {
		t.Error("expected scrobbles entity error recorded")
	}
	// The other entities still copied.
	if stats.RowsByEntity[EntityUsers] != 1 {
		t.Errorf("users should copy despite scrobbles failure, got %d", stats.RowsByEntity[EntityUsers])
	}
	if stats.RowsByEntity[EntityArtists] != 1 {
		t.Errorf("artists should copy despite scrobbles failure, got %d", stats.RowsByEntity[EntityArtists])
	}
}

func TestManagerTriggerSyncSerializes(t *testing.T) {
	source := newStore(t, "source")
	target := newStore(t, "target")
	seedSource(t, source, 3)

	mgr := NewManager(config.SyncConfig{Interval: time.Hour, BatchSize: 10}, source, target)

	stats, err := mgr.TriggerSync(context.Background())
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if stats.RowsCopied == 0 {
		t.Error("expected rows copied")
	}

	last, lastStats := mgr.LastSync()
	if last.IsZero() {
		t.Error("last sync time not recorded")
	}
	if lastStats.RowsCopied != stats.RowsCopied {
		t.Error("last stats not recorded")
	}
}
