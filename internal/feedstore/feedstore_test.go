// Scrobbleweave - Decentralized Scrobble Feed Ingestion and Serving
// Copyright 2026 Scrobbleweave contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scrobbleweave/scrobbleweave

package feedstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/scrobbleweave/scrobbleweave/internal/config"
	"github.com/scrobbleweave/scrobbleweave/internal/models"
)

// fullStore is what the tests exercise: the query contract plus the sync
// surface.
type fullStore interface {
	Store
	Syncable
}

func newTestDuckDB(t *testing.T) fullStore {
	t.Helper()
	db, err := NewDuckDB(config.DatabaseConfig{
		Path:      filepath.Join(t.TempDir(), "test.duckdb"),
		MaxMemory: "512MB",
		Threads:   2,
	})
	if err != nil {
		t.Fatalf("open duckdb: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testScrobble(id int, actor string, playedAt time.Time) models.ScrobbleEvent {
	return models.ScrobbleEvent{
		EventID:    fmt.Sprintf("at://%s/fm.scrobbleweave.scrobble/3k%03d", actor, id),
		ActorDID:   actor,
		TrackTitle: fmt.Sprintf("Track %03d", id),
		ArtistName: "The Testers",
		AlbumTitle: "Fixtures",
		Duration:   180,
		PlayedAt:   playedAt,
		ReceivedAt: playedAt.Add(time.Minute),
	}
}

func TestDuckDBStore(t *testing.T) {
	runStoreSuite(t, newTestDuckDB(t))
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	db, err := NewPostgres(context.Background(), config.PostgresConfig{
		Enabled: true,
		DSN:     dsn,
		Timeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	runStoreSuite(t, db)
}

// runStoreSuite verifies the store contract. Any backend passing this suite
// produces identical feed results for identical contents.
func runStoreSuite(t *testing.T, store fullStore) {
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	t.Run("upsert is idempotent", func(t *testing.T) {
		s := testScrobble(1, "did:plc:alice", base)
		for i := 0; i < 3; i++ {
			if err := store.UpsertScrobble(ctx, s); err != nil {
				t.Fatalf("upsert %d: %v", i, err)
			}
		}
		res, err := store.Feed(ctx, models.FeedRequest{UserFilter: "did:plc:alice"})
		if err != nil {
			t.Fatalf("feed: %v", err)
		}
		if res.Total != 1 {
			t.Fatalf("replayed upserts must converge to one row, got %d", res.Total)
		}
	})

	t.Run("delete unknown event is a no-op", func(t *testing.T) {
		if err := store.DeleteScrobble(ctx, "at://did:plc:nobody/fm.scrobbleweave.scrobble/none"); err != nil {
			t.Fatalf("delete of unseen event must not fail: %v", err)
		}
	})

	t.Run("delete then replayed delete", func(t *testing.T) {
		s := testScrobble(2, "did:plc:alice", base.Add(time.Hour))
		if err := store.UpsertScrobble(ctx, s); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		for i := 0; i < 2; i++ {
			if err := store.DeleteScrobble(ctx, s.EventID); err != nil {
				t.Fatalf("delete %d: %v", i, err)
			}
		}
		res, err := store.Feed(ctx, models.FeedRequest{UserFilter: "did:plc:alice"})
		if err != nil {
			t.Fatalf("feed: %v", err)
		}
		if res.Total != 1 {
			t.Fatalf("expected only the surviving row, got %d", res.Total)
		}
	})

	t.Run("pagination window", func(t *testing.T) {
		// Three plays at t1 < t2 < t3; newest-first skip=1 take=1 lands on
		// the middle one with more remaining.
		actor := "did:plc:window"
		for i, offset := range []time.Duration{0, time.Hour, 2 * time.Hour} {
			if err := store.UpsertScrobble(ctx, testScrobble(10+i, actor, base.Add(offset))); err != nil {
				t.Fatalf("upsert: %v", err)
			}
		}

		res, err := store.Feed(ctx, models.FeedRequest{UserFilter: actor, Skip: 1, Take: 1})
		if err != nil {
			t.Fatalf("feed: %v", err)
		}
		if len(res.Items) != 1 || res.Items[0].TrackTitle != "Track 011" {
			t.Fatalf("expected the middle play, got %+v", res.Items)
		}
		if res.Total != 3 || !res.HasMore {
			t.Fatalf("expected total=3 has_more=true, got total=%d has_more=%v", res.Total, res.HasMore)
		}
	})

	t.Run("tie-break is deterministic", func(t *testing.T) {
		actor := "did:plc:ties"
		at := base.Add(48 * time.Hour)
		for i := 0; i < 3; i++ {
			if err := store.UpsertScrobble(ctx, testScrobble(20+i, actor, at)); err != nil {
				t.Fatalf("upsert: %v", err)
			}
		}

		res, err := store.Feed(ctx, models.FeedRequest{UserFilter: actor})
		if err != nil {
			t.Fatalf("feed: %v", err)
		}
		for i := 1; i < len(res.Items); i++ {
			if res.Items[i-1].EventID >= res.Items[i].EventID {
				t.Fatalf("equal timestamps must order by event_id ascending: %s before %s",
					res.Items[i-1].EventID, res.Items[i].EventID)
			}
		}
	})

	t.Run("page walk reconstructs full order", func(t *testing.T) {
		actor := "did:plc:walker"
		for i := 0; i < 7; i++ {
			if err := store.UpsertScrobble(ctx, testScrobble(30+i, actor, base.Add(time.Duration(i)*time.Minute))); err != nil {
				t.Fatalf("upsert: %v", err)
			}
		}

		full, err := store.Feed(ctx, models.FeedRequest{UserFilter: actor, Take: models.MaxFeedTake})
		if err != nil {
			t.Fatalf("feed: %v", err)
		}

		var walked []models.ScrobbleEvent
		for skip := uint32(0); ; skip += 3 {
			page, err := store.Feed(ctx, models.FeedRequest{UserFilter: actor, Skip: skip, Take: 3})
			if err != nil {
				t.Fatalf("feed page: %v", err)
			}
			walked = append(walked, page.Items...)
			if !page.HasMore {
				break
			}
		}

		if len(walked) != len(full.Items) {
			t.Fatalf("page walk returned %d items, full query %d", len(walked), len(full.Items))
		}
		for i := range walked {
			if walked[i].EventID != full.Items[i].EventID {
				t.Fatalf("page walk diverged at %d: %s vs %s", i, walked[i].EventID, full.Items[i].EventID)
			}
		}
	})

	t.Run("relevance ordering uses received_at", func(t *testing.T) {
		actor := "did:plc:relevance"
		// Played long ago, ingested just now: leads the relevance feed,
		// trails the timestamp feed.
		old := testScrobble(40, actor, base.Add(-240*time.Hour))
		old.ReceivedAt = base.Add(100 * time.Hour)
		recent := testScrobble(41, actor, base.Add(90*time.Hour))
		recent.ReceivedAt = base.Add(91 * time.Hour)

		for _, s := range []models.ScrobbleEvent{old, recent} {
			if err := store.UpsertScrobble(ctx, s); err != nil {
				t.Fatalf("upsert: %v", err)
			}
		}

		byTime, err := store.Feed(ctx, models.FeedRequest{UserFilter: actor})
		if err != nil {
			t.Fatalf("feed: %v", err)
		}
		byRelevance, err := store.Feed(ctx, models.FeedRequest{UserFilter: actor, OrderBy: models.OrderByRelevance})
		if err != nil {
			t.Fatalf("feed: %v", err)
		}

		if byTime.Items[0].EventID != recent.EventID {
			t.Errorf("timestamp feed should lead with the recent play")
		}
		if byRelevance.Items[0].EventID != old.EventID {
			t.Errorf("relevance feed should lead with the freshly ingested play")
		}
	})

	t.Run("ascending flips direction", func(t *testing.T) {
		actor := "did:plc:walker"
		asc, err := store.Feed(ctx, models.FeedRequest{UserFilter: actor, Ascending: true, Take: models.MaxFeedTake})
		if err != nil {
			t.Fatalf("feed: %v", err)
		}
		desc, err := store.Feed(ctx, models.FeedRequest{UserFilter: actor, Take: models.MaxFeedTake})
		if err != nil {
			t.Fatalf("feed: %v", err)
		}
		if asc.Items[0].EventID != desc.Items[len(desc.Items)-1].EventID {
			t.Error("ascending first item should equal descending last item")
		}
	})

	t.Run("derived entities", func(t *testing.T) {
		artists, err := store.ListArtists(ctx, 0, 100)
		if err != nil {
			t.Fatalf("list artists: %v", err)
		}
		if len(artists) != 1 || artists[0].Name != "The Testers" {
			t.Fatalf("expected one deduplicated artist, got %+v", artists)
		}

		tracks, err := store.ListTracks(ctx, 0, 1000)
		if err != nil {
			t.Fatalf("list tracks: %v", err)
		}
		for _, track := range tracks {
			if track.ArtistID != artists[0].ID {
				t.Fatalf("track %s not linked to artist", track.Title)
			}
		}

		links, err := store.ListAssociations(ctx, TableUserTracks, 0, 1000)
		if err != nil {
			t.Fatalf("list user_tracks: %v", err)
		}
		if len(links) == 0 {
			t.Fatal("expected user_tracks links from ingestion")
		}
	})

	t.Run("user upsert", func(t *testing.T) {
		u := models.User{DID: "did:plc:alice", Handle: "alice.old", UpdatedAt: base}
		if err := store.UpsertUser(ctx, u); err != nil {
			t.Fatalf("upsert user: %v", err)
		}
		u.Handle = "alice.new"
		if err := store.UpsertUser(ctx, u); err != nil {
			t.Fatalf("re-upsert user: %v", err)
		}
		users, err := store.ListUsers(ctx, 0, 100)
		if err != nil {
			t.Fatalf("list users: %v", err)
		}
		found := false
		for _, got := range users {
			if got.DID == "did:plc:alice" {
				found = true
				if got.Handle != "alice.new" {
					t.Errorf("expected refreshed handle, got %s", got.Handle)
				}
			}
		}
		if !found {
			t.Error("upserted user not listed")
		}
	})
}

func TestFeedSnapshotConsistency(t *testing.T) {
	// Count and window must read the same snapshot: with writes landing
	// between the two statements, the window could otherwise return more
	// rows than the reported total.
	store := newTestDuckDB(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	actor := "did:plc:snapshot"

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			_ = store.UpsertScrobble(ctx, testScrobble(100+i, actor, base.Add(time.Duration(i)*time.Second)))
		}
	}()

	for i := 0; i < 50; i++ {
		res, err := store.Feed(ctx, models.FeedRequest{UserFilter: actor, Take: models.MaxFeedTake})
		if err != nil {
			t.Fatalf("feed: %v", err)
		}
		if int64(len(res.Items)) > res.Total {
			t.Fatalf("window larger than reported total: %d > %d", len(res.Items), res.Total)
		}
	}

	close(stop)
	wg.Wait()
}

func TestDeriveEntitiesDeterministic(t *testing.T) {
	a := deriveEntities(testScrobble(1, "did:plc:x", time.Now()))
	b := deriveEntities(testScrobble(2, "did:plc:y", time.Now()))

	if a.Artist == nil || b.Artist == nil || a.Artist.ID != b.Artist.ID {
		t.Error("same artist name must derive the same artist ID")
	}
	if a.Album == nil || b.Album == nil || a.Album.ID != b.Album.ID {
		t.Error("same album must derive the same album ID")
	}
	if a.Track.ID == b.Track.ID {
		t.Error("different track titles must derive different track IDs")
	}
}

func TestDeriveEntitiesSparseRecord(t *testing.T) {
	d := deriveEntities(models.ScrobbleEvent{
		EventID:    "at://did:plc:x/fm.scrobbleweave.scrobble/1",
		ActorDID:   "did:plc:x",
		TrackTitle: "Untitled",
		PlayedAt:   time.Now(),
	})
	if d.Artist != nil || d.Album != nil {
		t.Error("no artist or album rows without names")
	}
	if d.Track.ID == "" {
		t.Error("track row is always derived")
	}
	if d.UserTrack.Left != "did:plc:x" {
		t.Error("user_tracks link always derived")
	}
}
