// Scrobbleweave - Decentralized Scrobble Feed Ingestion and Serving
// Copyright 2026 Scrobbleweave contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scrobbleweave/scrobbleweave

package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/scrobbleweave/scrobbleweave/internal/config"
	"github.com/scrobbleweave/scrobbleweave/internal/feedstore"
	"github.com/scrobbleweave/scrobbleweave/internal/models"
)

func newTestServer(t *testing.T) (*httptest.Server, feedstore.Store) {
	t.Helper()
	store, err := feedstore.NewDuckDB(config.DatabaseConfig{
		Path:      filepath.Join(t.TempDir(), "api.duckdb"),
		MaxMemory: "256MB",
		Threads:   1,
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	srv := httptest.NewServer(NewHandler(store, nil, nil).Routes())
	t.Cleanup(srv.Close)
	return srv, store
}

func seedFeed(t *testing.T, store feedstore.Store, n int) {
	t.Helper()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		err := store.UpsertScrobble(context.Background(), models.ScrobbleEvent{
			EventID:    fmt.Sprintf("at://did:plc:api/fm.scrobbleweave.scrobble/3k%03d", i),
			ActorDID:   "did:plc:api",
			TrackTitle: fmt.Sprintf("Track %03d", i),
			PlayedAt:   base.Add(time.Duration(i) * time.Minute),
			ReceivedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestFeedEndpoint(t *testing.T) {
	srv, store := newTestServer(t)
	seedFeed(t, store, 5)

	var result models.FeedResult
	status := getJSON(t, srv.URL+"/api/v1/feed?user=did:plc:api&skip=1&take=2", &result)
	if status != http.StatusOK {
		t.Fatalf("status %d", status)
	}
	if len(result.Items) != 2 || result.Total != 5 || !result.HasMore {
		t.Fatalf("unexpected window: items=%d total=%d has_more=%v",
			len(result.Items), result.Total, result.HasMore)
	}
	// Newest first by default: skip=1 lands on the second newest.
	if result.Items[0].TrackTitle != "Track 003" {
		t.Errorf("unexpected first item: %s", result.Items[0].TrackTitle)
	}
}

func TestFeedEndpointValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name  string
		query string
	}{
		{"bad order_by", "?order_by=shuffle"},
		{"bad asc", "?asc=maybe"},
		{"bad skip", "?skip=-1"},
		{"bad take", "?take=abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if status := getJSON(t, srv.URL+"/api/v1/feed"+tt.query, nil); status != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", status)
			}
		})
	}
}

func TestFeedEndpointClampsTake(t *testing.T) {
	srv, store := newTestServer(t)
	seedFeed(t, store, 3)

	var result models.FeedResult
	if status := getJSON(t, srv.URL+"/api/v1/feed?take=5000", &result); status != http.StatusOK {
		t.Fatalf("status %d", status)
	}
	if result.Total != 3 {
		t.Errorf("expected all rows, got %d", result.Total)
	}
}

type downStore struct {
	feedstore.Store
}

func (d *downStore) Feed(context.Context, models.FeedRequest) (*models.FeedResult, error) {
	return nil, fmt.Errorf("%w: dial refused", feedstore.ErrUnavailable)
}

func (d *downStore) Ping(context.Context) error { return feedstore.ErrUnavailable }
func (d *downStore) Backend() string            { return "down" }

func TestFeedEndpointUnavailableBackend(t *testing.T) {
	srv := httptest.NewServer(NewHandler(&downStore{}, nil, nil).Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/feed")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestHealthEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	if status := getJSON(t, srv.URL+"/api/v1/health/live", nil); status != http.StatusOK {
		t.Errorf("live: %d", status)
	}
	if status := getJSON(t, srv.URL+"/api/v1/health/ready", nil); status != http.StatusOK {
		t.Errorf("ready: %d", status)
	}

	down := httptest.NewServer(NewHandler(&downStore{}, nil, nil).Routes())
	defer down.Close()
	if status := getJSON(t, down.URL+"/api/v1/health/ready", nil); status != http.StatusServiceUnavailable {
		t.Errorf("ready with down backend: %d", status)
	}
}

func TestDeadLetterEndpointEmpty(t *testing.T) {
	srv, _ := newTestServer(t)

	var body struct {
		Entries []any `json:"entries"`
	}
	if status := getJSON(t, srv.URL+"/api/v1/queue/dead", &body); status != http.StatusOK {
		t.Fatalf("status %d", status)
	}
	if len(body.Entries) != 0 {
		t.Errorf("expected no entries, got %d", len(body.Entries))
	}
}

func TestSyncEndpointsDisabled(t *testing.T) {
	srv, _ := newTestServer(t)

	if status := getJSON(t, srv.URL+"/api/v1/sync", nil); status != http.StatusNotFound {
		t.Errorf("expected 404 when sync disabled, got %d", status)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	if status := getJSON(t, srv.URL+"/metrics", nil); status != http.StatusOK {
		t.Errorf("metrics: %d", status)
	}
}
