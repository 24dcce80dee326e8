// Scrobbleweave - Decentralized Scrobble Feed Ingestion and Serving
// Copyright 2026 Scrobbleweave contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scrobbleweave/scrobbleweave

// Package api serves the feed query surface and the operational endpoints:
// health, metrics, dead-letter inspection, and manual reconciliation.
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/scrobbleweave/scrobbleweave/internal/feedstore"
	"github.com/scrobbleweave/scrobbleweave/internal/logging"
	"github.com/scrobbleweave/scrobbleweave/internal/models"
	"github.com/scrobbleweave/scrobbleweave/internal/queue"
	syncpkg "github.com/scrobbleweave/scrobbleweave/internal/sync"
)

// retryAfterSeconds is sent with 503 responses so well-behaved clients back
// off instead of hammering a recovering backend.
const retryAfterSeconds = "5"

// DeadLetters is the inspection surface of the dead-letter router.
type DeadLetters interface {
	Recent() []*queue.DeadLetterEntry
}

// Handler holds the API dependencies. dlq and syncMgr may be nil when the
// corresponding subsystem is disabled.
type Handler struct {
	store   feedstore.Store
	dlq     DeadLetters
	syncMgr *syncpkg.Manager
	logger  zerolog.Logger
}

// NewHandler builds the API handler.
func NewHandler(store feedstore.Store, dlq DeadLetters, syncMgr *syncpkg.Manager) *Handler {
	return &Handler{
		store:   store,
		dlq:     dlq,
		syncMgr: syncMgr,
		logger:  logging.With().Str("component", "api").Logger(),
	}
}

// errorResponse is the uniform error body.
type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// Feed handles GET /api/v1/feed.
//
// Query parameters: user (exact DID), order_by (timestamp|relevance), asc
// (bool), skip, take. Invalid parameter values are a 400; an unreachable
// backend is a 503 with Retry-After.
func (h *Handler) Feed(w http.ResponseWriter, r *http.Request) {
	req, err := parseFeedRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.store.Feed(r.Context(), req)
	if err != nil {
		if errors.Is(err, feedstore.ErrUnavailable) {
			w.Header().Set("Retry-After", retryAfterSeconds)
			writeError(w, http.StatusServiceUnavailable, "feed store unavailable")
			return
		}
		h.logger.Error().Err(err).Msg("Feed query failed")
		writeError(w, http.StatusInternalServerError, "feed query failed")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func parseFeedRequest(r *http.Request) (models.FeedRequest, error) {
	q := r.URL.Query()
	req := models.FeedRequest{
		UserFilter: q.Get("user"),
		OrderBy:    q.Get("order_by"),
	}

	switch req.OrderBy {
	case "", models.OrderByTimestamp, models.OrderByRelevance:
	default:
		return req, errors.New("order_by must be timestamp or relevance")
	}

	if v := q.Get("asc"); v != "" {
		asc, err := strconv.ParseBool(v)
		if err != nil {
			return req, errors.New("asc must be a boolean")
		}
		req.Ascending = asc
	}
	if v := q.Get("skip"); v != "" {
		skip, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return req, errors.New("skip must be a non-negative integer")
		}
		req.Skip = uint32(skip)
	}
	if v := q.Get("take"); v != "" {
		take, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return req, errors.New("take must be a non-negative integer")
		}
		req.Take = uint32(take)
	}

	return req, nil
}

// HealthLive handles GET /api/v1/health/live: process is up.
func (h *Handler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HealthReady handles GET /api/v1/health/ready: backend reachable.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		w.Header().Set("Retry-After", retryAfterSeconds)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "unavailable",
			"backend": h.store.Backend(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"backend": h.store.Backend(),
	})
}

// DeadLetterList handles GET /api/v1/queue/dead.
func (h *Handler) DeadLetterList(w http.ResponseWriter, _ *http.Request) {
	if h.dlq == nil {
		writeJSON(w, http.StatusOK, map[string]any{"entries": []any{}})
		return
	}
	entries := h.dlq.Recent()
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

// SyncTriggerHandler handles POST /api/v1/sync.
func (h *Handler) SyncTriggerHandler(w http.ResponseWriter, r *http.Request) {
	if h.syncMgr == nil {
		writeError(w, http.StatusNotFound, "reconciliation is disabled")
		return
	}

	stats, err := h.syncMgr.TriggerSync(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Manual reconciliation failed")
		writeError(w, http.StatusInternalServerError, "reconciliation failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// SyncStatus handles GET /api/v1/sync.
func (h *Handler) SyncStatus(w http.ResponseWriter, _ *http.Request) {
	if h.syncMgr == nil {
		writeError(w, http.StatusNotFound, "reconciliation is disabled")
		return
	}

	last, stats := h.syncMgr.LastSync()
	writeJSON(w, http.StatusOK, map[string]any{
		"last_sync": last,
		"stats":     stats,
	})
}
