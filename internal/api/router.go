// Scrobbleweave - Decentralized Scrobble Feed Ingestion and Serving
// Copyright 2026 Scrobbleweave contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scrobbleweave/scrobbleweave

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scrobbleweave/scrobbleweave/internal/logging"
)

// Routes assembles the router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogging)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/feed", h.Feed)

		r.Route("/health", func(r chi.Router) {
			r.Get("/live", h.HealthLive)
			r.Get("/ready", h.HealthReady)
		})

		r.Get("/queue/dead", h.DeadLetterList)

		r.Post("/sync", h.SyncTriggerHandler)
		r.Get("/sync", h.SyncStatus)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

// requestLogging logs each request at debug with method, path, status, and
// duration.
func requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logging.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("Request handled")
	})
}
