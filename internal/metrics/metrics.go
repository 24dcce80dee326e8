// Scrobbleweave - Decentralized Scrobble Feed Ingestion and Serving
// Copyright 2026 Scrobbleweave contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scrobbleweave/scrobbleweave

// Package metrics provides Prometheus instrumentation for the ingestion
// pipeline: firehose consumption, queue throughput, worker dispatch outcomes,
// dead-letter volume, and feed query latency.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Firehose metrics
	FirehoseEventsReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "firehose_events_received_total",
			Help: "Total number of raw firehose frames received",
		},
	)

	FirehoseEventsNormalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "firehose_events_normalized_total",
			Help: "Total number of firehose frames normalized into domain events",
		},
		[]string{"type"}, // scrobble_created, scrobble_retracted, user_upserted
	)

	FirehoseEventsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "firehose_events_skipped_total",
			Help: "Total number of firehose frames dropped during normalization",
		},
		[]string{"reason"}, // unknown_collection, malformed, decode_error
	)

	FirehoseReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "firehose_reconnects_total",
			Help: "Total number of firehose reconnect attempts",
		},
	)

	FirehoseCursor = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "firehose_cursor_time_us",
			Help: "Current firehose cursor position in microseconds since epoch",
		},
	)

	// Queue metrics
	QueueJobsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_published_total",
			Help: "Total number of jobs published to the durable queue",
		},
		[]string{"kind"},
	)

	QueueJobsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_dispatched_total",
			Help: "Total number of job dispatch attempts by outcome",
		},
		[]string{"kind", "outcome"}, // outcome: ok, retry, dead
	)

	QueueDeadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_dead_letters_total",
			Help: "Total number of jobs routed to the dead-letter path",
		},
		[]string{"kind", "reason"}, // reason: permanent, exhausted
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "worker_dispatch_duration_seconds",
			Help:    "Duration of job dispatch in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Feed store metrics
	FeedQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "feedstore_query_duration_seconds",
			Help:    "Duration of feed queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	FeedStoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedstore_errors_total",
			Help: "Total number of feed store operation errors",
		},
		[]string{"backend", "operation"},
	)

	// Reconciliation metrics
	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_runs_total",
			Help: "Total number of reconciliation passes by outcome",
		},
		[]string{"outcome"}, // ok, partial, error
	)

	SyncRowsCopied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_rows_copied_total",
			Help: "Total number of rows copied into the analytical store",
		},
		[]string{"entity"},
	)

	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sync_duration_seconds",
			Help:    "Duration of reconciliation passes in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
	)
)

// ObserveDispatch records a dispatch attempt duration and outcome.
func ObserveDispatch(kind, outcome string, start time.Time) {
	DispatchDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	QueueJobsDispatched.WithLabelValues(kind, outcome).Inc()
}

// ObserveFeedQuery records a feed query duration for the given backend.
func ObserveFeedQuery(backend string, start time.Time) {
	FeedQueryDuration.WithLabelValues(backend).Observe(time.Since(start).Seconds())
}

// SetCursor updates the cursor position gauge.
func SetCursor(timeUS int64) {
	FirehoseCursor.Set(float64(timeUS))
}
