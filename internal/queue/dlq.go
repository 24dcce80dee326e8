// Scrobbleweave - Decentralized Scrobble Feed Ingestion and Serving
// Copyright 2026 Scrobbleweave contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scrobbleweave/scrobbleweave

package queue

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/scrobbleweave/scrobbleweave/internal/metrics"
)

// Dead-letter reasons.
const (
	DeadReasonPermanent = "permanent"
	DeadReasonExhausted = "exhausted"
)

// DeadLetterEntry is the record published to the dead-letter subject and
// retained for inspection via the operations API.
type DeadLetterEntry struct {
	Job       *Job      `json:"job"`
	Reason    string    `json:"reason"`
	LastError string    `json:"last_error"`
	Attempts  int       `json:"attempts"`
	DeadAt    time.Time `json:"dead_at"`
}

// DeadLetter routes failed jobs to the dead-letter subject and keeps a
// bounded in-memory window of recent entries for inspection.
type DeadLetter struct {
	publisher *Publisher
	maxRecent int

	mu     sync.RWMutex
	recent []*DeadLetterEntry
}

// NewDeadLetter creates a dead-letter router keeping up to maxRecent entries
// in memory.
func NewDeadLetter(publisher *Publisher, maxRecent int) *DeadLetter {
	if maxRecent <= 0 {
		maxRecent = 1000
	}
	return &DeadLetter{
		publisher: publisher,
		maxRecent: maxRecent,
	}
}

// Add publishes a dead-letter entry and records it in the inspection window.
func (d *DeadLetter) Add(ctx context.Context, job *Job, reason string, lastErr error, attempts int) error {
	entry := &DeadLetterEntry{
		Job:       job,
		Reason:    reason,
		Attempts:  attempts,
		DeadAt:    time.Now().UTC(),
	}
	if lastErr != nil {
		entry.LastError = lastErr.Error()
	}

	d.mu.Lock()
	d.recent = append(d.recent, entry)
	if len(d.recent) > d.maxRecent {
		d.recent = d.recent[len(d.recent)-d.maxRecent:]
	}
	d.mu.Unlock()

	metrics.QueueDeadLetters.WithLabelValues(job.Kind, reason).Inc()

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return d.publisher.Publish(ctx, TopicDeadLetter, message.NewMessage(uuid.NewString(), data))
}

// Recent returns a copy of the retained dead-letter entries, newest last.
func (d *DeadLetter) Recent() []*DeadLetterEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*DeadLetterEntry, len(d.recent))
	copy(out, d.recent)
	return out
}

// AttemptTracker counts delivery attempts per job across redeliveries. A job
// nacked twice and then acked reports two failed attempts; the entry is
// cleared on ack so the map only holds in-flight failures.
type AttemptTracker struct {
	mu       sync.Mutex
	attempts map[string]int
}

// NewAttemptTracker creates an empty tracker.
func NewAttemptTracker() *AttemptTracker {
	return &AttemptTracker{attempts: make(map[string]int)}
}

// Fail records a failed attempt for the job and returns the new count.
func (t *AttemptTracker) Fail(jobID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts[jobID]++
	return t.attempts[jobID]
}

// Count returns the failed attempts recorded so far for the job.
func (t *AttemptTracker) Count(jobID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts[jobID]
}

// Clear removes the job's entry, returning the final count.
func (t *AttemptTracker) Clear(jobID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.attempts[jobID]
	delete(t.attempts, jobID)
	return n
}

// RetryPolicy computes jittered exponential backoff between attempts.
type RetryPolicy struct {
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	JitterFraction    float64

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewRetryPolicy creates a policy with the given bounds. A zero seed uses a
// time-based seed; tests pass a fixed one for deterministic jitter.
func NewRetryPolicy(initial, max time.Duration, seed int64) *RetryPolicy {
	if initial <= 0 {
		initial = time.Second
	}
	if max <= 0 {
		max = time.Minute
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &RetryPolicy{
		InitialBackoff:    initial,
		MaxBackoff:        max,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
		//nolint:gosec // non-cryptographic jitter
		rng: rand.New(rand.NewSource(seed)),
	}
}

// Backoff returns the delay before the given (zero-based) retry attempt.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	backoff := float64(p.InitialBackoff) * math.Pow(p.BackoffMultiplier, float64(attempt))
	if backoff > float64(p.MaxBackoff) {
		backoff = float64(p.MaxBackoff)
	}

	p.rngMu.Lock()
	jitter := backoff * p.JitterFraction * (p.rng.Float64()*2 - 1)
	p.rngMu.Unlock()

	return time.Duration(backoff + jitter)
}
