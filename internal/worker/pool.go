// Scrobbleweave - Decentralized Scrobble Feed Ingestion and Serving
// Copyright 2026 Scrobbleweave contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scrobbleweave/scrobbleweave

// Package worker dispatches queued jobs to their sinks: the feed stores and
// registered webhooks.
//
// Dispatch outcomes follow the queue's error taxonomy. Success acks. A
// retryable failure nacks after an attempt-derived backoff, so the broker
// redelivers. A permanent failure, or a retryable one that exhausts the
// attempt ceiling, routes to the dead-letter subject and acks the original.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/scrobbleweave/scrobbleweave/internal/config"
	"github.com/scrobbleweave/scrobbleweave/internal/logging"
	"github.com/scrobbleweave/scrobbleweave/internal/metrics"
	"github.com/scrobbleweave/scrobbleweave/internal/queue"
)

// HandlerFunc processes one job. Return nil to ack, a RetryableError to
// redeliver, or a PermanentError to dead-letter immediately.
type HandlerFunc func(ctx context.Context, job *queue.Job) error

// Subscriber is the queue consumption surface the dispatcher needs.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error)
}

// Dispatcher runs the worker pool over every registered job topic.
type Dispatcher struct {
	sub         Subscriber
	dlq         *queue.DeadLetter
	tracker     *queue.AttemptTracker
	policy      *queue.RetryPolicy
	handlers    map[string]HandlerFunc
	poolSize    int
	maxAttempts int
	logger      zerolog.Logger
}

// NewDispatcher builds a dispatcher. Handlers are registered per job kind
// with Register before Serve starts.
func NewDispatcher(sub Subscriber, dlq *queue.DeadLetter, cfg config.WorkerConfig, maxAttempts int) *Dispatcher {
	return &Dispatcher{
		sub:         sub,
		dlq:         dlq,
		tracker:     queue.NewAttemptTracker(),
		policy:      queue.NewRetryPolicy(cfg.RetryBase, cfg.RetryMax, 0),
		handlers:    make(map[string]HandlerFunc),
		poolSize:    cfg.PoolSize,
		maxAttempts: maxAttempts,
		logger:      logging.With().Str("component", "worker").Logger(),
	}
}

// Register binds a handler to a job kind. Jobs of unregistered kinds are
// dead-lettered as permanent failures.
func (d *Dispatcher) Register(kind string, handler HandlerFunc) {
	d.handlers[kind] = handler
}

// Attempts reports the failed attempts recorded so far for a job.
func (d *Dispatcher) Attempts(jobID string) int {
	return d.tracker.Count(jobID)
}

// Serve consumes every registered topic until ctx is cancelled. Each topic
// gets poolSize workers draining a single subscription; a pool of one keeps
// per-actor delivery order intact.
func (d *Dispatcher) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for kind := range d.handlers {
		topic, err := queue.TopicForKind(kind)
		if err != nil {
			return err
		}

		messages, err := d.sub.Subscribe(ctx, topic)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}

		d.logger.Info().Str("topic", topic).Int("pool_size", d.poolSize).Msg("Worker pool started")
		for i := 0; i < d.poolSize; i++ {
			g.Go(func() error {
				return d.consume(ctx, messages)
			})
		}
	}

	return g.Wait()
}

func (d *Dispatcher) consume(ctx context.Context, messages <-chan *message.Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			d.dispatch(ctx, msg)
		}
	}
}

// dispatch routes one message through its handler and settles it.
func (d *Dispatcher) dispatch(ctx context.Context, msg *message.Message) {
	start := time.Now()

	job, err := queue.UnmarshalJob(msg.Payload)
	if err != nil {
		// Undecodable payloads can never succeed; drop them to the
		// dead-letter subject keyed by the message UUID.
		d.deadLetter(ctx, &queue.Job{JobID: msg.UUID, Kind: "unknown"},
			queue.DeadReasonPermanent, err, 0)
		msg.Ack()
		metrics.ObserveDispatch("unknown", "dead", start)
		return
	}

	handler, ok := d.handlers[job.Kind]
	if !ok {
		d.deadLetter(ctx, job, queue.DeadReasonPermanent,
			queue.NewPermanentError("no handler for kind "+job.Kind, nil), 0)
		msg.Ack()
		metrics.ObserveDispatch(job.Kind, "dead", start)
		return
	}

	err = handler(ctx, job)
	if err == nil {
		d.tracker.Clear(job.JobID)
		msg.Ack()
		metrics.ObserveDispatch(job.Kind, "ok", start)
		return
	}

	if queue.IsPermanent(err) {
		attempts := d.tracker.Clear(job.JobID)
		d.deadLetter(ctx, job, queue.DeadReasonPermanent, err, attempts)
		msg.Ack()
		metrics.ObserveDispatch(job.Kind, "dead", start)
		return
	}

	attempts := d.tracker.Fail(job.JobID)
	if attempts >= d.maxAttempts {
		d.tracker.Clear(job.JobID)
		d.deadLetter(ctx, job, queue.DeadReasonExhausted, err, attempts)
		msg.Ack()
		metrics.ObserveDispatch(job.Kind, "dead", start)
		return
	}

	d.logger.Warn().
		Err(err).
		Str("job_id", job.JobID).
		Str("kind", job.Kind).
		Int("attempt", attempts).
		Msg("Dispatch failed, will retry")

	// Delay the nack so the redelivery respects the backoff without
	// holding the broker's redelivery timer hostage.
	select {
	case <-ctx.Done():
	case <-time.After(d.policy.Backoff(attempts - 1)):
	}
	msg.Nack()
	metrics.ObserveDispatch(job.Kind, "retry", start)
}

func (d *Dispatcher) deadLetter(ctx context.Context, job *queue.Job, reason string, err error, attempts int) {
	d.logger.Error().
		Err(err).
		Str("job_id", job.JobID).
		Str("kind", job.Kind).
		Str("reason", reason).
		Int("attempts", attempts).
		Msg("Job dead-lettered")

	if d.dlq == nil {
		return
	}
	if dlqErr := d.dlq.Add(ctx, job, reason, err, attempts); dlqErr != nil {
		d.logger.Error().Err(dlqErr).Str("job_id", job.JobID).Msg("Dead-letter publish failed")
	}
}
