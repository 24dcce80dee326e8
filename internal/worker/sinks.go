// Scrobbleweave - Decentralized Scrobble Feed Ingestion and Serving
// Copyright 2026 Scrobbleweave contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scrobbleweave/scrobbleweave

package worker

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/scrobbleweave/scrobbleweave/internal/config"
	"github.com/scrobbleweave/scrobbleweave/internal/feedstore"
	"github.com/scrobbleweave/scrobbleweave/internal/logging"
	"github.com/scrobbleweave/scrobbleweave/internal/queue"
)

// Publisher is the enqueue surface used for webhook fan-out.
type Publisher interface {
	Enqueue(ctx context.Context, job *queue.Job) error
}

// FeedSink applies ingest, retract, and user jobs to a feed store. After a
// successful ingest or retract it fans out one webhook_deliver job per
// registered target.
type FeedSink struct {
	store     feedstore.Store
	publisher Publisher
	targets   []config.WebhookTarget
	logger    zerolog.Logger
}

// NewFeedSink builds a sink over the given store. publisher may be nil when
// no webhooks are registered.
func NewFeedSink(store feedstore.Store, publisher Publisher, targets []config.WebhookTarget) *FeedSink {
	return &FeedSink{
		store:     store,
		publisher: publisher,
		targets:   targets,
		logger:    logging.With().Str("component", "feedsink").Logger(),
	}
}

// HandleIngest upserts a scrobble. Store failures are retryable; a payload
// that cannot decode or validate is permanent.
func (s *FeedSink) HandleIngest(ctx context.Context, job *queue.Job) error {
	scrobble, err := job.Scrobble()
	if err != nil {
		return queue.NewPermanentError("decode ingest job", err)
	}
	if err := scrobble.Validate(); err != nil {
		return queue.NewPermanentError("invalid scrobble", err)
	}

	if err := s.store.UpsertScrobble(ctx, scrobble); err != nil {
		return queue.NewRetryableError("upsert scrobble", err)
	}

	s.fanOut(ctx, "scrobble.created", scrobble.ActorDID, job.Payload)
	return nil
}

// HandleRetract deletes a scrobble. Deleting an unseen event is a successful
// no-op inside the store.
func (s *FeedSink) HandleRetract(ctx context.Context, job *queue.Job) error {
	retraction, err := job.Retraction()
	if err != nil {
		return queue.NewPermanentError("decode retract job", err)
	}
	if retraction.EventID == "" {
		return queue.NewPermanentError("retract job without event id", nil)
	}

	if err := s.store.DeleteScrobble(ctx, retraction.EventID); err != nil {
		return queue.NewRetryableError("delete scrobble", err)
	}

	s.fanOut(ctx, "scrobble.retracted", retraction.ActorDID, job.Payload)
	return nil
}

// HandleUserUpsert refreshes an actor row.
func (s *FeedSink) HandleUserUpsert(ctx context.Context, job *queue.Job) error {
	user, err := job.User()
	if err != nil {
		return queue.NewPermanentError("decode user job", err)
	}
	if user.DID == "" {
		return queue.NewPermanentError("user job without did", nil)
	}

	if err := s.store.UpsertUser(ctx, user); err != nil {
		return queue.NewRetryableError("upsert user", err)
	}
	return nil
}

// fanOut enqueues webhook deliveries. Failures here never fail the ingest:
// the scrobble is already durable, delivery has its own retry lifecycle.
func (s *FeedSink) fanOut(ctx context.Context, eventType, actorDID string, body json.RawMessage) {
	if s.publisher == nil || len(s.targets) == 0 {
		return
	}
	for _, target := range s.targets {
		job, err := queue.NewJob(queue.KindWebhookDeliver, actorDID, "",
			queue.WebhookPayload{Target: target.Name, EventType: eventType, Body: body})
		if err != nil {
			s.logger.Error().Err(err).Str("target", target.Name).Msg("Webhook job build failed")
			continue
		}
		if err := s.publisher.Enqueue(ctx, job); err != nil {
			s.logger.Error().Err(err).Str("target", target.Name).Msg("Webhook fan-out enqueue failed")
		}
	}
}
