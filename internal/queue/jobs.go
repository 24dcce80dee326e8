// Scrobbleweave - Decentralized Scrobble Feed Ingestion and Serving
// Copyright 2026 Scrobbleweave contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scrobbleweave/scrobbleweave

// Package queue provides the durable job queue between the firehose and the
// dispatch workers, backed by NATS JetStream via Watermill.
//
// Jobs survive process restarts. A dequeued job stays invisible for the
// visibility timeout; if the worker neither acks nor nacks in time it is
// redelivered. Jobs exceeding the delivery ceiling are dead-lettered.
package queue

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/scrobbleweave/scrobbleweave/internal/models"
)

// Job kinds.
const (
	KindFeedIngest     = "feed_ingest"
	KindFeedRetract    = "feed_retract"
	KindUserUpsert     = "user_upsert"
	KindWebhookDeliver = "webhook_deliver"
)

// JetStream subjects. All live under the jobs.> wildcard captured by the
// stream; the dead-letter subject keeps failed jobs inspectable.
const (
	TopicFeedIngest     = "jobs.feed.ingest"
	TopicFeedRetract    = "jobs.feed.retract"
	TopicUserUpsert     = "jobs.user.upsert"
	TopicWebhookDeliver = "jobs.webhook.deliver"
	TopicDeadLetter     = "jobs.dead"

	// TopicWildcard matches every job subject for stream provisioning.
	TopicWildcard = "jobs.>"
)

// TopicForKind maps a job kind to its subject.
func TopicForKind(kind string) (string, error) {
	switch kind {
	case KindFeedIngest:
		return TopicFeedIngest, nil
	case KindFeedRetract:
		return TopicFeedRetract, nil
	case KindUserUpsert:
		return TopicUserUpsert, nil
	case KindWebhookDeliver:
		return TopicWebhookDeliver, nil
	default:
		return "", fmt.Errorf("unknown job kind %q", kind)
	}
}

// Job is the queue envelope. Payload carries the kind-specific body.
type Job struct {
	JobID      string          `json:"job_id"`
	Kind       string          `json:"kind"`
	ActorDID   string          `json:"actor_did,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Payload    json.RawMessage `json:"payload"`
}

// RetractPayload is the body of a feed_retract job.
type RetractPayload struct {
	EventID  string `json:"event_id"`
	ActorDID string `json:"actor_did"`
}

// WebhookPayload is the body of a webhook_deliver job.
type WebhookPayload struct {
	Target    string          `json:"target"`
	EventType string          `json:"event_type"`
	Body      json.RawMessage `json:"body"`
}

// NewJob builds a job envelope. dedupeKey becomes the message ID used for
// JetStream deduplication; pass the domain event ID so firehose replays
// collapse to a single enqueue, or "" for a random ID.
func NewJob(kind, actorDID, dedupeKey string, payload any) (*Job, error) {
	if _, err := TopicForKind(kind); err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}

	id := dedupeKey
	if id == "" {
		id = uuid.NewString()
	}

	return &Job{
		JobID:      id,
		Kind:       kind,
		ActorDID:   actorDID,
		EnqueuedAt: time.Now().UTC(),
		Payload:    body,
	}, nil
}

// NewIngestJob wraps a scrobble into a feed_ingest job keyed by its event ID.
func NewIngestJob(scrobble models.ScrobbleEvent) (*Job, error) {
	return NewJob(KindFeedIngest, scrobble.ActorDID, KindFeedIngest+":"+scrobble.EventID, scrobble)
}

// NewRetractJob wraps a retraction into a feed_retract job.
func NewRetractJob(eventID, actorDID string) (*Job, error) {
	return NewJob(KindFeedRetract, actorDID, KindFeedRetract+":"+eventID,
		RetractPayload{EventID: eventID, ActorDID: actorDID})
}

// NewUserUpsertJob wraps an identity update into a user_upsert job. Identity
// frames have no record URI, so the dedupe key includes the update time.
func NewUserUpsertJob(user models.User) (*Job, error) {
	key := fmt.Sprintf("%s:%s:%d", KindUserUpsert, user.DID, user.UpdatedAt.UnixMicro())
	return NewJob(KindUserUpsert, user.DID, key, user)
}

// Marshal serializes the job envelope.
func (j *Job) Marshal() ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("marshal job %s: %w", j.JobID, err)
	}
	return data, nil
}

// UnmarshalJob deserializes a job envelope.
func UnmarshalJob(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	if j.Kind == "" {
		return nil, fmt.Errorf("unmarshal job: missing kind")
	}
	return &j, nil
}

// Scrobble decodes the payload of a feed_ingest job.
func (j *Job) Scrobble() (models.ScrobbleEvent, error) {
	var s models.ScrobbleEvent
	if err := json.Unmarshal(j.Payload, &s); err != nil {
		return s, fmt.Errorf("decode scrobble payload: %w", err)
	}
	return s, nil
}

// Retraction decodes the payload of a feed_retract job.
func (j *Job) Retraction() (RetractPayload, error) {
	var r RetractPayload
	if err := json.Unmarshal(j.Payload, &r); err != nil {
		return r, fmt.Errorf("decode retract payload: %w", err)
	}
	return r, nil
}

// User decodes the payload of a user_upsert job.
func (j *Job) User() (models.User, error) {
	var u models.User
	if err := json.Unmarshal(j.Payload, &u); err != nil {
		return u, fmt.Errorf("decode user payload: %w", err)
	}
	return u, nil
}

// Webhook decodes the payload of a webhook_deliver job.
func (j *Job) Webhook() (WebhookPayload, error) {
	var w WebhookPayload
	if err := json.Unmarshal(j.Payload, &w); err != nil {
		return w, fmt.Errorf("decode webhook payload: %w", err)
	}
	return w, nil
}
