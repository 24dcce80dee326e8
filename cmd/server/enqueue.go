// Scrobbleweave - Decentralized Scrobble Feed Ingestion and Serving
// Copyright 2026 Scrobbleweave contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scrobbleweave/scrobbleweave

package main

import (
	"context"
	"fmt"

	"github.com/scrobbleweave/scrobbleweave/internal/firehose"
	"github.com/scrobbleweave/scrobbleweave/internal/queue"
)

// enqueueEvents bridges the firehose to the durable queue: each normalized
// event becomes a job with a deterministic dedupe key, so a replay after a
// crash collapses inside the stream's duplicate window and downstream
// idempotency absorbs the rest.
func enqueueEvents(publisher *queue.Publisher) firehose.EnqueueFunc {
	return func(ctx context.Context, evt firehose.Event) error {
		var (
			job *queue.Job
			err error
		)

		switch e := evt.(type) {
		case firehose.ScrobbleCreated:
			job, err = queue.NewIngestJob(e.Scrobble)
		case firehose.ScrobbleRetracted:
			job, err = queue.NewRetractJob(e.EventID, e.ActorDID)
		case firehose.UserUpserted:
			job, err = queue.NewUserUpsertJob(e.User)
		default:
			return fmt.Errorf("unhandled event type %q", evt.Type())
		}
		if err != nil {
			return fmt.Errorf("build job: %w", err)
		}

		return publisher.Enqueue(ctx, job)
	}
}
