// Scrobbleweave - Decentralized Scrobble Feed Ingestion and Serving
// Copyright 2026 Scrobbleweave contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scrobbleweave/scrobbleweave

package firehose

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/scrobbleweave/scrobbleweave/internal/metrics"
	"github.com/scrobbleweave/scrobbleweave/internal/models"
)

// Normalizer turns raw wire frames into domain events. It is pure: no I/O,
// no clock beyond the frame's own position, so it is trivially testable.
type Normalizer struct {
	collections map[string]struct{}
}

// NewNormalizer builds a normalizer accepting the given record collections.
func NewNormalizer(collections []string) *Normalizer {
	set := make(map[string]struct{}, len(collections))
	for _, c := range collections {
		set[c] = struct{}{}
	}
	return &Normalizer{collections: set}
}

// Normalize maps a wire frame to a domain event, or nil when the frame is
// irrelevant or malformed. Malformed frames are counted and skipped, never
// fatal: one bad record must not stall the stream.
func (n *Normalizer) Normalize(evt *WireEvent) Event {
	switch evt.Kind {
	case KindCommit:
		return n.normalizeCommit(evt)
	case KindIdentity:
		return n.normalizeIdentity(evt)
	default:
		metrics.FirehoseEventsSkipped.WithLabelValues("unknown_kind").Inc()
		return nil
	}
}

func (n *Normalizer) normalizeCommit(evt *WireEvent) Event {
	commit := evt.Commit
	if commit == nil {
		metrics.FirehoseEventsSkipped.WithLabelValues("missing_commit").Inc()
		return nil
	}
	if _, ok := n.collections[commit.Collection]; !ok {
		metrics.FirehoseEventsSkipped.WithLabelValues("collection").Inc()
		return nil
	}

	switch commit.Operation {
	case OpCreate, OpUpdate:
		return n.normalizeScrobble(evt)
	case OpDelete:
		metrics.FirehoseEventsNormalized.WithLabelValues(string(TypeScrobbleRetracted)).Inc()
		return ScrobbleRetracted{
			EventID:  evt.URI(),
			ActorDID: evt.DID,
			Position: evt.TimeUS,
		}
	default:
		metrics.FirehoseEventsSkipped.WithLabelValues("unknown_operation").Inc()
		return nil
	}
}

func (n *Normalizer) normalizeScrobble(evt *WireEvent) Event {
	var rec scrobbleRecord
	if err := json.Unmarshal(evt.Commit.Record, &rec); err != nil {
		metrics.FirehoseEventsSkipped.WithLabelValues("malformed_record").Inc()
		return nil
	}

	playedAt, err := time.Parse(time.RFC3339, rec.PlayedAt)
	if err != nil {
		metrics.FirehoseEventsSkipped.WithLabelValues("malformed_record").Inc()
		return nil
	}

	scrobble := models.ScrobbleEvent{
		EventID:    evt.URI(),
		ActorDID:   evt.DID,
		TrackTitle: rec.Track.Title,
		ArtistName: rec.Track.Artist,
		AlbumTitle: rec.Track.Album,
		Duration:   rec.Track.Duration,
		PlayedAt:   playedAt.UTC(),
		ReceivedAt: receivedAtFromPosition(evt.TimeUS),
	}
	if err := scrobble.Validate(); err != nil {
		metrics.FirehoseEventsSkipped.WithLabelValues("invalid_scrobble").Inc()
		return nil
	}

	metrics.FirehoseEventsNormalized.WithLabelValues(string(TypeScrobbleCreated)).Inc()
	return ScrobbleCreated{Scrobble: scrobble, Position: evt.TimeUS}
}

func (n *Normalizer) normalizeIdentity(evt *WireEvent) Event {
	ident := evt.Identity
	if ident == nil || ident.Handle == "" {
		metrics.FirehoseEventsSkipped.WithLabelValues("missing_identity").Inc()
		return nil
	}

	did := ident.DID
	if did == "" {
		did = evt.DID
	}

	metrics.FirehoseEventsNormalized.WithLabelValues(string(TypeUserUpserted)).Inc()
	return UserUpserted{
		User: models.User{
			DID:       did,
			Handle:    ident.Handle,
			UpdatedAt: receivedAtFromPosition(evt.TimeUS),
		},
		Position: evt.TimeUS,
	}
}
