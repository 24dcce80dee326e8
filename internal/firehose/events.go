// Scrobbleweave - Decentralized Scrobble Feed Ingestion and Serving
// Copyright 2026 Scrobbleweave contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scrobbleweave/scrobbleweave

// Package firehose consumes the decentralized network's event stream: it
// maintains the websocket subscription, normalizes raw commit records into a
// closed set of domain events, and tracks a resumable cursor.
package firehose

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/scrobbleweave/scrobbleweave/internal/models"
)

// Wire frame kinds emitted by the firehose.
const (
	KindCommit   = "commit"
	KindIdentity = "identity"
)

// Commit operations.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// WireEvent is one raw frame from the firehose websocket.
type WireEvent struct {
	DID    string `json:"did"`
	TimeUS int64  `json:"time_us"`
	Kind   string `json:"kind"`

	Commit   *WireCommit   `json:"commit,omitempty"`
	Identity *WireIdentity `json:"identity,omitempty"`
}

// WireCommit is a record write in an actor's repository.
type WireCommit struct {
	Rev        string          `json:"rev"`
	Operation  string          `json:"operation"`
	Collection string          `json:"collection"`
	RKey       string          `json:"rkey"`
	Record     json.RawMessage `json:"record,omitempty"`
}

// WireIdentity is an actor identity change (handle update, new account).
type WireIdentity struct {
	DID    string `json:"did"`
	Handle string `json:"handle"`
	Time   string `json:"time"`
}

// DecodeFrame parses a raw websocket frame. A decode failure is never fatal
// to the stream; callers log and skip.
func DecodeFrame(data []byte) (*WireEvent, error) {
	var evt WireEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if evt.DID == "" || evt.Kind == "" {
		return nil, fmt.Errorf("decode frame: missing did or kind")
	}
	return &evt, nil
}

// URI returns the source-assigned record URI for a commit, globally unique
// per actor. Retractions carry the same URI as the original create.
func (e *WireEvent) URI() string {
	if e.Commit == nil {
		return ""
	}
	return "at://" + e.DID + "/" + e.Commit.Collection + "/" + e.Commit.RKey
}

// scrobbleRecord is the record shape of the scrobble collection.
type scrobbleRecord struct {
	Type  string `json:"$type,omitempty"`
	Track struct {
		Title    string `json:"title"`
		Artist   string `json:"artist,omitempty"`
		Album    string `json:"album,omitempty"`
		Duration int    `json:"duration,omitempty"`
	} `json:"track"`
	PlayedAt string `json:"playedAt"`
}

// EventType identifies a domain event variant.
type EventType string

// The closed set of domain event variants.
const (
	TypeScrobbleCreated   EventType = "scrobble_created"
	TypeScrobbleRetracted EventType = "scrobble_retracted"
	TypeUserUpserted      EventType = "user_upserted"
)

// Event is a normalized domain event. The set of implementations is closed:
// ScrobbleCreated, ScrobbleRetracted, UserUpserted.
type Event interface {
	Type() EventType
	// Actor returns the DID the event belongs to; per-actor ordering is
	// preserved downstream by keying on it.
	Actor() string
	// TimeUS is the firehose position of the frame the event came from.
	TimeUS() int64
}

// ScrobbleCreated carries a full scrobble to ingest.
type ScrobbleCreated struct {
	Scrobble models.ScrobbleEvent
	Position int64
}

func (e ScrobbleCreated) Type() EventType { return TypeScrobbleCreated }
func (e ScrobbleCreated) Actor() string   { return e.Scrobble.ActorDID }
func (e ScrobbleCreated) TimeUS() int64   { return e.Position }

// ScrobbleRetracted carries only the identifying pair; deleting a scrobble
// that was never observed is an idempotent no-op downstream.
type ScrobbleRetracted struct {
	EventID  string
	ActorDID string
	Position int64
}

func (e ScrobbleRetracted) Type() EventType { return TypeScrobbleRetracted }
func (e ScrobbleRetracted) Actor() string   { return e.ActorDID }
func (e ScrobbleRetracted) TimeUS() int64   { return e.Position }

// UserUpserted carries an actor identity update.
type UserUpserted struct {
	User     models.User
	Position int64
}

func (e UserUpserted) Type() EventType { return TypeUserUpserted }
func (e UserUpserted) Actor() string   { return e.User.DID }
func (e UserUpserted) TimeUS() int64   { return e.Position }

// receivedAtFromPosition converts a firehose time_us position to wall time.
func receivedAtFromPosition(timeUS int64) time.Time {
	return time.UnixMicro(timeUS).UTC()
}
