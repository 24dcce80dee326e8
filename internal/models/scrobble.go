// Scrobbleweave - Decentralized Scrobble Feed Ingestion and Serving
// Copyright 2026 Scrobbleweave contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scrobbleweave/scrobbleweave

// Package models defines the domain records shared across the ingestion
// pipeline, the feed stores, and the reconciliation sync.
package models

import (
	"time"
)

// ScrobbleEvent is the canonical music-play event flowing through the system.
//
// EventID is the source-assigned record URI (at://<did>/<collection>/<rkey>),
// globally unique per actor. Retractions reference the same EventID.
type ScrobbleEvent struct {
	EventID    string    `json:"event_id"`
	ActorDID   string    `json:"actor_did"`
	TrackTitle string    `json:"track_title"`
	ArtistName string    `json:"artist_name,omitempty"`
	AlbumTitle string    `json:"album_title,omitempty"`
	Duration   int       `json:"duration,omitempty"` // seconds
	PlayedAt   time.Time `json:"played_at"`
	ReceivedAt time.Time `json:"received_at"`
}

// Validate checks required fields.
func (e *ScrobbleEvent) Validate() error {
	if e.EventID == "" {
		return &ValidationError{Field: "event_id", Message: "required"}
	}
	if e.ActorDID == "" {
		return &ValidationError{Field: "actor_did", Message: "required"}
	}
	if e.TrackTitle == "" {
		return &ValidationError{Field: "track_title", Message: "required"}
	}
	if e.PlayedAt.IsZero() {
		return &ValidationError{Field: "played_at", Message: "required"}
	}
	return nil
}

// ValidationError represents a field validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// User is an actor on the network, keyed by DID.
type User struct {
	DID         string    `json:"did"`
	Handle      string    `json:"handle,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Artist is a normalized artist row, shared by the reconciliation sync.
type Artist struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Album is a normalized album row.
type Album struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	ArtistID string `json:"artist_id,omitempty"`
}

// Track is a normalized track row.
type Track struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	ArtistID string `json:"artist_id,omitempty"`
	AlbumID  string `json:"album_id,omitempty"`
	Duration int    `json:"duration,omitempty"`
}

// Association is a generic two-column link row (album_tracks, artist_tracks,
// loved_tracks, user_artists, user_albums, user_tracks). The reconciliation
// sync copies these verbatim between backends.
type Association struct {
	Left  string `json:"left"`
	Right string `json:"right"`
}
