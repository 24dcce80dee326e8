// Scrobbleweave - Decentralized Scrobble Feed Ingestion and Serving
// Copyright 2026 Scrobbleweave contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scrobbleweave/scrobbleweave

// Package feedstore persists scrobbles and serves feed queries. Two backends
// implement the same contract: an embedded DuckDB file for single-node
// deployments and PostgreSQL for shared ones. A feed query returns identical
// results on either backend given the same contents.
package feedstore

import (
	"context"
	"errors"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/scrobbleweave/scrobbleweave/internal/models"
)

// Backend names for metrics and logs.
const (
	BackendDuckDB   = "duckdb"
	BackendPostgres = "postgres"
)

// ErrUnavailable reports a backend that is down or unreachable. The API maps
// it to a retryable 503; workers map it to a retryable dispatch failure.
var ErrUnavailable = errors.New("feed store unavailable")

// Association link tables copied verbatim by the reconciliation sync.
const (
	TableAlbumTracks  = "album_tracks"
	TableArtistTracks = "artist_tracks"
	TableLovedTracks  = "loved_tracks"
	TableUserArtists  = "user_artists"
	TableUserAlbums   = "user_albums"
	TableUserTracks   = "user_tracks"
)

// AssociationTables lists every link table in sync order.
var AssociationTables = []string{
	TableAlbumTracks,
	TableArtistTracks,
	TableLovedTracks,
	TableUserArtists,
	TableUserAlbums,
	TableUserTracks,
}

// Store is the contract both backends implement.
//
// UpsertScrobble and DeleteScrobble are idempotent and keyed by event ID:
// replaying a create overwrites with identical data, deleting an unseen
// event is a no-op. That idempotence is what lets the queue deliver
// at-least-once without corrupting the feed.
type Store interface {
	UpsertScrobble(ctx context.Context, scrobble models.ScrobbleEvent) error
	DeleteScrobble(ctx context.Context, eventID string) error
	UpsertUser(ctx context.Context, user models.User) error
	Feed(ctx context.Context, req models.FeedRequest) (*models.FeedResult, error)
	Backend() string
	Ping(ctx context.Context) error
	Close() error
}

// Syncable exposes the batch read/write surface the reconciler copies
// through. Both backends implement it.
type Syncable interface {
	ListUsers(ctx context.Context, offset, limit int) ([]models.User, error)
	UpsertUsers(ctx context.Context, users []models.User) error
	ListArtists(ctx context.Context, offset, limit int) ([]models.Artist, error)
	UpsertArtists(ctx context.Context, artists []models.Artist) error
	ListAlbums(ctx context.Context, offset, limit int) ([]models.Album, error)
	UpsertAlbums(ctx context.Context, albums []models.Album) error
	ListTracks(ctx context.Context, offset, limit int) ([]models.Track, error)
	UpsertTracks(ctx context.Context, tracks []models.Track) error
	ListScrobbles(ctx context.Context, offset, limit int) ([]models.ScrobbleEvent, error)
	UpsertScrobbles(ctx context.Context, scrobbles []models.ScrobbleEvent) error
	ListAssociations(ctx context.Context, table string, offset, limit int) ([]models.Association, error)
	UpsertAssociations(ctx context.Context, table string, rows []models.Association) error
}

var feedColumns = []string{
	"event_id", "actor_did", "track_title", "artist_name",
	"album_title", "duration", "played_at", "received_at",
}

// buildFeedQuery assembles the windowed select and the matching count query
// for a normalized request. The secondary sort on event_id makes pagination
// deterministic: walking the feed page by page reconstructs exactly the
// full ordered list.
func buildFeedQuery(req models.FeedRequest, placeholder sq.PlaceholderFormat) (query, countQuery string, args, countArgs []any, err error) {
	orderCol := "played_at"
	if req.OrderBy == models.OrderByRelevance {
		orderCol = "received_at"
	}
	dir := "DESC"
	if req.Ascending {
		dir = "ASC"
	}

	sel := sq.Select(feedColumns...).
		From("scrobbles").
		OrderBy(orderCol+" "+dir, "event_id ASC").
		Offset(uint64(req.Skip)).
		Limit(uint64(req.Take)).
		PlaceholderFormat(placeholder)

	count := sq.Select("COUNT(*)").
		From("scrobbles").
		PlaceholderFormat(placeholder)

	if req.UserFilter != "" {
		sel = sel.Where(sq.Eq{"actor_did": req.UserFilter})
		count = count.Where(sq.Eq{"actor_did": req.UserFilter})
	}

	query, args, err = sel.ToSql()
	if err != nil {
		return "", "", nil, nil, err
	}
	countQuery, countArgs, err = count.ToSql()
	if err != nil {
		return "", "", nil, nil, err
	}
	return query, countQuery, args, countArgs, nil
}

// entityNamespace seeds deterministic entity IDs so both backends derive the
// same rows from the same scrobble.
var entityNamespace = uuid.MustParse("9a1e7b52-3f64-4d11-8f2a-6c0cde5b7a10")

func entityID(kind, key string) string {
	return uuid.NewSHA1(entityNamespace, []byte(kind+"\x00"+strings.ToLower(key))).String()
}

// derivedEntities are the normalized rows implied by one scrobble.
type derivedEntities struct {
	Artist *models.Artist
	Album  *models.Album
	Track  models.Track

	ArtistTrack *models.Association
	AlbumTrack  *models.Association
	UserArtist  *models.Association
	UserAlbum   *models.Association
	UserTrack   models.Association
}

// deriveEntities computes the normalized artist, album, track, and link rows
// for a scrobble. Artist and album are optional on the wire, so their rows
// and associations may be nil.
func deriveEntities(s models.ScrobbleEvent) derivedEntities {
	var d derivedEntities

	trackKey := s.ArtistName + "\x00" + s.TrackTitle
	d.Track = models.Track{
		ID:       entityID("track", trackKey),
		Title:    s.TrackTitle,
		Duration: s.Duration,
	}
	d.UserTrack = models.Association{Left: s.ActorDID, Right: d.Track.ID}

	if s.ArtistName != "" {
		artist := models.Artist{ID: entityID("artist", s.ArtistName), Name: s.ArtistName}
		d.Artist = &artist
		d.Track.ArtistID = artist.ID
		d.ArtistTrack = &models.Association{Left: artist.ID, Right: d.Track.ID}
		d.UserArtist = &models.Association{Left: s.ActorDID, Right: artist.ID}
	}

	if s.AlbumTitle != "" {
		album := models.Album{
			ID:    entityID("album", s.ArtistName+"\x00"+s.AlbumTitle),
			Title: s.AlbumTitle,
		}
		if d.Artist != nil {
			album.ArtistID = d.Artist.ID
		}
		d.Album = &album
		d.Track.AlbumID = album.ID
		d.AlbumTrack = &models.Association{Left: album.ID, Right: d.Track.ID}
		d.UserAlbum = &models.Association{Left: s.ActorDID, Right: album.ID}
	}

	return d
}

// validAssociationTable guards dynamic table names in sync SQL.
func validAssociationTable(table string) bool {
	for _, t := range AssociationTables {
		if t == table {
			return true
		}
	}
	return false
}
