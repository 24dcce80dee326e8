// Scrobbleweave - Decentralized Scrobble Feed Ingestion and Serving
// Copyright 2026 Scrobbleweave contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scrobbleweave/scrobbleweave

package feedstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/rs/zerolog"

	"github.com/scrobbleweave/scrobbleweave/internal/config"
	"github.com/scrobbleweave/scrobbleweave/internal/logging"
	"github.com/scrobbleweave/scrobbleweave/internal/metrics"
	"github.com/scrobbleweave/scrobbleweave/internal/models"
)

const duckdbSchema = `
CREATE TABLE IF NOT EXISTS scrobbles (
	event_id    TEXT PRIMARY KEY,
	actor_did   TEXT NOT NULL,
	track_title TEXT NOT NULL,
	artist_name TEXT,
	album_title TEXT,
	duration    INTEGER,
	played_at   TIMESTAMP NOT NULL,
	received_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scrobbles_actor ON scrobbles (actor_did, played_at);
CREATE INDEX IF NOT EXISTS idx_scrobbles_played ON scrobbles (played_at);
CREATE INDEX IF NOT EXISTS idx_scrobbles_received ON scrobbles (received_at);

CREATE TABLE IF NOT EXISTS users (
	did          TEXT PRIMARY KEY,
	handle       TEXT,
	display_name TEXT,
	updated_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS artists (
	id   TEXT PRIMARY KEY,
	name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS albums (
	id        TEXT PRIMARY KEY,
	title     TEXT NOT NULL,
	artist_id TEXT
);

CREATE TABLE IF NOT EXISTS tracks (
	id        TEXT PRIMARY KEY,
	title     TEXT NOT NULL,
	artist_id TEXT,
	album_id  TEXT,
	duration  INTEGER
);

CREATE TABLE IF NOT EXISTS album_tracks  (left_id TEXT NOT NULL, right_id TEXT NOT NULL, PRIMARY KEY (left_id, right_id));
CREATE TABLE IF NOT EXISTS artist_tracks (left_id TEXT NOT NULL, right_id TEXT NOT NULL, PRIMARY KEY (left_id, right_id));
CREATE TABLE IF NOT EXISTS loved_tracks  (left_id TEXT NOT NULL, right_id TEXT NOT NULL, PRIMARY KEY (left_id, right_id));
CREATE TABLE IF NOT EXISTS user_artists  (left_id TEXT NOT NULL, right_id TEXT NOT NULL, PRIMARY KEY (left_id, right_id));
CREATE TABLE IF NOT EXISTS user_albums   (left_id TEXT NOT NULL, right_id TEXT NOT NULL, PRIMARY KEY (left_id, right_id));
CREATE TABLE IF NOT EXISTS user_tracks   (left_id TEXT NOT NULL, right_id TEXT NOT NULL, PRIMARY KEY (left_id, right_id));
`

// DuckDB is the embedded analytical backend.
type DuckDB struct {
	conn   *sql.DB
	logger zerolog.Logger
}

// NewDuckDB opens (or creates) the database file and initializes the schema.
func NewDuckDB(cfg config.DatabaseConfig) (*DuckDB, error) {
	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}

	dbDir := filepath.Dir(cfg.Path)
	if dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", dbDir, err)
		}
	}

	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s",
		cfg.Path, threads, cfg.MaxMemory)
	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	// The CGO driver serializes access per connection; a single connection
	// avoids write conflicts between workers and the sync pass.
	conn.SetMaxOpenConns(1)

	db := &DuckDB{
		conn:   conn,
		logger: logging.With().Str("component", "feedstore").Str("backend", BackendDuckDB).Logger(),
	}

	if _, err := conn.Exec(duckdbSchema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("initialize duckdb schema: %w", err)
	}

	db.logger.Info().Str("path", cfg.Path).Msg("Feed store opened")
	return db, nil
}

// Backend returns the backend name.
func (db *DuckDB) Backend() string { return BackendDuckDB }

// Ping checks the connection.
func (db *DuckDB) Ping(ctx context.Context) error {
	if err := db.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close closes the database file.
func (db *DuckDB) Close() error {
	return db.conn.Close()
}

// UpsertScrobble writes the scrobble and its derived normalized rows in one
// transaction. Conflicts on event_id overwrite, so replays and updates both
// converge on the latest payload.
func (db *DuckDB) UpsertScrobble(ctx context.Context, scrobble models.ScrobbleEvent) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return db.wrapErr("upsert_scrobble", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO scrobbles (event_id, actor_did, track_title, artist_name, album_title, duration, played_at, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO UPDATE SET
			actor_did = excluded.actor_did,
			track_title = excluded.track_title,
			artist_name = excluded.artist_name,
			album_title = excluded.album_title,
			duration = excluded.duration,
			played_at = excluded.played_at,
			received_at = excluded.received_at`,
		scrobble.EventID, scrobble.ActorDID, scrobble.TrackTitle, scrobble.ArtistName,
		scrobble.AlbumTitle, scrobble.Duration, scrobble.PlayedAt, scrobble.ReceivedAt)
	if err != nil {
		return db.wrapErr("upsert_scrobble", err)
	}

	if err := upsertDerived(ctx, duckExecer{tx}, scrobble); err != nil {
		return db.wrapErr("upsert_derived", err)
	}

	if err := tx.Commit(); err != nil {
		return db.wrapErr("upsert_scrobble", err)
	}
	return nil
}

// DeleteScrobble removes the scrobble if present. Unknown event IDs are a
// no-op, never an error.
func (db *DuckDB) DeleteScrobble(ctx context.Context, eventID string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM scrobbles WHERE event_id = ?`, eventID); err != nil {
		return db.wrapErr("delete_scrobble", err)
	}
	return nil
}

// UpsertUser writes or refreshes an actor row.
func (db *DuckDB) UpsertUser(ctx context.Context, user models.User) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO users (did, handle, display_name, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (did) DO UPDATE SET
			handle = excluded.handle,
			display_name = excluded.display_name,
			updated_at = excluded.updated_at`,
		user.DID, user.Handle, user.DisplayName, user.UpdatedAt)
	if err != nil {
		return db.wrapErr("upsert_user", err)
	}
	return nil
}

// Feed serves a feed query window.
func (db *DuckDB) Feed(ctx context.Context, req models.FeedRequest) (*models.FeedResult, error) {
	req = req.Normalize()
	defer metrics.ObserveFeedQuery(BackendDuckDB, time.Now())

	query, countQuery, args, countArgs, err := buildFeedQuery(req, sq.Question)
	if err != nil {
		return nil, db.wrapErr("feed", err)
	}

	// Count and window read one snapshot, so Total and HasMore agree with
	// the returned rows under concurrent writes.
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, db.wrapErr("feed", err)
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	if err := tx.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, db.wrapErr("feed", err)
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, db.wrapErr("feed", err)
	}
	defer rows.Close()

	items := make([]models.ScrobbleEvent, 0, req.Take)
	for rows.Next() {
		var s models.ScrobbleEvent
		if err := rows.Scan(&s.EventID, &s.ActorDID, &s.TrackTitle, &s.ArtistName,
			&s.AlbumTitle, &s.Duration, &s.PlayedAt, &s.ReceivedAt); err != nil {
			return nil, db.wrapErr("feed", err)
		}
		items = append(items, s)
	}
	if err := rows.Err(); err != nil {
		return nil, db.wrapErr("feed", err)
	}

	return &models.FeedResult{
		Items:   items,
		Total:   total,
		HasMore: int64(req.Skip)+int64(len(items)) < total,
	}, nil
}

func (db *DuckDB) wrapErr(op string, err error) error {
	metrics.FeedStoreErrors.WithLabelValues(BackendDuckDB, op).Inc()
	return fmt.Errorf("duckdb %s: %w", op, err)
}

// duckExecer adapts *sql.Tx to the shared derived-row writer.
type duckExecer struct {
	tx *sql.Tx
}

func (e duckExecer) exec(ctx context.Context, query string, args ...any) error {
	_, err := e.tx.ExecContext(ctx, query, args...)
	return err
}

// upsertDerived writes the normalized artist, album, track, and link rows
// implied by a scrobble. Shared by both backends; the SQL sticks to the
// dialect intersection with ? placeholders (rebound for postgres).
func upsertDerived(ctx context.Context, ex interface {
	exec(ctx context.Context, query string, args ...any) error
}, scrobble models.ScrobbleEvent) error {
	d := deriveEntities(scrobble)

	if d.Artist != nil {
		err := ex.exec(ctx, `INSERT INTO artists (id, name) VALUES (?, ?) ON CONFLICT (id) DO NOTHING`,
			d.Artist.ID, d.Artist.Name)
		if err != nil {
			return err
		}
	}
	if d.Album != nil {
		err := ex.exec(ctx, `INSERT INTO albums (id, title, artist_id) VALUES (?, ?, ?) ON CONFLICT (id) DO NOTHING`,
			d.Album.ID, d.Album.Title, d.Album.ArtistID)
		if err != nil {
			return err
		}
	}
	err := ex.exec(ctx, `INSERT INTO tracks (id, title, artist_id, album_id, duration) VALUES (?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		d.Track.ID, d.Track.Title, d.Track.ArtistID, d.Track.AlbumID, d.Track.Duration)
	if err != nil {
		return err
	}

	links := map[string]*models.Association{
		TableArtistTracks: d.ArtistTrack,
		TableAlbumTracks:  d.AlbumTrack,
		TableUserArtists:  d.UserArtist,
		TableUserAlbums:   d.UserAlbum,
		TableUserTracks:   &d.UserTrack,
	}
	for _, table := range AssociationTables {
		link, ok := links[table]
		if !ok || link == nil {
			continue
		}
		err := ex.exec(ctx,
			`INSERT INTO `+table+` (left_id, right_id) VALUES (?, ?) ON CONFLICT (left_id, right_id) DO NOTHING`,
			link.Left, link.Right)
		if err != nil {
			return err
		}
	}
	return nil
}
