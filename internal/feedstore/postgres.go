// Scrobbleweave - Decentralized Scrobble Feed Ingestion and Serving
// Copyright 2026 Scrobbleweave contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scrobbleweave/scrobbleweave

package feedstore

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/scrobbleweave/scrobbleweave/internal/config"
	"github.com/scrobbleweave/scrobbleweave/internal/logging"
	"github.com/scrobbleweave/scrobbleweave/internal/metrics"
	"github.com/scrobbleweave/scrobbleweave/internal/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS scrobbles (
	event_id    TEXT PRIMARY KEY,
	actor_did   TEXT NOT NULL,
	track_title TEXT NOT NULL,
	artist_name TEXT,
	album_title TEXT,
	duration    INTEGER,
	played_at   TIMESTAMPTZ NOT NULL,
	received_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scrobbles_actor ON scrobbles (actor_did, played_at);
CREATE INDEX IF NOT EXISTS idx_scrobbles_played ON scrobbles (played_at);
CREATE INDEX IF NOT EXISTS idx_scrobbles_received ON scrobbles (received_at);

CREATE TABLE IF NOT EXISTS users (
	did          TEXT PRIMARY KEY,
	handle       TEXT,
	display_name TEXT,
	updated_at   TIMESTAMPTZ NOT NULL
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

// Postgres is the transactional backend, suitable when several services
// share the scrobble data.
type Postgres struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgres connects, verifies the connection, and initializes the schema.
func NewPostgres(ctx context.Context, cfg config.PostgresConfig) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	db := &Postgres{
		pool:   pool,
		logger: logging.With().Str("component", "feedstore").Str("backend", BackendPostgres).Logger(),
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initialize postgres schema: %w", err)
	}

	db.logger.Info().Msg("Feed store connected")
	return db, nil
}

// Backend returns the backend name.
func (db *Postgres) Backend() string { return BackendPostgres }

// Ping checks the pool.
func (db *Postgres) Ping(ctx context.Context) error {
	if err := db.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close releases the pool.
func (db *Postgres) Close() error {
	db.pool.Close()
	return nil
}

// UpsertScrobble writes the scrobble and its derived rows in one transaction.
func (db *Postgres) UpsertScrobble(ctx context.Context, scrobble models.ScrobbleEvent) error {
	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return db.wrapErr("upsert_scrobble", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO scrobbles (event_id, actor_did, track_title, artist_name, album_title, duration, played_at, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
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

	if err := upsertDerived(ctx, pgExecer{tx}, scrobble); err != nil {
		return db.wrapErr("upsert_derived", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return db.wrapErr("upsert_scrobble", err)
	}
	return nil
}

// DeleteScrobble removes the scrobble if present; unknown IDs are a no-op.
func (db *Postgres) DeleteScrobble(ctx context.Context, eventID string) error {
	if _, err := db.pool.Exec(ctx, `DELETE FROM scrobbles WHERE event_id = $1`, eventID); err != nil {
		return db.wrapErr("delete_scrobble", err)
	}
	return nil
}

// UpsertUser writes or refreshes an actor row.
func (db *Postgres) UpsertUser(ctx context.Context, user models.User) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO users (did, handle, display_name, updated_at)
		VALUES ($1, $2, $3, $4)
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
func (db *Postgres) Feed(ctx context.Context, req models.FeedRequest) (*models.FeedResult, error) {
	req = req.Normalize()
	defer metrics.ObserveFeedQuery(BackendPostgres, time.Now())

	query, countQuery, args, countArgs, err := buildFeedQuery(req, sq.Dollar)
	if err != nil {
		return nil, db.wrapErr("feed", err)
	}

	// Repeatable read pins one snapshot for both statements, so Total and
	// HasMore agree with the returned rows under concurrent writes.
	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, db.wrapErr("feed", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var total int64
	if err := tx.QueryRow(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, db.wrapErr("feed", err)
	}

	rows, err := tx.Query(ctx, query, args...)
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

func (db *Postgres) wrapErr(op string, err error) error {
	metrics.FeedStoreErrors.WithLabelValues(BackendPostgres, op).Inc()
	return fmt.Errorf("postgres %s: %w", op, err)
}

// pgExecer adapts pgx.Tx to the shared derived-row writer, rebinding the
// shared SQL's ? placeholders to $n.
type pgExecer struct {
	tx pgx.Tx
}

func (e pgExecer) exec(ctx context.Context, query string, args ...any) error {
	bound, err := sq.Dollar.ReplacePlaceholders(query)
	if err != nil {
		return err
	}
	_, err = e.tx.Exec(ctx, bound, args...)
	return err
}
