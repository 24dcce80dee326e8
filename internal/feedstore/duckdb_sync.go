// Scrobbleweave - Decentralized Scrobble Feed Ingestion and Serving
// Copyright 2026 Scrobbleweave contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scrobbleweave/scrobbleweave

package feedstore

import (
	"context"
	"fmt"

	"github.com/scrobbleweave/scrobbleweave/internal/models"
)

// Batch read/write surface for the reconciliation sync. Lists are ordered by
// primary key so offset paging is stable across passes.

func (db *DuckDB) ListUsers(ctx context.Context, offset, limit int) ([]models.User, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT did, handle, display_name, updated_at FROM users ORDER BY did LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, db.wrapErr("list_users", err)
	}
	defer rows.Close()

	var out []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.DID, &u.Handle, &u.DisplayName, &u.UpdatedAt); err != nil {
			return nil, db.wrapErr("list_users", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (db *DuckDB) UpsertUsers(ctx context.Context, users []models.User) error {
	for _, u := range users {
		if err := db.UpsertUser(ctx, u); err != nil {
			return err
		}
	}
	return nil
}

func (db *DuckDB) ListArtists(ctx context.Context, offset, limit int) ([]models.Artist, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, name FROM artists ORDER BY id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, db.wrapErr("list_artists", err)
	}
	defer rows.Close()

	var out []models.Artist
	for rows.Next() {
		var a models.Artist
		if err := rows.Scan(&a.ID, &a.Name); err != nil {
			return nil, db.wrapErr("list_artists", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (db *DuckDB) UpsertArtists(ctx context.Context, artists []models.Artist) error {
	for _, a := range artists {
		_, err := db.conn.ExecContext(ctx,
			`INSERT INTO artists (id, name) VALUES (?, ?) ON CONFLICT (id) DO UPDATE SET name = excluded.name`,
			a.ID, a.Name)
		if err != nil {
			return db.wrapErr("upsert_artists", err)
		}
	}
	return nil
}

func (db *DuckDB) ListAlbums(ctx context.Context, offset, limit int) ([]models.Album, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, title, artist_id FROM albums ORDER BY id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, db.wrapErr("list_albums", err)
	}
	defer rows.Close()

	var out []models.Album
	for rows.Next() {
		var a models.Album
		if err := rows.Scan(&a.ID, &a.Title, &a.ArtistID); err != nil {
			return nil, db.wrapErr("list_albums", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (db *DuckDB) UpsertAlbums(ctx context.Context, albums []models.Album) error {
	for _, a := range albums {
		_, err := db.conn.ExecContext(ctx,
			`INSERT INTO albums (id, title, artist_id) VALUES (?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET title = excluded.title, artist_id = excluded.artist_id`,
			a.ID, a.Title, a.ArtistID)
		if err != nil {
			return db.wrapErr("upsert_albums", err)
		}
	}
	return nil
}

func (db *DuckDB) ListTracks(ctx context.Context, offset, limit int) ([]models.Track, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, title, artist_id, album_id, duration FROM tracks ORDER BY id LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, db.wrapErr("list_tracks", err)
	}
	defer rows.Close()

	var out []models.Track
	for rows.Next() {
		var t models.Track
		if err := rows.Scan(&t.ID, &t.Title, &t.ArtistID, &t.AlbumID, &t.Duration); err != nil {
			return nil, db.wrapErr("list_tracks", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (db *DuckDB) UpsertTracks(ctx context.Context, tracks []models.Track) error {
	for _, t := range tracks {
		_, err := db.conn.ExecContext(ctx,
			`INSERT INTO tracks (id, title, artist_id, album_id, duration) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET
				title = excluded.title, artist_id = excluded.artist_id,
				album_id = excluded.album_id, duration = excluded.duration`,
			t.ID, t.Title, t.ArtistID, t.AlbumID, t.Duration)
		if err != nil {
			return db.wrapErr("upsert_tracks", err)
		}
	}
	return nil
}

func (db *DuckDB) ListScrobbles(ctx context.Context, offset, limit int) ([]models.ScrobbleEvent, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT event_id, actor_did, track_title, artist_name, album_title, duration, played_at, received_at
		 FROM scrobbles ORDER BY event_id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, db.wrapErr("list_scrobbles", err)
	}
	defer rows.Close()

	var out []models.ScrobbleEvent
	for rows.Next() {
		var s models.ScrobbleEvent
		if err := rows.Scan(&s.EventID, &s.ActorDID, &s.TrackTitle, &s.ArtistName,
			&s.AlbumTitle, &s.Duration, &s.PlayedAt, &s.ReceivedAt); err != nil {
			return nil, db.wrapErr("list_scrobbles", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (db *DuckDB) UpsertScrobbles(ctx context.Context, scrobbles []models.ScrobbleEvent) error {
	for _, s := range scrobbles {
		if err := db.UpsertScrobble(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (db *DuckDB) ListAssociations(ctx context.Context, table string, offset, limit int) ([]models.Association, error) {
	if !validAssociationTable(table) {
		return nil, fmt.Errorf("unknown association table %q", table)
	}
	rows, err := db.conn.QueryContext(ctx,
		`SELECT left_id, right_id FROM `+table+` ORDER BY left_id, right_id LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, db.wrapErr("list_"+table, err)
	}
	defer rows.Close()

	var out []models.Association
	for rows.Next() {
		var a models.Association
		if err := rows.Scan(&a.Left, &a.Right); err != nil {
			return nil, db.wrapErr("list_"+table, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (db *DuckDB) UpsertAssociations(ctx context.Context, table string, assocs []models.Association) error {
	if !validAssociationTable(table) {
		return fmt.Errorf("unknown association table %q", table)
	}
	for _, a := range assocs {
		_, err := db.conn.ExecContext(ctx,
			`INSERT INTO `+table+` (left_id, right_id) VALUES (?, ?) ON CONFLICT (left_id, right_id) DO NOTHING`,
			a.Left, a.Right)
		if err != nil {
			return db.wrapErr("upsert_"+table, err)
		}
	}
	return nil
}
