// Scrobbleweave - Decentralized Scrobble Feed Ingestion and Serving
// Copyright 2026 Scrobbleweave contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scrobbleweave/scrobbleweave

package firehose

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/scrobbleweave/scrobbleweave/internal/logging"
	"github.com/scrobbleweave/scrobbleweave/internal/metrics"
)

const cursorKeyPrefix = "cursor/"

// CursorStore persists the firehose position in an embedded Badger database.
// The cursor only ever advances: Save with a smaller position is a no-op, so
// a late checkpoint after a reconnect cannot move the stream backwards.
type CursorStore struct {
	db     *badger.DB
	logger zerolog.Logger

	mu   sync.Mutex
	last map[string]int64
}

// OpenCursorStore opens (or creates) the checkpoint database at path.
func OpenCursorStore(path string) (*CursorStore, error) {
	opts := badger.DefaultOptions(path).
		WithLogger(nil).
		WithSyncWrites(true)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open cursor store: %w", err)
	}

	return &CursorStore{
		db:     db,
		logger: logging.With().Str("component", "cursor").Logger(),
		last:   make(map[string]int64),
	}, nil
}

// Load returns the saved position for name, or 0 when none was ever saved.
// A zero cursor means "subscribe from the live tail".
func (s *CursorStore) Load(name string) (int64, error) {
	var pos int64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(cursorKeyPrefix + name))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("cursor %s: corrupt value of %d bytes", name, len(val))
			}
			pos = int64(binary.BigEndian.Uint64(val))
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load cursor %s: %w", name, err)
	}

	s.mu.Lock()
	s.last[name] = pos
	s.mu.Unlock()
	return pos, nil
}

// Save persists pos for name if it advances the cursor. Positions at or
// behind the last saved value are ignored.
func (s *CursorStore) Save(name string, pos int64) error {
	s.mu.Lock()
	if pos <= s.last[name] {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(pos))

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(cursorKeyPrefix+name), buf[:])
	})
	if err != nil {
		return fmt.Errorf("save cursor %s: %w", name, err)
	}

	s.mu.Lock()
	s.last[name] = pos
	s.mu.Unlock()

	metrics.SetCursor(pos)
	s.logger.Trace().Str("name", name).Int64("position", pos).Msg("Cursor checkpointed")
	return nil
}

// Close flushes and closes the underlying database.
func (s *CursorStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close cursor store: %w", err)
	}
	return nil
}
