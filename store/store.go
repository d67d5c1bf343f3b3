// Package store is the page's local structured store: one table of content snapshots
// keyed by collection name and one table of cache metadata.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/always-cache/tapestry-cache/pkg/sqlitedb"
)

var (
	ErrNotReady         = errors.New("store not open")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// LastRefreshKey is the metadata key holding the last bulk refresh time.
const LastRefreshKey = "lastCacheDate"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS snapshots (
		key TEXT PRIMARY KEY,
		records BLOB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

// Snapshot is the ordered list of records of one collection.
// Records are opaque to the store.
type Snapshot []json.RawMessage

type Store struct {
	filename string
	logger   zerolog.Logger

	mu sync.RWMutex
	db *sql.DB
}

// New returns a store backed by filename (sqlitedb.Memory or "" for an in-memory db).
// It must be opened before use.
func New(filename string, logger *zerolog.Logger) *Store {
	var l zerolog.Logger
	if logger == nil {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	} else {
		l = *logger
	}
	return &Store{
		filename: filename,
		logger:   l.With().Str("component", "store").Logger(),
	}
}

// Open creates both tables. Calling it again on an open store does nothing.
func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	db, err := sqlitedb.Open(s.filename, schema...)
	if err != nil {
		s.logger.Error().Err(err).Str("file", s.filename).Msg("Could not open store")
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	s.db = db
	s.logger.Debug().Str("file", s.filename).Msg("Store opened")
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) conn() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrNotReady
	}
	return s.db, nil
}

// Get returns the snapshot stored for the collection, if any.
func (s *Store) Get(ctx context.Context, key string) (Snapshot, bool, error) {
	db, err := s.conn()
	if err != nil {
		return nil, false, err
	}
	var blob []byte
	err = db.QueryRowContext(ctx, "SELECT records FROM snapshots WHERE key = ?", key).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	} else if err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("Could not read snapshot")
		return nil, false, err
	}
	var snapshot Snapshot
	if err := json.Unmarshal(blob, &snapshot); err != nil {
		return nil, false, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	return snapshot, true, nil
}

// Put replaces the snapshot of the collection wholesale.
func (s *Store) Put(ctx context.Context, key string, snapshot Snapshot) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	if snapshot == nil {
		snapshot = Snapshot{}
	}
	blob, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", key, err)
	}
	if _, err := db.ExecContext(ctx, "INSERT OR REPLACE INTO snapshots (key, records) VALUES (?, ?)", key, blob); err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("Could not write snapshot")
		return err
	}
	s.logger.Trace().Str("key", key).Int("records", len(snapshot)).Msg("Snapshot stored")
	return nil
}

// GetLastRefresh returns the time of the last bulk refresh; ok is false if there never was one.
func (s *Store) GetLastRefresh(ctx context.Context) (time.Time, bool, error) {
	db, err := s.conn()
	if err != nil {
		return time.Time{}, false, err
	}
	var value string
	err = db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", LastRefreshKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	} else if err != nil {
		s.logger.Error().Err(err).Msg("Could not read last refresh")
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse %s: %w", LastRefreshKey, err)
	}
	return t, true, nil
}

func (s *Store) SetLastRefresh(ctx context.Context, t time.Time) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	value := t.UTC().Format(time.RFC3339Nano)
	if _, err := db.ExecContext(ctx, "INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)", LastRefreshKey, value); err != nil {
		s.logger.Error().Err(err).Msg("Could not write last refresh")
		return err
	}
	return nil
}

// Clear empties both tables.
func (s *Store) Clear(ctx context.Context) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, table := range []string{"snapshots", "metadata"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			s.logger.Error().Err(err).Str("table", table).Msg("Could not clear table")
			return err
		}
	}
	return tx.Commit()
}
