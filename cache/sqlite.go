package cache

import (
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/always-cache/tapestry-cache/pkg/sqlitedb"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS tiers (
		name TEXT PRIMARY KEY,
		created_at INTEGER
	)`,
	// seq gives the insertion order; INSERT OR REPLACE assigns a fresh seq
	`CREATE TABLE IF NOT EXISTS entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		tier TEXT NOT NULL,
		key TEXT NOT NULL,
		stored_at INTEGER,
		bytes BLOB,
		UNIQUE (tier, key)
	)`,
	"CREATE INDEX IF NOT EXISTS entries_tier_seq_idx ON entries (tier, seq)",
}

type SQLiteProvider struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteProvider opens the tier database in filename.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteProvider(filename string) (*SQLiteProvider, error) {
	db, err := sqlitedb.Open(filename, sqliteSchema...)
	if err != nil {
		return nil, err
	}
	return &SQLiteProvider{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteProvider) Close() error {
	return s.db.Close()
}

func (s *SQLiteProvider) Open(name string) (Tier, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if err := s.ensureTier(name); err != nil {
		return nil, err
	}
	return sqliteTier{name: name, p: s}, nil
}

func (s *SQLiteProvider) Handle(name string) Tier {
	return sqliteTier{name: name, p: s}
}

func (s *SQLiteProvider) Names() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM tiers ORDER BY rowid ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteProvider) Has(name string) (bool, error) {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM tiers WHERE name = ?", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLiteProvider) Delete(name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.Exec("DELETE FROM entries WHERE tier = ?", name); err != nil {
		return false, err
	}
	result, err := tx.Exec("DELETE FROM tiers WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, tx.Commit()
}

// ensureTier must be called with writeMutex held.
func (s *SQLiteProvider) ensureTier(name string) error {
	_, err := s.db.Exec("INSERT OR IGNORE INTO tiers (name, created_at) VALUES (?, ?)", name, time.Now().UnixNano())
	return err
}

type sqliteTier struct {
	name string
	p    *SQLiteProvider
}

func (t sqliteTier) Name() string {
	return t.name
}

func (t sqliteTier) Get(key string) ([]byte, bool, error) {
	var bytes []byte
	err := t.p.db.QueryRow("SELECT bytes FROM entries WHERE tier = ? AND key = ?", t.name, key).Scan(&bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (t sqliteTier) Put(key string, bytes []byte) error {
	t.p.writeMutex.Lock()
	defer t.p.writeMutex.Unlock()
	if err := t.p.ensureTier(t.name); err != nil {
		return err
	}
	_, err := t.p.db.Exec("INSERT OR REPLACE INTO entries (tier, key, stored_at, bytes) VALUES (?, ?, ?, ?)",
		t.name, key, time.Now().UnixNano(), bytes)
	return err
}

func (t sqliteTier) Delete(key string) (bool, error) {
	t.p.writeMutex.Lock()
	defer t.p.writeMutex.Unlock()
	result, err := t.p.db.Exec("DELETE FROM entries WHERE tier = ? AND key = ?", t.name, key)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func (t sqliteTier) Keys() ([]string, error) {
	rows, err := t.p.db.Query("SELECT key FROM entries WHERE tier = ? ORDER BY seq ASC", t.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (t sqliteTier) Len() (int, error) {
	var n int
	err := t.p.db.QueryRow("SELECT COUNT(*) FROM entries WHERE tier = ?", t.name).Scan(&n)
	return n, err
}

func (t sqliteTier) Trim(max int) (int, error) {
	if max < 0 {
		max = 0
	}
	t.p.writeMutex.Lock()
	defer t.p.writeMutex.Unlock()
	var n int
	if err := t.p.db.QueryRow("SELECT COUNT(*) FROM entries WHERE tier = ?", t.name).Scan(&n); err != nil {
		return 0, err
	}
	if n <= max {
		return 0, nil
	}
	result, err := t.p.db.Exec(`DELETE FROM entries WHERE seq IN (
		SELECT seq FROM entries WHERE tier = ? ORDER BY seq ASC LIMIT ?
	)`, t.name, n-max)
	if err != nil {
		return 0, err
	}
	removed, err := result.RowsAffected()
	return int(removed), err
}
