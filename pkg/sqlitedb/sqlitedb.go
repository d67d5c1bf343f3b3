// Package sqlitedb opens the SQLite databases used by the tiers, the content store and
// the page storage.
package sqlitedb

import (
	"database/sql"
	"fmt"

	_ "github.com/glebarez/go-sqlite"
)

// Memory is the file name that selects a private in-memory database.
const Memory = "memory"

// Open opens (creating if needed) the database in filename and applies schema.
// An empty filename or Memory opens a new in-memory db.
// A single connection is used, so statements never interleave and an in-memory database
// lives exactly as long as the returned handle.
func Open(filename string, schema ...string) (*sql.DB, error) {
	inMemory := filename == "" || filename == Memory
	if inMemory {
		filename = ":memory:"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if !inMemory {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable wal: %w", err)
		}
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return db, nil
}
