// Package db persists the compartment metadata index: uuid, name, guest
// OS, lifecycle state, restart policy, and the full decoded config as
// JSON, so a daemon restart can rediscover what it was managing without
// re-reading every compartment's on-disk config file from scratch.
package db

import (
	"database/sql"
	_ "embed"
	"fmt"
	"path/filepath"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// DB wraps the compartment index's sqlite handle.
type DB struct {
	sql *sql.DB
}

// Open opens (creating if necessary) the compartment index at
// <dir>/cmld.db, enables WAL for concurrent readers against the single
// writer (the daemon process), and applies schema.sql — the same
// "open, WAL, apply embedded schema" sequence boxer.go uses for its own
// sandbox index.
func Open(dir string) (*DB, error) {
	path := filepath.Join(dir, "cmld.db")
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", path, err)
	}

	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("db: enable WAL: %w", err)
	}
	if _, err := sqlDB.Exec(schemaSQL); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("db: apply schema: %w", err)
	}

	return &DB{sql: sqlDB}, nil
}

// Close releases the underlying sqlite handle.
func (d *DB) Close() error {
	return d.sql.Close()
}
