// Package db keeps the packet journal in SQLite.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Database is a single-connection SQLite handle. Writes are serialized.
type Database struct {
	sql *sql.DB

	writeMu sync.Mutex
}

// NewDatabase opens the database at path, creating its directory. An empty
// path is the same as MemoryPath.
func NewDatabase(path string) (*Database, error) {
	if path == "" {
		path = MemoryPath
	}
	onDisk := path != MemoryPath

	if onDisk {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	handle, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	// an in-memory database lives on the connection that created it
	handle.SetMaxOpenConns(1)
	handle.SetMaxIdleConns(1)
	handle.SetConnMaxLifetime(0)

	if err := handle.Ping(); err != nil {
		handle.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	if onDisk {
		if _, err := handle.Exec("PRAGMA journal_mode=WAL"); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("WAL mode unavailable")
		}
	}

	log.Info().Str("path", path).Msg("database opened")
	return &Database{sql: handle}, nil
}

// Close closes the underlying handle.
func (d *Database) Close() error { return d.sql.Close() }

// Exec runs a statement that returns no rows.
func (d *Database) Exec(query string, args ...any) (sql.Result, error) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return d.sql.Exec(query, args...)
}

// Query runs a statement that returns rows.
func (d *Database) Query(query string, args ...any) (*sql.Rows, error) {
	return d.sql.Query(query, args...)
}
