// Package sqlite stores spider tables and key/value entries in a single
// SQLite file through the pure-Go modernc driver. One DB value serves as both
// the tabular engine and the key/value backend.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// DefaultFileName is used when Open is given a directory.
const DefaultFileName = "spiderhost.db"

// Options configures Open.
type Options struct {
	// EnableWAL switches the journal to write-ahead logging.
	EnableWAL bool
}

// DefaultOptions returns the options used by the server.
func DefaultOptions() Options {
	return Options{EnableWAL: true}
}

// DB is a SQLite-backed tabular.Engine and kv.Backend.
type DB struct {
	db        *sql.DB
	path      string
	closeOnce sync.Once
	closeErr  error
}

// Open opens or creates the database at path. When path is an existing
// directory (or ends in a separator) the file DefaultFileName inside it is used.
func Open(path string, opts Options) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if info, err := os.Stat(path); (err == nil && info.IsDir()) || os.IsPathSeparator(path[len(path)-1]) {
		path = filepath.Join(path, DefaultFileName)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	ctx := context.Background()
	if opts.EnableWAL {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}
	for _, ddl := range []string{catalogDDL, storesDDL} {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create spider schema: %w", err)
		}
	}
	return &DB{db: db, path: path}, nil
}

// Path returns the database file location.
func (d *DB) Path() string {
	return d.path
}

// Close closes the database. It is safe to call from both the table and the
// key/value owner.
func (d *DB) Close() error {
	d.closeOnce.Do(func() {
		d.closeErr = d.db.Close()
	})
	return d.closeErr
}

const (
	catalogDDL = `CREATE TABLE IF NOT EXISTS spider_tables (
	name TEXT PRIMARY KEY,
	columns TEXT NOT NULL,
	created_at INTEGER NOT NULL
)`
	storesDDL = `CREATE TABLE IF NOT EXISTS spider_stores (
	namespace TEXT NOT NULL,
	name TEXT NOT NULL,
	value BLOB NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (namespace, name)
)`
)
