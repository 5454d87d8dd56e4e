// Package store is the SQLite persistence layer: the signals database
// (alerts, performance, activity, snapshots), the forward-only migrator
// shared by all three database files, and retention cleanup.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrDuplicate is returned when an alert for the token already exists.
	ErrDuplicate = errors.New("store: duplicate")
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")
)

// DSN returns the connection string for a database file: 5s busy timeout,
// synchronous=NORMAL and a rollback journal.
func DSN(path string) string {
	return "file:" + path + "?_busy_timeout=5000&_synchronous=NORMAL&_journal_mode=DELETE&_foreign_keys=1"
}

// Open opens a SQLite file, creating its directory. The pool holds a single
// connection so every write to the file is serialized.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite3", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", path, err)
	}
	return db, nil
}

// OpenMigrated opens path and applies the named migration set.
func OpenMigrated(ctx context.Context, path, set string) (*sql.DB, error) {
	migrations, err := Migrations(set)
	if err != nil {
		return nil, err
	}
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := Migrate(ctx, db, migrations); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Store is the signals database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSignals opens and migrates the signals database.
func OpenSignals(ctx context.Context, path string) (*Store, error) {
	db, err := OpenMigrated(ctx, path, SetSignals)
	if err != nil {
		return nil, err
	}
	return New(db), nil
}

// New wraps an already migrated signals database.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ---------------------------------------------------------------------------
// Column helpers
// ---------------------------------------------------------------------------

func unixMilli(t time.Time) int64 { return t.UnixMilli() }

func fromMilli(ms int64) time.Time { return time.UnixMilli(ms) }

// nullFloat maps nil and non-finite values to NULL.
func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil || math.IsNaN(*p) || math.IsInf(*p, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
