package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

//go:embed migrations/signals/*.sql migrations/trading/*.sql migrations/admin/*.sql
var migrationFS embed.FS

// Migration set names, one per database file.
const (
	SetSignals = "signals"
	SetTrading = "trading"
	SetAdmin   = "admin"
)

// Migration is one forward-only schema step.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// AppliedMigration is a row of schema_migrations.
type AppliedMigration struct {
	Version   int
	Name      string
	AppliedAt time.Time
}

// MigrationStatus lists applied and pending versions of one database.
type MigrationStatus struct {
	Applied []AppliedMigration
	Pending []Migration
}

// ErrBadMigrationName is returned for embedded files not named NNNN_name.sql.
var ErrBadMigrationName = errors.New("store: bad migration file name")

const createTrackingTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version    INTEGER PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at INTEGER NOT NULL
)`

// Migrations returns the embedded migration set in ascending version order.
func Migrations(set string) ([]Migration, error) {
	return LoadMigrations(migrationFS, path.Join("migrations", set))
}

// LoadMigrations reads every NNNN_name.sql file in dir.
func LoadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations %s: %w", dir, err)
	}

	var out []Migration
	seen := make(map[int]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		base := strings.TrimSuffix(entry.Name(), ".sql")
		num, name, ok := strings.Cut(base, "_")
		version, err := strconv.Atoi(num)
		if !ok || err != nil || version <= 0 {
			return nil, fmt.Errorf("%w: %s", ErrBadMigrationName, entry.Name())
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("%w: version %d used by %s and %s", ErrBadMigrationName, version, prev, entry.Name())
		}
		seen[version] = entry.Name()

		data, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		out = append(out, Migration{Version: version, Name: name, SQL: string(data)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Migrate applies every migration newer than the highest recorded version.
// Each migration runs in its own transaction together with its
// schema_migrations row; the first failure rolls back and aborts the run.
func Migrate(ctx context.Context, db *sql.DB, migrations []Migration) ([]Migration, error) {
	if _, err := db.ExecContext(ctx, createTrackingTable); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}
	current, err := currentVersion(ctx, db)
	if err != nil {
		return nil, err
	}

	var applied []Migration
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := applyOne(ctx, db, m); err != nil {
			return applied, fmt.Errorf("migration %04d_%s: %w", m.Version, m.Name, err)
		}
		log.Info().Int("version", m.Version).Str("name", m.Name).Msg("store: migration applied")
		applied = append(applied, m)
	}
	return applied, nil
}

func applyOne(ctx context.Context, db *sql.DB, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if strings.TrimSpace(m.SQL) != "" {
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		m.Version, m.Name, time.Now().Unix()); err != nil {
		return err
	}
	return tx.Commit()
}

func currentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(v.Int64), nil
}

// Status reports applied rows and the migrations still pending.
func Status(ctx context.Context, db *sql.DB, migrations []Migration) (MigrationStatus, error) {
	var st MigrationStatus
	if _, err := db.ExecContext(ctx, createTrackingTable); err != nil {
		return st, fmt.Errorf("create schema_migrations: %w", err)
	}
	rows, err := db.QueryContext(ctx, `SELECT version, name, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return st, fmt.Errorf("list schema_migrations: %w", err)
	}
	defer rows.Close()

	current := 0
	for rows.Next() {
		var (
			a  AppliedMigration
			at int64
		)
		if err := rows.Scan(&a.Version, &a.Name, &at); err != nil {
			return st, err
		}
		a.AppliedAt = time.Unix(at, 0)
		st.Applied = append(st.Applied, a)
		current = max(current, a.Version)
	}
	if err := rows.Err(); err != nil {
		return st, err
	}
	for _, m := range migrations {
		if m.Version > current {
			st.Pending = append(st.Pending, m)
		}
	}
	return st, nil
}
