package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// ErrMigrationFailed wraps every failure to apply a migration.
var ErrMigrationFailed = errors.New("postgres: migration failed")

const migrationsTable = "companion_schema_migrations"

// Migration is one versioned schema change. AppliedAt is zero while the
// migration is pending.
type Migration struct {
	Version   int
	Name      string
	SQL       string
	AppliedAt time.Time
}

// Applied reports whether the migration has run.
func (m Migration) Applied() bool { return !m.AppliedAt.IsZero() }

// LoadMigrations reads files named NNN_name.sql from dir in fsys, sorted by
// version. Versions must start at 1 and have no gaps.
func LoadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}

	var out []Migration
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".sql" {
			continue
		}
		base := strings.TrimSuffix(e.Name(), ".sql")
		num, name, ok := strings.Cut(base, "_")
		version, err := strconv.Atoi(num)
		if !ok || err != nil || name == "" {
			return nil, fmt.Errorf("migration %s: want NNN_name.sql", e.Name())
		}
		body, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(string(body)) == "" {
			return nil, fmt.Errorf("migration %s is empty", e.Name())
		}
		out = append(out, Migration{Version: version, Name: name, SQL: string(body)})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	for i, m := range out {
		if m.Version != i+1 {
			return nil, fmt.Errorf("migration versions must be contiguous from 1, found %d at position %d", m.Version, i+1)
		}
	}
	return out, nil
}

// Migrations returns the embedded schema.
func Migrations() []Migration {
	out, err := LoadMigrations(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return out
}

// Migrator applies the embedded migrations and records them in
// companion_schema_migrations.
type Migrator struct {
	conn       *Connection
	migrations []Migration
}

func NewMigrator(conn *Connection) *Migrator {
	return &Migrator{conn: conn, migrations: Migrations()}
}

// Migrate applies every pending migration, each in its own transaction.
func (m *Migrator) Migrate(ctx context.Context) error {
	status, err := m.Status(ctx)
	if err != nil {
		return err
	}

	for _, mig := range status {
		if mig.Applied() {
			continue
		}
		err := m.conn.WithTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, mig.SQL); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, "INSERT INTO "+migrationsTable+" (version, name) VALUES ($1, $2)", mig.Version, mig.Name)
			return err
		})
		if err != nil {
			return fmt.Errorf("%w: %03d_%s: %v", ErrMigrationFailed, mig.Version, mig.Name, err)
		}
	}
	return nil
}

// Status returns every embedded migration with AppliedAt filled in from the
// database.
func (m *Migrator) Status(ctx context.Context) ([]Migration, error) {
	if _, err := m.conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+migrationsTable+` (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`); err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := m.conn.Query(ctx, "SELECT version, applied_at FROM "+migrationsTable)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	applied, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Migration, error) {
		var mig Migration
		err := row.Scan(&mig.Version, &mig.AppliedAt)
		return mig, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan applied migrations: %w", err)
	}

	at := make(map[int]time.Time, len(applied))
	for _, a := range applied {
		at[a.Version] = a.AppliedAt
	}

	out := make([]Migration, len(m.migrations))
	copy(out, m.migrations)
	for i := range out {
		out[i].AppliedAt = at[out[i].Version]
	}
	return out, nil
}
