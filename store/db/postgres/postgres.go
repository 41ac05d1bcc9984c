// Package postgres implements the store driver on PostgreSQL with pgvector.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	// Imported for its side effect of registering the "postgres" driver.
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/devmatch/devmatch/internal/profile"
	"github.com/devmatch/devmatch/store"
)

//go:embed migration/*.sql
var migrationFS embed.FS

// DB is the postgres implementation of store.Driver.
type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens a connection pool against the configured DSN.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	db, err := sql.Open("postgres", profile.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to ping database")
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	return &DB{db: db, profile: profile}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Migrate applies embedded SQL migrations in file order, tracking applied
// versions in migration_history.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS migration_history (
			version TEXT PRIMARY KEY,
			created_ts TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return errors.Wrap(err, "failed to create migration_history")
	}

	entries, err := migrationFS.ReadDir("migration")
	if err != nil {
		return errors.Wrap(err, "failed to read migrations")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		var exists bool
		if err := d.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM migration_history WHERE version = $1)`, name,
		).Scan(&exists); err != nil {
			return errors.Wrap(err, "failed to check migration history")
		}
		if exists {
			continue
		}

		buf, err := migrationFS.ReadFile("migration/" + name)
		if err != nil {
			return errors.Wrapf(err, "failed to read migration %s", name)
		}

		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "failed to begin migration tx")
		}
		if _, err := tx.ExecContext(ctx, string(buf)); err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "failed to apply migration %s", name)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO migration_history (version) VALUES ($1)`, name,
		); err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "failed to record migration %s", name)
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "failed to commit migration %s", name)
		}
		slog.Info("applied migration", "version", name)
	}
	return nil
}

func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}

func placeholders(n int) string {
	list := make([]string, n)
	for i := range list {
		list[i] = placeholder(i + 1)
	}
	return strings.Join(list, ", ")
}
