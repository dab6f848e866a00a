package store

import (
	"context"
	"embed"
	"io/fs"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/regsync/internal/db"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFS embed.FS

const migrationLockID = 7423001

// Migrate applies every embedded migration for the store's dialect that has
// not been recorded in schema_migrations, in file name order.
func (s *Store) Migrate(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "store.migrate"))
	d := s.db

	if d.Dialect() == db.Postgres {
		if _, err := d.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
			return eris.Wrap(err, "store: acquire migration lock")
		}
		defer func() {
			if _, err := d.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID); err != nil {
				log.Warn("store: release migration lock", zap.Error(err))
			}
		}()
	}

	if _, err := d.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename   TEXT PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL
	)`); err != nil {
		return eris.Wrap(err, "store: ensure migration table")
	}

	dir := "migrations/" + string(d.Dialect())
	entries, err := fs.ReadDir(migrationFS, dir)
	if err != nil {
		return eris.Wrap(err, "store: read migrations")
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	applied, err := appliedMigrations(ctx, d)
	if err != nil {
		return err
	}

	for _, e := range entries {
		name := e.Name()
		if applied[name] {
			continue
		}
		body, err := migrationFS.ReadFile(dir + "/" + name)
		if err != nil {
			return eris.Wrapf(err, "store: read migration %s", name)
		}

		log.Info("applying migration", zap.String("file", name))
		if _, err := d.Exec(ctx, string(body)); err != nil {
			return eris.Wrapf(err, "store: apply migration %s", name)
		}
		if _, err := d.Exec(ctx,
			"INSERT INTO schema_migrations (filename, applied_at) VALUES ($1, $2)",
			name, s.Now(),
		); err != nil {
			return eris.Wrapf(err, "store: record migration %s", name)
		}
	}
	return nil
}

func appliedMigrations(ctx context.Context, d db.Querier) (map[string]bool, error) {
	rows, err := d.Query(ctx, "SELECT filename FROM schema_migrations")
	if err != nil {
		return nil, eris.Wrap(err, "store: query applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "store: scan migration")
		}
		applied[name] = true
	}
	return applied, rows.Err()
}
