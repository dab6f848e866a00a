// Package store persists registrations, dependents, evidence, queues and the
// batch ledger. Every statement is written once with $N placeholders and runs
// on both Postgres and SQLite.
package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/regsync/internal/config"
	"github.com/sells-group/regsync/internal/db"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = eris.New("store: not found")

// Queries runs typed statements against a database or a transaction.
type Queries struct {
	q   db.Querier
	now func() time.Time
}

// Store is the entry point to persistence.
type Store struct {
	*Queries
	db db.DB
}

// New wraps an open database.
func New(d db.DB) *Store {
	return &Store{Queries: &Queries{q: d, now: time.Now}, db: d}
}

// Open connects to the configured backend. Driver is "postgres" or "sqlite".
func Open(ctx context.Context, cfg config.StoreConfig) (*Store, error) {
	switch cfg.Driver {
	case "sqlite":
		d, err := db.OpenSQLite(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return New(d), nil
	case "postgres", "":
		poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			return nil, eris.Wrap(err, "store: parse database url")
		}
		if cfg.MaxConns > 0 {
			poolCfg.MaxConns = cfg.MaxConns
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, eris.Wrap(err, "store: connect")
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, eris.Wrap(err, "store: ping")
		}
		return New(db.NewPgx(pool, pool.Close)), nil
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

// DB exposes the underlying database.
func (s *Store) DB() db.DB { return s.db }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// SetClock overrides the time source, for tests.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// InTx runs fn with Queries bound to one transaction.
func (s *Store) InTx(ctx context.Context, fn func(q *Queries) error) error {
	return db.InTx(ctx, s.db, func(tx db.Tx) error {
		return fn(&Queries{q: tx, now: s.now})
	})
}

// Dialect reports the SQL flavor in use.
func (q *Queries) Dialect() db.Dialect { return q.q.Dialect() }

// Now returns the store clock in UTC.
func (q *Queries) Now() time.Time { return q.now().UTC() }

// forUpdate appends a row lock on dialects that have one. SQLite serializes
// writers on its single connection.
func (q *Queries) forUpdate(sql string) string {
	if q.q.Dialect() == db.Postgres {
		return sql + " FOR UPDATE"
	}
	return sql
}

const inChunk = 500

// placeholders returns "$start, $start+1, ..." for n values.
func placeholders(start, n int) string {
	var b strings.Builder
	for i := range n {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", start+i)
	}
	return b.String()
}

func chunks[T any](items []T, size int) [][]T {
	var out [][]T
	for len(items) > size {
		out = append(out, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}

func anySlice[T any](items []T) []any {
	out := make([]any, len(items))
	for i, v := range items {
		out[i] = v
	}
	return out
}

// nullString maps "" to SQL NULL.
func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// Day formats t as the YYYY-MM-DD bucket used by created_day and daily_stats.
func Day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func orDefault(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}

func itoa(n int) string { return strconv.Itoa(n) }
