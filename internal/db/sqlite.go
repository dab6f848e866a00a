package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite" // register sqlite driver
)

// SQLDB adapts a database/sql handle opened with the modernc sqlite driver to DB.
type SQLDB struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) a SQLite database with WAL mode and foreign keys on.
// The pool is capped at one connection so writers are serialized.
func OpenSQLite(ctx context.Context, dsn string) (*SQLDB, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "db: open sqlite")
	}
	sqlDB.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := sqlDB.ExecContext(ctx, pragma); err != nil {
			_ = sqlDB.Close()
			return nil, eris.Wrapf(err, "db: %s", pragma)
		}
	}
	return &SQLDB{db: sqlDB}, nil
}

// Dialect implements Querier.
func (s *SQLDB) Dialect() Dialect { return SQLite }

// Exec implements Querier.
func (s *SQLDB) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return execSQL(ctx, s.db, query, args)
}

// Query implements Querier.
func (s *SQLDB) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	return querySQL(ctx, s.db, query, args)
}

// QueryRow implements Querier.
func (s *SQLDB) QueryRow(ctx context.Context, query string, args ...any) Row {
	return sqlRow{row: s.db.QueryRowContext(ctx, Rebind(query), args...)}
}

// Begin implements DB.
func (s *SQLDB) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx}, nil
}

// Close implements DB.
func (s *SQLDB) Close() error {
	return s.db.Close()
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func execSQL(ctx context.Context, e sqlExecer, query string, args []any) (int64, error) {
	res, err := e.ExecContext(ctx, Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func querySQL(ctx context.Context, e sqlExecer, query string, args []any) (Rows, error) {
	rows, err := e.QueryContext(ctx, Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{rows: rows}, nil
}

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) Dialect() Dialect { return SQLite }

func (t *sqlTx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return execSQL(ctx, t.tx, query, args)
}

func (t *sqlTx) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	return querySQL(ctx, t.tx, query, args)
}

func (t *sqlTx) QueryRow(ctx context.Context, query string, args ...any) Row {
	return sqlRow{row: t.tx.QueryRowContext(ctx, Rebind(query), args...)}
}

func (t *sqlTx) Commit(context.Context) error {
	return t.tx.Commit()
}

func (t *sqlTx) Rollback(context.Context) error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

type sqlRow struct {
	row *sql.Row
}

func (r sqlRow) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoRows
	}
	return err
}

type sqlRows struct {
	rows *sql.Rows
}

func (r sqlRows) Next() bool             { return r.rows.Next() }
func (r sqlRows) Scan(dest ...any) error { return r.rows.Scan(dest...) }
func (r sqlRows) Err() error             { return r.rows.Err() }
func (r sqlRows) Close()                 { _ = r.rows.Close() }

// Rebind rewrites $N placeholders to SQLite's ?N form. Dollar signs inside
// single-quoted literals are left alone.
func Rebind(query string) string {
	if !strings.Contains(query, "$") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query))
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '$' && !inQuote && i+1 < len(query) && isDigit(query[i+1]):
			b.WriteByte('?')
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
