package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// PgxDB adapts a pgx pool to DB.
type PgxDB struct {
	pool  Pool
	close func()
}

// NewPgx wraps pool. closeFn may be nil.
func NewPgx(pool Pool, closeFn func()) *PgxDB {
	return &PgxDB{pool: pool, close: closeFn}
}

// Pool exposes the underlying pool for pgx-only code paths such as migrations.
func (p *PgxDB) Pool() Pool { return p.pool }

// Dialect implements Querier.
func (p *PgxDB) Dialect() Dialect { return Postgres }

// Exec implements Querier.
func (p *PgxDB) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := p.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Query implements Querier.
func (p *PgxDB) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// QueryRow implements Querier.
func (p *PgxDB) QueryRow(ctx context.Context, sql string, args ...any) Row {
	return pgxRow{row: p.pool.QueryRow(ctx, sql, args...)}
}

// Begin implements DB.
func (p *PgxDB) Begin(ctx context.Context) (Tx, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &pgxTx{tx: tx}, nil
}

// Close implements DB.
func (p *PgxDB) Close() error {
	if p.close != nil {
		p.close()
	}
	return nil
}

type pgxRow struct {
	row pgx.Row
}

func (r pgxRow) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNoRows
	}
	return err
}

type pgxTx struct {
	tx pgx.Tx
}

func (t *pgxTx) Dialect() Dialect { return Postgres }

func (t *pgxTx) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *pgxTx) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (t *pgxTx) QueryRow(ctx context.Context, sql string, args ...any) Row {
	return pgxRow{row: t.tx.QueryRow(ctx, sql, args...)}
}

func (t *pgxTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "db: commit")
	}
	return nil
}

func (t *pgxTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}
