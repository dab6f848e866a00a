package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/regsync/internal/db"
	"github.com/sells-group/regsync/internal/model"
)

const dependentColumns = `id, kind, natural_key, registration_id, registration_no, attrs,
	provenance, created_day, created_at, updated_at`

func scanDependent(row db.Row) (*model.Dependent, error) {
	var d model.Dependent
	var attrs, prov []byte
	if err := row.Scan(&d.ID, &d.Kind, &d.NaturalKey, &d.RegistrationID, &d.RegistrationNo,
		&attrs, &prov, &d.CreatedDay, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if d.Attrs, err = model.UnmarshalAttrs(attrs); err != nil {
		return nil, err
	}
	if d.Provenance, err = model.UnmarshalProvenance(prov); err != nil {
		return nil, err
	}
	return &d, nil
}

// GetDependent reads a dependent by natural key.
func (q *Queries) GetDependent(ctx context.Context, kind model.DependentKind, naturalKey string, lock bool) (*model.Dependent, error) {
	sql := "SELECT " + dependentColumns + " FROM dependents WHERE kind = $1 AND natural_key = $2"
	if lock {
		sql = q.forUpdate(sql)
	}
	d, err := scanDependent(q.q.QueryRow(ctx, sql, kind, naturalKey))
	if db.IsNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "dependent %s/%s", kind, naturalKey)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "store: get dependent %s/%s", kind, naturalKey)
	}
	return d, nil
}

// InsertDependent creates a dependent. created is false if the natural key is taken.
func (q *Queries) InsertDependent(ctx context.Context, d *model.Dependent) (id int64, created bool, err error) {
	attrs, err := model.MarshalAttrs(d.Attrs)
	if err != nil {
		return 0, false, err
	}
	prov, err := model.MarshalProvenance(d.Provenance)
	if err != nil {
		return 0, false, err
	}
	now := q.Now()
	err = q.q.QueryRow(ctx, `
		INSERT INTO dependents (kind, natural_key, registration_id, registration_no, attrs,
			provenance, created_day, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (kind, natural_key) DO NOTHING
		RETURNING id`,
		d.Kind, d.NaturalKey, d.RegistrationID, d.RegistrationNo, attrs, prov, Day(now), now,
	).Scan(&id)
	if db.IsNoRows(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, eris.Wrapf(err, "store: insert dependent %s/%s", d.Kind, d.NaturalKey)
	}
	d.ID = id
	d.CreatedDay = Day(now)
	d.CreatedAt, d.UpdatedAt = now, now
	return id, true, nil
}

// UpdateDependent rewrites binding, cached registration number, attrs and provenance.
func (q *Queries) UpdateDependent(ctx context.Context, d *model.Dependent) error {
	attrs, err := model.MarshalAttrs(d.Attrs)
	if err != nil {
		return err
	}
	prov, err := model.MarshalProvenance(d.Provenance)
	if err != nil {
		return err
	}
	d.UpdatedAt = q.Now()
	if _, err := q.q.Exec(ctx, `
		UPDATE dependents SET registration_id = $2, registration_no = $3, attrs = $4,
			provenance = $5, updated_at = $6
		WHERE id = $1`,
		d.ID, d.RegistrationID, d.RegistrationNo, attrs, prov, d.UpdatedAt,
	); err != nil {
		return eris.Wrapf(err, "store: update dependent %d", d.ID)
	}
	return nil
}

// ListDependents returns the dependents bound to a registration.
func (q *Queries) ListDependents(ctx context.Context, registrationID int64) ([]model.Dependent, error) {
	return q.queryDependents(ctx,
		"SELECT "+dependentColumns+" FROM dependents WHERE registration_id = $1 ORDER BY kind, natural_key",
		registrationID)
}

// ListDependentsByKind returns canonical dependents of one kind, ordered by natural key.
func (q *Queries) ListDependentsByKind(ctx context.Context, kind model.DependentKind, limit int) ([]model.Dependent, error) {
	return q.queryDependents(ctx,
		"SELECT "+dependentColumns+" FROM dependents WHERE kind = $1 ORDER BY natural_key LIMIT $2",
		kind, orDefault(limit, 100))
}

// CountDependents returns the number of live dependents.
func (q *Queries) CountDependents(ctx context.Context) (int64, error) {
	var n int64
	if err := q.q.QueryRow(ctx, "SELECT COUNT(*) FROM dependents").Scan(&n); err != nil {
		return 0, eris.Wrap(err, "store: count dependents")
	}
	return n, nil
}

func (q *Queries) queryDependents(ctx context.Context, sql string, args ...any) ([]model.Dependent, error) {
	rows, err := q.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: query dependents")
	}
	defer rows.Close()

	var out []model.Dependent
	for rows.Next() {
		d, err := scanDependent(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan dependent")
		}
		out = append(out, *d)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate dependents")
}
