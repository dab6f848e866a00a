package store

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/regsync/internal/db"
	"github.com/sells-group/regsync/internal/model"
)

const registrationColumns = `id, registration_no, status, registrant_name, registrant_name_norm,
	product_name, device_class, approval_date, expiry_date, provenance,
	created_batch_id, updated_batch_id, created_day, created_at, updated_at`

func scanRegistration(row db.Row) (*model.Registration, error) {
	var r model.Registration
	var prov []byte
	if err := row.Scan(
		&r.ID, &r.RegistrationNo, &r.Status, &r.RegistrantName, &r.RegistrantNameNorm,
		&r.ProductName, &r.DeviceClass, &r.ApprovalDate, &r.ExpiryDate, &prov,
		&r.CreatedBatchID, &r.UpdatedBatchID, &r.CreatedDay, &r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p, err := model.UnmarshalProvenance(prov)
	if err != nil {
		return nil, err
	}
	r.Provenance = p
	return &r, nil
}

// InsertRegistration creates the anchor row unless the registration number
// already exists. created is false when another writer got there first; the
// caller then re-reads and continues as an update.
func (q *Queries) InsertRegistration(ctx context.Context, r *model.Registration) (id int64, created bool, err error) {
	prov, err := model.MarshalProvenance(r.Provenance)
	if err != nil {
		return 0, false, err
	}
	now := q.Now()
	err = q.q.QueryRow(ctx, `
		INSERT INTO registrations (registration_no, status, registrant_name, registrant_name_norm,
			product_name, device_class, approval_date, expiry_date, provenance,
			created_batch_id, updated_batch_id, created_day, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10, $11, $12, $12)
		ON CONFLICT (registration_no) DO NOTHING
		RETURNING id`,
		r.RegistrationNo, r.Status, r.RegistrantName, r.RegistrantNameNorm,
		r.ProductName, r.DeviceClass, r.ApprovalDate, r.ExpiryDate, prov,
		r.CreatedBatchID, Day(now), now,
	).Scan(&id)
	if db.IsNoRows(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, eris.Wrapf(err, "store: insert registration %s", r.RegistrationNo)
	}
	r.ID = id
	r.CreatedDay = Day(now)
	r.CreatedAt, r.UpdatedAt = now, now
	return id, true, nil
}

// GetRegistrationByNo reads a registration by normalized number. lock takes a
// row lock on Postgres.
func (q *Queries) GetRegistrationByNo(ctx context.Context, regNo string, lock bool) (*model.Registration, error) {
	sql := "SELECT " + registrationColumns + " FROM registrations WHERE registration_no = $1"
	if lock {
		sql = q.forUpdate(sql)
	}
	r, err := scanRegistration(q.q.QueryRow(ctx, sql, regNo))
	if db.IsNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "registration %s", regNo)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "store: get registration %s", regNo)
	}
	return r, nil
}

// GetRegistration reads a registration by id.
func (q *Queries) GetRegistration(ctx context.Context, id int64, lock bool) (*model.Registration, error) {
	sql := "SELECT " + registrationColumns + " FROM registrations WHERE id = $1"
	if lock {
		sql = q.forUpdate(sql)
	}
	r, err := scanRegistration(q.q.QueryRow(ctx, sql, id))
	if db.IsNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "registration id %d", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "store: get registration %d", id)
	}
	return r, nil
}

// UpdateRegistration writes every arbitrated field and the provenance map.
func (q *Queries) UpdateRegistration(ctx context.Context, r *model.Registration) error {
	prov, err := model.MarshalProvenance(r.Provenance)
	if err != nil {
		return err
	}
	r.UpdatedAt = q.Now()
	n, err := q.q.Exec(ctx, `
		UPDATE registrations SET status = $2, registrant_name = $3, registrant_name_norm = $4,
			product_name = $5, device_class = $6, approval_date = $7, expiry_date = $8,
			provenance = $9, updated_batch_id = $10, updated_at = $11
		WHERE id = $1`,
		r.ID, r.Status, r.RegistrantName, r.RegistrantNameNorm,
		r.ProductName, r.DeviceClass, r.ApprovalDate, r.ExpiryDate,
		prov, r.UpdatedBatchID, r.UpdatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "store: update registration %d", r.ID)
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "registration id %d", r.ID)
	}
	return nil
}

// RegistrationFilter narrows ListRegistrations.
type RegistrationFilter struct {
	RegistrationNos []string
	CreatedBatchID  string
	Limit           int
}

// ListRegistrations returns registrations matching f, ordered by id.
func (q *Queries) ListRegistrations(ctx context.Context, f RegistrationFilter) ([]model.Registration, error) {
	var where []string
	var args []any
	if len(f.RegistrationNos) > 0 {
		where = append(where, "registration_no IN ("+placeholders(len(args)+1, len(f.RegistrationNos))+")")
		args = append(args, anySlice(f.RegistrationNos)...)
	}
	if f.CreatedBatchID != "" {
		args = append(args, f.CreatedBatchID)
		where = append(where, "created_batch_id = $"+itoa(len(args)))
	}
	sql := "SELECT " + registrationColumns + " FROM registrations"
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		sql += " LIMIT $" + itoa(len(args))
	}
	return q.queryRegistrations(ctx, sql, args...)
}

// RegistrationsAfter returns up to limit registrations with id > afterID, for
// cursor-driven backfills.
func (q *Queries) RegistrationsAfter(ctx context.Context, afterID int64, limit int) ([]model.Registration, error) {
	return q.queryRegistrations(ctx,
		"SELECT "+registrationColumns+" FROM registrations WHERE id > $1 ORDER BY id LIMIT $2",
		afterID, orDefault(limit, 500))
}

// SetRegistrantNameNorm updates only the derived company-name column.
func (q *Queries) SetRegistrantNameNorm(ctx context.Context, id int64, norm string) error {
	if _, err := q.q.Exec(ctx,
		"UPDATE registrations SET registrant_name_norm = $2 WHERE id = $1", id, norm,
	); err != nil {
		return eris.Wrapf(err, "store: set registrant_name_norm %d", id)
	}
	return nil
}

// CountRegistrations returns the number of live registrations.
func (q *Queries) CountRegistrations(ctx context.Context) (int64, error) {
	var n int64
	if err := q.q.QueryRow(ctx, "SELECT COUNT(*) FROM registrations").Scan(&n); err != nil {
		return 0, eris.Wrap(err, "store: count registrations")
	}
	return n, nil
}

func (q *Queries) queryRegistrations(ctx context.Context, sql string, args ...any) ([]model.Registration, error) {
	rows, err := q.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: query registrations")
	}
	defer rows.Close()

	var out []model.Registration
	for rows.Next() {
		r, err := scanRegistration(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan registration")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate registrations")
}
