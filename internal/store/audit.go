package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/regsync/internal/model"
)

// RegNoMismatch is a dependent whose cached registration number disagrees
// with the registration it is bound to.
type RegNoMismatch struct {
	DependentID    int64               `json:"dependent_id"`
	Kind           model.DependentKind `json:"kind"`
	NaturalKey     string              `json:"natural_key"`
	CachedRegNo    string              `json:"cached_registration_no"`
	RegistrationID int64               `json:"registration_id"`
	ActualRegNo    string              `json:"actual_registration_no"`
}

// DanglingDependent is a dependent whose registration does not exist.
type DanglingDependent struct {
	DependentID    int64               `json:"dependent_id"`
	Kind           model.DependentKind `json:"kind"`
	NaturalKey     string              `json:"natural_key"`
	RegistrationID int64               `json:"registration_id"`
	CachedRegNo    string              `json:"cached_registration_no"`
}

// RegNoMismatches reports cache drift. It never repairs anything.
func (q *Queries) RegNoMismatches(ctx context.Context, limit int) ([]RegNoMismatch, error) {
	rows, err := q.q.Query(ctx, `
		SELECT d.id, d.kind, d.natural_key, d.registration_no, r.id, r.registration_no
		FROM dependents d JOIN registrations r ON r.id = d.registration_id
		WHERE d.registration_no <> r.registration_no
		ORDER BY d.id LIMIT $1`, orDefault(limit, 1000))
	if err != nil {
		return nil, eris.Wrap(err, "store: audit regno mismatches")
	}
	defer rows.Close()

	var out []RegNoMismatch
	for rows.Next() {
		var m RegNoMismatch
		if err := rows.Scan(&m.DependentID, &m.Kind, &m.NaturalKey, &m.CachedRegNo, &m.RegistrationID, &m.ActualRegNo); err != nil {
			return nil, eris.Wrap(err, "store: scan regno mismatch")
		}
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate regno mismatches")
}

// DanglingDependents reports dependents without a registration.
func (q *Queries) DanglingDependents(ctx context.Context, limit int) ([]DanglingDependent, error) {
	rows, err := q.q.Query(ctx, `
		SELECT d.id, d.kind, d.natural_key, d.registration_id, d.registration_no
		FROM dependents d LEFT JOIN registrations r ON r.id = d.registration_id
		WHERE r.id IS NULL
		ORDER BY d.id LIMIT $1`, orDefault(limit, 1000))
	if err != nil {
		return nil, eris.Wrap(err, "store: audit dangling dependents")
	}
	defer rows.Close()

	var out []DanglingDependent
	for rows.Next() {
		var d DanglingDependent
		if err := rows.Scan(&d.DependentID, &d.Kind, &d.NaturalKey, &d.RegistrationID, &d.CachedRegNo); err != nil {
			return nil, eris.Wrap(err, "store: scan dangling dependent")
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate dangling dependents")
}
