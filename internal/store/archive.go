package store

import (
	"context"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"

	"github.com/sells-group/regsync/internal/db"
	"github.com/sells-group/regsync/internal/model"
)

// ErrArchiveExists is returned when an archive batch id has already been used.
var ErrArchiveExists = eris.New("store: archive batch id already used")

// CreateArchiveBatch registers a new archive batch. Ids are never reused.
func (q *Queries) CreateArchiveBatch(ctx context.Context, a *model.ArchiveBatch) error {
	a.CreatedAt = q.Now()
	n, err := q.q.Exec(ctx, `
		INSERT INTO archive_batches (id, reason, selector, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`,
		a.ID, a.Reason, a.Selector, a.CreatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "store: create archive batch %s", a.ID)
	}
	if n == 0 {
		return eris.Wrapf(ErrArchiveExists, "archive batch %s", a.ID)
	}
	return nil
}

// FinishArchiveBatch stores the counts and affected day window.
func (q *Queries) FinishArchiveBatch(ctx context.Context, a *model.ArchiveBatch) error {
	c := a.Counts
	if _, err := q.q.Exec(ctx, `
		UPDATE archive_batches SET registrations = $2, dependents = $3, conflicts = $4,
			change_records = $5, window_from = $6, window_to = $7
		WHERE id = $1`,
		a.ID, c.Registrations, c.Dependents, c.Conflicts, c.ChangeRecords, a.WindowFrom, a.WindowTo,
	); err != nil {
		return eris.Wrapf(err, "store: finish archive batch %s", a.ID)
	}
	return nil
}

// MarkArchiveRolledBack stamps the latest rollback time.
func (q *Queries) MarkArchiveRolledBack(ctx context.Context, id string) error {
	if _, err := q.q.Exec(ctx,
		"UPDATE archive_batches SET rolled_back_at = $2 WHERE id = $1", id, q.Now(),
	); err != nil {
		return eris.Wrapf(err, "store: mark archive %s rolled back", id)
	}
	return nil
}

// GetArchiveBatch reads one archive batch.
func (q *Queries) GetArchiveBatch(ctx context.Context, id string) (*model.ArchiveBatch, error) {
	var a model.ArchiveBatch
	c := &a.Counts
	err := q.q.QueryRow(ctx, `
		SELECT id, reason, selector, registrations, dependents, conflicts, change_records,
			window_from, window_to, created_at, rolled_back_at
		FROM archive_batches WHERE id = $1`, id,
	).Scan(&a.ID, &a.Reason, &a.Selector, &c.Registrations, &c.Dependents, &c.Conflicts,
		&c.ChangeRecords, &a.WindowFrom, &a.WindowTo, &a.CreatedAt, &a.RolledBackAt)
	if db.IsNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "archive batch %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "store: get archive batch %s", id)
	}
	return &a, nil
}

// ListArchiveBatches returns archive batches newest first.
func (q *Queries) ListArchiveBatches(ctx context.Context, limit int) ([]model.ArchiveBatch, error) {
	rows, err := q.q.Query(ctx, `
		SELECT id, reason, selector, registrations, dependents, conflicts, change_records,
			window_from, window_to, created_at, rolled_back_at
		FROM archive_batches ORDER BY created_at DESC, id DESC LIMIT $1`, orDefault(limit, 50))
	if err != nil {
		return nil, eris.Wrap(err, "store: list archive batches")
	}
	defer rows.Close()

	var out []model.ArchiveBatch
	for rows.Next() {
		var a model.ArchiveBatch
		c := &a.Counts
		if err := rows.Scan(&a.ID, &a.Reason, &a.Selector, &c.Registrations, &c.Dependents,
			&c.Conflicts, &c.ChangeRecords, &a.WindowFrom, &a.WindowTo, &a.CreatedAt,
			&a.RolledBackAt); err != nil {
			return nil, eris.Wrap(err, "store: scan archive batch")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate archive batches")
}

// ArchiveSet is the live rows selected for one archive batch.
type ArchiveSet struct {
	RegistrationIDs []int64
	DependentIDs    []int64
	ConflictIDs     []int64
	ChangeIDs       []int64
	EvidenceIDs     []int64
	MinDay, MaxDay  string
}

// CollectArchiveSet resolves every row related to the given registrations:
// their dependents, conflict items, change records and the evidence those
// change records cite.
func (q *Queries) CollectArchiveSet(ctx context.Context, registrationIDs []int64) (*ArchiveSet, error) {
	set := &ArchiveSet{RegistrationIDs: registrationIDs}
	for _, chunk := range chunks(registrationIDs, inChunk) {
		in := placeholders(1, len(chunk))
		args := anySlice(chunk)

		ids, err := q.int64s(ctx, "SELECT id FROM dependents WHERE registration_id IN ("+in+")", args...)
		if err != nil {
			return nil, err
		}
		set.DependentIDs = append(set.DependentIDs, ids...)

		if ids, err = q.int64s(ctx, "SELECT id FROM conflict_items WHERE registration_id IN ("+in+")", args...); err != nil {
			return nil, err
		}
		set.ConflictIDs = append(set.ConflictIDs, ids...)

		if err := q.dayRange(ctx, "SELECT MIN(created_day), MAX(created_day) FROM registrations WHERE id IN ("+in+")", set, args...); err != nil {
			return nil, err
		}
	}

	related := []struct {
		entity string
		ids    []int64
	}{
		{model.EntityRegistration, set.RegistrationIDs},
		{model.EntityDependent, set.DependentIDs},
		{model.EntityConflictItem, set.ConflictIDs},
	}
	for _, r := range related {
		for _, chunk := range chunks(r.ids, inChunk) {
			args := append([]any{r.entity}, anySlice(chunk)...)
			ids, err := q.int64s(ctx,
				"SELECT id FROM change_records WHERE entity_type = $1 AND entity_id IN ("+placeholders(2, len(chunk))+")",
				args...)
			if err != nil {
				return nil, err
			}
			set.ChangeIDs = append(set.ChangeIDs, ids...)

			ev, err := q.int64s(ctx,
				"SELECT DISTINCT evidence_id FROM change_records WHERE evidence_id IS NOT NULL AND entity_type = $1 AND entity_id IN ("+placeholders(2, len(chunk))+")",
				args...)
			if err != nil {
				return nil, err
			}
			set.EvidenceIDs = appendUnique(set.EvidenceIDs, ev...)
		}
	}

	for _, chunk := range chunks(set.DependentIDs, inChunk) {
		if err := q.dayRange(ctx, "SELECT MIN(created_day), MAX(created_day) FROM dependents WHERE id IN ("+placeholders(1, len(chunk))+")", set, anySlice(chunk)...); err != nil {
			return nil, err
		}
	}
	return set, nil
}

func (q *Queries) dayRange(ctx context.Context, sql string, set *ArchiveSet, args ...any) error {
	var lo, hi *string
	if err := q.q.QueryRow(ctx, sql, args...).Scan(&lo, &hi); err != nil {
		return eris.Wrap(err, "store: archive day range")
	}
	if lo != nil && (set.MinDay == "" || *lo < set.MinDay) {
		set.MinDay = *lo
	}
	if hi != nil && *hi > set.MaxDay {
		set.MaxDay = *hi
	}
	return nil
}

func appendUnique(dst []int64, vals ...int64) []int64 {
	seen := make(map[int64]bool, len(dst))
	for _, v := range dst {
		seen[v] = true
	}
	for _, v := range vals {
		if !seen[v] {
			seen[v] = true
			dst = append(dst, v)
		}
	}
	return dst
}

func (q *Queries) int64s(ctx context.Context, sql string, args ...any) ([]int64, error) {
	rows, err := q.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: query ids")
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "store: scan id")
		}
		out = append(out, id)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate ids")
}

// archiveTable describes how one live table is copied to and restored from its archive twin.
type archiveTable struct {
	live, archive string
	columns       string
	// exists is the NOT EXISTS predicate used on restore, over live alias l and archive alias a.
	exists string
}

var (
	archiveRegistrations = archiveTable{
		live: "registrations", archive: "archive_registrations",
		columns: `id, registration_no, status, registrant_name, registrant_name_norm, product_name,
			device_class, approval_date, expiry_date, provenance, created_batch_id, updated_batch_id,
			created_day, created_at, updated_at`,
		exists: "l.id = a.id OR l.registration_no = a.registration_no",
	}
	archiveDependents = archiveTable{
		live: "dependents", archive: "archive_dependents",
		columns: `id, kind, natural_key, registration_id, registration_no, attrs, provenance,
			created_day, created_at, updated_at`,
		exists: "l.id = a.id OR (l.kind = a.kind AND l.natural_key = a.natural_key)",
	}
	archiveConflicts = archiveTable{
		live: "conflict_items", archive: "archive_conflict_items",
		columns: `id, registration_id, field, candidates, status, resolved_value, resolution_reason,
			resolved_by, resolved_at, created_at, updated_at`,
		exists: "l.id = a.id OR (a.status = 'open' AND l.status = 'open' AND l.registration_id = a.registration_id AND l.field = a.field)",
	}
	archiveChanges = archiveTable{
		live: "change_records", archive: "archive_change_records",
		columns: `id, batch_id, evidence_id, entity_type, entity_id, field, before_value, after_value,
			source_key, provenance, reason, created_at`,
	}
)

func (q *Queries) copyToArchive(ctx context.Context, t archiveTable, archiveID, reason string, ids []int64) (int64, error) {
	var total int64
	for _, chunk := range chunks(ids, inChunk) {
		args := append([]any{archiveID, reason}, anySlice(chunk)...)
		n, err := q.q.Exec(ctx,
			"INSERT INTO "+t.archive+" (archive_batch_id, archive_reason, "+t.columns+") "+
				"SELECT CAST($1 AS TEXT), CAST($2 AS TEXT), "+t.columns+" FROM "+t.live+" WHERE id IN ("+placeholders(3, len(chunk))+")",
			args...)
		if err != nil {
			return total, eris.Wrapf(err, "store: archive %s", t.live)
		}
		total += n
	}
	return total, nil
}

func (q *Queries) deleteLive(ctx context.Context, table string, ids []int64) (int64, error) {
	var total int64
	for _, chunk := range chunks(ids, inChunk) {
		n, err := q.q.Exec(ctx, "DELETE FROM "+table+" WHERE id IN ("+placeholders(1, len(chunk))+")", anySlice(chunk)...)
		if err != nil {
			return total, eris.Wrapf(err, "store: delete %s", table)
		}
		total += n
	}
	return total, nil
}

func (q *Queries) restoreFromArchive(ctx context.Context, t archiveTable, archiveID string) (int64, error) {
	cols := prefixColumns("a.", t.columns)
	n, err := q.q.Exec(ctx,
		"INSERT INTO "+t.live+" ("+t.columns+") SELECT "+cols+" FROM "+t.archive+" a "+
			"WHERE a.archive_batch_id = $1 AND NOT EXISTS (SELECT 1 FROM "+t.live+" l WHERE "+t.exists+") "+
			"ORDER BY a.id",
		archiveID)
	if err != nil {
		return 0, eris.Wrapf(err, "store: restore %s", t.live)
	}
	return n, nil
}

// ArchiveRows copies the set verbatim into the archive tables, then deletes
// the live rows in dependency order. Change records are copied but kept live.
func (q *Queries) ArchiveRows(ctx context.Context, archiveID, reason string, set *ArchiveSet) (model.ArchiveCounts, error) {
	var c model.ArchiveCounts
	var err error

	if _, err = q.copyToArchive(ctx, archiveRegistrations, archiveID, reason, set.RegistrationIDs); err != nil {
		return c, err
	}
	if _, err = q.copyToArchive(ctx, archiveDependents, archiveID, reason, set.DependentIDs); err != nil {
		return c, err
	}
	if _, err = q.copyToArchive(ctx, archiveConflicts, archiveID, reason, set.ConflictIDs); err != nil {
		return c, err
	}
	if c.ChangeRecords, err = q.copyToArchive(ctx, archiveChanges, archiveID, reason, set.ChangeIDs); err != nil {
		return c, err
	}

	if c.Dependents, err = q.deleteLive(ctx, "dependents", set.DependentIDs); err != nil {
		return c, err
	}
	if c.Conflicts, err = q.deleteLive(ctx, "conflict_items", set.ConflictIDs); err != nil {
		return c, err
	}
	if c.Registrations, err = q.deleteLive(ctx, "registrations", set.RegistrationIDs); err != nil {
		return c, err
	}
	return c, nil
}

// RestoreRows reinserts archived rows that are not already live, parents
// first. Change records were never removed and are not touched.
func (q *Queries) RestoreRows(ctx context.Context, archiveID string) (model.ArchiveCounts, error) {
	var c model.ArchiveCounts
	var err error
	if c.Registrations, err = q.restoreFromArchive(ctx, archiveRegistrations, archiveID); err != nil {
		return c, err
	}
	// A dependent whose registration could not be restored would dangle.
	if c.Dependents, err = q.restoreChildren(ctx, archiveDependents, archiveID); err != nil {
		return c, err
	}
	if c.Conflicts, err = q.restoreChildren(ctx, archiveConflicts, archiveID); err != nil {
		return c, err
	}
	return c, nil
}

func (q *Queries) restoreChildren(ctx context.Context, t archiveTable, archiveID string) (int64, error) {
	cols := prefixColumns("a.", t.columns)
	n, err := q.q.Exec(ctx,
		"INSERT INTO "+t.live+" ("+t.columns+") SELECT "+cols+" FROM "+t.archive+" a "+
			"WHERE a.archive_batch_id = $1 "+
			"AND EXISTS (SELECT 1 FROM registrations r WHERE r.id = a.registration_id) "+
			"AND NOT EXISTS (SELECT 1 FROM "+t.live+" l WHERE "+t.exists+") "+
			"ORDER BY a.id",
		archiveID)
	if err != nil {
		return 0, eris.Wrapf(err, "store: restore %s", t.live)
	}
	return n, nil
}

// ArchivedDayWindow returns the created_day span of an archive batch's rows.
func (q *Queries) ArchivedDayWindow(ctx context.Context, archiveID string) (from, to string, err error) {
	var lo, hi *string
	err = q.q.QueryRow(ctx, `
		SELECT MIN(d), MAX(d) FROM (
			SELECT created_day AS d FROM archive_registrations WHERE archive_batch_id = $1
			UNION ALL
			SELECT created_day AS d FROM archive_dependents WHERE archive_batch_id = $1
		) days`, archiveID).Scan(&lo, &hi)
	if err != nil {
		return "", "", eris.Wrapf(err, "store: archive window %s", archiveID)
	}
	if lo != nil {
		from = *lo
	}
	if hi != nil {
		to = *hi
	}
	return from, to, nil
}

func prefixColumns(prefix, columns string) string {
	cols := strings.FieldsFunc(columns, func(r rune) bool { return r == ',' || unicode.IsSpace(r) })
	for i, c := range cols {
		cols[i] = prefix + c
	}
	return strings.Join(cols, ", ")
}
