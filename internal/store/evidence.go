package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/regsync/internal/db"
	"github.com/sells-group/regsync/internal/model"
)

// InsertEvidence stores a payload once per (source, content hash). Replays of
// an identical payload return the existing id with created=false.
func (q *Queries) InsertEvidence(ctx context.Context, ev *model.RawEvidence) (id int64, created bool, err error) {
	now := q.Now()
	err = q.q.QueryRow(ctx, `
		INSERT INTO raw_evidence (content_hash, source_key, locator, batch_id, fetch_status,
			parse_status, parse_log, payload, blob_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (source_key, content_hash) DO NOTHING
		RETURNING id`,
		ev.ContentHash, ev.SourceKey, ev.Locator, ev.BatchID, ev.FetchStatus,
		ev.ParseStatus, ev.ParseLog, nullBytes(ev.Payload), ev.BlobRef, now,
	).Scan(&id)
	switch {
	case err == nil:
		ev.ID, ev.CreatedAt = id, now
		return id, true, nil
	case !db.IsNoRows(err):
		return 0, false, eris.Wrapf(err, "store: insert evidence %s", ev.ContentHash)
	}

	err = q.q.QueryRow(ctx,
		"SELECT id FROM raw_evidence WHERE source_key = $1 AND content_hash = $2",
		ev.SourceKey, ev.ContentHash,
	).Scan(&id)
	if err != nil {
		return 0, false, eris.Wrapf(err, "store: read existing evidence %s", ev.ContentHash)
	}
	ev.ID = id
	return id, false, nil
}

// GetEvidence reads one evidence row.
func (q *Queries) GetEvidence(ctx context.Context, id int64) (*model.RawEvidence, error) {
	var ev model.RawEvidence
	var archiveID *string
	err := q.q.QueryRow(ctx, `
		SELECT id, content_hash, source_key, locator, batch_id, fetch_status, parse_status,
			parse_log, payload, blob_ref, archive_batch_id, created_at
		FROM raw_evidence WHERE id = $1`, id,
	).Scan(&ev.ID, &ev.ContentHash, &ev.SourceKey, &ev.Locator, &ev.BatchID, &ev.FetchStatus,
		&ev.ParseStatus, &ev.ParseLog, &ev.Payload, &ev.BlobRef, &archiveID, &ev.CreatedAt)
	if db.IsNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "evidence %d", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "store: get evidence %d", id)
	}
	if archiveID != nil {
		ev.ArchiveBatchID = *archiveID
	}
	return &ev, nil
}

// MarkEvidenceArchived stamps evidence rows with an archive batch id. This is
// the only mutation evidence rows ever receive.
func (q *Queries) MarkEvidenceArchived(ctx context.Context, ids []int64, archiveBatchID string) (int64, error) {
	var total int64
	for _, chunk := range chunks(ids, inChunk) {
		args := append([]any{archiveBatchID}, anySlice(chunk)...)
		n, err := q.q.Exec(ctx,
			"UPDATE raw_evidence SET archive_batch_id = $1 WHERE id IN ("+placeholders(2, len(chunk))+")",
			args...)
		if err != nil {
			return total, eris.Wrap(err, "store: mark evidence archived")
		}
		total += n
	}
	return total, nil
}
