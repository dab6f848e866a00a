// Package evidence hashes fetched payloads into write-once raw evidence rows,
// offloading large payloads to a blob store.
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/gowebpki/jcs"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/regsync/internal/model"
	"github.com/sells-group/regsync/internal/store"
)

// BlobStore holds payloads too large to keep inline.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) (ref string, err error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// Canonical returns the JCS (RFC 8785) form of a JSON document.
func Canonical(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, eris.Wrap(err, "evidence: canonicalize")
	}
	return out, nil
}

// Hash returns the hex sha256 of the canonical form of raw, and that form.
func Hash(raw []byte) (string, []byte, error) {
	canon, err := Canonical(raw)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), canon, nil
}

// RawOf returns the verbatim payload bytes, encoding the parsed payload when
// the adapter did not keep the original.
func RawOf(p *model.Payload) ([]byte, error) {
	if len(p.Raw) > 0 {
		return p.Raw, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, eris.Wrap(err, "evidence: encode payload")
	}
	return b, nil
}

// Recorder builds and persists evidence rows.
type Recorder struct {
	blobs     BlobStore
	threshold int
}

// NewRecorder returns a Recorder. Payloads larger than threshold bytes go to
// blobs when it is non-nil; threshold <= 0 keeps everything inline.
func NewRecorder(blobs BlobStore, threshold int) *Recorder {
	return &Recorder{blobs: blobs, threshold: threshold}
}

// Build hashes a payload into an unsaved evidence row.
func (r *Recorder) Build(sourceKey, batchID string, p *model.Payload) (*model.RawEvidence, error) {
	raw, err := RawOf(p)
	if err != nil {
		return nil, err
	}
	hash, _, err := Hash(raw)
	if err != nil {
		return nil, eris.Wrapf(err, "evidence: %s %s", sourceKey, p.Locator)
	}
	return &model.RawEvidence{
		ContentHash: hash,
		SourceKey:   sourceKey,
		Locator:     p.Locator,
		BatchID:     batchID,
		FetchStatus: model.FetchStatusFetched,
		ParseStatus: model.ParseStatusParsed,
		ParseLog:    strings.Join(p.ParseNotes, "\n"),
		Payload:     raw,
	}, nil
}

// Record writes ev once per (source, content hash). The returned id is that
// of the existing row when the payload was seen before.
func (r *Recorder) Record(ctx context.Context, q *store.Queries, ev *model.RawEvidence) (id int64, created bool, err error) {
	if r.blobs != nil && r.threshold > 0 && len(ev.Payload) > r.threshold {
		ref, err := r.blobs.Put(ctx, BlobKey(ev.SourceKey, ev.ContentHash), ev.Payload)
		if err != nil {
			return 0, false, eris.Wrapf(err, "evidence: offload %s", ev.ContentHash)
		}
		zap.L().Debug("evidence offloaded",
			zap.String("source", ev.SourceKey),
			zap.String("hash", ev.ContentHash),
			zap.Int("bytes", len(ev.Payload)),
		)
		ev.BlobRef = ref
		ev.Payload = nil
	}
	id, created, err = q.InsertEvidence(ctx, ev)
	if err != nil {
		return 0, false, err
	}
	ev.ID = id
	return id, created, nil
}

// Load returns the payload of an evidence row, fetching it from the blob
// store when it was offloaded.
func (r *Recorder) Load(ctx context.Context, ev *model.RawEvidence) ([]byte, error) {
	if ev.BlobRef == "" {
		return ev.Payload, nil
	}
	if r.blobs == nil {
		return nil, eris.Errorf("evidence: %d is offloaded to %s but no blob store is configured", ev.ID, ev.BlobRef)
	}
	return r.blobs.Get(ctx, ev.BlobRef)
}

// BlobKey is the object key for a payload.
func BlobKey(sourceKey, hash string) string {
	return sourceKey + "/" + hash + ".json"
}
