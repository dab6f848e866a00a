package model

import "time"

// Evidence fetch/parse statuses.
const (
	FetchStatusFetched = "fetched"
	ParseStatusParsed  = "parsed"
)

// RawEvidence is the immutable record of a fetched payload.
type RawEvidence struct {
	ID             int64     `json:"id"`
	ContentHash    string    `json:"content_hash"`
	SourceKey      string    `json:"source_key"`
	Locator        string    `json:"locator"`
	BatchID        string    `json:"batch_id"`
	FetchStatus    string    `json:"fetch_status"`
	ParseStatus    string    `json:"parse_status"`
	ParseLog       string    `json:"parse_log,omitempty"`
	Payload        []byte    `json:"-"`
	BlobRef        string    `json:"blob_ref,omitempty"`
	ArchiveBatchID string    `json:"archive_batch_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
