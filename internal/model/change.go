package model

import "time"

// Entity types recorded on change records.
const (
	EntityRegistration = "registration"
	EntityDependent    = "dependent"
	EntityPendingItem  = "pending_item"
	EntityConflictItem = "conflict_item"
)

// ChangeRecord is one applied field-level mutation. Append-only.
type ChangeRecord struct {
	ID         int64       `json:"id"`
	BatchID    string      `json:"batch_id"`
	EvidenceID *int64      `json:"evidence_id,omitempty"`
	EntityType string      `json:"entity_type"`
	EntityID   int64       `json:"entity_id"`
	Field      string      `json:"field"`
	Before     *string     `json:"before,omitempty"`
	After      *string     `json:"after,omitempty"`
	SourceKey  string      `json:"source_key"`
	Provenance *Provenance `json:"provenance,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// StrPtr returns nil for "" and &s otherwise.
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
