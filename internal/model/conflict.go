package model

import "time"

// ConflictStatus is the lifecycle state of a conflict item.
type ConflictStatus string

const (
	ConflictOpen     ConflictStatus = "open"
	ConflictResolved ConflictStatus = "resolved"
)

// ConflictCandidate is one competing value for a field.
type ConflictCandidate struct {
	Value      string     `json:"value"`
	Provenance Provenance `json:"provenance"`
}

// ConflictItem is an undecidable field disagreement awaiting a human.
type ConflictItem struct {
	ID               int64               `json:"id"`
	RegistrationID   int64               `json:"registration_id"`
	RegistrationNo   string              `json:"registration_no,omitempty"`
	Field            string              `json:"field"`
	Candidates       []ConflictCandidate `json:"candidates"`
	Status           ConflictStatus      `json:"status"`
	ResolvedValue    *string             `json:"resolved_value,omitempty"`
	ResolutionReason string              `json:"resolution_reason,omitempty"`
	ResolvedBy       string              `json:"resolved_by,omitempty"`
	ResolvedAt       *time.Time          `json:"resolved_at,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// HasCandidate reports whether an identical value from the same source is already listed.
func (c *ConflictItem) HasCandidate(cand ConflictCandidate) bool {
	for _, existing := range c.Candidates {
		if existing.Value == cand.Value && existing.Provenance.Source == cand.Provenance.Source {
			return true
		}
	}
	return false
}
