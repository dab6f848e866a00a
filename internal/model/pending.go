package model

import (
	"strings"
	"time"
)

// ReasonCode is the stable vocabulary for why a record did not reach the store.
type ReasonCode string

const (
	ReasonNoRegNo            ReasonCode = "NO_REG_NO"
	ReasonParseError         ReasonCode = "PARSE_ERROR"
	ReasonAnchorConflict     ReasonCode = "ANCHOR_CONFLICT"
	ReasonWriteError         ReasonCode = "WRITE_ERROR"
	ReasonInvariantViolation ReasonCode = "INVARIANT_VIOLATION"
)

// reasonAliases maps historical spellings onto the stable codes.
var reasonAliases = map[string]ReasonCode{
	"NO_REG_NO":               ReasonNoRegNo,
	"MISSING_REG_NO":          ReasonNoRegNo,
	"MISSING_REGISTRATION_NO": ReasonNoRegNo,
	"NO_ANCHOR":               ReasonNoRegNo,
	"E_NO_ANCHOR":             ReasonNoRegNo,
	"MISSING_KEY":             ReasonNoRegNo,
	"PARSE_ERROR":             ReasonParseError,
	"INVALID_FORMAT":          ReasonParseError,
	"INVALID_REG_NO":          ReasonParseError,
	"MALFORMED_REG_NO":        ReasonParseError,
	"E_PARSE":                 ReasonParseError,
	"ANCHOR_CONFLICT":         ReasonAnchorConflict,
	"MULTIPLE_REG_NO":         ReasonAnchorConflict,
	"AMBIGUOUS_ANCHOR":        ReasonAnchorConflict,
	"WRITE_ERROR":             ReasonWriteError,
	"DB_ERROR":                ReasonWriteError,
	"INVARIANT_VIOLATION":     ReasonInvariantViolation,
	"UNGATED_WRITE":           ReasonInvariantViolation,
}

// ParseReason maps a code or legacy alias (case-insensitive, '-' or '_') to a ReasonCode.
func ParseReason(s string) (ReasonCode, bool) {
	key := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	r, ok := reasonAliases[key]
	return r, ok
}

// PendingStatus is the lifecycle state of a pending item.
type PendingStatus string

const (
	PendingOpen     PendingStatus = "open"
	PendingResolved PendingStatus = "resolved"
	PendingIgnored  PendingStatus = "ignored"
)

// PendingCandidates is everything needed to re-drive a parked record without refetching.
type PendingCandidates struct {
	Source  SourceMeta `json:"source"`
	Payload Payload    `json:"payload"`
	// Normalized holds the distinct normalized identifiers seen, if any.
	Normalized []string `json:"normalized,omitempty"`
}

// PendingItem is a record that could not be anchored.
type PendingItem struct {
	ID                     int64             `json:"id"`
	SourceKey              string            `json:"source_key"`
	BatchID                string            `json:"batch_id"`
	EvidenceID             *int64            `json:"evidence_id,omitempty"`
	Reason                 ReasonCode        `json:"reason"`
	Detail                 string            `json:"detail,omitempty"`
	Candidates             PendingCandidates `json:"candidates"`
	Status                 PendingStatus     `json:"status"`
	ResolvedRegistrationNo string            `json:"resolved_registration_no,omitempty"`
	ResolutionNote         string            `json:"resolution_note,omitempty"`
	ResolvedBy             string            `json:"resolved_by,omitempty"`
	ResolvedAt             *time.Time        `json:"resolved_at,omitempty"`
	CreatedAt              time.Time         `json:"created_at"`
}
