package model

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// ManualSource is the source key recorded for human decisions.
const ManualSource = "manual"

// Provenance records where the current value of a field came from.
type Provenance struct {
	Source     string        `json:"source"`
	Grade      EvidenceGrade `json:"grade"`
	Priority   int           `json:"priority"`
	ObservedAt time.Time     `json:"observed_at"`
	EvidenceID *int64        `json:"evidence_id,omitempty"`
	BatchID    string        `json:"batch_id,omitempty"`
}

// ManualProvenance builds the synthetic provenance written by human resolution.
func ManualProvenance(batchID string, at time.Time) Provenance {
	return Provenance{
		Source:     ManualSource,
		Grade:      GradeManual,
		Priority:   0,
		ObservedAt: at.UTC(),
		BatchID:    batchID,
	}
}

// FieldProvenance maps a field name to the provenance of its stored value.
type FieldProvenance map[string]Provenance

// MarshalProvenance encodes p for storage. A nil map encodes as {}.
func MarshalProvenance(p FieldProvenance) ([]byte, error) {
	if p == nil {
		p = FieldProvenance{}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, eris.Wrap(err, "model: marshal provenance")
	}
	return b, nil
}

// UnmarshalProvenance decodes a stored provenance blob. Empty input yields an empty map.
func UnmarshalProvenance(b []byte) (FieldProvenance, error) {
	p := FieldProvenance{}
	if len(b) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, eris.Wrap(err, "model: unmarshal provenance")
	}
	return p, nil
}
