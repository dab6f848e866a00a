package model

import "time"

// UpsertStrategy controls how a source's values compete with stored values.
type UpsertStrategy string

const (
	StrategyArbitrate UpsertStrategy = "arbitrate"
	StrategyFillEmpty UpsertStrategy = "fill_empty"
	StrategyManual    UpsertStrategy = "manual"
)

// Valid reports whether s is a known strategy.
func (s UpsertStrategy) Valid() bool {
	switch s {
	case StrategyArbitrate, StrategyFillEmpty, StrategyManual:
		return true
	}
	return false
}

// SourceMeta is the per-source policy captured in a batch's configuration snapshot.
type SourceMeta struct {
	Key            string         `json:"key"`
	Grade          EvidenceGrade  `json:"grade"`
	Priority       int            `json:"priority"`
	Strategy       UpsertStrategy `json:"strategy"`
	AllowOverwrite bool           `json:"allow_overwrite"`
}

// DependentCandidate is a dependent as extracted from a payload, before binding.
type DependentCandidate struct {
	Kind       DependentKind     `json:"kind"`
	NaturalKey string            `json:"natural_key"`
	Attrs      map[string]string `json:"attrs,omitempty"`
}

// Payload is one record emitted by a source adapter.
type Payload struct {
	// Locator identifies the record within the fetched artifact (file, row, element).
	Locator string `json:"locator"`
	// Raw is the verbatim record, JSON-encoded by the adapter.
	Raw []byte `json:"-"`
	// RegistrationNos holds every raw registration identifier found in the record.
	RegistrationNos []string `json:"registration_nos,omitempty"`
	// Fields holds registration-level candidate values keyed by field name.
	Fields     map[string]string    `json:"fields,omitempty"`
	Dependents []DependentCandidate `json:"dependents,omitempty"`
	// ObservedAt is the source's own timestamp for the record; zero means batch start.
	ObservedAt time.Time `json:"observed_at"`
	// ParseNotes collects non-fatal adapter remarks stored on the evidence row.
	ParseNotes []string `json:"parse_notes,omitempty"`
}
