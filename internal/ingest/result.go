package ingest

import "github.com/sells-group/regsync/internal/model"

// Outcome classifies what happened to one record.
type Outcome string

const (
	OutcomeAdded     Outcome = "added"
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomePending   Outcome = "pending"
	OutcomeFailed    Outcome = "failed"
)

// RecordResult is the per-record result of the pipeline. Routine outcomes
// such as a missing anchor are values here, not errors.
type RecordResult struct {
	Locator        string           `json:"locator"`
	Outcome        Outcome          `json:"outcome"`
	RegistrationNo string           `json:"registration_no,omitempty"`
	Reason         model.ReasonCode `json:"reason,omitempty"`
	Detail         string           `json:"detail,omitempty"`
	EvidenceID     *int64           `json:"evidence_id,omitempty"`
	PendingID      int64            `json:"pending_id,omitempty"`
	Changes        int              `json:"changes"`
	Conflicts      int              `json:"conflicts"`
}

// Tally adds the result to batch counters.
func (r RecordResult) Tally(c *model.Counters) {
	c.Total++
	c.Parsed++
	switch r.Outcome {
	case OutcomeAdded:
		c.Success++
		c.Added++
	case OutcomeUpdated:
		c.Success++
		c.Updated++
	case OutcomeUnchanged:
		c.Success++
		c.Unchanged++
	case OutcomePending:
		c.Pending++
	case OutcomeFailed:
		c.Failed++
		c.Pending++
	}
	switch r.Reason {
	case model.ReasonNoRegNo:
		c.Missing++
	case model.ReasonParseError, model.ReasonAnchorConflict:
		c.Rejected++
	}
	c.Conflicts += int64(r.Conflicts)
	c.Changes += int64(r.Changes)
}

func outcomeOf(a *Applied) Outcome {
	switch {
	case a.Created:
		return OutcomeAdded
	case a.Changes > 0:
		return OutcomeUpdated
	default:
		return OutcomeUnchanged
	}
}
