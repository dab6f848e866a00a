package ingest

import (
	"strings"

	"github.com/sells-group/regsync/internal/model"
	"github.com/sells-group/regsync/internal/normalize"
)

// Anchor is a registration number that passed the gate. The zero value is
// not approved, and only Gate produces approved anchors.
type Anchor struct {
	regNo    string
	rule     string
	approved bool
}

// RegistrationNo returns the normalized registration number.
func (a Anchor) RegistrationNo() string { return a.regNo }

// Rule returns the validation rule set the number matched.
func (a Anchor) Rule() string { return a.rule }

// Approved reports whether the anchor came from the gate.
func (a Anchor) Approved() bool { return a.approved }

// GateResult is the gate's verdict on one payload. Reason is empty when the
// record may proceed to structured writes.
type GateResult struct {
	Anchor     Anchor
	Reason     model.ReasonCode
	Detail     string
	Normalized []string
}

// OK reports whether the payload was anchored.
func (g GateResult) OK() bool { return g.Reason == "" && g.Anchor.approved }

// Gate normalizes the payload's registration identifiers and decides whether
// the record is anchored. It never fails: every payload gets either an anchor
// or a reason code.
func Gate(p *model.Payload) GateResult {
	var distinct []string
	seen := make(map[string]bool)
	for _, raw := range p.RegistrationNos {
		n, ok := normalize.RegistrationNo(raw)
		if !ok {
			continue
		}
		if !seen[n] {
			seen[n] = true
			distinct = append(distinct, n)
		}
	}

	switch len(distinct) {
	case 0:
		detail := "no registration number"
		if len(p.RegistrationNos) > 0 {
			detail = "registration number is a placeholder: " + strings.Join(p.RegistrationNos, ", ")
		}
		return GateResult{Reason: model.ReasonNoRegNo, Detail: detail}
	case 1:
	default:
		return GateResult{
			Reason:     model.ReasonAnchorConflict,
			Detail:     "distinct registration numbers: " + strings.Join(distinct, ", "),
			Normalized: distinct,
		}
	}

	regNo := distinct[0]
	rule, ok := normalize.Validate(regNo)
	if !ok {
		return GateResult{
			Reason:     model.ReasonParseError,
			Detail:     "unrecognized registration number format: " + regNo,
			Normalized: distinct,
		}
	}
	return GateResult{
		Anchor:     Anchor{regNo: regNo, rule: rule, approved: true},
		Normalized: distinct,
	}
}
