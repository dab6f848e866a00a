// Package arbiter decides, field by field, whether an incoming source value
// replaces the stored one.
package arbiter

import (
	"strings"

	"github.com/sells-group/regsync/internal/model"
)

// Verdict is the outcome of arbitrating one field.
type Verdict int

const (
	// Same means the incoming value equals the stored one.
	Same Verdict = iota
	// Fill means the stored value was empty and takes the incoming one.
	Fill
	// Keep means the stored value outranks the incoming one.
	Keep
	// Overwrite means the incoming value outranks the stored one.
	Overwrite
	// Undecidable means neither side wins and a human must decide.
	Undecidable
)

func (v Verdict) String() string {
	switch v {
	case Same:
		return "same"
	case Fill:
		return "fill"
	case Keep:
		return "keep"
	case Overwrite:
		return "overwrite"
	case Undecidable:
		return "undecidable"
	default:
		return "unknown"
	}
}

// Changes reports whether the verdict mutates the stored value.
func (v Verdict) Changes() bool {
	return v == Fill || v == Overwrite
}

// Candidate is one value with the provenance it would be stored under.
type Candidate struct {
	Value      string           `json:"value"`
	Provenance model.Provenance `json:"provenance"`
}

// Compare orders two provenances: positive when a outranks b, negative when b
// outranks a, zero when they are indistinguishable. Higher grade wins, then
// lower priority number, then the newer observation.
func Compare(a, b model.Provenance) int {
	if a.Grade != b.Grade {
		if a.Grade > b.Grade {
			return 1
		}
		return -1
	}
	if a.Priority != b.Priority {
		if a.Priority < b.Priority {
			return 1
		}
		return -1
	}
	at, bt := a.ObservedAt.UTC(), b.ObservedAt.UTC()
	switch {
	case at.After(bt):
		return 1
	case bt.After(at):
		return -1
	}
	return 0
}

// Pick returns the winning candidate. ok is false when the top-ranked
// candidates disagree on the value. The result does not depend on the order
// of cands.
func Pick(cands []Candidate) (winner Candidate, ok bool) {
	if len(cands) == 0 {
		return Candidate{}, false
	}
	best := []Candidate{cands[0]}
	for _, c := range cands[1:] {
		switch cmp := Compare(c.Provenance, best[0].Provenance); {
		case cmp > 0:
			best = append(best[:0], c)
		case cmp == 0:
			best = append(best, c)
		}
	}

	winner = best[0]
	for _, c := range best[1:] {
		if c.Value != winner.Value {
			return Candidate{}, false
		}
		if lessStable(c.Provenance, winner.Provenance) {
			winner = c
		}
	}
	return winner, true
}

// lessStable orders tied candidates carrying the same value so that Pick
// returns identical provenance for every permutation.
func lessStable(a, b model.Provenance) bool {
	if a.Source != b.Source {
		return a.Source < b.Source
	}
	if a.BatchID != b.BatchID {
		return a.BatchID < b.BatchID
	}
	return evidenceID(a) < evidenceID(b)
}

func evidenceID(p model.Provenance) int64 {
	if p.EvidenceID == nil {
		return 0
	}
	return *p.EvidenceID
}

// Decision is the arbiter's ruling on one field.
type Decision struct {
	Field   string    `json:"field"`
	Verdict Verdict   `json:"verdict"`
	Stored  Candidate `json:"stored"`
	Winner  Candidate `json:"winner"`
	// Rule names the policy step that decided, for change records and logs.
	Rule string `json:"rule"`
}

// Arbiter applies source strategies and the field policy on top of the
// candidate ordering. The zero value arbitrates every field.
type Arbiter struct {
	policy *Policy
}

// New returns an Arbiter with the given field policy. policy may be nil.
func New(policy *Policy) *Arbiter {
	return &Arbiter{policy: policy}
}

// Decide rules on one field given the stored value and the incoming one from
// a source with policy meta.
func (a *Arbiter) Decide(field string, stored, incoming Candidate, meta model.SourceMeta) Decision {
	d := Decision{Field: field, Stored: stored, Winner: stored}

	in := strings.TrimSpace(incoming.Value)
	cur := strings.TrimSpace(stored.Value)
	switch {
	case in == cur:
		d.Verdict, d.Rule = Same, "equal"
		return d
	case in == "":
		// an empty incoming value never clears a stored one
		d.Verdict, d.Rule = Keep, "incoming_empty"
		return d
	case cur == "":
		d.Verdict, d.Rule, d.Winner = Fill, "stored_empty", incoming
		return d
	}

	switch a.effectiveStrategy(field, meta) {
	case model.StrategyFillEmpty:
		d.Verdict, d.Rule = Keep, "fill_empty"
		return d
	case model.StrategyManual:
		d.Verdict, d.Rule = Undecidable, "manual"
		return d
	}

	winner, ok := Pick([]Candidate{stored, incoming})
	switch {
	case !ok:
		d.Verdict, d.Rule = Undecidable, "tie"
	case winner.Value == incoming.Value:
		d.Verdict, d.Rule, d.Winner = Overwrite, "outranks", incoming
	default:
		d.Verdict, d.Rule = Keep, "outranked"
	}
	return d
}

// effectiveStrategy combines the source strategy, allow_overwrite and the
// field policy, taking the most restrictive.
func (a *Arbiter) effectiveStrategy(field string, meta model.SourceMeta) model.UpsertStrategy {
	s := meta.Strategy
	if s == "" {
		s = model.StrategyArbitrate
	}
	if !meta.AllowOverwrite {
		s = stricter(s, model.StrategyFillEmpty)
	}
	if a != nil && a.policy != nil {
		fp := a.policy.For(field)
		if fp.Locked {
			s = stricter(s, model.StrategyManual)
		}
		if fp.Strategy != "" {
			s = stricter(s, fp.Strategy)
		}
	}
	return s
}

func rank(s model.UpsertStrategy) int {
	switch s {
	case model.StrategyManual:
		return 2
	case model.StrategyFillEmpty:
		return 1
	default:
		return 0
	}
}

func stricter(a, b model.UpsertStrategy) model.UpsertStrategy {
	if rank(b) > rank(a) {
		return b
	}
	return a
}
