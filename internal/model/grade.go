// Package model defines the domain types shared across regsync.
package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// EvidenceGrade is the ordinal authority level of a source. Higher wins.
type EvidenceGrade int

const (
	GradeUnknown EvidenceGrade = 0
	GradeD       EvidenceGrade = 1
	GradeC       EvidenceGrade = 2
	GradeB       EvidenceGrade = 3
	GradeA       EvidenceGrade = 4
	// GradeManual is assigned only by human conflict resolution.
	GradeManual EvidenceGrade = 9
)

func (g EvidenceGrade) String() string {
	switch g {
	case GradeD:
		return "D"
	case GradeC:
		return "C"
	case GradeB:
		return "B"
	case GradeA:
		return "A"
	case GradeManual:
		return "MANUAL"
	default:
		return "UNKNOWN"
	}
}

// ParseGrade converts "A".."D" or "MANUAL" (case-insensitive) into a grade.
func ParseGrade(s string) (EvidenceGrade, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "A":
		return GradeA, nil
	case "B":
		return GradeB, nil
	case "C":
		return GradeC, nil
	case "D":
		return GradeD, nil
	case "MANUAL":
		return GradeManual, nil
	default:
		return GradeUnknown, eris.Errorf("model: unknown evidence grade %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (g EvidenceGrade) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (g *EvidenceGrade) UnmarshalText(b []byte) error {
	if len(b) == 0 || strings.EqualFold(string(b), "UNKNOWN") {
		*g = GradeUnknown
		return nil
	}
	v, err := ParseGrade(string(b))
	if err != nil {
		return err
	}
	*g = v
	return nil
}
