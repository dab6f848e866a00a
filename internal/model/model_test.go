package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGrade(t *testing.T) {
	for in, want := range map[string]EvidenceGrade{"a": GradeA, " B ": GradeB, "c": GradeC, "D": GradeD, "manual": GradeManual} {
		got, err := ParseGrade(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseGrade("E")
	assert.Error(t, err)
}

func TestGradeOrdering(t *testing.T) {
	assert.Less(t, GradeD, GradeC)
	assert.Less(t, GradeC, GradeB)
	assert.Less(t, GradeB, GradeA)
	assert.Less(t, GradeA, GradeManual)
}

func TestGrade_JSONText(t *testing.T) {
	b, err := json.Marshal(Provenance{Source: "nmpa", Grade: GradeA})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"grade":"A"`)

	var p Provenance
	require.NoError(t, json.Unmarshal(b, &p))
	assert.Equal(t, GradeA, p.Grade)
}

func TestParseReason_Aliases(t *testing.T) {
	tests := map[string]ReasonCode{
		"NO_REG_NO":       ReasonNoRegNo,
		"missing-reg-no":  ReasonNoRegNo,
		"e_parse":         ReasonParseError,
		"invalid_format":  ReasonParseError,
		"multiple_reg_no": ReasonAnchorConflict,
		"ANCHOR_CONFLICT": ReasonAnchorConflict,
		"db_error":        ReasonWriteError,
		"ungated-write":   ReasonInvariantViolation,
	}
	for in, want := range tests {
		got, ok := ParseReason(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ParseReason("SOMETHING_ELSE")
	assert.False(t, ok)
}

func TestDependentField_RoundTrip(t *testing.T) {
	f := DependentField(KindDeviceVariant, "06901234567892", "model_spec")
	assert.Equal(t, "dependent:device_variant:06901234567892:model_spec", f)

	ref, attr, ok := ParseDependentField(f)
	require.True(t, ok)
	assert.Equal(t, KindDeviceVariant, ref.Kind)
	assert.Equal(t, "06901234567892", ref.NaturalKey)
	assert.Equal(t, "model_spec", attr)

	_, _, ok = ParseDependentField("status")
	assert.False(t, ok)
	_, _, ok = ParseDependentField("dependent:device_variant:")
	assert.False(t, ok)
}

func TestDependentField_KeyWithColon(t *testing.T) {
	ref, attr, ok := ParseDependentField(DependentField(KindProcurementItem, "GD:2025:001", "price"))
	require.True(t, ok)
	assert.Equal(t, "GD:2025:001", ref.NaturalKey)
	assert.Equal(t, "price", attr)
}

func TestRegistration_FieldAccessors(t *testing.T) {
	var r Registration
	for _, f := range RegistrationFields {
		r.SetField(f, f+"-v")
	}
	for _, f := range RegistrationFields {
		assert.Equal(t, f+"-v", r.Field(f))
		assert.True(t, IsRegistrationField(f))
	}
	assert.Equal(t, "", r.Field("nope"))
	assert.False(t, IsRegistrationField("registration_no"))
}

func TestProvenance_RoundTrip(t *testing.T) {
	id := int64(7)
	p := FieldProvenance{
		FieldStatus: {Source: "nmpa", Grade: GradeA, Priority: 10, ObservedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), EvidenceID: &id},
	}
	b, err := MarshalProvenance(p)
	require.NoError(t, err)
	got, err := UnmarshalProvenance(b)
	require.NoError(t, err)
	assert.True(t, p[FieldStatus].ObservedAt.Equal(got[FieldStatus].ObservedAt))
	assert.Equal(t, int64(7), *got[FieldStatus].EvidenceID)

	empty, err := UnmarshalProvenance(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestCounters_Add(t *testing.T) {
	c := Counters{Total: 1, Missing: 2}
	c.Add(Counters{Total: 3, Missing: 1, Conflicts: 4})
	assert.Equal(t, Counters{Total: 4, Missing: 3, Conflicts: 4}, c)
}

func TestArchiveCounts_Total(t *testing.T) {
	c := ArchiveCounts{Registrations: 100, Dependents: 15, Conflicts: 5, ChangeRecords: 900}
	assert.Equal(t, int64(120), c.Total())
}
