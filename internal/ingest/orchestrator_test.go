package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/regsync/internal/arbiter"
	"github.com/sells-group/regsync/internal/model"
	"github.com/sells-group/regsync/internal/store"
)

const regNo = "国械注准20223170001"

func regPayload(fields map[string]string, deps ...model.DependentCandidate) *model.Payload {
	return &model.Payload{
		Locator:         "line 2",
		RegistrationNos: []string{regNo},
		Fields:          fields,
		Dependents:      deps,
		ObservedAt:      time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC),
	}
}

func TestApply_UngatedWrite(t *testing.T) {
	st := newTestStore(t)
	o := NewOrchestrator(nil)
	err := st.InTx(context.Background(), func(q *store.Queries) error {
		_, err := o.Apply(context.Background(), q, Input{Payload: regPayload(nil), Meta: metaA("a")})
		return err
	})
	assert.ErrorIs(t, err, ErrUngatedWrite)

	n, err := st.CountRegistrations(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestApply_CreateThenReplayIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	o := NewOrchestrator(nil)
	b := seedBatch(t, st, "a")
	p := regPayload(
		map[string]string{model.FieldStatus: "ACTIVE", model.FieldRegistrantName: "甲医疗器械有限公司"},
		model.DependentCandidate{Kind: model.KindDeviceVariant, NaturalKey: "06901234567892", Attrs: map[string]string{"model_spec": "5ml"}},
	)

	first := applyOne(t, st, o, metaA("a"), b.ID, p)
	assert.True(t, first.Created)
	assert.Equal(t, 1, first.DependentsAdded)
	// registration_no + 2 fields, dependent binding + 1 attr
	assert.Equal(t, 5, first.Changes)
	assert.Equal(t, OutcomeAdded, outcomeOf(first))

	reg, err := st.GetRegistrationByNo(ctx, regNo, false)
	require.NoError(t, err)
	assert.Equal(t, "甲医疗器械", reg.RegistrantNameNorm)
	assert.Equal(t, model.GradeA, reg.Provenance[model.FieldStatus].Grade)

	second := applyOne(t, st, o, metaA("a"), b.ID, p)
	assert.False(t, second.Created)
	assert.Zero(t, second.Changes)
	assert.Equal(t, OutcomeUnchanged, outcomeOf(second))

	n, err := st.CountChangeRecords(ctx, b.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)
}

func TestApply_HigherGradeOverwrites(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	o := NewOrchestrator(nil)
	b := seedBatch(t, st, "b")

	low := model.SourceMeta{Key: "b", Grade: model.GradeB, Priority: 50, AllowOverwrite: true}
	applyOne(t, st, o, low, b.ID, regPayload(map[string]string{model.FieldProductName: "注射器"}))
	applied := applyOne(t, st, o, metaA("a"), b.ID, regPayload(map[string]string{model.FieldProductName: "一次性使用无菌注射器"}))
	assert.Equal(t, 1, applied.Changes)

	reg, err := st.GetRegistrationByNo(ctx, regNo, false)
	require.NoError(t, err)
	assert.Equal(t, "一次性使用无菌注射器", reg.ProductName)
	assert.Equal(t, "a", reg.Provenance[model.FieldProductName].Source)

	// a lower grade cannot take the field back
	back := applyOne(t, st, o, low, b.ID, regPayload(map[string]string{model.FieldProductName: "注射器"}))
	assert.Zero(t, back.Changes)
}

func TestApply_EmptyIncomingNeverClears(t *testing.T) {
	st := newTestStore(t)
	o := NewOrchestrator(nil)
	b := seedBatch(t, st, "a")
	applyOne(t, st, o, metaA("a"), b.ID, regPayload(map[string]string{model.FieldStatus: "ACTIVE"}))
	a := applyOne(t, st, o, metaA("a"), b.ID, regPayload(map[string]string{model.FieldStatus: ""}))
	assert.Zero(t, a.Changes)
}

func TestApply_TieOpensConflict(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	o := NewOrchestrator(nil)
	b := seedBatch(t, st, "a")

	applyOne(t, st, o, metaA("a"), b.ID, regPayload(map[string]string{model.FieldStatus: "ACTIVE"}))
	a := applyOne(t, st, o, metaA("b"), b.ID, regPayload(map[string]string{model.FieldStatus: "CANCELLED"}))
	assert.Equal(t, 1, a.Conflicts)
	assert.Zero(t, a.Changes)

	// the same disagreement again re-uses the open item
	applyOne(t, st, o, metaA("b"), b.ID, regPayload(map[string]string{model.FieldStatus: "CANCELLED"}))
	items, err := st.ListConflictItems(ctx, store.ConflictFilter{Status: model.ConflictOpen})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Len(t, items[0].Candidates, 2)

	reg, err := st.GetRegistrationByNo(ctx, regNo, false)
	require.NoError(t, err)
	assert.Equal(t, "ACTIVE", reg.Status)
}

func TestApply_LockedFieldGoesToConflictQueue(t *testing.T) {
	st := newTestStore(t)
	policy, err := arbiter.ParsePolicy([]byte("field_policy:\n  fields:\n    device_class:\n      locked: true\n"))
	require.NoError(t, err)
	o := NewOrchestrator(arbiter.New(policy))
	b := seedBatch(t, st, "a")

	applyOne(t, st, o, model.SourceMeta{Key: "c", Grade: model.GradeC, AllowOverwrite: true}, b.ID,
		regPayload(map[string]string{model.FieldDeviceClass: "II"}))
	a := applyOne(t, st, o, metaA("a"), b.ID, regPayload(map[string]string{model.FieldDeviceClass: "III"}))
	assert.Equal(t, 1, a.Conflicts)
	assert.Zero(t, a.Changes)
}

func TestApply_DependentRebindAndCacheRefresh(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	o := NewOrchestrator(nil)
	b := seedBatch(t, st, "udi")
	di := model.DependentCandidate{Kind: model.KindDeviceVariant, NaturalKey: "06901234567892", Attrs: map[string]string{"model_spec": "5ml"}}

	applyOne(t, st, o, metaA("udi"), b.ID, regPayload(nil, di))

	other := &model.Payload{RegistrationNos: []string{"国械注准20223170002"}, Dependents: []model.DependentCandidate{di}}
	a := applyOne(t, st, o, metaA("udi"), b.ID, other)
	assert.True(t, a.Created)
	assert.Equal(t, 1, a.DependentsUpdated)

	d, err := st.GetDependent(ctx, model.KindDeviceVariant, "06901234567892", false)
	require.NoError(t, err)
	assert.Equal(t, a.RegistrationID, d.RegistrationID)
	assert.Equal(t, "国械注准20223170002", d.RegistrationNo)

	mismatches, err := st.RegNoMismatches(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, mismatches)
	dangling, err := st.DanglingDependents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, dangling)
}

func TestApply_DependentAttrConflictUsesDependentField(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	o := NewOrchestrator(nil)
	b := seedBatch(t, st, "udi")

	dep := func(spec string) model.DependentCandidate {
		return model.DependentCandidate{Kind: model.KindDeviceVariant, NaturalKey: "06901234567892", Attrs: map[string]string{"model_spec": spec}}
	}
	applyOne(t, st, o, metaA("udi"), b.ID, regPayload(nil, dep("5ml")))
	a := applyOne(t, st, o, metaA("nhsa"), b.ID, regPayload(nil, dep("10ml")))
	assert.Equal(t, 1, a.Conflicts)

	items, err := st.ListConflictItems(ctx, store.ConflictFilter{Status: model.ConflictOpen})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, model.DependentField(model.KindDeviceVariant, "06901234567892", "model_spec"), items[0].Field)
	assert.Equal(t, a.RegistrationID, items[0].RegistrationID)
}

func TestApply_SkipsMalformedDependents(t *testing.T) {
	st := newTestStore(t)
	o := NewOrchestrator(nil)
	b := seedBatch(t, st, "a")
	a := applyOne(t, st, o, metaA("a"), b.ID, regPayload(nil,
		model.DependentCandidate{Kind: "unknown", NaturalKey: "x"},
		model.DependentCandidate{Kind: model.KindInsuranceCode, NaturalKey: "  "},
	))
	assert.Zero(t, a.DependentsAdded)
}
