package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/regsync/internal/model"
)

func TestBackfillCompanyNames(t *testing.T) {
	svc := newTestService(t, nil)
	st := svc.Store()
	ctx := context.Background()
	b := seedBatch(t, st, "a")

	names := []string{"甲医疗器械有限公司", "ACME Medical Co., Ltd.", "乙公司"}
	for i, name := range names {
		r := &model.Registration{
			RegistrationNo: "国械注准2022317000" + string(rune('1'+i)),
			RegistrantName: name,
			CreatedBatchID: b.ID,
		}
		_, created, err := st.InsertRegistration(ctx, r)
		require.NoError(t, err)
		require.True(t, created)
	}

	run, err := svc.BackfillCompanyNames(ctx, BackfillOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.BatchSuccess, run.Status)
	assert.EqualValues(t, 3, run.Counters.Total)
	assert.EqualValues(t, 3, run.Counters.Updated)

	reg, err := st.GetRegistrationByNo(ctx, "国械注准20223170002", false)
	require.NoError(t, err)
	assert.Equal(t, "ACMEMEDICAL", reg.RegistrantNameNorm)

	cursor, err := st.Cursor(ctx, CompanyNameCursor)
	require.NoError(t, err)
	assert.Zero(t, cursor, "cursor is cleared after a full pass")

	again, err := svc.BackfillCompanyNames(ctx, BackfillOptions{})
	require.NoError(t, err)
	assert.Zero(t, again.Counters.Updated)
	assert.EqualValues(t, 3, again.Counters.Unchanged)
}

func TestBackfillCompanyNames_ResumesFromCursor(t *testing.T) {
	svc := newTestService(t, nil)
	st := svc.Store()
	ctx := context.Background()
	b := seedBatch(t, st, "a")

	var ids []int64
	for i := range 3 {
		r := &model.Registration{
			RegistrationNo: "国械注准2022317000" + string(rune('1'+i)),
			RegistrantName: "甲公司",
			CreatedBatchID: b.ID,
		}
		id, _, err := st.InsertRegistration(ctx, r)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, st.SaveCursor(ctx, CompanyNameCursor, ids[1]))

	run, err := svc.BackfillCompanyNames(ctx, BackfillOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, run.Counters.Total)

	restarted, err := svc.BackfillCompanyNames(ctx, BackfillOptions{Restart: true})
	require.NoError(t, err)
	assert.EqualValues(t, 3, restarted.Counters.Total)
	assert.EqualValues(t, 2, restarted.Counters.Updated)
}
