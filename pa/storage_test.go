package pa_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houzhh15/pkd-trust/logging"
	"github.com/houzhh15/pkd-trust/pa"
	"github.com/houzhh15/pkd-trust/protocol"
)

func TestStore_AuditTrail(t *testing.T) {
	ctx := context.Background()
	store, err := pa.NewStore(setupTestDB(t))
	require.NoError(t, err)

	ts := time.Now().Truncate(time.Second)
	steps := []string{pa.StepReceived, pa.StepChainValidation, pa.StepSodSignature}
	for _, step := range steps {
		require.NoError(t, store.Append(ctx, &logging.AuditEntry{
			PassportDataID: "pd-1",
			Step:           step,
			Status:         "RECEIVED",
			Timestamp:      ts,
			Detail:         map[string]interface{}{"step": step},
		}))
	}
	require.NoError(t, store.Append(ctx, &logging.AuditEntry{PassportDataID: "pd-2", Step: pa.StepReceived}))

	trail, err := store.Trail(ctx, "pd-1")
	require.NoError(t, err)
	require.Len(t, trail, 3)
	for i, e := range trail {
		assert.Equal(t, steps[i], e.Step)
		assert.Equal(t, steps[i], e.Detail["step"])
		assert.NotEmpty(t, e.ID)
	}

	filtered, err := store.Query(ctx, &logging.AuditFilter{Step: pa.StepReceived})
	require.NoError(t, err)
	assert.Len(t, filtered, 2)

	page, err := store.Query(ctx, &logging.AuditFilter{PassportDataID: "pd-1", Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, pa.StepChainValidation, page[0].Step)

	assert.Error(t, store.Append(ctx, &logging.AuditEntry{Step: pa.StepReceived}))
}

func TestStore_PassportData(t *testing.T) {
	ctx := context.Background()
	store, err := pa.NewStore(setupTestDB(t))
	require.NoError(t, err)

	done := time.Now().Truncate(time.Second)
	pd := &pa.PassportData{
		ID:             "pd-1",
		IssuingCountry: "KOR",
		DocumentNumber: "M12345678",
		SOD:            []byte{0x77, 0x00},
		Status:         pa.StatusInvalid,
		StartedAt:      done.Add(-time.Second),
		CompletedAt:    &done,
		Result: &pa.Result{
			Status:            pa.StatusInvalid,
			TotalDataGroups:   1,
			InvalidDataGroups: 1,
			Errors: []protocol.ValidationError{
				protocol.NewValidationError(protocol.CodeDgHashMismatch, "DG2 differs", "dataGroup", "DG2"),
			},
		},
	}
	require.NoError(t, store.SavePassportData(ctx, pd))

	got, err := store.FindByID(ctx, "pd-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, pa.StatusInvalid, got.Status)
	assert.Equal(t, "M12345678", got.DocumentNumber)
	assert.Equal(t, pd.SOD, got.SOD)
	assert.True(t, got.Result.HasError(protocol.CodeDgHashMismatch))
	assert.Equal(t, "DG2", got.Result.Errors[0].Context["dataGroup"])

	missing, err := store.FindByID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
