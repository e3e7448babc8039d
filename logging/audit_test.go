package logging

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSink(t *testing.T) (*FileAuditSink, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink, err := NewFileAuditSink(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { sink.Close() })
	return sink, path
}

func TestFileAuditSink_Append(t *testing.T) {
	sink, path := newTestSink(t)
	ctx := context.Background()

	err := sink.Append(ctx, &AuditEntry{
		PassportDataID: "pd-1",
		Step:           "CHAIN_VALIDATION",
		Status:         "CHAIN_VALIDATING",
		Detail:         map[string]interface{}{"chainValid": true},
	})
	require.NoError(t, err)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines++
	}
	assert.Equal(t, 1, lines)

	trail, err := sink.Trail(ctx, "pd-1")
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.NotEmpty(t, trail[0].ID)
	assert.False(t, trail[0].Timestamp.IsZero())
}

func TestFileAuditSink_AppendRejectsInvalid(t *testing.T) {
	sink, _ := newTestSink(t)
	ctx := context.Background()

	assert.Error(t, sink.Append(ctx, nil))
	assert.Error(t, sink.Append(ctx, &AuditEntry{Step: "RECEIVED"}))
}

func TestFileAuditSink_Query(t *testing.T) {
	sink, _ := newTestSink(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	steps := []string{"RECEIVED", "CHAIN_VALIDATION", "SOD_SIGNATURE", "DATA_GROUPS", "COMPLETED"}
	for i, step := range steps {
		require.NoError(t, sink.Append(ctx, &AuditEntry{
			PassportDataID: "pd-a",
			Step:           step,
			Status:         "VALID",
			Timestamp:      base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, sink.Append(ctx, &AuditEntry{PassportDataID: "pd-b", Step: "RECEIVED", Status: "RECEIVED", Timestamp: base}))

	all, err := sink.Query(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 6)

	trail, err := sink.Trail(ctx, "pd-a")
	require.NoError(t, err)
	require.Len(t, trail, 5)
	for i, e := range trail {
		assert.Equal(t, steps[i], e.Step)
	}

	windowed, err := sink.Query(ctx, &AuditFilter{
		PassportDataID: "pd-a",
		StartTime:      base.Add(time.Minute),
		EndTime:        base.Add(3 * time.Minute),
	})
	require.NoError(t, err)
	assert.Len(t, windowed, 3)

	paged, err := sink.Query(ctx, &AuditFilter{PassportDataID: "pd-a", Offset: 3, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, paged, 2)

	beyond, err := sink.Query(ctx, &AuditFilter{Offset: 100})
	require.NoError(t, err)
	assert.Empty(t, beyond)
}

func TestFileAuditSink_Closed(t *testing.T) {
	sink, _ := newTestSink(t)
	require.NoError(t, sink.Close())
	err := sink.Append(context.Background(), &AuditEntry{PassportDataID: "pd", Step: "RECEIVED"})
	assert.ErrorIs(t, err, ErrAuditClosed)
	assert.NoError(t, sink.Close())
}
