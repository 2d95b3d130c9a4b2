package runlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/madeinoz67/madeinoz-knowledge-system/internal/models"
)

func openTestLog(t *testing.T, maxEntries int) *BadgerRunLog {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	l, err := Open(Config{InMemory: true, MaxEntries: maxEntries}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func run(id string, started time.Time, status models.RunStatus) models.MaintenanceRun {
	return models.MaintenanceRun{
		RunID:             id,
		Trigger:           models.TriggerManual,
		StartedAt:         started,
		DurationSeconds:   1.5,
		MemoriesProcessed: 10,
		Status:            status,
	}
}

func TestRunLog_EmptyLatest(t *testing.T) {
	l := openTestLog(t, 0)
	_, err := l.Latest(context.Background())
	assert.True(t, errors.Is(err, ErrEmpty))

	runs, err := l.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRunLog_AppendAndList(t *testing.T) {
	ctx := context.Background()
	l := openTestLog(t, 0)
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	// Appended out of order; listing is by start time.
	require.NoError(t, l.Append(ctx, run("b", base.Add(time.Hour), models.RunPartial)))
	require.NoError(t, l.Append(ctx, run("a", base, models.RunSuccess)))
	require.NoError(t, l.Append(ctx, run("c", base.Add(2*time.Hour), models.RunFailure)))

	runs, err := l.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "c", runs[0].RunID)
	assert.Equal(t, "b", runs[1].RunID)
	assert.Equal(t, "a", runs[2].RunID)
	assert.Equal(t, models.RunFailure, runs[0].Status)
	assert.True(t, runs[2].StartedAt.Equal(base))

	latest, err := l.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c", latest.RunID)

	two, err := l.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, two, 2)
}

func TestRunLog_TrimsOldest(t *testing.T) {
	ctx := context.Background()
	l := openTestLog(t, 3)
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Append(ctx, run(fmt.Sprintf("r%d", i), base.Add(time.Duration(i)*time.Minute), models.RunSuccess)))
	}

	runs, err := l.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "r4", runs[0].RunID)
	assert.Equal(t, "r2", runs[2].RunID)
}

func TestRunLog_CanceledContext(t *testing.T) {
	l := openTestLog(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Append(ctx, run("x", time.Now(), models.RunSuccess))
	assert.True(t, errors.Is(err, context.Canceled))
}
