package lifecycle

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/madeinoz67/madeinoz-knowledge-system/internal/models"
)

var testNow = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func newTestManager() *Manager {
	return NewManager(nil, DefaultThresholds(), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func daysAgo(n int) time.Time {
	return testNow.Add(-time.Duration(n) * 24 * time.Hour)
}

func memory(id string, state models.LifecycleState, importance, stability, idleDays int) models.Memory {
	return models.Memory{
		ID:             id,
		Importance:     importance,
		Stability:      stability,
		LifecycleState: state,
		CreatedAt:      daysAgo(idleDays + 1),
		LastAccessedAt: daysAgo(idleDays),
		Version:        1,
	}
}

func TestEvaluate_ActiveToDormant(t *testing.T) {
	lm := newTestManager()
	mem := memory("m1", models.StateActive, 4, 1, 40)

	d := lm.Evaluate(mem, testNow)

	assert.True(t, d.Transitioned)
	assert.Equal(t, models.StateActive, d.From)
	assert.Equal(t, models.StateDormant, d.To)
	assert.Equal(t, models.StateDormant, d.Memory.LifecycleState)
	assert.GreaterOrEqual(t, d.Memory.DecayScore, 0.3)
	assert.True(t, d.Changed())
	// Input is not mutated.
	assert.Equal(t, models.StateActive, mem.LifecycleState)
}

func TestEvaluate_NotEnoughInactivity(t *testing.T) {
	lm := newTestManager()
	// High decay (stability 1, importance 1) but only 20 days idle.
	d := lm.Evaluate(memory("m1", models.StateActive, 1, 1, 20), testNow)

	assert.False(t, d.Transitioned)
	assert.Equal(t, models.StateActive, d.To)
	assert.True(t, d.DecayChanged)
}

func TestEvaluate_NotEnoughDecay(t *testing.T) {
	lm := newTestManager()
	// 30 days idle, stability 4 importance 3: half-life 45 days, score ~0.37 x 0.8 < 0.3.
	d := lm.Evaluate(memory("m1", models.StateActive, 3, 4, 30), testNow)

	assert.False(t, d.Transitioned)
	assert.Less(t, d.Memory.DecayScore, 0.3)
}

func TestEvaluate_OneTransitionPerPass(t *testing.T) {
	lm := newTestManager()
	// Qualifies for every row, but only advances one state per pass.
	mem := memory("m1", models.StateActive, 1, 1, 400)

	d := lm.Evaluate(mem, testNow)
	require.True(t, d.Transitioned)
	assert.Equal(t, models.StateDormant, d.To)

	d = lm.Evaluate(d.Memory, testNow)
	assert.Equal(t, models.StateArchived, d.To)

	d = lm.Evaluate(d.Memory, testNow)
	assert.Equal(t, models.StateExpired, d.To)

	d = lm.Evaluate(d.Memory, testNow)
	assert.Equal(t, models.StateSoftDeleted, d.To)
	require.NotNil(t, d.Memory.SoftDeletedAt)
	assert.Equal(t, testNow, *d.Memory.SoftDeletedAt)

	// Soft-deleted records are left for the purge step.
	again := lm.Evaluate(d.Memory, testNow.Add(time.Hour))
	assert.False(t, again.Changed())
	assert.Equal(t, testNow, *again.Memory.SoftDeletedAt)
}

func TestEvaluate_ExpiryRequiresLowImportance(t *testing.T) {
	lm := newTestManager()
	mem := memory("m1", models.StateArchived, 4, 1, 2000)

	d := lm.Evaluate(mem, testNow)
	assert.False(t, d.Transitioned, "importance 4 is above the expiry importance cap")
	assert.Equal(t, models.StateArchived, d.To)

	low := memory("m2", models.StateArchived, 1, 1, 2000)
	d = lm.Evaluate(low, testNow)
	assert.True(t, d.Transitioned)
	assert.Equal(t, models.StateExpired, d.To)

	th := DefaultThresholds()
	th.Expired.MaxImportance = 1
	strict := NewManager(nil, th, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	mid := memory("m3", models.StateArchived, 3, 1, 2000)
	mid.Importance = 2
	d = strict.Evaluate(mid, testNow)
	assert.False(t, d.Transitioned)
}

func TestEvaluate_ExpiredAlwaysSoftDeleted(t *testing.T) {
	lm := newTestManager()
	// Freshly accessed but already expired: the EXPIRED row is unconditional.
	d := lm.Evaluate(memory("m1", models.StateExpired, 3, 3, 0), testNow)
	assert.Equal(t, models.StateSoftDeleted, d.To)
	require.NotNil(t, d.Memory.SoftDeletedAt)
}

func TestEvaluate_PermanentExempt(t *testing.T) {
	lm := newTestManager()
	for _, idle := range []int{0, 40, 400, 10_000} {
		mem := memory("p", models.StatePermanent, 4, 4, idle)
		d := lm.Evaluate(mem, testNow)
		assert.True(t, d.Exempt)
		assert.False(t, d.Transitioned)
		assert.False(t, d.Changed())
		assert.Equal(t, 0.0, d.Memory.DecayScore)
		assert.Equal(t, models.StatePermanent, d.Memory.LifecycleState)
	}
}

func TestEvaluate_PermanentNormalization(t *testing.T) {
	lm := newTestManager()

	// Qualifying record stored as ACTIVE with stale decay is corrected.
	mem := memory("p", models.StateActive, 5, 4, 100)
	mem.DecayScore = 0.4
	d := lm.Evaluate(mem, testNow)
	assert.True(t, d.Normalized)
	assert.True(t, d.DecayChanged)
	assert.False(t, d.Transitioned)
	assert.Equal(t, models.StatePermanent, d.To)
	assert.Equal(t, 0.0, d.Memory.DecayScore)

	// A PERMANENT record that no longer qualifies rejoins the lifecycle as ACTIVE.
	demoted := memory("q", models.StatePermanent, 3, 4, 1)
	d = lm.Evaluate(demoted, testNow)
	assert.True(t, d.Normalized)
	assert.Equal(t, models.StateActive, d.To)
}

func TestEvaluate_Idempotent(t *testing.T) {
	lm := newTestManager()
	mem := memory("m1", models.StateActive, 3, 3, 10)

	first := lm.Evaluate(mem, testNow)
	require.True(t, first.Changed())

	second := lm.Evaluate(first.Memory, testNow)
	assert.False(t, second.Changed())
	assert.Equal(t, first.Memory, second.Memory)
}

func TestOnAccess_Reactivates(t *testing.T) {
	for _, state := range []models.LifecycleState{models.StateDormant, models.StateArchived} {
		lm := newTestManager()
		mem := memory("m1", state, 2, 2, 120)
		mem.DecayScore = 0.7

		d := lm.OnAccess(mem, testNow)
		require.True(t, d.Reactivated)
		assert.Equal(t, models.StateActive, d.Memory.LifecycleState)
		assert.Equal(t, 0.0, d.Memory.DecayScore)
		assert.Equal(t, testNow, d.Memory.LastAccessedAt)
		assert.Equal(t, int64(1), d.Memory.AccessCount)

		lm.Applied(d)
		assert.Equal(t, int64(1), lm.Reactivations())
	}
}

func TestOnAccess_TwiceMatchesOnce(t *testing.T) {
	lm := newTestManager()
	mem := memory("m1", models.StateDormant, 2, 2, 60)
	mem.DecayScore = 0.5

	once := lm.OnAccess(mem, testNow)
	twice := lm.OnAccess(once.Memory, testNow)

	assert.Equal(t, once.Memory.LifecycleState, twice.Memory.LifecycleState)
	assert.Equal(t, once.Memory.DecayScore, twice.Memory.DecayScore)
	assert.Equal(t, models.StateActive, twice.Memory.LifecycleState)
	assert.Equal(t, 0.0, twice.Memory.DecayScore)
	assert.False(t, twice.Reactivated)
}

func TestOnAccess_ActiveAndPermanentRefresh(t *testing.T) {
	lm := newTestManager()

	active := memory("a", models.StateActive, 3, 3, 5)
	active.DecayScore = 0.1
	d := lm.OnAccess(active, testNow)
	assert.False(t, d.Reactivated)
	assert.True(t, d.Changed())
	assert.Equal(t, models.StateActive, d.To)
	assert.Equal(t, 0.0, d.Memory.DecayScore)

	perm := memory("p", models.StatePermanent, 5, 5, 500)
	d = lm.OnAccess(perm, testNow)
	assert.True(t, d.Exempt)
	assert.Equal(t, models.StatePermanent, d.To)
	assert.Equal(t, testNow, d.Memory.LastAccessedAt)
}

func TestOnAccess_ExpiredAndSoftDeletedUntouched(t *testing.T) {
	lm := newTestManager()
	for _, state := range []models.LifecycleState{models.StateExpired, models.StateSoftDeleted} {
		mem := memory("m", state, 1, 1, 300)
		d := lm.OnAccess(mem, testNow)
		assert.False(t, d.Changed())
		assert.Equal(t, state, d.Memory.LifecycleState)
	}
	assert.Equal(t, int64(0), lm.Reactivations())
}

func TestShouldPurge(t *testing.T) {
	lm := newTestManager()

	old := memory("old", models.StateSoftDeleted, 1, 1, 200)
	at := daysAgo(91)
	old.SoftDeletedAt = &at
	assert.True(t, lm.ShouldPurge(old, testNow))

	recent := memory("recent", models.StateSoftDeleted, 1, 1, 200)
	at2 := daysAgo(89)
	recent.SoftDeletedAt = &at2
	assert.False(t, lm.ShouldPurge(recent, testNow))

	exact := memory("exact", models.StateSoftDeleted, 1, 1, 200)
	at3 := daysAgo(90)
	exact.SoftDeletedAt = &at3
	assert.True(t, lm.ShouldPurge(exact, testNow))

	missing := memory("missing", models.StateSoftDeleted, 1, 1, 200)
	assert.False(t, lm.ShouldPurge(missing, testNow))

	assert.False(t, lm.ShouldPurge(memory("active", models.StateActive, 1, 1, 500), testNow))
}

func TestThresholdsValidate(t *testing.T) {
	require.NoError(t, DefaultThresholds().Validate())

	tests := []struct {
		name   string
		mutate func(*Thresholds)
		want   string
	}{
		{"zero dormant days", func(th *Thresholds) { th.Dormant.Days = 0 }, "dormant.days"},
		{"decay above one", func(th *Thresholds) { th.Archived.DecayScore = 1.2 }, "archived.decay_score"},
		{"bad max importance", func(th *Thresholds) { th.Expired.MaxImportance = 9 }, "expired.max_importance"},
		{"out of order", func(th *Thresholds) { th.Archived.Days = 10 }, "non-decreasing"},
		{"zero retention", func(th *Thresholds) { th.RetentionDays = 0 }, "retention_days"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			th := DefaultThresholds()
			tc.mutate(&th)
			err := th.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
