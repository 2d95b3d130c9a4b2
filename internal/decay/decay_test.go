package decay

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScore_Bounds(t *testing.T) {
	elapsed := []float64{0, 0.5, 1, 7, 30, 90, 365, 10_000, math.MaxFloat64}
	for stability := 1; stability <= 5; stability++ {
		for importance := 1; importance <= 5; importance++ {
			for _, days := range elapsed {
				s := Score(days, stability, importance)
				assert.GreaterOrEqual(t, s, 0.0)
				assert.LessOrEqual(t, s, 1.0)
			}
		}
	}
}

func TestScore_NonDecreasingInElapsedTime(t *testing.T) {
	for stability := 1; stability <= 5; stability++ {
		for importance := 1; importance <= 5; importance++ {
			prev := 0.0
			for days := 0.0; days <= 2000; days += 3.5 {
				s := Score(days, stability, importance)
				require.GreaterOrEqual(t, s, prev, "stability=%d importance=%d days=%v", stability, importance, days)
				prev = s
			}
		}
	}
}

func TestScore_NonIncreasingInStabilityAndImportance(t *testing.T) {
	for _, days := range []float64{1, 15, 40, 120, 400} {
		for importance := 1; importance <= 5; importance++ {
			for stability := 1; stability < 5; stability++ {
				assert.GreaterOrEqual(t, Score(days, stability, importance), Score(days, stability+1, importance))
			}
		}
		for stability := 1; stability <= 5; stability++ {
			for importance := 1; importance < 5; importance++ {
				assert.GreaterOrEqual(t, Score(days, stability, importance), Score(days, stability, importance+1))
			}
		}
	}
}

func TestScore_PermanentAlwaysZero(t *testing.T) {
	for importance := 4; importance <= 5; importance++ {
		for stability := 4; stability <= 5; stability++ {
			assert.Equal(t, 0.0, Score(10_000, stability, importance))
		}
	}
}

func TestScore_StabilityFiveDoesNotDecay(t *testing.T) {
	// Not permanent (importance 1), but the half-life is infinite.
	assert.Equal(t, 0.0, Score(10_000, 5, 1))
}

func TestScore_ReferenceValues(t *testing.T) {
	// One half-life at stability 3 with importance 1: raw = 0.5, no dampening.
	assert.InDelta(t, 0.5, Score(30, 3, 1), 1e-9)
	// Two half-lives, importance 3: 0.75 × 0.8.
	assert.InDelta(t, 0.6, Score(60, 3, 3), 1e-9)
	// Stability 1 halves the half-life to 15 days.
	assert.InDelta(t, 0.5, Score(15, 1, 1), 1e-9)
	// importance 4, stability 1, 40 days idle.
	assert.InDelta(t, 0.7*(1-math.Exp2(-40.0/15.0)), Score(40, 1, 4), 1e-9)
	assert.GreaterOrEqual(t, Score(40, 1, 4), 0.3)
}

func TestScore_NegativeElapsedIsFresh(t *testing.T) {
	assert.Equal(t, 0.0, Score(-5, 1, 1))
	assert.Equal(t, 0.0, Score(math.NaN(), 1, 1))
}

func TestStabilityMultiplier(t *testing.T) {
	assert.Equal(t, 0.5, StabilityMultiplier(1))
	assert.Equal(t, 0.75, StabilityMultiplier(2))
	assert.Equal(t, 1.0, StabilityMultiplier(3))
	assert.Equal(t, 1.5, StabilityMultiplier(4))
	assert.True(t, math.IsInf(StabilityMultiplier(5), 1))
	assert.Equal(t, 0.5, StabilityMultiplier(-3))
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(1, 5))
	assert.ErrorIs(t, Validate(0, 3), ErrOutOfRange)
	assert.ErrorIs(t, Validate(3, 6), ErrOutOfRange)
}

func TestNewScorer_FallsBackOnBadConstants(t *testing.T) {
	s := NewScorer(-1, 0.9)
	assert.Equal(t, DefaultBaseHalfLifeDays, s.BaseHalfLifeDays)
	assert.Equal(t, DefaultImportanceDampening, s.ImportanceDampening)

	custom := NewScorer(10, 0.05)
	assert.InDelta(t, 0.5, custom.Score(10, 3, 1), 1e-9)
}
