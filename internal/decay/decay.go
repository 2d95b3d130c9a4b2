// Package decay computes the staleness score of a memory from its inactivity,
// stability and importance.
//
// The model is an exponential half-life:
//
//	half_life = base_half_life_days × multiplier(stability)
//	raw       = 1 − 2^(−elapsed_days / half_life)
//	score     = clamp(raw × (1 − dampening × (importance − 1)), 0, 1)
//
// Stability 5 has an infinite half-life, so raw stays at 0. Permanent memories
// (importance ≥ 4 and stability ≥ 4) always score 0.
package decay

import (
	"errors"
	"fmt"
	"math"

	"github.com/madeinoz67/madeinoz-knowledge-system/internal/models"
)

const (
	// DefaultBaseHalfLifeDays is the half-life of a stability-3 memory.
	DefaultBaseHalfLifeDays = 30.0

	// DefaultImportanceDampening is the fraction of decay removed per importance level above 1.
	DefaultImportanceDampening = 0.1
)

// ErrOutOfRange is returned when importance or stability is outside [1,5].
var ErrOutOfRange = errors.New("decay: value out of range")

// stabilityMultipliers maps stability 1-5 to a half-life multiplier.
var stabilityMultipliers = [...]float64{
	1: 0.5,
	2: 0.75,
	3: 1.0,
	4: 1.5,
	5: math.Inf(1),
}

// StabilityMultiplier returns the half-life multiplier for a stability level.
// Out-of-range values are clamped to the nearest level.
func StabilityMultiplier(stability int) float64 {
	return stabilityMultipliers[clampLevel(stability)]
}

// Validate rejects importance or stability values outside [1,5].
func Validate(importance, stability int) error {
	if importance < models.MinLevel || importance > models.MaxLevel {
		return fmt.Errorf("%w: importance %d", ErrOutOfRange, importance)
	}
	if stability < models.MinLevel || stability > models.MaxLevel {
		return fmt.Errorf("%w: stability %d", ErrOutOfRange, stability)
	}
	return nil
}

// Scorer computes decay scores with configurable constants.
type Scorer struct {
	BaseHalfLifeDays    float64
	ImportanceDampening float64
}

// NewScorer returns a Scorer. Non-positive constants fall back to the defaults.
func NewScorer(baseHalfLifeDays, importanceDampening float64) *Scorer {
	if baseHalfLifeDays <= 0 {
		baseHalfLifeDays = DefaultBaseHalfLifeDays
	}
	// Dampening must keep the factor for importance 5 non-negative.
	if importanceDampening < 0 || importanceDampening > 0.25 {
		importanceDampening = DefaultImportanceDampening
	}
	return &Scorer{
		BaseHalfLifeDays:    baseHalfLifeDays,
		ImportanceDampening: importanceDampening,
	}
}

// DefaultScorer returns a Scorer using the default constants.
func DefaultScorer() *Scorer {
	return NewScorer(DefaultBaseHalfLifeDays, DefaultImportanceDampening)
}

// HalfLifeDays returns the effective half-life for a stability level.
func (s *Scorer) HalfLifeDays(stability int) float64 {
	return s.BaseHalfLifeDays * StabilityMultiplier(stability)
}

// Score returns the decay score in [0,1] for a memory inactive for elapsedDays.
// Callers are expected to have validated importance and stability.
func (s *Scorer) Score(elapsedDays float64, stability, importance int) float64 {
	if models.IsPermanent(importance, stability) {
		return 0
	}
	if elapsedDays <= 0 || math.IsNaN(elapsedDays) {
		return 0
	}

	raw := 1 - math.Exp2(-elapsedDays/s.HalfLifeDays(stability))
	factor := 1 - s.ImportanceDampening*float64(clampLevel(importance)-1)

	return clamp01(raw * factor)
}

// Score computes a decay score with the default constants.
func Score(elapsedDays float64, stability, importance int) float64 {
	return defaultScorer.Score(elapsedDays, stability, importance)
}

var defaultScorer = DefaultScorer()

func clampLevel(v int) int {
	if v < models.MinLevel {
		return models.MinLevel
	}
	if v > models.MaxLevel {
		return models.MaxLevel
	}
	return v
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
