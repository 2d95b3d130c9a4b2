package lifecycle

import (
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/madeinoz67/madeinoz-knowledge-system/internal/decay"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/metrics"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/models"
)

// scoreEpsilon is the smallest decay change considered a real update.
const scoreEpsilon = 1e-9

// Rule is one demotion row of the transition table.
type Rule struct {
	Days          int     `mapstructure:"days" json:"days"`
	DecayScore    float64 `mapstructure:"decay_score" json:"decay_score"`
	MaxImportance int     `mapstructure:"max_importance" json:"max_importance,omitempty"` // 0 = any importance
}

func (r Rule) matches(inactiveDays, score float64, importance int) bool {
	if inactiveDays < float64(r.Days) || score < r.DecayScore {
		return false
	}
	return r.MaxImportance == 0 || importance <= r.MaxImportance
}

func (r Rule) validate(name string) error {
	if r.Days <= 0 {
		return fmt.Errorf("lifecycle.%s.days must be greater than 0", name)
	}
	if r.DecayScore < 0 || r.DecayScore > 1 {
		return fmt.Errorf("lifecycle.%s.decay_score must be between 0 and 1", name)
	}
	if r.MaxImportance < 0 || r.MaxImportance > models.MaxLevel {
		return fmt.Errorf("lifecycle.%s.max_importance must be between 0 and %d", name, models.MaxLevel)
	}
	return nil
}

// Thresholds holds the transition table. Inactivity is always measured from
// last_accessed_at, not from the time the record entered its current state.
type Thresholds struct {
	Dormant       Rule `mapstructure:"dormant" json:"dormant"`
	Archived      Rule `mapstructure:"archived" json:"archived"`
	Expired       Rule `mapstructure:"expired" json:"expired"`
	RetentionDays int  `mapstructure:"retention_days" json:"retention_days"`
}

// DefaultThresholds returns the built-in transition table.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Dormant:       Rule{Days: 30, DecayScore: 0.3},
		Archived:      Rule{Days: 90, DecayScore: 0.6},
		Expired:       Rule{Days: 180, DecayScore: 0.9, MaxImportance: 3},
		RetentionDays: 90,
	}
}

// Validate checks each row and that the rows progress in inactivity.
func (t Thresholds) Validate() error {
	if err := t.Dormant.validate("dormant"); err != nil {
		return err
	}
	if err := t.Archived.validate("archived"); err != nil {
		return err
	}
	if err := t.Expired.validate("expired"); err != nil {
		return err
	}
	if t.Archived.Days < t.Dormant.Days || t.Expired.Days < t.Archived.Days {
		return fmt.Errorf("lifecycle thresholds must be non-decreasing in days (dormant %d, archived %d, expired %d)",
			t.Dormant.Days, t.Archived.Days, t.Expired.Days)
	}
	if t.RetentionDays <= 0 {
		return fmt.Errorf("lifecycle.retention_days must be greater than 0")
	}
	return nil
}

// Decision is the outcome of evaluating one memory.
type Decision struct {
	Memory       models.Memory
	From         models.LifecycleState
	To           models.LifecycleState
	Transitioned bool // one transition-table row applied
	Reactivated  bool // access moved DORMANT/ARCHIVED back to ACTIVE
	DecayChanged bool
	Normalized   bool // state corrected to match the permanent condition
	Exempt       bool // permanent memory
	Accessed     bool // access metadata refreshed
}

// Changed reports whether the record must be written back.
func (d Decision) Changed() bool {
	return d.Transitioned || d.Reactivated || d.DecayChanged || d.Normalized || d.Accessed
}

// Manager applies the lifecycle state machine.
type Manager struct {
	scorer     *decay.Scorer
	thresholds Thresholds
	metrics    *metrics.Manager
	logger     *slog.Logger

	reactivations atomic.Int64
}

// NewManager creates a lifecycle manager. A nil scorer uses the default decay constants.
func NewManager(scorer *decay.Scorer, thresholds Thresholds, m *metrics.Manager, logger *slog.Logger) *Manager {
	if scorer == nil {
		scorer = decay.DefaultScorer()
	}
	return &Manager{
		scorer:     scorer,
		thresholds: thresholds,
		metrics:    m,
		logger:     logger,
	}
}

// Thresholds returns the configured transition table.
func (m *Manager) Thresholds() Thresholds {
	return m.thresholds
}

// Evaluate re-scores a memory and applies at most one transition-table row.
// It has no side effects; callers persist the result and then call Applied.
func (m *Manager) Evaluate(mem models.Memory, now time.Time) Decision {
	out := mem.Clone()
	d := Decision{From: mem.LifecycleState, To: mem.LifecycleState}

	// Soft-deleted records are only handled by the purge step.
	if mem.LifecycleState == models.StateSoftDeleted {
		d.Memory = out
		return d
	}

	if mem.IsPermanent() {
		d.Exempt = true
		out.DecayScore = 0
		out.LifecycleState = models.StatePermanent
		d.DecayChanged = mem.DecayScore != 0
		d.Normalized = mem.LifecycleState != models.StatePermanent
		d.To = out.LifecycleState
		d.Memory = out
		return d
	}

	// A record flagged permanent that no longer qualifies (e.g. reclassified) re-enters as ACTIVE.
	if out.LifecycleState == models.StatePermanent {
		out.LifecycleState = models.StateActive
		d.Normalized = true
	}

	inactiveDays := mem.InactiveFor(now).Hours() / 24
	score := m.scorer.Score(inactiveDays, mem.Stability, mem.Importance)
	out.DecayScore = score
	d.DecayChanged = math.Abs(score-mem.DecayScore) > scoreEpsilon

	next, ok := m.nextState(out.LifecycleState, inactiveDays, score, mem.Importance)
	if ok {
		out.LifecycleState = next
		d.Transitioned = true
		if next == models.StateSoftDeleted && out.SoftDeletedAt == nil {
			t := now
			out.SoftDeletedAt = &t
		}
	}

	d.To = out.LifecycleState
	d.Memory = out
	return d
}

// nextState returns the single state a record advances to, if any.
func (m *Manager) nextState(state models.LifecycleState, inactiveDays, score float64, importance int) (models.LifecycleState, bool) {
	switch state {
	case models.StateActive:
		if m.thresholds.Dormant.matches(inactiveDays, score, importance) {
			return models.StateDormant, true
		}
	case models.StateDormant:
		if m.thresholds.Archived.matches(inactiveDays, score, importance) {
			return models.StateArchived, true
		}
	case models.StateArchived:
		if m.thresholds.Expired.matches(inactiveDays, score, importance) {
			return models.StateExpired, true
		}
	case models.StateExpired:
		return models.StateSoftDeleted, true
	}
	return state, false
}

// OnAccess applies the access rule: DORMANT and ARCHIVED memories jump straight
// back to ACTIVE with zero decay. ACTIVE and PERMANENT memories are refreshed.
// EXPIRED and SOFT_DELETED memories are left untouched.
func (m *Manager) OnAccess(mem models.Memory, now time.Time) Decision {
	out := mem.Clone()
	d := Decision{From: mem.LifecycleState, To: mem.LifecycleState}

	switch {
	case mem.LifecycleState == models.StateExpired || mem.LifecycleState == models.StateSoftDeleted:
		d.Memory = out
		return d
	case mem.IsPermanent():
		d.Exempt = true
		d.Normalized = mem.LifecycleState != models.StatePermanent
		out.LifecycleState = models.StatePermanent
	case mem.LifecycleState.Reactivatable():
		out.LifecycleState = models.StateActive
		d.Reactivated = true
	case mem.LifecycleState == models.StatePermanent:
		out.LifecycleState = models.StateActive
		d.Normalized = true
	}

	d.DecayChanged = out.DecayScore != 0
	out.DecayScore = 0
	out.LastAccessedAt = now
	out.AccessCount++
	d.Accessed = true
	d.To = out.LifecycleState
	d.Memory = out
	return d
}

// ShouldPurge reports whether a soft-deleted memory is past retention.
func (m *Manager) ShouldPurge(mem models.Memory, now time.Time) bool {
	if mem.LifecycleState != models.StateSoftDeleted || mem.SoftDeletedAt == nil {
		return false
	}
	retention := time.Duration(m.thresholds.RetentionDays) * 24 * time.Hour
	return now.Sub(*mem.SoftDeletedAt) >= retention
}

// Applied records a persisted decision in metrics and counters.
func (m *Manager) Applied(d Decision) {
	if d.Transitioned {
		m.metrics.RecordTransition(string(d.From), string(d.To))
		m.logger.Debug("lifecycle transition", "id", d.Memory.ID, "from", d.From, "to", d.To, "decay_score", d.Memory.DecayScore)
	}
	if d.Reactivated {
		m.reactivations.Add(1)
		m.metrics.RecordReactivation()
		m.metrics.RecordTransition(string(d.From), string(d.To))
		m.logger.Info("memory reactivated", "id", d.Memory.ID, "from", d.From)
	}
}

// Reactivations returns the lifetime count of access-driven reactivations.
func (m *Manager) Reactivations() int64 {
	return m.reactivations.Load()
}
