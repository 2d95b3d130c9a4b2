package models

import (
	"fmt"
	"math"
	"time"
)

// LifecycleState is the retention state of a memory.
type LifecycleState string

const (
	StateActive      LifecycleState = "ACTIVE"
	StateDormant     LifecycleState = "DORMANT"
	StateArchived    LifecycleState = "ARCHIVED"
	StateExpired     LifecycleState = "EXPIRED"
	StateSoftDeleted LifecycleState = "SOFT_DELETED"
	StatePermanent   LifecycleState = "PERMANENT"
)

// ValidLifecycleStates is the set of all lifecycle states, in progression order.
var ValidLifecycleStates = []LifecycleState{
	StateActive,
	StateDormant,
	StateArchived,
	StateExpired,
	StateSoftDeleted,
	StatePermanent,
}

// IsValid returns true if the lifecycle state is recognized.
func (s LifecycleState) IsValid() bool {
	for _, v := range ValidLifecycleStates {
		if s == v {
			return true
		}
	}
	return false
}

// Reactivatable reports whether an access moves a memory in this state back to ACTIVE.
func (s LifecycleState) Reactivatable() bool {
	return s == StateDormant || s == StateArchived
}

// Importance and stability bounds. Both are classifier-assigned on a 1-5 scale.
const (
	MinLevel = 1
	MaxLevel = 5

	// DefaultImportance and DefaultStability are used when the classifier is unavailable.
	DefaultImportance = 3
	DefaultStability  = 3

	// permanentLevel is the minimum importance and stability of a permanent memory.
	permanentLevel = 4
)

// IsPermanent reports whether the importance/stability pair qualifies as a permanent memory.
func IsPermanent(importance, stability int) bool {
	return importance >= permanentLevel && stability >= permanentLevel
}

// Memory is the unit aged, transitioned and ranked by the lifecycle engine.
type Memory struct {
	ID             string         `json:"id"`
	Content        string         `json:"content"`
	Source         string         `json:"source,omitempty"`
	Importance     int            `json:"importance"`
	Stability      int            `json:"stability"`
	DecayScore     float64        `json:"decay_score"`
	LifecycleState LifecycleState `json:"lifecycle_state"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	LastAccessedAt time.Time      `json:"last_accessed_at"`
	SoftDeletedAt  *time.Time     `json:"soft_deleted_at,omitempty"`
	AccessCount    int64          `json:"access_count"`

	// Version is bumped by the store on every write and used for optimistic concurrency.
	Version int64 `json:"version"`
}

// IsPermanent reports whether the memory qualifies as permanent.
func (m *Memory) IsPermanent() bool {
	return IsPermanent(m.Importance, m.Stability)
}

// InactiveFor returns the time elapsed since the memory was last accessed.
// Memories that were never accessed are measured from CreatedAt.
func (m *Memory) InactiveFor(now time.Time) time.Duration {
	ref := m.LastAccessedAt
	if ref.IsZero() {
		ref = m.CreatedAt
	}
	d := now.Sub(ref)
	if d < 0 {
		return 0
	}
	return d
}

// HasScoringData reports whether the memory carries usable importance and decay values.
func (m *Memory) HasScoringData() bool {
	if m.Importance < MinLevel || m.Importance > MaxLevel {
		return false
	}
	if math.IsNaN(m.DecayScore) || m.DecayScore < 0 || m.DecayScore > 1 {
		return false
	}
	return true
}

// Validate checks the record invariants that the lifecycle engine depends on.
func (m *Memory) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("memory: id must not be empty")
	}
	if m.Importance < MinLevel || m.Importance > MaxLevel {
		return fmt.Errorf("memory %s: importance %d out of range [%d,%d]", m.ID, m.Importance, MinLevel, MaxLevel)
	}
	if m.Stability < MinLevel || m.Stability > MaxLevel {
		return fmt.Errorf("memory %s: stability %d out of range [%d,%d]", m.ID, m.Stability, MinLevel, MaxLevel)
	}
	if m.DecayScore < 0 || m.DecayScore > 1 || math.IsNaN(m.DecayScore) {
		return fmt.Errorf("memory %s: decay_score %v out of range [0,1]", m.ID, m.DecayScore)
	}
	if !m.LifecycleState.IsValid() {
		return fmt.Errorf("memory %s: unknown lifecycle_state %q", m.ID, m.LifecycleState)
	}
	return nil
}

// Clone returns a deep copy of the memory.
func (m Memory) Clone() Memory {
	if m.SoftDeletedAt != nil {
		t := *m.SoftDeletedAt
		m.SoftDeletedAt = &t
	}
	return m
}

// SearchResult wraps a Memory with its semantic similarity score in [0,1].
type SearchResult struct {
	Memory Memory  `json:"memory"`
	Score  float64 `json:"score"`
}

// RankedResult wraps a Memory with its weighted ranking breakdown.
type RankedResult struct {
	Memory          Memory  `json:"memory"`
	SimilarityScore float64 `json:"similarity_score"`
	RecencyScore    float64 `json:"recency_score"`
	ImportanceScore float64 `json:"importance_score"`
	FinalScore      float64 `json:"final_score"`
	Degraded        bool    `json:"degraded,omitempty"`
}

// CollectionStats holds aggregate statistics about the stored memories.
// Averages cover every record that is not SOFT_DELETED.
type CollectionStats struct {
	TotalMemories int64                    `json:"total_memories"`
	ByState       map[LifecycleState]int64 `json:"by_state"`
	AvgDecayScore float64                  `json:"avg_decay_score"`
	AvgImportance float64                  `json:"avg_importance"`
	AvgStability  float64                  `json:"avg_stability"`
}

// NewCollectionStats returns stats with every lifecycle state present at zero.
func NewCollectionStats() *CollectionStats {
	byState := make(map[LifecycleState]int64, len(ValidLifecycleStates))
	for _, s := range ValidLifecycleStates {
		byState[s] = 0
	}
	return &CollectionStats{ByState: byState}
}
