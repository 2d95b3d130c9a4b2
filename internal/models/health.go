package models

import "time"

// HealthStatus is the read-only snapshot exposed on the health surface.
type HealthStatus struct {
	Maintenance  MaintenanceHealth `json:"maintenance"`
	MemoryCounts MemoryCounts      `json:"memory_counts"`
	DecayMetrics DecayMetrics      `json:"decay_metrics"`
	GeneratedAt  time.Time         `json:"generated_at"`

	// Stale is set when the store could not be reached and counts are the last known-good values.
	Stale bool `json:"stale,omitempty"`
}

// MaintenanceHealth summarizes the last finalized maintenance run.
type MaintenanceHealth struct {
	LastRunAt           *time.Time `json:"last_run_at"`
	LastDurationSeconds float64    `json:"last_duration_seconds"`
	LastRunStatus       RunStatus  `json:"last_run_status,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	Running             bool       `json:"running"`
}

// MemoryCounts holds record counts. Total excludes SOFT_DELETED.
type MemoryCounts struct {
	Total   int64                    `json:"total"`
	ByState map[LifecycleState]int64 `json:"by_state"`
}

// DecayMetrics holds collection-wide averages.
type DecayMetrics struct {
	AvgDecayScore float64 `json:"avg_decay_score"`
	AvgImportance float64 `json:"avg_importance"`
	AvgStability  float64 `json:"avg_stability"`
}
