package models

import "time"

// RunStatus is the outcome of a maintenance run.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial"
	RunFailure RunStatus = "failure"
)

// ValidRunStatuses lists every run outcome.
var ValidRunStatuses = []RunStatus{RunSuccess, RunPartial, RunFailure}

// RunTrigger identifies what started a maintenance run.
type RunTrigger string

const (
	TriggerScheduled RunTrigger = "scheduled"
	TriggerManual    RunTrigger = "manual"
)

// MaintenanceRun is the audit record of one maintenance execution.
// It is immutable once finalized.
type MaintenanceRun struct {
	RunID              string     `json:"run_id"`
	Trigger            RunTrigger `json:"trigger"`
	StartedAt          time.Time  `json:"started_at"`
	DurationSeconds    float64    `json:"duration_seconds"`
	MemoriesProcessed  int        `json:"memories_processed"`
	StateTransitions   int        `json:"state_transitions_count"`
	DecayScoresUpdated int        `json:"decay_scores_updated"`
	SoftDeletedPurged  int        `json:"soft_deleted_purged"`
	RecordsSkipped     int        `json:"records_skipped"`
	DryRun             bool       `json:"dry_run,omitempty"`
	Status             RunStatus  `json:"status"`
	Error              string     `json:"error,omitempty"`
}

// FinishedAt returns the wall-clock end of the run.
func (r *MaintenanceRun) FinishedAt() time.Time {
	return r.StartedAt.Add(time.Duration(r.DurationSeconds * float64(time.Second)))
}
