// Package health builds the read-only status snapshot of the lifecycle engine.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/madeinoz67/madeinoz-knowledge-system/internal/metrics"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/models"
)

// RunSource exposes the scheduler's last finalized run.
type RunSource interface {
	LastRun() *models.MaintenanceRun
	Running() bool
}

// StatsSource supplies aggregate statistics.
type StatsSource interface {
	Stats(ctx context.Context) (*models.CollectionStats, error)
}

// Reporter assembles HealthStatus snapshots. It never writes to the store.
type Reporter struct {
	runs    RunSource
	stats   StatsSource
	metrics *metrics.Manager
	logger  *slog.Logger
	now     func() time.Time

	mu          sync.RWMutex
	lastGood    *models.CollectionStats
	seeded      *models.MaintenanceRun
	lastSuccess *time.Time
}

// NewReporter creates a health reporter.
func NewReporter(runs RunSource, stats StatsSource, m *metrics.Manager, logger *slog.Logger) *Reporter {
	return &Reporter{
		runs:    runs,
		stats:   stats,
		metrics: m,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Seed supplies a run recorded before this process started. It is reported
// until the scheduler finalizes its first run.
func (r *Reporter) Seed(run models.MaintenanceRun) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seeded = &run
	r.noteSuccess(run)
}

// Observe is registered as a scheduler observer. It tracks the last
// successful run and refreshes the gauges.
func (r *Reporter) Observe(run models.MaintenanceRun) {
	r.mu.Lock()
	r.noteSuccess(run)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, _ = r.counts(ctx)
}

func (r *Reporter) noteSuccess(run models.MaintenanceRun) {
	if run.Status != models.RunSuccess {
		return
	}
	t := run.StartedAt
	if r.lastSuccess == nil || t.After(*r.lastSuccess) {
		r.lastSuccess = &t
	}
}

// Snapshot returns the current health status. When the store cannot be
// reached the last known-good counts are returned with Stale set.
func (r *Reporter) Snapshot(ctx context.Context) models.HealthStatus {
	status := models.HealthStatus{GeneratedAt: r.now()}

	last := r.runs.LastRun()
	r.mu.RLock()
	if last == nil && r.seeded != nil {
		cp := *r.seeded
		last = &cp
	}
	if r.lastSuccess != nil {
		t := *r.lastSuccess
		status.Maintenance.LastSuccessAt = &t
	}
	r.mu.RUnlock()

	if last != nil {
		started := last.StartedAt
		status.Maintenance.LastRunAt = &started
		status.Maintenance.LastDurationSeconds = last.DurationSeconds
		status.Maintenance.LastRunStatus = last.Status
	}
	status.Maintenance.Running = r.runs.Running()

	stats, fresh := r.counts(ctx)
	status.Stale = !fresh
	status.MemoryCounts = models.MemoryCounts{
		Total:   stats.TotalMemories,
		ByState: stats.ByState,
	}
	status.DecayMetrics = models.DecayMetrics{
		AvgDecayScore: stats.AvgDecayScore,
		AvgImportance: stats.AvgImportance,
		AvgStability:  stats.AvgStability,
	}
	return status
}

// counts fetches fresh stats and updates the gauges, or falls back to the
// last known-good values. The bool reports whether the stats are fresh.
func (r *Reporter) counts(ctx context.Context) (*models.CollectionStats, bool) {
	stats, err := r.stats.Stats(ctx)
	if err == nil {
		r.publish(stats)
		r.mu.Lock()
		r.lastGood = stats
		r.mu.Unlock()
		return stats, true
	}

	r.logger.Warn("memory stats unavailable, serving last known values", "error", err)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.lastGood != nil {
		return r.lastGood, false
	}
	return models.NewCollectionStats(), false
}

func (r *Reporter) publish(stats *models.CollectionStats) {
	for _, st := range models.ValidLifecycleStates {
		r.metrics.SetStateCount(string(st), float64(stats.ByState[st]))
	}
	r.metrics.SetAverages(stats.AvgDecayScore, stats.AvgImportance, stats.AvgStability)
}
