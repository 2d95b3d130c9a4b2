package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// initMaintenanceMetrics initializes maintenance-run metrics.
func (m *Manager) initMaintenanceMetrics(cfg Config) {
	m.maintenanceRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_runs_total",
			Help:      "Total number of maintenance runs by status",
		},
		[]string{"status"},
	)

	m.maintenanceDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "maintenance_duration_seconds",
			Help:      "Maintenance run duration in seconds",
			Buckets:   cfg.MaintenanceDurationBuckets,
		},
	)

	m.decayScoresUpdated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decay_scores_updated_total",
		Help:      "Total number of decay scores written by maintenance",
	})

	m.softDeletedPurged = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "soft_deleted_purged_total",
		Help:      "Total number of soft-deleted memories purged after retention",
	})

	m.persistFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "record_persist_failures_total",
		Help:      "Records skipped by maintenance after exhausting persist retries",
	})

	m.registry.MustRegister(m.maintenanceRuns)
	m.registry.MustRegister(m.maintenanceDuration)
	m.registry.MustRegister(m.decayScoresUpdated)
	m.registry.MustRegister(m.softDeletedPurged)
	m.registry.MustRegister(m.persistFailures)
}

// RecordMaintenanceRun records the outcome and duration of a finalized run.
func (m *Manager) RecordMaintenanceRun(status string, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	m.maintenanceRuns.WithLabelValues(status).Inc()
	m.maintenanceDuration.Observe(duration.Seconds())
}

// AddDecayScoresUpdated adds n persisted decay-score updates.
func (m *Manager) AddDecayScoresUpdated(n int) {
	if !m.Enabled() || n <= 0 {
		return
	}
	m.decayScoresUpdated.Add(float64(n))
}

// AddSoftDeletedPurged adds n purged records.
func (m *Manager) AddSoftDeletedPurged(n int) {
	if !m.Enabled() || n <= 0 {
		return
	}
	m.softDeletedPurged.Add(float64(n))
}

// RecordPersistFailure counts one record skipped after retries.
func (m *Manager) RecordPersistFailure() {
	if !m.Enabled() {
		return
	}
	m.persistFailures.Inc()
}
