package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManager(t *testing.T) {
	m := NewManager(DefaultConfig())
	require.NotNil(t, m)
	assert.True(t, m.Enabled())
	assert.NotNil(t, m.Registry())
}

func TestNewManager_Disabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false

	m := NewManager(cfg)
	assert.False(t, m.Enabled())
	assert.Nil(t, m.Registry())

	// Recording on a disabled manager is a no-op.
	m.RecordMaintenanceRun("success", time.Second)
	m.RecordTransition("ACTIVE", "DORMANT")
}

func TestNilManagerIsSafe(t *testing.T) {
	var m *Manager
	assert.False(t, m.Enabled())
	m.RecordReactivation()
	m.AddSoftDeletedPurged(3)
	m.SetAverages(0.1, 3, 3)
	m.RecordClassifierFallback("timeout")

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCounters(t *testing.T) {
	m := NewManager(DefaultConfig())

	m.RecordMaintenanceRun("success", 2*time.Second)
	m.RecordMaintenanceRun("partial", time.Second)
	m.RecordMaintenanceRun("success", time.Second)
	m.AddDecayScoresUpdated(5)
	m.AddDecayScoresUpdated(0)
	m.AddSoftDeletedPurged(2)
	m.RecordTransition("ACTIVE", "DORMANT")
	m.RecordReactivation()
	m.RecordRankingDegraded()
	m.RecordPersistFailure()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.maintenanceRuns.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.maintenanceRuns.WithLabelValues("partial")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.decayScoresUpdated))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.softDeletedPurged))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("ACTIVE", "DORMANT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reactivations))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rankingDegraded))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.persistFailures))
}

func TestGauges(t *testing.T) {
	m := NewManager(DefaultConfig())

	m.SetStateCount("ACTIVE", 7)
	m.SetAverages(0.25, 3.5, 2.5)

	assert.Equal(t, 7.0, testutil.ToFloat64(m.stateGauge.WithLabelValues("ACTIVE")))
	assert.Equal(t, 0.25, testutil.ToFloat64(m.avgDecay))
	assert.Equal(t, 3.5, testutil.ToFloat64(m.avgImportance))
	assert.Equal(t, 2.5, testutil.ToFloat64(m.avgStability))
}

func TestMetricsHandler(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.RecordMaintenanceRun("success", 5*time.Second)
	m.RecordTransition("DORMANT", "ARCHIVED")

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	for _, name := range []string{
		"knowledge_maintenance_runs_total",
		"knowledge_maintenance_duration_seconds",
		"knowledge_lifecycle_transitions_total",
		"knowledge_decay_scores_updated_total",
	} {
		assert.Contains(t, body, name)
	}
}
