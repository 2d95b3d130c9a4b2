// Package metrics provides Prometheus instrumentation for the lifecycle engine.
//
// All Record*/Set* methods are safe to call on a nil or disabled Manager, so
// components can take an optional *Manager without guarding every call site.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "knowledge"

// Manager owns a private Prometheus registry and every collector the engine emits.
type Manager struct {
	registry *prometheus.Registry
	enabled  bool

	// Maintenance metrics
	maintenanceRuns     *prometheus.CounterVec
	maintenanceDuration prometheus.Histogram
	decayScoresUpdated  prometheus.Counter
	softDeletedPurged   prometheus.Counter
	persistFailures     prometheus.Counter

	// Lifecycle metrics
	transitions   *prometheus.CounterVec
	reactivations prometheus.Counter
	stateGauge    *prometheus.GaugeVec
	avgDecay      prometheus.Gauge
	avgImportance prometheus.Gauge
	avgStability  prometheus.Gauge

	// Search and classification metrics
	rankingDegraded     prometheus.Counter
	classifierFallbacks *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`

	MaintenanceDurationBuckets []float64 `mapstructure:"maintenance_duration_buckets"`
}

// DefaultConfig returns the default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:                    true,
		Path:                       "/metrics",
		MaintenanceDurationBuckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	}
}

// NewManager creates a metrics manager. A disabled config yields a no-op manager.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{enabled: false}
	}
	if len(cfg.MaintenanceDurationBuckets) == 0 {
		cfg.MaintenanceDurationBuckets = DefaultConfig().MaintenanceDurationBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Manager{
		registry: registry,
		enabled:  true,
	}

	m.initMaintenanceMetrics(cfg)
	m.initLifecycleMetrics()
	m.initSearchMetrics()

	return m
}

// NoOpManager returns a manager that records nothing.
func NoOpManager() *Manager {
	return &Manager{enabled: false}
}

// Enabled returns whether metrics collection is enabled.
func (m *Manager) Enabled() bool {
	return m != nil && m.enabled
}

// Registry exposes the underlying registry, or nil when disabled.
func (m *Manager) Registry() *prometheus.Registry {
	if !m.Enabled() {
		return nil
	}
	return m.registry
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Manager) Handler() http.Handler {
	if !m.Enabled() {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Manager) initSearchMetrics() {
	m.rankingDegraded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ranking_degraded_total",
		Help:      "Search candidates ranked on semantic similarity alone because decay or importance data was missing",
	})
	m.classifierFallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "classifier_fallbacks_total",
		Help:      "Classifications that fell back to default importance and stability, by reason",
	}, []string{"reason"})

	m.registry.MustRegister(m.rankingDegraded)
	m.registry.MustRegister(m.classifierFallbacks)
}

// RecordRankingDegraded counts one candidate ranked without decay/importance data.
func (m *Manager) RecordRankingDegraded() {
	if !m.Enabled() {
		return
	}
	m.rankingDegraded.Inc()
}

// RecordClassifierFallback counts one defaulted classification.
func (m *Manager) RecordClassifierFallback(reason string) {
	if !m.Enabled() {
		return
	}
	m.classifierFallbacks.WithLabelValues(reason).Inc()
}
