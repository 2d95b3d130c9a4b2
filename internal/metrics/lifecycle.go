package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// initLifecycleMetrics initializes lifecycle-state metrics.
func (m *Manager) initLifecycleMetrics() {
	m.transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_transitions_total",
			Help:      "Lifecycle state transitions by from-state and to-state",
		},
		[]string{"from", "to"},
	)

	m.reactivations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "memory_reactivations_total",
		Help:      "Dormant or archived memories reactivated by access",
	})

	m.stateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memories_by_state",
			Help:      "Current number of memories per lifecycle state",
		},
		[]string{"state"},
	)

	m.avgDecay = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "memory_decay_score_avg",
		Help:      "Average decay score across live memories",
	})
	m.avgImportance = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "memory_importance_avg",
		Help:      "Average importance across live memories",
	})
	m.avgStability = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "memory_stability_avg",
		Help:      "Average stability across live memories",
	})

	m.registry.MustRegister(m.transitions)
	m.registry.MustRegister(m.reactivations)
	m.registry.MustRegister(m.stateGauge)
	m.registry.MustRegister(m.avgDecay)
	m.registry.MustRegister(m.avgImportance)
	m.registry.MustRegister(m.avgStability)
}

// RecordTransition counts one lifecycle transition.
func (m *Manager) RecordTransition(from, to string) {
	if !m.Enabled() {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// RecordReactivation counts one access-driven reactivation.
func (m *Manager) RecordReactivation() {
	if !m.Enabled() {
		return
	}
	m.reactivations.Inc()
}

// SetStateCount sets the gauge for one lifecycle state.
func (m *Manager) SetStateCount(state string, count float64) {
	if !m.Enabled() {
		return
	}
	m.stateGauge.WithLabelValues(state).Set(count)
}

// SetAverages sets the collection-wide average gauges.
func (m *Manager) SetAverages(decayScore, importance, stability float64) {
	if !m.Enabled() {
		return
	}
	m.avgDecay.Set(decayScore)
	m.avgImportance.Set(importance)
	m.avgStability.Set(stability)
}
