package oncall

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for schedules and rotation.
type Metrics struct {
	SchedulesActive prometheus.Gauge
	OverridesActive prometheus.Gauge
	OverridesTotal  *prometheus.CounterVec
	RotationChanges *prometheus.CounterVec
	ResolveFailures *prometheus.CounterVec
	HistoryRecorded *prometheus.CounterVec
}

// NewMetrics registers and returns on-call metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SchedulesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oncall_schedules_active",
			Help: "Number of teams with an on-call schedule.",
		}),
		OverridesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oncall_overrides_active",
			Help: "Number of teams with an active override.",
		}),
		OverridesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oncall_overrides_total",
			Help: "Override changes by action (set, removed, expired).",
		}, []string{"action"}),
		RotationChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oncall_rotation_changes_total",
			Help: "Primary handoffs detected per team.",
		}, []string{"team"}),
		ResolveFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oncall_resolve_failures_total",
			Help: "On-call lookups that resolved to nobody, by reason.",
		}, []string{"reason"}),
		HistoryRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oncall_history_events_total",
			Help: "Audit history events recorded by type.",
		}, []string{"type"}),
	}
	reg.MustRegister(m.SchedulesActive, m.OverridesActive, m.OverridesTotal, m.RotationChanges, m.ResolveFailures, m.HistoryRecorded)
	return m
}

func (m *Metrics) schedules(n int) {
	if m == nil {
		return
	}
	m.SchedulesActive.Set(float64(n))
}

func (m *Metrics) overrides(n int) {
	if m == nil {
		return
	}
	m.OverridesActive.Set(float64(n))
}

func (m *Metrics) override(action string) {
	if m == nil {
		return
	}
	m.OverridesTotal.WithLabelValues(action).Inc()
}

func (m *Metrics) rotated(team string) {
	if m == nil {
		return
	}
	m.RotationChanges.WithLabelValues(team).Inc()
}

func (m *Metrics) resolveFailed(reason string) {
	if m == nil {
		return
	}
	m.ResolveFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) recorded(t HistoryType) {
	if m == nil {
		return
	}
	m.HistoryRecorded.WithLabelValues(string(t)).Inc()
}
