package escalation

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for escalations.
type Metrics struct {
	EscalationsTotal *prometheus.CounterVec
	SweepsTotal      prometheus.Counter
	SweepErrors      prometheus.Counter
	Breaching        prometheus.Gauge
}

// NewMetrics registers and returns escalation metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oncall_escalations_total",
			Help: "Escalations by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		SweepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oncall_escalation_sweeps_total",
			Help: "Completed escalation sweeps.",
		}),
		SweepErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oncall_escalation_sweep_errors_total",
			Help: "Escalation attempts that failed during a sweep.",
		}),
		Breaching: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oncall_incidents_breaching",
			Help: "Open incidents past the escalation threshold at the last sweep.",
		}),
	}
	reg.MustRegister(m.EscalationsTotal, m.SweepsTotal, m.SweepErrors, m.Breaching)
	return m
}

func (m *Metrics) escalated(r *Record) {
	if m == nil {
		return
	}
	m.EscalationsTotal.WithLabelValues(string(r.Trigger), string(r.Outcome)).Inc()
}

func (m *Metrics) swept(breaching, failed int) {
	if m == nil {
		return
	}
	m.SweepsTotal.Inc()
	m.SweepErrors.Add(float64(failed))
	m.Breaching.Set(float64(breaching))
}
