package correlation

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/oncall/internal/alert"
)

// Metrics holds Prometheus metrics for alert ingestion.
type Metrics struct {
	AlertsTotal   *prometheus.CounterVec
	IngestSeconds prometheus.Histogram
	LockWait      prometheus.Histogram
	IngestErrors  prometheus.Counter
}

// NewMetrics registers and returns ingestion metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oncall_alerts_ingested_total",
			Help: "Alerts ingested by severity and outcome (created, correlated, duplicate).",
		}, []string{"severity", "outcome"}),
		IngestSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "oncall_alert_ingest_duration_seconds",
			Help:    "End to end alert ingestion latency.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		LockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "oncall_alert_lock_wait_seconds",
			Help:    "Time spent waiting for the correlation key lock.",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}),
		IngestErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oncall_alert_ingest_errors_total",
			Help: "Alert ingestions that failed.",
		}),
	}
	reg.MustRegister(m.AlertsTotal, m.IngestSeconds, m.LockWait, m.IngestErrors)
	return m
}

func (m *Metrics) ingested(sev alert.Severity, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.AlertsTotal.WithLabelValues(string(sev), outcome).Inc()
	m.IngestSeconds.Observe(seconds)
}

func (m *Metrics) waited(seconds float64) {
	if m == nil {
		return
	}
	m.LockWait.Observe(seconds)
}

func (m *Metrics) failed() {
	if m == nil {
		return
	}
	m.IngestErrors.Inc()
}
