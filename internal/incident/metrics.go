package incident

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/oncall/internal/alert"
)

// Metrics holds Prometheus metrics for the incident lifecycle.
type Metrics struct {
	CreatedTotal     *prometheus.CounterVec
	TransitionsTotal *prometheus.CounterVec
	RejectedTotal    *prometheus.CounterVec
	AlertsAttached   prometheus.Counter
	NotesTotal       prometheus.Counter
	MTTA             *prometheus.HistogramVec
	MTTR             *prometheus.HistogramVec
}

// NewMetrics registers and returns incident metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oncall_incidents_created_total",
			Help: "Total incidents created by severity.",
		}, []string{"severity"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oncall_incident_transitions_total",
			Help: "Total successful lifecycle transitions by event type.",
		}, []string{"event"}),
		RejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oncall_incident_transitions_rejected_total",
			Help: "Total lifecycle requests rejected as invalid, by requested status.",
		}, []string{"to"}),
		AlertsAttached: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oncall_incident_alerts_attached_total",
			Help: "Total alerts attached to an existing incident.",
		}),
		NotesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oncall_incident_notes_total",
			Help: "Total notes added to incidents.",
		}),
		MTTA: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "oncall_incident_mtta_seconds",
			Help:    "Time from incident creation to acknowledgement.",
			Buckets: prometheus.ExponentialBuckets(15, 2, 10), // 15s .. ~2h
		}, []string{"severity"}),
		MTTR: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "oncall_incident_mttr_seconds",
			Help:    "Time from incident creation to resolution.",
			Buckets: prometheus.ExponentialBuckets(60, 2, 12), // 1m .. ~34h
		}, []string{"severity"}),
	}

	reg.MustRegister(
		m.CreatedTotal,
		m.TransitionsTotal,
		m.RejectedTotal,
		m.AlertsAttached,
		m.NotesTotal,
		m.MTTA,
		m.MTTR,
	)

	return m
}

func (m *Metrics) created(sev alert.Severity) {
	if m == nil {
		return
	}
	m.CreatedTotal.WithLabelValues(string(sev)).Inc()
}

func (m *Metrics) transitioned(inc *Incident, ev EventType) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(string(ev)).Inc()
	switch ev {
	case EventAcknowledged:
		if inc.MTTASeconds != nil {
			m.MTTA.WithLabelValues(string(inc.Severity)).Observe(*inc.MTTASeconds)
		}
	case EventResolved:
		if inc.MTTRSeconds != nil {
			m.MTTR.WithLabelValues(string(inc.Severity)).Observe(*inc.MTTRSeconds)
		}
	}
}

func (m *Metrics) rejected(to Status) {
	if m == nil {
		return
	}
	m.RejectedTotal.WithLabelValues(string(to)).Inc()
}

func (m *Metrics) attached() {
	if m == nil {
		return
	}
	m.AlertsAttached.Inc()
}

func (m *Metrics) noted() {
	if m == nil {
		return
	}
	m.NotesTotal.Inc()
}
