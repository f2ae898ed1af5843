package notify

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for notification dispatch.
type Metrics struct {
	Deliveries      *prometheus.CounterVec
	DeliverySeconds *prometheus.HistogramVec
	Dropped         prometheus.Counter
	QueueDepth      prometheus.Gauge
}

// NewMetrics creates and registers notification metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oncall_notify_deliveries_total",
			Help: "Notification hand-offs by sink and status.",
		}, []string{"sink", "status"}),
		DeliverySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "oncall_notify_delivery_duration_seconds",
			Help:    "Time spent handing a notification to a sink, retries included.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"sink"}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oncall_notify_dropped_total",
			Help: "Notifications dropped because the queue was full.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oncall_notify_queue_depth",
			Help: "Notifications waiting for a worker.",
		}),
	}
	reg.MustRegister(m.Deliveries, m.DeliverySeconds, m.Dropped, m.QueueDepth)
	return m
}

func (m *Metrics) delivered(sink string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	status := string(StatusSent)
	if !ok {
		status = string(StatusFailed)
	}
	m.Deliveries.WithLabelValues(sink, status).Inc()
	m.DeliverySeconds.WithLabelValues(sink).Observe(d.Seconds())
}

func (m *Metrics) dropped() {
	if m == nil {
		return
	}
	m.Dropped.Inc()
}

func (m *Metrics) queued(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}
