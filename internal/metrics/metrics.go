// Package metrics exposes the job lifecycle and queue counters.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/stanstork/stratum-transfer/internal/models"
)

const namespace = "stratum"

// Metrics is safe to use through a nil pointer, which records nothing.
type Metrics struct {
	submitted  *prometheus.CounterVec
	finished   *prometheus.CounterVec
	dropped    prometheus.Counter
	queueDepth prometheus.Gauge
	duration   *prometheus.HistogramVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		submitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Jobs accepted by the submission API.",
		}, []string{"kind"}),
		finished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal status in the worker.",
		}, []string{"kind", "status"}),
		dropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_dropped_total",
			Help:      "Job ids evicted from a saturated queue.",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Job ids waiting in the queue.",
		}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of job execution.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"kind"}),
	}
}

func (m *Metrics) JobSubmitted(kind models.JobKind) {
	if m == nil {
		return
	}
	m.submitted.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) JobFinished(kind models.JobKind, status models.JobStatus, took time.Duration) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(string(kind), string(status)).Inc()
	m.duration.WithLabelValues(string(kind)).Observe(took.Seconds())
}

func (m *Metrics) QueueDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
