package jobs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the job worker.
type Metrics struct {
	JobsTotal   *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec
}

// NewMetrics registers and returns job metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "concierge_jobs_total",
			Help: "Jobs run by kind and result.",
		}, []string{"kind", "result"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "concierge_job_duration_seconds",
			Help:    "Duration of job handler runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~20s
		}, []string{"kind"}),
	}
	reg.MustRegister(m.JobsTotal, m.JobDuration)
	return m
}

// Hooks returns WorkerHooks that record into these metrics.
func (m *Metrics) Hooks() WorkerHooks {
	return WorkerHooks{
		OnResult: func(kind, result string, dur time.Duration) {
			m.JobsTotal.WithLabelValues(kind, result).Inc()
			m.JobDuration.WithLabelValues(kind).Observe(dur.Seconds())
		},
	}
}
