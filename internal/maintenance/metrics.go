package maintenance

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the maintenance jobs.
type Metrics struct {
	JobRuns     *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers maintenance metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowgate",
			Subsystem: "maintenance",
			Name:      "job_runs_total",
			Help:      "Total maintenance job runs by job and status.",
		}, []string{"job", "status"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowgate",
			Subsystem: "maintenance",
			Name:      "job_duration_seconds",
			Help:      "Duration of each maintenance job run.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"job"}),
	}

	reg.MustRegister(m.JobRuns, m.JobDuration)
	return m
}

func (m *Metrics) observe(job string, seconds float64, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.JobRuns.WithLabelValues(job, status).Inc()
	m.JobDuration.WithLabelValues(job).Observe(seconds)
}
