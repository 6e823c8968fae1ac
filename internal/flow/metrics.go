package flow

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for flow gateways and the dispatcher.
type Metrics struct {
	Started   *prometheus.CounterVec
	Rejected  *prometheus.CounterVec
	Completed *prometheus.CounterVec
	Duration  *prometheus.HistogramVec
	Pending   *prometheus.GaugeVec
	Unhandled prometheus.Counter
}

// NewMetrics creates and registers flow metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowgate",
			Subsystem: "flow",
			Name:      "started_total",
			Help:      "Total flows launched on a presentation surface.",
		}, []string{"gateway", "method"}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowgate",
			Subsystem: "flow",
			Name:      "rejected_total",
			Help:      "Total start requests rejected before launch.",
		}, []string{"gateway", "reason"}),
		Completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowgate",
			Subsystem: "flow",
			Name:      "completed_total",
			Help:      "Total flows completed, by outcome kind.",
		}, []string{"gateway", "outcome"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowgate",
			Subsystem: "flow",
			Name:      "duration_seconds",
			Help:      "Time from launch to terminal outcome.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"gateway"}),
		Pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "flowgate",
			Subsystem: "flow",
			Name:      "pending",
			Help:      "1 while a gateway holds an in-flight flow.",
		}, []string{"gateway"}),
		Unhandled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowgate",
			Subsystem: "flow",
			Name:      "unhandled_signals_total",
			Help:      "Completion signals no gateway claimed.",
		}),
	}

	reg.MustRegister(
		m.Started,
		m.Rejected,
		m.Completed,
		m.Duration,
		m.Pending,
		m.Unhandled,
	)

	return m
}

func (m *Metrics) started(gateway, method string) {
	if m == nil {
		return
	}
	m.Started.WithLabelValues(gateway, method).Inc()
	m.Pending.WithLabelValues(gateway).Set(1)
}

func (m *Metrics) rejected(gateway, reason string) {
	if m == nil {
		return
	}
	m.Rejected.WithLabelValues(gateway, reason).Inc()
}

func (m *Metrics) completed(gateway string, kind Kind, seconds float64) {
	if m == nil {
		return
	}
	m.Completed.WithLabelValues(gateway, kind.String()).Inc()
	m.Duration.WithLabelValues(gateway).Observe(seconds)
	m.Pending.WithLabelValues(gateway).Set(0)
}

func (m *Metrics) unhandled() {
	if m == nil {
		return
	}
	m.Unhandled.Inc()
}
