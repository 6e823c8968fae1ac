package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jkaninda/flowgate/internal/flow"
)

// MetricsCollector holds all Prometheus metrics for flowgate.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Flow gateway and dispatcher metrics, registered on Registry.
	Flow *flow.Metrics

	// Presentation surface metrics.
	SurfacesConnected    prometheus.Gauge
	SurfaceMessagesTotal *prometheus.CounterVec

	// Maintenance metrics.
	StaleFlows         *prometheus.GaugeVec
	HistoryWritesTotal *prometheus.CounterVec
	HistoryPrunedTotal prometheus.Counter
	FlowAnomaliesTotal *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		SurfacesConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowgate",
			Subsystem: "surface",
			Name:      "connected",
			Help:      "Number of registered presentation surfaces.",
		}),

		SurfaceMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowgate",
			Subsystem: "surface",
			Name:      "messages_total",
			Help:      "Envelopes received from presentation surfaces.",
		}, []string{"type"}),

		StaleFlows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "flowgate",
			Subsystem: "flow",
			Name:      "stale",
			Help:      "1 while a gateway's pending flow is older than the stale threshold.",
		}, []string{"gateway"}),

		HistoryWritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowgate",
			Subsystem: "history",
			Name:      "writes_total",
			Help:      "Flow history writes.",
		}, []string{"status"}),

		HistoryPrunedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowgate",
			Subsystem: "history",
			Name:      "pruned_total",
			Help:      "Flow history records removed by retention.",
		}),

		FlowAnomaliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowgate",
			Subsystem: "flow",
			Name:      "anomalies_total",
			Help:      "Failure-rate threshold breaches.",
		}, []string{"gateway"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowgate",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowgate",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.005, 0.05, 0.25, 1, 5, 30, 120, 600},
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowgate",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		m.SurfacesConnected,
		m.SurfaceMessagesTotal,
		m.StaleFlows,
		m.HistoryWritesTotal,
		m.HistoryPrunedTotal,
		m.FlowAnomaliesTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m.Flow = flow.NewMetrics(reg)

	return m
}

// FlowMetrics returns the flow metrics, nil when m is nil.
func (m *MetricsCollector) FlowMetrics() *flow.Metrics {
	if m == nil {
		return nil
	}
	return m.Flow
}

// SetSurfacesConnected sets the connected-surface gauge to the registry size.
func (m *MetricsCollector) SetSurfacesConnected(n int) {
	if m == nil {
		return
	}
	m.SurfacesConnected.Set(float64(n))
}

// SurfaceMessage counts one received envelope.
func (m *MetricsCollector) SurfaceMessage(msgType string) {
	if m == nil {
		return
	}
	m.SurfaceMessagesTotal.WithLabelValues(msgType).Inc()
}

// SetStale records whether gateway holds a stale flow.
func (m *MetricsCollector) SetStale(gateway string, stale bool) {
	if m == nil {
		return
	}
	v := 0.0
	if stale {
		v = 1
	}
	m.StaleFlows.WithLabelValues(gateway).Set(v)
}

// HistoryWrite counts one history write by status ("ok", "error", "dropped").
func (m *MetricsCollector) HistoryWrite(status string) {
	if m == nil {
		return
	}
	m.HistoryWritesTotal.WithLabelValues(status).Inc()
}

// HistoryPruned counts removed history records.
func (m *MetricsCollector) HistoryPruned(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.HistoryPrunedTotal.Add(float64(n))
}
