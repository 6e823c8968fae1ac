package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/flowgate/internal/config"
	"github.com/jkaninda/flowgate/internal/flow"
)

// AnomalyDetector watches flow outcomes per gateway over a sliding window
// and warns when the failure rate crosses a threshold. It implements
// flow.Observer.
type AnomalyDetector struct {
	mu            sync.Mutex
	errorCounts   map[string]*slidingWindow
	successCounts map[string]*slidingWindow
	cfg           *config.AnomalyConfig
	logger        *slog.Logger
	metrics       *MetricsCollector
	now           func() time.Time
}

type slidingWindow struct {
	entries []windowEntry
	window  time.Duration
}

type windowEntry struct {
	timestamp time.Time
	value     float64
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger, metrics *MetricsCollector) *AnomalyDetector {
	if cfg == nil {
		cfg = &config.AnomalyConfig{}
	}
	return &AnomalyDetector{
		errorCounts:   make(map[string]*slidingWindow),
		successCounts: make(map[string]*slidingWindow),
		cfg:           cfg,
		logger:        logger,
		metrics:       metrics,
		now:           time.Now,
	}
}

func (a *AnomalyDetector) windowDuration() time.Duration {
	secs := a.cfg.WindowSeconds
	if secs <= 0 {
		secs = 300
	}
	return time.Duration(secs) * time.Second
}

func (a *AnomalyDetector) minSamples() float64 {
	if a.cfg.MinSamples > 0 {
		return float64(a.cfg.MinSamples)
	}
	return 5
}

// FlowStarted implements flow.Observer.
func (a *AnomalyDetector) FlowStarted(flow.PendingInfo) {}

// FlowCompleted implements flow.Observer. Cancellations count as successes:
// the user closed the UI, nothing broke.
func (a *AnomalyDetector) FlowCompleted(info flow.PendingInfo, out flow.Outcome, _ time.Time) {
	if out.Kind == flow.KindFailure && !flow.IsInputError(out.Err) {
		a.RecordError(info.Gateway)
		return
	}
	a.RecordSuccess(info.Gateway)
}

// RecordError records a failed flow for gateway.
func (a *AnomalyDetector) RecordError(gateway string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.errorCounts, gateway).add(a.now(), 1)
	a.checkErrorRate(gateway)
}

// RecordSuccess records a non-failed flow for gateway.
func (a *AnomalyDetector) RecordSuccess(gateway string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.successCounts, gateway).add(a.now(), 1)
}

// ErrorRate returns the failure rate in the current window and the sample count.
func (a *AnomalyDetector) ErrorRate(gateway string) (rate float64, total float64) {
	if a == nil {
		return 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rate(gateway)
}

// rate must be called with a.mu held.
func (a *AnomalyDetector) rate(gateway string) (float64, float64) {
	now := a.now()
	errs := a.getOrCreateWindow(a.errorCounts, gateway).sum(now)
	oks := a.getOrCreateWindow(a.successCounts, gateway).sum(now)
	total := errs + oks
	if total == 0 {
		return 0, 0
	}
	return errs / total, total
}

// checkErrorRate must be called with a.mu held.
func (a *AnomalyDetector) checkErrorRate(gateway string) {
	threshold := a.cfg.ErrorRateThreshold
	if threshold <= 0 {
		return
	}

	rate, total := a.rate(gateway)
	if total < a.minSamples() || rate <= threshold {
		return
	}

	if a.metrics != nil {
		a.metrics.FlowAnomaliesTotal.WithLabelValues(gateway).Inc()
	}
	if a.logger != nil {
		a.logger.Warn("anomaly detected: high flow failure rate",
			slog.String("gateway", gateway),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", threshold),
			slog.Float64("total", total),
		)
	}
}

func (a *AnomalyDetector) getOrCreateWindow(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.windowDuration()}
		m[key] = w
	}
	return w
}

// add appends a value and prunes expired entries.
func (w *slidingWindow) add(now time.Time, value float64) {
	w.entries = append(w.entries, windowEntry{timestamp: now, value: value})
	w.prune(now)
}

// sum returns the total value within the window.
func (w *slidingWindow) sum(now time.Time) float64 {
	w.prune(now)
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	return total
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
