package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/flowgate/internal/flow"
)

// WriteMetrics counts history writes by status ("ok", "error", "dropped").
// *observability.MetricsCollector satisfies it.
type WriteMetrics interface {
	HistoryWrite(status string)
}

const defaultQueueSize = 256

// writeTimeout bounds one insert so a stuck database cannot wedge the worker.
const writeTimeout = 5 * time.Second

// Recorder is a flow.Observer that persists completed flows on a background
// worker. FlowCompleted never blocks: when the queue is full the record is
// dropped and counted.
type Recorder struct {
	store   HistoryStore
	logger  *slog.Logger
	metrics WriteMetrics

	mu     sync.Mutex
	queue  chan FlowRecord
	closed bool
	wg     sync.WaitGroup
}

// NewRecorder creates a Recorder. metrics may be nil.
func NewRecorder(store HistoryStore, queueSize int, logger *slog.Logger, metrics WriteMetrics) *Recorder {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:   store,
		logger:  logger,
		metrics: metrics,
		queue:   make(chan FlowRecord, queueSize),
	}
}

// Start launches the writer goroutine. Call Stop to drain and stop it.
func (r *Recorder) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop closes the queue and waits for queued records to be written.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	r.wg.Wait()
}

// FlowStarted implements flow.Observer. Pending flows are never persisted.
func (r *Recorder) FlowStarted(flow.PendingInfo) {}

// FlowCompleted implements flow.Observer.
func (r *Recorder) FlowCompleted(info flow.PendingInfo, out flow.Outcome, completedAt time.Time) {
	rec := FlowRecord{
		ID:          info.FlowID,
		Gateway:     info.Gateway,
		Method:      info.Method,
		RequestCode: int(info.Token),
		Outcome:     out.Kind.String(),
		Reason:      out.Reason,
		ContainerID: info.ContainerID,
		StartedAt:   info.StartedAt,
		CompletedAt: completedAt,
		DurationMS:  completedAt.Sub(info.StartedAt).Milliseconds(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.drop(rec, "recorder stopped")
		return
	}
	select {
	case r.queue <- rec:
	default:
		r.drop(rec, "queue full")
	}
}

func (r *Recorder) drop(rec FlowRecord, why string) {
	r.count("dropped")
	r.logger.Warn("flow history record dropped",
		slog.String("flow_id", rec.ID),
		slog.String("gateway", rec.Gateway),
		slog.String("reason", why),
	)
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for rec := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := r.store.Record(ctx, &rec)
		cancel()
		if err != nil {
			r.count("error")
			r.logger.Error("writing flow history",
				slog.String("flow_id", rec.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		r.count("ok")
	}
}

func (r *Recorder) count(status string) {
	if r.metrics != nil {
		r.metrics.HistoryWrite(status)
	}
}

var _ flow.Observer = (*Recorder)(nil)
