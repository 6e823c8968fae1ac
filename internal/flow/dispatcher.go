package flow

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrDuplicateToken is returned when two receivers claim the same token.
var ErrDuplicateToken = errors.New("correlation token already registered")

// Receiver handles completion signals for one correlation token.
type Receiver interface {
	Token() Token
	OnOutcome(code Token, sig RawSignal) bool
}

// Dispatcher routes completion signals to the receiver whose token matches.
// It is the single entry point for signals from every container.
type Dispatcher struct {
	mu        sync.RWMutex
	receivers map[Token]Receiver
	logger    *slog.Logger
	metrics   *Metrics
}

// NewDispatcher creates an empty dispatcher. metrics may be nil.
func NewDispatcher(logger *slog.Logger, metrics *Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		receivers: make(map[Token]Receiver),
		logger:    logger,
		metrics:   metrics,
	}
}

// Register adds r. Tokens must be disjoint across receivers.
func (d *Dispatcher) Register(r Receiver) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tok := r.Token()
	if _, ok := d.receivers[tok]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateToken, tok)
	}
	d.receivers[tok] = r
	return nil
}

// Dispatch delivers sig to the matching receiver and reports whether it was
// handled.
func (d *Dispatcher) Dispatch(sig RawSignal) bool {
	d.mu.RLock()
	r, ok := d.receivers[sig.RequestCode]
	d.mu.RUnlock()

	if ok && r.OnOutcome(sig.RequestCode, sig) {
		return true
	}

	d.metrics.unhandled()
	d.logger.Warn("unhandled completion signal",
		slog.String("request_code", sig.RequestCode.String()),
		slog.String("status", sig.Status.String()),
	)
	return false
}
