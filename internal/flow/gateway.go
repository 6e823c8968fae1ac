package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Completion receives the terminal outcome of a Start call. The gateway
// invokes it exactly once.
type Completion func(Outcome)

// Descriptor describes one flow request. The correlation token is the
// gateway's own, fixed per flow kind.
type Descriptor struct {
	Method     string
	Parameters map[string]any
}

// Adapter builds a provider-specific request from a descriptor's parameters.
type Adapter interface {
	Build(method string, params map[string]any) (any, error)
}

// AdapterFunc adapts a plain function to Adapter.
type AdapterFunc func(method string, params map[string]any) (any, error)

// Build calls f.
func (f AdapterFunc) Build(method string, params map[string]any) (any, error) {
	return f(method, params)
}

// DetachPolicy controls what happens to a pending flow whose container detaches.
type DetachPolicy int

const (
	// DetachKeepWaiting leaves the flow pending; a late signal is still honored.
	DetachKeepWaiting DetachPolicy = iota
	// DetachCancelPending fails the pending flow with ErrContextDetached.
	DetachCancelPending
)

// ParseDetachPolicy parses "keep_waiting" (default for "") or "cancel_pending".
func ParseDetachPolicy(s string) (DetachPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "keep_waiting":
		return DetachKeepWaiting, nil
	case "cancel_pending":
		return DetachCancelPending, nil
	default:
		return DetachKeepWaiting, fmt.Errorf("unknown detach policy %q", s)
	}
}

func (p DetachPolicy) String() string {
	if p == DetachCancelPending {
		return "cancel_pending"
	}
	return "keep_waiting"
}

// Observer is notified of flow lifecycle transitions. Implementations must
// not block.
type Observer interface {
	FlowStarted(info PendingInfo)
	FlowCompleted(info PendingInfo, out Outcome, completedAt time.Time)
}

// Config configures a Gateway.
type Config struct {
	Name     string
	Token    Token
	Adapter  Adapter
	Decode   SuccessDecoder
	OnDetach DetachPolicy
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithMetrics records gateway metrics. A nil m is ignored.
func WithMetrics(m *Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithTracer emits one span per flow, from launch to outcome.
func WithTracer(t trace.Tracer) Option {
	return func(g *Gateway) { g.tracer = t }
}

// WithObserver adds a lifecycle observer.
func WithObserver(o Observer) Option {
	return func(g *Gateway) {
		if o != nil {
			g.observers = append(g.observers, o)
		}
	}
}

// SpanPrefix prefixes the name of every flow lifecycle span.
const SpanPrefix = "flow."

// Gateway coordinates one flow kind. It owns the pending slot and is its
// only mutator.
type Gateway struct {
	name    string
	token   Token
	tracker *Tracker
	adapter Adapter
	decode  SuccessDecoder
	policy  DetachPolicy

	logger    *slog.Logger
	metrics   *Metrics
	tracer    trace.Tracer
	observers []Observer

	mu   sync.Mutex
	slot pendingSlot
}

// NewGateway creates a gateway bound to tracker.
func NewGateway(cfg Config, tracker *Tracker, logger *slog.Logger, opts ...Option) *Gateway {
	if tracker == nil {
		tracker = NewTracker()
	}
	if logger == nil {
		logger = slog.Default()
	}
	adapter := cfg.Adapter
	if adapter == nil {
		adapter = AdapterFunc(func(_ string, params map[string]any) (any, error) { return params, nil })
	}
	g := &Gateway{
		name:    cfg.Name,
		token:   cfg.Token,
		tracker: tracker,
		adapter: adapter,
		decode:  cfg.Decode,
		policy:  cfg.OnDetach,
		logger:  logger.With(slog.String("gateway", cfg.Name)),
	}
	for _, opt := range opts {
		opt(g)
	}
	tracker.Subscribe(g.onLifecycle)
	return g
}

// Name returns the gateway name.
func (g *Gateway) Name() string { return g.name }

// Token returns the correlation token this gateway answers to.
func (g *Gateway) Token() Token { return g.token }

// Policy returns the configured detach policy.
func (g *Gateway) Policy() DetachPolicy { return g.policy }

// Pending reports the in-flight flow, if any.
func (g *Gateway) Pending() (PendingInfo, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.slot.info, g.slot.occupied
}

// Start launches a flow for d. It never blocks for the duration of the flow:
// done is either invoked synchronously with a failure, or later with the
// decoded outcome of the matching signal.
func (g *Gateway) Start(ctx context.Context, d Descriptor, done Completion) {
	done = onceCompletion(done)

	container, ok := g.tracker.Active()
	if !ok {
		g.reject(d, "no_active_context", ErrNoActiveContext, done)
		return
	}

	g.mu.Lock()
	if g.slot.occupied {
		running := g.slot.info.FlowID
		g.mu.Unlock()
		g.logger.Warn("flow rejected, another flow is pending",
			slog.String("method", d.Method),
			slog.String("pending_flow_id", running),
		)
		g.reject(d, "in_progress", ErrFlowInProgress, done)
		return
	}

	info := PendingInfo{
		FlowID:      uuid.New().String(),
		Gateway:     g.name,
		Token:       g.token,
		Method:      d.Method,
		ContainerID: container.ID(),
		StartedAt:   time.Now().UTC(),
	}
	var span trace.Span
	if g.tracer != nil {
		ctx, span = g.tracer.Start(ctx, SpanPrefix+g.name,
			trace.WithAttributes(
				attribute.String("flow.id", info.FlowID),
				attribute.String("flow.method", d.Method),
				attribute.String("flow.request_code", g.token.String()),
				attribute.String("flow.container_id", info.ContainerID),
			))
	}
	gen := g.slot.occupy(info, done, span)
	g.mu.Unlock()

	g.metrics.started(g.name, d.Method)
	for _, o := range g.observers {
		o.FlowStarted(info)
	}

	req, err := g.adapter.Build(d.Method, d.Parameters)
	if err != nil {
		g.abort(gen, ErrInvalidInput, err.Error())
		return
	}

	if err := container.Launch(ctx, LaunchRequest{
		FlowID:  info.FlowID,
		Token:   g.token,
		Method:  d.Method,
		Request: req,
	}); err != nil {
		g.abort(gen, ErrLaunchFailed, err.Error())
		return
	}

	g.logger.Info("flow launched",
		slog.String("flow_id", info.FlowID),
		slog.String("method", d.Method),
		slog.String("request_code", g.token.String()),
		slog.String("container_id", info.ContainerID),
	)
}

// OnOutcome handles a completion signal. It returns false, leaving the slot
// untouched, when the slot is empty or code is not this gateway's token.
func (g *Gateway) OnOutcome(code Token, sig RawSignal) bool {
	if code != g.token {
		return false
	}

	g.mu.Lock()
	if !g.slot.occupied {
		g.mu.Unlock()
		return false
	}
	p := g.slot.take()
	g.mu.Unlock()

	g.finish(p, Decode(sig, g.decode))
	return true
}

func (g *Gateway) reject(d Descriptor, reason string, err error, done Completion) {
	g.metrics.rejected(g.name, reason)
	g.logger.Debug("flow start rejected",
		slog.String("method", d.Method),
		slog.String("reason", reason),
	)
	done(Failed(err, ""))
}

// abort releases occupation gen, if still held, with a failure.
func (g *Gateway) abort(gen uint64, err error, reason string) {
	g.mu.Lock()
	p, ok := g.slot.takeIf(gen)
	g.mu.Unlock()
	if !ok {
		return
	}
	g.logger.Warn("flow aborted before launch",
		slog.String("flow_id", p.info.FlowID),
		slog.String("method", p.info.Method),
		slog.String("error", reason),
	)
	g.finish(p, Failed(err, reason))
}

// finish runs with the slot already emptied, so a completion that calls
// Start again sees an empty slot.
func (g *Gateway) finish(p pendingSlot, out Outcome) {
	now := time.Now().UTC()
	elapsed := now.Sub(p.info.StartedAt)

	g.metrics.completed(g.name, out.Kind, elapsed.Seconds())

	if p.span != nil {
		p.span.SetAttributes(attribute.String("flow.outcome", out.Kind.String()))
		if out.Kind == KindFailure {
			p.span.SetStatus(codes.Error, out.Reason)
		}
		p.span.End()
	}

	for _, o := range g.observers {
		o.FlowCompleted(p.info, out, now)
	}

	attrs := []any{
		slog.String("flow_id", p.info.FlowID),
		slog.String("method", p.info.Method),
		slog.String("outcome", out.Kind.String()),
		slog.Duration("elapsed", elapsed),
	}
	if out.Kind == KindFailure {
		attrs = append(attrs, slog.String("reason", out.Reason))
	}
	g.logger.Info("flow completed", attrs...)

	if p.done != nil {
		p.done(out)
	}
}

func (g *Gateway) onLifecycle(ev LifecycleEvent) {
	if ev.Type != EventDetached {
		return
	}

	g.mu.Lock()
	if !g.slot.occupied || g.slot.info.ContainerID != ev.ContainerID {
		g.mu.Unlock()
		return
	}
	if g.policy != DetachCancelPending {
		flowID := g.slot.info.FlowID
		g.mu.Unlock()
		g.logger.Warn("container detached while flow pending, still waiting for its signal",
			slog.String("flow_id", flowID),
			slog.String("container_id", ev.ContainerID),
		)
		return
	}
	p := g.slot.take()
	g.mu.Unlock()

	g.finish(p, Failed(ErrContextDetached, ""))
}

func onceCompletion(done Completion) Completion {
	var once sync.Once
	return func(out Outcome) {
		once.Do(func() {
			if done != nil {
				done(out)
			}
		})
	}
}
