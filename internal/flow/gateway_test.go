package flow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// --- Helpers ---

type fakeContainer struct {
	id  string
	err error

	mu       sync.Mutex
	launched []LaunchRequest
}

func (c *fakeContainer) ID() string { return c.id }

func (c *fakeContainer) Launch(_ context.Context, req LaunchRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.launched = append(c.launched, req)
	return nil
}

func (c *fakeContainer) launches() []LaunchRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]LaunchRequest, len(c.launched))
	copy(out, c.launched)
	return out
}

// recorder counts completion invocations.
type recorder struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (r *recorder) done(out Outcome) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, out)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outcomes)
}

func (r *recorder) last(t *testing.T) Outcome {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.outcomes) == 0 {
		t.Fatal("completion was never invoked")
	}
	return r.outcomes[len(r.outcomes)-1]
}

func newTestGateway(t *testing.T, token Token, tracker *Tracker, opts ...Option) *Gateway {
	t.Helper()
	return NewGateway(Config{Name: "test", Token: token}, tracker, nil, opts...)
}

func okSignal(token Token, payload string) RawSignal {
	return RawSignal{RequestCode: token, Status: StatusOK, Payload: json.RawMessage(payload)}
}

var dropInParams = map[string]any{
	"identityToken":  "tok_1",
	"cardEnabled":    true,
	"paypalEnabled":  false,
	"venmoEnabled":   false,
	"vaultEnabled":   false,
	"maskCardNumber": true,
}

// --- Start preconditions ---

func TestStart_NoActiveContext(t *testing.T) {
	tracker := NewTracker()
	g := newTestGateway(t, DefaultDropInToken, tracker)

	rec := &recorder{}
	g.Start(context.Background(), Descriptor{Method: "start", Parameters: dropInParams}, rec.done)

	if rec.count() != 1 {
		t.Fatalf("expected synchronous completion, got %d", rec.count())
	}
	out := rec.last(t)
	if out.Kind != KindFailure || !errors.Is(out.Err, ErrNoActiveContext) {
		t.Fatalf("expected no-active-context failure, got %+v", out)
	}
	if out.Reason != "no active presentation context" {
		t.Errorf("reason = %q", out.Reason)
	}
	if _, pending := g.Pending(); pending {
		t.Fatal("slot must stay empty")
	}

	// Attaching a context lets the next start through.
	c := &fakeContainer{id: "surface-1"}
	tracker.Attach(c)
	rec2 := &recorder{}
	g.Start(context.Background(), Descriptor{Method: "start", Parameters: dropInParams}, rec2.done)
	if rec2.count() != 0 {
		t.Fatalf("expected pending flow, got outcome %+v", rec2.last(t))
	}
	if len(c.launches()) != 1 {
		t.Fatalf("expected 1 launch, got %d", len(c.launches()))
	}
}

func TestStart_WhileOccupiedRejectsNewCaller(t *testing.T) {
	tracker := NewTracker()
	c := &fakeContainer{id: "surface-1"}
	tracker.Attach(c)
	g := newTestGateway(t, DefaultDropInToken, tracker)

	a := &recorder{}
	b := &recorder{}
	g.Start(context.Background(), Descriptor{Method: "start"}, a.done)
	g.Start(context.Background(), Descriptor{Method: "start"}, b.done)

	if b.count() != 1 || !errors.Is(b.last(t).Err, ErrFlowInProgress) {
		t.Fatalf("B should fail with ErrFlowInProgress, got %+v", b.outcomes)
	}
	if a.count() != 0 {
		t.Fatal("A must not be disturbed")
	}
	if len(c.launches()) != 1 {
		t.Fatalf("B must not launch, got %d launches", len(c.launches()))
	}

	if !g.OnOutcome(DefaultDropInToken, okSignal(DefaultDropInToken, `{"nonce":"n-a"}`)) {
		t.Fatal("A's signal must be handled")
	}
	if a.count() != 1 || a.last(t).Kind != KindSuccess {
		t.Fatalf("A should succeed once, got %+v", a.outcomes)
	}
	if a.last(t).Payload["nonce"] != "n-a" {
		t.Errorf("payload not preserved: %v", a.last(t).Payload)
	}
	if b.count() != 1 {
		t.Fatal("B must not be completed again")
	}
}

// --- OnOutcome ---

func TestOnOutcome_ForeignTokenIgnored(t *testing.T) {
	tracker := NewTracker()
	tracker.Attach(&fakeContainer{id: "s"})
	g := newTestGateway(t, DefaultDropInToken, tracker)

	rec := &recorder{}
	g.Start(context.Background(), Descriptor{Method: "start"}, rec.done)

	if g.OnOutcome(DefaultCustomToken, okSignal(DefaultCustomToken, `{}`)) {
		t.Fatal("foreign token must be unhandled")
	}
	if rec.count() != 0 {
		t.Fatal("slot must not be completed by a foreign token")
	}
	if _, pending := g.Pending(); !pending {
		t.Fatal("slot must stay occupied")
	}
}

func TestOnOutcome_EmptySlot(t *testing.T) {
	g := newTestGateway(t, DefaultDropInToken, NewTracker())
	if g.OnOutcome(DefaultDropInToken, okSignal(DefaultDropInToken, `{}`)) {
		t.Fatal("empty slot must report unhandled")
	}
}

func TestOnOutcome_ExactlyOnce(t *testing.T) {
	tracker := NewTracker()
	tracker.Attach(&fakeContainer{id: "s"})
	g := newTestGateway(t, DefaultCustomToken, tracker)

	rec := &recorder{}
	g.Start(context.Background(), Descriptor{Method: "tokenizeCreditCard"}, rec.done)

	sig := RawSignal{RequestCode: DefaultCustomToken, Status: StatusCanceled, Payload: json.RawMessage(`garbage`)}
	if !g.OnOutcome(DefaultCustomToken, sig) {
		t.Fatal("first signal must be handled")
	}
	if g.OnOutcome(DefaultCustomToken, sig) {
		t.Fatal("second signal must be unhandled")
	}
	if rec.count() != 1 {
		t.Fatalf("completion invoked %d times", rec.count())
	}
	if rec.last(t).Kind != KindCancelled {
		t.Errorf("kind = %s, want cancelled", rec.last(t).Kind)
	}
}

func TestOnOutcome_ReentrantStartSeesEmptySlot(t *testing.T) {
	tracker := NewTracker()
	c := &fakeContainer{id: "s"}
	tracker.Attach(c)
	g := newTestGateway(t, DefaultDropInToken, tracker)

	second := &recorder{}
	g.Start(context.Background(), Descriptor{Method: "start"}, func(Outcome) {
		g.Start(context.Background(), Descriptor{Method: "start"}, second.done)
	})

	g.OnOutcome(DefaultDropInToken, okSignal(DefaultDropInToken, `{"nonce":"x"}`))

	if second.count() != 0 {
		t.Fatalf("re-entrant start should be pending, got %+v", second.last(t))
	}
	if len(c.launches()) != 2 {
		t.Fatalf("expected 2 launches, got %d", len(c.launches()))
	}
}

func TestOnOutcome_FailureWithoutMessage(t *testing.T) {
	tracker := NewTracker()
	tracker.Attach(&fakeContainer{id: "s"})
	g := newTestGateway(t, DefaultDropInToken, tracker)

	rec := &recorder{}
	g.Start(context.Background(), Descriptor{Method: "start"}, rec.done)
	g.OnOutcome(DefaultDropInToken, RawSignal{RequestCode: DefaultDropInToken, Status: StatusOther})

	out := rec.last(t)
	if out.Kind != KindFailure || out.Reason == "" {
		t.Fatalf("expected failure with generic reason, got %+v", out)
	}
	if !errors.Is(out.Err, ErrFlowFailed) {
		t.Errorf("err = %v, want ErrFlowFailed", out.Err)
	}
}

// --- Launch path ---

func TestStart_LaunchCarriesToken(t *testing.T) {
	tracker := NewTracker()
	c := &fakeContainer{id: "s"}
	tracker.Attach(c)

	var gotMethod string
	g := NewGateway(Config{
		Name:  "custom",
		Token: DefaultCustomToken,
		Adapter: AdapterFunc(func(method string, params map[string]any) (any, error) {
			gotMethod = method
			return params["authorization"], nil
		}),
	}, tracker, nil)

	g.Start(context.Background(), Descriptor{
		Method:     "requestPaypalNonce",
		Parameters: map[string]any{"authorization": "auth"},
	}, nil)

	launches := c.launches()
	if len(launches) != 1 {
		t.Fatalf("expected 1 launch, got %d", len(launches))
	}
	if launches[0].Token != DefaultCustomToken {
		t.Errorf("token = %s", launches[0].Token)
	}
	if launches[0].Request != "auth" || gotMethod != "requestPaypalNonce" {
		t.Errorf("adapter output not launched: %+v", launches[0])
	}
	info, pending := g.Pending()
	if !pending || info.FlowID != launches[0].FlowID || info.ContainerID != "s" {
		t.Errorf("pending info = %+v", info)
	}
}

func TestStart_AdapterErrorReleasesSlot(t *testing.T) {
	tracker := NewTracker()
	c := &fakeContainer{id: "s"}
	tracker.Attach(c)
	g := NewGateway(Config{
		Name:  "dropin",
		Token: DefaultDropInToken,
		Adapter: AdapterFunc(func(string, map[string]any) (any, error) {
			return nil, errors.New("bad amount")
		}),
	}, tracker, nil)

	rec := &recorder{}
	g.Start(context.Background(), Descriptor{Method: "start"}, rec.done)

	if rec.count() != 1 || !errors.Is(rec.last(t).Err, ErrInvalidInput) {
		t.Fatalf("expected invalid input failure, got %+v", rec.outcomes)
	}
	if _, pending := g.Pending(); pending {
		t.Fatal("slot must be released")
	}
	if len(c.launches()) != 0 {
		t.Fatal("nothing must be launched")
	}
}

func TestStart_LaunchErrorReleasesSlot(t *testing.T) {
	tracker := NewTracker()
	tracker.Attach(&fakeContainer{id: "s", err: errors.New("connection closed")})
	g := newTestGateway(t, DefaultDropInToken, tracker)

	rec := &recorder{}
	g.Start(context.Background(), Descriptor{Method: "start"}, rec.done)

	out := rec.last(t)
	if !errors.Is(out.Err, ErrLaunchFailed) || out.Reason != "connection closed" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if _, pending := g.Pending(); pending {
		t.Fatal("slot must be released")
	}
}

// --- Detach ---

func TestDetach_KeepWaitingHonorsLateSignal(t *testing.T) {
	tracker := NewTracker()
	c := &fakeContainer{id: "s1"}
	tracker.Attach(c)
	g := newTestGateway(t, DefaultDropInToken, tracker)

	rec := &recorder{}
	g.Start(context.Background(), Descriptor{Method: "start"}, rec.done)
	tracker.Detach()

	if rec.count() != 0 {
		t.Fatal("keep-waiting must not complete on detach")
	}
	if _, pending := g.Pending(); !pending {
		t.Fatal("slot must stay occupied")
	}

	// A new start fails for lack of context, not for the pending flow.
	other := &recorder{}
	g.Start(context.Background(), Descriptor{Method: "start"}, other.done)
	if !errors.Is(other.last(t).Err, ErrNoActiveContext) {
		t.Fatalf("expected no-active-context, got %+v", other.last(t))
	}

	tracker.Reattach(&fakeContainer{id: "s2"})
	if !g.OnOutcome(DefaultDropInToken, okSignal(DefaultDropInToken, `{"nonce":"late"}`)) {
		t.Fatal("late signal must be honored")
	}
	if rec.count() != 1 || rec.last(t).Kind != KindSuccess {
		t.Fatalf("expected success, got %+v", rec.outcomes)
	}
}

func TestDetach_CancelPending(t *testing.T) {
	tracker := NewTracker()
	c := &fakeContainer{id: "s1"}
	tracker.Attach(c)
	g := NewGateway(Config{Name: "dropin", Token: DefaultDropInToken, OnDetach: DetachCancelPending}, tracker, nil)

	rec := &recorder{}
	g.Start(context.Background(), Descriptor{Method: "start"}, rec.done)

	if !tracker.Release(c) {
		t.Fatal("release of the active container must succeed")
	}
	if rec.count() != 1 || !errors.Is(rec.last(t).Err, ErrContextDetached) {
		t.Fatalf("expected detached failure, got %+v", rec.outcomes)
	}
	if g.OnOutcome(DefaultDropInToken, okSignal(DefaultDropInToken, `{}`)) {
		t.Fatal("late signal after cancel must be unhandled")
	}
	if rec.count() != 1 {
		t.Fatal("completion must not fire twice")
	}
}

func TestDetach_CancelPendingAfterTakeover(t *testing.T) {
	tracker := NewTracker()
	a := &fakeContainer{id: "a"}
	tracker.Attach(a)
	g := NewGateway(Config{Name: "dropin", Token: DefaultDropInToken, OnDetach: DetachCancelPending}, tracker, nil)

	rec := &recorder{}
	g.Start(context.Background(), Descriptor{Method: "start"}, rec.done)

	b := &fakeContainer{id: "b"}
	tracker.Reattach(b)
	if rec.count() != 0 {
		t.Fatal("a takeover alone must not cancel")
	}

	if tracker.Drop(a) {
		t.Fatal("a is no longer the active container")
	}
	if rec.count() != 1 || !errors.Is(rec.last(t).Err, ErrContextDetached) {
		t.Fatalf("expected detached failure, got %+v", rec.outcomes)
	}
	if got, ok := tracker.Active(); !ok || got.ID() != "b" {
		t.Fatal("dropping a stale container must not clear the active one")
	}

	// The next flow runs on b.
	next := &recorder{}
	g.Start(context.Background(), Descriptor{Method: "start"}, next.done)
	if info, pending := g.Pending(); !pending || info.ContainerID != "b" {
		t.Fatalf("expected a flow pending on b, got %+v", info)
	}
}

func TestDetach_OtherContainerIgnored(t *testing.T) {
	tracker := NewTracker()
	tracker.Attach(&fakeContainer{id: "s1"})
	g := NewGateway(Config{Name: "dropin", Token: DefaultDropInToken, OnDetach: DetachCancelPending}, tracker, nil)

	rec := &recorder{}
	g.Start(context.Background(), Descriptor{Method: "start"}, rec.done)

	// s2 was never the launch container.
	tracker.Reattach(&fakeContainer{id: "s2"})
	tracker.Detach()

	if rec.count() != 0 {
		t.Fatalf("detach of another container must not cancel, got %+v", rec.outcomes)
	}
}

// --- Concurrency ---

func TestStart_ConcurrentCallersSingleOccupation(t *testing.T) {
	tracker := NewTracker()
	c := &fakeContainer{id: "s"}
	tracker.Attach(c)
	g := newTestGateway(t, DefaultDropInToken, tracker)

	const callers = 50
	var rejected sync.WaitGroup
	var mu sync.Mutex
	failures := 0

	rejected.Add(callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Start(context.Background(), Descriptor{Method: "start"}, func(out Outcome) {
				if errors.Is(out.Err, ErrFlowInProgress) {
					mu.Lock()
					failures++
					mu.Unlock()
				}
				rejected.Done()
			})
		}()
	}
	wg.Wait()

	if n := len(c.launches()); n != 1 {
		t.Fatalf("expected exactly 1 launch, got %d", n)
	}
	mu.Lock()
	if failures != callers-1 {
		t.Fatalf("expected %d rejections, got %d", callers-1, failures)
	}
	mu.Unlock()

	g.OnOutcome(DefaultDropInToken, okSignal(DefaultDropInToken, `{"nonce":"n"}`))
	rejected.Wait()
}

// --- Metrics ---

func TestGatewayMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	tracker := NewTracker()
	tracker.Attach(&fakeContainer{id: "s"})
	g := NewGateway(Config{Name: "dropin", Token: DefaultDropInToken}, tracker, nil, WithMetrics(m))

	g.Start(context.Background(), Descriptor{Method: "start"}, nil)
	if v := testutil.ToFloat64(m.Pending.WithLabelValues("dropin")); v != 1 {
		t.Errorf("pending gauge = %v, want 1", v)
	}
	g.Start(context.Background(), Descriptor{Method: "start"}, nil)
	g.OnOutcome(DefaultDropInToken, RawSignal{RequestCode: DefaultDropInToken, Status: StatusCanceled})

	if v := testutil.ToFloat64(m.Started.WithLabelValues("dropin", "start")); v != 1 {
		t.Errorf("started = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.Rejected.WithLabelValues("dropin", "in_progress")); v != 1 {
		t.Errorf("rejected = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.Completed.WithLabelValues("dropin", "cancelled")); v != 1 {
		t.Errorf("completed = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.Pending.WithLabelValues("dropin")); v != 0 {
		t.Errorf("pending gauge = %v, want 0", v)
	}
}

func TestNewMetrics_NilRegistry(t *testing.T) {
	if NewMetrics(nil) != nil {
		t.Fatal("expected nil metrics for nil registry")
	}
	// Nil metrics must be safe to use.
	var m *Metrics
	m.started("g", "m")
	m.completed("g", KindSuccess, 1)
	m.unhandled()
}
