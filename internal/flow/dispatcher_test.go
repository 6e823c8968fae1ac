package flow

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestDispatcher_RoutesByToken(t *testing.T) {
	tracker := NewTracker()
	tracker.Attach(&fakeContainer{id: "shared"})

	dropIn := NewGateway(Config{Name: "drop_in", Token: DefaultDropInToken}, tracker, nil)
	custom := NewGateway(Config{Name: "custom", Token: DefaultCustomToken}, tracker, nil)

	d := NewDispatcher(nil, nil)
	if err := d.Register(dropIn); err != nil {
		t.Fatal(err)
	}
	if err := d.Register(custom); err != nil {
		t.Fatal(err)
	}

	a := &recorder{}
	b := &recorder{}
	dropIn.Start(context.Background(), Descriptor{Method: "start"}, a.done)
	custom.Start(context.Background(), Descriptor{Method: "tokenizeCreditCard"}, b.done)

	if !d.Dispatch(okSignal(DefaultCustomToken, `{"nonce":"c"}`)) {
		t.Fatal("custom signal must be handled")
	}
	if a.count() != 0 {
		t.Fatal("drop-in must not receive the custom signal")
	}
	if b.count() != 1 || b.last(t).Payload["nonce"] != "c" {
		t.Fatalf("custom outcome = %+v", b.outcomes)
	}

	if !d.Dispatch(okSignal(DefaultDropInToken, `{"nonce":"d"}`)) {
		t.Fatal("drop-in signal must be handled")
	}
	if a.count() != 1 || a.last(t).Payload["nonce"] != "d" {
		t.Fatalf("drop-in outcome = %+v", a.outcomes)
	}
}

func TestDispatcher_DuplicateToken(t *testing.T) {
	d := NewDispatcher(nil, nil)
	tracker := NewTracker()
	if err := d.Register(NewGateway(Config{Name: "a", Token: 7}, tracker, nil)); err != nil {
		t.Fatal(err)
	}
	err := d.Register(NewGateway(Config{Name: "b", Token: 7}, tracker, nil))
	if !errors.Is(err, ErrDuplicateToken) {
		t.Fatalf("expected ErrDuplicateToken, got %v", err)
	}
}

func TestDispatcher_Unhandled(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	d := NewDispatcher(nil, m)
	_ = d.Register(NewGateway(Config{Name: "a", Token: DefaultDropInToken}, NewTracker(), nil))

	// Unknown token.
	if d.Dispatch(okSignal(99, `{}`)) {
		t.Fatal("unknown token must be unhandled")
	}
	// Known token, empty slot.
	if d.Dispatch(okSignal(DefaultDropInToken, `{}`)) {
		t.Fatal("empty slot must be unhandled")
	}
	if v := testutil.ToFloat64(m.Unhandled); v != 2 {
		t.Errorf("unhandled = %v, want 2", v)
	}
}

func TestTracker_Drop(t *testing.T) {
	tracker := NewTracker()
	var events []LifecycleEvent
	tracker.Subscribe(func(ev LifecycleEvent) { events = append(events, ev) })

	c1 := &fakeContainer{id: "c1"}
	c2 := &fakeContainer{id: "c2"}
	tracker.Attach(c1)
	tracker.Reattach(c2)

	if tracker.Drop(c1) {
		t.Fatal("c1 was replaced and is not active")
	}
	if got, ok := tracker.Active(); !ok || got.ID() != "c2" {
		t.Fatal("c2 must remain active")
	}
	if !tracker.Drop(c2) {
		t.Fatal("c2 was active")
	}
	if _, ok := tracker.Active(); ok {
		t.Fatal("dropping the active container clears it")
	}
	if tracker.Drop(nil) {
		t.Fatal("nil container")
	}

	want := []struct {
		typ EventType
		id  string
	}{
		{EventAttached, "c1"},
		{EventReattached, "c2"},
		{EventDetached, "c1"},
		{EventDetached, "c2"},
	}
	if len(events) != len(want) {
		t.Fatalf("events = %+v", events)
	}
	for i, w := range want {
		if events[i].Type != w.typ || events[i].ContainerID != w.id {
			t.Errorf("event %d = %s %s, want %s %s", i, events[i].Type, events[i].ContainerID, w.typ, w.id)
		}
	}
}

func TestTracker_Lifecycle(t *testing.T) {
	tracker := NewTracker()
	var events []LifecycleEvent
	tracker.Subscribe(func(ev LifecycleEvent) { events = append(events, ev) })

	if _, ok := tracker.Active(); ok {
		t.Fatal("new tracker has no active container")
	}

	c1 := &fakeContainer{id: "c1"}
	c2 := &fakeContainer{id: "c2"}
	tracker.Attach(c1)
	if got, _ := tracker.Active(); got.ID() != "c1" {
		t.Fatalf("active = %s", got.ID())
	}

	if tracker.Release(c2) {
		t.Fatal("releasing a non-active container must be a no-op")
	}
	if _, ok := tracker.Active(); !ok {
		t.Fatal("c1 must remain active")
	}

	tracker.Reattach(c2)
	if !tracker.Release(c2) {
		t.Fatal("releasing the active container must succeed")
	}
	tracker.Detach() // no-op, nothing attached

	want := []EventType{EventAttached, EventReattached, EventDetached}
	if len(events) != len(want) {
		t.Fatalf("events = %+v", events)
	}
	for i, typ := range want {
		if events[i].Type != typ {
			t.Errorf("event %d = %s, want %s", i, events[i].Type, typ)
		}
	}
	if events[2].ContainerID != "c2" {
		t.Errorf("detached container = %s", events[2].ContainerID)
	}
}

func TestParseDetachPolicy(t *testing.T) {
	for in, want := range map[string]DetachPolicy{
		"":               DetachKeepWaiting,
		"keep_waiting":   DetachKeepWaiting,
		"cancel_pending": DetachCancelPending,
	} {
		got, err := ParseDetachPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseDetachPolicy(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseDetachPolicy("drop"); err == nil {
		t.Error("expected error for unknown policy")
	}
}
