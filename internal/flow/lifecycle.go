package flow

import (
	"context"
	"sync"
	"time"
)

// Container is a presentation context capable of launching a flow.
type Container interface {
	ID() string
	Launch(ctx context.Context, req LaunchRequest) error
}

// LaunchRequest is what a container receives for one flow.
type LaunchRequest struct {
	FlowID  string
	Token   Token
	Method  string
	Request any
}

// EventType identifies a lifecycle transition.
type EventType int

const (
	EventAttached EventType = iota
	EventDetached
	EventReattached
)

func (e EventType) String() string {
	switch e {
	case EventAttached:
		return "attached"
	case EventDetached:
		return "detached"
	case EventReattached:
		return "reattached"
	default:
		return "unknown"
	}
}

// LifecycleEvent is delivered to tracker subscribers.
type LifecycleEvent struct {
	Type        EventType
	ContainerID string
	At          time.Time
}

// Tracker records the currently active presentation container.
// It never touches a gateway's pending slot; gateways that care about
// detaches subscribe to events.
type Tracker struct {
	mu     sync.RWMutex
	active Container

	subMu sync.RWMutex
	subs  []func(LifecycleEvent)
}

// NewTracker returns a tracker with no active container.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Attach makes c the active container.
func (t *Tracker) Attach(c Container) {
	t.set(c, EventAttached)
}

// Reattach makes c the active container after a previous one went away,
// e.g. a surface reconnecting under a new connection.
func (t *Tracker) Reattach(c Container) {
	t.set(c, EventReattached)
}

func (t *Tracker) set(c Container, typ EventType) {
	if c == nil {
		return
	}
	t.mu.Lock()
	t.active = c
	t.mu.Unlock()
	t.emit(LifecycleEvent{Type: typ, ContainerID: c.ID(), At: time.Now().UTC()})
}

// Detach clears the active container. It is a no-op when nothing is attached.
func (t *Tracker) Detach() {
	t.mu.Lock()
	prev := t.active
	t.active = nil
	t.mu.Unlock()

	if prev != nil {
		t.emit(LifecycleEvent{Type: EventDetached, ContainerID: prev.ID(), At: time.Now().UTC()})
	}
}

// Release detaches only if c is the active container and reports whether it was.
func (t *Tracker) Release(c Container) bool {
	if c == nil {
		return false
	}
	t.mu.Lock()
	if t.active == nil || t.active.ID() != c.ID() {
		t.mu.Unlock()
		return false
	}
	t.active = nil
	t.mu.Unlock()

	t.emit(LifecycleEvent{Type: EventDetached, ContainerID: c.ID(), At: time.Now().UTC()})
	return true
}

// Drop reports that c went away for good. The active context is cleared only
// if c holds it, but EventDetached for c is emitted either way: a flow
// launched on c may still be pending after another container took over.
// It reports whether c was the active container.
func (t *Tracker) Drop(c Container) bool {
	if c == nil {
		return false
	}
	t.mu.Lock()
	wasActive := t.active != nil && t.active.ID() == c.ID()
	if wasActive {
		t.active = nil
	}
	t.mu.Unlock()

	t.emit(LifecycleEvent{Type: EventDetached, ContainerID: c.ID(), At: time.Now().UTC()})
	return wasActive
}

// Active returns the active container, if any.
func (t *Tracker) Active() (Container, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active, t.active != nil
}

// Subscribe registers fn for lifecycle events. Callbacks run synchronously
// on the goroutine that caused the transition, outside the tracker lock.
func (t *Tracker) Subscribe(fn func(LifecycleEvent)) {
	if fn == nil {
		return
	}
	t.subMu.Lock()
	t.subs = append(t.subs, fn)
	t.subMu.Unlock()
}

func (t *Tracker) emit(ev LifecycleEvent) {
	t.subMu.RLock()
	subs := make([]func(LifecycleEvent), len(t.subs))
	copy(subs, t.subs)
	t.subMu.RUnlock()

	for _, fn := range subs {
		fn(ev)
	}
}
