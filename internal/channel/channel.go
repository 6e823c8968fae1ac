package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Call is one method invocation on a channel.
type Call struct {
	Method    string
	Arguments Arguments
}

// Result receives the single reply to a Call. Only the first reply counts.
type Result interface {
	Success(value any)
	Error(code, message string, details any)
	NotImplemented()
}

// Handler serves the methods of one channel.
type Handler interface {
	OnMethodCall(ctx context.Context, call Call, result Result)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, call Call, result Result)

// OnMethodCall calls f.
func (f HandlerFunc) OnMethodCall(ctx context.Context, call Call, result Result) {
	f(ctx, call, result)
}

// ErrChannelExists is returned when a channel name is registered twice.
var ErrChannelExists = errors.New("channel already registered")

// Registry maps channel names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds name to h.
func (r *Registry) Register(name string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[name]; ok {
		return fmt.Errorf("%w: %s", ErrChannelExists, name)
	}
	r.handlers[name] = h
	return nil
}

// Names returns the registered channel names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Invoke routes call to the handler bound to name. An unknown channel
// replies NotImplemented.
func (r *Registry) Invoke(ctx context.Context, name string, call Call, result Result) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()

	if !ok {
		result.NotImplemented()
		return
	}
	if call.Arguments == nil {
		call.Arguments = Arguments{}
	}
	h.OnMethodCall(ctx, call, result)
}
