// Package surface tracks presentation surfaces connected over WebSocket and
// provides the client a surface host embeds to connect to the gateway.
package surface

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/jkaninda/flowgate/internal/flow"
	"github.com/jkaninda/flowgate/internal/protocol"
)

// ErrNotConnected is returned when writing to a closed surface.
var ErrNotConnected = errors.New("surface not connected")

const writeTimeout = 10 * time.Second

// Conn is the subset of *websocket.Conn a Surface writes to.
type Conn interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Surface is one registered connection. It implements flow.Container: each
// connection gets its own container ID so a reconnect under the same
// surface ID is a distinct context.
type Surface struct {
	Info        protocol.SurfaceInfo
	ConnectedAt time.Time

	connID string
	conn   Conn

	mu         sync.Mutex
	lastSeen   time.Time
	presenting bool
	closed     bool
}

// ID implements flow.Container.
func (s *Surface) ID() string {
	return s.Info.SurfaceID + "/" + s.connID
}

// Launch implements flow.Container by sending a flow.launch envelope.
func (s *Surface) Launch(ctx context.Context, req flow.LaunchRequest) error {
	raw, err := json.Marshal(req.Request)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", req.Method, err)
	}
	env, err := protocol.NewEnvelope(protocol.MsgFlowLaunch, protocol.FlowLaunchPayload{
		FlowID:      req.FlowID,
		RequestCode: int(req.Token),
		Method:      req.Method,
		Request:     raw,
	})
	if err != nil {
		return err
	}
	env.FlowID = req.FlowID
	if err := s.Send(ctx, env); err != nil {
		return err
	}

	s.mu.Lock()
	s.presenting = true
	s.mu.Unlock()
	return nil
}

// Send writes env to the surface.
func (s *Surface) Send(ctx context.Context, env *protocol.Envelope) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrNotConnected
	}

	env.SurfaceID = s.Info.SurfaceID
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := s.conn.Write(wctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing %s to surface %s: %w", env.Type, s.Info.SurfaceID, err)
	}
	return nil
}

// Status is a point-in-time view of a surface.
type Status struct {
	SurfaceID    string    `json:"surface_id"`
	ContainerID  string    `json:"container_id"`
	Name         string    `json:"name,omitempty"`
	Version      string    `json:"version,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastSeen     time.Time `json:"last_seen"`
	Presenting   bool      `json:"presenting"`
}

// Status returns a snapshot of s.
func (s *Surface) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		SurfaceID:    s.Info.SurfaceID,
		ContainerID:  s.ID(),
		Name:         s.Info.Name,
		Version:      s.Info.Version,
		Capabilities: s.Info.Capabilities,
		ConnectedAt:  s.ConnectedAt,
		LastSeen:     s.lastSeen,
		Presenting:   s.presenting,
	}
}

func (s *Surface) touch(presenting bool) {
	s.mu.Lock()
	s.lastSeen = time.Now().UTC()
	s.presenting = presenting
	s.mu.Unlock()
}

func (s *Surface) close(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	_ = s.conn.Close(websocket.StatusPolicyViolation, reason)
}

// Registry manages connected surfaces, keyed by surface ID.
type Registry struct {
	mu       sync.RWMutex
	surfaces map[string]*Surface
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		surfaces: make(map[string]*Surface),
		logger:   logger,
	}
}

// Register adds a surface for conn. A previous connection under the same
// surface ID is closed and replaced.
func (r *Registry) Register(info protocol.SurfaceInfo, conn Conn) *Surface {
	now := time.Now().UTC()
	s := &Surface{
		Info:        info,
		ConnectedAt: now,
		connID:      uuid.New().String()[:8],
		conn:        conn,
		lastSeen:    now,
	}

	r.mu.Lock()
	prev := r.surfaces[info.SurfaceID]
	r.surfaces[info.SurfaceID] = s
	r.mu.Unlock()

	if prev != nil {
		// Close waits for the peer's close frame; the new registration must not.
		go prev.close("replaced by a newer connection")
		r.logger.Info("surface connection replaced",
			slog.String("surface_id", info.SurfaceID),
			slog.String("previous_container_id", prev.ID()),
		)
	}
	r.logger.Info("surface registered",
		slog.String("surface_id", info.SurfaceID),
		slog.String("container_id", s.ID()),
		slog.String("name", info.Name),
		slog.String("version", info.Version),
	)
	return s
}

// Deregister removes s if it is still the registered connection for its
// surface ID and reports whether it was.
func (r *Registry) Deregister(s *Surface) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	r.mu.Lock()
	cur, ok := r.surfaces[s.Info.SurfaceID]
	if ok && cur == s {
		delete(r.surfaces, s.Info.SurfaceID)
	}
	r.mu.Unlock()

	if ok && cur == s {
		r.logger.Info("surface deregistered",
			slog.String("surface_id", s.Info.SurfaceID),
			slog.String("container_id", s.ID()),
		)
		return true
	}
	return false
}

// Get returns a connected surface by surface ID.
func (r *Registry) Get(surfaceID string) (*Surface, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.surfaces[surfaceID]
	return s, ok
}

// Heartbeat refreshes the last-seen time of a surface.
func (r *Registry) Heartbeat(surfaceID string, presenting bool) {
	r.mu.RLock()
	s, ok := r.surfaces[surfaceID]
	r.mu.RUnlock()
	if ok {
		s.touch(presenting)
	}
}

// Latest returns the most recently connected surface other than exclude.
func (r *Registry) Latest(exclude *Surface) (*Surface, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Surface
	for _, s := range r.surfaces {
		if s == exclude {
			continue
		}
		if best == nil || s.ConnectedAt.After(best.ConnectedAt) {
			best = s
		}
	}
	return best, best != nil
}

// List returns a snapshot of all connected surfaces ordered by surface ID.
func (r *Registry) List() []Status {
	r.mu.RLock()
	out := make([]Status, 0, len(r.surfaces))
	for _, s := range r.surfaces {
		out = append(out, s.Status())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SurfaceID < out[j].SurfaceID })
	return out
}

// Count returns the number of connected surfaces.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.surfaces)
}

// CloseAll closes every registered connection, e.g. on shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.RLock()
	all := make([]*Surface, 0, len(r.surfaces))
	for _, s := range r.surfaces {
		all = append(all, s)
	}
	r.mu.RUnlock()

	for _, s := range all {
		s.close(reason)
	}
}
