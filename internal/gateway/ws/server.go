// Package ws implements the WebSocket endpoint presentation surfaces connect
// to. Each registered connection becomes the active flow container; flow
// results it reports are routed to the gateways through the dispatcher.
package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/flowgate/internal/config"
	"github.com/jkaninda/flowgate/internal/flow"
	"github.com/jkaninda/flowgate/internal/observability"
	"github.com/jkaninda/flowgate/internal/protocol"
	"github.com/jkaninda/flowgate/internal/surface"
)

// Server is the WebSocket server that manages surface connections.
type Server struct {
	registry   *surface.Registry
	tracker    *flow.Tracker
	dispatcher *flow.Dispatcher
	cfg        *config.SurfaceConfig
	logger     *slog.Logger
	metrics    *observability.MetricsCollector

	mu       sync.Mutex // guards attached and gauge publication
	attached bool       // a container has been attached at least once
}

// NewServer creates a WebSocket server. metrics may be nil.
func NewServer(
	registry *surface.Registry,
	tracker *flow.Tracker,
	dispatcher *flow.Dispatcher,
	cfg *config.SurfaceConfig,
	logger *slog.Logger,
	metrics *observability.MetricsCollector,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		registry:   registry,
		tracker:    tracker,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
	}
}

// Registry returns the surface registry managed by this server.
func (s *Server) Registry() *surface.Registry {
	return s.registry
}

// ActiveContainer returns the container ID of the active surface, or "".
func (s *Server) ActiveContainer() string {
	if c, ok := s.tracker.Active(); ok {
		return c.ID()
	}
	return ""
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

// Close disconnects every surface.
func (s *Server) Close() {
	s.registry.CloseAll("gateway shutting down")
}

func (s *Server) authorized(r *http.Request) bool {
	want := s.cfg.SharedToken()
	if want == "" {
		return true
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(want)) == 1
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{protocol.Subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.handleConnection(r.Context(), conn)
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn) {
	var sf *surface.Surface
	defer func() {
		if sf != nil {
			s.disconnect(sf)
		}
		conn.Close(websocket.StatusNormalClosure, "connection closed")
	}()

	sf, err := s.waitForRegistration(ctx, conn)
	if err != nil {
		s.logger.Error("surface registration failed", slog.String("error", err.Error()))
		return
	}

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go s.heartbeatLoop(hbCtx, sf)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				s.logger.Info("surface disconnected normally", slog.String("container_id", sf.ID()))
			} else {
				s.logger.Warn("surface connection error",
					slog.String("container_id", sf.ID()),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("invalid message from surface",
				slog.String("container_id", sf.ID()),
				slog.String("error", err.Error()),
			)
			s.sendError(ctx, sf, protocol.ErrCodeBadMessage, "message is not a JSON envelope")
			continue
		}

		s.handleMessage(ctx, sf, &env)
	}
}

func (s *Server) waitForRegistration(ctx context.Context, conn *websocket.Conn) (*surface.Surface, error) {
	regCtx, cancel := context.WithTimeout(ctx, s.cfg.RegistrationTimeout())
	defer cancel()

	_, data, err := conn.Read(regCtx)
	if err != nil {
		return nil, fmt.Errorf("reading registration: %w", err)
	}

	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parsing registration: %w", err)
	}
	if env.Type != protocol.MsgSurfaceRegister {
		return nil, fmt.Errorf("expected %s, got %s", protocol.MsgSurfaceRegister, env.Type)
	}

	var info protocol.SurfaceInfo
	if err := env.Decode(&info); err != nil {
		return nil, fmt.Errorf("parsing surface info: %w", err)
	}
	if info.SurfaceID == "" {
		return nil, errors.New("surface_id is required")
	}

	sf := s.registry.Register(info, conn)
	s.syncSurfaceGauge()
	s.activate(sf)

	resp, _ := protocol.NewEnvelope(protocol.MsgRegistered, protocol.RegisteredPayload{
		Message: fmt.Sprintf("registered as %s", sf.ID()),
		Active:  true,
	})
	if err := sf.Send(ctx, resp); err != nil {
		return sf, fmt.Errorf("confirming registration: %w", err)
	}
	return sf, nil
}

// activate makes sf the active container. The newest registration always
// wins; a pending flow launched on a previous container keeps waiting for
// its signal, which the dispatcher accepts from any connection.
func (s *Server) activate(sf *surface.Surface) {
	s.mu.Lock()
	first := !s.attached
	s.attached = true
	s.mu.Unlock()

	if first {
		s.tracker.Attach(sf)
	} else {
		s.tracker.Reattach(sf)
	}
}

// syncSurfaceGauge sets the gauge from the registry. The read and the set
// happen under s.mu so the last caller always publishes the latest count.
func (s *Server) syncSurfaceGauge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.SetSurfacesConnected(s.registry.Count())
}

// disconnect drops sf from the tracker even when a newer container is
// active, so a flow launched on sf sees the detach.
func (s *Server) disconnect(sf *surface.Surface) {
	s.registry.Deregister(sf)
	s.syncSurfaceGauge()
	if !s.tracker.Drop(sf) {
		return
	}
	if next, ok := s.registry.Latest(sf); ok {
		s.logger.Info("reattaching remaining surface", slog.String("container_id", next.ID()))
		s.tracker.Reattach(next)
	}
}

func (s *Server) handleMessage(ctx context.Context, sf *surface.Surface, env *protocol.Envelope) {
	s.metrics.SurfaceMessage(string(env.Type))

	switch env.Type {
	case protocol.MsgSurfaceHeartbeat:
		var hb protocol.HeartbeatPayload
		if err := env.Decode(&hb); err == nil {
			s.registry.Heartbeat(sf.Info.SurfaceID, hb.Presenting)
		}

	case protocol.MsgPong:
		s.logger.Debug("pong from surface", slog.String("container_id", sf.ID()))

	case protocol.MsgFlowResult:
		s.handleResult(ctx, sf, env)

	default:
		s.logger.Warn("unknown message type from surface",
			slog.String("container_id", sf.ID()),
			slog.String("type", string(env.Type)),
		)
	}
}

func (s *Server) handleResult(ctx context.Context, sf *surface.Surface, env *protocol.Envelope) {
	var res protocol.FlowResultPayload
	if err := env.Decode(&res); err != nil {
		s.logger.Warn("invalid flow result",
			slog.String("container_id", sf.ID()),
			slog.String("flow_id", env.FlowID),
			slog.String("error", err.Error()),
		)
		s.sendError(ctx, sf, protocol.ErrCodeBadMessage, "invalid flow.result payload")
		return
	}

	sig := flow.RawSignal{
		RequestCode:  flow.Token(res.RequestCode),
		Status:       flow.ParseStatus(res.Status),
		Payload:      res.Payload,
		ErrorMessage: res.Error,
	}

	s.logger.Debug("flow result received",
		slog.String("container_id", sf.ID()),
		slog.String("flow_id", env.FlowID),
		slog.String("request_code", sig.RequestCode.String()),
		slog.String("status", sig.Status.String()),
	)

	s.registry.Heartbeat(sf.Info.SurfaceID, false)

	if !s.dispatcher.Dispatch(sig) {
		s.sendError(ctx, sf, protocol.ErrCodeUnhandledResult,
			fmt.Sprintf("no pending flow for request code %s", sig.RequestCode))
	}
}

func (s *Server) sendError(ctx context.Context, sf *surface.Surface, code, msg string) {
	env, _ := protocol.NewEnvelope(protocol.MsgError, protocol.ErrorPayload{Code: code, Message: msg})
	if err := sf.Send(ctx, env); err != nil {
		s.logger.Debug("sending error envelope failed",
			slog.String("container_id", sf.ID()),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Server) heartbeatLoop(ctx context.Context, sf *surface.Surface) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			env, _ := protocol.NewEnvelope(protocol.MsgPing, nil)
			if err := sf.Send(ctx, env); err != nil {
				s.logger.Debug("heartbeat ping failed",
					slog.String("container_id", sf.ID()),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}
