package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/jkaninda/flowgate/internal/channel"
	"github.com/jkaninda/flowgate/internal/flow"
	"github.com/jkaninda/flowgate/internal/plugin"
	"github.com/jkaninda/flowgate/internal/storage"
	"github.com/jkaninda/flowgate/internal/surface"
)

// ErrHistoryDisabled is returned by history queries when no store is configured.
var ErrHistoryDisabled = errors.New("flow history is disabled")

// CodeNotImplemented is returned for unknown channels and methods.
const CodeNotImplemented = "not_implemented"

// InvokeResponse is the body of a successful invocation. Result is null when
// the user cancelled the flow.
type InvokeResponse struct {
	Result any `json:"result"`
}

// ErrorBody is the standard error response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// GatewayStatus describes one flow gateway.
type GatewayStatus struct {
	Name        string            `json:"name"`
	RequestCode int               `json:"request_code"`
	OnDetach    string            `json:"on_detach"`
	Pending     *flow.PendingInfo `json:"pending"`
}

// StatusResponse is returned by GET /v1/flows/status.
type StatusResponse struct {
	ActiveContainer string           `json:"active_container"`
	Gateways        []GatewayStatus  `json:"gateways"`
	Surfaces        []surface.Status `json:"surfaces"`
}

// SurfaceLister exposes connected surfaces. *ws.Server satisfies it through
// its registry; tests may supply a fake.
type SurfaceLister interface {
	List() []surface.Status
}

// Service is the transport-independent core shared by the HTTP API and the
// MCP server.
type Service struct {
	channels *channel.Registry
	gateways []*flow.Gateway
	tracker  *flow.Tracker
	surfaces SurfaceLister
	history  storage.HistoryStore
}

// NewService creates a Service. surfaces and history may be nil.
func NewService(channels *channel.Registry, tracker *flow.Tracker, gateways []*flow.Gateway, surfaces SurfaceLister, history storage.HistoryStore) *Service {
	return &Service{
		channels: channels,
		gateways: gateways,
		tracker:  tracker,
		surfaces: surfaces,
		history:  history,
	}
}

// Invoke calls method on the named channel and waits for the single reply.
// If ctx ends first the flow is left pending; only a surface signal or a
// detach can complete it.
func (s *Service) Invoke(ctx context.Context, name, method string, args map[string]any) (int, any) {
	capture := channel.NewCapture()
	s.channels.Invoke(ctx, name, channel.Call{Method: method, Arguments: args}, capture)

	reply, err := capture.Wait(ctx)
	if err != nil {
		return http.StatusGatewayTimeout, ErrorBody{
			Code:    "request_abandoned",
			Message: "request ended before the flow completed; the flow is still pending",
		}
	}
	return replyStatus(reply)
}

// replyStatus maps a channel reply to an HTTP status and body.
func replyStatus(r channel.Reply) (int, any) {
	switch r.Kind {
	case channel.ReplySuccess:
		return http.StatusOK, InvokeResponse{Result: r.Value}
	case channel.ReplyNotImplemented:
		return http.StatusNotImplemented, ErrorBody{Code: CodeNotImplemented, Message: "method not implemented"}
	}

	body := ErrorBody{Code: r.Code, Message: r.Message, Details: r.Details}
	switch r.Code {
	case plugin.CodeInvalidInput:
		return http.StatusBadRequest, body
	case plugin.CodeDropInAlreadyRunning, plugin.CodeAlreadyRunning:
		return http.StatusConflict, body
	default:
		return http.StatusBadGateway, body
	}
}

// Status reports the active container, each gateway's slot and the
// connected surfaces.
func (s *Service) Status() StatusResponse {
	resp := StatusResponse{
		Gateways: make([]GatewayStatus, 0, len(s.gateways)),
		Surfaces: []surface.Status{},
	}
	if c, ok := s.tracker.Active(); ok {
		resp.ActiveContainer = c.ID()
	}
	for _, g := range s.gateways {
		gs := GatewayStatus{
			Name:        g.Name(),
			RequestCode: int(g.Token()),
			OnDetach:    g.Policy().String(),
		}
		if info, ok := g.Pending(); ok {
			gs.Pending = &info
		}
		resp.Gateways = append(resp.Gateways, gs)
	}
	if s.surfaces != nil {
		resp.Surfaces = s.surfaces.List()
	}
	return resp
}

// History returns the most recent completed flows.
func (s *Service) History(ctx context.Context, limit int) ([]storage.FlowRecord, error) {
	if s.history == nil {
		return nil, ErrHistoryDisabled
	}
	return s.history.Recent(ctx, limit)
}

// Flow returns one completed flow by ID.
func (s *Service) Flow(ctx context.Context, id string) (*storage.FlowRecord, error) {
	if s.history == nil {
		return nil, ErrHistoryDisabled
	}
	return s.history.Get(ctx, id)
}
