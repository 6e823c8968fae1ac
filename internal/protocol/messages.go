// Package protocol defines the WebSocket messages exchanged between the
// gateway and a presentation surface. Every message is JSON wrapped in an
// Envelope.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Subprotocol is negotiated on the WebSocket upgrade.
const Subprotocol = "flowgate-surface-v1"

// MessageType identifies the kind of message in an Envelope.
type MessageType string

const (
	// Surface → Gateway
	MsgSurfaceRegister  MessageType = "surface.register"
	MsgSurfaceHeartbeat MessageType = "surface.heartbeat"
	MsgFlowResult       MessageType = "flow.result"

	// Gateway → Surface
	MsgRegistered MessageType = "gateway.registered"
	MsgFlowLaunch MessageType = "flow.launch"
	MsgPing       MessageType = "gateway.ping"
	MsgPong       MessageType = "gateway.pong"

	// Bidirectional
	MsgError MessageType = "error"
)

// Envelope is the top-level message wrapper.
type Envelope struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"`
	SurfaceID string          `json:"surface_id,omitempty"`
	FlowID    string          `json:"flow_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope creates an Envelope with a fresh ID and the current time.
func NewEnvelope(msgType MessageType, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Envelope{
		Type:      msgType,
		ID:        uuid.New().String(),
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Parse decodes one WebSocket message into an Envelope.
func Parse(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Decode unmarshals the Payload into target.
func (e *Envelope) Decode(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// --- Surface → Gateway payloads ---

// SurfaceInfo is sent with MsgSurfaceRegister.
type SurfaceInfo struct {
	SurfaceID    string   `json:"surface_id"`
	Name         string   `json:"name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Version      string   `json:"version,omitempty"`
}

// HeartbeatPayload is sent with MsgSurfaceHeartbeat.
type HeartbeatPayload struct {
	Presenting bool `json:"presenting"`
}

// FlowResultPayload carries the completion signal of one flow. Status is
// "ok", "canceled" or anything else for a failure.
type FlowResultPayload struct {
	RequestCode int             `json:"request_code"`
	Status      string          `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Error       *string         `json:"error,omitempty"`
}

// --- Gateway → Surface payloads ---

// RegisteredPayload confirms registration.
type RegisteredPayload struct {
	Message string `json:"message"`
	Active  bool   `json:"active"`
}

// FlowLaunchPayload asks the surface to present one flow. The surface must
// echo RequestCode in its flow.result.
type FlowLaunchPayload struct {
	FlowID      string          `json:"flow_id"`
	RequestCode int             `json:"request_code"`
	Method      string          `json:"method"`
	Request     json.RawMessage `json:"request"`
}

// ErrorPayload is sent with MsgError for protocol-level errors.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Protocol error codes.
const (
	ErrCodeUnhandledResult = "unhandled_result"
	ErrCodeBadMessage      = "bad_message"
)
