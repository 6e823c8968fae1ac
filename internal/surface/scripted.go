package surface

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/flowgate/internal/protocol"
)

// Scripted outcomes.
const (
	ModeOK        = "ok"
	ModeCancel    = "cancel"
	ModeError     = "error"
	ModeMalformed = "malformed"
)

// Modes lists the accepted scripted outcomes.
var Modes = []string{ModeOK, ModeCancel, ModeError, ModeMalformed}

// Script describes how a scripted surface answers every launch. It stands
// in for a real checkout UI during local development.
type Script struct {
	Mode         string
	Delay        time.Duration
	ErrorMessage string
}

// Validate checks the mode.
func (s Script) Validate() error {
	for _, m := range Modes {
		if s.Mode == m {
			return nil
		}
	}
	return fmt.Errorf("unknown scripted mode %q (use %s)", s.Mode, strings.Join(Modes, ", "))
}

// Handler returns a LaunchHandler that answers according to s.
func (s Script) Handler() LaunchHandler {
	return func(ctx context.Context, launch protocol.FlowLaunchPayload) *protocol.FlowResultPayload {
		if s.Delay > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.Delay):
			}
		}
		res := s.Result(launch)
		return &res
	}
}

// Result builds the flow.result for launch.
func (s Script) Result(launch protocol.FlowLaunchPayload) protocol.FlowResultPayload {
	res := protocol.FlowResultPayload{RequestCode: launch.RequestCode}
	switch s.Mode {
	case ModeCancel:
		res.Status = "canceled"
	case ModeError:
		msg := s.ErrorMessage
		if msg == "" {
			msg = "scripted failure"
		}
		res.Status = "error"
		res.Error = &msg
	case ModeMalformed:
		res.Status = "ok"
		res.Payload = json.RawMessage(`{"unexpected":true}`)
	default:
		res.Status = "ok"
		res.Payload = successPayload(launch)
	}
	return res
}

func successPayload(launch protocol.FlowLaunchPayload) json.RawMessage {
	nonce := map[string]any{
		"nonce":       "fake-nonce-" + uuid.New().String(),
		"typeLabel":   "Visa",
		"description": describe(launch),
		"isDefault":   false,
	}

	var body map[string]any
	if launch.Method == "start" {
		body = map[string]any{
			"paymentMethodNonce": nonce,
			"deviceData":         `{"correlation_id":"` + uuid.New().String() + `"}`,
		}
	} else {
		if launch.Method == "requestPaypalNonce" {
			nonce["typeLabel"] = "PayPal"
		}
		body = map[string]any{
			"type":               "paymentMethodNonce",
			"paymentMethodNonce": nonce,
		}
	}
	raw, _ := json.Marshal(body)
	return raw
}

func describe(launch protocol.FlowLaunchPayload) string {
	var req struct {
		CardNumber string `json:"cardNumber"`
	}
	_ = json.Unmarshal(launch.Request, &req)
	if n := len(req.CardNumber); n >= 2 {
		return "ending in " + req.CardNumber[n-2:]
	}
	if launch.Method == "requestPaypalNonce" {
		return "PayPal account"
	}
	return "ending in 11"
}
