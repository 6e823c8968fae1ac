// Package plugin exposes the payment flows as method channels. Each channel
// is backed by its own flow gateway; both gateways share one container
// tracker.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jkaninda/flowgate/internal/channel"
	"github.com/jkaninda/flowgate/internal/flow"
	"github.com/jkaninda/flowgate/internal/payment"
)

// Channel names.
const (
	DropInChannel = "braintree.drop_in"
	CustomChannel = "braintree.custom"
)

// Error codes returned to callers.
const (
	CodeInvalidInput         = "invalid_input"
	CodeDropInAlreadyRunning = "drop_in_already_running"
	CodeAlreadyRunning       = "already_running"
	CodeBraintreeError       = "braintree_error"
	CodeError                = "error"
)

type errorCodes struct {
	busy        string
	busyMessage string
	failure     string
}

var (
	dropInCodes = errorCodes{
		busy:        CodeDropInAlreadyRunning,
		busyMessage: "Drop-in flow is already running.",
		failure:     CodeBraintreeError,
	}
	customCodes = errorCodes{
		busy:        CodeAlreadyRunning,
		busyMessage: "Cannot launch another custom flow while one is already running.",
		failure:     CodeError,
	}
)

// DropIn serves the drop-in channel.
type DropIn struct {
	gateway *flow.Gateway
	logger  *slog.Logger
}

// NewDropIn binds the drop-in channel to g.
func NewDropIn(g *flow.Gateway, logger *slog.Logger) *DropIn {
	return &DropIn{gateway: g, logger: logger}
}

// Gateway returns the backing gateway.
func (p *DropIn) Gateway() *flow.Gateway { return p.gateway }

// OnMethodCall implements channel.Handler.
func (p *DropIn) OnMethodCall(ctx context.Context, call channel.Call, result channel.Result) {
	if call.Method != payment.MethodStart {
		result.NotImplemented()
		return
	}

	if payment.IdentityToken(call.Arguments) == "" {
		result.Error(CodeInvalidInput, "Client token or tokenization key is missing", nil)
		return
	}

	p.gateway.Start(ctx, flow.Descriptor{
		Method:     call.Method,
		Parameters: call.Arguments,
	}, func(out flow.Outcome) {
		reply(result, out, dropInCodes)
	})
}

// Custom serves the custom channel.
type Custom struct {
	gateway *flow.Gateway
	adapter payment.CustomAdapter
	logger  *slog.Logger
}

// NewCustom binds the custom channel to g.
func NewCustom(g *flow.Gateway, logger *slog.Logger) *Custom {
	return &Custom{gateway: g, logger: logger}
}

// Gateway returns the backing gateway.
func (p *Custom) Gateway() *flow.Gateway { return p.gateway }

// OnMethodCall implements channel.Handler.
func (p *Custom) OnMethodCall(ctx context.Context, call channel.Call, result channel.Result) {
	if !p.adapter.Serves(call.Method) {
		// A busy gateway answers before method dispatch.
		if _, busy := p.gateway.Pending(); busy {
			result.Error(customCodes.busy, customCodes.busyMessage, nil)
			return
		}
		result.NotImplemented()
		return
	}

	p.gateway.Start(ctx, flow.Descriptor{
		Method:     call.Method,
		Parameters: call.Arguments,
	}, func(out flow.Outcome) {
		reply(result, out, customCodes)
	})
}

// Gateway names, used in metrics, logs and history.
const (
	DropInGatewayName = "drop_in"
	CustomGatewayName = "custom"
)

// NewDropInGateway builds the gateway backing the drop-in channel.
func NewDropInGateway(token flow.Token, policy flow.DetachPolicy, tracker *flow.Tracker, logger *slog.Logger, opts ...flow.Option) *flow.Gateway {
	return flow.NewGateway(flow.Config{
		Name:     DropInGatewayName,
		Token:    token,
		Adapter:  payment.DropInAdapter{},
		Decode:   payment.DecodeDropInResult,
		OnDetach: policy,
	}, tracker, logger, opts...)
}

// NewCustomGateway builds the gateway backing the custom channel.
func NewCustomGateway(token flow.Token, policy flow.DetachPolicy, tracker *flow.Tracker, logger *slog.Logger, opts ...flow.Option) *flow.Gateway {
	return flow.NewGateway(flow.Config{
		Name:     CustomGatewayName,
		Token:    token,
		Adapter:  payment.CustomAdapter{},
		Decode:   payment.DecodeCustomResult,
		OnDetach: policy,
	}, tracker, logger, opts...)
}

// Register binds both plugins to their channel names.
func Register(reg *channel.Registry, dropIn *DropIn, custom *Custom) error {
	if err := reg.Register(DropInChannel, dropIn); err != nil {
		return err
	}
	if err := reg.Register(CustomChannel, custom); err != nil {
		return fmt.Errorf("registering %s: %w", CustomChannel, err)
	}
	return nil
}

// reply maps a flow outcome to a channel reply. Cancellation is a nil
// success, not an error.
func reply(result channel.Result, out flow.Outcome, codes errorCodes) {
	switch out.Kind {
	case flow.KindSuccess:
		result.Success(out.Payload)
	case flow.KindCancelled:
		result.Success(nil)
	default:
		switch {
		case errors.Is(out.Err, flow.ErrFlowInProgress):
			result.Error(codes.busy, codes.busyMessage, nil)
		case flow.IsInputError(out.Err):
			result.Error(CodeInvalidInput, out.Reason, nil)
		case errors.Is(out.Err, flow.ErrMalformedResult):
			result.Error(codes.failure, out.Reason, out.Err.Error())
		default:
			result.Error(codes.failure, out.Reason, nil)
		}
	}
}
