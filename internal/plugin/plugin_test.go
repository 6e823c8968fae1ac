package plugin

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/flowgate/internal/channel"
	"github.com/jkaninda/flowgate/internal/flow"
	"github.com/jkaninda/flowgate/internal/payment"
)

type stubContainer struct {
	mu       sync.Mutex
	launched []flow.LaunchRequest
}

func (c *stubContainer) ID() string { return "stub" }

func (c *stubContainer) Launch(_ context.Context, req flow.LaunchRequest) error {
	c.mu.Lock()
	c.launched = append(c.launched, req)
	c.mu.Unlock()
	return nil
}

type fixture struct {
	tracker    *flow.Tracker
	container  *stubContainer
	dispatcher *flow.Dispatcher
	registry   *channel.Registry
}

func newFixture(t *testing.T, attach bool) *fixture {
	t.Helper()
	tracker := flow.NewTracker()
	c := &stubContainer{}
	if attach {
		tracker.Attach(c)
	}

	dropInGW := NewDropInGateway(flow.DefaultDropInToken, flow.DetachKeepWaiting, tracker, nil)
	customGW := NewCustomGateway(flow.DefaultCustomToken, flow.DetachKeepWaiting, tracker, nil)

	d := flow.NewDispatcher(nil, nil)
	require.NoError(t, d.Register(dropInGW))
	require.NoError(t, d.Register(customGW))

	reg := channel.NewRegistry()
	require.NoError(t, Register(reg, NewDropIn(dropInGW, nil), NewCustom(customGW, nil)))

	return &fixture{tracker: tracker, container: c, dispatcher: d, registry: reg}
}

func (f *fixture) invoke(name, method string, args channel.Arguments) *channel.Capture {
	c := channel.NewCapture()
	f.registry.Invoke(context.Background(), name, channel.Call{Method: method, Arguments: args}, c)
	return c
}

func (f *fixture) signal(token flow.Token, status flow.Status, payload string, msg *string) bool {
	return f.dispatcher.Dispatch(flow.RawSignal{
		RequestCode:  token,
		Status:       status,
		Payload:      json.RawMessage(payload),
		ErrorMessage: msg,
	})
}

var startArgs = channel.Arguments{
	"identityToken":  "tok_1",
	"cardEnabled":    true,
	"paypalEnabled":  false,
	"venmoEnabled":   false,
	"vaultEnabled":   false,
	"maskCardNumber": true,
}

const dropInPayload = `{"paymentMethodNonce":{"nonce":"fake-nonce","typeLabel":"VISA","description":"ending in 11","isDefault":true},"deviceData":"device"}`

func TestDropIn_NoActiveContext(t *testing.T) {
	f := newFixture(t, false)

	c := f.invoke(DropInChannel, "start", startArgs)
	reply, ok := c.Reply()
	require.True(t, ok, "reply must be synchronous")
	assert.Equal(t, channel.ReplyError, reply.Kind)
	assert.Equal(t, CodeInvalidInput, reply.Code)
	assert.Equal(t, "no active presentation context", reply.Message)

	// Once a context is attached, the same call is accepted.
	f.tracker.Attach(f.container)
	c = f.invoke(DropInChannel, "start", startArgs)
	_, ok = c.Reply()
	assert.False(t, ok, "flow should be pending")
	assert.Len(t, f.container.launched, 1)
}

func TestDropIn_MissingIdentityToken(t *testing.T) {
	f := newFixture(t, true)
	c := f.invoke(DropInChannel, "start", channel.Arguments{"amount": "1.00"})
	reply, ok := c.Reply()
	require.True(t, ok)
	assert.Equal(t, CodeInvalidInput, reply.Code)
	assert.Empty(t, f.container.launched)
}

func TestDropIn_SuccessRoundTrip(t *testing.T) {
	f := newFixture(t, true)
	c := f.invoke(DropInChannel, "start", startArgs)

	require.Len(t, f.container.launched, 1)
	launch := f.container.launched[0]
	assert.Equal(t, flow.DefaultDropInToken, launch.Token)
	req, ok := launch.Request.(*payment.DropInRequest)
	require.True(t, ok)
	assert.Equal(t, "tok_1", req.Authorization)
	assert.True(t, req.PayPalDisabled)

	require.True(t, f.signal(flow.DefaultDropInToken, flow.StatusOK, dropInPayload, nil))

	reply, ok := c.Reply()
	require.True(t, ok)
	assert.Equal(t, channel.ReplySuccess, reply.Kind)
	assert.Equal(t, map[string]any{
		"paymentMethodNonce": map[string]any{
			"nonce":       "fake-nonce",
			"typeLabel":   "VISA",
			"description": "ending in 11",
			"isDefault":   true,
		},
		"deviceData": "device",
	}, reply.Value)
}

func TestDropIn_AlreadyRunning(t *testing.T) {
	f := newFixture(t, true)
	first := f.invoke(DropInChannel, "start", startArgs)
	second := f.invoke(DropInChannel, "start", startArgs)

	reply, ok := second.Reply()
	require.True(t, ok)
	assert.Equal(t, CodeDropInAlreadyRunning, reply.Code)

	_, ok = first.Reply()
	assert.False(t, ok, "first flow must be untouched")

	require.True(t, f.signal(flow.DefaultDropInToken, flow.StatusCanceled, `{}`, nil))
	reply, ok = first.Reply()
	require.True(t, ok)
	assert.Equal(t, channel.ReplySuccess, reply.Kind)
	assert.Nil(t, reply.Value, "cancellation is an empty success")
}

func TestDropIn_FailureAndMalformed(t *testing.T) {
	f := newFixture(t, true)

	msg := "processor declined"
	c := f.invoke(DropInChannel, "start", startArgs)
	require.True(t, f.signal(flow.DefaultDropInToken, flow.StatusOther, ``, &msg))
	reply, _ := c.Reply()
	assert.Equal(t, CodeBraintreeError, reply.Code)
	assert.Equal(t, msg, reply.Message)

	c = f.invoke(DropInChannel, "start", startArgs)
	require.True(t, f.signal(flow.DefaultDropInToken, flow.StatusOK, `{"deviceData":"x"}`, nil))
	reply, _ = c.Reply()
	assert.Equal(t, CodeBraintreeError, reply.Code)
	assert.Equal(t, "malformed result", reply.Message)
	assert.NotNil(t, reply.Details)
}

func TestDropIn_UnknownMethod(t *testing.T) {
	f := newFixture(t, true)
	c := f.invoke(DropInChannel, "stop", nil)
	reply, _ := c.Reply()
	assert.Equal(t, channel.ReplyNotImplemented, reply.Kind)
}

func TestCustom_TokenizeCreditCard(t *testing.T) {
	f := newFixture(t, true)
	c := f.invoke(CustomChannel, payment.MethodTokenizeCreditCard, channel.Arguments{
		"authorization":   "auth",
		"cardNumber":      "4111111111111111",
		"expirationMonth": "12",
		"expirationYear":  "2030",
		"cvv":             "123",
	})
	require.Len(t, f.container.launched, 1)
	assert.Equal(t, flow.DefaultCustomToken, f.container.launched[0].Token)

	// A drop-in token never completes the custom flow.
	assert.False(t, f.signal(flow.DefaultDropInToken, flow.StatusOK, `{}`, nil))
	_, ok := c.Reply()
	assert.False(t, ok)

	require.True(t, f.signal(flow.DefaultCustomToken, flow.StatusOK,
		`{"type":"paymentMethodNonce","paymentMethodNonce":{"nonce":"card-nonce","typeLabel":"Visa","description":"ending in 11","isDefault":false}}`, nil))
	reply, _ := c.Reply()
	assert.Equal(t, channel.ReplySuccess, reply.Kind)
	assert.Equal(t, "card-nonce", reply.Value.(map[string]any)["nonce"])
}

func TestCustom_InvalidResultType(t *testing.T) {
	f := newFixture(t, true)
	c := f.invoke(CustomChannel, payment.MethodRequestPaypalNonce, channel.Arguments{"authorization": "auth", "amount": "5.00"})
	require.True(t, f.signal(flow.DefaultCustomToken, flow.StatusOK, `{"type":"other"}`, nil))
	reply, _ := c.Reply()
	assert.Equal(t, CodeError, reply.Code)
}

func TestCustom_AlreadyRunningAndUnknownMethod(t *testing.T) {
	f := newFixture(t, true)

	// Unknown method on an idle gateway: not implemented, nothing occupied.
	c := f.invoke(CustomChannel, "deleteCard", channel.Arguments{"authorization": "auth"})
	reply, _ := c.Reply()
	assert.Equal(t, channel.ReplyNotImplemented, reply.Kind)
	assert.Empty(t, f.container.launched)

	first := f.invoke(CustomChannel, payment.MethodRequestPaypalNonce, channel.Arguments{"authorization": "auth"})
	second := f.invoke(CustomChannel, payment.MethodTokenizeCreditCard, channel.Arguments{"authorization": "auth", "cardNumber": "4111111111111111"})
	reply, _ = second.Reply()
	assert.Equal(t, CodeAlreadyRunning, reply.Code)

	third := f.invoke(CustomChannel, "deleteCard", nil)
	reply, _ = third.Reply()
	assert.Equal(t, CodeAlreadyRunning, reply.Code, "busy check precedes method dispatch")

	// The drop-in gateway is independent of the busy custom gateway.
	dropIn := f.invoke(DropInChannel, "start", startArgs)
	_, ok := dropIn.Reply()
	assert.False(t, ok)

	require.True(t, f.signal(flow.DefaultCustomToken, flow.StatusCanceled, ``, nil))
	reply, ok = first.Reply()
	require.True(t, ok)
	assert.Nil(t, reply.Value)
}

func TestCustom_MissingAuthorization(t *testing.T) {
	f := newFixture(t, true)
	c := f.invoke(CustomChannel, payment.MethodTokenizeCreditCard, channel.Arguments{"cardNumber": "4111111111111111"})
	reply, ok := c.Reply()
	require.True(t, ok)
	assert.Equal(t, CodeInvalidInput, reply.Code)
	assert.Empty(t, f.container.launched)
}
