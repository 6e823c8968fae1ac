package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/flowgate/internal/channel"
	"github.com/jkaninda/flowgate/internal/config"
	"github.com/jkaninda/flowgate/internal/flow"
	"github.com/jkaninda/flowgate/internal/observability"
	"github.com/jkaninda/flowgate/internal/plugin"
	"github.com/jkaninda/flowgate/internal/protocol"
	"github.com/jkaninda/flowgate/internal/surface"
)

type harness struct {
	server   *Server
	tracker  *flow.Tracker
	dropIn   *flow.Gateway
	channels *channel.Registry
	metrics  *observability.MetricsCollector
	http     *httptest.Server
}

func newHarness(t *testing.T, token string) *harness {
	t.Helper()
	return newHarnessWithPolicy(t, token, flow.DetachKeepWaiting)
}

func newHarnessWithPolicy(t *testing.T, token string, policy flow.DetachPolicy) *harness {
	t.Helper()
	tracker := flow.NewTracker()
	metrics := observability.NewMetricsCollector()

	dropIn := plugin.NewDropInGateway(flow.DefaultDropInToken, policy, tracker, nil)
	custom := plugin.NewCustomGateway(flow.DefaultCustomToken, policy, tracker, nil)
	dispatcher := flow.NewDispatcher(nil, nil)
	require.NoError(t, dispatcher.Register(dropIn))
	require.NoError(t, dispatcher.Register(custom))

	channels := channel.NewRegistry()
	require.NoError(t, plugin.Register(channels, plugin.NewDropIn(dropIn, nil), plugin.NewCustom(custom, nil)))

	srv := NewServer(surface.NewRegistry(nil), tracker, dispatcher, &config.SurfaceConfig{Token: token}, nil, metrics)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})

	return &harness{server: srv, tracker: tracker, dropIn: dropIn, channels: channels, metrics: metrics, http: ts}
}

func (h *harness) wsURL() string {
	return "ws" + strings.TrimPrefix(h.http.URL, "http")
}

func (h *harness) connect(t *testing.T, surfaceID, token string, script surface.Script) context.CancelFunc {
	t.Helper()
	client := surface.NewClient(surface.ClientConfig{
		GatewayURL: h.wsURL(),
		Token:      token,
		SurfaceID:  surfaceID,
		Name:       "test surface",
		Version:    "test",
	}, nil)
	client.OnLaunch(script.Handler())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = client.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case <-client.Registered():
	case <-time.After(5 * time.Second):
		t.Fatal("surface did not register")
	}
	return cancel
}

func (h *harness) invoke(t *testing.T, name, method string, args channel.Arguments) channel.Reply {
	t.Helper()
	c := channel.NewCapture()
	h.channels.Invoke(context.Background(), name, channel.Call{Method: method, Arguments: args}, c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := c.Wait(ctx)
	require.NoError(t, err, "no reply for %s.%s", name, method)
	return reply
}

var dropInArgs = channel.Arguments{
	"identityToken": "sandbox_token",
	"cardEnabled":   true,
}

func TestServer_RegistrationAttachesContainer(t *testing.T) {
	h := newHarness(t, "")
	h.connect(t, "pos-1", "", surface.Script{Mode: surface.ModeOK})

	require.Eventually(t, func() bool { return h.server.ActiveContainer() != "" }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, strings.HasPrefix(h.server.ActiveContainer(), "pos-1/"))
	assert.Equal(t, 1, h.server.Registry().Count())
}

func TestServer_DropInRoundTrip(t *testing.T) {
	h := newHarness(t, "")
	h.connect(t, "pos-1", "", surface.Script{Mode: surface.ModeOK})

	reply := h.invoke(t, plugin.DropInChannel, "start", dropInArgs)
	require.Equal(t, channel.ReplySuccess, reply.Kind, "reply: %+v", reply)

	payload, ok := reply.Value.(map[string]any)
	require.True(t, ok)
	nonce, ok := payload["paymentMethodNonce"].(map[string]any)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(nonce["nonce"].(string), "fake-nonce-"))
	assert.NotEmpty(t, payload["deviceData"])
}

func TestServer_CustomCancel(t *testing.T) {
	h := newHarness(t, "")
	h.connect(t, "pos-1", "", surface.Script{Mode: surface.ModeCancel})

	reply := h.invoke(t, plugin.CustomChannel, "tokenizeCreditCard", channel.Arguments{
		"authorization": "sandbox_auth",
		"request": map[string]any{
			"cardNumber":      "4111111111111111",
			"expirationMonth": "12",
			"expirationYear":  "2030",
		},
	})
	assert.Equal(t, channel.ReplySuccess, reply.Kind)
	assert.Nil(t, reply.Value)
}

func TestServer_ScriptedErrorBecomesFailure(t *testing.T) {
	h := newHarness(t, "")
	h.connect(t, "pos-1", "", surface.Script{Mode: surface.ModeError, ErrorMessage: "card declined"})

	reply := h.invoke(t, plugin.DropInChannel, "start", dropInArgs)
	require.Equal(t, channel.ReplyError, reply.Kind)
	assert.Equal(t, plugin.CodeBraintreeError, reply.Code)
	assert.Equal(t, "card declined", reply.Message)
}

func TestServer_RejectsBadToken(t *testing.T) {
	h := newHarness(t, "secret")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, h.wsURL()+"?token=wrong", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	h.connect(t, "pos-1", "secret", surface.Script{Mode: surface.ModeOK})
	assert.Equal(t, 1, h.server.Registry().Count())
}

func TestServer_RegistrationMustComeFirst(t *testing.T) {
	h := newHarness(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, h.wsURL(), &websocket.DialOptions{Subprotocols: []string{protocol.Subprotocol}})
	require.NoError(t, err)
	defer conn.CloseNow()

	env, _ := protocol.NewEnvelope(protocol.MsgPing, nil)
	data, _ := envelopeBytes(env)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))

	_, _, err = conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, 0, h.server.Registry().Count())
	assert.Empty(t, h.server.ActiveContainer())
}

func TestServer_DisconnectReleasesContainer(t *testing.T) {
	h := newHarness(t, "")
	stop := h.connect(t, "pos-1", "", surface.Script{Mode: surface.ModeOK})

	var events []flow.EventType
	eventsCh := make(chan flow.EventType, 4)
	h.tracker.Subscribe(func(ev flow.LifecycleEvent) { eventsCh <- ev.Type })

	stop()
	require.Eventually(t, func() bool { return h.server.ActiveContainer() == "" }, 2*time.Second, 10*time.Millisecond)

	select {
	case ev := <-eventsCh:
		events = append(events, ev)
	case <-time.After(time.Second):
	}
	assert.Equal(t, []flow.EventType{flow.EventDetached}, events)
	assert.Equal(t, 0, h.server.Registry().Count())
}

func TestServer_SecondSurfaceTakesOverAndFallsBack(t *testing.T) {
	h := newHarness(t, "")
	h.connect(t, "pos-1", "", surface.Script{Mode: surface.ModeOK})
	first := h.server.ActiveContainer()

	stop := h.connect(t, "pos-2", "", surface.Script{Mode: surface.ModeOK})
	second := h.server.ActiveContainer()
	assert.True(t, strings.HasPrefix(second, "pos-2/"))
	assert.NotEqual(t, first, second)

	stop()
	require.Eventually(t, func() bool { return h.server.ActiveContainer() == first }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_CancelPendingWhenLaunchSurfaceLeavesAfterTakeover(t *testing.T) {
	h := newHarnessWithPolicy(t, "", flow.DetachCancelPending)
	// The surface never answers, so the flow stays pending on pos-a.
	stopA := h.connect(t, "pos-a", "", surface.Script{Mode: surface.ModeOK, Delay: time.Hour})
	launchedOn := h.server.ActiveContainer()

	c := channel.NewCapture()
	h.channels.Invoke(context.Background(), plugin.DropInChannel, channel.Call{Method: "start", Arguments: dropInArgs}, c)
	info, pending := h.dropIn.Pending()
	require.True(t, pending)
	assert.Equal(t, launchedOn, info.ContainerID)

	h.connect(t, "pos-b", "", surface.Script{Mode: surface.ModeOK})
	require.NotEqual(t, launchedOn, h.server.ActiveContainer())
	_, pending = h.dropIn.Pending()
	require.True(t, pending, "a takeover alone must not cancel")

	stopA()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := c.Wait(ctx)
	require.NoError(t, err, "pending flow was not cancelled after its surface left")
	assert.Equal(t, channel.ReplyError, reply.Kind)
	assert.Equal(t, plugin.CodeBraintreeError, reply.Code)

	_, pending = h.dropIn.Pending()
	assert.False(t, pending)
	assert.True(t, strings.HasPrefix(h.server.ActiveContainer(), "pos-b/"))
}

func TestServer_ReplacedConnectionKeepsGaugeInSync(t *testing.T) {
	h := newHarness(t, "")

	first := h.dialRegistered(t, "pos-1")
	defer first.CloseNow()
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SurfacesConnected))

	// first never reads, so it cannot answer a close handshake; the second
	// registration must still be confirmed promptly.
	second := h.dialRegistered(t, "pos-1")
	defer second.CloseNow()

	assert.Equal(t, 1, h.server.Registry().Count())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SurfacesConnected))

	second.CloseNow()
	require.Eventually(t, func() bool { return h.server.Registry().Count() == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.SurfacesConnected) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

// dialRegistered opens a raw connection and registers it as surfaceID.
func (h *harness) dialRegistered(t *testing.T, surfaceID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, h.wsURL(), &websocket.DialOptions{Subprotocols: []string{protocol.Subprotocol}})
	require.NoError(t, err)

	reg, _ := protocol.NewEnvelope(protocol.MsgSurfaceRegister, protocol.SurfaceInfo{SurfaceID: surfaceID})
	data, _ := envelopeBytes(reg)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))

	_, data, err = conn.Read(ctx)
	require.NoError(t, err, "registration of %s was not confirmed", surfaceID)
	got, err := protocol.Parse(data)
	require.NoError(t, err)
	require.Equal(t, protocol.MsgRegistered, got.Type)
	return conn
}

func TestServer_UnhandledResultDoesNotCrash(t *testing.T) {
	h := newHarness(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, h.wsURL(), &websocket.DialOptions{Subprotocols: []string{protocol.Subprotocol}})
	require.NoError(t, err)
	defer conn.CloseNow()

	reg, _ := protocol.NewEnvelope(protocol.MsgSurfaceRegister, protocol.SurfaceInfo{SurfaceID: "raw"})
	data, _ := envelopeBytes(reg)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))

	_, data, err = conn.Read(ctx)
	require.NoError(t, err)
	got, err := protocol.Parse(data)
	require.NoError(t, err)
	require.Equal(t, protocol.MsgRegistered, got.Type)

	res, _ := protocol.NewEnvelope(protocol.MsgFlowResult, protocol.FlowResultPayload{RequestCode: 99, Status: "ok"})
	data, _ = envelopeBytes(res)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))

	_, data, err = conn.Read(ctx)
	require.NoError(t, err)
	got, err = protocol.Parse(data)
	require.NoError(t, err)
	require.Equal(t, protocol.MsgError, got.Type)

	var errPayload protocol.ErrorPayload
	require.NoError(t, got.Decode(&errPayload))
	assert.Equal(t, protocol.ErrCodeUnhandledResult, errPayload.Code)
}

func envelopeBytes(env *protocol.Envelope) ([]byte, error) {
	return json.Marshal(env)
}
