package surface

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/flowgate/internal/protocol"
)

// ClientConfig configures the surface-side WebSocket client.
type ClientConfig struct {
	GatewayURL        string
	Token             string
	SurfaceID         string
	Name              string
	Capabilities      []string
	Version           string
	HeartbeatInterval time.Duration
	ReconnectInterval time.Duration
}

// LaunchHandler presents one flow. Returning a non-nil result sends it as
// the flow.result; returning nil means the host will call Client.Report
// itself once the user finishes.
type LaunchHandler func(ctx context.Context, launch protocol.FlowLaunchPayload) *protocol.FlowResultPayload

// Client is the surface-side WebSocket client that connects to the gateway.
type Client struct {
	cfg     ClientConfig
	logger  *slog.Logger
	handler LaunchHandler

	conn   *websocket.Conn
	connMu sync.Mutex

	presentingMu sync.Mutex
	presenting   int

	registered chan struct{}
	regOnce    sync.Once
}

// NewClient creates a surface client.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		logger:     logger,
		registered: make(chan struct{}),
	}
}

// OnLaunch sets the handler for incoming flow launches.
func (c *Client) OnLaunch(handler LaunchHandler) {
	c.handler = handler
}

// Registered is closed after the first successful registration.
func (c *Client) Registered() <-chan struct{} {
	return c.registered
}

// Run connects to the gateway and serves launches, reconnecting with
// exponential backoff. Blocks until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempt++
		backoff := c.backoff(attempt)
		c.logger.Warn("disconnected from gateway, reconnecting",
			slog.String("error", err.Error()),
			slog.String("backoff", backoff.String()),
			slog.Int("attempt", attempt),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.cfg.GatewayURL)
	if err != nil {
		return "", fmt.Errorf("parsing gateway url: %w", err)
	}
	if c.cfg.Token != "" {
		q := u.Query()
		q.Set("token", c.cfg.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Client) connectAndServe(ctx context.Context) error {
	dialURL, err := c.dialURL()
	if err != nil {
		return err
	}

	conn, _, err := websocket.Dial(ctx, dialURL, &websocket.DialOptions{
		Subprotocols: []string{protocol.Subprotocol},
	})
	if err != nil {
		return fmt.Errorf("dialing gateway: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	defer func() {
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "surface shutting down")
	}()

	if err := c.sendRegistration(ctx, conn); err != nil {
		return fmt.Errorf("registration: %w", err)
	}
	if err := c.waitForRegistered(ctx, conn); err != nil {
		return fmt.Errorf("registration confirmation: %w", err)
	}

	c.logger.Info("connected to gateway",
		slog.String("url", c.cfg.GatewayURL),
		slog.String("surface_id", c.cfg.SurfaceID),
	)
	c.regOnce.Do(func() { close(c.registered) })

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go c.heartbeatLoop(hbCtx, conn)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("invalid message from gateway", slog.String("error", err.Error()))
			continue
		}

		c.handleMessage(ctx, conn, &env)
	}
}

func (c *Client) sendRegistration(ctx context.Context, conn *websocket.Conn) error {
	env, err := protocol.NewEnvelope(protocol.MsgSurfaceRegister, protocol.SurfaceInfo{
		SurfaceID:    c.cfg.SurfaceID,
		Name:         c.cfg.Name,
		Capabilities: c.cfg.Capabilities,
		Version:      c.cfg.Version,
	})
	if err != nil {
		return err
	}
	env.SurfaceID = c.cfg.SurfaceID
	return c.writeEnvelope(ctx, conn, env)
}

func (c *Client) waitForRegistered(ctx context.Context, conn *websocket.Conn) error {
	regCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, data, err := conn.Read(regCtx)
	if err != nil {
		return fmt.Errorf("reading confirmation: %w", err)
	}

	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("parsing confirmation: %w", err)
	}
	if env.Type != protocol.MsgRegistered {
		return fmt.Errorf("expected %s, got %s", protocol.MsgRegistered, env.Type)
	}
	return nil
}

func (c *Client) handleMessage(ctx context.Context, conn *websocket.Conn, env *protocol.Envelope) {
	switch env.Type {
	case protocol.MsgFlowLaunch:
		var launch protocol.FlowLaunchPayload
		if err := env.Decode(&launch); err != nil {
			c.logger.Error("invalid flow launch", slog.String("error", err.Error()))
			return
		}
		c.logger.Info("flow launch received",
			slog.String("flow_id", launch.FlowID),
			slog.String("method", launch.Method),
			slog.Int("request_code", launch.RequestCode),
		)
		go c.present(ctx, conn, launch)

	case protocol.MsgPing:
		pong, _ := protocol.NewEnvelope(protocol.MsgPong, nil)
		pong.SurfaceID = c.cfg.SurfaceID
		c.writeEnvelope(ctx, conn, pong)

	case protocol.MsgError:
		var errPayload protocol.ErrorPayload
		if err := env.Decode(&errPayload); err == nil {
			c.logger.Warn("error from gateway",
				slog.String("code", errPayload.Code),
				slog.String("message", errPayload.Message),
			)
		}

	default:
		c.logger.Debug("unknown message from gateway", slog.String("type", string(env.Type)))
	}
}

func (c *Client) present(ctx context.Context, conn *websocket.Conn, launch protocol.FlowLaunchPayload) {
	if c.handler == nil {
		msg := "no launch handler configured"
		c.send(ctx, conn, launch.FlowID, protocol.FlowResultPayload{
			RequestCode: launch.RequestCode,
			Status:      "error",
			Error:       &msg,
		})
		return
	}

	c.setPresenting(1)
	defer c.setPresenting(-1)

	if result := c.handler(ctx, launch); result != nil {
		c.send(ctx, conn, launch.FlowID, *result)
	}
}

// Report sends a flow.result on the current connection. The request code must
// be the one received in the launch.
func (c *Client) Report(ctx context.Context, flowID string, result protocol.FlowResultPayload) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.send(ctx, conn, flowID, result)
}

func (c *Client) send(ctx context.Context, conn *websocket.Conn, flowID string, result protocol.FlowResultPayload) error {
	env, err := protocol.NewEnvelope(protocol.MsgFlowResult, result)
	if err != nil {
		return err
	}
	env.SurfaceID = c.cfg.SurfaceID
	env.FlowID = flowID
	if err := c.writeEnvelope(ctx, conn, env); err != nil {
		c.logger.Warn("sending flow result failed",
			slog.String("flow_id", flowID),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

func (c *Client) setPresenting(delta int) {
	c.presentingMu.Lock()
	c.presenting += delta
	c.presentingMu.Unlock()
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.presentingMu.Lock()
			presenting := c.presenting > 0
			c.presentingMu.Unlock()

			env, _ := protocol.NewEnvelope(protocol.MsgSurfaceHeartbeat, protocol.HeartbeatPayload{
				Presenting: presenting,
			})
			env.SurfaceID = c.cfg.SurfaceID
			if err := c.writeEnvelope(ctx, conn, env); err != nil {
				return
			}
		}
	}
}

func (c *Client) writeEnvelope(ctx context.Context, conn *websocket.Conn, env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// backoff returns exponential backoff capped at 60s.
func (c *Client) backoff(attempt int) time.Duration {
	base := c.cfg.ReconnectInterval
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if d > 60*time.Second {
		d = 60 * time.Second
	}
	return d
}
