// Package httpapi implements the HTTP RPC surface of the flow gateway.
//
// Security:
//   - API key authentication on /v1 (Argon2id hashes or constant-time
//     comparison against FLOWGATE_API_KEYS)
//   - Request body size limits (default 1 MB)
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/flowgate/internal/observability"
	"github.com/jkaninda/flowgate/internal/payment"
	"github.com/jkaninda/flowgate/internal/plugin"
	"github.com/jkaninda/flowgate/internal/storage"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	Auth           *Authenticator // nil or empty = open API.
	MaxRequestSize int64          // 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

func (c Config) maxRequestSize() int64 {
	if c.MaxRequestSize > 0 {
		return c.MaxRequestSize
	}
	return defaultMaxRequestSize
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	service *Service
	logger  *slog.Logger
	server  *http.Server

	// Extra handlers mounted on the HTTP mux (WebSocket surface endpoint, MCP).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

type extraRoute struct {
	methods []string
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway over svc.
func NewGateway(cfg Config, svc *Service, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		config:  cfg,
		service: svc,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(cfg.maxRequestSize())),
	}
}

// WithOpenAPIDocs enables the generated OpenAPI documentation.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Flowgate",
			Version: observability.ServiceVersion,
		},
	)
	return g
}

// WithHandler mounts handler at pattern for the given methods (GET when none).
func (g *Gateway) WithHandler(pattern string, handler http.Handler, methods ...string) *Gateway {
	if len(methods) == 0 {
		methods = []string{http.MethodGet}
	}
	g.extraRoutes = append(g.extraRoutes, extraRoute{methods: methods, pattern: pattern, handler: handler})
	return g
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	limit := g.config.maxRequestSize()
	g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	})
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/channels/{channel}/invoke", g.handleInvoke,
		okapi.DocSummary("Invoke a method on a flow channel"),
		okapi.DocTags("Flows"),
		okapi.DocPathParam("channel", "string", "Channel name (braintree.drop_in, braintree.custom)"),
		okapi.DocRequestBody(InvokeRequest{}),
		okapi.DocResponse(InvokeResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusNotImplemented, ErrorBody{}),
		okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
	)
	g.group.Post("/drop-in/start", g.method(plugin.DropInChannel, payment.MethodStart),
		okapi.DocSummary("Start the drop-in payment flow"),
		okapi.DocTags("Drop-in"),
		okapi.DocRequestBody(map[string]any{}),
		okapi.DocResponse(InvokeResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
	)
	g.group.Post("/custom/tokenize-credit-card", g.method(plugin.CustomChannel, payment.MethodTokenizeCreditCard),
		okapi.DocSummary("Tokenize a credit card"),
		okapi.DocTags("Custom"),
		okapi.DocRequestBody(map[string]any{}),
		okapi.DocResponse(InvokeResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
	)
	g.group.Post("/custom/request-paypal-nonce", g.method(plugin.CustomChannel, payment.MethodRequestPaypalNonce),
		okapi.DocSummary("Request a PayPal nonce"),
		okapi.DocTags("Custom"),
		okapi.DocRequestBody(map[string]any{}),
		okapi.DocResponse(InvokeResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
	)
	g.group.Get("/flows/status", g.handleStatus,
		okapi.DocSummary("Active container, pending flows and connected surfaces"),
		okapi.DocTags("Flows"),
		okapi.DocResponse(StatusResponse{}),
	)
	g.group.Get("/flows/history", g.handleHistory,
		okapi.DocSummary("Recently completed flows"),
		okapi.DocTags("Flows"),
		okapi.DocResponse([]storage.FlowRecord{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	g.group.Get("/flows/history/{id}", g.handleHistoryGet,
		okapi.DocSummary("One completed flow"),
		okapi.DocTags("Flows"),
		okapi.DocPathParam("id", "string", "Flow ID"),
		okapi.DocResponse(storage.FlowRecord{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	for _, er := range g.extraRoutes {
		for _, m := range er.methods {
			g.okapi.HandleStd(m, er.pattern, er.handler.ServeHTTP)
		}
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	// No WriteTimeout: an invocation blocks until the surface reports.
	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting",
		slog.String("addr", g.config.ListenAddr),
		slog.Bool("auth", g.config.Auth.Enabled()),
	)
	err := g.okapi.StartServer(g.server)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.server.Shutdown(ctx)
}

// --- Handlers ---

// InvokeRequest is the JSON body for POST /v1/channels/{channel}/invoke.
type InvokeRequest struct {
	Method    string         `json:"method"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

func (g *Gateway) handleInvoke(c *okapi.Context) error {
	var req InvokeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorBody{Code: plugin.CodeInvalidInput, Message: "invalid request body"})
	}
	if req.Method == "" {
		return c.JSON(http.StatusBadRequest, ErrorBody{Code: plugin.CodeInvalidInput, Message: "method is required"})
	}
	return g.invoke(c, c.Param("channel"), req.Method, req.Arguments)
}

// method serves a fixed channel method whose body is the argument map.
func (g *Gateway) method(name, method string) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		args := map[string]any{}
		if err := c.Bind(&args); err != nil {
			return c.JSON(http.StatusBadRequest, ErrorBody{Code: plugin.CodeInvalidInput, Message: "invalid request body"})
		}
		return g.invoke(c, name, method, args)
	}
}

func (g *Gateway) invoke(c *okapi.Context, name, method string, args map[string]any) error {
	start := time.Now()
	status, body := g.service.Invoke(c.Context(), name, method, args)

	attrs := []any{
		slog.String("channel", name),
		slog.String("method", method),
		slog.Int("status", status),
		slog.Duration("elapsed", time.Since(start)),
	}
	if caller := c.GetString("callerID"); caller != "" {
		attrs = append(attrs, slog.String("caller_id", caller))
	}
	if eb, ok := body.(ErrorBody); ok {
		attrs = append(attrs, slog.String("code", eb.Code))
	}
	g.logger.Info("channel invocation", attrs...)

	return c.JSON(status, body)
}

func (g *Gateway) handleStatus(c *okapi.Context) error {
	return c.OK(g.service.Status())
}

func (g *Gateway) handleHistory(c *okapi.Context) error {
	limit := 0
	if raw := c.Request().URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return c.JSON(http.StatusBadRequest, ErrorBody{Code: plugin.CodeInvalidInput, Message: "limit must be a non-negative integer"})
		}
		limit = n
	}

	recs, err := g.service.History(c.Context(), limit)
	if err != nil {
		return g.historyError(c, err)
	}
	return c.OK(recs)
}

func (g *Gateway) handleHistoryGet(c *okapi.Context) error {
	rec, err := g.service.Flow(c.Context(), c.Param("id"))
	if err != nil {
		return g.historyError(c, err)
	}
	return c.OK(rec)
}

func (g *Gateway) historyError(c *okapi.Context, err error) error {
	status, body := historyErrorStatus(err)
	if status == http.StatusInternalServerError {
		g.logger.Error("flow history query failed", slog.String("error", err.Error()))
	}
	return c.JSON(status, body)
}

func historyErrorStatus(err error) (int, ErrorBody) {
	switch {
	case errors.Is(err, ErrHistoryDisabled):
		return http.StatusServiceUnavailable, ErrorBody{Code: "history_disabled", Message: err.Error()}
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, ErrorBody{Code: "not_found", Message: "flow not found"}
	default:
		return http.StatusInternalServerError, ErrorBody{Code: "error", Message: "history query failed"}
	}
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if !g.config.Auth.Enabled() {
			return next(c)
		}
		callerID, ok := g.config.Auth.Verify(bearerToken(c.Header("Authorization")))
		if !ok {
			return c.JSON(http.StatusUnauthorized, ErrorBody{Code: "unauthorized", Message: "missing or invalid API key"})
		}
		c.Set("callerID", callerID)
		return next(c)
	}
}

func bearerToken(header string) string {
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
