package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/flowgate/internal/channel"
	"github.com/jkaninda/flowgate/internal/config"
	"github.com/jkaninda/flowgate/internal/flow"
	"github.com/jkaninda/flowgate/internal/gateway"
	"github.com/jkaninda/flowgate/internal/gateway/httpapi"
	"github.com/jkaninda/flowgate/internal/gateway/mcpserver"
	"github.com/jkaninda/flowgate/internal/gateway/ws"
	"github.com/jkaninda/flowgate/internal/maintenance"
	"github.com/jkaninda/flowgate/internal/observability"
	"github.com/jkaninda/flowgate/internal/plugin"
	"github.com/jkaninda/flowgate/internal/storage"
	"github.com/jkaninda/flowgate/internal/surface"
)

var (
	serveConfigPath string
	servePort       string
	serveDropInCode string
	serveCustomCode string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway (HTTP API, surface WebSocket endpoint, MCP)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `flowgate --config path` and `flowgate serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", "", "path to config file (JSON or YAML)")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
		cmd.Flags().StringVar(&serveDropInCode, "drop-in-request-code", "", "override the drop-in request code (decimal or 0x hex)")
		cmd.Flags().StringVar(&serveCustomCode, "custom-request-code", "", "override the custom request code (decimal or 0x hex)")
	}
}

// applyOverrides copies CLI flags into cfg.
func applyOverrides(cfg *config.Config) error {
	if servePort != "" {
		cfg.Server.ListenAddr = servePort
	}
	if serveDropInCode != "" {
		code, err := config.ParseRequestCode(serveDropInCode)
		if err != nil {
			return fmt.Errorf("--drop-in-request-code: %w", err)
		}
		if cfg.Flows.DropIn == nil {
			cfg.Flows.DropIn = &config.FlowConfig{}
		}
		cfg.Flows.DropIn.RequestCode = code
	}
	if serveCustomCode != "" {
		code, err := config.ParseRequestCode(serveCustomCode)
		if err != nil {
			return fmt.Errorf("--custom-request-code: %w", err)
		}
		if cfg.Flows.Custom == nil {
			cfg.Flows.Custom = &config.FlowConfig{}
		}
		cfg.Flows.Custom.RequestCode = code
	}
	if cfg.Flows.DropInRequestCode() == cfg.Flows.CustomRequestCode() {
		return fmt.Errorf("drop-in and custom request codes must differ (both %#x)", cfg.Flows.DropInRequestCode())
	}
	return nil
}

// runServe starts the gateway and blocks until SIGINT/SIGTERM.
func runServe(_ *cobra.Command, _ []string) error {
	configPath := goutils.Env("FLOWGATE_CONFIG", serveConfigPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := applyOverrides(cfg); err != nil {
		return err
	}

	logger := newLogger(cfg.Logging)
	logger.Info("starting flowgate",
		slog.String("version", version),
		slog.String("config", configPath),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return fmt.Errorf("initializing observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
		defer cancel()
		obs.Shutdown(shutdownCtx)
	}()
	logger.Debug("observability initialized",
		slog.Bool("metrics", obs.Metrics != nil),
		slog.Bool("tracing", obs.Tracer != nil),
		slog.Bool("anomaly", obs.Anomaly != nil),
	)

	// Flow history (optional).
	var store storage.HistoryStore
	var recorder *storage.Recorder
	if cfg.History.IsEnabled() {
		s, err := initStore(cfg, logger)
		if err != nil {
			return fmt.Errorf("initializing storage: %w", err)
		}
		store = s
		defer func() {
			if err := store.Close(); err != nil {
				logger.Error("closing store", slog.String("error", err.Error()))
			}
		}()
		obs.Health.AddCheck("storage", store.Ping)

		recorder = storage.NewRecorder(store, cfg.History.Queue(), logger, obs.Metrics)
		recorder.Start()
		defer recorder.Stop()
		logger.Debug("flow history enabled",
			slog.String("driver", store.Driver()),
			slog.String("retention", cfg.History.Retention().String()),
		)
	}

	// Flow core.
	tracker := flow.NewTracker()
	tracker.Subscribe(func(ev flow.LifecycleEvent) {
		logger.Info("presentation container "+ev.Type.String(), slog.String("container_id", ev.ContainerID))
	})
	obs.Health.AddCheck("surface", func(context.Context) error {
		if _, ok := tracker.Active(); !ok {
			return errors.New("no presentation surface attached")
		}
		return nil
	})

	dropInPolicy, err := flow.ParseDetachPolicy(cfg.Flows.DropInDetachPolicy())
	if err != nil {
		return fmt.Errorf("flows.drop_in.on_detach: %w", err)
	}
	customPolicy, err := flow.ParseDetachPolicy(cfg.Flows.CustomDetachPolicy())
	if err != nil {
		return fmt.Errorf("flows.custom.on_detach: %w", err)
	}

	opts := obs.GatewayOptions()
	if recorder != nil {
		opts = append(opts, flow.WithObserver(recorder))
	}
	dropIn := plugin.NewDropInGateway(flow.Token(cfg.Flows.DropInRequestCode()), dropInPolicy, tracker, logger, opts...)
	custom := plugin.NewCustomGateway(flow.Token(cfg.Flows.CustomRequestCode()), customPolicy, tracker, logger, opts...)
	flowGateways := []*flow.Gateway{dropIn, custom}

	dispatcher := flow.NewDispatcher(logger, obs.Metrics.FlowMetrics())
	for _, g := range flowGateways {
		if err := dispatcher.Register(g); err != nil {
			return fmt.Errorf("registering gateway %s: %w", g.Name(), err)
		}
		logger.Debug("flow gateway registered",
			slog.String("gateway", g.Name()),
			slog.String("request_code", g.Token().String()),
			slog.String("on_detach", g.Policy().String()),
		)
	}

	channels := channel.NewRegistry()
	if err := plugin.Register(channels, plugin.NewDropIn(dropIn, logger), plugin.NewCustom(custom, logger)); err != nil {
		return fmt.Errorf("registering channels: %w", err)
	}

	// Presentation surface endpoint.
	wsServer := ws.NewServer(surface.NewRegistry(logger), tracker, dispatcher, cfg.Surface, logger, obs.Metrics)
	defer wsServer.Close()
	if cfg.Surface.SharedToken() == "" {
		logger.Warn("surface endpoint has no shared token; any client can register")
	}

	// HTTP API.
	svc := httpapi.NewService(channels, tracker, flowGateways, wsServer.Registry(), store)
	auth := httpapi.NewAuthenticator(cfg.Server.APIKeyHashes, cfg.Server.APIKeys)
	if !auth.Enabled() {
		logger.Warn("no API keys configured; the HTTP API is open")
	}

	httpCfg := httpapi.Config{
		ListenAddr:     cfg.Server.Addr(),
		EnableDocs:     cfg.Server.EnableDocs,
		Auth:           auth,
		MaxRequestSize: cfg.Server.MaxRequestSizeBytes,
		HealthChecker:  obs.Health,
		Metrics:        obs.Metrics,
		Tracer:         tracerOrNil(obs),
	}
	if obs.Metrics != nil {
		httpCfg.MetricsRegistry = obs.Metrics.Registry
		httpCfg.MetricsPath = cfg.Observability.Metrics.MetricsPath()
	}
	httpGW := httpapi.NewGateway(httpCfg, svc, logger).
		WithHandler(cfg.Surface.WSPath(), wsServer.Handler())

	if cfg.MCP != nil && cfg.MCP.Enabled {
		mcpSrv := mcpserver.New(svc, logger)
		httpGW.WithHandler(cfg.MCP.MCPPath(), auth.Middleware(mcpSrv.Handler()),
			http.MethodGet, http.MethodPost, http.MethodDelete)
		logger.Debug("mcp endpoint mounted", slog.String("path", cfg.MCP.MCPPath()))
	}

	// Maintenance jobs (optional).
	if cfg.Maintenance != nil && cfg.Maintenance.Enabled {
		sched, err := newMaintenance(cfg, store, flowGateways, obs, logger)
		if err != nil {
			return fmt.Errorf("initializing maintenance: %w", err)
		}
		sched.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
			defer cancel()
			sched.Stop(stopCtx)
		}()
	}

	gateways := []gateway.Gateway{httpGW}

	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for signal or first gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline. Pending flows stay pending until the
	// process exits; they are never persisted.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}
	for _, g := range flowGateways {
		if info, ok := g.Pending(); ok {
			logger.Warn("exiting with a pending flow",
				slog.String("gateway", g.Name()),
				slog.String("flow_id", info.FlowID),
				slog.String("method", info.Method),
			)
		}
	}

	return nil
}

func newMaintenance(cfg *config.Config, store storage.HistoryStore, flowGateways []*flow.Gateway, obs *observability.Observability, logger *slog.Logger) (*maintenance.Scheduler, error) {
	var pruner maintenance.Pruner
	if store != nil {
		pruner = store
	}
	var gauges maintenance.Gauges
	var metrics *maintenance.Metrics
	if obs.Metrics != nil {
		gauges = obs.Metrics
		metrics = maintenance.NewMetrics(obs.Metrics.Registry)
	}

	sources := make([]maintenance.PendingSource, 0, len(flowGateways))
	for _, g := range flowGateways {
		sources = append(sources, g)
	}
	return maintenance.New(cfg.Maintenance, cfg.History.Retention(), pruner, sources, gauges, metrics, logger)
}

func tracerOrNil(obs *observability.Observability) trace.Tracer {
	if ts := obs.TracerOrNil(); ts != nil {
		return ts.Tracer()
	}
	return nil
}
