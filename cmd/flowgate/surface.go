package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/jkaninda/flowgate/internal/surface"
)

var (
	surfaceGatewayURL string
	surfaceToken      string
	surfaceID         string
	surfaceName       string
	surfaceMode       string
	surfaceDelay      time.Duration
	surfaceErrMessage string
	surfaceLogLevel   string
)

var surfaceCmd = &cobra.Command{
	Use:   "surface",
	Short: "Run a scripted presentation surface for local development",
	Long: `Connect to a running gateway as a presentation surface and answer
every launched flow with a fixed outcome, standing in for a checkout UI.

Modes:
  ok         report a fake nonce
  cancel     report a user cancellation
  error      report a provider error (--error-message)
  malformed  report a success payload the decoder rejects

Examples:
  flowgate surface --mode ok
  flowgate surface --mode cancel --delay 2s
  flowgate surface --gateway-url ws://gw:8080/ws/surface --token s3cret`,
	RunE: runSurface,
}

func init() {
	host, _ := os.Hostname()
	if host == "" {
		host = "local"
	}
	surfaceCmd.Flags().StringVar(&surfaceGatewayURL, "gateway-url", "ws://localhost:8080/ws/surface", "gateway surface WebSocket URL (or FLOWGATE_SURFACE_URL env)")
	surfaceCmd.Flags().StringVar(&surfaceToken, "token", "", "shared surface token (or FLOWGATE_SURFACE_TOKEN env)")
	surfaceCmd.Flags().StringVar(&surfaceID, "surface-id", "scripted-"+host, "surface ID")
	surfaceCmd.Flags().StringVar(&surfaceName, "name", "scripted surface", "display name")
	surfaceCmd.Flags().StringVar(&surfaceMode, "mode", surface.ModeOK, "outcome to report: ok, cancel, error, malformed")
	surfaceCmd.Flags().DurationVar(&surfaceDelay, "delay", 500*time.Millisecond, "time to wait before reporting")
	surfaceCmd.Flags().StringVar(&surfaceErrMessage, "error-message", "", "error text for --mode error")
	surfaceCmd.Flags().StringVar(&surfaceLogLevel, "log-level", "info", "log level: debug, info, warn, error")
}

func runSurface(_ *cobra.Command, _ []string) error {
	script := surface.Script{
		Mode:         surfaceMode,
		Delay:        surfaceDelay,
		ErrorMessage: surfaceErrMessage,
	}
	if err := script.Validate(); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(surfaceLogLevel)}))

	client := surface.NewClient(surface.ClientConfig{
		GatewayURL:   goutils.Env("FLOWGATE_SURFACE_URL", surfaceGatewayURL),
		Token:        goutils.Env("FLOWGATE_SURFACE_TOKEN", surfaceToken),
		SurfaceID:    surfaceID,
		Name:         surfaceName,
		Capabilities: []string{"drop_in", "custom"},
		Version:      version,
	}, logger)
	client.OnLaunch(script.Handler())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		select {
		case <-client.Registered():
			fmt.Fprintf(os.Stderr, "registered as %s, answering every flow with %q\n", surfaceID, script.Mode)
		case <-ctx.Done():
		}
	}()

	if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
