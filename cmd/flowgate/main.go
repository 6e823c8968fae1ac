// Flowgate: single-flight payment flow gateway.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "flowgate",
	Short: "Flowgate, a single-flight gateway for asynchronous payment flows.",
	Long: `Flowgate exposes Braintree drop-in and custom payment flows as RPC
channels. Each flow kind runs at most one flow at a time; the result is
reported by a presentation surface connected over WebSocket and correlated
back to the waiting caller by request code.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, surfaceCmd, invokeCmd, hashKeyCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
