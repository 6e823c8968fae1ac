package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jkaninda/flowgate/internal/observability"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "2026-10-18"
)

func init() {
	observability.ServiceVersion = version
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("flowgate %s (commit: %s, built: %s)\n", version, commit, date)
	},
}
