// Patternd is the conversation pattern daemon.
//
// It consumes message events from NATS (and optionally Kafka), answers
// customers from learned patterns, proposes and runs bounded operational
// actions, learns new patterns from operator replies, and serves the
// management API.
//
// Usage:
//
//	# Start with ~/.config/patternd/config.yaml and environment overrides
//	patternd serve
//
//	# Use a specific config file
//	patternd serve --config /etc/patternd/config.yaml
//
//	# Override settings through the environment
//	PATTERND_SERVER_HTTP_PORT=9191 PATTERND_FLAGS_SHADOW_MODE=true patternd serve
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "patternd",
		Short: "Conversation pattern learning and response daemon",
		Long: `patternd answers recurring customer messages from learned patterns.

Messages arrive over NATS or Kafka. Confident matches are sent or proposed
as actions, uncertain ones are suggested to an operator, and operator
replies teach the daemon new patterns.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		Long: `Run the daemon until SIGINT or SIGTERM.

Examples:
  # Run with the default config file
  patternd serve

  # Run with an explicit config file
  patternd serve --config /etc/patternd/config.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serveUntilSignal(cmd.Context(), configPath)
		},
	}
	serve.Flags().StringVar(&configPath, "config", "", "config file (default ~/.config/patternd/config.yaml)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			printVersion(cmd.OutOrStdout())
		},
	}

	root.AddCommand(serve, versionCmd)
	return root
}

// printVersion prints version information
func printVersion(w io.Writer) {
	fmt.Fprintf(w, "patternd by Fyrsmith Labs\n")
	fmt.Fprintf(w, "Version:    %s\n", version)
	fmt.Fprintf(w, "Commit:     %s\n", gitCommit)
	fmt.Fprintf(w, "Build Date: %s\n", buildDate)
}
