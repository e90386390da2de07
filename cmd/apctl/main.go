// Package main implements apctl, the operator CLI for the autopilot daemon.
package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL of the autopilotd HTTP server
	serverURL string
	// adminToken is sent as X-Admin-Token
	adminToken string
	// timeout bounds each request; readiness polls and merges can be slow
	timeout time.Duration
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "apctl",
	Short: "CLI for the autopilot daemon",
	Long: `apctl drives the autopilot daemon over HTTP.

Proposals move through propose, decide and execute. Execution needs the
capability token printed by an approving decision.

The change commands manage pull requests on the configured repository.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("AUTOPILOT_SERVER", "http://127.0.0.1:8787"), "autopilotd server URL")
	rootCmd.PersistentFlags().StringVar(&adminToken, "admin-token", os.Getenv("AUTOPILOT_ADMIN_TOKEN"), "operator API token")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "request timeout")

	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(proposeCmd, pendingCmd, showCmd, decideCmd, executeCmd)
	rootCmd.AddCommand(changeCmd, approvalsCmd, worktreeCmd)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check autopilotd health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient().do(cmd, "GET", "/health", nil)
	},
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
