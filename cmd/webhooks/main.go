package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "webhooks",
	Short: "Operator tooling for the webhook delivery engine",
	Long: `webhooks provides operator commands for the webhook delivery engine:
triggering a retry-scheduler sweep, cleaning up old delivered rows, and
inspecting or resetting per-subscription circuit breakers.

Database and Redis connection settings are read from the same WEBHOOK_*
environment variables as the server.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
	},
}

func init() {
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(circuitBreakerCmd)
}
