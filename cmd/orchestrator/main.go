// Package main provides the orchestrator command line: the HTTP callback server, the
// scheduler loop and operational commands.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Agent task orchestration engine",
	Long: `Runs multi-agent jobs: dependency-ordered task graphs dispatched to external agents
through a durable work queue, with review loops, schedules and artifact versioning.

Configuration comes from --config (JSON) and the environment; the environment wins.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.json file")
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
