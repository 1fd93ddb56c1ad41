package main

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the scheduler loop only",
	Long:  `Run the scheduler loop: schedule activation, stale-task recovery, fan-out under the concurrency gate and retention cleanup.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		return a.scheduler.Start(ctx)
	},
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run a single scheduler tick and print its report",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		report := a.scheduler.Tick(cmd.Context())
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal report: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.db.Migrate(cmd.Context()); err != nil {
			return err
		}
		a.log.Info().Msg("schema applied")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(schedulerCmd, tickCmd, migrateCmd)
}
