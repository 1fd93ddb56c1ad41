package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	dlqLimit    int
	dlqAll      bool
	replayActor string
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay dead-lettered tasks",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letters, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		letters, err := a.queue.ListDeadLetters(cmd.Context(), dlqAll, dlqLimit)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTASK\tJOB\tREASON\tMESSAGE\tCREATED\tREPLAYED")
		for _, dl := range letters {
			replayed := "-"
			if dl.ReplayedAt != nil {
				replayed = dl.ReplayedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
				dl.ID, dl.TaskID, dl.Error.JobID, dl.Error.Reason, dl.Error.Message,
				dl.CreatedAt.Format(time.RFC3339), replayed)
		}
		return tw.Flush()
	},
}

var dlqReplayCmd = &cobra.Command{
	Use:   "replay <id>",
	Short: "Re-queue the task behind a dead letter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid dead letter id %q: %w", args[0], err)
		}
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		task, err := a.orch.ReplayDeadLetter(cmd.Context(), id, replayActor)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "task %s is %s\n", task.ID, task.Status)
		return nil
	},
}

func init() {
	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 50, "Maximum entries to list")
	dlqListCmd.Flags().BoolVar(&dlqAll, "all", false, "Include replayed entries")
	dlqReplayCmd.Flags().StringVar(&replayActor, "actor", "cli", "Actor recorded in the audit log")
	dlqCmd.AddCommand(dlqListCmd, dlqReplayCmd)
	rootCmd.AddCommand(dlqCmd)
}
