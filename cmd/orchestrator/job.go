package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jonathan/agent-orchestrator/internal/orchestrator"
)

var jobActor string

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Submit and control jobs",
}

var jobSubmitCmd = &cobra.Command{
	Use:   "submit <spec.json>",
	Short: "Submit a job from a JSON job spec",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read job spec: %w", err)
		}
		var spec orchestrator.JobSpec
		if err := json.Unmarshal(data, &spec); err != nil {
			return fmt.Errorf("failed to parse job spec: %w", err)
		}

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		job, tasks, err := a.orch.SubmitJob(cmd.Context(), spec)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "job %s (%s) with %d tasks\n", job.ID, job.Status, len(tasks))
		return nil
	},
}

// jobAction builds a command that applies fn to the job id argument.
func jobAction(use, short string, fn func(a *app, cmd *cobra.Command, id uuid.UUID) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid id %q: %w", args[0], err)
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if err := fn(a, cmd, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", use)
			return nil
		},
	}
}

func init() {
	jobCmd.PersistentFlags().StringVar(&jobActor, "actor", "cli", "Actor recorded in the audit log")
	jobCmd.AddCommand(
		jobSubmitCmd,
		jobAction("cancel", "Cancel a job and its unfinished tasks", func(a *app, cmd *cobra.Command, id uuid.UUID) error {
			return a.orch.CancelJob(cmd.Context(), id, jobActor)
		}),
		jobAction("pause", "Pause a job; no new tasks are dispatched", func(a *app, cmd *cobra.Command, id uuid.UUID) error {
			return a.orch.PauseJob(cmd.Context(), id, jobActor)
		}),
		jobAction("resume", "Resume a paused job", func(a *app, cmd *cobra.Command, id uuid.UUID) error {
			return a.orch.ResumeJob(cmd.Context(), id, jobActor)
		}),
		jobAction("retry-task", "Re-queue a failed task (takes a task id)", func(a *app, cmd *cobra.Command, id uuid.UUID) error {
			_, err := a.orch.RetryTask(cmd.Context(), id, jobActor)
			return err
		}),
	)
	rootCmd.AddCommand(jobCmd)
}
