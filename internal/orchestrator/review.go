package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jonathan/agent-orchestrator/internal/statemachine"
	"github.com/jonathan/agent-orchestrator/internal/types"
)

// HandleTaskCompletion decides what follows a task reaching SUCCESS.
//
// A reviewer verdict is applied to its target: APPROVE lets the DAG continue, REJECT
// re-runs the target until MaxReviewRetries is reached and fails it after that. A
// completed executor task gets a reviewer for its current attempt unless one exists.
// Every path ends with a readiness scan of the job.
func (o *Orchestrator) HandleTaskCompletion(ctx context.Context, taskID uuid.UUID) error {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != types.TaskSuccess {
		return nil
	}

	switch {
	case task.IsReviewer():
		if err := o.applyVerdict(ctx, task); err != nil {
			return err
		}
	case o.reviewed(task.AgentType):
		if err := o.injectReviewer(ctx, task); err != nil {
			return err
		}
	}

	_, err = o.EnqueueReadyTasks(ctx, task.JobID)
	return err
}

func (o *Orchestrator) verdict(reviewer *types.Task) string {
	if d := reviewer.Decision(); d != "" {
		return d
	}
	if reviewer.ReviewScore != nil {
		threshold := o.opts.ScoreThreshold
		if v, ok := reviewer.Payload.Get("score_threshold"); ok {
			if f, ok := v.AsFloat(); ok {
				threshold = f
			}
		}
		if *reviewer.ReviewScore >= threshold {
			return types.ReviewApprove
		}
	}
	return types.ReviewReject
}

func (o *Orchestrator) applyVerdict(ctx context.Context, reviewer *types.Task) error {
	targetID, ok := reviewer.ReviewTarget()
	if !ok {
		return &types.ValidationError{Field: "payload.target_task_id", Message: "reviewer has no target task"}
	}
	decision := o.verdict(reviewer)
	log := o.log.With().
		Str("job_id", reviewer.JobID.String()).
		Str("task_id", targetID.String()).
		Str("decision", decision).
		Logger()

	copyReview := func(t *types.Task) {
		t.ReviewDecision = &decision
		t.ReviewScore = reviewer.ReviewScore
		t.ReviewFeedback = reviewer.ReviewFeedback
	}

	if decision == types.ReviewApprove {
		if _, err := o.store.UpdateTaskLocked(ctx, targetID, func(t *types.Task) error {
			copyReview(t)
			return nil
		}); err != nil {
			return fmt.Errorf("failed to record review on task %s: %w", targetID, err)
		}
		o.audit(ctx, reviewer.JobID, "task", targetID, "review.approved", reviewer.ID.String(), reviewData(reviewer, decision))
		log.Info().Msg("review approved")
		return nil
	}

	target, err := o.store.GetTask(ctx, targetID)
	if err != nil {
		return err
	}
	// a verdict for an attempt that has already been superseded is ignored
	if attempt, ok := reviewer.Payload.Get("attempt"); ok {
		if n, ok := attempt.AsInt(); ok && int(n) != target.RetryCount {
			log.Info().Int64("attempt", n).Int("retry_count", target.RetryCount).Msg("stale review verdict ignored")
			return nil
		}
	}
	if target.Status != types.TaskSuccess {
		log.Info().Str("status", string(target.Status)).Msg("review target no longer successful")
		return nil
	}

	if target.RetryCount < o.opts.MaxReviewRetries {
		if _, err := o.machine.Force(ctx, targetID, types.TaskPending, statemachine.Metadata{
			Reason: "review_rejected",
			Actor:  reviewer.ID.String(),
		}, func(t *types.Task) {
			copyReview(t)
			t.RetryCount++
			t.Result = types.Null()
			t.StartedAt = nil
		}); err != nil {
			return fmt.Errorf("failed to reset rejected task %s: %w", targetID, err)
		}
		o.reopenJob(ctx, reviewer.JobID, "review_rejected")
		o.audit(ctx, reviewer.JobID, "task", targetID, "review.rejected", reviewer.ID.String(),
			reviewData(reviewer, decision).With("retry_count", types.Int(int64(target.RetryCount+1))))
		log.Info().Int("retry_count", target.RetryCount+1).Msg("review rejected, task re-queued for retry")
		return nil
	}

	// Forcing FAILED refinalizes the job through the state machine.
	if _, err := o.machine.Force(ctx, targetID, types.TaskFailed, statemachine.Metadata{
		Reason: "review_retries_exhausted",
		Actor:  reviewer.ID.String(),
	}, copyReview); err != nil {
		return fmt.Errorf("failed to fail rejected task %s: %w", targetID, err)
	}
	o.audit(ctx, reviewer.JobID, "task", targetID, "review.exhausted", reviewer.ID.String(), reviewData(reviewer, decision))
	log.Warn().Int("retry_count", target.RetryCount).Msg("review rejected, retries exhausted")
	return nil
}

func reviewData(reviewer *types.Task, decision string) types.Value {
	data := types.Object(map[string]types.Value{
		"reviewer_task_id": types.String(reviewer.ID.String()),
		"decision":         types.String(decision),
	})
	if reviewer.ReviewScore != nil {
		data = data.With("score", types.Float(*reviewer.ReviewScore))
	}
	if reviewer.ReviewFeedback != nil {
		data = data.With("feedback", types.String(*reviewer.ReviewFeedback))
	}
	return data
}

func (o *Orchestrator) injectReviewer(ctx context.Context, task *types.Task) error {
	existing, err := o.store.FindReviewerTask(ctx, task.ID, task.RetryCount)
	if err != nil {
		return fmt.Errorf("failed to look up reviewer of task %s: %w", task.ID, err)
	}
	if existing != nil {
		return nil
	}

	parent := task.ID
	reviewer, err := o.store.CreateTask(ctx, task.JobID, types.NewTask{
		Name:      task.Name + "_review",
		AgentType: types.AgentReviewer,
		Payload: types.Object(map[string]types.Value{
			"target_task_id":  types.String(task.ID.String()),
			"score_threshold": types.Float(o.opts.ScoreThreshold),
			"attempt":         types.Int(int64(task.RetryCount)),
		}),
		ParentTaskID: &parent,
		OrderIndex:   task.OrderIndex + 1,
	})
	if err != nil {
		if errors.Is(err, types.ErrConstraintViolation) {
			// a concurrent completion handler created it
			return nil
		}
		return fmt.Errorf("failed to create reviewer for task %s: %w", task.ID, err)
	}

	o.reopenJob(ctx, task.JobID, "reviewer_injected")
	o.log.Info().
		Str("job_id", task.JobID.String()).
		Str("task_id", task.ID.String()).
		Str("reviewer_id", reviewer.ID.String()).
		Msg("reviewer injected")
	return nil
}

// reopenJob moves a job that finalization already closed back to RUNNING.
func (o *Orchestrator) reopenJob(ctx context.Context, jobID uuid.UUID, reason string) {
	changed, err := o.store.CompareAndSetJobStatus(ctx, jobID,
		[]types.JobStatus{types.JobSuccess, types.JobFailed}, types.JobRunning)
	if err != nil {
		o.log.Error().Err(err).Str("job_id", jobID.String()).Msg("failed to reopen job")
		return
	}
	if changed {
		o.audit(ctx, jobID, "job", jobID, "job.reopened", "", types.Object(map[string]types.Value{
			"reason": types.String(reason),
		}))
		o.publishJob(jobID, types.JobRunning, reason)
	}
}
