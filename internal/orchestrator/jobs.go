package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/agent-orchestrator/internal/notify"
	"github.com/jonathan/agent-orchestrator/internal/statemachine"
	"github.com/jonathan/agent-orchestrator/internal/types"
)

// SubmitJob validates spec and creates the job with all its tasks in one
// transaction. A job with a schedule waits in SCHEDULED; any other job starts
// RUNNING and its ready tasks are enqueued immediately.
func (o *Orchestrator) SubmitJob(ctx context.Context, spec JobSpec) (*types.Job, []types.Task, error) {
	if err := o.validateSpec(&spec); err != nil {
		return nil, nil, err
	}

	status := types.JobRunning
	if spec.Schedule != nil {
		if _, err := spec.Schedule.FirstRun(o.now()); err != nil {
			return nil, nil, err
		}
		status = types.JobScheduled
	}

	newTasks := make([]types.NewTask, len(spec.Tasks))
	for i, t := range spec.Tasks {
		newTasks[i] = types.NewTask{
			Name:        t.Name,
			AgentType:   t.AgentType,
			Payload:     t.Payload,
			ParentIndex: t.Parent,
			OrderIndex:  i,
		}
	}
	job, tasks, err := o.store.CreateJob(ctx, types.NewJob{
		Title:           spec.Title,
		Status:          status,
		TemplateID:      spec.TemplateID,
		TemplateVersion: spec.TemplateVersion,
		OwnerID:         spec.OwnerID,
		OrgID:           spec.OrgID,
	}, newTasks)
	if err != nil {
		return nil, nil, err
	}

	o.audit(ctx, job.ID, "job", job.ID, "job.submitted", "", types.Object(map[string]types.Value{
		"tasks":  types.Int(int64(len(tasks))),
		"status": types.String(string(job.Status)),
	}))
	o.publishJob(job.ID, job.Status, "submitted")
	o.log.Info().Str("job_id", job.ID.String()).Int("tasks", len(tasks)).Str("status", string(job.Status)).Msg("job submitted")

	if spec.Schedule != nil {
		if _, err := o.ScheduleJob(ctx, job.ID, *spec.Schedule); err != nil {
			return job, tasks, err
		}
		return job, tasks, nil
	}

	if _, err := o.EnqueueReadyTasks(ctx, job.ID); err != nil {
		return job, tasks, err
	}
	return job, tasks, nil
}

// ScheduleJob attaches or replaces the schedule of a job and parks the job in
// SCHEDULED until the scheduler fires it.
func (o *Orchestrator) ScheduleJob(ctx context.Context, jobID uuid.UUID, spec ScheduleSpec) (*types.JobSchedule, error) {
	if err := o.validate.Struct(spec); err != nil {
		return nil, structError(err)
	}
	next, err := spec.FirstRun(o.now())
	if err != nil {
		return nil, err
	}

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == types.JobCancelled {
		return nil, &types.IllegalTransitionError{
			Entity: "job", ID: jobID.String(), From: string(job.Status), To: string(types.JobScheduled),
		}
	}

	sched, err := o.store.UpsertSchedule(ctx, types.JobSchedule{
		JobID:     jobID,
		Type:      spec.Type,
		CronExpr:  spec.CronExpr,
		RunAt:     spec.RunAt,
		NextRunAt: &next,
		Enabled:   true,
	})
	if err != nil {
		return nil, err
	}

	if job.Status != types.JobScheduled {
		changed, err := o.store.CompareAndSetJobStatus(ctx, jobID, []types.JobStatus{job.Status}, types.JobScheduled)
		if err != nil {
			return nil, err
		}
		if changed {
			o.publishJob(jobID, types.JobScheduled, "scheduled")
		}
	}

	o.audit(ctx, jobID, "schedule", sched.ID, "schedule.upserted", "", types.Object(map[string]types.Value{
		"type":        types.String(string(sched.Type)),
		"cron_expr":   types.String(sched.CronExpr),
		"next_run_at": types.String(next.UTC().Format(time.RFC3339)),
	}))
	o.log.Info().Str("job_id", jobID.String()).Str("type", string(sched.Type)).Time("next_run_at", next).Msg("job scheduled")
	return sched, nil
}

// CancelJob marks the job CANCELLED and cancels every task that has not finished.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID uuid.UUID, actor string) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return &types.IllegalTransitionError{
			Entity: "job", ID: jobID.String(), From: string(job.Status), To: string(types.JobCancelled),
		}
	}

	cancelled, err := o.store.CancelJob(ctx, jobID)
	if err != nil {
		return err
	}
	for _, id := range cancelled {
		if err := o.store.AppendTaskLog(ctx, types.TaskLog{
			TaskID:  id,
			JobID:   jobID,
			Level:   "error",
			Message: "status -> CANCELLED (job cancelled)",
			Data:    types.Object(map[string]types.Value{"actor": types.String(actor)}),
		}); err != nil {
			o.log.Warn().Err(err).Str("task_id", id.String()).Msg("failed to write task log")
		}
		o.bus.Publish(notify.Event{
			Type:   notify.TaskStatusChanged,
			JobID:  jobID,
			TaskID: id,
			Status: string(types.TaskCancelled),
		})
	}

	o.audit(ctx, jobID, "job", jobID, "job.cancelled", actor, types.Object(map[string]types.Value{
		"from":            types.String(string(job.Status)),
		"cancelled_tasks": types.Int(int64(len(cancelled))),
	}))
	o.publishJob(jobID, types.JobCancelled, "cancelled")
	o.log.Info().Str("job_id", jobID.String()).Int("tasks", len(cancelled)).Msg("job cancelled")
	return nil
}

// PauseJob excludes a RUNNING or PENDING job from admission. Task rows are not
// touched; work already queued keeps running.
func (o *Orchestrator) PauseJob(ctx context.Context, jobID uuid.UUID, actor string) error {
	return o.moveJob(ctx, jobID, []types.JobStatus{types.JobRunning, types.JobPending}, types.JobPaused, "job.paused", actor)
}

// ResumeJob returns a PAUSED job to RUNNING and admits its ready tasks.
func (o *Orchestrator) ResumeJob(ctx context.Context, jobID uuid.UUID, actor string) error {
	if err := o.moveJob(ctx, jobID, []types.JobStatus{types.JobPaused}, types.JobRunning, "job.resumed", actor); err != nil {
		return err
	}
	// tasks may have finished while admission was paused
	o.machine.Finalize(ctx, jobID)
	_, err := o.EnqueueReadyTasks(ctx, jobID)
	return err
}

func (o *Orchestrator) moveJob(ctx context.Context, jobID uuid.UUID, from []types.JobStatus, to types.JobStatus, action, actor string) error {
	changed, err := o.store.CompareAndSetJobStatus(ctx, jobID, from, to)
	if err != nil {
		return err
	}
	if !changed {
		job, err := o.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		return &types.IllegalTransitionError{
			Entity: "job", ID: jobID.String(), From: string(job.Status), To: string(to),
		}
	}
	o.audit(ctx, jobID, "job", jobID, action, actor, types.Object(map[string]types.Value{
		"to": types.String(string(to)),
	}))
	o.publishJob(jobID, to, action)
	o.log.Info().Str("job_id", jobID.String()).Str("status", string(to)).Msg(action)
	return nil
}

// RetryTask re-enqueues a FAILED task: the payload is rebuilt against the current
// job state, the task moves FAILED -> QUEUED and its job is reopened.
func (o *Orchestrator) RetryTask(ctx context.Context, taskID uuid.UUID, actor string) (*types.Task, error) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != types.TaskFailed {
		return nil, &types.IllegalTransitionError{
			Entity: "task", ID: taskID.String(), From: string(task.Status), To: string(types.TaskQueued),
			Code: "NOT_FAILED",
		}
	}
	job, err := o.store.GetJob(ctx, task.JobID)
	if err != nil {
		return nil, err
	}
	if job.Status == types.JobCancelled {
		return nil, &types.IllegalTransitionError{
			Entity: "job", ID: job.ID.String(), From: string(job.Status), To: string(types.JobRunning),
		}
	}

	jobTasks, err := o.store.ListTasks(ctx, task.JobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks of job %s: %w", task.JobID, err)
	}
	if missing := o.resolver.Unresolved(task, jobTasks); len(missing) > 0 {
		return nil, &types.DependencyUnresolvedError{TaskID: task.ID, Missing: missing}
	}
	env, _, err := o.prepareEnvelope(ctx, task, jobTasks, &artifactCache{store: o.store, jobID: task.JobID})
	if err != nil {
		return nil, err
	}

	queued, err := o.machine.Transition(ctx, taskID, types.TaskQueued, statemachine.Metadata{
		Reason: "manual_retry",
		Actor:  actor,
	})
	if err != nil {
		return nil, err
	}
	o.reopenJob(ctx, task.JobID, "manual_retry")

	if err := o.queue.Enqueue(ctx, env); err != nil {
		failed, terr := o.machine.Transition(ctx, taskID, types.TaskFailed, statemachine.Metadata{
			Result: errorResult(err),
			Reason: "enqueue_failed",
		})
		if terr != nil {
			o.log.Error().Err(terr).Str("task_id", taskID.String()).Msg("failed to mark task failed after enqueue error")
			return queued, err
		}
		return failed, err
	}

	o.audit(ctx, task.JobID, "task", taskID, "task.retried", actor, types.Object(map[string]types.Value{
		"retry_count": types.Int(int64(task.RetryCount)),
	}))
	o.log.Info().Str("job_id", task.JobID.String()).Str("task_id", taskID.String()).Msg("task retried")
	return queued, nil
}

// ErrAlreadyReplayed is returned when a dead letter was replayed before.
var ErrAlreadyReplayed = errors.New("dead letter already replayed")

// ReplayDeadLetter retries the task behind a dead letter and marks the letter
// replayed.
func (o *Orchestrator) ReplayDeadLetter(ctx context.Context, id int64, actor string) (*types.Task, error) {
	dl, err := o.queue.GetDeadLetter(ctx, id)
	if err != nil {
		return nil, err
	}
	if dl.ReplayedAt != nil {
		return nil, &types.ConstraintViolationError{Constraint: "dead_letter_replay_once", Cause: ErrAlreadyReplayed}
	}
	task, err := o.RetryTask(ctx, dl.TaskID, actor)
	if err != nil {
		return nil, err
	}
	if err := o.queue.MarkReplayed(ctx, id); err != nil {
		return task, fmt.Errorf("failed to mark dead letter %d replayed: %w", id, err)
	}
	return task, nil
}
