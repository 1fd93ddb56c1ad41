package statemachine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jonathan/agent-orchestrator/internal/logging"
	"github.com/jonathan/agent-orchestrator/internal/notify"
	"github.com/jonathan/agent-orchestrator/internal/types"
)

// Store is the persistence needed by the state machine.
type Store interface {
	UpdateTaskLocked(ctx context.Context, id uuid.UUID, fn func(*types.Task) error) (*types.Task, error)
	ClaimTask(ctx context.Context, id uuid.UUID, from, to types.TaskStatus) (bool, error)
	GetJob(ctx context.Context, id uuid.UUID) (*types.Job, error)
	JobTaskCounts(ctx context.Context, jobID uuid.UUID) (types.TaskCounts, error)
	CompareAndSetJobStatus(ctx context.Context, id uuid.UUID, from []types.JobStatus, to types.JobStatus) (bool, error)
	HasEnabledCronSchedule(ctx context.Context, jobID uuid.UUID) (bool, error)
	AppendTaskLog(ctx context.Context, entry types.TaskLog) error
	AppendAuditLog(ctx context.Context, entry types.AuditLog) error
}

// Metadata accompanies a transition.
type Metadata struct {
	// Result replaces the task result when not null.
	Result types.Value
	// Reason is recorded in the task log and, for FAILED, under result.reason.
	Reason string
	Actor  string
	// Mutate, when set, adjusts other fields of the task under the row lock.
	Mutate func(*types.Task)
}

// Machine applies task transitions.
type Machine struct {
	store Store
	bus   notify.Publisher
	log   zerolog.Logger
	now   func() time.Time
}

// New creates a Machine. A nil bus discards events.
func New(store Store, bus notify.Publisher, log zerolog.Logger) *Machine {
	if bus == nil {
		bus = notify.Nop{}
	}
	return &Machine{
		store: store,
		bus:   bus,
		log:   logging.Component(log, "statemachine"),
		now:   time.Now,
	}
}

// Transition moves a task to next if the table allows it. The task row is locked for
// the read-check-write; the log entry, event and job finalization follow the commit.
func (m *Machine) Transition(ctx context.Context, taskID uuid.UUID, next types.TaskStatus, meta Metadata) (*types.Task, error) {
	var from types.TaskStatus
	task, err := m.store.UpdateTaskLocked(ctx, taskID, func(t *types.Task) error {
		if err := ValidateTransition(t, next); err != nil {
			return err
		}
		from = t.Status
		m.apply(t, next, meta)
		if meta.Mutate != nil {
			meta.Mutate(t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.after(ctx, task, from, meta)
	return task, nil
}

// Force writes next without consulting the transition table. It serves the review
// loop, which re-opens SUCCESS tasks. mutate may adjust other fields under the lock.
func (m *Machine) Force(ctx context.Context, taskID uuid.UUID, next types.TaskStatus, meta Metadata, mutate func(*types.Task)) (*types.Task, error) {
	var from types.TaskStatus
	task, err := m.store.UpdateTaskLocked(ctx, taskID, func(t *types.Task) error {
		from = t.Status
		m.apply(t, next, meta)
		if mutate != nil {
			mutate(t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.after(ctx, task, from, meta)
	return task, nil
}

// Claim moves task from its current status to `to` with a conditional update and no
// row lock. It reports false when another writer moved the task first.
func (m *Machine) Claim(ctx context.Context, task *types.Task, to types.TaskStatus) (bool, error) {
	if err := ValidateTransition(task, to); err != nil {
		return false, err
	}
	ok, err := m.store.ClaimTask(ctx, task.ID, task.Status, to)
	if err != nil || !ok {
		return false, err
	}
	claimed := *task
	claimed.Status = to
	m.after(ctx, &claimed, task.Status, Metadata{})
	return true, nil
}

func (m *Machine) apply(t *types.Task, next types.TaskStatus, meta Metadata) {
	now := m.now()
	switch {
	case next == types.TaskRunning && t.Status != types.TaskRunning:
		t.StartedAt = &now
	case next == types.TaskQueued || next == types.TaskPending:
		// a re-queued task starts a fresh run
		t.StartedAt = nil
	}
	if next.IsTerminal() {
		t.FinishedAt = &now
	} else {
		t.FinishedAt = nil
	}
	if !meta.Result.IsNull() {
		t.Result = meta.Result
	}
	if next == types.TaskFailed && meta.Reason != "" {
		base := t.Result
		if base.Kind() != types.KindObject {
			base = types.Object(nil)
		}
		t.Result = base.With("reason", types.String(meta.Reason))
	}
	t.Status = next
}

func (m *Machine) after(ctx context.Context, task *types.Task, from types.TaskStatus, meta Metadata) {
	data := types.Object(map[string]types.Value{
		"from": types.String(string(from)),
		"to":   types.String(string(task.Status)),
	})
	if meta.Reason != "" {
		data = data.With("reason", types.String(meta.Reason))
	}
	if meta.Actor != "" {
		data = data.With("actor", types.String(meta.Actor))
	}
	if err := m.store.AppendTaskLog(ctx, types.TaskLog{
		TaskID:  task.ID,
		JobID:   task.JobID,
		Level:   logLevel(task.Status),
		Message: fmt.Sprintf("status %s -> %s", from, task.Status),
		Data:    data,
	}); err != nil {
		m.log.Warn().Err(err).Str("task_id", task.ID.String()).Msg("failed to write task log")
	}

	m.bus.Publish(notify.Event{
		Type:   notify.TaskStatusChanged,
		JobID:  task.JobID,
		TaskID: task.ID,
		Status: string(task.Status),
		Data:   map[string]string{"from": string(from), "name": task.Name},
	})

	m.log.Debug().
		Str("job_id", task.JobID.String()).
		Str("task_id", task.ID.String()).
		Str("from", string(from)).
		Str("to", string(task.Status)).
		Msg("task transitioned")

	if task.Status.IsTerminal() {
		m.Finalize(ctx, task.JobID)
	}
}

func logLevel(s types.TaskStatus) string {
	if s.IsFailure() {
		return "error"
	}
	return "info"
}

// Finalize recomputes the job status from its tasks. Once every task is terminal
// the job becomes FAILED if any failed or was cancelled and SUCCESS otherwise; a job
// with an enabled cron schedule returns to SCHEDULED instead. Cancelled jobs are left
// alone. Errors are logged, never returned.
func (m *Machine) Finalize(ctx context.Context, jobID uuid.UUID) {
	if err := m.finalize(ctx, jobID); err != nil {
		m.log.Error().Err(err).Str("job_id", jobID.String()).Msg("job finalization failed")
	}
}

func (m *Machine) finalize(ctx context.Context, jobID uuid.UUID) error {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil
		}
		return err
	}
	if job.Status == types.JobCancelled {
		return nil
	}

	counts, err := m.store.JobTaskCounts(ctx, jobID)
	if err != nil {
		return err
	}
	outcome, ok := counts.AggregateStatus()
	if !ok {
		return nil
	}

	target := outcome
	recurring, err := m.store.HasEnabledCronSchedule(ctx, jobID)
	if err != nil {
		return err
	}
	if recurring {
		target = types.JobScheduled
	}
	if job.Status == target {
		return nil
	}

	changed, err := m.store.CompareAndSetJobStatus(ctx, jobID, []types.JobStatus{job.Status}, target)
	if err != nil {
		return err
	}
	if !changed {
		// another writer moved the job first
		return nil
	}

	if err := m.store.AppendAuditLog(ctx, types.AuditLog{
		JobID:      jobID,
		EntityType: "job",
		EntityID:   jobID,
		Action:     "job.finalized",
		Data: types.Object(map[string]types.Value{
			"outcome":  types.String(string(outcome)),
			"status":   types.String(string(target)),
			"total":    types.Int(int64(counts.Total)),
			"failed":   types.Int(int64(counts.Failed)),
			"terminal": types.Int(int64(counts.Terminal)),
		}),
	}); err != nil {
		m.log.Warn().Err(err).Str("job_id", jobID.String()).Msg("failed to write audit log")
	}

	m.bus.Publish(notify.Event{
		Type:   notify.JobStatusChanged,
		JobID:  jobID,
		Status: string(target),
		Data:   map[string]string{"outcome": string(outcome)},
	})
	m.log.Info().
		Str("job_id", jobID.String()).
		Str("outcome", string(outcome)).
		Str("status", string(target)).
		Msg("job finalized")
	return nil
}
