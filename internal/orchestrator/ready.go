package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jonathan/agent-orchestrator/internal/queue"
	"github.com/jonathan/agent-orchestrator/internal/statemachine"
	"github.com/jonathan/agent-orchestrator/internal/types"
)

// EnqueueReadyTasks admits every ready task of a job onto the work queue and returns
// how many were enqueued.
func (o *Orchestrator) EnqueueReadyTasks(ctx context.Context, jobID uuid.UUID) (int, error) {
	return o.EnqueueReadyTasksLimit(ctx, jobID, 0)
}

// EnqueueReadyTasksLimit is EnqueueReadyTasks with an admission budget. A limit of
// zero or less admits everything that is ready.
//
// A candidate is a PENDING task whose structural parent is absent or SUCCESS. It is
// admitted once every task its payload references has succeeded. Errors that concern
// one task fail that task and never abort the scan.
func (o *Orchestrator) EnqueueReadyTasksLimit(ctx context.Context, jobID uuid.UUID, limit int) (int, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if job.Status == types.JobPaused || job.Status == types.JobCancelled {
		return 0, nil
	}

	candidates, err := o.store.ListReadyCandidates(ctx, jobID)
	if err != nil {
		return 0, fmt.Errorf("failed to list ready tasks of job %s: %w", jobID, err)
	}
	if len(candidates) == 0 {
		return 0, nil
	}
	jobTasks, err := o.store.ListTasks(ctx, jobID)
	if err != nil {
		return 0, fmt.Errorf("failed to load tasks of job %s: %w", jobID, err)
	}

	artifacts := &artifactCache{store: o.store, jobID: jobID}
	enqueued := 0
	for i := range candidates {
		if limit > 0 && enqueued >= limit {
			break
		}
		if ctx.Err() != nil {
			return enqueued, ctx.Err()
		}
		task := &candidates[i]
		log := o.log.With().Str("job_id", jobID.String()).Str("task_id", task.ID.String()).Logger()

		if missing := o.resolver.Unresolved(task, jobTasks); len(missing) > 0 {
			dep := &types.DependencyUnresolvedError{TaskID: task.ID, Missing: missing}
			log.Debug().Err(dep).Msg("task not ready")
			continue
		}

		env, reason, err := o.prepareEnvelope(ctx, task, jobTasks, artifacts)
		if err != nil {
			o.failTask(ctx, task.ID, reason, err)
			continue
		}

		claimed, err := o.machine.Claim(ctx, task, types.TaskQueued)
		if err != nil {
			log.Warn().Err(err).Msg("failed to claim task")
			continue
		}
		if !claimed {
			log.Debug().Msg("task already claimed")
			continue
		}

		if err := o.queue.Enqueue(ctx, env); err != nil {
			log.Error().Err(err).Msg("enqueue failed")
			if _, terr := o.machine.Transition(ctx, task.ID, types.TaskFailed, statemachine.Metadata{
				Result: errorResult(err),
				Reason: "enqueue_failed",
			}); terr != nil {
				log.Error().Err(terr).Msg("failed to mark task failed after enqueue error")
			}
			continue
		}
		enqueued++
		log.Info().Str("agent_type", task.AgentType).Msg("task enqueued")
	}
	return enqueued, nil
}

// artifactCache loads the current artifacts of a job at most once per scan.
type artifactCache struct {
	store  Store
	jobID  uuid.UUID
	loaded bool
	items  []types.Artifact
}

func (c *artifactCache) get(ctx context.Context) ([]types.Artifact, error) {
	if c.loaded {
		return c.items, nil
	}
	items, err := c.store.ListArtifacts(ctx, c.jobID, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts of job %s: %w", c.jobID, err)
	}
	c.items, c.loaded = items, true
	return items, nil
}

// prepareEnvelope resolves and augments a task payload and validates the resulting
// envelope. On error it also returns the failure reason recorded on the task.
func (o *Orchestrator) prepareEnvelope(ctx context.Context, task *types.Task, jobTasks []types.Task, artifacts *artifactCache) (queue.Envelope, string, error) {
	payload, err := o.resolver.Resolve(task, jobTasks)
	if err != nil {
		return queue.Envelope{}, "resolution_failed", err
	}

	if task.AgentType == types.AgentDesigner {
		current, err := artifacts.get(ctx)
		if err != nil {
			return queue.Envelope{}, "augmentation_failed", err
		}
		payload, err = withArtifacts(payload, current)
		if err != nil {
			return queue.Envelope{}, "augmentation_failed", err
		}
	}

	env := queue.Envelope{
		TaskID:    task.ID,
		JobID:     task.JobID,
		AgentType: task.AgentType,
		Payload:   payload,
		Attempt:   task.RetryCount,
	}
	if err := env.Validate(); err != nil {
		return queue.Envelope{}, "invalid_envelope", err
	}
	return env, "", nil
}

// failTask records a per-task preparation error on the task.
func (o *Orchestrator) failTask(ctx context.Context, taskID uuid.UUID, reason string, cause error) {
	log := o.log.With().Str("task_id", taskID.String()).Logger()
	log.Warn().Err(cause).Str("reason", reason).Msg("task preparation failed")
	_, err := o.machine.Transition(ctx, taskID, types.TaskFailed, statemachine.Metadata{
		Result: errorResult(cause),
		Reason: reason,
	})
	if err != nil && !errors.Is(err, types.ErrIllegalTransition) {
		log.Error().Err(err).Msg("failed to mark task failed")
	}
}

func errorResult(err error) types.Value {
	return types.Object(map[string]types.Value{"error": types.String(err.Error())})
}

// withArtifacts merges the job's current artifacts into a designer payload.
func withArtifacts(payload types.Value, current []types.Artifact) (types.Value, error) {
	if payload.Kind() != types.KindObject {
		return types.Null(), &types.ValidationError{Field: "payload", Message: "designer payload must be an object"}
	}
	if current == nil {
		current = []types.Artifact{}
	}
	listing, err := types.FromAny(current)
	if err != nil {
		return types.Null(), fmt.Errorf("failed to encode artifacts: %w", err)
	}
	return payload.With("artifacts", listing), nil
}
