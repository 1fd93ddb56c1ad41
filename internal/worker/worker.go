// Package worker implements the callback contract agents use to report progress:
// start, complete and fail. It also hands out queued work to pulling agents.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jonathan/agent-orchestrator/internal/artifacts"
	"github.com/jonathan/agent-orchestrator/internal/logging"
	"github.com/jonathan/agent-orchestrator/internal/queue"
	"github.com/jonathan/agent-orchestrator/internal/schemas"
	"github.com/jonathan/agent-orchestrator/internal/statemachine"
	"github.com/jonathan/agent-orchestrator/internal/types"
	files "github.com/jonathan/agent-orchestrator/schemas"
)

// Store is the persistence the callbacks read directly.
type Store interface {
	GetTask(ctx context.Context, id uuid.UUID) (*types.Task, error)
	AppendTaskLog(ctx context.Context, entry types.TaskLog) error
}

// CompletionHandler runs what follows a task reaching SUCCESS.
type CompletionHandler interface {
	HandleTaskCompletion(ctx context.Context, taskID uuid.UUID) error
}

// Effect types.
const (
	EffectPromoteArtifact = "promote_artifact"
)

// Review is the verdict reported by a reviewer agent.
type Review struct {
	Score    *float64 `json:"score,omitempty" validate:"omitempty,gte=0,lte=1"`
	Decision string   `json:"decision,omitempty" validate:"omitempty,oneof=APPROVE REJECT"`
	Feedback string   `json:"feedback,omitempty"`
}

// ArtifactReport describes an output produced by the task.
type ArtifactReport struct {
	Type        string      `json:"type" validate:"required"`
	Role        string      `json:"role,omitempty"`
	StorageRef  string      `json:"storage_ref" validate:"required"`
	MimeType    string      `json:"mime_type,omitempty"`
	Previewable bool        `json:"previewable,omitempty"`
	Metadata    types.Value `json:"metadata"`
}

// Effect is a side effect requested together with a completion. A promote_artifact
// effect without an artifact id targets the artifact reported in the same request.
type Effect struct {
	Type       string               `json:"type" validate:"required,oneof=promote_artifact"`
	ArtifactID string               `json:"artifact_id,omitempty" validate:"omitempty,uuid"`
	To         types.ArtifactStatus `json:"to,omitempty" validate:"required,oneof=approved frozen"`
	Actor      string               `json:"actor,omitempty"`
}

// CompleteRequest is the body of a completion callback.
type CompleteRequest struct {
	Result   types.Value     `json:"result"`
	Review   *Review         `json:"review,omitempty" validate:"omitempty"`
	Artifact *ArtifactReport `json:"artifact,omitempty" validate:"omitempty"`
	Effects  []Effect        `json:"effects,omitempty" validate:"dive"`
}

// FailRequest is the body of a failure callback.
type FailRequest struct {
	Error string      `json:"error" validate:"required"`
	Data  types.Value `json:"data"`
}

// Outcome is what a completion produced.
type Outcome struct {
	Task     *types.Task      `json:"task"`
	Artifact *types.Artifact  `json:"artifact,omitempty"`
	Promoted []types.Artifact `json:"promoted,omitempty"`
	// Noop is set when the task was already terminal.
	Noop bool `json:"noop,omitempty"`
}

// Service handles worker callbacks.
type Service struct {
	store     Store
	machine   *statemachine.Machine
	handler   CompletionHandler
	artifacts *artifacts.Service
	queue     queue.Queue
	log       zerolog.Logger
	validate  *validator.Validate
	now       func() time.Time
}

// New creates a Service.
func New(store Store, machine *statemachine.Machine, handler CompletionHandler, arts *artifacts.Service, q queue.Queue, log zerolog.Logger) *Service {
	return &Service{
		store:     store,
		machine:   machine,
		handler:   handler,
		artifacts: arts,
		queue:     q,
		log:       logging.Component(log, "worker"),
		validate:  validator.New(),
		now:       time.Now,
	}
}

// Start moves a QUEUED task to RUNNING. Starting a task twice fails with an
// IllegalTransitionError carrying CodeAlreadyStarted.
func (s *Service) Start(ctx context.Context, taskID uuid.UUID, actor string) (*types.Task, error) {
	task, err := s.machine.Transition(ctx, taskID, types.TaskRunning, statemachine.Metadata{
		Reason: "started",
		Actor:  actor,
	})
	if err == nil {
		s.log.Info().Str("job_id", task.JobID.String()).Str("task_id", taskID.String()).Msg("task started")
		return task, nil
	}
	if !errors.Is(err, types.ErrIllegalTransition) {
		return nil, err
	}
	current, gerr := s.store.GetTask(ctx, taskID)
	if gerr != nil {
		return nil, gerr
	}
	if current.Status == types.TaskRunning {
		return nil, &types.IllegalTransitionError{
			Entity: "task", ID: taskID.String(), From: string(current.Status), To: string(types.TaskRunning),
			Code: types.CodeAlreadyStarted,
		}
	}
	return nil, err
}

// ValidateComplete checks a completion body against struct tags and the
// complete_request schema.
func (s *Service) ValidateComplete(req *CompleteRequest) error {
	if err := s.validate.Struct(req); err != nil {
		return &types.ValidationError{Field: "request", Message: err.Error()}
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal completion: %w", err)
	}
	schema, err := schemas.Load(files.CompleteRequest)
	if err != nil {
		return err
	}
	return schema.Validate(data)
}

// Complete records a successful run: the result and review are persisted, the
// reported artifact is versioned, effects are applied and the task moves to SUCCESS
// (through RUNNING when it was still QUEUED). A task that is already terminal is
// left untouched and reported as a no-op.
func (s *Service) Complete(ctx context.Context, taskID uuid.UUID, req CompleteRequest) (*Outcome, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return &Outcome{Task: task, Noop: true}, nil
	}
	if err := s.ValidateComplete(&req); err != nil {
		return nil, err
	}
	if task.IsReviewer() && (req.Review == nil || req.Review.Decision == "") {
		return nil, &types.ValidationError{Field: "review.decision", Message: "reviewer tasks must report a decision"}
	}
	if task.Status != types.TaskQueued && task.Status != types.TaskRunning {
		return nil, statemachine.ValidateTransition(task, types.TaskSuccess)
	}

	log := s.log.With().Str("job_id", task.JobID.String()).Str("task_id", taskID.String()).Logger()
	out := &Outcome{}

	if task.Status == types.TaskQueued {
		if _, err := s.machine.Transition(ctx, taskID, types.TaskRunning, statemachine.Metadata{Reason: "implicit_start"}); err != nil &&
			!errors.Is(err, types.ErrIllegalTransition) {
			return nil, err
		}
	}
	// started_at names the run, so repeated deliveries share one artifact version
	if task, err = s.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return &Outcome{Task: task, Noop: true}, nil
	}

	applyEffects := true
	if req.Artifact != nil {
		a, created, err := s.artifacts.Create(ctx, types.NewArtifact{
			TaskID:       task.ID,
			JobID:        task.JobID,
			Type:         req.Artifact.Type,
			Role:         req.Artifact.Role,
			StorageRef:   req.Artifact.StorageRef,
			MimeType:     req.Artifact.MimeType,
			Previewable:  req.Artifact.Previewable,
			Metadata:     req.Artifact.Metadata,
			RunStartedAt: task.StartedAt,
		})
		if err != nil {
			return nil, err
		}
		out.Artifact = a
		applyEffects = created
	}
	if applyEffects {
		out.Promoted = s.applyEffects(ctx, task, req.Effects, out.Artifact)
	}

	done, err := s.machine.Transition(ctx, taskID, types.TaskSuccess, statemachine.Metadata{
		Result: req.Result,
		Mutate: func(t *types.Task) {
			if req.Review == nil {
				return
			}
			t.ReviewScore = req.Review.Score
			if req.Review.Decision != "" {
				d := req.Review.Decision
				t.ReviewDecision = &d
			}
			if req.Review.Feedback != "" {
				f := req.Review.Feedback
				t.ReviewFeedback = &f
			}
		},
	})
	if err != nil {
		if errors.Is(err, types.ErrIllegalTransition) {
			// a concurrent delivery finished the task first
			if current, gerr := s.store.GetTask(ctx, taskID); gerr == nil && current.Status.IsTerminal() {
				out.Task, out.Noop = current, true
				return out, nil
			}
		}
		return nil, err
	}
	out.Task = done
	log.Info().Msg("task completed")

	if err := s.handler.HandleTaskCompletion(ctx, taskID); err != nil {
		log.Error().Err(err).Msg("completion handling failed")
	}
	return out, nil
}

func (s *Service) applyEffects(ctx context.Context, task *types.Task, effects []Effect, created *types.Artifact) []types.Artifact {
	var promoted []types.Artifact
	for _, e := range effects {
		var err error
		switch e.Type {
		case EffectPromoteArtifact:
			var a *types.Artifact
			a, err = s.promote(ctx, task, e, created)
			if a != nil {
				promoted = append(promoted, *a)
			}
		default:
			err = &types.ValidationError{Field: "effects.type", Message: "unknown effect " + e.Type}
		}
		if err == nil {
			continue
		}
		s.log.Warn().Err(err).Str("task_id", task.ID.String()).Str("effect", e.Type).Msg("effect not applied")
		if lerr := s.store.AppendTaskLog(ctx, types.TaskLog{
			TaskID:  task.ID,
			JobID:   task.JobID,
			Level:   "warn",
			Message: fmt.Sprintf("effect %s not applied: %v", e.Type, err),
			Data: types.Object(map[string]types.Value{
				"artifact_id": types.String(e.ArtifactID),
				"to":          types.String(string(e.To)),
			}),
		}); lerr != nil {
			s.log.Warn().Err(lerr).Str("task_id", task.ID.String()).Msg("failed to write task log")
		}
	}
	return promoted
}

func (s *Service) promote(ctx context.Context, task *types.Task, e Effect, created *types.Artifact) (*types.Artifact, error) {
	var id uuid.UUID
	switch {
	case e.ArtifactID != "":
		parsed, err := uuid.Parse(e.ArtifactID)
		if err != nil {
			return nil, &types.ValidationError{Field: "effects.artifact_id", Message: err.Error()}
		}
		id = parsed
	case created != nil:
		id = created.ID
	default:
		return nil, &types.ValidationError{Field: "effects.artifact_id", Message: "no artifact to promote"}
	}

	current, err := s.artifacts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.JobID != task.JobID {
		return nil, &types.ValidationError{Field: "effects.artifact_id", Message: "artifact belongs to another job"}
	}
	actor := e.Actor
	if actor == "" {
		actor = "task:" + task.ID.String()
	}
	return s.artifacts.Promote(ctx, id, e.To, actor)
}

// Fail records an agent failure: the task moves to FAILED with the error in its
// result and is dead-lettered for inspection. A task that is already terminal is
// left untouched.
func (s *Service) Fail(ctx context.Context, taskID uuid.UUID, req FailRequest) (*types.Task, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, &types.ValidationError{Field: "error", Message: err.Error()}
	}
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return task, nil
	}

	result := types.Object(map[string]types.Value{"error": types.String(req.Error)})
	if !req.Data.IsNull() {
		result = result.With("data", req.Data)
	}
	failed, err := s.machine.Transition(ctx, taskID, types.TaskFailed, statemachine.Metadata{
		Result: result,
		Reason: "agent_error",
	})
	if err != nil {
		return nil, err
	}

	if err := s.queue.SendToDeadLetter(ctx, taskID, queue.ErrorContext{
		JobID:     failed.JobID,
		AgentType: failed.AgentType,
		Reason:    "agent_error",
		Message:   req.Error,
		Status:    string(failed.Status),
		Data:      req.Data,
		FailedAt:  s.now().UTC(),
	}); err != nil {
		s.log.Error().Err(err).Str("task_id", taskID.String()).Msg("failed to dead-letter task")
	}
	s.log.Warn().Str("job_id", failed.JobID.String()).Str("task_id", taskID.String()).Str("error", req.Error).Msg("task failed")
	return failed, nil
}

// Next claims the next queued envelope for one of agentTypes. It returns nil when
// nothing is available.
func (s *Service) Next(ctx context.Context, agentTypes []string, visibility time.Duration) (*queue.Message, error) {
	return s.queue.Dequeue(ctx, agentTypes, visibility)
}

// Ack removes a delivered message once the agent has reported back.
func (s *Service) Ack(ctx context.Context, messageID int64) error {
	return s.queue.Ack(ctx, messageID)
}
