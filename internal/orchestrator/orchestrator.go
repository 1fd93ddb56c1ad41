// Package orchestrator decides what runs next: it admits ready tasks onto the work
// queue, drives the reviewer loop after completions, and owns the job-level
// operations (submit, schedule, cancel, pause, resume, retry).
package orchestrator

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jonathan/agent-orchestrator/internal/config"
	"github.com/jonathan/agent-orchestrator/internal/logging"
	"github.com/jonathan/agent-orchestrator/internal/notify"
	"github.com/jonathan/agent-orchestrator/internal/queue"
	"github.com/jonathan/agent-orchestrator/internal/statemachine"
	"github.com/jonathan/agent-orchestrator/internal/templating"
	"github.com/jonathan/agent-orchestrator/internal/types"
)

// Store is the persistence the orchestrator needs.
type Store interface {
	statemachine.Store

	CreateJob(ctx context.Context, job types.NewJob, tasks []types.NewTask) (*types.Job, []types.Task, error)
	CancelJob(ctx context.Context, jobID uuid.UUID) ([]uuid.UUID, error)

	CreateTask(ctx context.Context, jobID uuid.UUID, task types.NewTask) (*types.Task, error)
	GetTask(ctx context.Context, id uuid.UUID) (*types.Task, error)
	ListTasks(ctx context.Context, jobID uuid.UUID) ([]types.Task, error)
	ListReadyCandidates(ctx context.Context, jobID uuid.UUID) ([]types.Task, error)
	FindReviewerTask(ctx context.Context, parentID uuid.UUID, attempt int) (*types.Task, error)

	UpsertSchedule(ctx context.Context, sched types.JobSchedule) (*types.JobSchedule, error)
	ListArtifacts(ctx context.Context, jobID uuid.UUID, currentOnly bool) ([]types.Artifact, error)
}

// Options tune the review loop and template resolution.
type Options struct {
	// ScoreThreshold is handed to reviewers and decides verdicts reported without a
	// decision.
	ScoreThreshold float64
	// MaxReviewRetries is how many times a rejected task is re-run before it fails.
	MaxReviewRetries int
	// Aliases canonicalizes task names referenced from templates.
	Aliases templating.Aliases
	// Unreviewed lists agent types that never get a reviewer.
	Unreviewed []string
	// AgentTypes restricts submissions to known agent types when not empty.
	AgentTypes []string
}

// OptionsFromConfig derives Options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ScoreThreshold:   cfg.ReviewScoreThreshold,
		MaxReviewRetries: cfg.MaxReviewRetries,
	}
}

// Orchestrator coordinates the state machine, the resolver and the work queue.
type Orchestrator struct {
	store    Store
	machine  *statemachine.Machine
	queue    queue.Queue
	resolver *templating.Resolver
	bus      notify.Publisher
	log      zerolog.Logger
	opts     Options
	validate *validator.Validate
	now      func() time.Time
}

// New creates an Orchestrator. A nil bus discards events.
func New(store Store, machine *statemachine.Machine, q queue.Queue, bus notify.Publisher, log zerolog.Logger, opts Options) *Orchestrator {
	if bus == nil {
		bus = notify.Nop{}
	}
	if opts.MaxReviewRetries <= 0 {
		opts.MaxReviewRetries = config.DefaultMaxReviewRetries
	}
	if opts.ScoreThreshold <= 0 {
		opts.ScoreThreshold = config.DefaultReviewScoreThreshold
	}
	return &Orchestrator{
		store:    store,
		machine:  machine,
		queue:    q,
		resolver: templating.NewResolver(store, opts.Aliases),
		bus:      bus,
		log:      logging.Component(log, "orchestrator"),
		opts:     opts,
		validate: validator.New(),
		now:      time.Now,
	}
}

// Machine returns the state machine used for transitions.
func (o *Orchestrator) Machine() *statemachine.Machine { return o.machine }

// Queue returns the work queue.
func (o *Orchestrator) Queue() queue.Queue { return o.queue }

func (o *Orchestrator) audit(ctx context.Context, jobID uuid.UUID, entity string, entityID uuid.UUID, action, actor string, data types.Value) {
	if err := o.store.AppendAuditLog(ctx, types.AuditLog{
		JobID:      jobID,
		EntityType: entity,
		EntityID:   entityID,
		Action:     action,
		Actor:      actor,
		Data:       data,
	}); err != nil {
		o.log.Warn().Err(err).Str("job_id", jobID.String()).Str("action", action).Msg("failed to write audit log")
	}
}

func (o *Orchestrator) publishJob(jobID uuid.UUID, status types.JobStatus, reason string) {
	o.bus.Publish(notify.Event{
		Type:   notify.JobStatusChanged,
		JobID:  jobID,
		Status: string(status),
		Data:   map[string]string{"reason": reason},
	})
}

func (o *Orchestrator) reviewed(agentType string) bool {
	if agentType == types.AgentReviewer {
		return false
	}
	return !contains(o.opts.Unreviewed, agentType)
}
