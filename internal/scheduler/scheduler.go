// Package scheduler runs the fixed-interval loop that activates due schedules,
// recovers stale tasks, gates admission on the global concurrency ceiling, fans out
// to the orchestrator and purges expired jobs.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/agent-orchestrator/internal/config"
	"github.com/jonathan/agent-orchestrator/internal/logging"
	"github.com/jonathan/agent-orchestrator/internal/notify"
	"github.com/jonathan/agent-orchestrator/internal/orchestrator"
	"github.com/jonathan/agent-orchestrator/internal/queue"
	"github.com/jonathan/agent-orchestrator/internal/statemachine"
	"github.com/jonathan/agent-orchestrator/internal/types"
)

// Store is the persistence the scheduler needs.
type Store interface {
	ActivateDueSchedules(ctx context.Context, now time.Time, limit int,
		plan func(sched types.JobSchedule, activeTasks int) types.ScheduleActivation) ([]types.ScheduleActivation, error)
	ListStaleTasks(ctx context.Context, startedBefore time.Time) ([]types.Task, error)
	CountRunningTasks(ctx context.Context, startedAfter time.Time) (int, error)
	ListJobsWithReadyTasks(ctx context.Context) ([]uuid.UUID, error)
	PurgeTerminalJobs(ctx context.Context, olderThan time.Time) (int64, error)
	AppendAuditLog(ctx context.Context, entry types.AuditLog) error
}

// Admitter admits ready tasks of a job onto the work queue.
type Admitter interface {
	EnqueueReadyTasks(ctx context.Context, jobID uuid.UUID) (int, error)
	EnqueueReadyTasksLimit(ctx context.Context, jobID uuid.UUID, limit int) (int, error)
}

// Options configure the loop.
type Options struct {
	TickInterval  time.Duration
	MaxConcurrent int
	StaleTimeout  time.Duration
	// Retention of zero disables cleanup.
	Retention time.Duration
	// ActivationBatch caps the schedules claimed per tick.
	ActivationBatch int
	// StaleParallelism bounds concurrent stale-task recoveries.
	StaleParallelism int
}

// OptionsFromConfig derives Options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		TickInterval:  cfg.TickInterval.Duration,
		MaxConcurrent: cfg.MaxConcurrent,
		StaleTimeout:  cfg.StaleTimeout(),
		Retention:     cfg.Retention(),
	}
}

// Report summarizes one tick.
type Report struct {
	Activated  int   `json:"activated"`
	Skipped    int   `json:"skipped"`
	Recovered  int   `json:"recovered"`
	Running    int   `json:"running"`
	GateClosed bool  `json:"gate_closed"`
	Admitted   int   `json:"admitted"`
	Purged     int64 `json:"purged"`
}

// Scheduler is the single logical scheduling loop.
type Scheduler struct {
	store   Store
	orch    Admitter
	machine *statemachine.Machine
	queue   queue.Queue
	bus     notify.Publisher
	log     zerolog.Logger
	opts    Options
	now     func() time.Time
}

// New creates a Scheduler. A nil bus discards events.
func New(store Store, orch Admitter, machine *statemachine.Machine, q queue.Queue, bus notify.Publisher, log zerolog.Logger, opts Options) *Scheduler {
	if bus == nil {
		bus = notify.Nop{}
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = config.DefaultTickInterval
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = config.DefaultMaxConcurrent
	}
	if opts.StaleTimeout <= 0 {
		opts.StaleTimeout = config.DefaultStaleTimeoutMinutes * time.Minute
	}
	if opts.ActivationBatch <= 0 {
		opts.ActivationBatch = 100
	}
	if opts.StaleParallelism <= 0 {
		opts.StaleParallelism = 4
	}
	return &Scheduler{
		store:   store,
		orch:    orch,
		machine: machine,
		queue:   q,
		bus:     bus,
		log:     logging.Component(log, "scheduler"),
		opts:    opts,
		now:     time.Now,
	}
}

// SetClock overrides the clock, for tests.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// Start runs a tick every TickInterval until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.log.Info().
		Dur("tick_interval", s.opts.TickInterval).
		Int("max_concurrent", s.opts.MaxConcurrent).
		Dur("stale_timeout", s.opts.StaleTimeout).
		Msg("scheduler started")

	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs every step once, in order. A failing step is logged and the remaining
// steps still run.
func (s *Scheduler) Tick(ctx context.Context) Report {
	var r Report
	now := s.now()

	s.step("activate", func() error {
		var err error
		r.Activated, r.Skipped, err = s.activate(ctx, now)
		return err
	})
	s.step("stale", func() error {
		var err error
		r.Recovered, err = s.recoverStale(ctx, now)
		return err
	})

	budget := 0
	s.step("gate", func() error {
		running, err := s.store.CountRunningTasks(ctx, now.Add(-s.opts.StaleTimeout))
		if err != nil {
			r.GateClosed = true
			return err
		}
		r.Running = running
		budget = s.opts.MaxConcurrent - running
		if budget <= 0 {
			r.GateClosed = true
			s.log.Debug().Int("running", running).Int("max_concurrent", s.opts.MaxConcurrent).Msg("concurrency ceiling reached")
		}
		return nil
	})
	if !r.GateClosed {
		s.step("fanout", func() error {
			var err error
			r.Admitted, err = s.fanOut(ctx, budget)
			return err
		})
	}

	s.step("retention", func() error {
		var err error
		r.Purged, err = s.purge(ctx, now)
		return err
	})
	return r
}

func (s *Scheduler) step(name string, fn func() error) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error().Str("step", name).Interface("panic", p).Msg("scheduler step panicked")
		}
	}()
	if err := fn(); err != nil {
		s.log.Error().Err(err).Str("step", name).Msg("scheduler step failed")
	}
}

// activate claims due schedules and admits the work of every job that fired.
func (s *Scheduler) activate(ctx context.Context, now time.Time) (activated, skipped int, err error) {
	acts, err := s.store.ActivateDueSchedules(ctx, now, s.opts.ActivationBatch, Plan(now))
	if err != nil {
		return 0, 0, err
	}

	for _, act := range acts {
		jobID := act.Schedule.JobID
		log := s.log.With().Str("job_id", jobID.String()).Str("type", string(act.Schedule.Type)).Logger()

		action := "schedule.activated"
		switch {
		case act.Skipped:
			action = "schedule.skipped"
			skipped++
		case act.JobStatus == types.JobFailed:
			action = "schedule.invalid"
		default:
			activated++
		}
		data := types.Object(map[string]types.Value{
			"type":    types.String(string(act.Schedule.Type)),
			"enabled": types.Bool(act.Enabled),
			"reset":   types.Bool(act.ResetTasks),
		})
		if act.NextRunAt != nil {
			data = data.With("next_run_at", types.String(act.NextRunAt.UTC().Format(time.RFC3339)))
		}
		if err := s.store.AppendAuditLog(ctx, types.AuditLog{
			JobID:      jobID,
			EntityType: "schedule",
			EntityID:   act.Schedule.ID,
			Action:     action,
			Data:       data,
		}); err != nil {
			log.Warn().Err(err).Msg("failed to write audit log")
		}

		if act.Skipped {
			log.Info().Msg("schedule fired while previous run still active, skipped")
			continue
		}
		if act.JobStatus != "" {
			s.bus.Publish(notify.Event{
				Type:   notify.JobStatusChanged,
				JobID:  jobID,
				Status: string(act.JobStatus),
				Data:   map[string]string{"reason": action},
			})
		}
		if act.JobStatus == types.JobFailed {
			log.Error().Str("cron_expr", act.Schedule.CronExpr).Msg("schedule disabled, cron expression invalid")
			continue
		}

		log.Info().Msg("schedule activated")
		if _, err := s.orch.EnqueueReadyTasks(ctx, jobID); err != nil {
			log.Error().Err(err).Msg("failed to admit activated job")
		}
	}
	return activated, skipped, nil
}

// Plan decides what firing a due schedule does. Cron schedules compute their next
// occurrence and re-arm the job's tasks when the previous run has finished; a firing
// that overlaps an active run is skipped. One-shot schedules disable themselves and
// start the job.
func Plan(now time.Time) func(sched types.JobSchedule, activeTasks int) types.ScheduleActivation {
	return func(sched types.JobSchedule, activeTasks int) types.ScheduleActivation {
		if sched.Type == types.ScheduleCron {
			parsed, err := orchestrator.ParseCron(sched.CronExpr)
			if err != nil {
				return types.ScheduleActivation{Enabled: false, JobStatus: types.JobFailed}
			}
			next := parsed.Next(now)
			if activeTasks > 0 {
				return types.ScheduleActivation{NextRunAt: &next, Enabled: true, Skipped: true}
			}
			return types.ScheduleActivation{
				NextRunAt:  &next,
				Enabled:    true,
				JobStatus:  types.JobScheduled,
				ResetTasks: true,
			}
		}
		return types.ScheduleActivation{
			Enabled:    false,
			JobStatus:  types.JobRunning,
			ResetTasks: activeTasks == 0 && sched.LastRunAt != nil,
		}
	}
}

// recoverStale fails every RUNNING task that outlived the stale timeout and
// dead-letters it.
func (s *Scheduler) recoverStale(ctx context.Context, now time.Time) (int, error) {
	stale, err := s.store.ListStaleTasks(ctx, now.Add(-s.opts.StaleTimeout))
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	results := make([]bool, len(stale))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.StaleParallelism)
	for i := range stale {
		i, task := i, stale[i]
		g.Go(func() error {
			results[i] = s.recoverTask(gctx, &task, now)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	recovered := 0
	for _, ok := range results {
		if ok {
			recovered++
		}
	}
	return recovered, nil
}

func (s *Scheduler) recoverTask(ctx context.Context, task *types.Task, now time.Time) bool {
	log := s.log.With().Str("job_id", task.JobID.String()).Str("task_id", task.ID.String()).Logger()
	timeout := &types.TimeoutError{TaskID: task.ID, After: s.opts.StaleTimeout}

	failed, err := s.machine.Transition(ctx, task.ID, types.TaskFailed, statemachine.Metadata{
		Result: types.Object(map[string]types.Value{"error": types.String(timeout.Error())}),
		Reason: "stale_timeout",
	})
	if err != nil {
		if errors.Is(err, types.ErrIllegalTransition) || errors.Is(err, types.ErrNotFound) {
			log.Debug().Err(err).Msg("stale task already moved on")
			return false
		}
		log.Error().Err(err).Msg("failed to recover stale task")
		return false
	}

	if err := s.queue.SendToDeadLetter(ctx, task.ID, queue.ErrorContext{
		JobID:     task.JobID,
		AgentType: task.AgentType,
		Reason:    "stale_timeout",
		Message:   timeout.Error(),
		Status:    string(failed.Status),
		FailedAt:  now,
	}); err != nil {
		log.Error().Err(err).Msg("failed to dead-letter stale task")
	}
	log.Warn().Dur("stale_timeout", s.opts.StaleTimeout).Msg("stale task failed")
	return true
}

// fanOut admits ready work across jobs until the slot budget is spent.
func (s *Scheduler) fanOut(ctx context.Context, budget int) (int, error) {
	jobs, err := s.store.ListJobsWithReadyTasks(ctx)
	if err != nil {
		return 0, err
	}
	admitted := 0
	for _, jobID := range jobs {
		if budget-admitted <= 0 {
			break
		}
		n, err := s.orch.EnqueueReadyTasksLimit(ctx, jobID, budget-admitted)
		if err != nil {
			s.log.Error().Err(err).Str("job_id", jobID.String()).Msg("readiness scan failed")
			continue
		}
		admitted += n
	}
	return admitted, nil
}

func (s *Scheduler) purge(ctx context.Context, now time.Time) (int64, error) {
	if s.opts.Retention <= 0 {
		return 0, nil
	}
	n, err := s.store.PurgeTerminalJobs(ctx, now.Add(-s.opts.Retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info().Int64("jobs", n).Dur("retention", s.opts.Retention).Msg("expired jobs purged")
	}
	return n, nil
}
