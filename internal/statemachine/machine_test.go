package statemachine

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/agent-orchestrator/internal/db/dbtest"
	"github.com/jonathan/agent-orchestrator/internal/notify"
	"github.com/jonathan/agent-orchestrator/internal/types"
)

func TestCanTransition_MatchesTable(t *testing.T) {
	legal := map[[2]types.TaskStatus]bool{
		{types.TaskPending, types.TaskQueued}:    true,
		{types.TaskPending, types.TaskCancelled}: true,
		{types.TaskPending, types.TaskSkipped}:   true,
		{types.TaskPending, types.TaskFailed}:    true,
		{types.TaskQueued, types.TaskRunning}:    true,
		{types.TaskQueued, types.TaskCancelled}:  true,
		{types.TaskQueued, types.TaskSkipped}:    true,
		{types.TaskQueued, types.TaskFailed}:     true,
		{types.TaskRunning, types.TaskSuccess}:   true,
		{types.TaskRunning, types.TaskFailed}:    true,
		{types.TaskRunning, types.TaskCancelled}: true,
		{types.TaskRunning, types.TaskSkipped}:   true,
		{types.TaskFailed, types.TaskQueued}:     true,
		{types.TaskFailed, types.TaskCancelled}:  true,
	}

	for _, from := range types.AllTaskStatuses {
		for _, to := range types.AllTaskStatuses {
			want := legal[[2]types.TaskStatus{from, to}]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)

			err := ValidateTransition(&types.Task{ID: uuid.New(), Status: from}, to)
			if want {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, types.ErrIllegalTransition, "%s -> %s", from, to)
			}
		}
	}
}

func TestAllowed_TerminalHasNoEdges(t *testing.T) {
	assert.Empty(t, Allowed(types.TaskSuccess))
	assert.Empty(t, Allowed(types.TaskSkipped))
	assert.Empty(t, Allowed(types.TaskCancelled))
	assert.Equal(t, []types.TaskStatus{types.TaskQueued, types.TaskCancelled}, Allowed(types.TaskFailed))
}

type fixture struct {
	store   *dbtest.Store
	bus     *notify.MemBus
	machine *Machine
	events  <-chan notify.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := dbtest.New()
	bus := notify.New()
	events, unsub := bus.Subscribe(64)
	t.Cleanup(unsub)
	return &fixture{
		store:   store,
		bus:     bus,
		machine: New(store, bus, zerolog.Nop()),
		events:  events,
	}
}

func (f *fixture) job(t *testing.T, names ...string) (*types.Job, []types.Task) {
	t.Helper()
	specs := make([]types.NewTask, len(names))
	for i, n := range names {
		specs[i] = types.NewTask{Name: n, AgentType: "analyzer", OrderIndex: i}
	}
	job, tasks, err := f.store.CreateJob(context.Background(), types.NewJob{Title: "job", Status: types.JobRunning}, specs)
	require.NoError(t, err)
	return job, tasks
}

func (f *fixture) drive(t *testing.T, id uuid.UUID, path ...types.TaskStatus) {
	t.Helper()
	for _, s := range path {
		_, err := f.machine.Transition(context.Background(), id, s, Metadata{})
		require.NoError(t, err)
	}
}

func TestTransition_SetsTimestamps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, tasks := f.job(t, "a", "b")
	id := tasks[0].ID

	queued, err := f.machine.Transition(ctx, id, types.TaskQueued, Metadata{})
	require.NoError(t, err)
	assert.Nil(t, queued.StartedAt)
	assert.Nil(t, queued.FinishedAt)

	running, err := f.machine.Transition(ctx, id, types.TaskRunning, Metadata{})
	require.NoError(t, err)
	require.NotNil(t, running.StartedAt)
	assert.Nil(t, running.FinishedAt)

	done, err := f.machine.Transition(ctx, id, types.TaskSuccess, Metadata{Result: types.MustParse(`{"ok":true}`)})
	require.NoError(t, err)
	assert.Equal(t, *running.StartedAt, *done.StartedAt, "started_at is set once")
	require.NotNil(t, done.FinishedAt)
	assert.True(t, done.Result.Equal(types.MustParse(`{"ok":true}`)))

	logs, err := f.store.ListTaskLogs(ctx, id)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "status RUNNING -> SUCCESS", logs[2].Message)
}

func TestTransition_IllegalLeavesTaskUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, tasks := f.job(t, "a")

	_, err := f.machine.Transition(ctx, tasks[0].ID, types.TaskSuccess, Metadata{})
	require.Error(t, err)
	var illegal *types.IllegalTransitionError
	require.True(t, errors.As(err, &illegal))
	assert.Equal(t, "PENDING", illegal.From)
	assert.Equal(t, "SUCCESS", illegal.To)

	task, err := f.store.GetTask(ctx, tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, task.Status)
}

func TestTransition_MissingTask(t *testing.T) {
	f := newFixture(t)
	_, err := f.machine.Transition(context.Background(), uuid.New(), types.TaskQueued, Metadata{})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestTransition_FailedReasonAndRetryClearsFinishedAt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, tasks := f.job(t, "a")
	id := tasks[0].ID
	f.drive(t, id, types.TaskQueued, types.TaskRunning)

	failed, err := f.machine.Transition(ctx, id, types.TaskFailed, Metadata{Reason: "stale_timeout"})
	require.NoError(t, err)
	reason, ok := failed.Result.Get("reason")
	require.True(t, ok)
	assert.Equal(t, "stale_timeout", reason.Text())
	require.NotNil(t, failed.FinishedAt)

	requeued, err := f.machine.Transition(ctx, id, types.TaskQueued, Metadata{})
	require.NoError(t, err)
	assert.Nil(t, requeued.FinishedAt)
}

func TestFinalize_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job, tasks := f.job(t, "a", "b")

	f.drive(t, tasks[0].ID, types.TaskQueued, types.TaskRunning, types.TaskSuccess)
	got, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobRunning, got.Status, "job stays running while a task is active")

	f.drive(t, tasks[1].ID, types.TaskSkipped)
	got, err = f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobSuccess, got.Status)
	assert.NotNil(t, got.FinishedAt)

	audits, err := f.store.ListAuditLogs(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, "job.finalized", audits[0].Action)
}

func TestFinalize_AnyFailureFailsJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job, tasks := f.job(t, "a", "b")

	f.drive(t, tasks[0].ID, types.TaskCancelled)
	f.drive(t, tasks[1].ID, types.TaskQueued, types.TaskRunning, types.TaskSuccess)

	got, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobFailed, got.Status)
}

func TestFinalize_CancelledJobUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job, tasks := f.job(t, "a")
	require.NoError(t, f.store.SetJobStatus(ctx, job.ID, types.JobCancelled))

	f.drive(t, tasks[0].ID, types.TaskQueued, types.TaskRunning, types.TaskSuccess)

	got, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCancelled, got.Status)
}

func TestFinalize_CronJobReturnsToScheduled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job, tasks := f.job(t, "a")
	next := time.Now().Add(time.Hour)
	_, err := f.store.UpsertSchedule(ctx, types.JobSchedule{
		JobID: job.ID, Type: types.ScheduleCron, CronExpr: "0 * * * *", NextRunAt: &next, Enabled: true,
	})
	require.NoError(t, err)

	f.drive(t, tasks[0].ID, types.TaskQueued, types.TaskRunning, types.TaskFailed)

	got, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobScheduled, got.Status)

	audits, err := f.store.ListAuditLogs(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	outcome, _ := audits[0].Data.Get("outcome")
	assert.Equal(t, "FAILED", outcome.Text())
}

func TestTransition_PublishesEvents(t *testing.T) {
	f := newFixture(t)
	_, tasks := f.job(t, "a")

	f.drive(t, tasks[0].ID, types.TaskQueued, types.TaskRunning, types.TaskSuccess)

	var seen []string
	for len(f.events) > 0 {
		e := <-f.events
		seen = append(seen, e.Type+":"+e.Status)
	}
	assert.Equal(t, []string{
		"task.status:QUEUED",
		"task.status:RUNNING",
		"task.status:SUCCESS",
		"job.status:SUCCESS",
	}, seen)
}

func TestTransition_RetryRestartsRunClock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, tasks := f.job(t, "a")
	id := tasks[0].ID

	clock := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	f.machine.now = func() time.Time { return clock }
	f.drive(t, id, types.TaskQueued, types.TaskRunning, types.TaskFailed)

	requeued, err := f.machine.Transition(ctx, id, types.TaskQueued, Metadata{Reason: "manual_retry"})
	require.NoError(t, err)
	assert.Nil(t, requeued.StartedAt)
	assert.Nil(t, requeued.FinishedAt)

	clock = clock.Add(time.Hour)
	rerun, err := f.machine.Transition(ctx, id, types.TaskRunning, Metadata{})
	require.NoError(t, err)
	require.NotNil(t, rerun.StartedAt)
	assert.Equal(t, clock, *rerun.StartedAt)
}

func TestNew_TagsComponentOnce(t *testing.T) {
	var buf bytes.Buffer
	store := dbtest.New()
	machine := New(store, nil, zerolog.New(&buf))
	_, tasks, err := store.CreateJob(context.Background(), types.NewJob{Title: "job", Status: types.JobRunning},
		[]types.NewTask{{Name: "a", AgentType: "analyzer"}})
	require.NoError(t, err)

	for _, s := range []types.TaskStatus{types.TaskQueued, types.TaskRunning, types.TaskSuccess} {
		_, err := machine.Transition(context.Background(), tasks[0].ID, s, Metadata{})
		require.NoError(t, err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)
	for _, line := range lines {
		assert.Equal(t, 1, strings.Count(line, `"component":`), line)
		assert.Contains(t, line, `"component":"statemachine"`)
	}
}

func TestForce_BypassesTable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job, tasks := f.job(t, "a")
	id := tasks[0].ID
	f.drive(t, id, types.TaskQueued, types.TaskRunning, types.TaskSuccess)

	reset, err := f.machine.Force(ctx, id, types.TaskPending, Metadata{Reason: "review_rejected"}, func(t *types.Task) {
		t.RetryCount++
		t.Result = types.Null()
		t.StartedAt = nil
	})
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, reset.Status)
	assert.Equal(t, 1, reset.RetryCount)
	assert.True(t, reset.Result.IsNull())
	assert.Nil(t, reset.FinishedAt)

	got, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobSuccess, got.Status, "a forced non-terminal move does not refinalize")
}

func TestClaim_OnlyFirstWriterWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, tasks := f.job(t, "a")
	pending := tasks[0]

	ok, err := f.machine.Claim(ctx, &pending, types.TaskQueued)
	require.NoError(t, err)
	assert.True(t, ok)

	// a second scan still holding the stale PENDING copy loses
	ok, err = f.machine.Claim(ctx, &pending, types.TaskQueued)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := f.store.GetTask(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskQueued, got.Status)

	logs, err := f.store.ListTaskLogs(ctx, pending.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "status PENDING -> QUEUED", logs[0].Message)
}

func TestClaim_RejectsIllegalMove(t *testing.T) {
	f := newFixture(t)
	_, tasks := f.job(t, "a")
	pending := tasks[0]

	_, err := f.machine.Claim(context.Background(), &pending, types.TaskSuccess)
	assert.ErrorIs(t, err, types.ErrIllegalTransition)
}
