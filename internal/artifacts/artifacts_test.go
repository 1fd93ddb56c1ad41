package artifacts

import (
	"context"
	"errors"
	"sync"
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

type fixture struct {
	store *dbtest.Store
	svc   *Service
	job   *types.Job
	task  types.Task
}

func newFixture(t *testing.T, perms PermissionChecker) *fixture {
	t.Helper()
	store := dbtest.New()
	job, tasks, err := store.CreateJob(context.Background(), types.NewJob{Title: "report", Status: types.JobRunning},
		[]types.NewTask{{Name: "chart", AgentType: "designer"}})
	require.NoError(t, err)
	return &fixture{store: store, svc: New(store, perms, nil, zerolog.Nop()), job: job, task: tasks[0]}
}

func (f *fixture) create(t *testing.T, role string, metadata string) *types.Artifact {
	t.Helper()
	a, _, err := f.svc.Create(context.Background(), types.NewArtifact{
		TaskID:     f.task.ID,
		JobID:      f.job.ID,
		Type:       "chart",
		Role:       role,
		StorageRef: "s3://bucket/" + uuid.NewString(),
		MimeType:   "image/png",
		Metadata:   types.MustParse(metadata),
	})
	require.NoError(t, err)
	return a
}

func TestCreate_ChainsVersions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first := f.create(t, "revenue", `{"title":"Q1"}`)
	assert.Equal(t, 1, first.Version)
	assert.True(t, first.IsCurrent)
	assert.Equal(t, types.ArtifactDraft, first.Status)
	assert.Nil(t, first.ParentArtifactID)

	second := f.create(t, "revenue", `{"title":"Q2"}`)
	assert.Equal(t, 2, second.Version)
	assert.True(t, second.IsCurrent)
	require.NotNil(t, second.ParentArtifactID)
	assert.Equal(t, first.ID, *second.ParentArtifactID)

	prior, err := f.svc.Version(ctx, f.job.ID, "chart", "revenue", 1)
	require.NoError(t, err)
	assert.False(t, prior.IsCurrent, "the prior version stays queryable")

	other := f.create(t, "costs", `{}`)
	assert.Equal(t, 1, other.Version, "roles version independently")

	current, err := f.svc.Current(ctx, f.job.ID)
	require.NoError(t, err)
	require.Len(t, current, 2)
	ids := []uuid.UUID{current[0].ID, current[1].ID}
	assert.ElementsMatch(t, []uuid.UUID{second.ID, other.ID}, ids)

	versions, err := f.svc.Versions(ctx, f.job.ID, "chart", "revenue")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 1, versions[0].Version)
	assert.Equal(t, 2, versions[1].Version)
}

func TestCreate_ConcurrentVersionsKeepOneCurrent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := f.svc.Create(ctx, types.NewArtifact{
				TaskID: f.task.ID, JobID: f.job.ID, Type: "report", StorageRef: "ref",
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	versions, err := f.svc.Versions(ctx, f.job.ID, "report", "")
	require.NoError(t, err)
	require.Len(t, versions, 20)
	current := 0
	for i, v := range versions {
		assert.Equal(t, i+1, v.Version)
		if v.IsCurrent {
			current++
		}
	}
	assert.Equal(t, 1, current)
}

func TestCreate_SameRunReturnsStoredVersion(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	run := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	in := types.NewArtifact{
		TaskID: f.task.ID, JobID: f.job.ID, Type: "chart", StorageRef: "s3://bucket/a.png", RunStartedAt: &run,
	}

	first, created, err := f.svc.Create(ctx, in)
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := f.svc.Create(ctx, in)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	next := run.Add(time.Hour)
	in.RunStartedAt = &next
	rerun, created, err := f.svc.Create(ctx, in)
	require.NoError(t, err)
	assert.True(t, created, "a later run of the task adds a version")
	assert.Equal(t, 2, rerun.Version)

	versions, err := f.svc.Versions(ctx, f.job.ID, "chart", "")
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t, nil)
	_, _, err := f.svc.Create(context.Background(), types.NewArtifact{TaskID: f.task.ID, JobID: f.job.ID, Type: "chart"})
	assert.ErrorIs(t, err, types.ErrValidation)

	_, _, err = f.svc.Create(context.Background(), types.NewArtifact{Type: "chart", StorageRef: "ref"})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestPromote_OneWayLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.create(t, "", `{}`)

	_, err := f.svc.Promote(ctx, a.ID, types.ArtifactFrozen, "alice")
	assert.ErrorIs(t, err, types.ErrIllegalTransition, "draft cannot skip approval")

	approved, err := f.svc.Promote(ctx, a.ID, types.ArtifactApproved, "alice")
	require.NoError(t, err)
	assert.Equal(t, types.ArtifactApproved, approved.Status)
	require.NotNil(t, approved.PromotedBy)
	assert.Equal(t, "alice", *approved.PromotedBy)
	assert.NotNil(t, approved.PromotedAt)

	frozen, err := f.svc.Promote(ctx, a.ID, types.ArtifactFrozen, "bob")
	require.NoError(t, err)
	assert.Equal(t, types.ArtifactFrozen, frozen.Status)

	_, err = f.svc.Promote(ctx, a.ID, types.ArtifactApproved, "bob")
	assert.ErrorIs(t, err, types.ErrIllegalTransition, "frozen is terminal")

	logs, err := f.store.ListAuditLogs(ctx, f.job.ID)
	require.NoError(t, err)
	var actions []string
	for _, l := range logs {
		actions = append(actions, l.Action)
	}
	assert.Equal(t, []string{"artifact.promoted", "artifact.promoted"}, actions)
}

func TestPromote_SecondFrozenInGroupRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	v1 := f.create(t, "", `{}`)
	v2 := f.create(t, "", `{}`)
	for _, id := range []uuid.UUID{v1.ID, v2.ID} {
		_, err := f.svc.Promote(ctx, id, types.ArtifactApproved, "")
		require.NoError(t, err)
	}

	_, err := f.svc.Promote(ctx, v1.ID, types.ArtifactFrozen, "")
	require.NoError(t, err)
	_, err = f.svc.Promote(ctx, v2.ID, types.ArtifactFrozen, "")
	assert.ErrorIs(t, err, types.ErrConstraintViolation)

	got, err := f.svc.Get(ctx, v2.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ArtifactApproved, got.Status)
}

func TestPromote_ConcurrentFreezeOnlyOneWins(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	var ids []uuid.UUID
	for i := 0; i < 8; i++ {
		a := f.create(t, "", `{}`)
		_, err := f.svc.Promote(ctx, a.ID, types.ArtifactApproved, "")
		require.NoError(t, err)
		ids = append(ids, a.ID)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			if _, err := f.svc.Promote(ctx, id, types.ArtifactFrozen, ""); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, types.ErrConstraintViolation)
			}
		}(id)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestPromote_PermissionDenied(t *testing.T) {
	denied := errors.New("not a member of the organization")
	f := newFixture(t, PermissionFunc(func(_ context.Context, actor string, _ *types.Artifact, to types.ArtifactStatus) error {
		if actor == "mallory" {
			return denied
		}
		return nil
	}))
	a := f.create(t, "", `{}`)

	_, err := f.svc.Promote(context.Background(), a.ID, types.ArtifactApproved, "mallory")
	assert.ErrorIs(t, err, denied)
	got, err := f.svc.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ArtifactDraft, got.Status)

	_, err = f.svc.Promote(context.Background(), a.ID, types.ArtifactApproved, "alice")
	assert.NoError(t, err)
}

func TestPromote_NotFound(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Promote(context.Background(), uuid.New(), types.ArtifactApproved, "")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestPromote_PublishesEvent(t *testing.T) {
	store := dbtest.New()
	job, tasks, err := store.CreateJob(context.Background(), types.NewJob{Title: "j"}, []types.NewTask{{Name: "t", AgentType: "designer"}})
	require.NoError(t, err)
	bus := notify.New()
	events, unsubscribe := bus.Subscribe(8)
	defer unsubscribe()

	svc := New(store, nil, bus, zerolog.Nop())
	a, _, err := svc.Create(context.Background(), types.NewArtifact{TaskID: tasks[0].ID, JobID: job.ID, Type: "chart", StorageRef: "ref"})
	require.NoError(t, err)
	_, err = svc.Promote(context.Background(), a.ID, types.ArtifactApproved, "")
	require.NoError(t, err)

	created := <-events
	assert.Equal(t, notify.ArtifactCreated, created.Type)
	promoted := <-events
	assert.Equal(t, notify.ArtifactPromoted, promoted.Type)
	assert.Equal(t, string(types.ArtifactApproved), promoted.Status)
}

func TestDiff(t *testing.T) {
	f := newFixture(t, nil)
	v1 := f.create(t, "revenue", `{"title":"Q1","axes":{"x":"month","y":"usd"},"legend":true}`)
	v2 := f.create(t, "revenue", `{"title":"Q2","axes":{"x":"month","y":"eur"},"source":"ledger"}`)

	d, err := f.svc.Diff(context.Background(), v1.ID, v2.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, d.FromVersion)
	assert.Equal(t, 2, d.ToVersion)
	assert.Equal(t, []string{"source"}, d.Added())
	assert.Equal(t, []string{"legend"}, d.Removed())
	assert.Equal(t, []string{"axes.y", "title"}, d.Changed())
}

func TestDiff_DifferentGroups(t *testing.T) {
	f := newFixture(t, nil)
	a := f.create(t, "revenue", `{}`)
	b := f.create(t, "costs", `{}`)

	_, err := f.svc.Diff(context.Background(), a.ID, b.ID)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestCompare_ScalarMetadata(t *testing.T) {
	group := types.Artifact{JobID: uuid.New(), Type: "report"}
	from, to := group, group
	from.Metadata = types.String("v1")
	to.Metadata = types.String("v2")

	d, err := Compare(&from, &to)
	require.NoError(t, err)
	require.Len(t, d.Changes, 1)
	assert.Equal(t, "", d.Changes[0].Path)

	to.Metadata = types.String("v1")
	d, err = Compare(&from, &to)
	require.NoError(t, err)
	assert.Empty(t, d.Changes)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(types.ArtifactDraft, types.ArtifactApproved))
	assert.True(t, CanTransition(types.ArtifactApproved, types.ArtifactFrozen))
	assert.False(t, CanTransition(types.ArtifactDraft, types.ArtifactFrozen))
	assert.False(t, CanTransition(types.ArtifactFrozen, types.ArtifactApproved))
	assert.False(t, CanTransition(types.ArtifactApproved, types.ArtifactDraft))
}
