// Package dbtest provides an in-memory implementation of the orchestrator store with
// the same semantics as the PostgreSQL implementation in package db.
package dbtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/agent-orchestrator/internal/types"
)

// Store is a mutex-guarded in-memory store. The zero value is not usable; call New.
type Store struct {
	mu sync.Mutex

	jobs      map[uuid.UUID]*types.Job
	tasks     map[uuid.UUID]*types.Task
	schedules map[uuid.UUID]*types.JobSchedule // keyed by job id
	artifacts map[uuid.UUID]*types.Artifact
	taskLogs  []types.TaskLog
	auditLogs []types.AuditLog

	seq int64
	now func() time.Time
}

// New returns an empty Store using the wall clock.
func New() *Store {
	return &Store{
		jobs:      make(map[uuid.UUID]*types.Job),
		tasks:     make(map[uuid.UUID]*types.Task),
		schedules: make(map[uuid.UUID]*types.JobSchedule),
		artifacts: make(map[uuid.UUID]*types.Artifact),
		now:       time.Now,
	}
}

// SetClock overrides the clock used for timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// stamp returns a strictly increasing timestamp so creation order is preserved.
func (s *Store) stamp() time.Time {
	s.seq++
	return s.now().Add(time.Duration(s.seq) * time.Microsecond)
}

func timePtr(t time.Time) *time.Time { return &t }

// PutTask overwrites a stored task. Tests use it to fabricate states such as an old
// started_at.
func (s *Store) PutTask(t types.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := t
	s.tasks[t.ID] = &cp
}

// PutJob overwrites a stored job.
func (s *Store) PutJob(j types.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := j
	s.jobs[j.ID] = &cp
}

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

// CreateJob inserts a job and its tasks, resolving ParentIndex against the batch.
func (s *Store) CreateJob(_ context.Context, in types.NewJob, tasks []types.NewTask) (*types.Job, []types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := in.Status
	if status == "" {
		status = types.JobPending
	}
	now := s.stamp()
	job := &types.Job{
		ID:              uuid.New(),
		Title:           in.Title,
		Status:          status,
		TemplateID:      in.TemplateID,
		TemplateVersion: in.TemplateVersion,
		OwnerID:         in.OwnerID,
		OrgID:           in.OrgID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	created := make([]types.Task, 0, len(tasks))
	for i, nt := range tasks {
		if nt.ParentIndex != nil {
			idx := *nt.ParentIndex
			if idx < 0 || idx >= i {
				return nil, nil, &types.ValidationError{
					Field:   fmt.Sprintf("tasks[%d].parent", i),
					Message: "parent must reference an earlier task",
				}
			}
			parent := created[idx].ID
			nt.ParentTaskID = &parent
		}
		created = append(created, s.newTask(job.ID, nt))
	}

	s.jobs[job.ID] = job
	for i := range created {
		t := created[i]
		s.tasks[t.ID] = &t
	}
	return copyJob(job), created, nil
}

func copyJob(j *types.Job) *types.Job {
	cp := *j
	return &cp
}

// GetJob retrieves a job by id.
func (s *Store) GetJob(_ context.Context, id uuid.UUID) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, types.NotFound("job", id)
	}
	return copyJob(j), nil
}

// ListJobs returns jobs newest first, optionally filtered by status.
func (s *Store) ListJobs(_ context.Context, status types.JobStatus, limit int) ([]types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []types.Job
	for _, j := range s.jobs {
		if status == "" || j.Status == status {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) setJobStatusLocked(j *types.Job, status types.JobStatus) {
	now := s.stamp()
	j.Status = status
	j.UpdatedAt = now
	if status.IsTerminal() {
		j.FinishedAt = timePtr(now)
	} else {
		j.FinishedAt = nil
	}
}

// SetJobStatus unconditionally sets a job's status.
func (s *Store) SetJobStatus(_ context.Context, id uuid.UUID, status types.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return types.NotFound("job", id)
	}
	s.setJobStatusLocked(j, status)
	return nil
}

// CompareAndSetJobStatus moves a job to status only if it is currently in from.
func (s *Store) CompareAndSetJobStatus(_ context.Context, id uuid.UUID, from []types.JobStatus, to types.JobStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if j.Status == f {
			s.setJobStatusLocked(j, to)
			return true, nil
		}
	}
	return false, nil
}

// JobTaskCounts aggregates the task statuses of a job.
func (s *Store) JobTaskCounts(_ context.Context, jobID uuid.UUID) (types.TaskCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.CountTasks(s.jobTasksLocked(jobID)), nil
}

// CancelJob marks a job CANCELLED and cancels its active tasks.
func (s *Store) CancelJob(_ context.Context, jobID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, types.NotFound("job", jobID)
	}
	s.setJobStatusLocked(j, types.JobCancelled)

	var cancelled []uuid.UUID
	for _, t := range s.jobTasksLocked(jobID) {
		if !t.Status.IsActive() {
			continue
		}
		stored := s.tasks[t.ID]
		now := s.stamp()
		stored.Status = types.TaskCancelled
		stored.FinishedAt = timePtr(now)
		stored.UpdatedAt = now
		cancelled = append(cancelled, t.ID)
	}
	return cancelled, nil
}

// -----------------------------------------------------------------------------
// Tasks
// -----------------------------------------------------------------------------

func (s *Store) newTask(jobID uuid.UUID, nt types.NewTask) types.Task {
	payload := nt.Payload
	if payload.IsNull() {
		payload = types.Object(nil)
	}
	now := s.stamp()
	return types.Task{
		ID:           uuid.New(),
		JobID:        jobID,
		Name:         nt.Name,
		AgentType:    nt.AgentType,
		Payload:      payload,
		Status:       types.TaskPending,
		ParentTaskID: nt.ParentTaskID,
		OrderIndex:   nt.OrderIndex,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// jobTasksLocked returns copies of a job's tasks ordered by order_index then creation.
func (s *Store) jobTasksLocked(jobID uuid.UUID) []types.Task {
	var out []types.Task
	for _, t := range s.tasks {
		if t.JobID == jobID {
			out = append(out, *t)
		}
	}
	sortTasks(out)
	return out
}

func sortTasks(tasks []types.Task) {
	sort.SliceStable(tasks, func(a, b int) bool {
		if tasks[a].OrderIndex != tasks[b].OrderIndex {
			return tasks[a].OrderIndex < tasks[b].OrderIndex
		}
		return tasks[a].CreatedAt.Before(tasks[b].CreatedAt)
	})
}

func reviewerAttempt(t *types.Task) int64 {
	v, ok := t.Payload.Get("attempt")
	if !ok {
		return 0
	}
	n, _ := v.AsInt()
	return n
}

// CreateTask inserts a task into an existing job. A second reviewer for the same
// parent attempt is rejected like the partial unique index does.
func (s *Store) CreateTask(_ context.Context, jobID uuid.UUID, nt types.NewTask) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return nil, types.NotFound("job", jobID)
	}
	t := s.newTask(jobID, nt)
	if t.IsReviewer() && t.ParentTaskID != nil {
		for _, other := range s.tasks {
			if other.IsReviewer() && other.ParentTaskID != nil && *other.ParentTaskID == *t.ParentTaskID &&
				reviewerAttempt(other) == reviewerAttempt(&t) {
				return nil, &types.ConstraintViolationError{Constraint: "tasks_one_reviewer_idx"}
			}
		}
	}
	s.tasks[t.ID] = &t
	cp := t
	return &cp, nil
}

// GetTask retrieves a task by id.
func (s *Store) GetTask(_ context.Context, id uuid.UUID) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, types.NotFound("task", id)
	}
	cp := *t
	return &cp, nil
}

// ListTasks returns every task of a job ordered by order_index.
func (s *Store) ListTasks(_ context.Context, jobID uuid.UUID) ([]types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobTasksLocked(jobID), nil
}

func (s *Store) parentSatisfiedLocked(t *types.Task) bool {
	if t.ParentTaskID == nil {
		return true
	}
	p, ok := s.tasks[*t.ParentTaskID]
	return ok && p.Status == types.TaskSuccess
}

// ListReadyCandidates returns PENDING tasks whose structural parent is absent or
// has succeeded.
func (s *Store) ListReadyCandidates(_ context.Context, jobID uuid.UUID) ([]types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Task
	for _, t := range s.jobTasksLocked(jobID) {
		if t.Status == types.TaskPending && s.parentSatisfiedLocked(&t) {
			out = append(out, t)
		}
	}
	return out, nil
}

// UpdateTaskLocked applies fn to a copy of the task under the store lock and
// persists the result when fn succeeds. fn must not call back into the store.
func (s *Store) UpdateTaskLocked(_ context.Context, id uuid.UUID, fn func(*types.Task) error) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.tasks[id]
	if !ok {
		return nil, types.NotFound("task", id)
	}
	work := *stored
	if err := fn(&work); err != nil {
		return nil, err
	}
	if work.Payload.IsNull() {
		work.Payload = types.Object(nil)
	}
	work.UpdatedAt = s.stamp()
	*stored = work
	cp := work
	return &cp, nil
}

// ClaimTask moves a task from one status to another only if it is still in from.
func (s *Store) ClaimTask(_ context.Context, id uuid.UUID, from, to types.TaskStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != from {
		return false, nil
	}
	now := s.stamp()
	t.Status = to
	t.UpdatedAt = now
	switch {
	case to == types.TaskRunning && from != types.TaskRunning:
		t.StartedAt = timePtr(now)
	case to == types.TaskQueued || to == types.TaskPending:
		t.StartedAt = nil
	}
	if to.IsTerminal() {
		t.FinishedAt = timePtr(now)
	}
	return true, nil
}

// FindReviewerTask returns the reviewer injected for the given attempt of a task.
func (s *Store) FindReviewerTask(_ context.Context, parentID uuid.UUID, attempt int) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *types.Task
	for _, t := range s.tasks {
		if !t.IsReviewer() || t.ParentTaskID == nil || *t.ParentTaskID != parentID {
			continue
		}
		if reviewerAttempt(t) != int64(attempt) {
			continue
		}
		if found == nil || t.CreatedAt.Before(found.CreatedAt) {
			found = t
		}
	}
	if found == nil {
		return nil, nil
	}
	cp := *found
	return &cp, nil
}

// ListStaleTasks returns RUNNING tasks that started before the cutoff.
func (s *Store) ListStaleTasks(_ context.Context, startedBefore time.Time) ([]types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Task
	for _, t := range s.tasks {
		if t.Status == types.TaskRunning && t.StartedAt != nil && t.StartedAt.Before(startedBefore) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].StartedAt.Before(*out[b].StartedAt) })
	return out, nil
}

// CountRunningTasks counts RUNNING tasks that started at or after the cutoff.
func (s *Store) CountRunningTasks(_ context.Context, startedAfter time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.Status == types.TaskRunning && (t.StartedAt == nil || !t.StartedAt.Before(startedAfter)) {
			n++
		}
	}
	return n, nil
}

// ListJobsWithReadyTasks returns jobs with at least one ready PENDING task, oldest
// job first. Paused, cancelled and never-fired scheduled jobs are excluded.
func (s *Store) ListJobsWithReadyTasks(_ context.Context) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ready := make(map[uuid.UUID]bool)
	for _, t := range s.tasks {
		if t.Status != types.TaskPending || !s.parentSatisfiedLocked(t) {
			continue
		}
		j, ok := s.jobs[t.JobID]
		if !ok || j.Status == types.JobPaused || j.Status == types.JobCancelled {
			continue
		}
		if j.Status == types.JobScheduled {
			sched, ok := s.schedules[j.ID]
			if !ok || sched.LastRunAt == nil {
				continue
			}
		}
		ready[j.ID] = true
	}

	jobs := make([]*types.Job, 0, len(ready))
	for id := range ready {
		jobs = append(jobs, s.jobs[id])
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].CreatedAt.Before(jobs[b].CreatedAt) })
	ids := make([]uuid.UUID, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	return ids, nil
}

// -----------------------------------------------------------------------------
// Schedules
// -----------------------------------------------------------------------------

// UpsertSchedule creates or replaces the schedule of a job.
func (s *Store) UpsertSchedule(_ context.Context, in types.JobSchedule) (*types.JobSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[in.JobID]; !ok {
		return nil, types.NotFound("job", in.JobID)
	}
	now := s.stamp()
	existing, ok := s.schedules[in.JobID]
	if !ok {
		sched := in
		sched.ID = uuid.New()
		sched.CreatedAt = now
		sched.UpdatedAt = now
		sched.LastRunAt = nil
		s.schedules[in.JobID] = &sched
		cp := sched
		return &cp, nil
	}
	existing.Type = in.Type
	existing.CronExpr = in.CronExpr
	existing.RunAt = in.RunAt
	existing.NextRunAt = in.NextRunAt
	existing.Enabled = in.Enabled
	existing.UpdatedAt = now
	cp := *existing
	return &cp, nil
}

// GetSchedule retrieves the schedule of a job.
func (s *Store) GetSchedule(_ context.Context, jobID uuid.UUID) (*types.JobSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[jobID]
	if !ok {
		return nil, types.NotFound("schedule", jobID)
	}
	cp := *sched
	return &cp, nil
}

// HasEnabledCronSchedule reports whether the job fires again on a cron schedule.
func (s *Store) HasEnabledCronSchedule(_ context.Context, jobID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[jobID]
	return ok && sched.Type == types.ScheduleCron && sched.Enabled, nil
}

// ActivateDueSchedules applies plan to every due schedule of a SCHEDULED job.
func (s *Store) ActivateDueSchedules(_ context.Context, now time.Time, limit int,
	plan func(sched types.JobSchedule, activeTasks int) types.ScheduleActivation) ([]types.ScheduleActivation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}

	var due []*types.JobSchedule
	for _, sched := range s.schedules {
		if !sched.Enabled || sched.NextRunAt == nil || sched.NextRunAt.After(now) {
			continue
		}
		if j, ok := s.jobs[sched.JobID]; !ok || j.Status != types.JobScheduled {
			continue
		}
		due = append(due, sched)
	}
	sort.Slice(due, func(a, b int) bool { return due[a].NextRunAt.Before(*due[b].NextRunAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	var activations []types.ScheduleActivation
	for _, sched := range due {
		active := 0
		for _, t := range s.tasks {
			if t.JobID == sched.JobID && (t.Status == types.TaskQueued || t.Status == types.TaskRunning) {
				active++
			}
		}
		act := plan(*sched, active)
		act.Schedule = *sched
		s.applyActivationLocked(now, act)
		activations = append(activations, act)
	}
	return activations, nil
}

func (s *Store) applyActivationLocked(now time.Time, act types.ScheduleActivation) {
	sched := s.schedules[act.Schedule.JobID]
	sched.NextRunAt = act.NextRunAt
	sched.Enabled = act.Enabled
	if !act.Skipped {
		sched.LastRunAt = timePtr(now)
	}
	sched.UpdatedAt = s.stamp()

	if act.JobStatus != "" {
		j := s.jobs[act.Schedule.JobID]
		j.Status = act.JobStatus
		j.UpdatedAt = s.stamp()
		j.FinishedAt = nil
	}

	if act.ResetTasks {
		for id, t := range s.tasks {
			if t.JobID != act.Schedule.JobID {
				continue
			}
			if t.IsReviewer() {
				delete(s.tasks, id)
				for _, a := range s.artifacts {
					if a.TaskID == id {
						a.TaskID = uuid.Nil
					}
				}
				continue
			}
			t.Status = types.TaskPending
			t.Result = types.Null()
			t.RetryCount = 0
			t.ReviewScore = nil
			t.ReviewDecision = nil
			t.ReviewFeedback = nil
			t.StartedAt = nil
			t.FinishedAt = nil
			t.UpdatedAt = s.stamp()
		}
	}
}

// -----------------------------------------------------------------------------
// Artifacts
// -----------------------------------------------------------------------------

func copyArtifact(a *types.Artifact) *types.Artifact {
	cp := *a
	return &cp
}

func (s *Store) groupLocked(jobID uuid.UUID, artifactType, role string) []*types.Artifact {
	var out []*types.Artifact
	for _, a := range s.artifacts {
		if a.JobID == jobID && a.Type == artifactType && a.Role == role {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

// CreateArtifactVersion inserts the next version of an artifact group, demoting and
// chaining the prior current row. A repeat from the same task run returns the
// existing version with created false.
func (s *Store) CreateArtifactVersion(_ context.Context, in types.NewArtifact) (*types.Artifact, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	group := s.groupLocked(in.JobID, in.Type, in.Role)
	if in.RunStartedAt != nil {
		if _, ok := s.tasks[in.TaskID]; !ok {
			return nil, false, types.NotFound("task", in.TaskID)
		}
		for i := len(group) - 1; i >= 0; i-- {
			a := group[i]
			if a.TaskID == in.TaskID && a.RunStartedAt != nil && a.RunStartedAt.Equal(*in.RunStartedAt) {
				return copyArtifact(a), false, nil
			}
		}
	}

	version := 1
	var parentID *uuid.UUID
	for _, a := range group {
		if a.Version >= version {
			version = a.Version + 1
		}
		if a.IsCurrent {
			id := a.ID
			parentID = &id
			a.IsCurrent = false
		}
	}

	a := &types.Artifact{
		ID:               uuid.New(),
		TaskID:           in.TaskID,
		JobID:            in.JobID,
		Type:             in.Type,
		Role:             in.Role,
		Version:          version,
		IsCurrent:        true,
		Status:           types.ArtifactDraft,
		ParentArtifactID: parentID,
		StorageRef:       in.StorageRef,
		MimeType:         in.MimeType,
		Previewable:      in.Previewable,
		Metadata:         in.Metadata,
		RunStartedAt:     in.RunStartedAt,
		CreatedAt:        s.stamp(),
	}
	s.artifacts[a.ID] = a
	return copyArtifact(a), true, nil
}

// GetArtifact retrieves an artifact by id.
func (s *Store) GetArtifact(_ context.Context, id uuid.UUID) (*types.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[id]
	if !ok {
		return nil, types.NotFound("artifact", id)
	}
	return copyArtifact(a), nil
}

// GetArtifactVersion retrieves one explicit version of an artifact group.
func (s *Store) GetArtifactVersion(_ context.Context, jobID uuid.UUID, artifactType, role string, version int) (*types.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.groupLocked(jobID, artifactType, role) {
		if a.Version == version {
			return copyArtifact(a), nil
		}
	}
	return nil, &types.NotFoundError{
		Entity: "artifact",
		ID:     fmt.Sprintf("%s/%s/%s@%d", jobID, artifactType, role, version),
	}
}

// ListArtifacts returns the artifacts of a job, optionally only current versions.
func (s *Store) ListArtifacts(_ context.Context, jobID uuid.UUID, currentOnly bool) ([]types.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Artifact
	for _, a := range s.artifacts {
		if a.JobID == jobID && (!currentOnly || a.IsCurrent) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		if out[i].Role != out[j].Role {
			return out[i].Role < out[j].Role
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

// ListArtifactVersions returns every version of a group, oldest first.
func (s *Store) ListArtifactVersions(_ context.Context, jobID uuid.UUID, artifactType, role string) ([]types.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	group := s.groupLocked(jobID, artifactType, role)
	out := make([]types.Artifact, len(group))
	for i, a := range group {
		out[i] = *a
	}
	return out, nil
}

// PromoteArtifact lets check approve the move and records the new status. A second
// frozen row in a group is rejected like the partial unique index does.
func (s *Store) PromoteArtifact(_ context.Context, id uuid.UUID, to types.ArtifactStatus, actor string,
	check func(target *types.Artifact, group []types.Artifact) error) (*types.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.artifacts[id]
	if !ok {
		return nil, types.NotFound("artifact", id)
	}
	var group []types.Artifact
	for _, a := range s.groupLocked(target.JobID, target.Type, target.Role) {
		if a.ID != id {
			group = append(group, *a)
		}
	}
	if err := check(copyArtifact(target), group); err != nil {
		return nil, err
	}
	if to == types.ArtifactFrozen {
		for _, a := range group {
			if a.Status == types.ArtifactFrozen {
				return nil, &types.ConstraintViolationError{Constraint: "artifacts_one_frozen_idx"}
			}
		}
	}

	target.Status = to
	target.PromotedAt = timePtr(s.stamp())
	if actor != "" {
		a := actor
		target.PromotedBy = &a
	}
	return copyArtifact(target), nil
}

// -----------------------------------------------------------------------------
// Logs and retention
// -----------------------------------------------------------------------------

// AppendTaskLog records a task log entry.
func (s *Store) AppendTaskLog(_ context.Context, entry types.TaskLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.Level == "" {
		entry.Level = "info"
	}
	entry.ID = int64(len(s.taskLogs) + 1)
	entry.CreatedAt = s.stamp()
	s.taskLogs = append(s.taskLogs, entry)
	return nil
}

// ListTaskLogs returns the log entries of a task in insertion order.
func (s *Store) ListTaskLogs(_ context.Context, taskID uuid.UUID) ([]types.TaskLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.TaskLog
	for _, l := range s.taskLogs {
		if l.TaskID == taskID {
			out = append(out, l)
		}
	}
	return out, nil
}

// AppendAuditLog records an audit log entry.
func (s *Store) AppendAuditLog(_ context.Context, entry types.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = int64(len(s.auditLogs) + 1)
	entry.CreatedAt = s.stamp()
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

// ListAuditLogs returns the audit trail of a job in insertion order.
func (s *Store) ListAuditLogs(_ context.Context, jobID uuid.UUID) ([]types.AuditLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.AuditLog
	for _, l := range s.auditLogs {
		if l.JobID == jobID {
			out = append(out, l)
		}
	}
	return out, nil
}

// PurgeTerminalJobs deletes terminal jobs last updated before the cutoff together
// with everything that references them.
func (s *Store) PurgeTerminalJobs(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doomed := make(map[uuid.UUID]bool)
	for id, j := range s.jobs {
		if j.Status.IsTerminal() && j.UpdatedAt.Before(olderThan) {
			doomed[id] = true
		}
	}
	if len(doomed) == 0 {
		return 0, nil
	}

	for id, t := range s.tasks {
		if doomed[t.JobID] {
			delete(s.tasks, id)
		}
	}
	for id, a := range s.artifacts {
		if doomed[a.JobID] {
			delete(s.artifacts, id)
		}
	}
	for jobID := range doomed {
		delete(s.schedules, jobID)
		delete(s.jobs, jobID)
	}
	taskLogs := s.taskLogs[:0]
	for _, l := range s.taskLogs {
		if !doomed[l.JobID] {
			taskLogs = append(taskLogs, l)
		}
	}
	s.taskLogs = taskLogs
	auditLogs := s.auditLogs[:0]
	for _, l := range s.auditLogs {
		if !doomed[l.JobID] {
			auditLogs = append(auditLogs, l)
		}
	}
	s.auditLogs = auditLogs
	return int64(len(doomed)), nil
}
