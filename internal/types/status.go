package types

// JobStatus is the lifecycle status of a job.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobSuccess   JobStatus = "SUCCESS"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
	JobPaused    JobStatus = "PAUSED"
	JobScheduled JobStatus = "SCHEDULED"
)

// IsTerminal reports whether the job has finished (successfully or not).
func (s JobStatus) IsTerminal() bool {
	return s == JobSuccess || s == JobFailed || s == JobCancelled
}

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobRunning, JobSuccess, JobFailed, JobCancelled, JobPaused, JobScheduled:
		return true
	}
	return false
}

// TaskStatus is the lifecycle status of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskQueued    TaskStatus = "QUEUED"
	TaskRunning   TaskStatus = "RUNNING"
	TaskSuccess   TaskStatus = "SUCCESS"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
	TaskSkipped   TaskStatus = "SKIPPED"
)

// AllTaskStatuses lists every task status in lifecycle order.
var AllTaskStatuses = []TaskStatus{
	TaskPending, TaskQueued, TaskRunning, TaskSuccess, TaskFailed, TaskCancelled, TaskSkipped,
}

// IsTerminal reports whether the task has finished. FAILED counts as terminal even
// though a manual retry may move it back to QUEUED.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskSuccess, TaskFailed, TaskCancelled, TaskSkipped:
		return true
	}
	return false
}

// IsActive reports whether the task still has work ahead of it.
func (s TaskStatus) IsActive() bool {
	return s == TaskPending || s == TaskQueued || s == TaskRunning
}

// IsFailure reports whether the status makes the owning job fail.
func (s TaskStatus) IsFailure() bool {
	return s == TaskFailed || s == TaskCancelled
}

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	for _, known := range AllTaskStatuses {
		if s == known {
			return true
		}
	}
	return false
}
