package types

import (
	"time"

	"github.com/google/uuid"
)

// ScheduleType is the activation policy of a job schedule.
type ScheduleType string

const (
	ScheduleOnce    ScheduleType = "once"
	ScheduleDelayed ScheduleType = "delayed"
	ScheduleCron    ScheduleType = "cron"
)

// JobSchedule is the single schedule row attached to a job.
type JobSchedule struct {
	ID        uuid.UUID    `json:"id"`
	JobID     uuid.UUID    `json:"job_id"`
	Type      ScheduleType `json:"type"`
	CronExpr  string       `json:"cron_expr,omitempty"`
	RunAt     *time.Time   `json:"run_at,omitempty"`
	NextRunAt *time.Time   `json:"next_run_at,omitempty"`
	Enabled   bool         `json:"enabled"`
	LastRunAt *time.Time   `json:"last_run_at,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// ScheduleActivation describes what firing a due schedule does to the schedule row
// and its job. It is computed by the scheduler and applied by the store inside the
// claiming transaction.
type ScheduleActivation struct {
	Schedule  JobSchedule `json:"schedule"`
	NextRunAt *time.Time  `json:"next_run_at,omitempty"`
	Enabled   bool        `json:"enabled"`
	JobStatus JobStatus   `json:"job_status"`
	// ResetTasks re-arms every task of the job for a new cron run.
	ResetTasks bool `json:"reset_tasks"`
	// Skipped marks a firing dropped because the previous run is still active.
	Skipped bool `json:"skipped"`
}
