package types

import (
	"time"

	"github.com/google/uuid"
)

// Job is a unit of work requested by a user or organization.
type Job struct {
	ID              uuid.UUID  `json:"id"`
	Title           string     `json:"title"`
	Status          JobStatus  `json:"status"`
	TemplateID      *uuid.UUID `json:"template_id,omitempty"`
	TemplateVersion *int       `json:"template_version,omitempty"`
	OwnerID         *uuid.UUID `json:"owner_id,omitempty"`
	OrgID           *uuid.UUID `json:"org_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// NewJob holds the fields needed to insert a job.
type NewJob struct {
	Title           string
	Status          JobStatus
	TemplateID      *uuid.UUID
	TemplateVersion *int
	OwnerID         *uuid.UUID
	OrgID           *uuid.UUID
}

// TaskCounts aggregates task statuses for a job.
type TaskCounts struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Failed   int `json:"failed"`
	Terminal int `json:"terminal"`
}

// AggregateStatus derives the job status implied by the counts. ok is false while
// any task is still active or the job has no tasks.
func (c TaskCounts) AggregateStatus() (status JobStatus, ok bool) {
	if c.Total == 0 || c.Active > 0 || c.Terminal < c.Total {
		return "", false
	}
	if c.Failed > 0 {
		return JobFailed, true
	}
	return JobSuccess, true
}

// CountTasks computes TaskCounts over a task list.
func CountTasks(tasks []Task) TaskCounts {
	var c TaskCounts
	for _, t := range tasks {
		c.Total++
		if t.Status.IsActive() {
			c.Active++
		}
		if t.Status.IsFailure() {
			c.Failed++
		}
		if t.Status.IsTerminal() {
			c.Terminal++
		}
	}
	return c
}
