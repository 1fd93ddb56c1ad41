package types

import (
	"time"

	"github.com/google/uuid"
)

// Well-known agent types.
const (
	AgentReviewer = "reviewer"
	AgentDesigner = "designer"
)

// Review decisions reported by reviewer tasks.
const (
	ReviewApprove = "APPROVE"
	ReviewReject  = "REJECT"
)

// Task is one node of a job's DAG.
type Task struct {
	ID             uuid.UUID  `json:"id"`
	JobID          uuid.UUID  `json:"job_id"`
	Name           string     `json:"name"`
	AgentType      string     `json:"agent_type"`
	Payload        Value      `json:"payload"`
	Status         TaskStatus `json:"status"`
	ParentTaskID   *uuid.UUID `json:"parent_task_id,omitempty"`
	OrderIndex     int        `json:"order_index"`
	RetryCount     int        `json:"retry_count"`
	ReviewScore    *float64   `json:"review_score,omitempty"`
	ReviewDecision *string    `json:"review_decision,omitempty"`
	ReviewFeedback *string    `json:"review_feedback,omitempty"`
	Result         Value      `json:"result"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// IsReviewer reports whether the task was injected to review another task.
func (t *Task) IsReviewer() bool { return t.AgentType == AgentReviewer }

// ReviewTarget returns the target_task_id carried in a reviewer payload.
func (t *Task) ReviewTarget() (uuid.UUID, bool) {
	raw, ok := t.Payload.Get("target_task_id")
	if !ok {
		return uuid.Nil, false
	}
	s, ok := raw.AsString()
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// Decision returns the review decision recorded on a reviewer task, falling back to
// the "decision" field of its result.
func (t *Task) Decision() string {
	if t.ReviewDecision != nil && *t.ReviewDecision != "" {
		return *t.ReviewDecision
	}
	if d, ok := t.Result.Get("decision"); ok {
		if s, ok := d.AsString(); ok {
			return s
		}
	}
	return ""
}

// NewTask holds the fields needed to insert a task. ParentIndex refers to a sibling
// in the same batch and is resolved to ParentTaskID at insert time.
type NewTask struct {
	Name         string
	AgentType    string
	Payload      Value
	ParentTaskID *uuid.UUID
	ParentIndex  *int
	OrderIndex   int
}

// TaskLog is an entry in the task_logs table.
type TaskLog struct {
	ID        int64     `json:"id"`
	TaskID    uuid.UUID `json:"task_id"`
	JobID     uuid.UUID `json:"job_id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Data      Value     `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditLog is an entry in the audit_logs table.
type AuditLog struct {
	ID         int64     `json:"id"`
	JobID      uuid.UUID `json:"job_id"`
	EntityType string    `json:"entity_type"`
	EntityID   uuid.UUID `json:"entity_id"`
	Action     string    `json:"action"`
	Actor      string    `json:"actor,omitempty"`
	Data       Value     `json:"data"`
	CreatedAt  time.Time `json:"created_at"`
}
