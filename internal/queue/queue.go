// Package queue is the durable work queue that carries ready tasks to workers, plus
// the dead-letter channel for tasks that failed terminally.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/agent-orchestrator/internal/schemas"
	"github.com/jonathan/agent-orchestrator/internal/types"
	files "github.com/jonathan/agent-orchestrator/schemas"
)

// MemoryURL selects the in-process queue.
const MemoryURL = "memory://"

// DefaultVisibility is how long a dequeued message stays hidden before redelivery.
const DefaultVisibility = 5 * time.Minute

// Envelope is the message delivered to a worker.
type Envelope struct {
	TaskID    uuid.UUID   `json:"task_id"`
	JobID     uuid.UUID   `json:"job_id"`
	AgentType string      `json:"agent_type"`
	Payload   types.Value `json:"payload"`
	Attempt   int         `json:"attempt,omitempty"`
}

// Validate checks the envelope against the embedded JSON Schema.
func (e Envelope) Validate() error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	s, err := schemas.Load(files.Envelope)
	if err != nil {
		return err
	}
	return s.Validate(data)
}

// ErrorContext describes why a task was dead-lettered.
type ErrorContext struct {
	JobID     uuid.UUID   `json:"job_id"`
	AgentType string      `json:"agent_type,omitempty"`
	Reason    string      `json:"reason"`
	Message   string      `json:"message,omitempty"`
	Status    string      `json:"status,omitempty"`
	Data      types.Value `json:"data,omitempty"`
	FailedAt  time.Time   `json:"failed_at"`
}

// Message is a delivered envelope with its queue bookkeeping.
type Message struct {
	ID         int64     `json:"id"`
	Envelope   Envelope  `json:"envelope"`
	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// DeadLetter is an entry in the dead-letter channel.
type DeadLetter struct {
	ID         int64        `json:"id"`
	TaskID     uuid.UUID    `json:"task_id"`
	Error      ErrorContext `json:"error"`
	CreatedAt  time.Time    `json:"created_at"`
	ReplayedAt *time.Time   `json:"replayed_at,omitempty"`
}

// Queue is the work queue contract. Delivery is at least once and unordered across
// tasks; consumers must be idempotent.
type Queue interface {
	Enqueue(ctx context.Context, env Envelope) error
	SendToDeadLetter(ctx context.Context, taskID uuid.UUID, ec ErrorContext) error
	// Dequeue claims the oldest visible message for one of agentTypes (any type when
	// empty) and hides it for visibility. It returns nil when nothing is available.
	Dequeue(ctx context.Context, agentTypes []string, visibility time.Duration) (*Message, error)
	Ack(ctx context.Context, messageID int64) error
	ListDeadLetters(ctx context.Context, includeReplayed bool, limit int) ([]DeadLetter, error)
	GetDeadLetter(ctx context.Context, id int64) (*DeadLetter, error)
	MarkReplayed(ctx context.Context, id int64) error
	Close()
}

// Open returns the queue for url: the in-process queue for memory:// and the
// PostgreSQL queue otherwise. The PostgreSQL connection is established lazily.
func Open(url string) Queue {
	if strings.HasPrefix(url, MemoryURL) {
		return NewMemory()
	}
	return NewPostgres(NewManager(url))
}
