package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/agent-orchestrator/internal/types"
)

type memMessage struct {
	msg       Message
	visibleAt time.Time
}

// Memory is an in-process Queue for tests and single-binary runs. Messages do not
// survive a restart.
type Memory struct {
	mu      sync.Mutex
	seq     int64
	dlSeq   int64
	msgs    []*memMessage
	letters []*DeadLetter
	now     func() time.Time

	// FailEnqueue, when set, is returned by Enqueue.
	FailEnqueue error
}

// NewMemory returns an empty in-process queue.
func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

// Close implements Queue.
func (q *Memory) Close() {}

// Enqueue appends an envelope.
func (q *Memory) Enqueue(_ context.Context, env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.FailEnqueue != nil {
		return q.FailEnqueue
	}
	q.seq++
	now := q.now()
	q.msgs = append(q.msgs, &memMessage{
		msg:       Message{ID: q.seq, Envelope: env, EnqueuedAt: now},
		visibleAt: now,
	})
	return nil
}

// SendToDeadLetter records a terminally failed task.
func (q *Memory) SendToDeadLetter(_ context.Context, taskID uuid.UUID, ec ErrorContext) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ec.FailedAt.IsZero() {
		ec.FailedAt = q.now().UTC()
	}
	q.dlSeq++
	q.letters = append(q.letters, &DeadLetter{
		ID:        q.dlSeq,
		TaskID:    taskID,
		Error:     ec,
		CreatedAt: q.now(),
	})
	return nil
}

// Dequeue claims the oldest visible message.
func (q *Memory) Dequeue(_ context.Context, agentTypes []string, visibility time.Duration) (*Message, error) {
	if visibility <= 0 {
		visibility = DefaultVisibility
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for _, m := range q.msgs {
		if m.visibleAt.After(now) || !matchesType(m.msg.Envelope.AgentType, agentTypes) {
			continue
		}
		m.visibleAt = now.Add(visibility)
		m.msg.Attempts++
		cp := m.msg
		return &cp, nil
	}
	return nil, nil
}

func matchesType(agentType string, want []string) bool {
	if len(want) == 0 {
		return true
	}
	for _, w := range want {
		if w == agentType {
			return true
		}
	}
	return false
}

// Ack removes a delivered message.
func (q *Memory) Ack(_ context.Context, messageID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, m := range q.msgs {
		if m.msg.ID == messageID {
			q.msgs = append(q.msgs[:i], q.msgs[i+1:]...)
			return nil
		}
	}
	return nil
}

// Pending returns the envelopes still in the queue, oldest first.
func (q *Memory) Pending() []Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Envelope, len(q.msgs))
	for i, m := range q.msgs {
		out[i] = m.msg.Envelope
	}
	return out
}

// ListDeadLetters returns dead letters, newest first.
func (q *Memory) ListDeadLetters(_ context.Context, includeReplayed bool, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []DeadLetter
	for _, dl := range q.letters {
		if includeReplayed || dl.ReplayedAt == nil {
			out = append(out, *dl)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetDeadLetter retrieves one dead letter.
func (q *Memory) GetDeadLetter(_ context.Context, id int64) (*DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, dl := range q.letters {
		if dl.ID == id {
			cp := *dl
			return &cp, nil
		}
	}
	return nil, &types.NotFoundError{Entity: "dead letter", ID: fmt.Sprint(id)}
}

// MarkReplayed stamps a dead letter as replayed.
func (q *Memory) MarkReplayed(_ context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, dl := range q.letters {
		if dl.ID == id {
			now := q.now()
			dl.ReplayedAt = &now
			return nil
		}
	}
	return &types.NotFoundError{Entity: "dead letter", ID: fmt.Sprint(id)}
}
