// Package notify is the in-process live-update channel for task and job status
// changes.
package notify

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	TaskStatusChanged = "task.status"
	JobStatusChanged  = "job.status"
	ArtifactCreated   = "artifact.created"
	ArtifactPromoted  = "artifact.promoted"
)

// Event is a small status-change signal.
//
// Contract:
//   - Publish never blocks.
//   - Subscribers use buffered channels.
//   - Slow subscribers drop events.
type Event struct {
	Type   string    `json:"type"`
	Time   time.Time `json:"time"`
	JobID  uuid.UUID `json:"job_id"`
	TaskID uuid.UUID `json:"task_id,omitempty"`
	Status string    `json:"status,omitempty"`
	Data   any       `json:"data,omitempty"`
}

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(e Event)
}

// Bus fans events out to subscribers.
type Bus interface {
	Publisher
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() *MemBus {
	return &MemBus{subs: map[uint64]chan Event{}}
}

// MemBus is the in-memory Bus.
type MemBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

// Publish delivers e to every subscriber with room in its buffer. Sends happen
// under the read lock and channels are closed only under the write lock, so a
// subscriber is never sent to after it unsubscribed.
func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a buffered subscriber. The returned func closes the channel.
func (b *MemBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
	return ch, unsub
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *MemBus) Dropped() uint64 { return b.dropped.Load() }

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(Event) {}
