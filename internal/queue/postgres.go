package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/agent-orchestrator/internal/types"
)

// Postgres is a Queue backed by the queue_messages and dead_letters tables.
type Postgres struct {
	mgr *Manager
}

// NewPostgres creates a queue over mgr.
func NewPostgres(mgr *Manager) *Postgres {
	return &Postgres{mgr: mgr}
}

// Manager exposes the underlying connection manager.
func (q *Postgres) Manager() *Manager { return q.mgr }

// Close closes the connection manager.
func (q *Postgres) Close() { q.mgr.Close() }

// Enqueue persists an envelope.
func (q *Postgres) Enqueue(ctx context.Context, env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	pool, err := q.mgr.Pool(ctx)
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx,
		`INSERT INTO queue_messages (task_id, job_id, agent_type, body) VALUES ($1, $2, $3, $4)`,
		env.TaskID, env.JobID, env.AgentType, body,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue task %s: %w", env.TaskID, err)
	}
	return nil
}

// SendToDeadLetter records a terminally failed task.
func (q *Postgres) SendToDeadLetter(ctx context.Context, taskID uuid.UUID, ec ErrorContext) error {
	if ec.FailedAt.IsZero() {
		ec.FailedAt = time.Now().UTC()
	}
	body, err := json.Marshal(ec)
	if err != nil {
		return fmt.Errorf("failed to marshal error context: %w", err)
	}
	pool, err := q.mgr.Pool(ctx)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx,
		`INSERT INTO dead_letters (task_id, error) VALUES ($1, $2)`, taskID, body,
	); err != nil {
		return fmt.Errorf("failed to dead-letter task %s: %w", taskID, err)
	}
	return nil
}

// Dequeue claims one visible message with SKIP LOCKED and hides it for visibility.
func (q *Postgres) Dequeue(ctx context.Context, agentTypes []string, visibility time.Duration) (*Message, error) {
	if visibility <= 0 {
		visibility = DefaultVisibility
	}
	if agentTypes == nil {
		agentTypes = []string{}
	}
	pool, err := q.mgr.Pool(ctx)
	if err != nil {
		return nil, err
	}

	var msg Message
	var body []byte
	err = pool.QueryRow(ctx,
		`UPDATE queue_messages
		 SET visible_at = NOW() + ($2::bigint * INTERVAL '1 millisecond'),
		     attempts = attempts + 1
		 WHERE id = (
		     SELECT id FROM queue_messages
		     WHERE visible_at <= NOW()
		       AND (cardinality($1::text[]) = 0 OR agent_type = ANY($1::text[]))
		     ORDER BY id
		     LIMIT 1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, body, attempts, created_at`,
		agentTypes, visibility.Milliseconds(),
	).Scan(&msg.ID, &body, &msg.Attempts, &msg.EnqueuedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}
	if err := json.Unmarshal(body, &msg.Envelope); err != nil {
		return nil, fmt.Errorf("failed to decode message %d: %w", msg.ID, err)
	}
	return &msg, nil
}

// Ack removes a delivered message.
func (q *Postgres) Ack(ctx context.Context, messageID int64) error {
	pool, err := q.mgr.Pool(ctx)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, `DELETE FROM queue_messages WHERE id = $1`, messageID); err != nil {
		return fmt.Errorf("failed to ack message %d: %w", messageID, err)
	}
	return nil
}

func scanDeadLetter(row pgx.Row) (*DeadLetter, error) {
	var dl DeadLetter
	var body []byte
	if err := row.Scan(&dl.ID, &dl.TaskID, &body, &dl.CreatedAt, &dl.ReplayedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, &dl.Error); err != nil {
		return nil, fmt.Errorf("failed to decode dead letter %d: %w", dl.ID, err)
	}
	return &dl, nil
}

// ListDeadLetters returns dead letters, newest first.
func (q *Postgres) ListDeadLetters(ctx context.Context, includeReplayed bool, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	pool, err := q.mgr.Pool(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx,
		`SELECT id, task_id, error, created_at, replayed_at
		 FROM dead_letters
		 WHERE $1 OR replayed_at IS NULL
		 ORDER BY id DESC
		 LIMIT $2`,
		includeReplayed, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *dl)
	}
	return out, rows.Err()
}

// GetDeadLetter retrieves one dead letter.
func (q *Postgres) GetDeadLetter(ctx context.Context, id int64) (*DeadLetter, error) {
	pool, err := q.mgr.Pool(ctx)
	if err != nil {
		return nil, err
	}
	dl, err := scanDeadLetter(pool.QueryRow(ctx,
		`SELECT id, task_id, error, created_at, replayed_at FROM dead_letters WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &types.NotFoundError{Entity: "dead letter", ID: fmt.Sprint(id)}
		}
		return nil, fmt.Errorf("failed to get dead letter: %w", err)
	}
	return dl, nil
}

// MarkReplayed stamps a dead letter as replayed.
func (q *Postgres) MarkReplayed(ctx context.Context, id int64) error {
	pool, err := q.mgr.Pool(ctx)
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx,
		`UPDATE dead_letters SET replayed_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark dead letter %d replayed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &types.NotFoundError{Entity: "dead letter", ID: fmt.Sprint(id)}
	}
	return nil
}
