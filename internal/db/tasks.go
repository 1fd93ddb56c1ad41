package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/agent-orchestrator/internal/types"
)

// -----------------------------------------------------------------------------
// Task Methods
// -----------------------------------------------------------------------------

const taskColumns = `id, job_id, name, agent_type, payload, status, parent_task_id, order_index,
	retry_count, review_score, review_decision, review_feedback, result,
	started_at, finished_at, created_at, updated_at`

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanTask(row pgx.Row) (*types.Task, error) {
	var t types.Task
	var payloadJSON, resultJSON []byte
	err := row.Scan(&t.ID, &t.JobID, &t.Name, &t.AgentType, &payloadJSON, &t.Status,
		&t.ParentTaskID, &t.OrderIndex, &t.RetryCount, &t.ReviewScore, &t.ReviewDecision,
		&t.ReviewFeedback, &resultJSON, &t.StartedAt, &t.FinishedAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if t.Payload, err = types.ParseValue(payloadJSON); err != nil {
		return nil, fmt.Errorf("failed to decode payload of task %s: %w", t.ID, err)
	}
	if t.Result, err = types.ParseValue(resultJSON); err != nil {
		return nil, fmt.Errorf("failed to decode result of task %s: %w", t.ID, err)
	}
	return &t, nil
}

func collectTasks(rows pgx.Rows) ([]types.Task, error) {
	defer rows.Close()
	var tasks []types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}
	return tasks, nil
}

func insertTask(ctx context.Context, q querier, jobID uuid.UUID, nt types.NewTask) (*types.Task, error) {
	payload := nt.Payload
	if payload.IsNull() {
		payload = types.Object(nil)
	}
	payloadJSON, err := payload.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	task, err := scanTask(q.QueryRow(ctx,
		`INSERT INTO tasks (job_id, name, agent_type, payload, parent_task_id, order_index)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+taskColumns,
		jobID, nt.Name, nt.AgentType, payloadJSON, nt.ParentTaskID, nt.OrderIndex,
	))
	if err != nil {
		if constraint, ok := isUniqueViolation(err); ok {
			return nil, &types.ConstraintViolationError{Constraint: constraint, Cause: err}
		}
		return nil, fmt.Errorf("failed to create task %q: %w", nt.Name, err)
	}
	return task, nil
}

// CreateTask inserts a single task into an existing job.
func (db *DB) CreateTask(ctx context.Context, jobID uuid.UUID, nt types.NewTask) (*types.Task, error) {
	return insertTask(ctx, db.pool, jobID, nt)
}

// GetTask retrieves a task by id
func (db *DB) GetTask(ctx context.Context, id uuid.UUID) (*types.Task, error) {
	task, err := scanTask(db.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NotFound("task", id)
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// ListTasks returns every task of a job ordered by order_index.
func (db *DB) ListTasks(ctx context.Context, jobID uuid.UUID) ([]types.Task, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE job_id = $1
		 ORDER BY order_index, created_at`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return collectTasks(rows)
}

// ListReadyCandidates returns PENDING tasks of a job whose structural parent is
// absent or has succeeded, ordered by order_index.
func (db *DB) ListReadyCandidates(ctx context.Context, jobID uuid.UUID) ([]types.Task, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+prefixed("t", taskColumns)+`
		 FROM tasks t
		 LEFT JOIN tasks p ON p.id = t.parent_task_id
		 WHERE t.job_id = $1
		   AND t.status = 'PENDING'
		   AND (t.parent_task_id IS NULL OR p.status = 'SUCCESS')
		 ORDER BY t.order_index, t.created_at`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list ready tasks: %w", err)
	}
	return collectTasks(rows)
}

// UpdateTaskLocked loads the task with a row lock, applies fn and persists the
// mutable fields. An error from fn aborts the transaction and is returned as is.
func (db *DB) UpdateTaskLocked(ctx context.Context, id uuid.UUID, fn func(*types.Task) error) (*types.Task, error) {
	var updated *types.Task
	err := db.withTx(ctx, func(tx pgx.Tx) error {
		task, err := scanTask(tx.QueryRow(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return types.NotFound("task", id)
			}
			return fmt.Errorf("failed to lock task: %w", err)
		}

		if err := fn(task); err != nil {
			return err
		}

		payload := task.Payload
		if payload.IsNull() {
			payload = types.Object(nil)
		}
		payloadJSON, err := payload.Bytes()
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		resultArg, err := jsonArg(task.Result)
		if err != nil {
			return err
		}

		updated, err = scanTask(tx.QueryRow(ctx,
			`UPDATE tasks
			 SET status = $2, payload = $3, result = $4, retry_count = $5,
			     review_score = $6, review_decision = $7, review_feedback = $8,
			     started_at = $9, finished_at = $10, updated_at = NOW()
			 WHERE id = $1
			 RETURNING `+taskColumns,
			id, task.Status, payloadJSON, resultArg, task.RetryCount,
			task.ReviewScore, task.ReviewDecision, task.ReviewFeedback,
			task.StartedAt, task.FinishedAt,
		))
		if err != nil {
			return fmt.Errorf("failed to update task: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ClaimTask moves a task from one status to another only if it is still in from.
// It reports whether this caller won the claim.
func (db *DB) ClaimTask(ctx context.Context, id uuid.UUID, from, to types.TaskStatus) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE tasks
		 SET status = $3,
		     updated_at = NOW(),
		     started_at = CASE
		         WHEN $3 = 'RUNNING' AND $2 <> 'RUNNING' THEN NOW()
		         WHEN $3 IN ('QUEUED', 'PENDING') THEN NULL
		         ELSE started_at END,
		     finished_at = CASE WHEN $4 THEN NOW() ELSE finished_at END
		 WHERE id = $1 AND status = $2`,
		id, from, to, to.IsTerminal(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim task: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FindReviewerTask returns the reviewer injected for the given attempt of a task, or
// nil when there is none.
func (db *DB) FindReviewerTask(ctx context.Context, parentID uuid.UUID, attempt int) (*types.Task, error) {
	task, err := scanTask(db.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE parent_task_id = $1
		   AND agent_type = 'reviewer'
		   AND COALESCE((payload->>'attempt')::int, 0) = $2
		 ORDER BY created_at
		 LIMIT 1`,
		parentID, attempt,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find reviewer task: %w", err)
	}
	return task, nil
}

// ListStaleTasks returns RUNNING tasks that started before the cutoff.
func (db *DB) ListStaleTasks(ctx context.Context, startedBefore time.Time) ([]types.Task, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = 'RUNNING' AND started_at < $1
		 ORDER BY started_at`,
		startedBefore,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale tasks: %w", err)
	}
	return collectTasks(rows)
}

// CountRunningTasks counts RUNNING tasks that started at or after the cutoff.
func (db *DB) CountRunningTasks(ctx context.Context, startedAfter time.Time) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM tasks
		 WHERE status = 'RUNNING' AND (started_at IS NULL OR started_at >= $1)`,
		startedAfter,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count running tasks: %w", err)
	}
	return n, nil
}

// ListJobsWithReadyTasks returns the distinct jobs holding at least one PENDING task
// whose structural parent is satisfied, oldest job first. Paused and cancelled jobs
// are excluded, as are scheduled jobs whose schedule has never fired.
func (db *DB) ListJobsWithReadyTasks(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT t.job_id
		 FROM tasks t
		 JOIN jobs j ON j.id = t.job_id
		 LEFT JOIN tasks p ON p.id = t.parent_task_id
		 LEFT JOIN job_schedules s ON s.job_id = j.id
		 WHERE t.status = 'PENDING'
		   AND (t.parent_task_id IS NULL OR p.status = 'SUCCESS')
		   AND j.status NOT IN ('PAUSED', 'CANCELLED')
		   AND (j.status <> 'SCHEDULED' OR s.last_run_at IS NOT NULL)
		 GROUP BY t.job_id
		 ORDER BY MIN(j.created_at)`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs with ready tasks: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// prefixed qualifies a column list with a table alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// CancelJob marks a job CANCELLED and cancels all of its active tasks in one
// transaction. It returns the ids of the cancelled tasks.
func (db *DB) CancelJob(ctx context.Context, jobID uuid.UUID) ([]uuid.UUID, error) {
	var cancelled []uuid.UUID
	err := db.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE jobs SET status = 'CANCELLED', updated_at = NOW(), finished_at = NOW()
			 WHERE id = $1`, jobID)
		if err != nil {
			return fmt.Errorf("failed to cancel job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return types.NotFound("job", jobID)
		}

		rows, err := tx.Query(ctx,
			`UPDATE tasks SET status = 'CANCELLED', finished_at = NOW(), updated_at = NOW()
			 WHERE job_id = $1 AND status IN ('PENDING', 'QUEUED', 'RUNNING')
			 RETURNING id`, jobID)
		if err != nil {
			return fmt.Errorf("failed to cancel tasks: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("failed to scan task id: %w", err)
			}
			cancelled = append(cancelled, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}
