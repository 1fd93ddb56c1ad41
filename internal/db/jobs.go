package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/agent-orchestrator/internal/types"
)

// -----------------------------------------------------------------------------
// Job Methods
// -----------------------------------------------------------------------------

const jobColumns = `id, title, status, template_id, template_version, owner_id, org_id,
	created_at, updated_at, finished_at`

func scanJob(row pgx.Row) (*types.Job, error) {
	var j types.Job
	err := row.Scan(&j.ID, &j.Title, &j.Status, &j.TemplateID, &j.TemplateVersion,
		&j.OwnerID, &j.OrgID, &j.CreatedAt, &j.UpdatedAt, &j.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// CreateJob inserts a job and its tasks in one transaction. Task parents given by
// ParentIndex are resolved against earlier tasks of the same batch.
func (db *DB) CreateJob(ctx context.Context, in types.NewJob, tasks []types.NewTask) (*types.Job, []types.Task, error) {
	status := in.Status
	if status == "" {
		status = types.JobPending
	}

	var job *types.Job
	created := make([]types.Task, 0, len(tasks))

	err := db.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		job, err = scanJob(tx.QueryRow(ctx,
			`INSERT INTO jobs (title, status, template_id, template_version, owner_id, org_id)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING `+jobColumns,
			in.Title, status, in.TemplateID, in.TemplateVersion, in.OwnerID, in.OrgID,
		))
		if err != nil {
			return fmt.Errorf("failed to create job: %w", err)
		}

		for i, nt := range tasks {
			if nt.ParentIndex != nil {
				idx := *nt.ParentIndex
				if idx < 0 || idx >= i {
					return &types.ValidationError{
						Field:   fmt.Sprintf("tasks[%d].parent", i),
						Message: "parent must reference an earlier task",
					}
				}
				parent := created[idx].ID
				nt.ParentTaskID = &parent
			}
			task, err := insertTask(ctx, tx, job.ID, nt)
			if err != nil {
				return err
			}
			created = append(created, *task)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return job, created, nil
}

// GetJob retrieves a job by id
func (db *DB) GetJob(ctx context.Context, id uuid.UUID) (*types.Job, error) {
	job, err := scanJob(db.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NotFound("job", id)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs, newest first, optionally filtered by status.
func (db *DB) ListJobs(ctx context.Context, status types.JobStatus, limit int) ([]types.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE ($1 = '' OR status = $1)
		 ORDER BY created_at DESC
		 LIMIT $2`,
		string(status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// SetJobStatus unconditionally sets a job's status. finished_at is set when the
// status is terminal and cleared otherwise.
func (db *DB) SetJobStatus(ctx context.Context, id uuid.UUID, status types.JobStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE jobs
		 SET status = $2,
		     updated_at = NOW(),
		     finished_at = CASE WHEN $3 THEN NOW() ELSE NULL END
		 WHERE id = $1`,
		id, status, status.IsTerminal(),
	)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NotFound("job", id)
	}
	return nil
}

// CompareAndSetJobStatus moves a job to status only if its current status is one of
// from. It reports whether the row changed.
func (db *DB) CompareAndSetJobStatus(ctx context.Context, id uuid.UUID, from []types.JobStatus, to types.JobStatus) (bool, error) {
	fromStrs := make([]string, len(from))
	for i, s := range from {
		fromStrs[i] = string(s)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE jobs
		 SET status = $3,
		     updated_at = NOW(),
		     finished_at = CASE WHEN $4 THEN NOW() ELSE NULL END
		 WHERE id = $1 AND status = ANY($2)`,
		id, fromStrs, to, to.IsTerminal(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to update job status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// JobTaskCounts aggregates the task statuses of a job.
func (db *DB) JobTaskCounts(ctx context.Context, jobID uuid.UUID) (types.TaskCounts, error) {
	var c types.TaskCounts
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE status IN ('PENDING','QUEUED','RUNNING')),
		        COUNT(*) FILTER (WHERE status IN ('FAILED','CANCELLED')),
		        COUNT(*) FILTER (WHERE status IN ('SUCCESS','FAILED','CANCELLED','SKIPPED'))
		 FROM tasks WHERE job_id = $1`,
		jobID,
	).Scan(&c.Total, &c.Active, &c.Failed, &c.Terminal)
	if err != nil {
		return c, fmt.Errorf("failed to count tasks: %w", err)
	}
	return c, nil
}
