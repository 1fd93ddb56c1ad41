package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/agent-orchestrator/internal/types"
)

// -----------------------------------------------------------------------------
// Schedule Methods
// -----------------------------------------------------------------------------

const scheduleColumns = `id, job_id, type, cron_expr, run_at, next_run_at, enabled, last_run_at,
	created_at, updated_at`

func scanSchedule(row pgx.Row) (*types.JobSchedule, error) {
	var s types.JobSchedule
	var cronExpr *string
	err := row.Scan(&s.ID, &s.JobID, &s.Type, &cronExpr, &s.RunAt, &s.NextRunAt, &s.Enabled,
		&s.LastRunAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if cronExpr != nil {
		s.CronExpr = *cronExpr
	}
	return &s, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// UpsertSchedule creates or replaces the schedule of a job.
func (db *DB) UpsertSchedule(ctx context.Context, s types.JobSchedule) (*types.JobSchedule, error) {
	saved, err := scanSchedule(db.pool.QueryRow(ctx,
		`INSERT INTO job_schedules (job_id, type, cron_expr, run_at, next_run_at, enabled)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (job_id) DO UPDATE
		 SET type = EXCLUDED.type,
		     cron_expr = EXCLUDED.cron_expr,
		     run_at = EXCLUDED.run_at,
		     next_run_at = EXCLUDED.next_run_at,
		     enabled = EXCLUDED.enabled,
		     updated_at = NOW()
		 RETURNING `+scheduleColumns,
		s.JobID, s.Type, nullableString(s.CronExpr), s.RunAt, s.NextRunAt, s.Enabled,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert schedule: %w", err)
	}
	return saved, nil
}

// GetSchedule retrieves the schedule of a job
func (db *DB) GetSchedule(ctx context.Context, jobID uuid.UUID) (*types.JobSchedule, error) {
	s, err := scanSchedule(db.pool.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM job_schedules WHERE job_id = $1`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NotFound("schedule", jobID)
		}
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	return s, nil
}

// HasEnabledCronSchedule reports whether the job fires again on a cron schedule.
func (db *DB) HasEnabledCronSchedule(ctx context.Context, jobID uuid.UUID) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM job_schedules
		     WHERE job_id = $1 AND type = 'cron' AND enabled
		 )`, jobID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check schedule: %w", err)
	}
	return exists, nil
}

// ActivateDueSchedules claims due schedules of SCHEDULED jobs with SKIP LOCKED and
// applies the activation computed by plan for each, all in one transaction. plan
// receives the number of QUEUED or RUNNING tasks of the job.
func (db *DB) ActivateDueSchedules(ctx context.Context, now time.Time, limit int,
	plan func(s types.JobSchedule, activeTasks int) types.ScheduleActivation) ([]types.ScheduleActivation, error) {
	if limit <= 0 {
		limit = 100
	}

	var activations []types.ScheduleActivation
	err := db.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT `+prefixed("s", scheduleColumns)+`,
			        (SELECT COUNT(*) FROM tasks t
			         WHERE t.job_id = s.job_id AND t.status IN ('QUEUED', 'RUNNING'))
			 FROM job_schedules s
			 JOIN jobs j ON j.id = s.job_id
			 WHERE s.enabled AND s.next_run_at <= $1 AND j.status = 'SCHEDULED'
			 ORDER BY s.next_run_at
			 LIMIT $2
			 FOR UPDATE OF s SKIP LOCKED`,
			now, limit,
		)
		if err != nil {
			return fmt.Errorf("failed to select due schedules: %w", err)
		}

		type due struct {
			schedule types.JobSchedule
			active   int
		}
		var claimed []due
		for rows.Next() {
			var s types.JobSchedule
			var cronExpr *string
			var active int
			if err := rows.Scan(&s.ID, &s.JobID, &s.Type, &cronExpr, &s.RunAt, &s.NextRunAt,
				&s.Enabled, &s.LastRunAt, &s.CreatedAt, &s.UpdatedAt, &active); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan schedule: %w", err)
			}
			if cronExpr != nil {
				s.CronExpr = *cronExpr
			}
			claimed = append(claimed, due{schedule: s, active: active})
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to iterate schedules: %w", err)
		}

		for _, d := range claimed {
			act := plan(d.schedule, d.active)
			act.Schedule = d.schedule
			if err := applyActivation(ctx, tx, now, act); err != nil {
				return err
			}
			activations = append(activations, act)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return activations, nil
}

func applyActivation(ctx context.Context, tx pgx.Tx, now time.Time, act types.ScheduleActivation) error {
	jobID := act.Schedule.JobID

	var lastRun *time.Time
	if !act.Skipped {
		lastRun = &now
	}
	if _, err := tx.Exec(ctx,
		`UPDATE job_schedules
		 SET next_run_at = $2, enabled = $3, last_run_at = COALESCE($4, last_run_at), updated_at = NOW()
		 WHERE id = $1`,
		act.Schedule.ID, act.NextRunAt, act.Enabled, lastRun,
	); err != nil {
		return fmt.Errorf("failed to update schedule %s: %w", act.Schedule.ID, err)
	}

	if act.JobStatus != "" {
		if _, err := tx.Exec(ctx,
			`UPDATE jobs SET status = $2, updated_at = NOW(), finished_at = NULL WHERE id = $1`,
			jobID, act.JobStatus,
		); err != nil {
			return fmt.Errorf("failed to update job %s: %w", jobID, err)
		}
	}

	if act.ResetTasks {
		if _, err := tx.Exec(ctx,
			`DELETE FROM tasks WHERE job_id = $1 AND agent_type = 'reviewer'`, jobID,
		); err != nil {
			return fmt.Errorf("failed to remove reviewer tasks of job %s: %w", jobID, err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE tasks
			 SET status = 'PENDING', result = NULL, retry_count = 0,
			     review_score = NULL, review_decision = NULL, review_feedback = NULL,
			     started_at = NULL, finished_at = NULL, updated_at = NOW()
			 WHERE job_id = $1`, jobID,
		); err != nil {
			return fmt.Errorf("failed to reset tasks of job %s: %w", jobID, err)
		}
	}
	return nil
}
