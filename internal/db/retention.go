package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// PurgeTerminalJobs deletes terminal jobs last updated before the cutoff together
// with their logs, artifacts, schedules and tasks in one transaction. Rows locked by
// another session are left for a later pass.
func (db *DB) PurgeTerminalJobs(ctx context.Context, olderThan time.Time) (int64, error) {
	var purged int64
	err := db.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT id FROM jobs
			 WHERE status IN ('SUCCESS', 'FAILED', 'CANCELLED') AND updated_at < $1
			 FOR UPDATE SKIP LOCKED`,
			olderThan,
		)
		if err != nil {
			return fmt.Errorf("failed to select expired jobs: %w", err)
		}
		var ids []uuid.UUID
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan job id: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to iterate expired jobs: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		idArg := uuidStrings(ids)
		for _, stmt := range []string{
			`DELETE FROM task_logs WHERE job_id = ANY($1::uuid[])`,
			`DELETE FROM audit_logs WHERE job_id = ANY($1::uuid[])`,
			`DELETE FROM artifacts WHERE job_id = ANY($1::uuid[])`,
			`DELETE FROM job_schedules WHERE job_id = ANY($1::uuid[])`,
			`DELETE FROM tasks WHERE job_id = ANY($1::uuid[])`,
		} {
			if _, err := tx.Exec(ctx, stmt, idArg); err != nil {
				return fmt.Errorf("failed to purge job dependents: %w", err)
			}
		}
		tag, err := tx.Exec(ctx, `DELETE FROM jobs WHERE id = ANY($1::uuid[])`, idArg)
		if err != nil {
			return fmt.Errorf("failed to purge jobs: %w", err)
		}
		purged = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return purged, nil
}
