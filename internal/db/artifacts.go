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
// Artifact Methods
// -----------------------------------------------------------------------------

const artifactColumns = `id, task_id, job_id, type, role, version, is_current, status,
	parent_artifact_id, storage_ref, mime_type, previewable, metadata, run_started_at,
	created_at, promoted_at, promoted_by`

func scanArtifact(row pgx.Row) (*types.Artifact, error) {
	var a types.Artifact
	var taskID *uuid.UUID
	var mimeType *string
	var metadataJSON []byte
	err := row.Scan(&a.ID, &taskID, &a.JobID, &a.Type, &a.Role, &a.Version, &a.IsCurrent,
		&a.Status, &a.ParentArtifactID, &a.StorageRef, &mimeType, &a.Previewable, &metadataJSON,
		&a.RunStartedAt, &a.CreatedAt, &a.PromotedAt, &a.PromotedBy)
	if err != nil {
		return nil, err
	}
	if taskID != nil {
		a.TaskID = *taskID
	}
	if mimeType != nil {
		a.MimeType = *mimeType
	}
	if a.Metadata, err = types.ParseValue(metadataJSON); err != nil {
		return nil, fmt.Errorf("failed to decode metadata of artifact %s: %w", a.ID, err)
	}
	return &a, nil
}

func collectArtifacts(rows pgx.Rows) ([]types.Artifact, error) {
	defer rows.Close()
	var artifacts []types.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		artifacts = append(artifacts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate artifacts: %w", err)
	}
	return artifacts, nil
}

// constraintError maps unique violations to ConstraintViolationError.
func constraintError(err error, action string) error {
	if constraint, ok := isUniqueViolation(err); ok {
		return &types.ConstraintViolationError{Constraint: constraint, Cause: err}
	}
	return fmt.Errorf("failed to %s: %w", action, err)
}

// CreateArtifactVersion inserts the next version of an artifact group. The current
// row of the group is locked, demoted and chained as the new row's parent in the
// same transaction. When in names a task run that already produced a version of
// the group, that version is returned with created false.
func (db *DB) CreateArtifactVersion(ctx context.Context, in types.NewArtifact) (*types.Artifact, bool, error) {
	metadataArg, err := jsonArg(in.Metadata)
	if err != nil {
		return nil, false, err
	}

	var created *types.Artifact
	fresh := false
	err = db.withTx(ctx, func(tx pgx.Tx) error {
		if in.RunStartedAt != nil {
			// repeated deliveries of one completion serialize on the task row
			var one int
			if err := tx.QueryRow(ctx,
				`SELECT 1 FROM tasks WHERE id = $1 FOR NO KEY UPDATE`, in.TaskID,
			).Scan(&one); err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return types.NotFound("task", in.TaskID)
				}
				return fmt.Errorf("failed to lock task: %w", err)
			}
			existing, err := scanArtifact(tx.QueryRow(ctx,
				`SELECT `+artifactColumns+` FROM artifacts
				 WHERE task_id = $1 AND type = $2 AND role = $3 AND run_started_at = $4
				 ORDER BY version DESC LIMIT 1`,
				in.TaskID, in.Type, in.Role, in.RunStartedAt,
			))
			if err == nil {
				created = existing
				return nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("failed to look up run artifact: %w", err)
			}
		}

		prior, err := scanArtifact(tx.QueryRow(ctx,
			`SELECT `+artifactColumns+` FROM artifacts
			 WHERE job_id = $1 AND type = $2 AND role = $3 AND is_current
			 FOR UPDATE`,
			in.JobID, in.Type, in.Role,
		))
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to lock current artifact: %w", err)
		}

		version := 1
		var parentID *uuid.UUID
		if prior != nil {
			version = prior.Version + 1
			parentID = &prior.ID
			if _, err := tx.Exec(ctx,
				`UPDATE artifacts SET is_current = FALSE WHERE id = $1`, prior.ID,
			); err != nil {
				return constraintError(err, "demote artifact")
			}
		} else {
			if err := tx.QueryRow(ctx,
				`SELECT COALESCE(MAX(version), 0) + 1 FROM artifacts
				 WHERE job_id = $1 AND type = $2 AND role = $3`,
				in.JobID, in.Type, in.Role,
			).Scan(&version); err != nil {
				return fmt.Errorf("failed to compute artifact version: %w", err)
			}
		}

		created, err = scanArtifact(tx.QueryRow(ctx,
			`INSERT INTO artifacts (task_id, job_id, type, role, version, is_current, status,
			                        parent_artifact_id, storage_ref, mime_type, previewable, metadata,
			                        run_started_at)
			 VALUES ($1, $2, $3, $4, $5, TRUE, 'draft', $6, $7, $8, $9, $10, $11)
			 RETURNING `+artifactColumns,
			in.TaskID, in.JobID, in.Type, in.Role, version, parentID, in.StorageRef,
			nullableString(in.MimeType), in.Previewable, metadataArg, in.RunStartedAt,
		))
		if err != nil {
			return constraintError(err, "create artifact")
		}
		fresh = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return created, fresh, nil
}

// GetArtifact retrieves an artifact by id
func (db *DB) GetArtifact(ctx context.Context, id uuid.UUID) (*types.Artifact, error) {
	a, err := scanArtifact(db.pool.QueryRow(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NotFound("artifact", id)
		}
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}
	return a, nil
}

// GetArtifactVersion retrieves one explicit version of an artifact group.
func (db *DB) GetArtifactVersion(ctx context.Context, jobID uuid.UUID, artifactType, role string, version int) (*types.Artifact, error) {
	a, err := scanArtifact(db.pool.QueryRow(ctx,
		`SELECT `+artifactColumns+` FROM artifacts
		 WHERE job_id = $1 AND type = $2 AND role = $3 AND version = $4`,
		jobID, artifactType, role, version,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &types.NotFoundError{
				Entity: "artifact",
				ID:     fmt.Sprintf("%s/%s/%s@%d", jobID, artifactType, role, version),
			}
		}
		return nil, fmt.Errorf("failed to get artifact version: %w", err)
	}
	return a, nil
}

// ListArtifacts returns the artifacts of a job, optionally only the current versions.
func (db *DB) ListArtifacts(ctx context.Context, jobID uuid.UUID, currentOnly bool) ([]types.Artifact, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+artifactColumns+` FROM artifacts
		 WHERE job_id = $1 AND (NOT $2 OR is_current)
		 ORDER BY type, role, version`,
		jobID, currentOnly,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	return collectArtifacts(rows)
}

// ListArtifactVersions returns every version of a group, oldest first.
func (db *DB) ListArtifactVersions(ctx context.Context, jobID uuid.UUID, artifactType, role string) ([]types.Artifact, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+artifactColumns+` FROM artifacts
		 WHERE job_id = $1 AND type = $2 AND role = $3
		 ORDER BY version`,
		jobID, artifactType, role,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifact versions: %w", err)
	}
	return collectArtifacts(rows)
}

// PromoteArtifact locks an artifact and the rest of its group, lets check approve the
// move and records the new status.
func (db *DB) PromoteArtifact(ctx context.Context, id uuid.UUID, to types.ArtifactStatus, actor string,
	check func(target *types.Artifact, group []types.Artifact) error) (*types.Artifact, error) {
	var promoted *types.Artifact
	err := db.withTx(ctx, func(tx pgx.Tx) error {
		target, err := scanArtifact(tx.QueryRow(ctx,
			`SELECT `+artifactColumns+` FROM artifacts WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return types.NotFound("artifact", id)
			}
			return fmt.Errorf("failed to lock artifact: %w", err)
		}

		rows, err := tx.Query(ctx,
			`SELECT `+artifactColumns+` FROM artifacts
			 WHERE job_id = $1 AND type = $2 AND role = $3 AND id <> $4
			 ORDER BY version
			 FOR UPDATE`,
			target.JobID, target.Type, target.Role, target.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to lock artifact group: %w", err)
		}
		group, err := collectArtifacts(rows)
		if err != nil {
			return err
		}

		if err := check(target, group); err != nil {
			return err
		}

		promoted, err = scanArtifact(tx.QueryRow(ctx,
			`UPDATE artifacts
			 SET status = $2, promoted_at = NOW(), promoted_by = $3
			 WHERE id = $1
			 RETURNING `+artifactColumns,
			id, to, nullableString(actor),
		))
		if err != nil {
			return constraintError(err, "promote artifact")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return promoted, nil
}
