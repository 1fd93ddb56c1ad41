package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jonathan/agent-orchestrator/internal/types"
)

// AppendTaskLog records a task_logs entry.
func (db *DB) AppendTaskLog(ctx context.Context, entry types.TaskLog) error {
	level := entry.Level
	if level == "" {
		level = "info"
	}
	dataArg, err := jsonArg(entry.Data)
	if err != nil {
		return err
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO task_logs (task_id, job_id, level, message, data)
		 VALUES ($1, $2, $3, $4, $5)`,
		entry.TaskID, entry.JobID, level, entry.Message, dataArg,
	)
	if err != nil {
		return fmt.Errorf("failed to append task log: %w", err)
	}
	return nil
}

// ListTaskLogs returns the log entries of a task in insertion order.
func (db *DB) ListTaskLogs(ctx context.Context, taskID uuid.UUID) ([]types.TaskLog, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, task_id, job_id, level, message, data, created_at
		 FROM task_logs WHERE task_id = $1 ORDER BY id`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list task logs: %w", err)
	}
	defer rows.Close()

	var logs []types.TaskLog
	for rows.Next() {
		var l types.TaskLog
		var data []byte
		if err := rows.Scan(&l.ID, &l.TaskID, &l.JobID, &l.Level, &l.Message, &data, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task log: %w", err)
		}
		if l.Data, err = types.ParseValue(data); err != nil {
			return nil, fmt.Errorf("failed to decode task log data: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// AppendAuditLog records an audit_logs entry.
func (db *DB) AppendAuditLog(ctx context.Context, entry types.AuditLog) error {
	dataArg, err := jsonArg(entry.Data)
	if err != nil {
		return err
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO audit_logs (job_id, entity_type, entity_id, action, actor, data)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.JobID, entry.EntityType, entry.EntityID, entry.Action, nullableString(entry.Actor), dataArg,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit log: %w", err)
	}
	return nil
}

// ListAuditLogs returns the audit trail of a job in insertion order.
func (db *DB) ListAuditLogs(ctx context.Context, jobID uuid.UUID) ([]types.AuditLog, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, job_id, entity_type, entity_id, action, COALESCE(actor, ''), data, created_at
		 FROM audit_logs WHERE job_id = $1 ORDER BY id`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	defer rows.Close()

	var logs []types.AuditLog
	for rows.Next() {
		var l types.AuditLog
		var data []byte
		if err := rows.Scan(&l.ID, &l.JobID, &l.EntityType, &l.EntityID, &l.Action, &l.Actor, &data, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		if l.Data, err = types.ParseValue(data); err != nil {
			return nil, fmt.Errorf("failed to decode audit log data: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
