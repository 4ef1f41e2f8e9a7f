package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/stagehand/pkg/models"
)

// Save inserts or replaces an execution and all of its task records.
func (db *DB) Save(ctx context.Context, exec *models.WorkflowExecution) error {
	vars, err := json.Marshal(exec.Variables)
	if err != nil {
		return fmt.Errorf("encode variables: %w", err)
	}

	return db.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO executions (id, workflow_id, status, trigger_type, triggered_by, variables,
				started_at, completed_at, duration_ms, error_message, failed_task, cancelled, consumed_artifact,
				published_artifact, handoff_error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				status = excluded.status,
				completed_at = excluded.completed_at,
				duration_ms = excluded.duration_ms,
				error_message = excluded.error_message,
				failed_task = excluded.failed_task,
				cancelled = excluded.cancelled,
				consumed_artifact = excluded.consumed_artifact,
				published_artifact = excluded.published_artifact,
				handoff_error = excluded.handoff_error
		`, exec.ID, exec.WorkflowID, string(exec.Status), string(exec.TriggerType), exec.TriggeredBy, string(vars),
			formatTime(exec.StartedAt), formatNullableTime(exec.CompletedAt), exec.DurationMS,
			exec.ErrorMessage, exec.FailedTask, boolToInt(exec.Cancelled), exec.ConsumedArtifact,
			exec.PublishedArtifact, exec.HandoffError)
		if err != nil {
			return fmt.Errorf("save execution: %w", err)
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM task_records WHERE execution_id = ?", exec.ID); err != nil {
			return fmt.Errorf("clear task records: %w", err)
		}

		for _, r := range exec.Tasks {
			output, err := encodeOutput(r.Output)
			if err != nil {
				return fmt.Errorf("encode output of %s: %w", r.TaskName, err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO task_records (execution_id, task_name, position, status, attempts, max_retries,
					output, error_message, started_at, completed_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, exec.ID, r.TaskName, r.Order, string(r.Status), r.Attempts, r.MaxRetries,
				output, r.ErrorMessage, formatNullableTime(r.StartedAt), formatNullableTime(r.CompletedAt))
			if err != nil {
				return fmt.Errorf("save task record %s: %w", r.TaskName, err)
			}
		}
		return nil
	})
}

// Load returns the execution with the given id or ErrNotFound.
func (db *DB) Load(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	row := db.QueryRow(ctx, `
		SELECT id, workflow_id, status, trigger_type, triggered_by, variables, started_at, completed_at,
			duration_ms, error_message, failed_task, cancelled, consumed_artifact, published_artifact, handoff_error
		FROM executions WHERE id = ?
	`, id)

	var (
		exec                                            models.WorkflowExecution
		triggeredBy, vars, errMsg, failedTask, consumed sql.NullString
		published, handoffErr                           sql.NullString
		startedAt                                       string
		completedAt                                     sql.NullString
		cancelled                                       int
	)
	err := row.Scan(&exec.ID, &exec.WorkflowID, &exec.Status, &exec.TriggerType, &triggeredBy, &vars,
		&startedAt, &completedAt, &exec.DurationMS, &errMsg, &failedTask, &cancelled, &consumed,
		&published, &handoffErr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load execution: %w", err)
	}

	exec.TriggeredBy = triggeredBy.String
	exec.ErrorMessage = errMsg.String
	exec.FailedTask = failedTask.String
	exec.ConsumedArtifact = consumed.String
	exec.PublishedArtifact = published.String
	exec.HandoffError = handoffErr.String
	exec.Cancelled = cancelled != 0
	exec.StartedAt, _ = parseTime(startedAt)
	exec.CompletedAt = parseNullableTime(completedAt)
	if vars.Valid && vars.String != "" && vars.String != "null" {
		if err := json.Unmarshal([]byte(vars.String), &exec.Variables); err != nil {
			return nil, fmt.Errorf("decode variables: %w", err)
		}
	}

	records, err := db.loadRecords(ctx, id)
	if err != nil {
		return nil, err
	}
	exec.Tasks = records
	return &exec, nil
}

func (db *DB) loadRecords(ctx context.Context, id string) ([]models.TaskExecutionRecord, error) {
	rows, err := db.Query(ctx, `
		SELECT task_name, position, status, attempts, max_retries, output, error_message, started_at, completed_at
		FROM task_records WHERE execution_id = ? ORDER BY position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("load task records: %w", err)
	}
	defer rows.Close()

	var records []models.TaskExecutionRecord
	for rows.Next() {
		var (
			r                    models.TaskExecutionRecord
			output, errMsg       sql.NullString
			startedAt, completed sql.NullString
		)
		if err := rows.Scan(&r.TaskName, &r.Order, &r.Status, &r.Attempts, &r.MaxRetries,
			&output, &errMsg, &startedAt, &completed); err != nil {
			return nil, fmt.Errorf("scan task record: %w", err)
		}
		r.ErrorMessage = errMsg.String
		r.StartedAt = parseNullableTime(startedAt)
		r.CompletedAt = parseNullableTime(completed)
		if r.Output, err = decodeOutput(output); err != nil {
			return nil, fmt.Errorf("decode output of %s: %w", r.TaskName, err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// List returns execution summaries, newest first.
func (db *DB) List(ctx context.Context, filter ListFilter) ([]models.ExecutionSummary, error) {
	var (
		where []string
		args  []any
	)
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := "SELECT id, workflow_id, status, trigger_type, started_at, duration_ms FROM executions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id LIMIT ?"
	args = append(args, filter.limit())

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []models.ExecutionSummary
	for rows.Next() {
		var (
			s         models.ExecutionSummary
			startedAt string
		)
		if err := rows.Scan(&s.ID, &s.WorkflowID, &s.Status, &s.TriggerType, &startedAt, &s.DurationMS); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		s.StartedAt, _ = parseTime(startedAt)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Purge deletes terminal executions that started before cutoff.
// Returns the number of executions deleted.
func (db *DB) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := db.Exec(ctx, `
		DELETE FROM executions WHERE started_at < ? AND status IN (?, ?)
	`, formatTime(cutoff), string(models.ExecutionCompleted), string(models.ExecutionFailed))
	if err != nil {
		return 0, fmt.Errorf("purge executions: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return count, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeOutput(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func decodeOutput(s sql.NullString) (any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(s.String), &v); err != nil {
		return nil, err
	}
	return v, nil
}
