package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ShayCichocki/stagehand/pkg/models"
)

// MarkInterrupted fails every execution still pending or running. It is meant
// to run once at startup, before any new run begins, when no live process can
// own those executions. Their unfinished task records are closed too: running
// ones become failed and pending ones skipped.
func (db *DB) MarkInterrupted(ctx context.Context) ([]string, error) {
	var ids []string
	now := time.Now()

	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM executions WHERE status IN (?, ?) ORDER BY started_at
		`, string(models.ExecutionPending), string(models.ExecutionRunning))
		if err != nil {
			return fmt.Errorf("list unfinished executions: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan execution id: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		completedAt := formatTime(now)
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				UPDATE executions SET status = ?, completed_at = ?, error_message = ? WHERE id = ?
			`, string(models.ExecutionFailed), completedAt, interruptedMessage, id); err != nil {
				return fmt.Errorf("fail execution %s: %w", id, err)
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE task_records SET status = ?, completed_at = ?, error_message = ?
				WHERE execution_id = ? AND status = ?
			`, string(models.TaskFailed), completedAt, interruptedMessage, id, string(models.TaskRunning)); err != nil {
				return fmt.Errorf("fail running tasks of %s: %w", id, err)
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE task_records SET status = ?, completed_at = ?
				WHERE execution_id = ? AND status = ?
			`, string(models.TaskSkipped), completedAt, id, string(models.TaskPending)); err != nil {
				return fmt.Errorf("skip pending tasks of %s: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}
