package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ShayCichocki/stagehand/pkg/models"
)

// PostgresStore is a PostgreSQL implementation of Store.
type PostgresStore struct {
	db *pgxpool.Pool
}

// OpenPostgres connects to dsn.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgresStore(pool), nil
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS executions (
	id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	status TEXT NOT NULL,
	trigger_type TEXT NOT NULL,
	triggered_by TEXT NOT NULL DEFAULT '',
	variables JSONB,
	started_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	failed_task TEXT NOT NULL DEFAULT '',
	cancelled BOOLEAN NOT NULL DEFAULT FALSE,
	consumed_artifact TEXT NOT NULL DEFAULT ''
);
ALTER TABLE executions ADD COLUMN IF NOT EXISTS published_artifact TEXT NOT NULL DEFAULT '';
ALTER TABLE executions ADD COLUMN IF NOT EXISTS handoff_error TEXT NOT NULL DEFAULT '';
CREATE INDEX IF NOT EXISTS idx_executions_workflow_id ON executions(workflow_id);
CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
CREATE INDEX IF NOT EXISTS idx_executions_started_at ON executions(started_at);

CREATE TABLE IF NOT EXISTS task_records (
	execution_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
	task_name TEXT NOT NULL,
	position INTEGER NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 0,
	output JSONB,
	error_message TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	PRIMARY KEY (execution_id, task_name)
);
`

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Save inserts or replaces an execution and all of its task records.
func (s *PostgresStore) Save(ctx context.Context, exec *models.WorkflowExecution) error {
	vars, err := json.Marshal(exec.Variables)
	if err != nil {
		return fmt.Errorf("encode variables: %w", err)
	}

	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO executions (id, workflow_id, status, trigger_type, triggered_by, variables,
				started_at, completed_at, duration_ms, error_message, failed_task, cancelled, consumed_artifact,
				published_artifact, handoff_error)
			VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (id) DO UPDATE SET
				status = EXCLUDED.status,
				completed_at = EXCLUDED.completed_at,
				duration_ms = EXCLUDED.duration_ms,
				error_message = EXCLUDED.error_message,
				failed_task = EXCLUDED.failed_task,
				cancelled = EXCLUDED.cancelled,
				consumed_artifact = EXCLUDED.consumed_artifact,
				published_artifact = EXCLUDED.published_artifact,
				handoff_error = EXCLUDED.handoff_error
		`, exec.ID, exec.WorkflowID, string(exec.Status), string(exec.TriggerType), exec.TriggeredBy, string(vars),
			exec.StartedAt, exec.CompletedAt, exec.DurationMS, exec.ErrorMessage, exec.FailedTask,
			exec.Cancelled, exec.ConsumedArtifact, exec.PublishedArtifact, exec.HandoffError)
		if err != nil {
			return fmt.Errorf("save execution: %w", err)
		}

		if _, err := tx.Exec(ctx, "DELETE FROM task_records WHERE execution_id = $1", exec.ID); err != nil {
			return fmt.Errorf("clear task records: %w", err)
		}

		for _, r := range exec.Tasks {
			var output *string
			if r.Output != nil {
				raw, err := json.Marshal(r.Output)
				if err != nil {
					return fmt.Errorf("encode output of %s: %w", r.TaskName, err)
				}
				str := string(raw)
				output = &str
			}
			_, err := tx.Exec(ctx, `
				INSERT INTO task_records (execution_id, task_name, position, status, attempts, max_retries,
					output, error_message, started_at, completed_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10)
			`, exec.ID, r.TaskName, r.Order, string(r.Status), r.Attempts, r.MaxRetries,
				output, r.ErrorMessage, r.StartedAt, r.CompletedAt)
			if err != nil {
				return fmt.Errorf("save task record %s: %w", r.TaskName, err)
			}
		}
		return nil
	})
}

// Load returns the execution with the given id or ErrNotFound.
func (s *PostgresStore) Load(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	var (
		exec models.WorkflowExecution
		vars []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, workflow_id, status, trigger_type, triggered_by, variables, started_at, completed_at,
			duration_ms, error_message, failed_task, cancelled, consumed_artifact, published_artifact, handoff_error
		FROM executions WHERE id = $1
	`, id).Scan(&exec.ID, &exec.WorkflowID, &exec.Status, &exec.TriggerType, &exec.TriggeredBy, &vars,
		&exec.StartedAt, &exec.CompletedAt, &exec.DurationMS, &exec.ErrorMessage, &exec.FailedTask,
		&exec.Cancelled, &exec.ConsumedArtifact, &exec.PublishedArtifact, &exec.HandoffError)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load execution: %w", err)
	}
	if len(vars) > 0 && string(vars) != "null" {
		if err := json.Unmarshal(vars, &exec.Variables); err != nil {
			return nil, fmt.Errorf("decode variables: %w", err)
		}
	}

	rows, err := s.db.Query(ctx, `
		SELECT task_name, position, status, attempts, max_retries, output, error_message, started_at, completed_at
		FROM task_records WHERE execution_id = $1 ORDER BY position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("load task records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r      models.TaskExecutionRecord
			output []byte
		)
		if err := rows.Scan(&r.TaskName, &r.Order, &r.Status, &r.Attempts, &r.MaxRetries,
			&output, &r.ErrorMessage, &r.StartedAt, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan task record: %w", err)
		}
		if len(output) > 0 {
			if err := json.Unmarshal(output, &r.Output); err != nil {
				return nil, fmt.Errorf("decode output of %s: %w", r.TaskName, err)
			}
		}
		exec.Tasks = append(exec.Tasks, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &exec, nil
}

// List returns execution summaries, newest first.
func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]models.ExecutionSummary, error) {
	var (
		where []string
		args  []any
	)
	if filter.WorkflowID != "" {
		args = append(args, filter.WorkflowID)
		where = append(where, fmt.Sprintf("workflow_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	query := "SELECT id, workflow_id, status, trigger_type, started_at, duration_ms FROM executions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, filter.limit())
	query += fmt.Sprintf(" ORDER BY started_at DESC, id LIMIT $%d", len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []models.ExecutionSummary
	for rows.Next() {
		var sum models.ExecutionSummary
		if err := rows.Scan(&sum.ID, &sum.WorkflowID, &sum.Status, &sum.TriggerType, &sum.StartedAt, &sum.DurationMS); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// MarkInterrupted fails every execution still pending or running.
func (s *PostgresStore) MarkInterrupted(ctx context.Context) ([]string, error) {
	var ids []string
	now := time.Now().UTC()

	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE executions SET status = $1, completed_at = $2, error_message = $3
			WHERE status IN ($4, $5)
			RETURNING id
		`, string(models.ExecutionFailed), now, interruptedMessage,
			string(models.ExecutionPending), string(models.ExecutionRunning))
		if err != nil {
			return fmt.Errorf("fail unfinished executions: %w", err)
		}
		ids, err = pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("collect execution ids: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		if _, err := tx.Exec(ctx, `
			UPDATE task_records SET status = $1, completed_at = $2, error_message = $3
			WHERE execution_id = ANY($4) AND status = $5
		`, string(models.TaskFailed), now, interruptedMessage, ids, string(models.TaskRunning)); err != nil {
			return fmt.Errorf("fail running tasks: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE task_records SET status = $1, completed_at = $2
			WHERE execution_id = ANY($3) AND status = $4
		`, string(models.TaskSkipped), now, ids, string(models.TaskPending)); err != nil {
			return fmt.Errorf("skip pending tasks: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Purge deletes terminal executions that started before cutoff.
func (s *PostgresStore) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM executions WHERE started_at < $1 AND status IN ($2, $3)
	`, cutoff, string(models.ExecutionCompleted), string(models.ExecutionFailed))
	if err != nil {
		return 0, fmt.Errorf("purge executions: %w", err)
	}
	return tag.RowsAffected(), nil
}
