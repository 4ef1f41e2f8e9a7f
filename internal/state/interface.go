package state

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ShayCichocki/stagehand/pkg/models"
)

// ErrNotFound is returned when an execution does not exist.
var ErrNotFound = errors.New("execution not found")

// ListFilter narrows List results. Zero fields match everything.
type ListFilter struct {
	WorkflowID string
	Status     models.ExecutionStatus
	// Limit caps the number of results. Zero means DefaultListLimit.
	Limit int
}

// DefaultListLimit bounds List when no limit is given.
const DefaultListLimit = 50

func (f ListFilter) limit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

// ExecutionStore saves and loads workflow executions with their task records.
type ExecutionStore interface {
	// Save inserts or replaces an execution and all of its task records.
	Save(ctx context.Context, exec *models.WorkflowExecution) error
	// Load returns the execution with the given id or ErrNotFound.
	Load(ctx context.Context, id string) (*models.WorkflowExecution, error)
	// List returns summaries, newest first.
	List(ctx context.Context, filter ListFilter) ([]models.ExecutionSummary, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	Migrate(ctx context.Context) error
}

// Maintainer covers startup recovery and retention.
type Maintainer interface {
	// MarkInterrupted fails executions left running by a process that exited
	// and returns their ids.
	MarkInterrupted(ctx context.Context) ([]string, error)
	// Purge deletes terminal executions that started before cutoff.
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store is the full persistence backend.
type Store interface {
	io.Closer
	Migrator
	ExecutionStore
	Maintainer
}

// Compile-time verification that both backends implement Store.
var (
	_ Store = (*DB)(nil)
	_ Store = (*PostgresStore)(nil)
)

// Options selects and locates a backend.
type Options struct {
	// Driver is sqlite, sqlite3 or postgres.
	Driver string
	// Path is the SQLite database file.
	Path string
	// PostgresDSN is the PostgreSQL connection string.
	PostgresDSN string
}

// OpenStore opens and migrates the configured backend.
func OpenStore(ctx context.Context, opts Options) (Store, error) {
	var (
		store Store
		err   error
	)
	switch opts.Driver {
	case "", DriverSQLite, DriverSQLite3:
		driver := opts.Driver
		if driver == "" {
			driver = DriverSQLite
		}
		store, err = OpenWithDriver(driver, opts.Path)
	case DriverPostgres:
		store, err = OpenPostgres(ctx, opts.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

// interruptedMessage is recorded on executions failed by MarkInterrupted.
const interruptedMessage = "interrupted: process exited before the run finished"
