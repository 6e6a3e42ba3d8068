package notifybox

import (
	"context"
	"database/sql"
	"time"
)

// Executor is the minimal surface needed from *sql.Tx or *sql.DB.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ResultStore persists result aggregates.
type ResultStore interface {
	// InsertResult stores r using the provided executor (typically *sql.Tx) and returns its id.
	InsertResult(ctx context.Context, exec Executor, r Result) (int64, error)
	// GetResult loads a result by id, returning ErrResultNotFound when absent.
	GetResult(ctx context.Context, id int64) (Result, error)
}

// OutboxStore encapsulates DB operations on the notification outbox.
type OutboxStore interface {
	// InsertEntry enqueues a READY entry using the provided executor.
	InsertEntry(ctx context.Context, exec Executor, aggregateType string, aggregateID int64) (int64, error)
	// GetEntry loads an entry by id, returning ErrEntryNotFound when absent.
	GetEntry(ctx context.Context, id int64) (Entry, error)
	// UpdateEntry applies the non-nil fields of u. A status change only applies when
	// the current status may transition to it; otherwise ErrEntryNotFound is returned.
	UpdateEntry(ctx context.Context, id int64, u EntryUpdate) error
	// DeleteEntry removes an entry, returning ErrEntryNotFound when absent.
	DeleteEntry(ctx context.Context, id int64) error
	// ListReady returns up to limit READY entries, oldest created first.
	ListReady(ctx context.Context, limit int) ([]Entry, error)
	// ListFailed returns up to limit FAILED entries, least recently updated first.
	ListFailed(ctx context.Context, limit int) ([]Entry, error)
	// DeleteSentBefore removes up to limit SENT entries last updated before cutoff,
	// oldest first, and reports how many were removed.
	DeleteSentBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// TaskSource is the consumer side of the task queue used by workers.
type TaskSource interface {
	// ClaimTasks atomically assigns up to limit due tasks with retry_count below
	// maxRetry to claimer and returns them marked in_progress.
	ClaimTasks(ctx context.Context, claimer string, limit, maxRetry int) ([]Task, error)
	// MarkTaskSent flags an in_progress task as delivered. A task in any other
	// status yields ErrTaskNotClaimed; a missing one ErrTaskNotFound.
	MarkTaskSent(ctx context.Context, id int64) error
	// MarkTaskFailed records a failed attempt on an in_progress task and
	// increments retry_count. Errors as for MarkTaskSent.
	MarkTaskFailed(ctx context.Context, id int64, errMsg string) error
}

// TaskStore is the full persistence contract of the task queue.
type TaskStore interface {
	TaskSource
	// RegisterTask inserts a pending task, or returns the existing row when the
	// idempotency key is already taken.
	RegisterTask(ctx context.Context, t NewTask) (Registration, error)
	// GetTask loads a task by id, returning ErrTaskNotFound when absent.
	GetTask(ctx context.Context, id int64) (Task, error)
}

// Store is implemented by each dialect in package stores.
type Store interface {
	ResultStore
	OutboxStore
	TaskStore
}
