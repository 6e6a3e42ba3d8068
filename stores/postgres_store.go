package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mickamy/notifybox"
	"github.com/mickamy/notifybox/internal/sqlutil"
)

// PostgresStore implements notifybox.Store for PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	tables Tables
	now    func() time.Time
}

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithPostgresTables overrides the default table names.
func WithPostgresTables(tables Tables) PostgresOption {
	return func(s *PostgresStore) {
		s.tables = s.tables.merge(tables)
	}
}

// WithPostgresNow overrides the clock used for timestamps and due checks.
func WithPostgresNow(now func() time.Time) PostgresOption {
	return func(s *PostgresStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewPostgresStore creates a Store backed by PostgreSQL.
func NewPostgresStore(db *sql.DB, opts ...PostgresOption) *PostgresStore {
	store := &PostgresStore{
		db:     db,
		tables: DefaultTables,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// InsertResult stores a result within the caller's transaction.
func (s *PostgresStore) InsertResult(ctx context.Context, exec notifybox.Executor, r notifybox.Result) (int64, error) {
	query := fmt.Sprintf(`
INSERT INTO %s (pr_number, repo, branch, author, security_result, summary_result, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id`, s.ident(s.tables.Results))
	var id int64
	err := exec.QueryRowContext(ctx, query, r.PRNumber, r.Repo, r.Branch, r.Author,
		bindJSON(r.SecurityResult), bindJSON(r.SummaryResult), s.clock()).Scan(&id)
	return id, err
}

// GetResult loads a result by id.
func (s *PostgresStore) GetResult(ctx context.Context, id int64) (notifybox.Result, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", resultColumns, s.ident(s.tables.Results))
	r, err := scanResult(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return notifybox.Result{}, notifybox.ErrResultNotFound
	}
	return r, err
}

// InsertEntry enqueues a READY entry within the caller's transaction.
func (s *PostgresStore) InsertEntry(ctx context.Context, exec notifybox.Executor, aggregateType string, aggregateID int64) (int64, error) {
	query := fmt.Sprintf(`
INSERT INTO %s (aggregate_type, aggregate_id, status, retry_count, created_at, updated_at)
VALUES ($1, $2, $3, 0, $4, $4)
RETURNING id`, s.ident(s.tables.Outbox))
	var id int64
	err := exec.QueryRowContext(ctx, query, aggregateType, aggregateID, string(notifybox.StatusReady), s.clock()).Scan(&id)
	return id, err
}

// GetEntry loads an outbox entry by id.
func (s *PostgresStore) GetEntry(ctx context.Context, id int64) (notifybox.Entry, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", entryColumns, s.ident(s.tables.Outbox))
	e, err := scanEntry(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return notifybox.Entry{}, notifybox.ErrEntryNotFound
	}
	return e, err
}

// UpdateEntry applies a partial update guarded by the status transition rules.
func (s *PostgresStore) UpdateEntry(ctx context.Context, id int64, u notifybox.EntryUpdate) error {
	if err := validateUpdate(u); err != nil {
		return err
	}
	set, guard, args := entryUpdate(u, id, s.clock(), sqlutil.Dollar)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", s.ident(s.tables.Outbox), set, guard)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return expectRow(res, notifybox.ErrEntryNotFound)
}

// DeleteEntry removes an outbox entry.
func (s *PostgresStore) DeleteEntry(ctx context.Context, id int64) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", s.ident(s.tables.Outbox))
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	return expectRow(res, notifybox.ErrEntryNotFound)
}

// ListReady returns READY entries, oldest created first.
func (s *PostgresStore) ListReady(ctx context.Context, limit int) ([]notifybox.Entry, error) {
	return s.listEntries(ctx, notifybox.StatusReady, "created_at", limit)
}

// ListFailed returns FAILED entries, least recently updated first.
func (s *PostgresStore) ListFailed(ctx context.Context, limit int) ([]notifybox.Entry, error) {
	return s.listEntries(ctx, notifybox.StatusFailed, "updated_at", limit)
}

func (s *PostgresStore) listEntries(ctx context.Context, status notifybox.Status, orderBy string, limit int) ([]notifybox.Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE status = $1 ORDER BY %s, id LIMIT $2",
		entryColumns, s.ident(s.tables.Outbox), orderBy)
	rows, err := s.db.QueryContext(ctx, query, string(status), limit)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

// DeleteSentBefore removes old SENT entries, oldest first.
func (s *PostgresStore) DeleteSentBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if limit <= 0 {
		return 0, nil
	}
	table := s.ident(s.tables.Outbox)
	query := fmt.Sprintf(`
DELETE FROM %s
WHERE id IN (
    SELECT id FROM %s
    WHERE status = $1 AND updated_at < $2
    ORDER BY updated_at, id
    LIMIT $3
)`, table, table)
	res, err := s.db.ExecContext(ctx, query, string(notifybox.StatusSent), notifybox.NaiveUTC(cutoff), limit)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RegisterTask inserts a pending task unless its idempotency key is taken.
func (s *PostgresStore) RegisterTask(ctx context.Context, t notifybox.NewTask) (notifybox.Registration, error) {
	if err := t.Validate(); err != nil {
		return notifybox.Registration{}, err
	}
	if t.IdemKey != "" {
		if reg, ok, err := s.lookupIdemKey(ctx, t.IdemKey); err != nil || ok {
			return reg, err
		}
	}

	query := fmt.Sprintf(`
INSERT INTO %s (pr_info_id, template_id, receiver, send_time, status, retry_count, idem_key, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $7)
ON CONFLICT (idem_key) DO NOTHING
RETURNING id`, s.ident(s.tables.Tasks))
	var id int64
	err := s.db.QueryRowContext(ctx, query, t.PRInfoID, t.TemplateID, t.Receiver, notifybox.NaiveUTC(t.SendTime),
		string(notifybox.TaskPending), sqlutil.NullIfEmpty(t.IdemKey), s.clock()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		reg, ok, lerr := s.lookupIdemKey(ctx, t.IdemKey)
		if lerr != nil {
			return notifybox.Registration{}, lerr
		}
		if !ok {
			return notifybox.Registration{}, fmt.Errorf("task with idem_key %q vanished after conflict", t.IdemKey)
		}
		return reg, nil
	}
	if err != nil {
		return notifybox.Registration{}, err
	}
	return notifybox.Registration{ID: id, Status: notifybox.TaskPending, Created: true}, nil
}

func (s *PostgresStore) lookupIdemKey(ctx context.Context, key string) (notifybox.Registration, bool, error) {
	query := fmt.Sprintf("SELECT id, status FROM %s WHERE idem_key = $1", s.ident(s.tables.Tasks))
	var (
		reg    notifybox.Registration
		status string
	)
	err := s.db.QueryRowContext(ctx, query, key).Scan(&reg.ID, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return notifybox.Registration{}, false, nil
	}
	if err != nil {
		return notifybox.Registration{}, false, err
	}
	reg.Status = notifybox.TaskStatus(status)
	return reg, true, nil
}

// ClaimTasks leases up to limit due tasks to claimer. Rows locked by a
// concurrent claim are skipped.
func (s *PostgresStore) ClaimTasks(ctx context.Context, claimer string, limit, maxRetry int) ([]notifybox.Task, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: claim limit must be positive", notifybox.ErrInvalidArgument)
	}
	table := s.ident(s.tables.Tasks)
	query := fmt.Sprintf(`
WITH candidates AS (
    SELECT id FROM %s
    WHERE status IN (%s)
      AND send_time <= $1
      AND retry_count < $2
    ORDER BY send_time, id
    LIMIT $3
    FOR UPDATE SKIP LOCKED
)
UPDATE %s AS t
SET status = $4,
    claimer = $5,
    updated_at = $1
FROM candidates
WHERE t.id = candidates.id
RETURNING %s`, table, claimableTaskStatuses, table, prefixed("t", taskColumns))

	rows, err := s.db.QueryContext(ctx, query, s.clock(), maxRetry, limit, string(notifybox.TaskInProgress), claimer)
	if err != nil {
		return nil, err
	}
	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, err
	}
	sortBySendTime(tasks)
	return tasks, nil
}

// MarkTaskSent flags an in-progress task as delivered.
func (s *PostgresStore) MarkTaskSent(ctx context.Context, id int64) error {
	query := fmt.Sprintf("UPDATE %s SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4", s.ident(s.tables.Tasks))
	res, err := s.db.ExecContext(ctx, query, string(notifybox.TaskSent), s.clock(), id, string(notifybox.TaskInProgress))
	if err != nil {
		return err
	}
	return expectClaimed(ctx, res, id, s.GetTask)
}

// MarkTaskFailed records a failed attempt on an in-progress task.
func (s *PostgresStore) MarkTaskFailed(ctx context.Context, id int64, errMsg string) error {
	query := fmt.Sprintf(`
UPDATE %s
SET status = $1,
    retry_count = retry_count + 1,
    error_msg = $2,
    updated_at = $3
WHERE id = $4 AND status = $5`, s.ident(s.tables.Tasks))
	res, err := s.db.ExecContext(ctx, query,
		string(notifybox.TaskFailed), sqlutil.NullIfEmpty(errMsg), s.clock(), id, string(notifybox.TaskInProgress))
	if err != nil {
		return err
	}
	return expectClaimed(ctx, res, id, s.GetTask)
}

// GetTask loads a task by id.
func (s *PostgresStore) GetTask(ctx context.Context, id int64) (notifybox.Task, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", taskColumns, s.ident(s.tables.Tasks))
	t, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return notifybox.Task{}, notifybox.ErrTaskNotFound
	}
	return t, err
}

func (s *PostgresStore) clock() time.Time {
	return notifybox.NaiveUTC(s.now())
}

func (s *PostgresStore) ident(table string) string {
	return sqlutil.QuoteIdentifier(table, `"`)
}

var _ notifybox.Store = (*PostgresStore)(nil)
