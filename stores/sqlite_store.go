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

// SQLiteStore implements notifybox.Store for SQLite databases.
// SQLite has no row locks; claims are a single compare-and-set UPDATE.
type SQLiteStore struct {
	db     *sql.DB
	tables Tables
	now    func() time.Time
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithSQLiteTables overrides the default table names.
func WithSQLiteTables(tables Tables) SQLiteOption {
	return func(s *SQLiteStore) {
		s.tables = s.tables.merge(tables)
	}
}

// WithSQLiteNow overrides the clock used for timestamps and due checks.
func WithSQLiteNow(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSQLiteStore creates a Store backed by SQLite.
func NewSQLiteStore(db *sql.DB, opts ...SQLiteOption) *SQLiteStore {
	store := &SQLiteStore{
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
func (s *SQLiteStore) InsertResult(ctx context.Context, exec notifybox.Executor, r notifybox.Result) (int64, error) {
	query := fmt.Sprintf(`
INSERT INTO %s (pr_number, repo, branch, author, security_result, summary_result, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`, s.ident(s.tables.Results))
	res, err := exec.ExecContext(ctx, query, r.PRNumber, r.Repo, r.Branch, r.Author,
		bindJSON(r.SecurityResult), bindJSON(r.SummaryResult), s.clock())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetResult loads a result by id.
func (s *SQLiteStore) GetResult(ctx context.Context, id int64) (notifybox.Result, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", resultColumns, s.ident(s.tables.Results))
	r, err := scanResult(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return notifybox.Result{}, notifybox.ErrResultNotFound
	}
	return r, err
}

// InsertEntry enqueues a READY entry within the caller's transaction.
func (s *SQLiteStore) InsertEntry(ctx context.Context, exec notifybox.Executor, aggregateType string, aggregateID int64) (int64, error) {
	now := s.clock()
	query := fmt.Sprintf(`
INSERT INTO %s (aggregate_type, aggregate_id, status, retry_count, created_at, updated_at)
VALUES (?, ?, ?, 0, ?, ?)`, s.ident(s.tables.Outbox))
	res, err := exec.ExecContext(ctx, query, aggregateType, aggregateID, string(notifybox.StatusReady), now, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetEntry loads an outbox entry by id.
func (s *SQLiteStore) GetEntry(ctx context.Context, id int64) (notifybox.Entry, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", entryColumns, s.ident(s.tables.Outbox))
	e, err := scanEntry(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return notifybox.Entry{}, notifybox.ErrEntryNotFound
	}
	return e, err
}

// UpdateEntry applies a partial update guarded by the status transition rules.
func (s *SQLiteStore) UpdateEntry(ctx context.Context, id int64, u notifybox.EntryUpdate) error {
	if err := validateUpdate(u); err != nil {
		return err
	}
	set, guard, args := entryUpdate(u, id, s.clock(), sqlutil.Question)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", s.ident(s.tables.Outbox), set, guard)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return expectRow(res, notifybox.ErrEntryNotFound)
}

// DeleteEntry removes an outbox entry.
func (s *SQLiteStore) DeleteEntry(ctx context.Context, id int64) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", s.ident(s.tables.Outbox))
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	return expectRow(res, notifybox.ErrEntryNotFound)
}

// ListReady returns READY entries, oldest created first.
func (s *SQLiteStore) ListReady(ctx context.Context, limit int) ([]notifybox.Entry, error) {
	return s.listEntries(ctx, notifybox.StatusReady, "created_at", limit)
}

// ListFailed returns FAILED entries, least recently updated first.
func (s *SQLiteStore) ListFailed(ctx context.Context, limit int) ([]notifybox.Entry, error) {
	return s.listEntries(ctx, notifybox.StatusFailed, "updated_at", limit)
}

func (s *SQLiteStore) listEntries(ctx context.Context, status notifybox.Status, orderBy string, limit int) ([]notifybox.Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE status = ? ORDER BY %s, id LIMIT ?",
		entryColumns, s.ident(s.tables.Outbox), orderBy)
	rows, err := s.db.QueryContext(ctx, query, string(status), limit)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

// DeleteSentBefore removes old SENT entries, oldest first.
func (s *SQLiteStore) DeleteSentBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if limit <= 0 {
		return 0, nil
	}
	table := s.ident(s.tables.Outbox)
	query := fmt.Sprintf(`
DELETE FROM %s
WHERE id IN (
    SELECT id FROM %s
    WHERE status = ? AND updated_at < ?
    ORDER BY updated_at, id
    LIMIT ?
)`, table, table)
	res, err := s.db.ExecContext(ctx, query, string(notifybox.StatusSent), notifybox.NaiveUTC(cutoff), limit)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RegisterTask inserts a pending task unless its idempotency key is taken.
func (s *SQLiteStore) RegisterTask(ctx context.Context, t notifybox.NewTask) (notifybox.Registration, error) {
	if err := t.Validate(); err != nil {
		return notifybox.Registration{}, err
	}
	if t.IdemKey != "" {
		if reg, ok, err := s.lookupIdemKey(ctx, t.IdemKey); err != nil || ok {
			return reg, err
		}
	}

	now := s.clock()
	query := fmt.Sprintf(`
INSERT INTO %s (pr_info_id, template_id, receiver, send_time, status, retry_count, idem_key, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
ON CONFLICT (idem_key) DO NOTHING
RETURNING id`, s.ident(s.tables.Tasks))
	var id int64
	err := s.db.QueryRowContext(ctx, query, t.PRInfoID, t.TemplateID, t.Receiver, notifybox.NaiveUTC(t.SendTime),
		string(notifybox.TaskPending), sqlutil.NullIfEmpty(t.IdemKey), now, now).Scan(&id)
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

func (s *SQLiteStore) lookupIdemKey(ctx context.Context, key string) (notifybox.Registration, bool, error) {
	query := fmt.Sprintf("SELECT id, status FROM %s WHERE idem_key = ?", s.ident(s.tables.Tasks))
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

// ClaimTasks leases up to limit due tasks to claimer.
func (s *SQLiteStore) ClaimTasks(ctx context.Context, claimer string, limit, maxRetry int) ([]notifybox.Task, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: claim limit must be positive", notifybox.ErrInvalidArgument)
	}
	now := s.clock()
	table := s.ident(s.tables.Tasks)
	query := fmt.Sprintf(`
UPDATE %s
SET status = ?,
    claimer = ?,
    updated_at = ?
WHERE id IN (
    SELECT id FROM %s
    WHERE status IN (%s)
      AND send_time <= ?
      AND retry_count < ?
    ORDER BY send_time, id
    LIMIT ?
)
  AND status IN (%s)
RETURNING id`, table, table, claimableTaskStatuses, claimableTaskStatuses)

	rows, err := s.db.QueryContext(ctx, query, string(notifybox.TaskInProgress), claimer, now, now, maxRetry, limit)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	fetch := fmt.Sprintf("SELECT %s FROM %s WHERE id IN (%s) ORDER BY send_time, id",
		taskColumns, table, sqlutil.List(sqlutil.Question, 1, len(ids)))
	rows, err = s.db.QueryContext(ctx, fetch, int64Args(ids)...)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

// MarkTaskSent flags an in-progress task as delivered.
func (s *SQLiteStore) MarkTaskSent(ctx context.Context, id int64) error {
	query := fmt.Sprintf("UPDATE %s SET status = ?, updated_at = ? WHERE id = ? AND status = ?", s.ident(s.tables.Tasks))
	res, err := s.db.ExecContext(ctx, query, string(notifybox.TaskSent), s.clock(), id, string(notifybox.TaskInProgress))
	if err != nil {
		return err
	}
	return expectClaimed(ctx, res, id, s.GetTask)
}

// MarkTaskFailed records a failed attempt on an in-progress task.
func (s *SQLiteStore) MarkTaskFailed(ctx context.Context, id int64, errMsg string) error {
	query := fmt.Sprintf(`
UPDATE %s
SET status = ?,
    retry_count = retry_count + 1,
    error_msg = ?,
    updated_at = ?
WHERE id = ? AND status = ?`, s.ident(s.tables.Tasks))
	res, err := s.db.ExecContext(ctx, query,
		string(notifybox.TaskFailed), sqlutil.NullIfEmpty(errMsg), s.clock(), id, string(notifybox.TaskInProgress))
	if err != nil {
		return err
	}
	return expectClaimed(ctx, res, id, s.GetTask)
}

// GetTask loads a task by id.
func (s *SQLiteStore) GetTask(ctx context.Context, id int64) (notifybox.Task, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", taskColumns, s.ident(s.tables.Tasks))
	t, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return notifybox.Task{}, notifybox.ErrTaskNotFound
	}
	return t, err
}

func (s *SQLiteStore) clock() time.Time {
	return notifybox.NaiveUTC(s.now())
}

func (s *SQLiteStore) ident(table string) string {
	return sqlutil.QuoteIdentifier(table, `"`)
}

var _ notifybox.Store = (*SQLiteStore)(nil)
