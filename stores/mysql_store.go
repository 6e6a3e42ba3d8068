package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/mickamy/notifybox"
	"github.com/mickamy/notifybox/internal/sqlutil"
)

// mysqlDuplicateEntry is ER_DUP_ENTRY.
const mysqlDuplicateEntry = 1062

// MySQLStore implements notifybox.Store for MySQL 8. The DSN must set
// parseTime=true and loc=UTC.
type MySQLStore struct {
	db     *sql.DB
	tables Tables
	now    func() time.Time
}

// MySQLOption configures a MySQLStore.
type MySQLOption func(*MySQLStore)

// WithMySQLTables overrides the default table names.
func WithMySQLTables(tables Tables) MySQLOption {
	return func(s *MySQLStore) {
		s.tables = s.tables.merge(tables)
	}
}

// WithMySQLNow overrides the clock used for timestamps and due checks.
func WithMySQLNow(now func() time.Time) MySQLOption {
	return func(s *MySQLStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMySQLStore creates a Store backed by MySQL.
func NewMySQLStore(db *sql.DB, opts ...MySQLOption) *MySQLStore {
	store := &MySQLStore{
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
func (s *MySQLStore) InsertResult(ctx context.Context, exec notifybox.Executor, r notifybox.Result) (int64, error) {
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
func (s *MySQLStore) GetResult(ctx context.Context, id int64) (notifybox.Result, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", resultColumns, s.ident(s.tables.Results))
	r, err := scanResult(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return notifybox.Result{}, notifybox.ErrResultNotFound
	}
	return r, err
}

// InsertEntry enqueues a READY entry within the caller's transaction.
func (s *MySQLStore) InsertEntry(ctx context.Context, exec notifybox.Executor, aggregateType string, aggregateID int64) (int64, error) {
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
func (s *MySQLStore) GetEntry(ctx context.Context, id int64) (notifybox.Entry, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", entryColumns, s.ident(s.tables.Outbox))
	e, err := scanEntry(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return notifybox.Entry{}, notifybox.ErrEntryNotFound
	}
	return e, err
}

// UpdateEntry applies a partial update guarded by the status transition rules.
func (s *MySQLStore) UpdateEntry(ctx context.Context, id int64, u notifybox.EntryUpdate) error {
	if err := validateUpdate(u); err != nil {
		return err
	}
	set, guard, args := entryUpdate(u, id, s.clock(), sqlutil.Question)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", s.ident(s.tables.Outbox), set, guard)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}
	// MySQL reports changed rows, not matched rows: an identical rewrite is not a miss.
	e, err := s.GetEntry(ctx, id)
	if err != nil {
		return err
	}
	if u.Status != nil && !e.Status.CanTransitionTo(*u.Status) {
		return notifybox.ErrEntryNotFound
	}
	return nil
}

// DeleteEntry removes an outbox entry.
func (s *MySQLStore) DeleteEntry(ctx context.Context, id int64) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", s.ident(s.tables.Outbox))
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	return expectRow(res, notifybox.ErrEntryNotFound)
}

// ListReady returns READY entries, oldest created first.
func (s *MySQLStore) ListReady(ctx context.Context, limit int) ([]notifybox.Entry, error) {
	return s.listEntries(ctx, notifybox.StatusReady, "created_at", limit)
}

// ListFailed returns FAILED entries, least recently updated first.
func (s *MySQLStore) ListFailed(ctx context.Context, limit int) ([]notifybox.Entry, error) {
	return s.listEntries(ctx, notifybox.StatusFailed, "updated_at", limit)
}

func (s *MySQLStore) listEntries(ctx context.Context, status notifybox.Status, orderBy string, limit int) ([]notifybox.Entry, error) {
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
func (s *MySQLStore) DeleteSentBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if limit <= 0 {
		return 0, nil
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE status = ? AND updated_at < ? ORDER BY updated_at, id LIMIT ?",
		s.ident(s.tables.Outbox))
	res, err := s.db.ExecContext(ctx, query, string(notifybox.StatusSent), notifybox.NaiveUTC(cutoff), limit)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RegisterTask inserts a pending task unless its idempotency key is taken.
// A duplicate key error resolves to the existing registration.
func (s *MySQLStore) RegisterTask(ctx context.Context, t notifybox.NewTask) (notifybox.Registration, error) {
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
VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)`, s.ident(s.tables.Tasks))
	res, err := s.db.ExecContext(ctx, query, t.PRInfoID, t.TemplateID, t.Receiver, notifybox.NaiveUTC(t.SendTime),
		string(notifybox.TaskPending), sqlutil.NullIfEmpty(t.IdemKey), now, now)
	if err != nil {
		var myErr *mysql.MySQLError
		if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry && t.IdemKey != "" {
			reg, ok, lerr := s.lookupIdemKey(ctx, t.IdemKey)
			if lerr != nil {
				return notifybox.Registration{}, lerr
			}
			if ok {
				return reg, nil
			}
		}
		return notifybox.Registration{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return notifybox.Registration{}, err
	}
	return notifybox.Registration{ID: id, Status: notifybox.TaskPending, Created: true}, nil
}

func (s *MySQLStore) lookupIdemKey(ctx context.Context, key string) (notifybox.Registration, bool, error) {
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

// ClaimTasks locks due rows with FOR UPDATE SKIP LOCKED and leases them to
// claimer in the same transaction.
func (s *MySQLStore) ClaimTasks(ctx context.Context, claimer string, limit, maxRetry int) ([]notifybox.Task, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: claim limit must be positive", notifybox.ErrInvalidArgument)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := s.clock()
	ids, err := s.selectClaimableIDs(ctx, tx, now, limit, maxRetry)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	update := fmt.Sprintf("UPDATE %s SET status = ?, claimer = ?, updated_at = ? WHERE id IN (%s)",
		s.ident(s.tables.Tasks), sqlutil.List(sqlutil.Question, 1, len(ids)))
	args := append([]any{string(notifybox.TaskInProgress), claimer, now}, int64Args(ids)...)
	if _, err := tx.ExecContext(ctx, update, args...); err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE id IN (%s) ORDER BY send_time, id",
		taskColumns, s.ident(s.tables.Tasks), sqlutil.List(sqlutil.Question, 1, len(ids)))
	rows, err := tx.QueryContext(ctx, query, int64Args(ids)...)
	if err != nil {
		return nil, err
	}
	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *MySQLStore) selectClaimableIDs(ctx context.Context, tx *sql.Tx, now time.Time, limit, maxRetry int) ([]int64, error) {
	query := fmt.Sprintf(`
SELECT id FROM %s
WHERE status IN (%s)
  AND send_time <= ?
  AND retry_count < ?
ORDER BY send_time, id
LIMIT ?
FOR UPDATE SKIP LOCKED`, s.ident(s.tables.Tasks), claimableTaskStatuses)
	rows, err := tx.QueryContext(ctx, query, now, maxRetry, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkTaskSent flags an in-progress task as delivered.
func (s *MySQLStore) MarkTaskSent(ctx context.Context, id int64) error {
	query := fmt.Sprintf("UPDATE %s SET status = ?, updated_at = ? WHERE id = ? AND status = ?", s.ident(s.tables.Tasks))
	res, err := s.db.ExecContext(ctx, query, string(notifybox.TaskSent), s.clock(), id, string(notifybox.TaskInProgress))
	if err != nil {
		return err
	}
	return expectClaimed(ctx, res, id, s.GetTask)
}

// MarkTaskFailed records a failed attempt on an in-progress task.
func (s *MySQLStore) MarkTaskFailed(ctx context.Context, id int64, errMsg string) error {
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
func (s *MySQLStore) GetTask(ctx context.Context, id int64) (notifybox.Task, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", taskColumns, s.ident(s.tables.Tasks))
	t, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return notifybox.Task{}, notifybox.ErrTaskNotFound
	}
	return t, err
}

func (s *MySQLStore) clock() time.Time {
	return notifybox.NaiveUTC(s.now())
}

func (s *MySQLStore) ident(table string) string {
	return sqlutil.QuoteIdentifier(table, "`")
}

var _ notifybox.Store = (*MySQLStore)(nil)
