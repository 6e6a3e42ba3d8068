package stores

import (
	"cmp"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/mickamy/notifybox"
	"github.com/mickamy/notifybox/internal/sqlutil"
)

// Tables names the tables a store operates on.
type Tables struct {
	Results string
	Outbox  string
	Tasks   string
}

// DefaultTables matches the schema shipped in package migrations.
var DefaultTables = Tables{
	Results: "code_review_results",
	Outbox:  "notification_outbox",
	Tasks:   "tasks",
}

func (t Tables) merge(o Tables) Tables {
	if o.Results != "" {
		t.Results = o.Results
	}
	if o.Outbox != "" {
		t.Outbox = o.Outbox
	}
	if o.Tasks != "" {
		t.Tasks = o.Tasks
	}
	return t
}

const (
	resultColumns = "id, pr_number, repo, branch, author, security_result, summary_result, created_at"
	entryColumns  = "id, aggregate_type, aggregate_id, status, retry_count, last_error, created_at, updated_at"
	taskColumns   = "id, pr_info_id, template_id, receiver, send_time, status, retry_count, claimer, error_msg, idem_key, created_at, updated_at"
)

// claimableTaskStatuses are the task statuses a claim may pick up.
const claimableTaskStatuses = "'pending','failed'"

// prefixed qualifies every column of list with alias.
func prefixed(alias, list string) string {
	cols := strings.Split(list, ", ")
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanResult(row scanner) (notifybox.Result, error) {
	var (
		r                 notifybox.Result
		branch, author    sql.NullString
		security, summary sql.NullString
	)
	if err := row.Scan(&r.ID, &r.PRNumber, &r.Repo, &branch, &author, &security, &summary, &r.CreatedAt); err != nil {
		return notifybox.Result{}, err
	}
	r.Branch = branch.String
	r.Author = author.String
	r.SecurityResult = rawJSON(security)
	r.SummaryResult = rawJSON(summary)
	r.CreatedAt = sqlutil.UTC(r.CreatedAt)
	return r, nil
}

func scanEntry(row scanner) (notifybox.Entry, error) {
	var (
		e         notifybox.Entry
		status    string
		lastError sql.NullString
	)
	if err := row.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &status, &e.RetryCount, &lastError, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return notifybox.Entry{}, err
	}
	e.Status = notifybox.Status(status)
	e.LastError = sqlutil.NullableString(lastError)
	e.CreatedAt = sqlutil.UTC(e.CreatedAt)
	e.UpdatedAt = sqlutil.UTC(e.UpdatedAt)
	return e, nil
}

func scanTask(row scanner) (notifybox.Task, error) {
	var (
		t                          notifybox.Task
		status                     string
		claimer, errorMsg, idemKey sql.NullString
	)
	if err := row.Scan(&t.ID, &t.PRInfoID, &t.TemplateID, &t.Receiver, &t.SendTime, &status, &t.RetryCount,
		&claimer, &errorMsg, &idemKey, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return notifybox.Task{}, err
	}
	t.Status = notifybox.TaskStatus(status)
	t.Claimer = sqlutil.NullableString(claimer)
	t.ErrorMsg = sqlutil.NullableString(errorMsg)
	t.IdemKey = sqlutil.NullableString(idemKey)
	t.SendTime = sqlutil.UTC(t.SendTime)
	t.CreatedAt = sqlutil.UTC(t.CreatedAt)
	t.UpdatedAt = sqlutil.UTC(t.UpdatedAt)
	return t, nil
}

func collectEntries(rows *sql.Rows) ([]notifybox.Entry, error) {
	defer rows.Close()
	var entries []notifybox.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func collectTasks(rows *sql.Rows) ([]notifybox.Task, error) {
	defer rows.Close()
	var tasks []notifybox.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// sortBySendTime restores claim order for statements whose RETURNING rows are unordered.
func sortBySendTime(tasks []notifybox.Task) {
	slices.SortFunc(tasks, func(a, b notifybox.Task) int {
		if c := a.SendTime.Compare(b.SendTime); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// bindJSON binds a raw region as text; nil and empty regions are stored as NULL.
func bindJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func rawJSON(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

// entryUpdate renders the SET and status guard of an UpdateEntry statement.
// The returned args bind the SET clause, then id, then the guard.
func entryUpdate(u notifybox.EntryUpdate, id int64, now time.Time, p sqlutil.Placeholder) (set, guard string, args []any) {
	var sets []string
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, col+" = "+p(len(args)))
	}
	if u.Status != nil {
		add("status", string(*u.Status))
	}
	if u.RetryCount != nil {
		add("retry_count", *u.RetryCount)
	}
	if u.LastError != nil {
		add("last_error", *u.LastError)
	}
	add("updated_at", now)

	args = append(args, id)
	idMarker := p(len(args))

	guard = "id = " + idMarker
	if u.Status != nil {
		sources := notifybox.SourcesFor(*u.Status)
		if len(sources) == 0 {
			guard += " AND 1 = 0"
		} else {
			guard += " AND status IN (" + sqlutil.List(p, len(args)+1, len(sources)) + ")"
			for _, s := range sources {
				args = append(args, string(s))
			}
		}
	}
	return strings.Join(sets, ", "), guard, args
}

func validateUpdate(u notifybox.EntryUpdate) error {
	if u.IsEmpty() {
		return fmt.Errorf("%w: empty outbox update", notifybox.ErrInvalidArgument)
	}
	if u.Status != nil && !u.Status.IsValid() {
		return fmt.Errorf("%w: outbox status %q", notifybox.ErrInvalidArgument, *u.Status)
	}
	return nil
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// expectClaimed resolves an outcome UPDATE guarded by status = in_progress.
// When no row changed it tells a missing task from one that was not claimed.
func expectClaimed(ctx context.Context, res sql.Result, id int64, get func(context.Context, int64) (notifybox.Task, error)) error {
	n, err := res.RowsAffected()
	if err != nil || n > 0 {
		return err
	}
	if _, err := get(ctx, id); err != nil {
		return err
	}
	return notifybox.ErrTaskNotClaimed
}

func expectRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
