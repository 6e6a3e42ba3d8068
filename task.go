package notifybox

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskSent       TaskStatus = "sent"
	TaskFailed     TaskStatus = "failed"
)

// IdemKeyTimeLayout is the send time precision used in derived idempotency keys.
const IdemKeyTimeLayout = "2006-01-02T15:04:05"

// Task is a scheduled notification to one receiver.
type Task struct {
	ID         int64      `json:"id"`
	PRInfoID   string     `json:"pr_info_id"`
	TemplateID string     `json:"template_id"`
	Receiver   string     `json:"receiver"`
	SendTime   time.Time  `json:"send_time"`
	Status     TaskStatus `json:"status"`
	RetryCount int        `json:"retry_count"`
	Claimer    *string    `json:"claimer,omitempty"`
	ErrorMsg   *string    `json:"error_msg,omitempty"`
	IdemKey    *string    `json:"idem_key,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// NewTask is the input to TaskStore.RegisterTask.
type NewTask struct {
	PRInfoID   string
	Receiver   string
	TemplateID string
	// SendTime is a naive timestamp; stores keep its UTC wall clock.
	SendTime time.Time
	// IdemKey is optional; an empty key never collides.
	IdemKey string
}

// Validate checks the required fields.
func (t NewTask) Validate() error {
	if strings.TrimSpace(t.PRInfoID) == "" {
		return fmt.Errorf("%w: pr_info_id is required", ErrInvalidArgument)
	}
	if strings.TrimSpace(t.Receiver) == "" {
		return fmt.Errorf("%w: receiver is required", ErrInvalidArgument)
	}
	return nil
}

// Registration reports the outcome of RegisterTask.
type Registration struct {
	ID      int64      `json:"task_id"`
	Status  TaskStatus `json:"status"`
	Created bool       `json:"created"`
}

// TaskQueueOptions tune the TaskQueue service.
type TaskQueueOptions struct {
	// DefaultTemplateID is used when a registration names no template.
	DefaultTemplateID string
	// DefaultLimit applies to claims that ask for a non-positive batch.
	DefaultLimit int
	// MaxLimit caps the claim batch size.
	MaxLimit int
	// MaxRetry is the exclusive retry_count ceiling for claims.
	MaxRetry int
	// MaxErrorLength bounds stored error messages (in runes).
	MaxErrorLength int
	// Now supplies the current time; override for tests.
	Now func() time.Time
}

func (o *TaskQueueOptions) setDefaults() {
	if o.DefaultTemplateID == "" {
		o.DefaultTemplateID = "ai-review-notice"
	}
	if o.DefaultLimit <= 0 {
		o.DefaultLimit = 10
	}
	if o.MaxLimit <= 0 {
		o.MaxLimit = 100
	}
	if o.MaxRetry <= 0 {
		o.MaxRetry = 5
	}
	if o.MaxErrorLength <= 0 {
		o.MaxErrorLength = DefaultMaxErrorLength
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// TaskQueue validates and defaults requests before they reach the TaskStore.
type TaskQueue struct {
	store TaskStore
	opts  TaskQueueOptions
}

// NewTaskQueue wires a TaskStore with the provided options.
func NewTaskQueue(store TaskStore, opts TaskQueueOptions) *TaskQueue {
	opts.setDefaults()
	return &TaskQueue{store: store, opts: opts}
}

// RegisterRequest is a producer's request to schedule a notification.
type RegisterRequest struct {
	PRInfoID   string
	Receiver   string
	TemplateID string
	// SendTime defaults to now when nil.
	SendTime *time.Time
	// IdempotencyKey defaults to "<pr_info_id>-<send_time>" when empty.
	IdempotencyKey string
}

// Register schedules a task once per idempotency key.
func (q *TaskQueue) Register(ctx context.Context, req RegisterRequest) (Registration, error) {
	sendTime := q.opts.Now()
	if req.SendTime != nil {
		sendTime = *req.SendTime
	}
	sendTime = NaiveUTC(sendTime)

	t := NewTask{
		PRInfoID:   strings.TrimSpace(req.PRInfoID),
		Receiver:   strings.TrimSpace(req.Receiver),
		TemplateID: req.TemplateID,
		SendTime:   sendTime,
		IdemKey:    req.IdempotencyKey,
	}
	if err := t.Validate(); err != nil {
		return Registration{}, err
	}
	if t.TemplateID == "" {
		t.TemplateID = q.opts.DefaultTemplateID
	}
	if t.IdemKey == "" {
		t.IdemKey = t.PRInfoID + "-" + sendTime.Format(IdemKeyTimeLayout)
	}

	reg, err := q.store.RegisterTask(ctx, t)
	if err != nil {
		return Registration{}, fmt.Errorf("register task: %w", err)
	}
	return reg, nil
}

// Claim leases up to limit due tasks to botID.
func (q *TaskQueue) Claim(ctx context.Context, botID string, limit int) ([]Task, error) {
	botID = strings.TrimSpace(botID)
	if botID == "" {
		return nil, fmt.Errorf("%w: bot_id is required", ErrInvalidArgument)
	}
	if limit <= 0 {
		limit = q.opts.DefaultLimit
	}
	if limit > q.opts.MaxLimit {
		limit = q.opts.MaxLimit
	}
	tasks, err := q.store.ClaimTasks(ctx, botID, limit, q.opts.MaxRetry)
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}
	return tasks, nil
}

// Complete reports the outcome of a claimed task. status must be TaskSent or TaskFailed.
func (q *TaskQueue) Complete(ctx context.Context, id int64, status TaskStatus, errMsg string) error {
	if id <= 0 {
		return fmt.Errorf("%w: id is required", ErrInvalidArgument)
	}
	switch status {
	case TaskSent:
		return q.store.MarkTaskSent(ctx, id)
	case TaskFailed:
		return q.store.MarkTaskFailed(ctx, id, TruncateError(errMsg, q.opts.MaxErrorLength))
	default:
		return fmt.Errorf("%w: status must be sent or failed", ErrInvalidArgument)
	}
}

// NaiveUTC drops sub-microsecond precision and expresses t in UTC, the
// convention every store uses for timestamp columns.
func NaiveUTC(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
