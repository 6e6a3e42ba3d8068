package notifybox

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"runtime/debug"
	"time"
)

// randomWorkerID generates a short identifier for logging/claiming rows.
func randomWorkerID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "bot-unknown"
	}
	return "bot-" + hex.EncodeToString(buf[:])
}

// TaskHandler performs the delivery a task describes.
type TaskHandler interface {
	Handle(ctx context.Context, t Task) error
}

// TaskHandlerFunc adapts a function to TaskHandler.
type TaskHandlerFunc func(ctx context.Context, t Task) error

// Handle implements TaskHandler.
func (f TaskHandlerFunc) Handle(ctx context.Context, t Task) error {
	return f(ctx, t)
}

// WorkerOptions configure Worker behaviour.
type WorkerOptions struct {
	// ID is recorded as the claimer of every task this worker takes.
	ID string
	// BatchSize bounds how many tasks one claim returns.
	BatchSize int
	// MaxRetry excludes tasks that already failed this many times.
	MaxRetry int
	// IdleWait returns the pause after the n-th consecutive empty claim.
	// A claim that returns tasks resets n.
	IdleWait func(n int) time.Duration
	// MaxErrorLength bounds reported error messages in runes.
	MaxErrorLength int
	Logger         Logger
}

func (o *WorkerOptions) setDefaults() {
	if o.ID == "" {
		o.ID = randomWorkerID()
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.MaxRetry <= 0 {
		o.MaxRetry = 5
	}
	if o.IdleWait == nil {
		o.IdleWait = DoublingIdleWait(3*time.Second, 30*time.Second)
	}
	if o.MaxErrorLength <= 0 {
		o.MaxErrorLength = DefaultMaxErrorLength
	}
	if o.Logger == nil {
		o.Logger = noopLogger{}
	}
}

// DoublingIdleWait waits base after the first empty claim and doubles for
// each further one, never exceeding ceiling.
func DoublingIdleWait(base, ceiling time.Duration) func(n int) time.Duration {
	return func(n int) time.Duration {
		d := base
		for i := 1; i < n; i++ {
			if d >= ceiling/2 {
				return ceiling
			}
			d *= 2
		}
		return min(d, ceiling)
	}
}

// Worker claims due tasks and reports the outcome of each one.
type Worker struct {
	source  TaskSource
	handler TaskHandler
	opts    WorkerOptions
}

// NewWorker wires a task source and a handler with the provided options.
func NewWorker(source TaskSource, handler TaskHandler, opts WorkerOptions) *Worker {
	opts.setDefaults()
	return &Worker{source: source, handler: handler, opts: opts}
}

// ID returns the claimer id of this worker.
func (w *Worker) ID() string {
	return w.opts.ID
}

// Run processes tasks until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	idle := 0
	for {
		n, err := w.ProcessOnce(ctx)
		if err != nil {
			w.opts.Logger.Error(ctx, "worker %s error: %v", w.opts.ID, err)
		}

		var wait time.Duration
		if n == 0 {
			idle++
			wait = w.opts.IdleWait(idle)
		} else {
			idle = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// ProcessOnce claims one batch and handles it. It returns the number of tasks
// claimed.
func (w *Worker) ProcessOnce(ctx context.Context) (int, error) {
	tasks, err := w.source.ClaimTasks(ctx, w.opts.ID, w.opts.BatchSize, w.opts.MaxRetry)
	if err != nil {
		return 0, fmt.Errorf("claim: %w", err)
	}
	for _, t := range tasks {
		w.handle(context.WithoutCancel(ctx), t)
	}
	return len(tasks), nil
}

func (w *Worker) handle(ctx context.Context, t Task) {
	err := w.safeHandle(ctx, t)
	if err == nil {
		if err := w.source.MarkTaskSent(ctx, t.ID); err != nil {
			w.opts.Logger.Error(ctx, "mark task sent id=%d: %v", t.ID, err)
		}
		return
	}
	msg := TruncateError(err.Error(), w.opts.MaxErrorLength)
	if ferr := w.source.MarkTaskFailed(ctx, t.ID, msg); ferr != nil {
		w.opts.Logger.Error(ctx, "mark task failed id=%d: %v (original err: %v)", t.ID, ferr, err)
		return
	}
	w.opts.Logger.Warn(ctx, "task %d failed attempt #%d: %v", t.ID, t.RetryCount+1, err)
}

func (w *Worker) safeHandle(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.opts.Logger.Error(ctx, "task %d panic: %v\n%s", t.ID, r, debug.Stack())
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.handler.Handle(ctx, t)
}
