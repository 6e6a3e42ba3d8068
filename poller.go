package notifybox

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

// Sender dispatches a notification to the actual channel.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, n Notification) error

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// Logger captures poller and worker logs; implementors can wrap slog/zap/etc.
type Logger interface {
	Info(ctx context.Context, format string, v ...any)
	Warn(ctx context.Context, format string, v ...any)
	Error(ctx context.Context, format string, v ...any)
}

// Hooks observe poller activity, typically to export metrics.
type Hooks interface {
	OnFetch(ctx context.Context, status Status, n int)
	OnSendSuccess(ctx context.Context, e Entry)
	OnSendFailure(ctx context.Context, e Entry, err error)
	OnStoreError(ctx context.Context, op string, id int64, err error)
	OnCollect(ctx context.Context, removed int64)
	OnCycle(ctx context.Context, d time.Duration)
}

// PollerOptions configure Poller behaviour.
type PollerOptions struct {
	// Interval is the pause between two cycles.
	Interval time.Duration
	// BatchSize bounds how many READY and how many FAILED entries a cycle loads.
	BatchSize int
	// Retention is how long SENT entries are kept before collection.
	Retention time.Duration
	// GCBatch bounds how many SENT entries one cycle deletes.
	GCBatch int
	// MaxErrorLength bounds last_error in runes.
	MaxErrorLength int
	// Logger emits logs for poller activity.
	Logger Logger
	// Hooks observe cycles and deliveries.
	Hooks Hooks
	// Now supplies the current time; override for tests or custom time sources.
	Now func() time.Time
}

func (o *PollerOptions) setDefaults() {
	if o.Interval <= 0 {
		o.Interval = 15 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.Retention <= 0 {
		o.Retention = time.Hour
	}
	if o.GCBatch <= 0 {
		o.GCBatch = 200
	}
	if o.MaxErrorLength <= 0 {
		o.MaxErrorLength = DefaultMaxErrorLength
	}
	if o.Logger == nil {
		o.Logger = noopLogger{}
	}
	if o.Hooks == nil {
		o.Hooks = noopHooks{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// PollerStore is what the poller needs from persistence.
type PollerStore interface {
	ResultStore
	OutboxStore
}

// Poller drains the notification outbox. Only one poller may run against a
// given outbox table.
type Poller struct {
	// store resolves results and tracks entry progress.
	store PollerStore
	// sender knows how to deliver a notification to the channel.
	sender Sender
	opts   PollerOptions
}

// NewPoller wires a store and a Sender with the provided options.
func NewPoller(store PollerStore, sender Sender, opts PollerOptions) *Poller {
	opts.setDefaults()
	return &Poller{
		store:  store,
		sender: sender,
		opts:   opts,
	}
}

// CycleResult summarises one PollOnce call.
type CycleResult struct {
	Sent      int
	Failed    int
	Collected int64
	// Err is the first store error hit while listing or collecting.
	Err error
}

// Run polls until the context is cancelled. Cancellation is observed between
// cycles only; a cycle in progress always finishes.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		res := p.PollOnce(context.WithoutCancel(ctx))
		if res.Err != nil {
			p.opts.Logger.Error(ctx, "poller cycle error: %v", res.Err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Handle controls a poller started with Start.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Start runs the poller in a background goroutine.
func (p *Poller) Start(ctx context.Context) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		h.err = p.Run(ctx)
	}()
	return h
}

// Stop requests the poller to exit and waits until the current cycle is done.
// It is safe to call more than once.
func (h *Handle) Stop() {
	h.cancel()
	<-h.done
}

// Done is closed once the poller has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the error Run exited with; valid after Done is closed.
func (h *Handle) Err() error {
	<-h.done
	return h.err
}

// PollOnce runs a single cycle: READY entries, then FAILED entries, then GC.
// Panics are recovered and reported through CycleResult.Err.
func (p *Poller) PollOnce(ctx context.Context) (res CycleResult) {
	start := p.opts.Now()
	defer func() {
		if r := recover(); r != nil {
			p.opts.Logger.Error(ctx, "poller panic: %v\n%s", r, debug.Stack())
			res.Err = errors.Join(res.Err, fmt.Errorf("poller panic: %v", r))
		}
		p.opts.Hooks.OnCycle(ctx, p.opts.Now().Sub(start))
	}()

	ready, err := p.store.ListReady(ctx, p.opts.BatchSize)
	if err != nil {
		p.opts.Hooks.OnStoreError(ctx, "list_ready", 0, err)
		res.Err = errors.Join(res.Err, fmt.Errorf("list ready: %w", err))
	}
	p.opts.Hooks.OnFetch(ctx, StatusReady, len(ready))

	failed, err := p.store.ListFailed(ctx, p.opts.BatchSize)
	if err != nil {
		p.opts.Hooks.OnStoreError(ctx, "list_failed", 0, err)
		res.Err = errors.Join(res.Err, fmt.Errorf("list failed: %w", err))
	}
	p.opts.Hooks.OnFetch(ctx, StatusFailed, len(failed))

	for _, batch := range [][]Entry{ready, failed} {
		for _, e := range batch {
			if p.process(ctx, e) {
				res.Sent++
			} else {
				res.Failed++
			}
		}
	}

	cutoff := NaiveUTC(p.opts.Now().Add(-p.opts.Retention))
	removed, err := p.store.DeleteSentBefore(ctx, cutoff, p.opts.GCBatch)
	if err != nil {
		p.opts.Hooks.OnStoreError(ctx, "collect", 0, err)
		res.Err = errors.Join(res.Err, fmt.Errorf("collect sent: %w", err))
	} else {
		res.Collected = removed
		if removed > 0 {
			p.opts.Hooks.OnCollect(ctx, removed)
			p.opts.Logger.Info(ctx, "removed %d sent outbox entries", removed)
		}
	}
	return res
}

// process delivers one entry and records the outcome. It reports whether the
// entry was marked SENT.
func (p *Poller) process(ctx context.Context, e Entry) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			p.opts.Logger.Error(ctx, "outbox entry %d panic: %v\n%s", e.ID, r, debug.Stack())
			p.handleFailure(ctx, e, fmt.Errorf("panic: %v", r))
			sent = false
		}
	}()

	if err := p.deliver(ctx, e); err != nil {
		p.handleFailure(ctx, e, err)
		return false
	}
	if err := p.store.UpdateEntry(ctx, e.ID, MarkSent()); err != nil {
		p.opts.Hooks.OnStoreError(ctx, "mark_sent", e.ID, err)
		p.opts.Logger.Error(ctx, "mark sent failed id=%d: %v", e.ID, err)
		return false
	}
	p.opts.Hooks.OnSendSuccess(ctx, e)
	return true
}

func (p *Poller) deliver(ctx context.Context, e Entry) error {
	if e.AggregateType != AggregateTypeResult {
		return fmt.Errorf("unsupported aggregate type %q", e.AggregateType)
	}
	r, err := p.store.GetResult(ctx, e.AggregateID)
	if err != nil {
		return fmt.Errorf("resolve result %d: %w", e.AggregateID, err)
	}
	return p.sender.Send(ctx, Notification{Entry: e, Result: r})
}

// handleFailure records a failed attempt; FAILED entries are picked up again
// on later cycles without a retry ceiling.
func (p *Poller) handleFailure(ctx context.Context, e Entry, sendErr error) {
	p.opts.Hooks.OnSendFailure(ctx, e, sendErr)
	attempt := e.RetryCount + 1
	msg := TruncateError(sendErr.Error(), p.opts.MaxErrorLength)
	if err := p.store.UpdateEntry(ctx, e.ID, MarkFailed(attempt, msg)); err != nil {
		p.opts.Hooks.OnStoreError(ctx, "mark_failed", e.ID, err)
		p.opts.Logger.Error(ctx, "mark failed id=%d: %v (original err: %v)", e.ID, err, sendErr)
		return
	}
	p.opts.Logger.Warn(ctx, "outbox entry %d failed attempt #%d: %v", e.ID, attempt, sendErr)
}

// noopLogger discards all logs.
type noopLogger struct{}

// Info implements Logger.
func (noopLogger) Info(context.Context, string, ...any) {}

// Warn implements Logger.
func (noopLogger) Warn(context.Context, string, ...any) {}

// Error implements Logger.
func (noopLogger) Error(context.Context, string, ...any) {}

type noopHooks struct{}

func (noopHooks) OnFetch(context.Context, Status, int)               {}
func (noopHooks) OnSendSuccess(context.Context, Entry)               {}
func (noopHooks) OnSendFailure(context.Context, Entry, error)        {}
func (noopHooks) OnStoreError(context.Context, string, int64, error) {}
func (noopHooks) OnCollect(context.Context, int64)                   {}
func (noopHooks) OnCycle(context.Context, time.Duration)             {}
