package notifybox_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mickamy/notifybox"
)

func TestWorkerProcessOnce(t *testing.T) {
	t.Parallel()
	store := &fakeTaskStore{queue: [][]notifybox.Task{{
		{ID: 1, Receiver: "alice"},
		{ID: 2, Receiver: "bob", RetryCount: 1},
		{ID: 3, Receiver: "carol"},
	}}}
	handler := notifybox.TaskHandlerFunc(func(_ context.Context, task notifybox.Task) error {
		switch task.ID {
		case 2:
			return errors.New(strings.Repeat("x", 50))
		case 3:
			panic("handler bug")
		}
		return nil
	})
	w := notifybox.NewWorker(store, handler, notifybox.WorkerOptions{ID: "bot-1", MaxErrorLength: 10})

	n, err := w.ProcessOnce(context.Background())
	if err != nil {
		t.Fatalf("ProcessOnce() error = %v", err)
	}
	if n != 3 {
		t.Fatalf("ProcessOnce() = %d, want 3", n)
	}
	sent, failedIDs, failed := store.outcomes()
	if len(sent) != 1 || sent[0] != 1 {
		t.Fatalf("sent = %v, want [1]", sent)
	}
	if len(failedIDs) != 2 || failedIDs[0] != 2 || failedIDs[1] != 3 {
		t.Fatalf("failed ids = %v, want [2 3]", failedIDs)
	}
	if failed[0] != strings.Repeat("x", 10) {
		t.Fatalf("error_msg = %q, want truncated to 10", failed[0])
	}
	if !strings.HasPrefix(failed[1], "panic") || len([]rune(failed[1])) > 10 {
		t.Fatalf("panic error_msg = %q, want truncated panic message", failed[1])
	}
	if c := store.claims[0]; c.claimer != "bot-1" || c.limit != 10 || c.maxRetry != 5 {
		t.Fatalf("claim = %+v, want bot-1 limit 10 maxRetry 5", c)
	}
}

func TestWorkerRecoversHandlerPanic(t *testing.T) {
	t.Parallel()
	store := &fakeTaskStore{queue: [][]notifybox.Task{{
		{ID: 4, Receiver: "dave"},
		{ID: 5, Receiver: "erin"},
	}}}
	handler := notifybox.TaskHandlerFunc(func(_ context.Context, task notifybox.Task) error {
		if task.ID == 4 {
			panic("handler bug")
		}
		return nil
	})
	w := notifybox.NewWorker(store, handler, notifybox.WorkerOptions{ID: "bot-2"})

	n, err := w.ProcessOnce(context.Background())
	if err != nil {
		t.Fatalf("ProcessOnce() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("ProcessOnce() = %d, want 2", n)
	}
	sent, failedIDs, failed := store.outcomes()
	if len(sent) != 1 || sent[0] != 5 {
		t.Fatalf("sent = %v, want [5]", sent)
	}
	if len(failedIDs) != 1 || failedIDs[0] != 4 {
		t.Fatalf("failed ids = %v, want [4]", failedIDs)
	}
	if !containsAll(failed[0], "panic", "handler bug") {
		t.Fatalf("panic error_msg = %q, want panic value", failed[0])
	}
}

func TestWorkerProcessOnceClaimError(t *testing.T) {
	t.Parallel()
	store := &fakeTaskStore{err: errors.New("db down")}
	w := notifybox.NewWorker(store, notifybox.TaskHandlerFunc(func(context.Context, notifybox.Task) error { return nil }), notifybox.WorkerOptions{})
	if _, err := w.ProcessOnce(context.Background()); err == nil {
		t.Fatal("ProcessOnce() error = nil, want claim error")
	}
	if !strings.HasPrefix(w.ID(), "bot-") {
		t.Fatalf("generated ID = %q, want bot- prefix", w.ID())
	}
}

func TestWorkerRunBacksOffWhenIdle(t *testing.T) {
	t.Parallel()
	store := &fakeTaskStore{
		queue:  [][]notifybox.Task{{{ID: 7}}},
		doneCh: make(chan struct{}, 1),
	}
	var attempts []int
	w := notifybox.NewWorker(store, notifybox.TaskHandlerFunc(func(context.Context, notifybox.Task) error { return nil }), notifybox.WorkerOptions{
		IdleWait: func(n int) time.Duration {
			attempts = append(attempts, n)
			return time.Millisecond
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	errc := make(chan error, 1)
	go func() {
		errc <- w.Run(ctx)
	}()

	waitFor(t, store.doneCh)
	deadline := time.Now().Add(2 * time.Second)
	for store.claimCount() < 4 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("Worker.Run() error = %v, want %v", err, context.Canceled)
	}
	if len(attempts) < 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Fatalf("idle attempts = %v, want increasing from 1", attempts)
	}
}

func TestDoublingIdleWait(t *testing.T) {
	t.Parallel()
	wait := notifybox.DoublingIdleWait(3*time.Second, 30*time.Second)

	tests := []struct {
		n    int
		want time.Duration
	}{
		{n: 0, want: 3 * time.Second},
		{n: 1, want: 3 * time.Second},
		{n: 2, want: 6 * time.Second},
		{n: 4, want: 24 * time.Second},
		{n: 5, want: 30 * time.Second},
		{n: 1000, want: 30 * time.Second},
	}
	for _, tt := range tests {
		if got := wait(tt.n); got != tt.want {
			t.Fatalf("wait(%d) = %s, want %s", tt.n, got, tt.want)
		}
	}
}
