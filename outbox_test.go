package notifybox_test

import (
	"errors"
	"testing"

	"github.com/mickamy/notifybox"
)

func TestStatusTransitions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from, to notifybox.Status
		want     bool
	}{
		{notifybox.StatusReady, notifybox.StatusSent, true},
		{notifybox.StatusReady, notifybox.StatusFailed, true},
		{notifybox.StatusFailed, notifybox.StatusSent, true},
		{notifybox.StatusFailed, notifybox.StatusFailed, true},
		{notifybox.StatusFailed, notifybox.StatusReady, false},
		{notifybox.StatusSent, notifybox.StatusFailed, false},
		{notifybox.StatusSent, notifybox.StatusReady, false},
		{notifybox.StatusReady, notifybox.StatusReady, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Fatalf("%s.CanTransitionTo(%s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestSourcesFor(t *testing.T) {
	t.Parallel()
	got := notifybox.SourcesFor(notifybox.StatusSent)
	if len(got) != 2 || got[0] != notifybox.StatusReady || got[1] != notifybox.StatusFailed {
		t.Fatalf("SourcesFor(SENT) = %v, want [READY FAILED]", got)
	}
	if got := notifybox.SourcesFor(notifybox.StatusReady); len(got) != 0 {
		t.Fatalf("SourcesFor(READY) = %v, want none", got)
	}
}

func TestParseStatus(t *testing.T) {
	t.Parallel()
	if s, err := notifybox.ParseStatus("FAILED"); err != nil || s != notifybox.StatusFailed {
		t.Fatalf("ParseStatus(FAILED) = %v, %v", s, err)
	}
	if _, err := notifybox.ParseStatus("failed"); !errors.Is(err, notifybox.ErrInvalidArgument) {
		t.Fatalf("ParseStatus(failed) error = %v, want ErrInvalidArgument", err)
	}
}

func TestEntryUpdateBuilders(t *testing.T) {
	t.Parallel()
	if !(notifybox.EntryUpdate{}).IsEmpty() {
		t.Fatal("zero EntryUpdate should be empty")
	}
	u := notifybox.MarkFailed(3, "boom")
	if u.IsEmpty() || *u.Status != notifybox.StatusFailed || *u.RetryCount != 3 || *u.LastError != "boom" {
		t.Fatalf("MarkFailed() = %+v", u)
	}
	s := notifybox.MarkSent()
	if *s.Status != notifybox.StatusSent || s.RetryCount != nil || s.LastError != nil {
		t.Fatalf("MarkSent() = %+v", s)
	}
}

func TestTruncateError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		msg  string
		max  int
		want string
	}{
		{msg: "short", max: 10, want: "short"},
		{msg: "abcdef", max: 3, want: "abc"},
		{msg: "日本語テキスト", max: 3, want: "日本語"},
		{msg: "unbounded", max: 0, want: "unbounded"},
	}
	for _, tt := range tests {
		if got := notifybox.TruncateError(tt.msg, tt.max); got != tt.want {
			t.Fatalf("TruncateError(%q, %d) = %q, want %q", tt.msg, tt.max, got, tt.want)
		}
	}
}
