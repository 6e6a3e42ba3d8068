package notifybox

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of an outbox entry.
type Status string

const (
	StatusReady  Status = "READY"
	StatusSent   Status = "SENT"
	StatusFailed Status = "FAILED"
)

// ParseStatus validates and converts a raw status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.IsValid() {
		return "", fmt.Errorf("%w: outbox status %q", ErrInvalidArgument, raw)
	}
	return s, nil
}

// IsValid reports whether s is part of the outbox lifecycle.
func (s Status) IsValid() bool {
	switch s {
	case StatusReady, StatusSent, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether an entry in status s may move to next.
// SENT is terminal.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusReady, StatusFailed:
		return next == StatusSent || next == StatusFailed
	default:
		return false
	}
}

// SourcesFor lists the statuses an entry may be in to move to next.
func SourcesFor(next Status) []Status {
	var out []Status
	for _, s := range []Status{StatusReady, StatusFailed, StatusSent} {
		if s.CanTransitionTo(next) {
			out = append(out, s)
		}
	}
	return out
}

func (s Status) String() string {
	return string(s)
}

// Entry is a row of the notification outbox.
type Entry struct {
	ID            int64     `json:"id"`
	AggregateType string    `json:"aggregate_type"`
	AggregateID   int64     `json:"aggregate_id"`
	Status        Status    `json:"status"`
	RetryCount    int       `json:"retry_count"`
	LastError     *string   `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// EntryUpdate carries the fields to change on an entry; nil fields are left as is.
type EntryUpdate struct {
	Status     *Status
	RetryCount *int
	LastError  *string
}

// IsEmpty reports whether the update would change nothing.
func (u EntryUpdate) IsEmpty() bool {
	return u.Status == nil && u.RetryCount == nil && u.LastError == nil
}

// MarkSent builds the update for a delivered entry.
func MarkSent() EntryUpdate {
	s := StatusSent
	return EntryUpdate{Status: &s}
}

// MarkFailed builds the update for a failed delivery attempt.
func MarkFailed(retryCount int, lastError string) EntryUpdate {
	s := StatusFailed
	return EntryUpdate{Status: &s, RetryCount: &retryCount, LastError: &lastError}
}

// DefaultMaxErrorLength bounds stored error text when no limit is configured.
const DefaultMaxErrorLength = 1000

// TruncateError bounds msg to max runes.
func TruncateError(msg string, max int) string {
	if max <= 0 {
		return msg
	}
	runes := []rune(msg)
	if len(runes) <= max {
		return msg
	}
	return string(runes[:max])
}
