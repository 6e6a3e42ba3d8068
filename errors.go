package notifybox

import "errors"

var (
	// ErrInvalidArgument marks client input that is rejected without retry.
	ErrInvalidArgument = errors.New("notifybox: invalid argument")
	// ErrResultNotFound is returned when a result aggregate cannot be resolved.
	ErrResultNotFound = errors.New("notifybox: result not found")
	// ErrEntryNotFound is returned when an outbox entry is missing or the
	// requested status transition is not allowed from its current status.
	ErrEntryNotFound = errors.New("notifybox: outbox entry not found or transition not allowed")
	// ErrTaskNotFound is returned when a task id does not exist.
	ErrTaskNotFound = errors.New("notifybox: task not found")
	// ErrTaskNotClaimed is returned when an outcome is reported for a task
	// that is not in_progress (never claimed, or already completed).
	ErrTaskNotClaimed = errors.New("notifybox: task is not in progress")
)
