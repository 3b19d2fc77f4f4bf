package sqlite

import "errors"

// Sentinel errors returned by task storage operations.
var (
	// ErrNotFound is returned when no task exists for the given identifier.
	ErrNotFound = errors.New("task not found")

	// ErrIllegalTransition is returned when an update would move a task
	// backwards in its lifecycle, e.g. out of a terminal state.
	ErrIllegalTransition = errors.New("illegal status transition")
)
