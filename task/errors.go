package task

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel category errors per the taxonomy in spec §7. Callers test
// membership with errors.Is; the concrete message is wrapped around one
// of these with fmt.Errorf's %w verb.
var (
	// ErrInvalidTransition is raised when a status edge is not present
	// in the transition graph.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrInvalidOperation is raised on structural misuse, chiefly
	// mutating a task already in a terminal state.
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrNotFound is returned by service lookups where a task was
	// required but absent; the service translates the repositories'
	// store.ErrNotFound into it.
	ErrNotFound = errors.New("not found")
	// ErrValidation is raised on malformed input; terminal in
	// consumers, the retry controller dead-letters it immediately.
	ErrValidation = errors.New("validation error")
	// ErrTransient marks connection/timeout/server-category failures
	// that the retry controller should retry.
	ErrTransient = errors.New("transient error")
	// ErrAgentFailure marks an agent that raised during process(task);
	// the task is held in its current state with an appended comment.
	ErrAgentFailure = errors.New("agent failure")
)

func invalidTransitionError(from, to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

func invalidOperationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidOperation, fmt.Sprintf(format, args...))
}

func validationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
