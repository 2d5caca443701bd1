package retry

import (
	"errors"
	"strings"

	"github.com/kgatilin/aihive/task"
)

// Category is the outcome of classifying a subscriber error (§4.4,
// "Classification").
type Category int

const (
	// CategoryRetryable errors are scheduled for a delayed retry.
	CategoryRetryable Category = iota
	// CategoryTerminal errors go straight to the dead-letter store.
	CategoryTerminal
)

// Classifier decides whether err should be retried or dead-lettered.
type Classifier func(err error) Category

// retryableNameSubstrings mirrors the original's by-name-match list:
// connection, timeout, server-error, communication, temporary-failure
// categories (§4.4).
var retryableNameSubstrings = []string{
	"connection",
	"timeout",
	"server error",
	"servererror",
	"communication",
	"temporary failure",
	"temporaryfailure",
}

// DefaultClassifier implements §4.4's classification: validation,
// not-found/lookup, invalid-transition/invalid-operation, and
// malformed-input errors are all terminal (§7: "InvalidTransition,
// InvalidOperation, NotFound, Validation" are the terminal categories);
// anything matching a retryable-category name is retryable; unknown
// errors default retryable, exactly as the original does.
func DefaultClassifier(err error) Category {
	if err == nil {
		return CategoryRetryable
	}
	if errors.Is(err, task.ErrValidation) || errors.Is(err, task.ErrNotFound) ||
		errors.Is(err, task.ErrInvalidTransition) || errors.Is(err, task.ErrInvalidOperation) {
		return CategoryTerminal
	}
	if errors.Is(err, task.ErrTransient) {
		return CategoryRetryable
	}

	msg := strings.ToLower(err.Error())
	for _, s := range retryableNameSubstrings {
		if strings.Contains(msg, s) {
			return CategoryRetryable
		}
	}
	// JSON parse / type-format errors are terminal categories per
	// §4.4; these surface as plain Go errors with no sentinel, so the
	// only signal available is the message itself.
	for _, s := range []string{"invalid character", "unexpected end of json", "cannot unmarshal", "json:"} {
		if strings.Contains(msg, s) {
			return CategoryTerminal
		}
	}
	return CategoryRetryable
}
