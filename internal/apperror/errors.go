// Package apperror provides typed errors shared across the bot. They carry
// a machine-readable kind and an operator-safe message, and wrap the
// underlying cause for errors.Is/As.
package apperror

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind string

const (
	// KindValidation means the input was rejected before any state changed.
	KindValidation Kind = "validation"
	// KindNotFound means the referenced row does not exist.
	KindNotFound Kind = "not_found"
	// KindIncomplete means an operation stopped halfway and left state the
	// operator has to inspect (e.g. a credential wipe that could not finish).
	KindIncomplete Kind = "incomplete"
)

// Error is the base error type for domain errors.
type Error struct {
	Kind    Kind
	Message string

	// Internal holds the underlying error for logging.
	Internal error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Internal != nil {
		return fmt.Sprintf("%s: %s (internal: %v)", e.Kind, e.Message, e.Internal)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Internal
}

// NewValidation creates a validation error.
func NewValidation(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

// NewNotFound creates a not-found error.
func NewNotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

// NewIncomplete creates an incomplete-operation error wrapping its cause.
func NewIncomplete(message string, internal error) *Error {
	return &Error{Kind: KindIncomplete, Message: message, Internal: internal}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}
