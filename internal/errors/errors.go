// Package errors provides typed domain errors and secure error handling
// utilities that prevent information disclosure.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a referenced entity (rule, playbook,
	// incident, threat, execution) does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates a malformed request or entity.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidTransition indicates a disallowed state machine transition.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrDisabled indicates the referenced entity exists but is disabled.
	ErrDisabled = errors.New("disabled")
)

// NotFoundf returns an ErrNotFound wrapped with entity context.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// InvalidInputf returns an ErrInvalidInput wrapped with context.
func InvalidInputf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrInvalidInput)...)
}

// InvalidTransitionf returns an ErrInvalidTransition wrapped with context.
func InvalidTransitionf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrInvalidTransition)...)
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInvalidInput reports whether err is or wraps ErrInvalidInput.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsInvalidTransition reports whether err is or wraps ErrInvalidTransition.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}
