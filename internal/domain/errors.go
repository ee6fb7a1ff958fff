package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when an application (or one owned by the caller) does not exist
	ErrNotFound = errors.New("application not found")

	// ErrAlreadyExists is returned when the user already queued the same job
	ErrAlreadyExists = errors.New("application already queued for this job")

	// ErrInvalidState is returned when an operation is not valid for the current status
	ErrInvalidState = errors.New("invalid state for operation")

	// ErrIncompleteAnswers is returned when answers do not cover every pending question
	ErrIncompleteAnswers = errors.New("incomplete answers")

	// ErrLockBusy is returned when another lifecycle operation holds the application.
	// It matches ErrInvalidState as well so callers poll and retry.
	ErrLockBusy error = &lockBusyError{}

	// ErrInvalidInput is returned when caller-supplied data is malformed
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvariantViolation is returned by the store when a mutation would break a record invariant
	ErrInvariantViolation = errors.New("application invariant violated")
)

type lockBusyError struct{}

func (e *lockBusyError) Error() string {
	return "another operation is in flight for this application"
}

func (e *lockBusyError) Is(target error) bool {
	return target == ErrInvalidState
}

// InvalidStateError carries the status that made the operation invalid
type InvalidStateError struct {
	Op     string
	Status Status
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s application in status %s", e.Op, e.Status)
}

func (e *InvalidStateError) Unwrap() error {
	return ErrInvalidState
}

// NewInvalidStateError creates a new InvalidStateError
func NewInvalidStateError(op string, status Status) error {
	return &InvalidStateError{Op: op, Status: status}
}

// IncompleteAnswersError lists the pending fields the caller did not answer
type IncompleteAnswersError struct {
	Missing []string
}

func (e *IncompleteAnswersError) Error() string {
	return "missing answers for fields: " + strings.Join(e.Missing, ", ")
}

func (e *IncompleteAnswersError) Unwrap() error {
	return ErrIncompleteAnswers
}
