// Package agent fills and submits job application forms on behalf of a user.
//
// A Runner never guesses: when a required field cannot be answered from the user's
// profile or previous answers, the run ends with a NeedsInfo outcome listing the
// questions to ask instead of submitting placeholder data.
package agent

import (
	"context"
	"errors"

	"github.com/cuongbtq/apply-orchestrator/internal/domain"
)

// OutcomeKind tells which way an agent run ended
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota + 1
	OutcomeNeedsInfo
	OutcomeFailure
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeNeedsInfo:
		return "needs_info"
	case OutcomeFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Outcome is the final result of one agent run
type Outcome struct {
	Kind      OutcomeKind
	Questions []domain.Question
	Reason    string
}

// Success reports a submitted application
func Success() Outcome {
	return Outcome{Kind: OutcomeSuccess}
}

// NeedsInfo reports that the run suspended waiting for answers
func NeedsInfo(questions []domain.Question) Outcome {
	return Outcome{Kind: OutcomeNeedsInfo, Questions: questions}
}

// Failure reports an unrecoverable error with a human-readable reason
func Failure(reason string) Outcome {
	return Outcome{Kind: OutcomeFailure, Reason: reason}
}

// RunContext is the working context the agent fills the form from
type RunContext struct {
	Profile map[string]string
	Answers map[string]string
}

// Runner performs one application attempt.
//
// Run returns a non-nil error only when ctx was canceled or timed out; every other
// problem is reported through the Outcome.
type Runner interface {
	Run(ctx context.Context, app *domain.Application, rc RunContext) (Outcome, error)
}

// RunnerFunc adapts a function to the Runner interface
type RunnerFunc func(ctx context.Context, app *domain.Application, rc RunContext) (Outcome, error)

func (f RunnerFunc) Run(ctx context.Context, app *domain.Application, rc RunContext) (Outcome, error) {
	return f(ctx, app, rc)
}

// TransientError wraps network or site errors that are worth another attempt
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient error: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError creates a new transient error
func NewTransientError(err error) error {
	return &TransientError{Err: err}
}

// IsTransient reports whether err should be retried
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}
