package agent

import (
	"context"
)

// Field is one visible input of an application form
type Field struct {
	Name     string
	Label    string
	Type     string // text, email, tel, textarea, select, checkbox...
	Required bool
	Question string
	Selector string
}

// StepResult is what happened after the agent pressed the form's primary button
type StepResult int

const (
	// StepSubmitted means the site confirmed the application
	StepSubmitted StepResult = iota + 1
	// StepNext means the form moved on to another page of fields
	StepNext
	// StepStuck means there was neither a submit nor a next control
	StepStuck
	// StepUnconfirmed means submit was pressed but the site showed no confirmation
	StepUnconfirmed
)

// Page is an open application form
type Page interface {
	Fields(ctx context.Context) ([]Field, error)
	Fill(ctx context.Context, field Field, value string) error
	// Advance presses the primary button. An error may come after the click landed,
	// so the caller cannot assume the page is unchanged.
	Advance(ctx context.Context) (StepResult, error)
	Close() error
}

// Browser opens application forms
type Browser interface {
	Open(ctx context.Context, url string) (Page, error)
}
