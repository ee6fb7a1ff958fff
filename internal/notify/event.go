// Package notify pushes application lifecycle events to interested parties.
package notify

import (
	"context"
	"time"

	"github.com/cuongbtq/apply-orchestrator/internal/domain"
)

// EventType names a lifecycle event
type EventType string

const (
	EventStatusChanged EventType = "status_changed"
	EventNeedsInfo     EventType = "needs_info"
	EventApplied       EventType = "applied"
	EventFailed        EventType = "failed"
	EventEmailUpdate   EventType = "email_update"
)

// Event describes one committed change to a user's applications
type Event struct {
	Type           EventType         `json:"type"`
	UserID         string            `json:"user_id"`
	ApplicationID  string            `json:"application_id,omitempty"`
	JobTitle       string            `json:"job_title,omitempty"`
	Company        string            `json:"company,omitempty"`
	Status         domain.Status     `json:"status,omitempty"`
	PreviousStatus domain.Status     `json:"previous_status,omitempty"`
	Questions      []domain.Question `json:"questions,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	Classification string            `json:"classification,omitempty"`
	EmailUpdateID  string            `json:"email_update_id,omitempty"`
	Message        string            `json:"message,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
}

// Notifier delivers events. Implementations must not block the caller for long and
// must not fail the operation that produced the event.
type Notifier interface {
	Notify(ctx context.Context, evt Event)
}

// NotifierFunc adapts a function to the Notifier interface
type NotifierFunc func(ctx context.Context, evt Event)

func (f NotifierFunc) Notify(ctx context.Context, evt Event) {
	f(ctx, evt)
}

// Fanout delivers every event to each notifier in order
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, evt Event) {
	for _, n := range f {
		if n != nil {
			n.Notify(ctx, evt)
		}
	}
}

// Nop discards events
type Nop struct{}

func (Nop) Notify(ctx context.Context, evt Event) {}

// ForTransition builds the event for an application whose status just changed
func ForTransition(app *domain.Application, previous domain.Status, now time.Time) Event {
	evt := Event{
		Type:           EventStatusChanged,
		UserID:         app.UserID,
		ApplicationID:  app.ApplicationID,
		JobTitle:       app.JobTitle,
		Company:        app.Company,
		Status:         app.Status,
		PreviousStatus: previous,
		Timestamp:      now.UTC(),
	}

	switch app.Status {
	case domain.StatusNeedsInfo:
		evt.Type = EventNeedsInfo
		evt.Questions = app.PendingQuestions
		evt.Message = "The agent needs more information to continue"
	case domain.StatusApplied:
		evt.Type = EventApplied
		evt.Message = "Application submitted"
	case domain.StatusFailed:
		evt.Type = EventFailed
		evt.Reason = app.FailureReason
	}
	return evt
}
