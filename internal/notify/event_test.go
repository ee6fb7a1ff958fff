package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cuongbtq/apply-orchestrator/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForTransition(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	questions := []domain.Question{{Field: "visa_status", Question: "Do you require visa sponsorship?"}}

	tests := []struct {
		name     string
		app      *domain.Application
		previous domain.Status
		wantType EventType
		check    func(t *testing.T, evt Event)
	}{
		{
			name:     "started",
			app:      &domain.Application{ApplicationID: "a", UserID: "u", Status: domain.StatusInProgress},
			previous: domain.StatusPending,
			wantType: EventStatusChanged,
		},
		{
			name: "needs info carries questions",
			app: &domain.Application{ApplicationID: "a", UserID: "u", Status: domain.StatusNeedsInfo,
				PendingQuestions: questions},
			previous: domain.StatusInProgress,
			wantType: EventNeedsInfo,
			check: func(t *testing.T, evt Event) {
				assert.Equal(t, questions, evt.Questions)
			},
		},
		{
			name:     "applied",
			app:      &domain.Application{ApplicationID: "a", UserID: "u", Status: domain.StatusApplied},
			previous: domain.StatusInProgress,
			wantType: EventApplied,
		},
		{
			name: "failed carries reason",
			app: &domain.Application{ApplicationID: "a", UserID: "u", Status: domain.StatusFailed,
				FailureReason: "site down"},
			previous: domain.StatusInProgress,
			wantType: EventFailed,
			check: func(t *testing.T, evt Event) {
				assert.Equal(t, "site down", evt.Reason)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt := ForTransition(tt.app, tt.previous, now)

			assert.Equal(t, tt.wantType, evt.Type)
			assert.Equal(t, "u", evt.UserID)
			assert.Equal(t, "a", evt.ApplicationID)
			assert.Equal(t, tt.app.Status, evt.Status)
			assert.Equal(t, tt.previous, evt.PreviousStatus)
			assert.Equal(t, now, evt.Timestamp)
			if tt.check != nil {
				tt.check(t, evt)
			}
		})
	}
}

func TestFanout(t *testing.T) {
	var got []string
	record := func(name string) Notifier {
		return NotifierFunc(func(ctx context.Context, evt Event) {
			got = append(got, name+":"+string(evt.Type))
		})
	}

	fanout := Fanout{record("a"), nil, record("b")}
	fanout.Notify(context.Background(), Event{Type: EventApplied})

	assert.Equal(t, []string{"a:applied", "b:applied"}, got)
}

type fakePublisher struct {
	routingKeys []string
	bodies      [][]byte
	err         error
}

func (p *fakePublisher) PublishWithRetry(ctx context.Context, routingKey string, body []byte, contentType string) error {
	p.routingKeys = append(p.routingKeys, routingKey)
	p.bodies = append(p.bodies, body)
	return p.err
}

func TestBrokerNotifier(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("publishes under event routing key", func(t *testing.T) {
		pub := &fakePublisher{}
		n := NewBrokerNotifier(pub, "", logger)

		n.Notify(context.Background(), Event{Type: EventNeedsInfo, UserID: "u", ApplicationID: "a"})

		require.Len(t, pub.routingKeys, 1)
		assert.Equal(t, "application.needs_info", pub.routingKeys[0])
		assert.Contains(t, string(pub.bodies[0]), `"application_id":"a"`)
	})

	t.Run("publish errors are swallowed", func(t *testing.T) {
		pub := &fakePublisher{err: errors.New("broker down")}
		n := NewBrokerNotifier(pub, "events", logger)

		assert.NotPanics(t, func() {
			n.Notify(context.Background(), Event{Type: EventFailed, UserID: "u"})
		})
		assert.Equal(t, []string{"events.failed"}, pub.routingKeys)
	})
}
