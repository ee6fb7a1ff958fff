package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/apply-orchestrator/internal/domain"
	"github.com/cuongbtq/apply-orchestrator/internal/notify"
	"github.com/cuongbtq/apply-orchestrator/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appliedApp(id, company string) *domain.Application {
	appliedAt := time.Now().Add(-24 * time.Hour)
	return &domain.Application{
		ApplicationID: id,
		Company:       company,
		Status:        domain.StatusApplied,
		AppliedAt:     &appliedAt,
	}
}

func TestOrchestrator_IngestEmail_RejectionIsIdempotent(t *testing.T) {
	env := newTestEnv(t, newBlockingRunner())
	env.seed(t, appliedApp("app-1", "Acme"))

	rejection := &domain.EmailUpdate{
		EmailID:        "msg-1",
		UserID:         testUser,
		ApplicationID:  "app-1",
		Classification: domain.ClassificationRejection,
		Subject:        "Your application to Acme",
		Summary:        "We decided to move forward with other candidates",
	}

	first, err := env.orch.IngestEmail(context.Background(), rejection)
	require.NoError(t, err)
	assert.True(t, first.StatusChanged)
	assert.False(t, first.Duplicate)
	assert.Equal(t, domain.StatusRejected, first.Application.Status)
	assert.Equal(t, []string{first.Update.EmailUpdateID}, first.Application.EmailUpdateIDs)

	second, err := env.orch.IngestEmail(context.Background(), rejection)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.False(t, second.StatusChanged)
	assert.Equal(t, domain.StatusRejected, second.Application.Status)

	// a different rejection email for the same application is recorded but changes nothing
	another := *rejection
	another.EmailID = "msg-2"
	third, err := env.orch.IngestEmail(context.Background(), &another)
	require.NoError(t, err)
	assert.False(t, third.StatusChanged)

	final := env.get(t, "app-1")
	assert.Equal(t, domain.StatusRejected, final.Status)
	assert.Len(t, final.EmailUpdateIDs, 2)

	updates, err := env.store.ListEmailUpdates(context.Background(), testUser)
	require.NoError(t, err)
	assert.Len(t, updates, 2)
}

// failingUpdateStore fails the first n UpdateApplication calls
type failingUpdateStore struct {
	storage.Store
	failures atomic.Int32
}

func (s *failingUpdateStore) UpdateApplication(ctx context.Context, applicationID string, mutate storage.Mutation) (*domain.Application, error) {
	if s.failures.Add(-1) >= 0 {
		return nil, errors.New("connection reset by peer")
	}
	return s.Store.UpdateApplication(ctx, applicationID, mutate)
}

func TestOrchestrator_IngestEmail_RedeliveryCompletesFailedLink(t *testing.T) {
	flaky := &failingUpdateStore{}
	flaky.failures.Store(1)
	env := newTestEnv(t, newBlockingRunner(), func(cfg *Config) {
		flaky.Store = cfg.Store
		cfg.Store = flaky
	})
	env.seed(t, appliedApp("app-1", "Acme"))

	rejection := &domain.EmailUpdate{
		EmailID:        "msg-1",
		UserID:         testUser,
		ApplicationID:  "app-1",
		Classification: domain.ClassificationRejection,
		Subject:        "Your application to Acme",
	}

	_, err := env.orch.IngestEmail(context.Background(), rejection)
	require.Error(t, err)
	assert.Equal(t, domain.StatusApplied, env.get(t, "app-1").Status)

	redelivered, err := env.orch.IngestEmail(context.Background(), rejection)
	require.NoError(t, err)
	assert.True(t, redelivered.Duplicate)
	assert.True(t, redelivered.StatusChanged)

	app := env.get(t, "app-1")
	assert.Equal(t, domain.StatusRejected, app.Status)

	updates, err := env.store.ListEmailUpdates(context.Background(), testUser)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, []string{updates[0].EmailUpdateID}, app.EmailUpdateIDs)
	assert.Equal(t, updates[0].EmailUpdateID, redelivered.Update.EmailUpdateID)
	assert.Equal(t,
		[]notify.EventType{notify.EventEmailUpdate, notify.EventStatusChanged},
		env.notifier.types(),
	)

	again, err := env.orch.IngestEmail(context.Background(), rejection)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.False(t, again.StatusChanged)
	assert.Len(t, env.notifier.types(), 2)
	assert.Equal(t, []string{updates[0].EmailUpdateID}, env.get(t, "app-1").EmailUpdateIDs)
}

func TestOrchestrator_IngestEmail_Transitions(t *testing.T) {
	tests := []struct {
		name           string
		from           domain.Status
		classification domain.Classification
		want           domain.Status
		wantChanged    bool
	}{
		{name: "applied to interview", from: domain.StatusApplied, classification: domain.ClassificationInterviewScheduled,
			want: domain.StatusInterviewScheduled, wantChanged: true},
		{name: "applied to offer", from: domain.StatusApplied, classification: domain.ClassificationOffer,
			want: domain.StatusOfferReceived, wantChanged: true},
		{name: "interview to offer", from: domain.StatusInterviewScheduled, classification: domain.ClassificationOffer,
			want: domain.StatusOfferReceived, wantChanged: true},
		{name: "interview to rejection", from: domain.StatusInterviewScheduled, classification: domain.ClassificationRejection,
			want: domain.StatusRejected, wantChanged: true},
		{name: "assessment leaves status", from: domain.StatusApplied, classification: domain.ClassificationAssessment,
			want: domain.StatusApplied},
		{name: "unknown leaves status", from: domain.StatusApplied, classification: "newsletter",
			want: domain.StatusApplied},
		{name: "rejected is terminal", from: domain.StatusRejected, classification: domain.ClassificationOffer,
			want: domain.StatusRejected},
		{name: "offer is terminal", from: domain.StatusOfferReceived, classification: domain.ClassificationRejection,
			want: domain.StatusOfferReceived},
		{name: "failed is terminal", from: domain.StatusFailed, classification: domain.ClassificationInterviewScheduled,
			want: domain.StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, newBlockingRunner())
			app := appliedApp("app-1", "Acme")
			app.Status = tt.from
			if tt.from == domain.StatusFailed {
				app.AppliedAt = nil
				app.FailureReason = "captcha"
			}
			env.seed(t, app)

			result, err := env.orch.IngestEmail(context.Background(), &domain.EmailUpdate{
				EmailID:        "msg-1",
				UserID:         testUser,
				ApplicationID:  "app-1",
				Classification: tt.classification,
			})
			require.NoError(t, err)

			assert.Equal(t, tt.wantChanged, result.StatusChanged)
			assert.Equal(t, tt.want, env.get(t, "app-1").Status)
			assert.Len(t, env.get(t, "app-1").EmailUpdateIDs, 1)
		})
	}
}

func TestOrchestrator_IngestEmail_OverridesInFlightRun(t *testing.T) {
	runner := newBlockingRunner()
	env := newTestEnv(t, runner)
	app := env.queue(t, "Acme")

	_, err := env.orch.Start(context.Background(), testUser, app.ApplicationID)
	require.NoError(t, err)
	waitForRun(t, runner, app.ApplicationID)

	result, err := env.orch.IngestEmail(context.Background(), &domain.EmailUpdate{
		EmailID:        "msg-1",
		UserID:         testUser,
		ApplicationID:  app.ApplicationID,
		Classification: domain.ClassificationRejection,
	})
	require.NoError(t, err)
	assert.True(t, result.StatusChanged)

	select {
	case <-runner.canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("agent run was not canceled")
	}

	require.Eventually(t, func() bool {
		env.orch.mu.Lock()
		defer env.orch.mu.Unlock()
		return len(env.orch.active) == 0
	}, 2*time.Second, 5*time.Millisecond)

	final := env.get(t, app.ApplicationID)
	assert.Equal(t, domain.StatusRejected, final.Status)
	assert.Empty(t, final.RunID)
}

func TestOrchestrator_IngestEmail_Matching(t *testing.T) {
	env := newTestEnv(t, newBlockingRunner())
	env.seed(t, appliedApp("acme", "Acme"))
	env.seed(t, appliedApp("globex", "Globex"))

	t.Run("matched by company", func(t *testing.T) {
		result, err := env.orch.IngestEmail(context.Background(), &domain.EmailUpdate{
			EmailID:        "msg-1",
			UserID:         testUser,
			Company:        "globex",
			Classification: domain.ClassificationInterviewScheduled,
		})
		require.NoError(t, err)
		require.NotNil(t, result.Application)
		assert.Equal(t, "globex", result.Application.ApplicationID)
		assert.Equal(t, domain.StatusInterviewScheduled, result.Application.Status)
	})

	t.Run("unmatched email is stored unlinked", func(t *testing.T) {
		result, err := env.orch.IngestEmail(context.Background(), &domain.EmailUpdate{
			EmailID:        "msg-2",
			UserID:         testUser,
			Company:        "Initech",
			Subject:        "Newsletter",
			Classification: domain.ClassificationRejection,
		})
		require.NoError(t, err)
		assert.Nil(t, result.Application)
		assert.Empty(t, result.Update.ApplicationID)
		assert.Equal(t, domain.StatusApplied, env.get(t, "acme").Status)
	})

	t.Run("explicit application of another user", func(t *testing.T) {
		_, err := env.orch.IngestEmail(context.Background(), &domain.EmailUpdate{
			EmailID:        "msg-3",
			UserID:         "user-2",
			ApplicationID:  "acme",
			Classification: domain.ClassificationRejection,
		})
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.Equal(t, domain.StatusApplied, env.get(t, "acme").Status)
	})

	t.Run("missing email id", func(t *testing.T) {
		_, err := env.orch.IngestEmail(context.Background(), &domain.EmailUpdate{UserID: testUser})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

func TestOrchestrator_IngestEmail_Notifies(t *testing.T) {
	env := newTestEnv(t, newBlockingRunner())
	env.seed(t, appliedApp("app-1", "Acme"))

	_, err := env.orch.IngestEmail(context.Background(), &domain.EmailUpdate{
		EmailID:        "msg-1",
		UserID:         testUser,
		ApplicationID:  "app-1",
		Classification: domain.ClassificationOffer,
	})
	require.NoError(t, err)

	assert.Equal(t, []notify.EventType{notify.EventEmailUpdate, notify.EventStatusChanged}, env.notifier.types())
}

func TestBestMatch(t *testing.T) {
	apps := []*domain.Application{
		{ApplicationID: "newest-acme", Company: "Acme", JobTitle: "SRE", Status: domain.StatusApplied},
		{ApplicationID: "older-acme", Company: "Acme", JobTitle: "Backend Engineer", Status: domain.StatusApplied},
		{ApplicationID: "globex", Company: "Globex", JobTitle: "Backend Engineer", Status: domain.StatusInterviewScheduled},
		{ApplicationID: "pending-initech", Company: "Initech", Status: domain.StatusPending},
	}

	tests := []struct {
		name   string
		update domain.EmailUpdate
		want   string
	}{
		{name: "company equality", update: domain.EmailUpdate{Company: "GLOBEX"}, want: "globex"},
		{name: "company in subject", update: domain.EmailUpdate{Subject: "Next steps with Globex"}, want: "globex"},
		{name: "company in sender", update: domain.EmailUpdate{Sender: "talent@globex.com"}, want: "globex"},
		{name: "ties go to newest", update: domain.EmailUpdate{Company: "Acme"}, want: "newest-acme"},
		{name: "job title breaks ties", update: domain.EmailUpdate{Company: "Acme", JobTitle: "backend engineer"}, want: "older-acme"},
		{name: "pending applications are skipped", update: domain.EmailUpdate{Company: "Initech"}, want: ""},
		{name: "no match", update: domain.EmailUpdate{Company: "Hooli"}, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, bestMatch(&tt.update, apps))
		})
	}
}
