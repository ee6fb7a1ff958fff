package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/apply-orchestrator/internal/agent"
	"github.com/cuongbtq/apply-orchestrator/internal/domain"
	"github.com/cuongbtq/apply-orchestrator/internal/notify"
	"github.com/cuongbtq/apply-orchestrator/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testUser = "user-1"

// blockingRunner parks every run until the test releases an outcome or the run is canceled
type blockingRunner struct {
	started  chan string
	release  chan agent.Outcome
	canceled chan string
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		started:  make(chan string, 64),
		release:  make(chan agent.Outcome, 64),
		canceled: make(chan string, 64),
	}
}

func (r *blockingRunner) Run(ctx context.Context, app *domain.Application, rc agent.RunContext) (agent.Outcome, error) {
	r.started <- app.ApplicationID
	select {
	case out := <-r.release:
		return out, nil
	case <-ctx.Done():
		r.canceled <- app.ApplicationID
		return agent.Outcome{}, ctx.Err()
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(ctx context.Context, evt notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
}

func (n *recordingNotifier) types() []notify.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.EventType, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Type)
	}
	return out
}

type testEnv struct {
	orch     *Orchestrator
	store    *storage.MemoryStore
	notifier *recordingNotifier
}

func newTestEnv(t *testing.T, runner agent.Runner, opts ...func(*Config)) *testEnv {
	t.Helper()

	store := storage.NewMemoryStore()
	notifier := &recordingNotifier{}
	cfg := &Config{
		Store:       store,
		Runner:      runner,
		Notifier:    notifier,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Concurrency: 4,
		QueueSize:   16,
		RunTimeout:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	orch := New(cfg)
	orch.StartWorkers()
	t.Cleanup(orch.Stop)

	return &testEnv{orch: orch, store: store, notifier: notifier}
}

func (e *testEnv) queue(t *testing.T, company string) *domain.Application {
	t.Helper()

	score := 82
	app, err := e.orch.Queue(context.Background(), testUser, domain.NewJob{
		JobTitle:       "Backend Engineer",
		Company:        company,
		ApplicationURL: "https://jobs.example.com/" + company,
		MatchScore:     &score,
	})
	require.NoError(t, err)
	return app
}

func (e *testEnv) seed(t *testing.T, app *domain.Application) {
	t.Helper()

	if app.UserID == "" {
		app.UserID = testUser
	}
	if app.JobTitle == "" {
		app.JobTitle = "Backend Engineer"
	}
	if app.Company == "" {
		app.Company = "Acme"
	}
	if app.ApplicationURL == "" {
		app.ApplicationURL = "https://jobs.example.com/" + app.ApplicationID
	}
	require.NoError(t, e.store.CreateApplication(context.Background(), app))
}

func (e *testEnv) get(t *testing.T, id string) *domain.Application {
	t.Helper()

	app, err := e.store.GetApplication(context.Background(), id)
	require.NoError(t, err)
	return app
}

func (e *testEnv) waitForStatus(t *testing.T, id string, status domain.Status) *domain.Application {
	t.Helper()

	var app *domain.Application
	require.Eventually(t, func() bool {
		app = e.get(t, id)
		return app.Status == status
	}, 2*time.Second, 5*time.Millisecond, "application never reached %s", status)
	return app
}

// retryBusy repeats fn while the application lock is held by an agent completion
func retryBusy(t *testing.T, fn func() error) error {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for {
		err := fn()
		if !errors.Is(err, domain.ErrLockBusy) || time.Now().After(deadline) {
			return err
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitForRun(t *testing.T, runner *blockingRunner, id string) {
	t.Helper()

	select {
	case got := <-runner.started:
		require.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("agent run for %s never started", id)
	}
}

func TestOrchestrator_Queue(t *testing.T) {
	env := newTestEnv(t, newBlockingRunner())

	tests := []struct {
		name    string
		userID  string
		job     domain.NewJob
		wantErr error
	}{
		{
			name:   "valid job",
			userID: testUser,
			job:    domain.NewJob{JobTitle: "SRE", Company: "Globex", ApplicationURL: "https://globex.example/apply"},
		},
		{
			name:    "duplicate url for same user",
			userID:  testUser,
			job:     domain.NewJob{JobTitle: "SRE", Company: "Globex", ApplicationURL: "https://globex.example/apply"},
			wantErr: domain.ErrAlreadyExists,
		},
		{
			name:   "same url for another user",
			userID: "user-2",
			job:    domain.NewJob{JobTitle: "SRE", Company: "Globex", ApplicationURL: "https://globex.example/apply"},
		},
		{
			name:    "missing url",
			userID:  testUser,
			job:     domain.NewJob{JobTitle: "SRE", Company: "Globex"},
			wantErr: domain.ErrInvalidInput,
		},
		{
			name:    "score out of range",
			userID:  testUser,
			job:     domain.NewJob{JobTitle: "SRE", Company: "Initech", ApplicationURL: "https://initech.example", MatchScore: intPtr(101)},
			wantErr: domain.ErrInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, err := env.orch.Queue(context.Background(), tt.userID, tt.job)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, domain.StatusPending, app.Status)
			assert.NotEmpty(t, app.ApplicationID)
			assert.Empty(t, app.PendingQuestions)
		})
	}
}

func TestOrchestrator_Start_NonPendingFails(t *testing.T) {
	appliedAt := time.Now().Add(-time.Hour)

	tests := []struct {
		name string
		app  *domain.Application
	}{
		{name: "in_progress", app: &domain.Application{Status: domain.StatusInProgress, RunID: "other-run"}},
		{name: "needs_info", app: &domain.Application{Status: domain.StatusNeedsInfo,
			PendingQuestions: []domain.Question{{Field: "visa_status", Question: "Visa?"}}}},
		{name: "applied", app: &domain.Application{Status: domain.StatusApplied, AppliedAt: &appliedAt}},
		{name: "rejected", app: &domain.Application{Status: domain.StatusRejected}},
		{name: "interview_scheduled", app: &domain.Application{Status: domain.StatusInterviewScheduled}},
		{name: "offer_received", app: &domain.Application{Status: domain.StatusOfferReceived}},
		{name: "failed", app: &domain.Application{Status: domain.StatusFailed, FailureReason: "boom"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := newBlockingRunner()
			env := newTestEnv(t, runner)
			tt.app.ApplicationID = "app-" + tt.name
			env.seed(t, tt.app)

			_, err := env.orch.Start(context.Background(), testUser, tt.app.ApplicationID)

			require.ErrorIs(t, err, domain.ErrInvalidState)
			var stateErr *domain.InvalidStateError
			require.ErrorAs(t, err, &stateErr)
			assert.Equal(t, tt.app.Status, stateErr.Status)

			assert.Equal(t, tt.app.Status, env.get(t, tt.app.ApplicationID).Status)
			assert.Empty(t, runner.started)
		})
	}
}

func TestOrchestrator_Start_Ownership(t *testing.T) {
	env := newTestEnv(t, newBlockingRunner())
	app := env.queue(t, "Acme")

	_, err := env.orch.Start(context.Background(), "intruder", app.ApplicationID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = env.orch.Start(context.Background(), testUser, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.Equal(t, domain.StatusPending, env.get(t, app.ApplicationID).Status)
}

func TestOrchestrator_Start_ConcurrentCallsTransitionOnce(t *testing.T) {
	runner := newBlockingRunner()
	env := newTestEnv(t, runner, func(c *Config) { c.QueueSize = 256 })

	for i := 0; i < 20; i++ {
		app := env.queue(t, "Acme"+string(rune('A'+i)))

		var wg sync.WaitGroup
		gate := make(chan struct{})
		errs := make([]error, 2)
		for j := range errs {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				<-gate
				_, errs[j] = env.orch.Start(context.Background(), testUser, app.ApplicationID)
			}(j)
		}
		close(gate)
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			assert.ErrorIs(t, err, domain.ErrInvalidState)
		}
		assert.Equal(t, 1, succeeded, "exactly one start must win")
		assert.Equal(t, domain.StatusInProgress, env.get(t, app.ApplicationID).Status)
	}
}

func TestOrchestrator_VisaStatusScenario(t *testing.T) {
	visa := domain.Question{Field: "visa_status", Question: "Do you require visa sponsorship?"}

	var mu sync.Mutex
	var seenAnswers []map[string]string
	runner := agent.RunnerFunc(func(ctx context.Context, app *domain.Application, rc agent.RunContext) (agent.Outcome, error) {
		mu.Lock()
		seenAnswers = append(seenAnswers, rc.Answers)
		mu.Unlock()

		if rc.Answers["visa_status"] == "" {
			return agent.NeedsInfo([]domain.Question{visa}), nil
		}
		return agent.Success(), nil
	})
	env := newTestEnv(t, runner)
	app := env.queue(t, "Acme")

	started, err := env.orch.Start(context.Background(), testUser, app.ApplicationID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, started.Status)

	suspended := env.waitForStatus(t, app.ApplicationID, domain.StatusNeedsInfo)
	assert.Equal(t, []domain.Question{visa}, suspended.PendingQuestions)

	err = retryBusy(t, func() error {
		_, err := env.orch.Answer(context.Background(), testUser, app.ApplicationID, map[string]string{})
		return err
	})
	require.ErrorIs(t, err, domain.ErrIncompleteAnswers)
	var incomplete *domain.IncompleteAnswersError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, []string{"visa_status"}, incomplete.Missing)

	unchanged := env.get(t, app.ApplicationID)
	assert.Equal(t, domain.StatusNeedsInfo, unchanged.Status)
	assert.Equal(t, []domain.Question{visa}, unchanged.PendingQuestions)

	var resumed *domain.Application
	err = retryBusy(t, func() error {
		var err error
		resumed, err = env.orch.Answer(context.Background(), testUser, app.ApplicationID, map[string]string{"visa_status": "No"})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, resumed.Status)
	assert.Empty(t, resumed.PendingQuestions)

	applied := env.waitForStatus(t, app.ApplicationID, domain.StatusApplied)
	assert.Equal(t, "No", applied.Answers["visa_status"])
	assert.Empty(t, applied.RunID)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seenAnswers, 2)
	assert.Equal(t, "No", seenAnswers[1]["visa_status"])

	assert.Equal(t, []notify.EventType{
		notify.EventStatusChanged,
		notify.EventStatusChanged,
		notify.EventNeedsInfo,
		notify.EventStatusChanged,
		notify.EventApplied,
	}, env.notifier.types())
}

func TestOrchestrator_Answer_BlankValueIsMissing(t *testing.T) {
	env := newTestEnv(t, newBlockingRunner())
	env.seed(t, &domain.Application{
		ApplicationID: "app-1",
		Status:        domain.StatusNeedsInfo,
		PendingQuestions: []domain.Question{
			{Field: "visa_status", Question: "Visa?"},
			{Field: "salary", Question: "Salary?"},
		},
	})

	_, err := env.orch.Answer(context.Background(), testUser, "app-1", map[string]string{"visa_status": "No", "salary": "  "})

	var incomplete *domain.IncompleteAnswersError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, []string{"salary"}, incomplete.Missing)
	assert.Equal(t, domain.StatusNeedsInfo, env.get(t, "app-1").Status)
}

func TestOrchestrator_Answer_WrongStatus(t *testing.T) {
	env := newTestEnv(t, newBlockingRunner())
	app := env.queue(t, "Acme")

	_, err := env.orch.Answer(context.Background(), testUser, app.ApplicationID, map[string]string{"x": "y"})

	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Equal(t, domain.StatusPending, env.get(t, app.ApplicationID).Status)
}

func TestOrchestrator_Success_SetsAppliedAt(t *testing.T) {
	env := newTestEnv(t, agent.RunnerFunc(func(ctx context.Context, app *domain.Application, rc agent.RunContext) (agent.Outcome, error) {
		return agent.Success(), nil
	}))
	app := env.queue(t, "Acme")

	startedAt := time.Now()
	_, err := env.orch.Start(context.Background(), testUser, app.ApplicationID)
	require.NoError(t, err)

	applied := env.waitForStatus(t, app.ApplicationID, domain.StatusApplied)
	require.NotNil(t, applied.AppliedAt)
	assert.False(t, applied.AppliedAt.Before(startedAt))
	assert.Empty(t, applied.PendingQuestions)
}

func TestOrchestrator_Failure(t *testing.T) {
	tests := []struct {
		name       string
		runner     agent.Runner
		timeout    time.Duration
		wantReason string
	}{
		{
			name: "fatal failure",
			runner: agent.RunnerFunc(func(ctx context.Context, app *domain.Application, rc agent.RunContext) (agent.Outcome, error) {
				return agent.Failure("site returned 500"), nil
			}),
			wantReason: "site returned 500",
		},
		{
			name: "needs info without questions",
			runner: agent.RunnerFunc(func(ctx context.Context, app *domain.Application, rc agent.RunContext) (agent.Outcome, error) {
				return agent.NeedsInfo(nil), nil
			}),
			wantReason: "agent asked for information without any question",
		},
		{
			name: "run timeout",
			runner: agent.RunnerFunc(func(ctx context.Context, app *domain.Application, rc agent.RunContext) (agent.Outcome, error) {
				<-ctx.Done()
				return agent.Outcome{}, ctx.Err()
			}),
			timeout:    20 * time.Millisecond,
			wantReason: "agent run timed out after 20ms",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.runner, func(c *Config) {
				if tt.timeout > 0 {
					c.RunTimeout = tt.timeout
				}
			})
			app := env.queue(t, "Acme")

			_, err := env.orch.Start(context.Background(), testUser, app.ApplicationID)
			require.NoError(t, err)

			failed := env.waitForStatus(t, app.ApplicationID, domain.StatusFailed)
			assert.Equal(t, tt.wantReason, failed.FailureReason)
			assert.Empty(t, failed.PendingQuestions)

			_, err = env.orch.Start(context.Background(), testUser, app.ApplicationID)
			assert.ErrorIs(t, err, domain.ErrInvalidState)
		})
	}
}

func TestOrchestrator_Cancel_RevertsToPending(t *testing.T) {
	runner := newBlockingRunner()
	env := newTestEnv(t, runner)
	app := env.queue(t, "Acme")

	_, err := env.orch.Start(context.Background(), testUser, app.ApplicationID)
	require.NoError(t, err)
	waitForRun(t, runner, app.ApplicationID)

	canceled, err := env.orch.Cancel(context.Background(), testUser, app.ApplicationID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, canceled.Status)
	assert.Empty(t, canceled.PendingQuestions)
	assert.Empty(t, canceled.RunID)

	select {
	case id := <-runner.canceled:
		assert.Equal(t, app.ApplicationID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("agent run did not observe cancellation")
	}

	require.Eventually(t, func() bool {
		env.orch.mu.Lock()
		defer env.orch.mu.Unlock()
		return len(env.orch.active) == 0
	}, 2*time.Second, 5*time.Millisecond)

	final := env.get(t, app.ApplicationID)
	assert.Equal(t, domain.StatusPending, final.Status)
	assert.Empty(t, final.PendingQuestions)

	// the application can be started again
	err = retryBusy(t, func() error {
		_, err := env.orch.Start(context.Background(), testUser, app.ApplicationID)
		return err
	})
	require.NoError(t, err)
	waitForRun(t, runner, app.ApplicationID)
}

func TestOrchestrator_Cancel_NotInProgress(t *testing.T) {
	env := newTestEnv(t, newBlockingRunner())
	app := env.queue(t, "Acme")

	_, err := env.orch.Cancel(context.Background(), testUser, app.ApplicationID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestOrchestrator_RevokeSession(t *testing.T) {
	runner := newBlockingRunner()
	env := newTestEnv(t, runner)

	first := env.queue(t, "Acme")
	second := env.queue(t, "Globex")
	for _, app := range []*domain.Application{first, second} {
		_, err := env.orch.Start(context.Background(), testUser, app.ApplicationID)
		require.NoError(t, err)
	}

	reverted, err := env.orch.RevokeSession(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, 2, reverted)

	for _, app := range []*domain.Application{first, second} {
		got := env.get(t, app.ApplicationID)
		assert.Equal(t, domain.StatusPending, got.Status)
		assert.Empty(t, got.PendingQuestions)
	}

	reverted, err = env.orch.RevokeSession(context.Background(), "user-2")
	require.NoError(t, err)
	assert.Zero(t, reverted)
}

func TestOrchestrator_QueueFull(t *testing.T) {
	runner := newBlockingRunner()
	store := storage.NewMemoryStore()
	orch := New(&Config{
		Store:     store,
		Runner:    runner,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		QueueSize: 1,
	})
	t.Cleanup(orch.Stop)
	env := &testEnv{orch: orch, store: store}

	first := env.queue(t, "Acme")
	second := env.queue(t, "Globex")

	_, err := orch.Start(context.Background(), testUser, first.ApplicationID)
	require.NoError(t, err)

	_, err = orch.Start(context.Background(), testUser, second.ApplicationID)
	require.ErrorIs(t, err, ErrQueueFull)

	got := env.get(t, second.ApplicationID)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Empty(t, got.RunID)
}

func TestOrchestrator_Stop_RevertsQueuedRuns(t *testing.T) {
	store := storage.NewMemoryStore()
	orch := New(&Config{
		Store:  store,
		Runner: newBlockingRunner(),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	env := &testEnv{orch: orch, store: store}
	app := env.queue(t, "Acme")

	_, err := orch.Start(context.Background(), testUser, app.ApplicationID)
	require.NoError(t, err)

	orch.Stop()

	assert.Equal(t, domain.StatusPending, env.get(t, app.ApplicationID).Status)

	_, err = orch.Start(context.Background(), testUser, app.ApplicationID)
	assert.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, domain.StatusPending, env.get(t, app.ApplicationID).Status)
}

func TestOrchestrator_RecoverStale(t *testing.T) {
	runner := newBlockingRunner()
	env := newTestEnv(t, runner)
	env.seed(t, &domain.Application{ApplicationID: "stale", Status: domain.StatusInProgress, RunID: "dead-run"})

	live := env.queue(t, "Globex")
	_, err := env.orch.Start(context.Background(), testUser, live.ApplicationID)
	require.NoError(t, err)

	recovered, err := env.orch.RecoverStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	assert.Equal(t, domain.StatusPending, env.get(t, "stale").Status)
	assert.Equal(t, domain.StatusInProgress, env.get(t, live.ApplicationID).Status)
}

func TestOrchestrator_LockContentionIsInvalidState(t *testing.T) {
	env := newTestEnv(t, newBlockingRunner())
	app := env.queue(t, "Acme")

	unlock, ok := env.orch.locks.TryLock(app.ApplicationID)
	require.True(t, ok)
	defer unlock()

	_, err := env.orch.Start(context.Background(), testUser, app.ApplicationID)
	assert.True(t, errors.Is(err, domain.ErrLockBusy))
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Equal(t, domain.StatusPending, env.get(t, app.ApplicationID).Status)
}

func TestOrchestrator_QuestionsInvariantHoldsThroughLifecycle(t *testing.T) {
	var calls int
	var mu sync.Mutex
	runner := agent.RunnerFunc(func(ctx context.Context, app *domain.Application, rc agent.RunContext) (agent.Outcome, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()

		if n == 1 {
			return agent.NeedsInfo([]domain.Question{
				{Field: "salary", Question: "Expected salary?"},
				{Field: "salary", Question: "Expected salary?"},
				{Field: "start_date", Question: "Earliest start date?"},
			}), nil
		}
		return agent.Failure("captcha"), nil
	})
	env := newTestEnv(t, runner)
	app := env.queue(t, "Acme")

	check := func(a *domain.Application) {
		assert.Equal(t, a.Status == domain.StatusNeedsInfo, len(a.PendingQuestions) > 0,
			"status %s with %d questions", a.Status, len(a.PendingQuestions))
	}

	check(env.get(t, app.ApplicationID))
	_, err := env.orch.Start(context.Background(), testUser, app.ApplicationID)
	require.NoError(t, err)

	suspended := env.waitForStatus(t, app.ApplicationID, domain.StatusNeedsInfo)
	check(suspended)
	assert.Equal(t, []string{"salary", "start_date"}, suspended.PendingFields())

	var resumed *domain.Application
	err = retryBusy(t, func() error {
		var err error
		resumed, err = env.orch.Answer(context.Background(), testUser, app.ApplicationID,
			map[string]string{"salary": "100k", "start_date": "June"})
		return err
	})
	require.NoError(t, err)
	check(resumed)

	check(env.waitForStatus(t, app.ApplicationID, domain.StatusFailed))
}

func intPtr(v int) *int {
	return &v
}
