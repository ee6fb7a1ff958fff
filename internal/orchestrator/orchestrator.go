// Package orchestrator owns every application status transition. It serializes
// lifecycle operations per application and runs the agent in a bounded worker pool.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cuongbtq/apply-orchestrator/internal/agent"
	"github.com/cuongbtq/apply-orchestrator/internal/domain"
	"github.com/cuongbtq/apply-orchestrator/internal/notify"
	"github.com/cuongbtq/apply-orchestrator/internal/storage"
	"github.com/google/uuid"
)

var (
	// ErrQueueFull is returned when no agent worker can accept another run
	ErrQueueFull = errors.New("agent queue is full")

	// ErrStopped is returned when the orchestrator is shutting down
	ErrStopped = errors.New("orchestrator is stopped")
)

// completionTimeout bounds how long a finished run waits to record its outcome
const completionTimeout = 30 * time.Second

// Config holds orchestrator configuration
type Config struct {
	Store       storage.Store
	Runner      agent.Runner
	Notifier    notify.Notifier
	Logger      *slog.Logger
	Concurrency int
	QueueSize   int
	RunTimeout  time.Duration
}

// Orchestrator drives applications through their lifecycle
type Orchestrator struct {
	store       storage.Store
	runner      agent.Runner
	notifier    notify.Notifier
	logger      *slog.Logger
	locks       *keyedLock
	concurrency int
	runTimeout  time.Duration

	tasks      chan *runTask
	baseCtx    context.Context
	baseCancel context.CancelFunc
	stopChan   chan struct{}
	wg         sync.WaitGroup

	mu      sync.Mutex
	active  map[string]*runTask
	started bool
	stopped bool

	now   func() time.Time
	newID func() string
}

// New creates a new Orchestrator. Call StartWorkers before starting applications.
func New(cfg *Config) *Orchestrator {
	o := &Orchestrator{
		store:       cfg.Store,
		runner:      cfg.Runner,
		notifier:    cfg.Notifier,
		logger:      cfg.Logger,
		locks:       newKeyedLock(),
		concurrency: cfg.Concurrency,
		runTimeout:  cfg.RunTimeout,
		stopChan:    make(chan struct{}),
		active:      make(map[string]*runTask),
		now:         time.Now,
		newID:       uuid.NewString,
	}

	if o.concurrency <= 0 {
		o.concurrency = 4 // default
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256 // default
	}
	if o.runTimeout <= 0 {
		o.runTimeout = 5 * time.Minute // default
	}
	if o.notifier == nil {
		o.notifier = notify.Nop{}
	}

	o.tasks = make(chan *runTask, queueSize)
	o.baseCtx, o.baseCancel = context.WithCancel(context.Background())
	return o
}

// Queue records a discovered job as a pending application for userID
func (o *Orchestrator) Queue(ctx context.Context, userID string, job domain.NewJob) (*domain.Application, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user_id is required", domain.ErrInvalidInput)
	}
	if strings.TrimSpace(job.JobTitle) == "" || strings.TrimSpace(job.Company) == "" {
		return nil, fmt.Errorf("%w: job_title and company are required", domain.ErrInvalidInput)
	}
	if strings.TrimSpace(job.ApplicationURL) == "" {
		return nil, fmt.Errorf("%w: application_url is required", domain.ErrInvalidInput)
	}
	if job.MatchScore != nil && (*job.MatchScore < 0 || *job.MatchScore > 100) {
		return nil, fmt.Errorf("%w: match_score must be between 0 and 100", domain.ErrInvalidInput)
	}

	app := &domain.Application{
		ApplicationID:       o.newID(),
		UserID:              userID,
		JobTitle:            job.JobTitle,
		Company:             job.Company,
		ApplicationURL:      job.ApplicationURL,
		Status:              domain.StatusPending,
		MatchScore:          job.MatchScore,
		ApplyRecommendation: job.ApplyRecommendation,
		MatchReasons:        job.MatchReasons,
		CreatedAt:           o.now(),
	}

	if err := o.store.CreateApplication(ctx, app); err != nil {
		return nil, fmt.Errorf("failed to queue application: %w", err)
	}

	o.logger.Info("Application queued",
		slog.String("application_id", app.ApplicationID),
		slog.String("user_id", userID),
		slog.String("company", app.Company),
	)
	o.notifier.Notify(ctx, notify.ForTransition(app, "", o.now()))
	return app, nil
}

// GetApplication returns the application if userID owns it
func (o *Orchestrator) GetApplication(ctx context.Context, userID, applicationID string) (*domain.Application, error) {
	app, err := o.store.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if app.UserID != userID {
		return nil, domain.ErrNotFound
	}
	return app, nil
}

// Start moves a pending application to in_progress and dispatches an agent run.
// It returns once in_progress is recorded; the run itself is asynchronous.
func (o *Orchestrator) Start(ctx context.Context, userID, applicationID string) (*domain.Application, error) {
	unlock, ok := o.locks.TryLock(applicationID)
	if !ok {
		return nil, domain.ErrLockBusy
	}

	runID := o.newID()
	var before *domain.Application
	app, err := o.store.UpdateApplication(ctx, applicationID, func(a *domain.Application) error {
		if a.UserID != userID {
			return domain.ErrNotFound
		}
		if a.Status != domain.StatusPending {
			return domain.NewInvalidStateError("start", a.Status)
		}
		before = a.Clone()
		a.Status = domain.StatusInProgress
		a.RunID = runID
		a.FailureReason = ""
		return nil
	})
	if err != nil {
		unlock()
		return nil, err
	}

	if err := o.dispatch(app); err != nil {
		o.undoDispatch(ctx, before, runID)
		unlock()
		return nil, err
	}
	o.notifier.Notify(ctx, notify.ForTransition(app, before.Status, o.now()))
	unlock()

	o.logger.Info("Application started",
		slog.String("application_id", applicationID),
		slog.String("run_id", runID),
	)
	return app, nil
}

// Answer merges the user's answers, clears the pending questions and resumes the agent
func (o *Orchestrator) Answer(ctx context.Context, userID, applicationID string, answers map[string]string) (*domain.Application, error) {
	unlock, ok := o.locks.TryLock(applicationID)
	if !ok {
		return nil, domain.ErrLockBusy
	}

	runID := o.newID()
	var before *domain.Application
	app, err := o.store.UpdateApplication(ctx, applicationID, func(a *domain.Application) error {
		if a.UserID != userID {
			return domain.ErrNotFound
		}
		if a.Status != domain.StatusNeedsInfo {
			return domain.NewInvalidStateError("answer", a.Status)
		}

		var missing []string
		for _, field := range a.PendingFields() {
			if strings.TrimSpace(answers[field]) == "" {
				missing = append(missing, field)
			}
		}
		if len(missing) > 0 {
			return &domain.IncompleteAnswersError{Missing: missing}
		}

		before = a.Clone()
		if a.Answers == nil {
			a.Answers = make(map[string]string, len(answers))
		}
		for k, v := range answers {
			a.Answers[k] = v
		}
		a.PendingQuestions = nil
		a.Status = domain.StatusInProgress
		a.RunID = runID
		return nil
	})
	if err != nil {
		unlock()
		return nil, err
	}

	if err := o.dispatch(app); err != nil {
		o.undoDispatch(ctx, before, runID)
		unlock()
		return nil, err
	}
	o.notifier.Notify(ctx, notify.ForTransition(app, before.Status, o.now()))
	unlock()

	o.logger.Info("Application resumed with answers",
		slog.String("application_id", applicationID),
		slog.String("run_id", runID),
		slog.Int("answers", len(answers)),
	)
	return app, nil
}

// Cancel aborts the in-flight run of an application and returns it to pending
func (o *Orchestrator) Cancel(ctx context.Context, userID, applicationID string) (*domain.Application, error) {
	unlock, ok := o.locks.TryLock(applicationID)
	if !ok {
		return nil, domain.ErrLockBusy
	}

	var runID string
	app, err := o.store.UpdateApplication(ctx, applicationID, func(a *domain.Application) error {
		if a.UserID != userID {
			return domain.ErrNotFound
		}
		if a.Status != domain.StatusInProgress {
			return domain.NewInvalidStateError("cancel", a.Status)
		}
		runID = a.RunID
		revertToPending(a)
		return nil
	})
	if err != nil {
		unlock()
		return nil, err
	}
	o.cancelTask(applicationID, runID)
	o.notifier.Notify(ctx, notify.ForTransition(app, domain.StatusInProgress, o.now()))
	unlock()

	o.logger.Info("Application run canceled",
		slog.String("application_id", applicationID),
		slog.String("run_id", runID),
	)
	return app, nil
}

// RevokeSession cancels every in-flight run of userID and returns how many were reverted
func (o *Orchestrator) RevokeSession(ctx context.Context, userID string) (int, error) {
	o.mu.Lock()
	var tasks []*runTask
	for _, task := range o.active {
		if task.userID == userID {
			tasks = append(tasks, task)
		}
	}
	o.mu.Unlock()

	reverted := 0
	for _, task := range tasks {
		task.cancel()

		ok, err := o.revertRun(ctx, task.applicationID, task.runID)
		if err != nil {
			return reverted, fmt.Errorf("failed to revert application %s: %w", task.applicationID, err)
		}
		if ok {
			reverted++
		}
	}

	o.logger.Info("Session revoked",
		slog.String("user_id", userID),
		slog.Int("runs_canceled", reverted),
	)
	return reverted, nil
}

// RecoverStale returns in_progress applications that have no live run to pending.
// Such records are left behind when the process stops without a graceful shutdown.
func (o *Orchestrator) RecoverStale(ctx context.Context) (int, error) {
	apps, err := o.store.ListApplicationsByStatus(ctx, domain.StatusInProgress)
	if err != nil {
		return 0, fmt.Errorf("failed to list in-progress applications: %w", err)
	}

	recovered := 0
	for _, app := range apps {
		o.mu.Lock()
		task, live := o.active[app.ApplicationID]
		o.mu.Unlock()
		if live && task.runID == app.RunID {
			continue
		}

		ok, err := o.revertRun(ctx, app.ApplicationID, app.RunID)
		if err != nil {
			return recovered, fmt.Errorf("failed to recover application %s: %w", app.ApplicationID, err)
		}
		if ok {
			recovered++
		}
	}

	if recovered > 0 {
		o.logger.Warn("Recovered stale in-progress applications", slog.Int("count", recovered))
	}
	return recovered, nil
}

// revertRun returns the application to pending if runID still owns it
func (o *Orchestrator) revertRun(ctx context.Context, applicationID, runID string) (bool, error) {
	unlock, err := o.locks.Lock(ctx, applicationID)
	if err != nil {
		return false, err
	}

	defer unlock()

	reverted := false
	app, err := o.store.UpdateApplication(ctx, applicationID, func(a *domain.Application) error {
		if a.Status != domain.StatusInProgress || a.RunID != runID {
			return storage.ErrNoChange
		}
		revertToPending(a)
		reverted = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if reverted {
		o.notifier.Notify(ctx, notify.ForTransition(app, domain.StatusInProgress, o.now()))
	}
	return reverted, nil
}

// undoDispatch restores the record when the run could not be queued. The caller holds the lock.
func (o *Orchestrator) undoDispatch(ctx context.Context, before *domain.Application, runID string) {
	_, err := o.store.UpdateApplication(context.WithoutCancel(ctx), before.ApplicationID, func(a *domain.Application) error {
		if a.RunID != runID {
			return storage.ErrNoChange
		}
		a.Status = before.Status
		a.PendingQuestions = before.PendingQuestions
		a.RunID = ""
		return nil
	})
	if err != nil {
		o.logger.Error("Failed to restore application after dispatch failure",
			slog.String("application_id", before.ApplicationID),
			slog.Any("error", err),
		)
	}
}

func revertToPending(a *domain.Application) {
	a.Status = domain.StatusPending
	a.PendingQuestions = nil
	a.RunID = ""
}
