package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/apply-orchestrator/internal/agent"
	"github.com/cuongbtq/apply-orchestrator/internal/domain"
	"github.com/cuongbtq/apply-orchestrator/internal/notify"
	"github.com/cuongbtq/apply-orchestrator/internal/storage"
)

// runTask is one dispatched agent run. It owns the application while RunID matches.
type runTask struct {
	applicationID string
	userID        string
	runID         string
	ctx           context.Context
	cancel        context.CancelFunc
}

// StartWorkers spawns the agent worker pool
func (o *Orchestrator) StartWorkers() {
	o.mu.Lock()
	if o.started || o.stopped {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.mu.Unlock()

	o.logger.Info("Spawning agent worker pool", slog.Int("concurrency", o.concurrency))

	for i := 0; i < o.concurrency; i++ {
		o.wg.Add(1)
		go o.workerLoop(i)
	}
}

// Stop cancels in-flight runs, waits for workers to record them and returns queued
// runs to pending
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	o.mu.Unlock()

	o.logger.Info("Stopping agent worker pool...")
	close(o.stopChan)
	o.baseCancel()
	o.wg.Wait()

	for {
		select {
		case task := <-o.tasks:
			o.finishCanceled(task)
			o.forget(task)
		default:
			o.logger.Info("Agent worker pool stopped")
			return
		}
	}
}

func (o *Orchestrator) dispatch(app *domain.Application) error {
	ctx, cancel := context.WithCancel(o.baseCtx)
	task := &runTask{
		applicationID: app.ApplicationID,
		userID:        app.UserID,
		runID:         app.RunID,
		ctx:           ctx,
		cancel:        cancel,
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.stopped {
		cancel()
		return ErrStopped
	}

	select {
	case o.tasks <- task:
		o.active[app.ApplicationID] = task
		return nil
	default:
		cancel()
		return ErrQueueFull
	}
}

// cancelTask cancels the live run of applicationID if it is runID
func (o *Orchestrator) cancelTask(applicationID, runID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if task, ok := o.active[applicationID]; ok && task.runID == runID {
		task.cancel()
	}
}

func (o *Orchestrator) forget(task *runTask) {
	task.cancel()

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.active[task.applicationID] == task {
		delete(o.active, task.applicationID)
	}
}

func (o *Orchestrator) workerLoop(workerNum int) {
	defer o.wg.Done()

	for {
		select {
		case <-o.stopChan:
			o.logger.Debug("Agent worker stopping", slog.Int("worker_num", workerNum))
			return

		case task := <-o.tasks:
			o.logger.Info("Agent worker picked up run",
				slog.Int("worker_num", workerNum),
				slog.String("application_id", task.applicationID),
				slog.String("run_id", task.runID),
			)
			o.execute(task)
			o.forget(task)
		}
	}
}

func (o *Orchestrator) execute(task *runTask) {
	if task.ctx.Err() != nil {
		o.finishCanceled(task)
		return
	}

	app, err := o.store.GetApplication(task.ctx, task.applicationID)
	if err != nil {
		if task.ctx.Err() != nil {
			o.finishCanceled(task)
			return
		}
		o.complete(task, agent.Failure(fmt.Sprintf("load application: %v", err)))
		return
	}
	if app.Status != domain.StatusInProgress || app.RunID != task.runID {
		o.logger.Info("Skipping run that no longer owns the application",
			slog.String("application_id", task.applicationID),
			slog.String("run_id", task.runID),
			slog.String("status", app.Status.String()),
		)
		return
	}

	profile, err := o.store.GetProfile(task.ctx, app.UserID)
	if err != nil {
		if task.ctx.Err() != nil {
			o.finishCanceled(task)
			return
		}
		o.complete(task, agent.Failure(fmt.Sprintf("load profile: %v", err)))
		return
	}

	runCtx, cancel := context.WithTimeout(task.ctx, o.runTimeout)
	outcome, err := o.runner.Run(runCtx, app, agent.RunContext{Profile: profile, Answers: app.Answers})
	cancel()

	if err != nil {
		switch {
		case task.ctx.Err() != nil:
			o.finishCanceled(task)
			return
		case errors.Is(err, context.DeadlineExceeded):
			outcome = agent.Failure(fmt.Sprintf("agent run timed out after %s", o.runTimeout))
		default:
			outcome = agent.Failure(err.Error())
		}
	}

	o.complete(task, outcome)
}

// complete records the run's outcome if the run still owns the application
func (o *Orchestrator) complete(task *runTask, outcome agent.Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), completionTimeout)
	defer cancel()

	logger := o.logger.With(
		slog.String("application_id", task.applicationID),
		slog.String("run_id", task.runID),
	)

	unlock, err := o.locks.Lock(ctx, task.applicationID)
	if err != nil {
		logger.Error("Failed to lock application to record outcome", slog.Any("error", err))
		return
	}

	defer unlock()

	applied := false
	app, err := o.store.UpdateApplication(ctx, task.applicationID, func(a *domain.Application) error {
		if a.Status != domain.StatusInProgress || a.RunID != task.runID {
			return storage.ErrNoChange
		}
		applyOutcome(a, outcome, o.now())
		applied = true
		return nil
	})

	if err != nil {
		logger.Error("Failed to record agent outcome",
			slog.String("outcome", outcome.Kind.String()),
			slog.Any("error", err),
		)
		return
	}
	if !applied {
		logger.Info("Discarding outcome of superseded run", slog.String("outcome", outcome.Kind.String()))
		return
	}

	logger.Info("Agent run finished",
		slog.String("outcome", outcome.Kind.String()),
		slog.String("status", app.Status.String()),
	)
	o.notifier.Notify(ctx, notify.ForTransition(app, domain.StatusInProgress, o.now()))
}

// finishCanceled returns the application to pending after its run was canceled
func (o *Orchestrator) finishCanceled(task *runTask) {
	ctx, cancel := context.WithTimeout(context.Background(), completionTimeout)
	defer cancel()

	reverted, err := o.revertRun(ctx, task.applicationID, task.runID)
	if err != nil {
		o.logger.Error("Failed to revert canceled run",
			slog.String("application_id", task.applicationID),
			slog.Any("error", err),
		)
		return
	}
	if reverted {
		o.logger.Info("Canceled run reverted to pending",
			slog.String("application_id", task.applicationID),
			slog.String("run_id", task.runID),
		)
	}
}

func applyOutcome(a *domain.Application, outcome agent.Outcome, now time.Time) {
	a.RunID = ""

	switch outcome.Kind {
	case agent.OutcomeSuccess:
		a.Status = domain.StatusApplied
		a.FailureReason = ""
		if a.AppliedAt == nil {
			a.AppliedAt = &now
		}

	case agent.OutcomeNeedsInfo:
		questions := dedupeQuestions(outcome.Questions)
		if len(questions) == 0 {
			a.Status = domain.StatusFailed
			a.FailureReason = "agent asked for information without any question"
			return
		}
		a.Status = domain.StatusNeedsInfo
		a.PendingQuestions = questions

	default:
		a.Status = domain.StatusFailed
		a.FailureReason = outcome.Reason
		if a.FailureReason == "" {
			a.FailureReason = "agent run failed"
		}
	}
}

func dedupeQuestions(questions []domain.Question) []domain.Question {
	seen := make(map[string]bool, len(questions))
	out := make([]domain.Question, 0, len(questions))
	for _, q := range questions {
		if q.Field == "" || seen[q.Field] {
			continue
		}
		seen[q.Field] = true
		out = append(out, q)
	}
	return out
}
