package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/cuongbtq/apply-orchestrator/internal/domain"
	"github.com/cuongbtq/apply-orchestrator/internal/notify"
	"github.com/cuongbtq/apply-orchestrator/internal/storage"
)

// IngestResult describes what one classified email did
type IngestResult struct {
	Update        *domain.EmailUpdate
	Application   *domain.Application
	Duplicate     bool
	StatusChanged bool
}

// IngestEmail records a classified email, links it to the matching application and
// applies the status its classification implies. Re-delivering the same email_id is a no-op.
func (o *Orchestrator) IngestEmail(ctx context.Context, update *domain.EmailUpdate) (*IngestResult, error) {
	if err := update.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	u := *update
	u.Classification = domain.ParseClassification(string(u.Classification))
	if u.EmailUpdateID == "" {
		u.EmailUpdateID = o.newID()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = o.now()
	}
	if u.Date.IsZero() {
		u.Date = u.CreatedAt
	}

	logger := o.logger.With(
		slog.String("email_id", u.EmailID),
		slog.String("user_id", u.UserID),
		slog.String("classification", string(u.Classification)),
	)

	applicationID, err := o.matchApplication(ctx, &u)
	if err != nil {
		return nil, err
	}
	u.ApplicationID = applicationID

	if applicationID == "" {
		inserted, err := o.store.SaveEmailUpdate(ctx, &u)
		if err != nil {
			return nil, fmt.Errorf("failed to save email update: %w", err)
		}
		if inserted {
			logger.Info("Email update stored without a matching application")
			o.notifier.Notify(ctx, o.emailEvent(&u))
		}
		return &IngestResult{Update: &u, Duplicate: !inserted}, nil
	}

	unlock, err := o.locks.Lock(ctx, applicationID)
	if err != nil {
		return nil, err
	}

	defer unlock()

	// A redelivered email still goes through linking so that a link that failed after
	// the update was saved is completed now.
	inserted, err := o.store.SaveEmailUpdate(ctx, &u)
	if err != nil {
		return nil, fmt.Errorf("failed to save email update: %w", err)
	}

	var previous domain.Status
	var canceledRun string
	linked := false
	app, err := o.store.UpdateApplication(ctx, applicationID, func(a *domain.Application) error {
		if !slices.Contains(a.EmailUpdateIDs, u.EmailUpdateID) {
			a.EmailUpdateIDs = append(a.EmailUpdateIDs, u.EmailUpdateID)
			linked = true
		}

		next, ok := domain.ExternalTransition(a.Status, u.Classification)
		if !ok {
			if !linked {
				return storage.ErrNoChange
			}
			return nil
		}
		previous = a.Status
		if a.Status == domain.StatusInProgress {
			canceledRun = a.RunID
			a.RunID = ""
		}
		a.Status = next
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to link email update: %w", err)
	}

	result := &IngestResult{Update: &u, Application: app, Duplicate: !inserted}
	if !inserted && !linked && previous == "" {
		logger.Info("Duplicate email update ignored")
		return result, nil
	}
	if !inserted {
		logger.Warn("Completed linking of a previously stored email update",
			slog.String("application_id", applicationID),
			slog.String("email_update_id", u.EmailUpdateID),
		)
	}

	if canceledRun != "" {
		o.cancelTask(applicationID, canceledRun)
		logger.Warn("Email classification overrode an in-flight agent run",
			slog.String("application_id", applicationID),
			slog.String("run_id", canceledRun),
		)
	}

	if inserted || linked {
		o.notifier.Notify(ctx, o.emailEvent(&u))
	}

	if previous != "" {
		result.StatusChanged = true
		logger.Info("Application status updated from email",
			slog.String("application_id", applicationID),
			slog.String("from", previous.String()),
			slog.String("to", app.Status.String()),
		)
		o.notifier.Notify(ctx, notify.ForTransition(app, previous, o.now()))
	}
	return result, nil
}

func (o *Orchestrator) emailEvent(u *domain.EmailUpdate) notify.Event {
	return notify.Event{
		Type:           notify.EventEmailUpdate,
		UserID:         u.UserID,
		ApplicationID:  u.ApplicationID,
		JobTitle:       u.JobTitle,
		Company:        u.Company,
		Classification: string(u.Classification),
		EmailUpdateID:  u.EmailUpdateID,
		Message:        u.Summary,
		Timestamp:      o.now().UTC(),
	}
}

// matchApplication resolves which of the user's applications an email is about.
// An explicit application_id must belong to the user. Otherwise the company named in
// the email is compared to each submitted application; an empty ID means no match.
func (o *Orchestrator) matchApplication(ctx context.Context, u *domain.EmailUpdate) (string, error) {
	if u.ApplicationID != "" {
		app, err := o.GetApplication(ctx, u.UserID, u.ApplicationID)
		if err != nil {
			return "", err
		}
		return app.ApplicationID, nil
	}

	apps, err := o.store.ListApplications(ctx, storage.ApplicationFilter{UserID: u.UserID})
	if err != nil {
		return "", fmt.Errorf("failed to list applications: %w", err)
	}
	return bestMatch(u, apps), nil
}

// bestMatch scores candidates: the same company name beats the company appearing in
// the subject, which beats it appearing in the sender. Ties go to the newest application.
func bestMatch(u *domain.EmailUpdate, apps []*domain.Application) string {
	company := strings.ToLower(strings.TrimSpace(u.Company))
	subject := strings.ToLower(u.Subject)
	sender := strings.ToLower(u.Sender)
	title := strings.ToLower(strings.TrimSpace(u.JobTitle))

	bestID, bestScore := "", 0
	for _, app := range apps {
		if app.Status == domain.StatusPending {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(app.Company))
		if name == "" {
			continue
		}

		score := 0
		switch {
		case company != "" && company == name:
			score = 3
		case strings.Contains(subject, name):
			score = 2
		case strings.Contains(sender, name):
			score = 1
		}
		if score == 0 {
			continue
		}
		if title != "" && strings.EqualFold(title, strings.TrimSpace(app.JobTitle)) {
			score += 3
		}

		if score > bestScore {
			bestID, bestScore = app.ApplicationID, score
		}
	}
	return bestID
}
