package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cuongbtq/apply-orchestrator/internal/domain"
)

// ErrNoChange may be returned by a Mutation to abort an update without writing
var ErrNoChange = errors.New("no change")

// Mutation edits a copy of the stored application. Returning an error aborts the update.
type Mutation func(app *domain.Application) error

// ApplicationFilter narrows ListApplications
type ApplicationFilter struct {
	UserID   string
	Status   domain.Status
	PageSize int
	Cursor   *Cursor
}

// Cursor is a keyset position over (created_at, application_id) descending
type Cursor struct {
	CreatedAt     time.Time
	ApplicationID string
}

// Store persists applications, email updates and user profiles. It holds no business
// logic beyond enforcing record invariants on every write.
type Store interface {
	CreateApplication(ctx context.Context, app *domain.Application) error
	GetApplication(ctx context.Context, applicationID string) (*domain.Application, error)
	// ListApplications returns at most PageSize+1 records so callers can detect another page.
	// A PageSize of zero returns every match.
	ListApplications(ctx context.Context, filter ApplicationFilter) ([]*domain.Application, error)
	ListApplicationsByStatus(ctx context.Context, status domain.Status) ([]*domain.Application, error)
	// UpdateApplication applies mutate atomically. Readers observe either the old or the new record.
	UpdateApplication(ctx context.Context, applicationID string, mutate Mutation) (*domain.Application, error)

	// SaveEmailUpdate stores u unless the same user already has an update for u.EmailID.
	// On a duplicate it returns false and sets u.EmailUpdateID and u.CreatedAt to the stored record's.
	SaveEmailUpdate(ctx context.Context, u *domain.EmailUpdate) (bool, error)
	ListEmailUpdates(ctx context.Context, userID string) ([]*domain.EmailUpdate, error)
	GetEmailUpdates(ctx context.Context, ids []string) ([]*domain.EmailUpdate, error)

	GetProfile(ctx context.Context, userID string) (map[string]string, error)
	PutProfile(ctx context.Context, userID string, fields map[string]string) error
}

// applyMutation runs mutate against a clone of current and validates the result
func applyMutation(current *domain.Application, mutate Mutation, now time.Time) (*domain.Application, bool, error) {
	next := current.Clone()
	if err := mutate(next); err != nil {
		if errors.Is(err, ErrNoChange) {
			return current, false, nil
		}
		return nil, false, err
	}
	if err := domain.ValidateTransition(current, next); err != nil {
		return nil, false, err
	}
	next.UpdatedAt = now
	return next, true, nil
}
