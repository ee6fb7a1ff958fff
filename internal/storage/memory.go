package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/apply-orchestrator/internal/domain"
)

// MemoryStore is an in-process Store used for local runs and tests
type MemoryStore struct {
	mu           sync.RWMutex
	applications map[string]*domain.Application
	emailUpdates map[string]*domain.EmailUpdate
	emailIndex   map[string]string // user_id|email_id -> email_update_id
	profiles     map[string]map[string]string
	now          func() time.Time
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		applications: make(map[string]*domain.Application),
		emailUpdates: make(map[string]*domain.EmailUpdate),
		emailIndex:   make(map[string]string),
		profiles:     make(map[string]map[string]string),
		now:          time.Now,
	}
}

func (s *MemoryStore) CreateApplication(ctx context.Context, app *domain.Application) error {
	if err := app.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.applications[app.ApplicationID]; ok {
		return domain.ErrAlreadyExists
	}
	for _, existing := range s.applications {
		if existing.UserID == app.UserID && existing.ApplicationURL == app.ApplicationURL {
			return domain.ErrAlreadyExists
		}
	}

	stored := app.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	stored.UpdatedAt = stored.CreatedAt
	s.applications[app.ApplicationID] = stored
	app.CreatedAt, app.UpdatedAt = stored.CreatedAt, stored.UpdatedAt
	return nil
}

func (s *MemoryStore) GetApplication(ctx context.Context, applicationID string) (*domain.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	app, ok := s.applications[applicationID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return app.Clone(), nil
}

func (s *MemoryStore) ListApplications(ctx context.Context, filter ApplicationFilter) ([]*domain.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Application
	for _, app := range s.applications {
		if filter.UserID != "" && app.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && app.Status != filter.Status {
			continue
		}
		if filter.Cursor != nil && !before(app, filter.Cursor) {
			continue
		}
		out = append(out, app.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ApplicationID > out[j].ApplicationID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if filter.PageSize > 0 && len(out) > filter.PageSize+1 {
		out = out[:filter.PageSize+1]
	}
	return out, nil
}

// before reports whether app sorts after the cursor in descending order
func before(app *domain.Application, c *Cursor) bool {
	if app.CreatedAt.Equal(c.CreatedAt) {
		return app.ApplicationID < c.ApplicationID
	}
	return app.CreatedAt.Before(c.CreatedAt)
}

func (s *MemoryStore) ListApplicationsByStatus(ctx context.Context, status domain.Status) ([]*domain.Application, error) {
	return s.ListApplications(ctx, ApplicationFilter{Status: status})
}

func (s *MemoryStore) UpdateApplication(ctx context.Context, applicationID string, mutate Mutation) (*domain.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.applications[applicationID]
	if !ok {
		return nil, domain.ErrNotFound
	}

	next, changed, err := applyMutation(current, mutate, s.now())
	if err != nil {
		return nil, err
	}
	if changed {
		s.applications[applicationID] = next
	}
	return next.Clone(), nil
}

func (s *MemoryStore) SaveEmailUpdate(ctx context.Context, u *domain.EmailUpdate) (bool, error) {
	if err := u.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := u.UserID + "|" + u.EmailID
	if id, ok := s.emailIndex[key]; ok {
		existing := s.emailUpdates[id]
		u.EmailUpdateID = existing.EmailUpdateID
		u.CreatedAt = existing.CreatedAt
		return false, nil
	}
	stored := copyEmailUpdate(u)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	s.emailUpdates[u.EmailUpdateID] = stored
	s.emailIndex[key] = u.EmailUpdateID
	return true, nil
}

func (s *MemoryStore) ListEmailUpdates(ctx context.Context, userID string) ([]*domain.EmailUpdate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.EmailUpdate
	for _, u := range s.emailUpdates {
		if u.UserID == userID {
			out = append(out, copyEmailUpdate(u))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Date.After(out[j].Date)
	})
	return out, nil
}

func (s *MemoryStore) GetEmailUpdates(ctx context.Context, ids []string) ([]*domain.EmailUpdate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.EmailUpdate, 0, len(ids))
	for _, id := range ids {
		if u, ok := s.emailUpdates[id]; ok {
			out = append(out, copyEmailUpdate(u))
		}
	}
	return out, nil
}

func copyEmailUpdate(u *domain.EmailUpdate) *domain.EmailUpdate {
	c := *u
	if u.KeyInfo != nil {
		info := *u.KeyInfo
		c.KeyInfo = &info
	}
	return &c
}

func (s *MemoryStore) GetProfile(ctx context.Context, userID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.profiles[userID]))
	for k, v := range s.profiles[userID] {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) PutProfile(ctx context.Context, userID string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	s.profiles[userID] = copied
	return nil
}
