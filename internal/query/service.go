// Package query serves read projections of applications and email updates.
// Reads are never blocked by lifecycle operations and may be served from a short-lived cache.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cuongbtq/apply-orchestrator/internal/domain"
	"github.com/cuongbtq/apply-orchestrator/internal/notify"
	"github.com/cuongbtq/apply-orchestrator/internal/storage"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Cache stores JSON projections with a TTL
type Cache interface {
	GetJSON(ctx context.Context, key string, out any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

// Config holds query service configuration
type Config struct {
	Store  storage.Store
	Cache  Cache
	TTL    time.Duration
	Logger *slog.Logger
}

// ListOptions narrows ListApplications
type ListOptions struct {
	Status   domain.Status
	PageSize int
	Cursor   string
}

// Service answers application and email-update reads for one user at a time
type Service struct {
	store  storage.Store
	cache  Cache
	ttl    time.Duration
	logger *slog.Logger

	mu          sync.Mutex
	generations map[string]*generation
}

// generation counts a user's invalidations. A projection read under an older
// generation is not cached.
type generation struct {
	mu sync.Mutex
	n  uint64
}

// New creates a new Service. Cache may be nil.
func New(cfg *Config) *Service {
	s := &Service{
		store:  cfg.Store,
		cache:  cfg.Cache,
		ttl:    cfg.TTL,
		logger: cfg.Logger,

		generations: make(map[string]*generation),
	}
	if s.ttl <= 0 {
		s.ttl = 5 * time.Second // default
	}
	return s
}

// ListApplications returns a page of the user's applications, newest first
func (s *Service) ListApplications(ctx context.Context, userID string, opts ListOptions) (*ApplicationPage, error) {
	if opts.Status != "" && !opts.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidInput, opts.Status)
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.PageSize > maxPageSize {
		opts.PageSize = maxPageSize
	}
	cursor, err := DecodeCursor(opts.Cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	key := fmt.Sprintf("%slist:%s:%d:%s", userPrefix(userID), opts.Status, opts.PageSize, opts.Cursor)
	var page ApplicationPage
	if s.cached(ctx, key, &page) {
		return &page, nil
	}
	gen := s.currentGeneration(userID)

	apps, err := s.store.ListApplications(ctx, storage.ApplicationFilter{
		UserID:   userID,
		Status:   opts.Status,
		PageSize: opts.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list applications: %w", err)
	}

	hasMore := len(apps) > opts.PageSize
	if hasMore {
		apps = apps[:opts.PageSize]
	}

	updates, err := s.emailUpdatesFor(ctx, apps...)
	if err != nil {
		return nil, err
	}

	page.Applications = make([]ApplicationView, len(apps))
	for i, app := range apps {
		page.Applications[i] = newApplicationView(app, updates)
	}
	if hasMore {
		last := apps[len(apps)-1]
		page.NextCursor = EncodeCursor(storage.Cursor{CreatedAt: last.CreatedAt, ApplicationID: last.ApplicationID})
	}

	s.remember(ctx, userID, gen, key, page)
	return &page, nil
}

// GetApplication returns one projection. Another user's application is not found.
func (s *Service) GetApplication(ctx context.Context, userID, applicationID string) (*ApplicationView, error) {
	key := userPrefix(userID) + "app:" + applicationID
	var view ApplicationView
	if s.cached(ctx, key, &view) {
		return &view, nil
	}
	gen := s.currentGeneration(userID)

	app, err := s.store.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if app.UserID != userID {
		return nil, domain.ErrNotFound
	}

	updates, err := s.emailUpdatesFor(ctx, app)
	if err != nil {
		return nil, err
	}
	view = newApplicationView(app, updates)

	s.remember(ctx, userID, gen, key, view)
	return &view, nil
}

// ListEmailUpdates returns the user's classified emails, newest first
func (s *Service) ListEmailUpdates(ctx context.Context, userID string) ([]EmailUpdateView, error) {
	key := userPrefix(userID) + "email_updates"
	var views []EmailUpdateView
	if s.cached(ctx, key, &views) {
		return views, nil
	}
	gen := s.currentGeneration(userID)

	updates, err := s.store.ListEmailUpdates(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list email updates: %w", err)
	}

	views = make([]EmailUpdateView, len(updates))
	for i, u := range updates {
		views[i] = newEmailUpdateView(u)
	}

	s.remember(ctx, userID, gen, key, views)
	return views, nil
}

// Invalidate drops every cached projection of userID
func (s *Service) Invalidate(ctx context.Context, userID string) {
	if s.cache == nil || userID == "" {
		return
	}

	g := s.generationOf(userID)
	g.mu.Lock()
	defer g.mu.Unlock()

	g.n++
	if err := s.cache.DeleteByPattern(ctx, globEscaper.Replace(userPrefix(userID))+"*"); err != nil {
		s.logger.Warn("Failed to invalidate cached projections",
			slog.String("user_id", userID),
			slog.Any("error", err),
		)
	}
}

// Notify invalidates the event owner's projections. Every committed mutation emits an event.
func (s *Service) Notify(ctx context.Context, evt notify.Event) {
	s.Invalidate(ctx, evt.UserID)
}

func (s *Service) emailUpdatesFor(ctx context.Context, apps ...*domain.Application) (map[string]EmailUpdateView, error) {
	var ids []string
	for _, app := range apps {
		ids = append(ids, app.EmailUpdateIDs...)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	updates, err := s.store.GetEmailUpdates(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load email updates: %w", err)
	}
	out := make(map[string]EmailUpdateView, len(updates))
	for _, u := range updates {
		out[u.EmailUpdateID] = newEmailUpdateView(u)
	}
	return out, nil
}

func (s *Service) cached(ctx context.Context, key string, out any) bool {
	if s.cache == nil {
		return false
	}
	hit, err := s.cache.GetJSON(ctx, key, out)
	if err != nil {
		s.logger.Warn("Cache read failed", slog.String("key", key), slog.Any("error", err))
		return false
	}
	return hit
}

func (s *Service) generationOf(userID string) *generation {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.generations[userID]
	if !ok {
		g = &generation{}
		s.generations[userID] = g
	}
	return g
}

func (s *Service) currentGeneration(userID string) uint64 {
	if s.cache == nil {
		return 0
	}
	g := s.generationOf(userID)
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.n
}

// remember caches value unless userID was invalidated after gen was read
func (s *Service) remember(ctx context.Context, userID string, gen uint64, key string, value any) {
	if s.cache == nil {
		return
	}

	g := s.generationOf(userID)
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.n != gen {
		s.logger.Debug("Skipped caching a projection read before an invalidation", slog.String("key", key))
		return
	}
	if err := s.cache.SetJSON(ctx, key, value, s.ttl); err != nil {
		s.logger.Warn("Cache write failed", slog.String("key", key), slog.Any("error", err))
	}
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// userPrefix namespaces a user's cache keys
func userPrefix(userID string) string {
	return "applications:" + userID + ":"
}
