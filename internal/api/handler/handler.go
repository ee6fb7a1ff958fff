package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/apply-orchestrator/internal/domain"
	"github.com/cuongbtq/apply-orchestrator/internal/orchestrator"
	"github.com/cuongbtq/apply-orchestrator/internal/query"
	"github.com/gin-gonic/gin"
)

// UserIDKey is the gin context key the auth middleware stores the caller's identity under
const UserIDKey = "user_id"

// Lifecycle is the orchestrator surface the handlers drive
type Lifecycle interface {
	Queue(ctx context.Context, userID string, job domain.NewJob) (*domain.Application, error)
	Start(ctx context.Context, userID, applicationID string) (*domain.Application, error)
	Answer(ctx context.Context, userID, applicationID string, answers map[string]string) (*domain.Application, error)
	Cancel(ctx context.Context, userID, applicationID string) (*domain.Application, error)
	RevokeSession(ctx context.Context, userID string) (int, error)
	IngestEmail(ctx context.Context, update *domain.EmailUpdate) (*orchestrator.IngestResult, error)
}

// Reader serves read projections
type Reader interface {
	ListApplications(ctx context.Context, userID string, opts query.ListOptions) (*query.ApplicationPage, error)
	GetApplication(ctx context.Context, userID, applicationID string) (*query.ApplicationView, error)
	ListEmailUpdates(ctx context.Context, userID string) ([]query.EmailUpdateView, error)
}

// Profiles stores the form-filling profile of each user
type Profiles interface {
	GetProfile(ctx context.Context, userID string) (map[string]string, error)
	PutProfile(ctx context.Context, userID string, fields map[string]string) error
}

// Subscriber upgrades a request to a push subscription for userID
type Subscriber interface {
	ServeWS(w http.ResponseWriter, r *http.Request, userID string)
}

// HealthChecker reports whether a backing dependency is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	ServiceName string
	Lifecycle   Lifecycle
	Reader      Reader
	Profiles    Profiles
	Subscriber  Subscriber
	Health      HealthChecker // nil when running without a database
}

// Handler serves the application, email, profile and session endpoints
type Handler struct {
	logger      *slog.Logger
	serviceName string
	lifecycle   Lifecycle
	reader      Reader
	profiles    Profiles
	subscriber  Subscriber
	health      HealthChecker
}

// New creates a new Handler instance
func New(deps *Dependencies) *Handler {
	return &Handler{
		logger:      deps.Logger,
		serviceName: deps.ServiceName,
		lifecycle:   deps.Lifecycle,
		reader:      deps.Reader,
		profiles:    deps.Profiles,
		subscriber:  deps.Subscriber,
		health:      deps.Health,
	}
}

// userID returns the authenticated caller set by the auth middleware
func userID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}
