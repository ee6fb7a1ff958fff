package router

import (
	"github.com/cuongbtq/apply-orchestrator/internal/api/handler"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// Options configures the router beyond the handler dependencies
type Options struct {
	Verifier       TokenVerifier
	AllowedOrigins []string
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, opts Options) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(cors.New(corsConfig(opts.AllowedOrigins)))

	h := handler.New(deps)

	r.GET("/health", h.Health)

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(opts.Verifier, deps.Logger))
	{
		apps := v1.Group("/applications")
		{
			apps.POST("", h.QueueApplication)
			apps.GET("", h.ListApplications)
			apps.GET("/:application_id", h.GetApplication)
			apps.POST("/:application_id/start", h.StartApplication)
			apps.POST("/:application_id/answer", h.AnswerApplication)
			apps.POST("/:application_id/cancel", h.CancelApplication)
		}

		v1.GET("/emails/updates", h.ListEmailUpdates)
		v1.POST("/emails/updates", h.IngestEmail)

		v1.GET("/profile", h.GetProfile)
		v1.PUT("/profile", h.PutProfile)

		v1.POST("/session/revoke", h.RevokeSession)

		// Push channel for lifecycle events
		v1.GET("/ws", h.Subscribe)
	}

	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.DefaultConfig()
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	cfg.AddAllowHeaders("Authorization", "X-Requested-With")
	cfg.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	return cfg
}
