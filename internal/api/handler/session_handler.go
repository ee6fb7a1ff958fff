package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/apply-orchestrator/internal/api/dto"
	"github.com/gin-gonic/gin"
)

// RevokeSession handles POST /api/v1/session/revoke
// Cancels every in-flight agent run of the caller
func (h *Handler) RevokeSession(c *gin.Context) {
	canceled, err := h.lifecycle.RevokeSession(c.Request.Context(), userID(c))
	if err != nil {
		h.writeError(c, "revoke session", err)
		return
	}

	h.logger.Info("Session revoked",
		slog.String("user_id", userID(c)),
		slog.Int("canceled_runs", canceled),
	)
	c.JSON(http.StatusOK, dto.RevokeSessionResponse{CanceledRuns: canceled})
}

// Subscribe handles GET /api/v1/ws
// Upgrades to a WebSocket that receives the caller's lifecycle events
func (h *Handler) Subscribe(c *gin.Context) {
	h.subscriber.ServeWS(c.Writer, c.Request, userID(c))
}

// Health handles GET /health
func (h *Handler) Health(c *gin.Context) {
	resp := gin.H{
		"status":  "healthy",
		"service": h.serviceName,
	}

	if h.health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		if err := h.health.HealthCheck(ctx); err != nil {
			h.logger.Warn("Health check failed", slog.String("error", err.Error()))
			resp["status"] = "unhealthy"
			resp["database"] = "unreachable"
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
		resp["database"] = "ok"
	}

	c.JSON(http.StatusOK, resp)
}
