package handler

import (
	"log/slog"
	"net/http"

	"github.com/cuongbtq/apply-orchestrator/internal/api/dto"
	"github.com/cuongbtq/apply-orchestrator/internal/domain"
	"github.com/cuongbtq/apply-orchestrator/internal/query"
	"github.com/gin-gonic/gin"
)

// QueueApplication handles POST /api/v1/applications
// Records a discovered job as a pending application
func (h *Handler) QueueApplication(c *gin.Context) {
	var req dto.QueueApplicationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "Invalid request body", err)
		return
	}

	user := userID(c)
	app, err := h.lifecycle.Queue(c.Request.Context(), user, req.ToNewJob())
	if err != nil {
		h.writeError(c, "queue", err)
		return
	}

	view, err := h.reader.GetApplication(c.Request.Context(), user, app.ApplicationID)
	if err != nil {
		h.writeError(c, "queue", err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

// ListApplications handles GET /api/v1/applications
func (h *Handler) ListApplications(c *gin.Context) {
	var req dto.ListApplicationsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.badRequest(c, "Invalid query parameters", err)
		return
	}

	page, err := h.reader.ListApplications(c.Request.Context(), userID(c), query.ListOptions{
		Status:   domain.Status(req.Status),
		PageSize: req.PageSize,
		Cursor:   req.Cursor,
	})
	if err != nil {
		h.writeError(c, "list applications", err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// GetApplication handles GET /api/v1/applications/:application_id
func (h *Handler) GetApplication(c *gin.Context) {
	view, err := h.reader.GetApplication(c.Request.Context(), userID(c), c.Param("application_id"))
	if err != nil {
		h.writeError(c, "get application", err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// StartApplication handles POST /api/v1/applications/:application_id/start
// Returns as soon as the agent run is dispatched
func (h *Handler) StartApplication(c *gin.Context) {
	applicationID := c.Param("application_id")

	app, err := h.lifecycle.Start(c.Request.Context(), userID(c), applicationID)
	if err != nil {
		h.writeError(c, "start", err)
		return
	}

	h.logger.Info("Agent run started",
		slog.String("application_id", applicationID),
		slog.String("user_id", userID(c)),
	)
	c.JSON(http.StatusAccepted, dto.NewTransitionResponse(app))
}

// AnswerApplication handles POST /api/v1/applications/:application_id/answer
// Supplies answers to every pending question and resumes the agent
func (h *Handler) AnswerApplication(c *gin.Context) {
	var req dto.AnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "Invalid request body", err)
		return
	}

	app, err := h.lifecycle.Answer(c.Request.Context(), userID(c), c.Param("application_id"), req.Answers)
	if err != nil {
		h.writeError(c, "answer", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewTransitionResponse(app))
}

// CancelApplication handles POST /api/v1/applications/:application_id/cancel
// Aborts the in-flight agent run; the application returns to pending
func (h *Handler) CancelApplication(c *gin.Context) {
	app, err := h.lifecycle.Cancel(c.Request.Context(), userID(c), c.Param("application_id"))
	if err != nil {
		h.writeError(c, "cancel", err)
		return
	}
	c.JSON(http.StatusAccepted, dto.NewTransitionResponse(app))
}
