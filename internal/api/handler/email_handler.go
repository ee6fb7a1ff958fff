package handler

import (
	"net/http"

	"github.com/cuongbtq/apply-orchestrator/internal/api/dto"
	"github.com/gin-gonic/gin"
)

// ListEmailUpdates handles GET /api/v1/emails/updates
func (h *Handler) ListEmailUpdates(c *gin.Context) {
	updates, err := h.reader.ListEmailUpdates(c.Request.Context(), userID(c))
	if err != nil {
		h.writeError(c, "list email updates", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"email_updates": updates})
}

// IngestEmail handles POST /api/v1/emails/updates
// HTTP alternative to the email.classified queue
func (h *Handler) IngestEmail(c *gin.Context) {
	var req dto.IngestEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "Invalid request body", err)
		return
	}

	result, err := h.lifecycle.IngestEmail(c.Request.Context(), req.ToEmailUpdate(userID(c)))
	if err != nil {
		h.writeError(c, "ingest email", err)
		return
	}

	resp := dto.IngestEmailResponse{
		EmailUpdateID: result.Update.EmailUpdateID,
		Duplicate:     result.Duplicate,
		StatusChanged: result.StatusChanged,
	}
	if result.Application != nil {
		resp.ApplicationID = result.Application.ApplicationID
		resp.Status = result.Application.Status
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, resp)
}
