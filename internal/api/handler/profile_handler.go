package handler

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/cuongbtq/apply-orchestrator/internal/api/dto"
	"github.com/cuongbtq/apply-orchestrator/internal/domain"
	"github.com/gin-gonic/gin"
)

// GetProfile handles GET /api/v1/profile
func (h *Handler) GetProfile(c *gin.Context) {
	fields, err := h.profiles.GetProfile(c.Request.Context(), userID(c))
	if err != nil {
		h.writeError(c, "get profile", err)
		return
	}
	c.JSON(http.StatusOK, dto.ProfileResponse{Fields: fields})
}

// PutProfile handles PUT /api/v1/profile
// Replaces the fields the agent fills forms from
func (h *Handler) PutProfile(c *gin.Context) {
	var req dto.ProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "Invalid request body", err)
		return
	}
	for k := range req.Fields {
		if strings.TrimSpace(k) == "" {
			h.writeError(c, "put profile", fmt.Errorf("%w: profile field names must not be blank", domain.ErrInvalidInput))
			return
		}
	}

	if err := h.profiles.PutProfile(c.Request.Context(), userID(c), req.Fields); err != nil {
		h.writeError(c, "put profile", err)
		return
	}
	c.JSON(http.StatusOK, dto.ProfileResponse{Fields: req.Fields})
}
