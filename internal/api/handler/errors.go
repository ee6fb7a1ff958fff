package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/apply-orchestrator/internal/api/dto"
	"github.com/cuongbtq/apply-orchestrator/internal/domain"
	"github.com/cuongbtq/apply-orchestrator/internal/orchestrator"
	"github.com/gin-gonic/gin"
)

// writeError maps a domain error to its HTTP status and writes the error body
func (h *Handler) writeError(c *gin.Context, op string, err error) {
	status := http.StatusInternalServerError
	body := dto.ErrorResponse{Error: "internal server error"}

	var incomplete *domain.IncompleteAnswersError
	switch {
	case errors.As(err, &incomplete):
		status = http.StatusUnprocessableEntity
		body = dto.ErrorResponse{Error: "answers are missing for some pending questions", MissingFields: incomplete.Missing}
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
		body.Error = "application not found"
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrAlreadyExists):
		status = http.StatusConflict
		body.Error = err.Error()
	case errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
		body.Error = err.Error()
	case errors.Is(err, orchestrator.ErrQueueFull), errors.Is(err, orchestrator.ErrStopped):
		status = http.StatusServiceUnavailable
		body.Error = err.Error()
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			slog.String("op", op),
			slog.String("user_id", userID(c)),
			slog.String("error", err.Error()),
		)
		_ = c.Error(err)
	} else {
		h.logger.Debug("Request rejected",
			slog.String("op", op),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
	}

	c.JSON(status, body)
}

func (h *Handler) badRequest(c *gin.Context, message string, err error) {
	h.logger.Debug("Invalid request", slog.String("error", err.Error()))
	c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: message})
}
