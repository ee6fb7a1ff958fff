package dto

import (
	"time"

	"github.com/cuongbtq/apply-orchestrator/internal/domain"
)

// IngestEmailRequest is one classified email posted over HTTP. The user comes from the token.
type IngestEmailRequest struct {
	EmailID           string          `json:"email_id" binding:"required"`
	ApplicationID     string          `json:"application_id"`
	Classification    string          `json:"classification" binding:"required"`
	Subject           string          `json:"subject"`
	Sender            string          `json:"sender"`
	Date              *time.Time      `json:"date"`
	Summary           string          `json:"summary"`
	JobTitle          string          `json:"job_title"`
	Company           string          `json:"company"`
	ActionRequired    bool            `json:"action_required"`
	ActionDescription string          `json:"action_description"`
	KeyInfo           *domain.KeyInfo `json:"key_info"`
}

// ToEmailUpdate converts the request to the domain type for userID
func (r *IngestEmailRequest) ToEmailUpdate(userID string) *domain.EmailUpdate {
	u := &domain.EmailUpdate{
		EmailID:           r.EmailID,
		UserID:            userID,
		ApplicationID:     r.ApplicationID,
		Classification:    domain.ParseClassification(r.Classification),
		Subject:           r.Subject,
		Sender:            r.Sender,
		Summary:           r.Summary,
		JobTitle:          r.JobTitle,
		Company:           r.Company,
		ActionRequired:    r.ActionRequired,
		ActionDescription: r.ActionDescription,
		KeyInfo:           r.KeyInfo,
	}
	if r.Date != nil {
		u.Date = *r.Date
	}
	return u
}

type IngestEmailResponse struct {
	EmailUpdateID string        `json:"email_update_id,omitempty"`
	ApplicationID string        `json:"application_id,omitempty"`
	Status        domain.Status `json:"status,omitempty"`
	Duplicate     bool          `json:"duplicate"`
	StatusChanged bool          `json:"status_changed"`
}
