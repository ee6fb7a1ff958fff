package ingest

import (
	"time"

	"github.com/cuongbtq/apply-orchestrator/internal/domain"
)

// EmailClassifiedMessage is the payload the email-classification service publishes
// to the email.classified queue
type EmailClassifiedMessage struct {
	EmailID           string          `json:"email_id"`
	UserID            string          `json:"user_id"`
	ApplicationID     string          `json:"application_id,omitempty"`
	Classification    string          `json:"classification"`
	Subject           string          `json:"subject"`
	Sender            string          `json:"sender"`
	Date              *time.Time      `json:"date,omitempty"`
	Summary           string          `json:"summary"`
	JobTitle          string          `json:"job_title,omitempty"`
	Company           string          `json:"company,omitempty"`
	ActionRequired    bool            `json:"action_required"`
	ActionDescription string          `json:"action_description,omitempty"`
	KeyInfo           *domain.KeyInfo `json:"key_info,omitempty"`
}

// ToEmailUpdate converts the message to the domain type
func (m *EmailClassifiedMessage) ToEmailUpdate() *domain.EmailUpdate {
	u := &domain.EmailUpdate{
		EmailID:           m.EmailID,
		UserID:            m.UserID,
		ApplicationID:     m.ApplicationID,
		Classification:    domain.ParseClassification(m.Classification),
		Subject:           m.Subject,
		Sender:            m.Sender,
		Summary:           m.Summary,
		JobTitle:          m.JobTitle,
		Company:           m.Company,
		ActionRequired:    m.ActionRequired,
		ActionDescription: m.ActionDescription,
		KeyInfo:           m.KeyInfo,
	}
	if m.Date != nil {
		u.Date = *m.Date
	}
	return u
}
