package query

import (
	"time"

	"github.com/cuongbtq/apply-orchestrator/internal/domain"
)

// ApplicationView is the read projection of one application
type ApplicationView struct {
	ApplicationID       string            `json:"application_id"`
	JobTitle            string            `json:"job_title"`
	Company             string            `json:"company"`
	ApplicationURL      string            `json:"application_url"`
	Status              domain.Status     `json:"status"`
	MatchScore          *int              `json:"match_score,omitempty"`
	ApplyRecommendation string            `json:"apply_recommendation,omitempty"`
	MatchReasons        []string          `json:"match_reasons,omitempty"`
	PendingQuestions    []domain.Question `json:"pending_questions,omitempty"`
	AppliedAt           *time.Time        `json:"applied_at,omitempty"`
	FailureReason       string            `json:"failure_reason,omitempty"`
	EmailUpdates        []EmailUpdateView `json:"email_updates"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// EmailUpdateView is the read projection of one classified email
type EmailUpdateView struct {
	EmailUpdateID     string          `json:"email_update_id"`
	EmailID           string          `json:"email_id"`
	ApplicationID     string          `json:"application_id,omitempty"`
	Classification    string          `json:"classification"`
	Subject           string          `json:"subject"`
	Sender            string          `json:"sender"`
	Date              time.Time       `json:"date"`
	Summary           string          `json:"summary"`
	JobTitle          string          `json:"job_title,omitempty"`
	Company           string          `json:"company,omitempty"`
	ActionRequired    bool            `json:"action_required"`
	ActionDescription string          `json:"action_description,omitempty"`
	KeyInfo           *domain.KeyInfo `json:"key_info,omitempty"`
}

// ApplicationPage is one page of application projections
type ApplicationPage struct {
	Applications []ApplicationView `json:"applications"`
	NextCursor   string            `json:"next_cursor,omitempty"`
}

func newApplicationView(app *domain.Application, updates map[string]EmailUpdateView) ApplicationView {
	v := ApplicationView{
		ApplicationID:       app.ApplicationID,
		JobTitle:            app.JobTitle,
		Company:             app.Company,
		ApplicationURL:      app.ApplicationURL,
		Status:              app.Status,
		MatchScore:          app.MatchScore,
		ApplyRecommendation: app.ApplyRecommendation,
		MatchReasons:        app.MatchReasons,
		PendingQuestions:    app.PendingQuestions,
		AppliedAt:           app.AppliedAt,
		FailureReason:       app.FailureReason,
		EmailUpdates:        make([]EmailUpdateView, 0, len(app.EmailUpdateIDs)),
		CreatedAt:           app.CreatedAt,
		UpdatedAt:           app.UpdatedAt,
	}
	for _, id := range app.EmailUpdateIDs {
		if u, ok := updates[id]; ok {
			v.EmailUpdates = append(v.EmailUpdates, u)
		}
	}
	return v
}

func newEmailUpdateView(u *domain.EmailUpdate) EmailUpdateView {
	return EmailUpdateView{
		EmailUpdateID:     u.EmailUpdateID,
		EmailID:           u.EmailID,
		ApplicationID:     u.ApplicationID,
		Classification:    string(u.Classification),
		Subject:           u.Subject,
		Sender:            u.Sender,
		Date:              u.Date,
		Summary:           u.Summary,
		JobTitle:          u.JobTitle,
		Company:           u.Company,
		ActionRequired:    u.ActionRequired,
		ActionDescription: u.ActionDescription,
		KeyInfo:           u.KeyInfo,
	}
}
