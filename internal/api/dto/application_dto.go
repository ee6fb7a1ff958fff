package dto

import "github.com/cuongbtq/apply-orchestrator/internal/domain"

// QueueApplicationRequest carries a job handed over by the discovery collaborator
type QueueApplicationRequest struct {
	JobTitle            string   `json:"job_title" binding:"required"`
	Company             string   `json:"company" binding:"required"`
	ApplicationURL      string   `json:"application_url" binding:"required,url"`
	MatchScore          *int     `json:"match_score" binding:"omitempty,min=0,max=100"`
	ApplyRecommendation string   `json:"apply_recommendation"`
	MatchReasons        []string `json:"match_reasons"`
}

// ToNewJob converts the request to the domain type
func (r *QueueApplicationRequest) ToNewJob() domain.NewJob {
	return domain.NewJob{
		JobTitle:            r.JobTitle,
		Company:             r.Company,
		ApplicationURL:      r.ApplicationURL,
		MatchScore:          r.MatchScore,
		ApplyRecommendation: r.ApplyRecommendation,
		MatchReasons:        r.MatchReasons,
	}
}

type ListApplicationsRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

// AnswerRequest maps pending question fields to the user's answers
type AnswerRequest struct {
	Answers map[string]string `json:"answers" binding:"required"`
}

// TransitionResponse reports the state a lifecycle operation left the application in
type TransitionResponse struct {
	ApplicationID    string            `json:"application_id"`
	Status           domain.Status     `json:"status"`
	PendingQuestions []domain.Question `json:"pending_questions,omitempty"`
}

// NewTransitionResponse builds a TransitionResponse from a record
func NewTransitionResponse(app *domain.Application) TransitionResponse {
	return TransitionResponse{
		ApplicationID:    app.ApplicationID,
		Status:           app.Status,
		PendingQuestions: app.PendingQuestions,
	}
}

type RevokeSessionResponse struct {
	CanceledRuns int `json:"canceled_runs"`
}

type ProfileRequest struct {
	Fields map[string]string `json:"fields" binding:"required"`
}

type ProfileResponse struct {
	Fields map[string]string `json:"fields"`
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error         string   `json:"error"`
	MissingFields []string `json:"missing_fields,omitempty"`
}
