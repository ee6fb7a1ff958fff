package domain

import (
	"fmt"
	"time"
)

// Question is a single piece of information the agent needs from the user
type Question struct {
	Field    string `json:"field"`
	Question string `json:"question"`
}

// Application is one user-to-job submission tracked through its lifecycle
type Application struct {
	ApplicationID       string
	UserID              string
	JobTitle            string
	Company             string
	ApplicationURL      string
	Status              Status
	MatchScore          *int
	ApplyRecommendation string
	MatchReasons        []string
	PendingQuestions    []Question
	Answers             map[string]string
	AppliedAt           *time.Time
	FailureReason       string
	RunID               string
	EmailUpdateIDs      []string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// NewJob is a candidate job handed over by the discovery collaborator
type NewJob struct {
	JobTitle            string
	Company             string
	ApplicationURL      string
	MatchScore          *int
	ApplyRecommendation string
	MatchReasons        []string
}

// Clone returns a deep copy so mutations never alias stored state
func (a *Application) Clone() *Application {
	if a == nil {
		return nil
	}
	c := *a
	if a.MatchScore != nil {
		score := *a.MatchScore
		c.MatchScore = &score
	}
	if a.AppliedAt != nil {
		at := *a.AppliedAt
		c.AppliedAt = &at
	}
	c.MatchReasons = append([]string(nil), a.MatchReasons...)
	c.PendingQuestions = append([]Question(nil), a.PendingQuestions...)
	c.EmailUpdateIDs = append([]string(nil), a.EmailUpdateIDs...)
	if a.Answers != nil {
		c.Answers = make(map[string]string, len(a.Answers))
		for k, v := range a.Answers {
			c.Answers[k] = v
		}
	}
	return &c
}

// Validate checks the record invariants
func (a *Application) Validate() error {
	if !a.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvariantViolation, a.Status)
	}
	if a.MatchScore != nil && (*a.MatchScore < 0 || *a.MatchScore > 100) {
		return fmt.Errorf("%w: match_score %d out of range", ErrInvariantViolation, *a.MatchScore)
	}
	hasQuestions := len(a.PendingQuestions) > 0
	if hasQuestions != (a.Status == StatusNeedsInfo) {
		return fmt.Errorf("%w: pending_questions=%d with status %s", ErrInvariantViolation, len(a.PendingQuestions), a.Status)
	}
	if a.Status == StatusApplied && a.AppliedAt == nil {
		return fmt.Errorf("%w: applied without applied_at", ErrInvariantViolation)
	}
	return nil
}

// ValidateTransition checks the parts of the invariants that relate old and new state:
// immutable descriptive fields and a monotonic applied_at.
func ValidateTransition(before, after *Application) error {
	if before.ApplicationID != after.ApplicationID || before.UserID != after.UserID {
		return fmt.Errorf("%w: identity changed", ErrInvariantViolation)
	}
	if before.JobTitle != after.JobTitle || before.Company != after.Company || before.ApplicationURL != after.ApplicationURL {
		return fmt.Errorf("%w: descriptive fields are immutable", ErrInvariantViolation)
	}
	if (before.MatchScore == nil) != (after.MatchScore == nil) ||
		(before.MatchScore != nil && *before.MatchScore != *after.MatchScore) {
		return fmt.Errorf("%w: match_score is immutable", ErrInvariantViolation)
	}
	if before.AppliedAt != nil {
		if after.AppliedAt == nil || !after.AppliedAt.Equal(*before.AppliedAt) {
			return fmt.Errorf("%w: applied_at is set once and never cleared", ErrInvariantViolation)
		}
	}
	return after.Validate()
}

// PendingFields returns the field keys of the pending questions in order
func (a *Application) PendingFields() []string {
	fields := make([]string, 0, len(a.PendingQuestions))
	for _, q := range a.PendingQuestions {
		fields = append(fields, q.Field)
	}
	return fields
}
