package domain

import (
	"fmt"
	"time"
)

// Classification is the email-classification service's verdict for one message
type Classification string

const (
	ClassificationRejection          Classification = "rejection"
	ClassificationInterviewScheduled Classification = "interview_scheduled"
	ClassificationAssessment         Classification = "assessment"
	ClassificationFollowUp           Classification = "follow_up"
	ClassificationOffer              Classification = "offer"
	ClassificationUnknown            Classification = "unknown"
)

// ParseClassification accepts the known classifications; anything else is unknown
func ParseClassification(s string) Classification {
	switch c := Classification(s); c {
	case ClassificationRejection, ClassificationInterviewScheduled, ClassificationAssessment,
		ClassificationFollowUp, ClassificationOffer:
		return c
	default:
		return ClassificationUnknown
	}
}

// TargetStatus maps a classification to the status it drives, if any
func (c Classification) TargetStatus() (Status, bool) {
	switch c {
	case ClassificationRejection:
		return StatusRejected, true
	case ClassificationInterviewScheduled:
		return StatusInterviewScheduled, true
	case ClassificationOffer:
		return StatusOfferReceived, true
	default:
		return "", false
	}
}

// KeyInfo is structured data extracted from a classified email
type KeyInfo struct {
	InterviewDate   string `json:"interview_date,omitempty"`
	InterviewTime   string `json:"interview_time,omitempty"`
	InterviewFormat string `json:"interview_format,omitempty"`
	InterviewLink   string `json:"interview_link,omitempty"`
	NextSteps       string `json:"next_steps,omitempty"`
	Deadline        string `json:"deadline,omitempty"`
}

// EmailUpdate is a classified email, optionally linked to an application
type EmailUpdate struct {
	EmailUpdateID     string
	EmailID           string
	UserID            string
	ApplicationID     string
	Classification    Classification
	Subject           string
	Sender            string
	Date              time.Time
	Summary           string
	JobTitle          string
	Company           string
	ActionRequired    bool
	ActionDescription string
	KeyInfo           *KeyInfo
	CreatedAt         time.Time
}

// Validate checks the fields ingestion relies on
func (e *EmailUpdate) Validate() error {
	if e.EmailID == "" {
		return fmt.Errorf("email_id is required")
	}
	if e.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	return nil
}

// ExternalTransition decides the status an email classification moves an application to.
// Terminal statuses never change; interview_scheduled may still reach an offer or a rejection.
func ExternalTransition(current Status, c Classification) (Status, bool) {
	target, ok := c.TargetStatus()
	if !ok || current == target {
		return current, false
	}
	switch current {
	case StatusInProgress, StatusApplied:
		return target, true
	case StatusInterviewScheduled:
		if target == StatusOfferReceived || target == StatusRejected {
			return target, true
		}
	}
	return current, false
}
