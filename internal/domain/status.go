package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Status is the lifecycle state of an application
type Status string

// Application status constants
const (
	StatusPending            Status = "pending"
	StatusInProgress         Status = "in_progress"
	StatusApplied            Status = "applied"
	StatusNeedsInfo          Status = "needs_info"
	StatusRejected           Status = "rejected"
	StatusInterviewScheduled Status = "interview_scheduled"
	StatusOfferReceived      Status = "offer_received"
	StatusFailed             Status = "failed"
)

var allStatuses = []Status{
	StatusPending,
	StatusInProgress,
	StatusApplied,
	StatusNeedsInfo,
	StatusRejected,
	StatusInterviewScheduled,
	StatusOfferReceived,
	StatusFailed,
}

// ParseStatus converts a string to a Status, rejecting unknown values
func ParseStatus(s string) (Status, error) {
	for _, st := range allStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown application status %q", s)
}

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	_, err := ParseStatus(string(s))
	return err == nil
}

// IsTerminal reports whether no further agent-driven transition may occur
func (s Status) IsTerminal() bool {
	switch s {
	case StatusRejected, StatusOfferReceived, StatusFailed:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	return string(s)
}

// MarshalJSON rejects the zero value so a half-built record never leaves the service
func (s Status) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("cannot marshal invalid status %q", string(s))
	}
	return json.Marshal(string(s))
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Value implements driver.Valuer
func (s Status) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid status %q", string(s))
	}
	return string(s), nil
}

// Scan implements sql.Scanner
func (s *Status) Scan(src any) error {
	var raw string
	switch v := src.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("cannot scan %T into Status", src)
	}
	parsed, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
