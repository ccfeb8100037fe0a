package models

import (
	"time"

	"github.com/google/uuid"
)

// ActivityType classifies a ledger activity entry.
type ActivityType string

const (
	ActivityRegistration     ActivityType = "Registration"
	ActivityDailyCheckIn     ActivityType = "DailyCheckIn"
	ActivityPitchPractice    ActivityType = "PitchPractice"
	ActivityGrantDiscovery   ActivityType = "GrantDiscovery"
	ActivityManualAdjustment ActivityType = "ManualAdjustment"
)

// Valid reports whether t is one of the known activity types.
func (t ActivityType) Valid() bool {
	switch t {
	case ActivityRegistration, ActivityDailyCheckIn, ActivityPitchPractice,
		ActivityGrantDiscovery, ActivityManualAdjustment:
		return true
	}
	return false
}

// CreditAccount is a user's spendable balance. Balance is never negative.
type CreditAccount struct {
	UserID          string     `json:"user_id"`
	Balance         int        `json:"balance"`
	LastUpdated     time.Time  `json:"last_updated"`
	LastCheckInDate *time.Time `json:"last_check_in_date"`
}

// ActivityEntry is an append-only record explaining a balance change.
type ActivityEntry struct {
	ID          uuid.UUID    `json:"id"`
	UserID      string       `json:"user_id"`
	Type        ActivityType `json:"type"`
	ProjectName string       `json:"project_name,omitempty"`
	Impact      int          `json:"impact"`
	Timestamp   time.Time    `json:"timestamp"`
}

// PitchSession records a paid pitch-analysis request.
type PitchSession struct {
	ID           uuid.UUID `json:"id"`
	UserID       string    `json:"user_id"`
	GrantID      string    `json:"grant_id"`
	ProjectName  string    `json:"project_name,omitempty"`
	PitchText    string    `json:"pitch_text"`
	CreditsSpent int       `json:"credits_spent"`
	CreatedAt    time.Time `json:"created_at"`
}
