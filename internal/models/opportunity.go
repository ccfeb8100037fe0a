package models

import (
	"strings"
	"time"
)

// DomainGeneral marks an opportunity open to every domain.
const DomainGeneral = "General"

// Opportunity is a fundable program instance from the catalog.
type Opportunity struct {
	ID                  string              `json:"id"`
	OrgName             string              `json:"org_name"`
	EventName           string              `json:"event_name"`
	Domain              string              `json:"domain"`
	Tags                []string            `json:"tags"`
	EligibilityCriteria EligibilityCriteria `json:"eligibility_criteria"`
	FundingProfile      FundingProfile      `json:"funding_profile"`
	ActiveWindow        ActiveWindow        `json:"active_window"`
	PrevFundedProjects  []FundedProject     `json:"prev_funded_projects"`
	CreatedAt           time.Time           `json:"created_at"`
}

// EligibilityCriteria holds the hard constraints of an opportunity.
// A nil slice means the criterion is absent (no restriction); a non-nil
// empty slice is malformed and rejected by Validate.
type EligibilityCriteria struct {
	Citizenship []string `json:"citizenship,omitempty"`
	CareerStage []string `json:"career_stage,omitempty"`
	Confidence  string   `json:"confidence,omitempty"`
}

type FundingProfile struct {
	MaxAmount  float64 `json:"max_amount"`
	MinAmount  float64 `json:"min_amount"`
	Confidence string  `json:"confidence,omitempty"`
}

type ActiveWindow struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// FundedProject is a prior award, used as a relevance signal.
type FundedProject struct {
	Title string `json:"title"`
	Year  int    `json:"year,omitempty"`
}

// Validate checks the structural invariants of an opportunity.
func (o Opportunity) Validate() error {
	if strings.TrimSpace(o.ID) == "" {
		return &ValidationError{Field: "opportunity_id", Reason: "must not be empty"}
	}
	if o.EligibilityCriteria.Citizenship != nil && len(o.EligibilityCriteria.Citizenship) == 0 {
		return &ValidationError{Field: "eligibility_criteria.citizenship", Reason: "explicit empty set; omit the field or use \"any\"", ID: o.ID}
	}
	if o.EligibilityCriteria.CareerStage != nil && len(o.EligibilityCriteria.CareerStage) == 0 {
		return &ValidationError{Field: "eligibility_criteria.career_stage", Reason: "explicit empty set; omit the field or use \"any\"", ID: o.ID}
	}
	if o.FundingProfile.MinAmount < 0 || o.FundingProfile.MaxAmount < 0 {
		return &ValidationError{Field: "funding_profile", Reason: "amounts must not be negative", ID: o.ID}
	}
	if o.FundingProfile.MaxAmount > 0 && o.FundingProfile.MinAmount > o.FundingProfile.MaxAmount {
		return &ValidationError{Field: "funding_profile.min_amount", Reason: "exceeds max_amount", ID: o.ID}
	}
	if w := o.ActiveWindow; w.Start != nil && w.End != nil && w.End.Before(*w.Start) {
		return &ValidationError{Field: "active_window", Reason: "end before start", ID: o.ID}
	}
	return nil
}
