package models

import (
	"encoding/json"
	"strings"
	"time"
)

// UserProfile is the read-only view of a user consumed by matching.
type UserProfile struct {
	UserID             string     `json:"user_id"`
	Idea               string     `json:"idea"`
	Domains            DomainList `json:"domain"`
	Role               string     `json:"role"`
	Citizenship        string     `json:"citizenship"`
	CareerStage        string     `json:"career_stage"`
	FundingRequirement float64    `json:"funding_requirement"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// DomainList accepts either a single string or a list of strings in JSON.
type DomainList []string

func (d *DomainList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*d = splitDomains(single)
		return nil
	}

	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return &ValidationError{Field: "domain", Reason: "must be a string or a list of strings"}
	}
	*d = normalizeDomains(many)
	return nil
}

func splitDomains(s string) DomainList {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return normalizeDomains(strings.Split(s, ","))
}

func normalizeDomains(values []string) DomainList {
	out := make(DomainList, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Validate checks the fields a profile-update must carry.
func (p UserProfile) Validate() error {
	if strings.TrimSpace(p.UserID) == "" {
		return &ValidationError{Field: "user_id", Reason: "must not be empty"}
	}
	if len(p.Domains) == 0 {
		return &ValidationError{Field: "domain", Reason: "at least one domain is required"}
	}
	if p.FundingRequirement < 0 {
		return &ValidationError{Field: "funding_requirement", Reason: "must not be negative"}
	}
	return nil
}
