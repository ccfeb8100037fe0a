package models

// Confidence tags attached to a MatchResult.
const (
	ConfidenceOracle           = "oracle"
	ConfidenceFallback         = "fallback"
	ConfidenceCriticalFallback = "critical_fallback"
)

// MatchResult is the per-request scoring outcome for one opportunity.
type MatchResult struct {
	OpportunityID   string      `json:"opportunity_id"`
	PreferenceScore float64     `json:"preference_score"`
	ConfidenceTag   string      `json:"confidence_tag"`
	IsFallback      bool        `json:"is_fallback"`
	Opportunity     Opportunity `json:"opportunity"`
}

// CategorizedGrants is the response of the match orchestrator.
type CategorizedGrants struct {
	Eligible          []MatchResult `json:"eligible"`
	PartiallyEligible []MatchResult `json:"partially_eligible"`
}
