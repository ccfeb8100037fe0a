// Package eligibility applies the hard admission rules that decide which
// catalog opportunities a profile may see at all.
package eligibility

import (
	"strings"

	"github.com/david/grant-matcher/internal/models"
)

const anyToken = "any"

// Options selects which dormant rules are enforced. The zero value is the
// permissive behaviour: only the domain rule can reject.
type Options struct {
	EnforceCitizenship bool
	EnforceCareerStage bool
}

// Filter returns the opportunities of catalog that profile is eligible for,
// preserving catalog order. It fails on the first malformed opportunity.
func Filter(profile models.UserProfile, catalog []models.Opportunity, opts Options) ([]models.Opportunity, error) {
	userDomains := make(map[string]struct{}, len(profile.Domains))
	for _, d := range profile.Domains {
		userDomains[normalizeDomain(d)] = struct{}{}
	}
	citizenshipTokens := CitizenshipTokens(profile.Citizenship)

	out := make([]models.Opportunity, 0, len(catalog))
	for _, opp := range catalog {
		if err := opp.Validate(); err != nil {
			return nil, err
		}

		if opts.EnforceCitizenship && !citizenshipAllowed(opp.EligibilityCriteria.Citizenship, citizenshipTokens) {
			continue
		}
		if opts.EnforceCareerStage && !careerStageAllowed(opp.EligibilityCriteria.CareerStage, profile.Role, profile.CareerStage) {
			continue
		}
		if !domainAllowed(opp.Domain, userDomains) {
			continue
		}
		out = append(out, opp)
	}
	return out, nil
}

func domainAllowed(oppDomain string, userDomains map[string]struct{}) bool {
	d := normalizeDomain(oppDomain)
	if d == "" || d == models.DomainGeneral {
		return true
	}
	_, ok := userDomains[d]
	return ok
}

func normalizeDomain(d string) string {
	return strings.Join(strings.Fields(d), " ")
}

func citizenshipAllowed(allowed []string, userTokens map[string]struct{}) bool {
	if allowed == nil {
		return true
	}
	for _, a := range allowed {
		for token := range CitizenshipTokens(a) {
			if token == anyToken {
				return true
			}
			if _, ok := userTokens[token]; ok {
				return true
			}
		}
	}
	return false
}

func careerStageAllowed(allowed []string, role, stage string) bool {
	if allowed == nil {
		return true
	}

	var userValues []string
	for _, v := range []string{role, stage} {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			userValues = append(userValues, v)
		}
	}

	for _, a := range allowed {
		token := strings.ToLower(strings.TrimSpace(a))
		if token == "" {
			continue
		}
		if token == anyToken {
			return true
		}
		for _, v := range userValues {
			if strings.Contains(token, v) || strings.Contains(v, token) {
				return true
			}
		}
	}
	return false
}
