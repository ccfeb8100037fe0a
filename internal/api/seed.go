package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/david/grant-matcher/internal/models"
)

// handleSeed upserts the opportunities in the request body, or the built-in
// sample catalog when the body is empty.
func (s *Server) handleSeed(c echo.Context) error {
	var opps []models.Opportunity
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&opps); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
		}
	}
	if len(opps) == 0 {
		opps = sampleOpportunities()
	}

	n, err := s.store.UpsertOpportunities(c.Request().Context(), opps)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{"seeded": n})
}

func sampleOpportunities() []models.Opportunity {
	return []models.Opportunity{
		{
			ID:        "gcgh-global-health",
			OrgName:   "Gates Foundation",
			EventName: "Grand Challenges - Global Health Innovation",
			Domain:    "Healthcare",
			Tags:      []string{"global health", "diagnostics", "low-income countries"},
			EligibilityCriteria: models.EligibilityCriteria{
				Citizenship: []string{"any"},
				CareerStage: []string{"early-stage", "researcher"},
			},
			FundingProfile: models.FundingProfile{MinAmount: 50000, MaxAmount: 100000},
			PrevFundedProjects: []models.FundedProject{
				{Title: "Low-cost malaria diagnostics", Year: 2023},
			},
		},
		{
			ID:        "horizon-climate-cities",
			OrgName:   "European Commission",
			EventName: "Horizon Europe - Climate Neutral Cities 2030",
			Domain:    "Climate",
			Tags:      []string{"clean energy", "mobility", "circular economy"},
			EligibilityCriteria: models.EligibilityCriteria{
				Citizenship: []string{"EU"},
			},
			FundingProfile: models.FundingProfile{MinAmount: 500000, MaxAmount: 2000000},
			ActiveWindow: models.ActiveWindow{
				End: timePtr(time.Date(2026, 6, 15, 17, 0, 0, 0, time.UTC)),
			},
		},
		{
			ID:        "usaid-div",
			OrgName:   "USAID",
			EventName: "Development Innovation Ventures",
			Domain:    models.DomainGeneral,
			Tags:      []string{"agriculture", "education", "health", "evidence-based"},
			FundingProfile: models.FundingProfile{
				MinAmount: 100000,
				MaxAmount: 1500000,
			},
		},
		{
			ID:        "birac-big",
			OrgName:   "BIRAC",
			EventName: "Biotechnology Ignition Grant",
			Domain:    "Biotech",
			Tags:      []string{"startup", "proof of concept"},
			EligibilityCriteria: models.EligibilityCriteria{
				Citizenship: []string{"India"},
				CareerStage: []string{"founder", "student"},
			},
			FundingProfile: models.FundingProfile{MaxAmount: 5000000},
			PrevFundedProjects: []models.FundedProject{
				{Title: "Point-of-care TB screening", Year: 2022},
			},
		},
		{
			ID:        "nsf-sbir-ai",
			OrgName:   "National Science Foundation",
			EventName: "SBIR Phase I - Artificial Intelligence",
			Domain:    "AI",
			Tags:      []string{"machine learning", "small business", "deep tech"},
			EligibilityCriteria: models.EligibilityCriteria{
				Citizenship: []string{"US"},
			},
			FundingProfile: models.FundingProfile{MaxAmount: 305000},
		},
		{
			ID:        "mozilla-tech-fund",
			OrgName:   "Mozilla Foundation",
			EventName: "Mozilla Technology Fund - Trustworthy AI",
			Domain:    "AI",
			Tags:      []string{"open source", "transparency", "ai auditing"},
			EligibilityCriteria: models.EligibilityCriteria{
				Citizenship: []string{"any"},
			},
			FundingProfile: models.FundingProfile{MaxAmount: 50000},
			PrevFundedProjects: []models.FundedProject{
				{Title: "Open source bias auditing toolkit", Year: 2024},
			},
		},
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}
