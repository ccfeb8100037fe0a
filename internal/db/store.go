package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/david/grant-matcher/internal/models"
)

// Store serves profiles, the opportunity catalog and pitch sessions.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// criteriaRecord is the JSONB form of eligibility criteria. It has no
// omitempty so an absent criterion (null) and an explicit empty set ([])
// survive the round trip.
type criteriaRecord struct {
	Citizenship []string `json:"citizenship"`
	CareerStage []string `json:"career_stage"`
	Confidence  string   `json:"confidence,omitempty"`
}

const opportunityCols = `id, org_name, event_name, domain, tags,
	eligibility_criteria, funding_profile, active_from, active_until,
	prev_funded_projects, created_at`

func scanOpportunity(scan func(dest ...any) error) (models.Opportunity, error) {
	var (
		o                                 models.Opportunity
		criteriaRaw, fundingRaw, prevRaw []byte
	)

	err := scan(
		&o.ID, &o.OrgName, &o.EventName, &o.Domain, &o.Tags,
		&criteriaRaw, &fundingRaw, &o.ActiveWindow.Start, &o.ActiveWindow.End,
		&prevRaw, &o.CreatedAt,
	)
	if err != nil {
		return o, err
	}

	if len(criteriaRaw) > 0 {
		var rec criteriaRecord
		if err := json.Unmarshal(criteriaRaw, &rec); err != nil {
			return o, fmt.Errorf("decode eligibility_criteria of %s: %w", o.ID, err)
		}
		o.EligibilityCriteria = models.EligibilityCriteria(rec)
	}
	if len(fundingRaw) > 0 {
		if err := json.Unmarshal(fundingRaw, &o.FundingProfile); err != nil {
			return o, fmt.Errorf("decode funding_profile of %s: %w", o.ID, err)
		}
	}
	if len(prevRaw) > 0 {
		if err := json.Unmarshal(prevRaw, &o.PrevFundedProjects); err != nil {
			return o, fmt.Errorf("decode prev_funded_projects of %s: %w", o.ID, err)
		}
	}

	return o, nil
}

// ListOpportunities returns the whole catalog in catalog order.
func (s *Store) ListOpportunities(ctx context.Context) ([]models.Opportunity, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s
		FROM opportunities
		ORDER BY catalog_position ASC
	`, opportunityCols))
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	opps := []models.Opportunity{}
	for rows.Next() {
		o, err := scanOpportunity(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		opps = append(opps, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}
	return opps, nil
}

func (s *Store) GetOpportunity(ctx context.Context, id string) (*models.Opportunity, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s
		FROM opportunities
		WHERE id = $1
	`, opportunityCols), id)

	o, err := scanOpportunity(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrOpportunityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get opportunity %s: %w", id, err)
	}
	return &o, nil
}

// UpsertOpportunities validates and writes opportunities in one transaction.
// Existing rows keep their catalog position.
func (s *Store) UpsertOpportunities(ctx context.Context, opps []models.Opportunity) (int, error) {
	for _, o := range opps {
		if err := o.Validate(); err != nil {
			return 0, err
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, o := range opps {
		criteria, err := json.Marshal(criteriaRecord(o.EligibilityCriteria))
		if err != nil {
			return 0, err
		}
		funding, err := json.Marshal(o.FundingProfile)
		if err != nil {
			return 0, err
		}
		prev := o.PrevFundedProjects
		if prev == nil {
			prev = []models.FundedProject{}
		}
		prevJSON, err := json.Marshal(prev)
		if err != nil {
			return 0, err
		}
		tags := o.Tags
		if tags == nil {
			tags = []string{}
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO opportunities (
				id, org_name, event_name, domain, tags,
				eligibility_criteria, funding_profile, active_from, active_until, prev_funded_projects
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO UPDATE SET
				org_name = EXCLUDED.org_name,
				event_name = EXCLUDED.event_name,
				domain = EXCLUDED.domain,
				tags = EXCLUDED.tags,
				eligibility_criteria = EXCLUDED.eligibility_criteria,
				funding_profile = EXCLUDED.funding_profile,
				active_from = EXCLUDED.active_from,
				active_until = EXCLUDED.active_until,
				prev_funded_projects = EXCLUDED.prev_funded_projects
		`, o.ID, o.OrgName, o.EventName, strings.TrimSpace(o.Domain), tags,
			criteria, funding, o.ActiveWindow.Start, o.ActiveWindow.End, prevJSON)
		if err != nil {
			return 0, fmt.Errorf("upsert opportunity %s: %w", o.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(opps), nil
}

// GetUserProfile returns models.ErrProfileNotFound for unknown users.
func (s *Store) GetUserProfile(ctx context.Context, userID string) (*models.UserProfile, error) {
	var p models.UserProfile
	var domains []string
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, idea, domains, role, citizenship, career_stage, funding_requirement, updated_at
		FROM user_profiles
		WHERE user_id = $1
	`, userID).Scan(&p.UserID, &p.Idea, &domains, &p.Role, &p.Citizenship, &p.CareerStage, &p.FundingRequirement, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", userID, err)
	}
	p.Domains = models.DomainList(domains)
	return &p, nil
}

// UpsertProfile validates and stores a profile, returning the stored row.
func (s *Store) UpsertProfile(ctx context.Context, p models.UserProfile) (*models.UserProfile, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO user_profiles (user_id, idea, domains, role, citizenship, career_stage, funding_requirement, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			idea = EXCLUDED.idea,
			domains = EXCLUDED.domains,
			role = EXCLUDED.role,
			citizenship = EXCLUDED.citizenship,
			career_stage = EXCLUDED.career_stage,
			funding_requirement = EXCLUDED.funding_requirement,
			updated_at = NOW()
		RETURNING updated_at
	`, p.UserID, p.Idea, []string(p.Domains), p.Role, p.Citizenship, p.CareerStage, p.FundingRequirement).Scan(&p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert profile %s: %w", p.UserID, err)
	}
	return &p, nil
}

func (s *Store) RecordPitchSession(ctx context.Context, ps models.PitchSession) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pitch_sessions (id, user_id, grant_id, project_name, pitch_text, credits_spent, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)
	`, ps.ID, ps.UserID, ps.GrantID, ps.ProjectName, ps.PitchText, ps.CreditsSpent, ps.CreatedAt)
	if err != nil {
		return fmt.Errorf("record pitch session: %w", err)
	}
	return nil
}
