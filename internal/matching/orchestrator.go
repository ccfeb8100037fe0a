// Package matching composes eligibility filtering, relevance ranking and
// preference scoring into the categorized grant list served to applicants.
package matching

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/david/grant-matcher/internal/ai"
	"github.com/david/grant-matcher/internal/eligibility"
	"github.com/david/grant-matcher/internal/logger"
	"github.com/david/grant-matcher/internal/metrics"
	"github.com/david/grant-matcher/internal/models"
	"github.com/david/grant-matcher/internal/ranking"
)

const (
	EligibleThreshold = 0.8
	PartialThreshold  = 0.4
	CriticalScore     = 1.0
)

type ProfileSource interface {
	GetUserProfile(ctx context.Context, userID string) (*models.UserProfile, error)
}

type CatalogSource interface {
	ListOpportunities(ctx context.Context) ([]models.Opportunity, error)
}

// PreferenceScorer never fails; degraded scores are flagged on the result.
type PreferenceScorer interface {
	Score(ctx context.Context, profile models.UserProfile, opp models.Opportunity) ai.Score
}

// DiscoveryCharger debits the grant discovery cost.
type DiscoveryCharger interface {
	ChargeGrantDiscovery(ctx context.Context, userID string) (int, error)
}

// errBatchScheduling marks a failure of the scoring stage as a whole.
var errBatchScheduling = errors.New("batch scheduling failure")

type Options struct {
	MaxConcurrency int
	// ScoringTimeout bounds the whole scoring stage. Zero disables it.
	ScoringTimeout time.Duration
	Eligibility    eligibility.Options
	// Charger, when set, is debited before candidates are scored.
	Charger DiscoveryCharger
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

type Orchestrator struct {
	profiles ProfileSource
	catalog  CatalogSource
	scorer   PreferenceScorer
	opts     Options
	logger   *zap.Logger
}

func NewOrchestrator(profiles ProfileSource, catalog CatalogSource, scorer PreferenceScorer, opts Options) *Orchestrator {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = ranking.TopK
	}
	return &Orchestrator{
		profiles: profiles,
		catalog:  catalog,
		scorer:   scorer,
		opts:     opts,
		logger:   logger.OrNop(opts.Logger),
	}
}

// GetCategorizedGrants returns the user's top candidates split into eligible
// and partially eligible buckets, in ranker order.
func (o *Orchestrator) GetCategorizedGrants(ctx context.Context, userID string) (*models.CategorizedGrants, error) {
	profile, err := o.profiles.GetUserProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	catalog, err := o.catalog.ListOpportunities(ctx)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	passed, err := eligibility.Filter(*profile, catalog, o.opts.Eligibility)
	if err != nil {
		return nil, err
	}
	candidates := ranking.Shortlist(*profile, passed)

	log := o.logger.With(zap.String("user_id", userID))
	log.Debug("candidates shortlisted",
		zap.Int("catalog", len(catalog)),
		zap.Int("eligible", len(passed)),
		zap.Int("shortlisted", len(candidates)),
	)

	if o.opts.Charger != nil {
		if _, err := o.opts.Charger.ChargeGrantDiscovery(ctx, userID); err != nil {
			return nil, err
		}
	}

	scores, err := o.scoreAll(ctx, *profile, candidates)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Error("scoring stage failed, returning critical fallback", zap.Error(err))
		o.opts.Metrics.MatchRequest("critical_fallback")
		return criticalFallback(candidates), nil
	}

	o.opts.Metrics.MatchRequest("ok")
	return categorize(candidates, scores), nil
}

// scoreAll scores candidates with bounded concurrency. A slot is nil when
// its task did not settle with a usable score.
func (o *Orchestrator) scoreAll(ctx context.Context, profile models.UserProfile, candidates []models.Opportunity) ([]*ai.Score, error) {
	stageCtx := ctx
	if o.opts.ScoringTimeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, o.opts.ScoringTimeout)
		defer cancel()
	}

	results := make([]*ai.Score, len(candidates))
	g, gctx := errgroup.WithContext(stageCtx)
	g.SetLimit(o.opts.MaxConcurrency)

	for i, c := range candidates {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					o.logger.Error("scoring task panicked, omitting candidate",
						zap.String("opportunity_id", c.ID),
						zap.Any("panic", r),
					)
				}
			}()

			s := o.scorer.Score(gctx, profile, c)
			if math.IsNaN(s.Value) {
				o.logger.Warn("scorer returned NaN, omitting candidate", zap.String("opportunity_id", c.ID))
				return nil
			}
			results[i] = &s
			return nil
		})
	}

	// Tasks never return errors; a failed task is an omission.
	_ = g.Wait()

	if err := stageCtx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", errBatchScheduling, err)
	}
	return results, nil
}

func categorize(candidates []models.Opportunity, scores []*ai.Score) *models.CategorizedGrants {
	out := &models.CategorizedGrants{
		Eligible:          []models.MatchResult{},
		PartiallyEligible: []models.MatchResult{},
	}

	for i, c := range candidates {
		s := scores[i]
		if s == nil {
			continue
		}

		tag := models.ConfidenceOracle
		if s.IsFallback {
			tag = models.ConfidenceFallback
		}
		res := models.MatchResult{
			OpportunityID:   c.ID,
			PreferenceScore: s.Value,
			ConfidenceTag:   tag,
			IsFallback:      s.IsFallback,
			Opportunity:     c,
		}

		switch Bucket(s.Value) {
		case BucketEligible:
			out.Eligible = append(out.Eligible, res)
		case BucketPartial:
			out.PartiallyEligible = append(out.PartiallyEligible, res)
		}
	}
	return out
}

func criticalFallback(candidates []models.Opportunity) *models.CategorizedGrants {
	out := &models.CategorizedGrants{
		Eligible:          make([]models.MatchResult, 0, len(candidates)),
		PartiallyEligible: []models.MatchResult{},
	}
	for _, c := range candidates {
		out.Eligible = append(out.Eligible, models.MatchResult{
			OpportunityID:   c.ID,
			PreferenceScore: CriticalScore,
			ConfidenceTag:   models.ConfidenceCriticalFallback,
			IsFallback:      true,
			Opportunity:     c,
		})
	}
	return out
}

type BucketKind int

const (
	BucketDropped BucketKind = iota
	BucketPartial
	BucketEligible
)

// Bucket maps a preference score to its category. Boundaries are inclusive
// on the lower end.
func Bucket(score float64) BucketKind {
	switch {
	case score >= EligibleThreshold:
		return BucketEligible
	case score >= PartialThreshold:
		return BucketPartial
	default:
		return BucketDropped
	}
}
