package ai

import (
	"context"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/david/grant-matcher/internal/logger"
	"github.com/david/grant-matcher/internal/metrics"
	"github.com/david/grant-matcher/internal/models"
)

// FallbackScore is returned whenever the backend cannot produce a score.
const FallbackScore = 0.6

//go:embed prompt.md
var promptTemplate string

const defaultMaxLogLength = 200

// ScoreCache stores preference scores by cache key. Entries are immutable
// once written; a new scorer version produces new keys.
type ScoreCache interface {
	Get(ctx context.Context, key string) (score float64, ok bool, err error)
	Set(ctx context.Context, key string, score float64) error
}

// Score is the outcome of one preference scoring call.
type Score struct {
	Value      float64
	IsFallback bool
	Cached     bool
}

// Scorer is the preference scoring oracle. Score never returns an error:
// backend failures degrade to FallbackScore.
type Scorer struct {
	generator Generator
	cache     ScoreCache
	version   string
	timeout   time.Duration
	logger    *zap.Logger
	metrics   *metrics.Metrics
	maxLogLen int
}

type ScorerOptions struct {
	Version        string
	RequestTimeout time.Duration
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
}

// NewScorer builds a scorer. A nil generator makes every uncached call fall
// back; a nil cache disables caching.
func NewScorer(generator Generator, cache ScoreCache, opts ScorerOptions) *Scorer {
	version := strings.TrimSpace(opts.Version)
	if version == "" {
		version = "v1"
	}
	return &Scorer{
		generator: generator,
		cache:     cache,
		version:   version,
		timeout:   opts.RequestTimeout,
		logger:    logger.OrNop(opts.Logger),
		metrics:   opts.Metrics,
		maxLogLen: defaultMaxLogLength,
	}
}

// CacheKey derives the cache key for a (user, opportunity, version) triple.
func CacheKey(userID, opportunityID, version string) string {
	sum := sha256.Sum256([]byte(userID + "\x00" + opportunityID))
	return version + ":" + hex.EncodeToString(sum[:16])
}

func (s *Scorer) Score(ctx context.Context, profile models.UserProfile, opp models.Opportunity) Score {
	key := CacheKey(profile.UserID, opp.ID, s.version)
	log := s.logger.With(
		zap.String("user_id", profile.UserID),
		zap.String("opportunity_id", opp.ID),
		zap.String("cache_key", key),
	)

	if s.cache != nil {
		cached, ok, err := s.cache.Get(ctx, key)
		switch {
		case err != nil:
			log.Warn("score cache read failed, treating as miss", zap.Error(err))
		case ok:
			s.metrics.OracleOutcome(metrics.OracleHit)
			log.Debug("score cache hit", zap.Float64("score", cached))
			return Score{Value: clamp01(cached), Cached: true}
		}
	}
	s.metrics.OracleOutcome(metrics.OracleMiss)

	value, err := s.invoke(ctx, profile, opp)
	if err != nil {
		s.metrics.OracleOutcome(metrics.OracleFallback)
		log.Warn("preference scoring failed, using fallback score",
			zap.Error(err),
			zap.Float64("score", FallbackScore),
		)
		return Score{Value: FallbackScore, IsFallback: true}
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, value); err != nil {
			log.Warn("score cache write failed", zap.Error(err))
		}
	}
	return Score{Value: value}
}

func (s *Scorer) invoke(ctx context.Context, profile models.UserProfile, opp models.Opportunity) (float64, error) {
	if s.generator == nil {
		return 0, errors.New("no scoring backend configured")
	}

	prompt, err := buildPrompt(profile, opp)
	if err != nil {
		return 0, err
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	s.logger.Debug("preference scoring request",
		zap.String("model", s.generator.Model()),
		zap.String("opportunity_id", opp.ID),
		zap.Int("prompt_length", utf8.RuneCountInString(prompt)),
	)

	raw, err := s.generator.GenerateContent(ctx, prompt)
	if err != nil {
		return 0, fmt.Errorf("scoring backend: %w", err)
	}

	s.logger.Debug("preference scoring response",
		zap.String("opportunity_id", opp.ID),
		zap.String("response_preview", logger.Truncate(raw, s.maxLogLen)),
	)

	score, err := parseScore(raw)
	if err != nil {
		return 0, fmt.Errorf("parse scoring response: %w", err)
	}
	return clamp01(score), nil
}

type promptProfile struct {
	Idea               string   `json:"idea"`
	Domains            []string `json:"domains"`
	Role               string   `json:"role,omitempty"`
	Citizenship        string   `json:"citizenship,omitempty"`
	CareerStage        string   `json:"career_stage,omitempty"`
	FundingRequirement float64  `json:"funding_requirement,omitempty"`
}

type promptOpportunity struct {
	Organization       string                     `json:"organization"`
	Name               string                     `json:"name"`
	Domain             string                     `json:"domain"`
	Tags               []string                   `json:"tags,omitempty"`
	Eligibility        models.EligibilityCriteria `json:"eligibility"`
	Funding            models.FundingProfile      `json:"funding"`
	PrevFundedProjects []string                   `json:"previously_funded,omitempty"`
}

func buildPrompt(profile models.UserProfile, opp models.Opportunity) (string, error) {
	profileJSON, err := json.MarshalIndent(promptProfile{
		Idea:               profile.Idea,
		Domains:            profile.Domains,
		Role:               profile.Role,
		Citizenship:        profile.Citizenship,
		CareerStage:        profile.CareerStage,
		FundingRequirement: profile.FundingRequirement,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal profile payload: %w", err)
	}

	prev := make([]string, 0, len(opp.PrevFundedProjects))
	for _, p := range opp.PrevFundedProjects {
		prev = append(prev, p.Title)
	}
	oppJSON, err := json.MarshalIndent(promptOpportunity{
		Organization:       opp.OrgName,
		Name:               opp.EventName,
		Domain:             opp.Domain,
		Tags:               opp.Tags,
		Eligibility:        opp.EligibilityCriteria,
		Funding:            opp.FundingProfile,
		PrevFundedProjects: prev,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal opportunity payload: %w", err)
	}

	template := promptTemplate
	if strings.TrimSpace(template) == "" {
		template = "Profile:\n{{PROFILE_JSON}}\n\nOpportunity:\n{{OPPORTUNITY_JSON}}\n\nJSON Response:"
	}
	prompt := strings.ReplaceAll(template, "{{PROFILE_JSON}}", string(profileJSON))
	prompt = strings.ReplaceAll(prompt, "{{OPPORTUNITY_JSON}}", string(oppJSON))
	return prompt, nil
}
