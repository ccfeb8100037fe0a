package matching

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/david/grant-matcher/internal/ai"
	"github.com/david/grant-matcher/internal/models"
)

type fakeProfiles map[string]models.UserProfile

func (f fakeProfiles) GetUserProfile(_ context.Context, userID string) (*models.UserProfile, error) {
	p, ok := f[userID]
	if !ok {
		return nil, models.ErrProfileNotFound
	}
	return &p, nil
}

type fakeCatalog struct {
	opps []models.Opportunity
	err  error
}

func (f fakeCatalog) ListOpportunities(context.Context) ([]models.Opportunity, error) {
	return f.opps, f.err
}

// tableScorer returns a fixed score per opportunity id.
type tableScorer struct {
	scores   map[string]ai.Score
	panicOn  string
	delay    time.Duration
	inFlight int32
	peak     int32
	mu       sync.Mutex
	seen     []string
}

func (s *tableScorer) Score(ctx context.Context, _ models.UserProfile, opp models.Opportunity) ai.Score {
	n := atomic.AddInt32(&s.inFlight, 1)
	defer atomic.AddInt32(&s.inFlight, -1)
	for {
		p := atomic.LoadInt32(&s.peak)
		if n <= p || atomic.CompareAndSwapInt32(&s.peak, p, n) {
			break
		}
	}

	s.mu.Lock()
	s.seen = append(s.seen, opp.ID)
	s.mu.Unlock()

	if opp.ID == s.panicOn {
		panic("scorer exploded")
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return ai.Score{Value: ai.FallbackScore, IsFallback: true}
		}
	}
	if sc, ok := s.scores[opp.ID]; ok {
		return sc
	}
	return ai.Score{Value: ai.FallbackScore, IsFallback: true}
}

type fakeCharger struct {
	calls int
	err   error
}

func (c *fakeCharger) ChargeGrantDiscovery(context.Context, string) (int, error) {
	c.calls++
	return 0, c.err
}

var applicant = models.UserProfile{
	UserID:  "u1",
	Idea:    "solar",
	Domains: models.DomainList{"Energy"},
}

// catalog of five Energy opportunities, all mentioning "solar" once so the
// ranker keeps catalog order.
func energyCatalog(ids ...string) []models.Opportunity {
	out := make([]models.Opportunity, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.Opportunity{ID: id, EventName: "Solar " + id, Domain: "Energy"})
	}
	return out
}

func resultIDs(rs []models.MatchResult) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.OpportunityID)
	}
	return out
}

func sameIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func newTestOrchestrator(scorer PreferenceScorer, catalog []models.Opportunity, opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return NewOrchestrator(fakeProfiles{"u1": applicant}, fakeCatalog{opps: catalog}, scorer, opts)
}

func TestGetCategorizedGrants_Buckets(t *testing.T) {
	scorer := &tableScorer{scores: map[string]ai.Score{
		"g1": {Value: 0.9},
		"g2": {Value: 0.85},
		"g3": {Value: 0.6, IsFallback: true},
		"g4": {Value: 0.5},
		"g5": {Value: 0.3},
	}}
	orch := newTestOrchestrator(scorer, energyCatalog("g1", "g2", "g3", "g4", "g5"), Options{})

	got, err := orch.GetCategorizedGrants(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !sameIDs(resultIDs(got.Eligible), []string{"g1", "g2"}) {
		t.Fatalf("expected eligible [g1 g2], got %v", resultIDs(got.Eligible))
	}
	if !sameIDs(resultIDs(got.PartiallyEligible), []string{"g3", "g4"}) {
		t.Fatalf("expected partially eligible [g3 g4], got %v", resultIDs(got.PartiallyEligible))
	}

	if got.PartiallyEligible[0].ConfidenceTag != models.ConfidenceFallback || !got.PartiallyEligible[0].IsFallback {
		t.Fatalf("expected fallback tag on g3, got %+v", got.PartiallyEligible[0])
	}
	if got.Eligible[0].ConfidenceTag != models.ConfidenceOracle {
		t.Fatalf("expected oracle tag on g1, got %s", got.Eligible[0].ConfidenceTag)
	}
}

func TestGetCategorizedGrants_EndToEnd(t *testing.T) {
	founder := models.UserProfile{
		UserID:  "u2",
		Idea:    "matching platform for grants",
		Domains: models.DomainList{"AI"},
	}
	catalog := []models.Opportunity{
		{ID: "o5", EventName: "Open Call", Domain: "AI"},
		{ID: "o4", EventName: "Grants Round", Domain: "AI"},
		{ID: "o3", EventName: "Matching Challenge", Domain: "AI"},
		{ID: "o2", EventName: "Matching Platform Prize", Domain: "AI"},
		{ID: "o1", EventName: "Matching Platform Grants", Domain: "AI"},
		{ID: "o6", EventName: "Matching Platform Grants", Domain: "Health"},
	}
	// Ranked: o1 (5 terms), o2 (4), o4 (2), o3 (2, after o4 in catalog), o5 (1).
	scorer := &tableScorer{scores: map[string]ai.Score{
		"o1": {Value: 0.9},
		"o2": {Value: 0.85},
		"o4": {Value: 0.6},
		"o3": {Value: 0.5},
		"o5": {Value: 0.3},
	}}
	orch := NewOrchestrator(fakeProfiles{"u2": founder}, fakeCatalog{opps: catalog}, scorer, Options{Logger: zap.NewNop()})

	got, err := orch.GetCategorizedGrants(context.Background(), "u2")
	if err != nil {
		t.Fatal(err)
	}
	if len(scorer.seen) != 5 {
		t.Fatalf("expected the Health opportunity to be filtered out, scored %v", scorer.seen)
	}
	if !sameIDs(resultIDs(got.Eligible), []string{"o1", "o2"}) {
		t.Fatalf("expected eligible [o1 o2], got %v", resultIDs(got.Eligible))
	}
	if !sameIDs(resultIDs(got.PartiallyEligible), []string{"o4", "o3"}) {
		t.Fatalf("expected partially eligible [o4 o3], got %v", resultIDs(got.PartiallyEligible))
	}
}

func TestBucket_Boundaries(t *testing.T) {
	tests := []struct {
		score float64
		want  BucketKind
	}{
		{1.0, BucketEligible},
		{0.8, BucketEligible},
		{0.79999, BucketPartial},
		{0.4, BucketPartial},
		{0.39999, BucketDropped},
		{0, BucketDropped},
	}
	for _, tt := range tests {
		if got := Bucket(tt.score); got != tt.want {
			t.Fatalf("score %v: expected %v, got %v", tt.score, tt.want, got)
		}
	}
}

func TestGetCategorizedGrants_OnlyTopFiveAreScored(t *testing.T) {
	scorer := &tableScorer{scores: map[string]ai.Score{}}
	catalog := energyCatalog("a", "b", "c", "d", "e", "f", "g")
	orch := newTestOrchestrator(scorer, catalog, Options{MaxConcurrency: 2})

	got, err := orch.GetCategorizedGrants(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(scorer.seen) != 5 {
		t.Fatalf("expected 5 scorer calls, got %d", len(scorer.seen))
	}
	if !sameIDs(resultIDs(got.PartiallyEligible), []string{"a", "b", "c", "d", "e"}) {
		t.Fatalf("expected ranker order to be preserved, got %v", resultIDs(got.PartiallyEligible))
	}
	if peak := atomic.LoadInt32(&scorer.peak); peak > 2 {
		t.Fatalf("expected at most 2 concurrent scorer calls, got %d", peak)
	}
}

func TestGetCategorizedGrants_PanicIsOmission(t *testing.T) {
	scorer := &tableScorer{
		scores: map[string]ai.Score{
			"g1": {Value: 0.9},
			"g2": {Value: 0.95},
			"g3": {Value: 0.5},
		},
		panicOn: "g2",
	}
	orch := newTestOrchestrator(scorer, energyCatalog("g1", "g2", "g3"), Options{})

	got, err := orch.GetCategorizedGrants(context.Background(), "u1")
	if err != nil {
		t.Fatalf("expected panic to be tolerated, got %v", err)
	}
	if !sameIDs(resultIDs(got.Eligible), []string{"g1"}) {
		t.Fatalf("expected g2 to be omitted, got %v", resultIDs(got.Eligible))
	}
	if !sameIDs(resultIDs(got.PartiallyEligible), []string{"g3"}) {
		t.Fatalf("expected g3 partially eligible, got %v", resultIDs(got.PartiallyEligible))
	}
}

func TestGetCategorizedGrants_CriticalFallback(t *testing.T) {
	scorer := &tableScorer{
		scores: map[string]ai.Score{"g1": {Value: 0.1}, "g2": {Value: 0.2}},
		delay:  time.Second,
	}
	orch := newTestOrchestrator(scorer, energyCatalog("g1", "g2"), Options{ScoringTimeout: 20 * time.Millisecond})

	got, err := orch.GetCategorizedGrants(context.Background(), "u1")
	if err != nil {
		t.Fatalf("expected critical fallback instead of error, got %v", err)
	}
	if !sameIDs(resultIDs(got.Eligible), []string{"g1", "g2"}) {
		t.Fatalf("expected all candidates eligible, got %v", resultIDs(got.Eligible))
	}
	if len(got.PartiallyEligible) != 0 {
		t.Fatalf("expected no partially eligible, got %d", len(got.PartiallyEligible))
	}
	for _, r := range got.Eligible {
		if r.PreferenceScore != CriticalScore || r.ConfidenceTag != models.ConfidenceCriticalFallback {
			t.Fatalf("expected critical fallback result, got %+v", r)
		}
	}
}

func TestGetCategorizedGrants_CallerCancellation(t *testing.T) {
	scorer := &tableScorer{delay: time.Second}
	orch := newTestOrchestrator(scorer, energyCatalog("g1"), Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := orch.GetCategorizedGrants(ctx, "u1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected caller deadline to surface, got %v", err)
	}
}

func TestGetCategorizedGrants_ProfileNotFound(t *testing.T) {
	orch := newTestOrchestrator(&tableScorer{}, energyCatalog("g1"), Options{})
	if _, err := orch.GetCategorizedGrants(context.Background(), "nobody"); !errors.Is(err, models.ErrProfileNotFound) {
		t.Fatalf("expected profile not found, got %v", err)
	}
}

func TestGetCategorizedGrants_InvalidCatalog(t *testing.T) {
	catalog := []models.Opportunity{
		{ID: "bad", Domain: "Energy", EligibilityCriteria: models.EligibilityCriteria{Citizenship: []string{}}},
	}
	orch := newTestOrchestrator(&tableScorer{}, catalog, Options{})

	var vErr *models.ValidationError
	if _, err := orch.GetCategorizedGrants(context.Background(), "u1"); !errors.As(err, &vErr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestGetCategorizedGrants_EmptyCatalog(t *testing.T) {
	orch := newTestOrchestrator(&tableScorer{}, nil, Options{})
	got, err := orch.GetCategorizedGrants(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Eligible == nil || got.PartiallyEligible == nil {
		t.Fatal("expected empty, non-nil buckets")
	}
	if len(got.Eligible)+len(got.PartiallyEligible) != 0 {
		t.Fatalf("expected no results, got %+v", got)
	}
}

func TestGetCategorizedGrants_DiscoveryCharge(t *testing.T) {
	scorer := &tableScorer{scores: map[string]ai.Score{"g1": {Value: 0.9}}}

	charger := &fakeCharger{}
	orch := newTestOrchestrator(scorer, energyCatalog("g1"), Options{Charger: charger})
	if _, err := orch.GetCategorizedGrants(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	if charger.calls != 1 {
		t.Fatalf("expected one discovery charge, got %d", charger.calls)
	}

	broke := &fakeCharger{err: models.ErrInsufficientCredits}
	scorer.seen = nil
	orch = newTestOrchestrator(scorer, energyCatalog("g1"), Options{Charger: broke})
	if _, err := orch.GetCategorizedGrants(context.Background(), "u1"); !errors.Is(err, models.ErrInsufficientCredits) {
		t.Fatalf("expected insufficient credits, got %v", err)
	}
	if len(scorer.seen) != 0 {
		t.Fatal("expected no scoring when the charge fails")
	}
}
