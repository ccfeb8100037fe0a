package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/david/grant-matcher/internal/auth"
	"github.com/david/grant-matcher/internal/credits"
	"github.com/david/grant-matcher/internal/metrics"
	"github.com/david/grant-matcher/internal/models"
)

type fakeStore struct {
	mu       sync.Mutex
	profiles map[string]models.UserProfile
	opps     map[string]models.Opportunity
	sessions []models.PitchSession
	pingErr  error
	pitchErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		profiles: map[string]models.UserProfile{},
		opps:     map[string]models.Opportunity{"g1": {ID: "g1", EventName: "Solar Fund"}},
	}
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) UpsertProfile(_ context.Context, p models.UserProfile) (*models.UserProfile, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[p.UserID] = p
	return &p, nil
}

func (f *fakeStore) GetOpportunity(_ context.Context, id string) (*models.Opportunity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.opps[id]
	if !ok {
		return nil, models.ErrOpportunityNotFound
	}
	return &o, nil
}

func (f *fakeStore) UpsertOpportunities(_ context.Context, opps []models.Opportunity) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range opps {
		if err := o.Validate(); err != nil {
			return 0, err
		}
		f.opps[o.ID] = o
	}
	return len(opps), nil
}

func (f *fakeStore) RecordPitchSession(_ context.Context, ps models.PitchSession) error {
	if f.pitchErr != nil {
		return f.pitchErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, ps)
	return nil
}

// fakeLedger keeps balances in a map and mirrors the ledger's error contract.
type fakeLedger struct {
	mu       sync.Mutex
	balances map[string]int
	history  map[string][]models.ActivityEntry
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{balances: map[string]int{}, history: map[string][]models.ActivityEntry{}}
}

func (l *fakeLedger) record(userID string, typ models.ActivityType, impact int) {
	l.history[userID] = append([]models.ActivityEntry{{ID: uuid.New(), UserID: userID, Type: typ, Impact: impact, Timestamp: time.Now()}}, l.history[userID]...)
}

func (l *fakeLedger) Initialize(_ context.Context, userID string) (credits.InitResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.balances[userID]; ok {
		return credits.InitResult{AlreadyInitialized: true, Account: models.CreditAccount{UserID: userID, Balance: b}}, nil
	}
	l.balances[userID] = credits.RegistrationBonus
	l.record(userID, models.ActivityRegistration, credits.RegistrationBonus)
	return credits.InitResult{Account: models.CreditAccount{UserID: userID, Balance: credits.RegistrationBonus}}, nil
}

func (l *fakeLedger) DailyCheckIn(ctx context.Context, userID string) (credits.CheckInResult, error) {
	l.mu.Lock()
	b, ok := l.balances[userID]
	l.mu.Unlock()
	if !ok {
		res, err := l.Initialize(ctx, userID)
		return credits.CheckInResult{Initialized: true, Balance: res.Account.Balance}, err
	}
	return credits.CheckInResult{AlreadyCheckedIn: true, Balance: b}, nil
}

func (l *fakeLedger) Credit(_ context.Context, userID string, typ models.ActivityType, amount int, _ string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.balances[userID]; !ok {
		return 0, models.ErrNotInitialized
	}
	l.balances[userID] += amount
	l.record(userID, typ, amount)
	return l.balances[userID], nil
}

func (l *fakeLedger) ChargePitchAnalysis(_ context.Context, userID, _ string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.balances[userID]
	if !ok {
		return 0, models.ErrNotInitialized
	}
	if b < credits.PitchAnalysisCost {
		return 0, &credits.InsufficientCreditsError{Balance: b, Required: credits.PitchAnalysisCost}
	}
	l.balances[userID] = b - credits.PitchAnalysisCost
	l.record(userID, models.ActivityPitchPractice, -credits.PitchAnalysisCost)
	return l.balances[userID], nil
}

func (l *fakeLedger) Account(_ context.Context, userID string) (*models.CreditAccount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.balances[userID]
	if !ok {
		return nil, models.ErrNotInitialized
	}
	return &models.CreditAccount{UserID: userID, Balance: b}, nil
}

func (l *fakeLedger) History(_ context.Context, userID string, limit int) ([]models.ActivityEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := l.history[userID]
	if len(h) > limit {
		h = h[:limit]
	}
	return h, nil
}

type fakeMatcher struct {
	result *models.CategorizedGrants
	err    error
}

func (m fakeMatcher) GetCategorizedGrants(context.Context, string) (*models.CategorizedGrants, error) {
	return m.result, m.err
}

type fakeAuth struct{}

func (fakeAuth) Signup(_ context.Context, req auth.SignupRequest) (*auth.AuthResponse, error) {
	if req.Email == "taken@example.com" {
		return nil, auth.ErrUserExists
	}
	return &auth.AuthResponse{Token: "t", User: auth.User{ID: uuid.New(), Email: req.Email}}, nil
}

func (fakeAuth) Login(context.Context, auth.LoginRequest) (*auth.AuthResponse, error) {
	return nil, auth.ErrInvalidCreds
}

var jwtSecret = []byte("api-test-secret")

type testEnv struct {
	server *Server
	store  *fakeStore
	ledger *fakeLedger
	userID string
	token  string
}

func newTestEnv(t *testing.T, matcher Matcher) *testEnv {
	t.Helper()
	store := newFakeStore()
	ledger := newFakeLedger()
	if matcher == nil {
		matcher = fakeMatcher{result: &models.CategorizedGrants{Eligible: []models.MatchResult{}, PartiallyEligible: []models.MatchResult{}}}
	}

	srv, err := NewServer(
		Config{JWTSecret: jwtSecret, AdminSecret: "admin-secret", AllowedOrigins: []string{"http://localhost:4200"}},
		Deps{Store: store, Ledger: ledger, Matcher: matcher, Auth: fakeAuth{}, Metrics: metrics.New(), Logger: zap.NewNop()},
	)
	if err != nil {
		t.Fatalf("server init failed: %v", err)
	}

	userID := uuid.New()
	token, err := auth.GenerateToken(jwtSecret, userID, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	return &testEnv{server: srv, store: store, ledger: ledger, userID: userID.String(), token: token}
}

func (e *testEnv) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.server.Echo.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) authed(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, method, path, body, map[string]string{"Authorization": "Bearer " + e.token})
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("invalid JSON response %q: %v", rec.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	if rec := env.do(t, http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	env.store.pingErr = errors.New("down")
	if rec := env.do(t, http.MethodGet, "/health", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestSignupConflict(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/api/v1/auth/signup", `{"email":"taken@example.com","password":"long enough"}`, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/auth/login", `{"email":"a@b.io","password":"x"}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestCreditsFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	body := `{"userId":"` + env.userID + `"}`

	rec := env.authed(t, http.MethodGet, "/api/v1/credits/"+env.userID, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 before initialization, got %d", rec.Code)
	}

	rec = env.authed(t, http.MethodPost, "/api/v1/credits/initialize", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = env.authed(t, http.MethodPost, "/api/v1/credits/initialize", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on repeat initialize, got %d", rec.Code)
	}
	var initRes credits.InitResult
	decode(t, rec, &initRes)
	if !initRes.AlreadyInitialized {
		t.Fatal("expected already_initialized on repeat")
	}

	rec = env.authed(t, http.MethodPost, "/api/v1/credits/check-in", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = env.authed(t, http.MethodGet, "/api/v1/credits/"+env.userID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got creditsResponse
	decode(t, rec, &got)
	if got.Balance != credits.RegistrationBonus || len(got.History) != 1 {
		t.Fatalf("expected balance 10 with one entry, got %+v", got)
	}
}

func TestProtectedRoutesRequireMatchingSubject(t *testing.T) {
	env := newTestEnv(t, nil)
	other := uuid.NewString()

	tests := []struct {
		method, path, body string
	}{
		{http.MethodGet, "/api/v1/credits/" + other, ""},
		{http.MethodGet, "/api/v1/grants/" + other, ""},
		{http.MethodPost, "/api/v1/credits/initialize", `{"userId":"` + other + `"}`},
		{http.MethodPut, "/api/v1/profiles/" + other, `{"domain":"AI"}`},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			if rec := env.authed(t, tt.method, tt.path, tt.body); rec.Code != http.StatusForbidden {
				t.Fatalf("expected 403, got %d", rec.Code)
			}
		})
	}

	if rec := env.do(t, http.MethodGet, "/api/v1/credits/"+env.userID, "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}

func TestUpsertProfile(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.authed(t, http.MethodPut, "/api/v1/profiles/"+env.userID, `{"idea":"solar kiosks","domain":"Energy, Climate","citizenship":"India"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	stored := env.store.profiles[env.userID]
	if len(stored.Domains) != 2 || stored.Domains[1] != "Climate" {
		t.Fatalf("expected two domains, got %v", stored.Domains)
	}

	rec = env.authed(t, http.MethodPut, "/api/v1/profiles/"+env.userID, `{"idea":"no domain"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var body map[string]string
	decode(t, rec, &body)
	if body["field"] != "domain" {
		t.Fatalf("expected field detail, got %v", body)
	}
}

func TestGetGrants(t *testing.T) {
	result := &models.CategorizedGrants{
		Eligible:          []models.MatchResult{{OpportunityID: "g1", PreferenceScore: 0.9, ConfidenceTag: models.ConfidenceOracle}},
		PartiallyEligible: []models.MatchResult{},
	}
	env := newTestEnv(t, fakeMatcher{result: result})

	rec := env.authed(t, http.MethodGet, "/api/v1/grants/"+env.userID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got models.CategorizedGrants
	decode(t, rec, &got)
	if len(got.Eligible) != 1 || got.Eligible[0].OpportunityID != "g1" {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}

	missing := newTestEnv(t, fakeMatcher{err: models.ErrProfileNotFound})
	if rec := missing.authed(t, http.MethodGet, "/api/v1/grants/"+missing.userID, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	broke := newTestEnv(t, fakeMatcher{err: &credits.InsufficientCreditsError{Balance: 2, Required: 5}})
	if rec := broke.authed(t, http.MethodGet, "/api/v1/grants/"+broke.userID, ""); rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rec.Code)
	}
}

func TestAnalyzePitch(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := env.ledger.Initialize(context.Background(), env.userID); err != nil {
		t.Fatal(err)
	}

	body := `{"userId":"` + env.userID + `","grantId":"g1","projectName":"Kiosk","pitchText":"<script>alert(1)</script>We sell <b>solar</b> power."}`
	rec := env.authed(t, http.MethodPost, "/api/v1/pitch/analyze", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp pitchResponse
	decode(t, rec, &resp)
	if resp.Balance != credits.RegistrationBonus-credits.PitchAnalysisCost {
		t.Fatalf("expected balance 9, got %d", resp.Balance)
	}
	if len(env.store.sessions) != 1 {
		t.Fatalf("expected one recorded session, got %d", len(env.store.sessions))
	}
	if strings.Contains(env.store.sessions[0].PitchText, "<") {
		t.Fatalf("expected sanitized pitch text, got %q", env.store.sessions[0].PitchText)
	}

	unknown := `{"userId":"` + env.userID + `","grantId":"nope","pitchText":"hello"}`
	if rec := env.authed(t, http.MethodPost, "/api/v1/pitch/analyze", unknown); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown grant, got %d", rec.Code)
	}

	empty := `{"userId":"` + env.userID + `","grantId":"g1","pitchText":"<p></p>"}`
	if rec := env.authed(t, http.MethodPost, "/api/v1/pitch/analyze", empty); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty pitch, got %d", rec.Code)
	}
}

func TestAnalyzePitch_InsufficientAndRefund(t *testing.T) {
	env := newTestEnv(t, nil)
	env.ledger.balances[env.userID] = 0

	body := `{"userId":"` + env.userID + `","grantId":"g1","pitchText":"hello"}`
	rec := env.authed(t, http.MethodPost, "/api/v1/pitch/analyze", body)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rec.Code)
	}

	env.ledger.balances[env.userID] = 3
	env.store.pitchErr = errors.New("disk full")
	rec = env.authed(t, http.MethodPost, "/api/v1/pitch/analyze", body)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if env.ledger.balances[env.userID] != 3 {
		t.Fatalf("expected refund to restore balance 3, got %d", env.ledger.balances[env.userID])
	}
}

func TestSeed(t *testing.T) {
	env := newTestEnv(t, nil)

	if rec := env.do(t, http.MethodPost, "/api/v1/seed", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without admin secret, got %d", rec.Code)
	}

	rec := env.do(t, http.MethodPost, "/api/v1/seed", "", map[string]string{"X-Admin-Secret": "admin-secret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got map[string]int
	decode(t, rec, &got)
	if got["seeded"] != len(sampleOpportunities()) {
		t.Fatalf("expected %d seeded, got %d", len(sampleOpportunities()), got["seeded"])
	}

	bad := `[{"id":"x","eligibility_criteria":{"citizenship":[]}}]`
	rec = env.do(t, http.MethodPost, "/api/v1/seed", bad, map[string]string{"Authorization": "Bearer admin-secret"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for explicit empty criteria, got %d", rec.Code)
	}
}

func TestSampleOpportunitiesAreValid(t *testing.T) {
	for _, o := range sampleOpportunities() {
		if err := o.Validate(); err != nil {
			t.Fatalf("sample %s invalid: %v", o.ID, err)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodGet, "/health", "", nil)

	rec := env.do(t, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "/health") {
		t.Fatal("expected request metrics for /health")
	}
}
