// Package credits implements the transactional credit ledger that gates the
// paid features. Every mutation is one atomic read-modify-write of the user's
// account plus an append to the activity log.
package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/david/grant-matcher/internal/logger"
	"github.com/david/grant-matcher/internal/metrics"
	"github.com/david/grant-matcher/internal/models"
)

const (
	RegistrationBonus  = 10
	DailyCheckInBonus  = 1
	PitchAnalysisCost  = 1
	GrantDiscoveryCost = 5
)

// ErrRetriesExhausted is returned by a Store when conflicting transactions
// kept aborting the update.
var ErrRetriesExhausted = errors.New("ledger update retries exhausted")

// Mutation is the write set of one ledger transaction.
type Mutation struct {
	Account models.CreditAccount
	// Create inserts the account instead of updating it.
	Create  bool
	Entries []models.ActivityEntry
}

// UpdateFunc receives the current account, or nil if none exists, and
// returns the writes to apply. A nil mutation commits nothing. The function
// may run more than once when the store retries a conflicting transaction,
// so it must not have side effects beyond its return values.
type UpdateFunc func(current *models.CreditAccount) (*Mutation, error)

// Store is the durable substrate of the ledger.
type Store interface {
	// Update runs fn and applies its mutation atomically for one user.
	Update(ctx context.Context, userID string, fn UpdateFunc) error
	// GetAccount returns models.ErrNotInitialized when no account exists.
	GetAccount(ctx context.Context, userID string) (*models.CreditAccount, error)
	// ListActivity returns the newest entries first.
	ListActivity(ctx context.Context, userID string, limit int) ([]models.ActivityEntry, error)
}

// InsufficientCreditsError is returned by Debit when the balance is too low.
type InsufficientCreditsError struct {
	Balance  int
	Required int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: balance %d, required %d", e.Balance, e.Required)
}

func (e *InsufficientCreditsError) Unwrap() error {
	return models.ErrInsufficientCredits
}

type InitResult struct {
	AlreadyInitialized bool                 `json:"already_initialized"`
	Account            models.CreditAccount `json:"account"`
}

type CheckInResult struct {
	// Initialized is set when the check-in created the account.
	Initialized      bool `json:"initialized"`
	Awarded          bool `json:"awarded"`
	AlreadyCheckedIn bool `json:"already_checked_in"`
	Balance          int  `json:"balance"`
}

type Ledger struct {
	store   Store
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics
}

type Option func(*Ledger)

// WithClock overrides the time source used for timestamps and check-in days.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithLogger(log *zap.Logger) Option {
	return func(l *Ledger) { l.logger = logger.OrNop(log) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

func NewLedger(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Initialize creates the account with the registration bonus. It is a no-op
// for an existing account.
func (l *Ledger) Initialize(ctx context.Context, userID string) (InitResult, error) {
	if err := validateUserID(userID); err != nil {
		return InitResult{}, err
	}

	var res InitResult
	err := l.store.Update(ctx, userID, func(cur *models.CreditAccount) (*Mutation, error) {
		if cur != nil {
			res = InitResult{AlreadyInitialized: true, Account: *cur}
			return nil, nil
		}
		m := l.registration(userID)
		res = InitResult{Account: m.Account}
		return m, nil
	})
	if err != nil {
		return InitResult{}, l.fail("initialize", userID, err)
	}

	if res.AlreadyInitialized {
		l.metrics.LedgerOp("initialize", "noop")
	} else {
		l.metrics.LedgerOp("initialize", "ok")
		l.logger.Info("credit account initialized", zap.String("user_id", userID), zap.Int("balance", res.Account.Balance))
	}
	return res, nil
}

// Credit adds amount to the balance and logs an entry of the given type.
func (l *Ledger) Credit(ctx context.Context, userID string, typ models.ActivityType, amount int, projectName string) (int, error) {
	if err := validateUserID(userID); err != nil {
		return 0, err
	}
	if amount <= 0 {
		return 0, &models.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if !typ.Valid() {
		return 0, &models.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown activity type %q", typ)}
	}

	var balance int
	err := l.store.Update(ctx, userID, func(cur *models.CreditAccount) (*Mutation, error) {
		if cur == nil {
			return nil, models.ErrNotInitialized
		}
		now := l.now().UTC()
		acct := *cur
		acct.Balance += amount
		acct.LastUpdated = now
		balance = acct.Balance
		return &Mutation{
			Account: acct,
			Entries: []models.ActivityEntry{newEntry(userID, typ, projectName, amount, now)},
		}, nil
	})
	if err != nil {
		return 0, l.fail("credit", userID, err)
	}

	l.metrics.LedgerOp("credit", "ok")
	return balance, nil
}

// Debit removes amount from the balance. It never lets the balance go
// negative.
func (l *Ledger) Debit(ctx context.Context, userID string, typ models.ActivityType, amount int, projectName string) (int, error) {
	if err := validateUserID(userID); err != nil {
		return 0, err
	}
	if amount <= 0 {
		return 0, &models.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if !typ.Valid() || typ == models.ActivityRegistration || typ == models.ActivityDailyCheckIn {
		return 0, &models.ValidationError{Field: "type", Reason: fmt.Sprintf("activity type %q cannot debit", typ)}
	}

	var balance int
	err := l.store.Update(ctx, userID, func(cur *models.CreditAccount) (*Mutation, error) {
		if cur == nil {
			return nil, models.ErrNotInitialized
		}
		if cur.Balance < amount {
			return nil, &InsufficientCreditsError{Balance: cur.Balance, Required: amount}
		}
		now := l.now().UTC()
		acct := *cur
		acct.Balance -= amount
		acct.LastUpdated = now
		balance = acct.Balance
		return &Mutation{
			Account: acct,
			Entries: []models.ActivityEntry{newEntry(userID, typ, projectName, -amount, now)},
		}, nil
	})
	if err != nil {
		return 0, l.fail("debit", userID, err)
	}

	l.metrics.LedgerOp("debit", "ok")
	return balance, nil
}

// ChargePitchAnalysis debits the pitch analysis cost.
func (l *Ledger) ChargePitchAnalysis(ctx context.Context, userID, projectName string) (int, error) {
	return l.Debit(ctx, userID, models.ActivityPitchPractice, PitchAnalysisCost, projectName)
}

// ChargeGrantDiscovery debits the grant discovery cost.
func (l *Ledger) ChargeGrantDiscovery(ctx context.Context, userID string) (int, error) {
	return l.Debit(ctx, userID, models.ActivityGrantDiscovery, GrantDiscoveryCost, "")
}

// DailyCheckIn awards the check-in bonus once per UTC calendar day. A user
// without an account is initialized instead; the registration bonus counts
// as that day's credit.
func (l *Ledger) DailyCheckIn(ctx context.Context, userID string) (CheckInResult, error) {
	if err := validateUserID(userID); err != nil {
		return CheckInResult{}, err
	}

	var res CheckInResult
	err := l.store.Update(ctx, userID, func(cur *models.CreditAccount) (*Mutation, error) {
		if cur == nil {
			m := l.registration(userID)
			res = CheckInResult{Initialized: true, Balance: m.Account.Balance}
			return m, nil
		}

		now := l.now().UTC()
		today := utcDay(now)
		if cur.LastCheckInDate != nil && utcDay(*cur.LastCheckInDate).Equal(today) {
			res = CheckInResult{AlreadyCheckedIn: true, Balance: cur.Balance}
			return nil, nil
		}

		acct := *cur
		acct.Balance += DailyCheckInBonus
		acct.LastUpdated = now
		acct.LastCheckInDate = &today
		res = CheckInResult{Awarded: true, Balance: acct.Balance}
		return &Mutation{
			Account: acct,
			Entries: []models.ActivityEntry{newEntry(userID, models.ActivityDailyCheckIn, "", DailyCheckInBonus, now)},
		}, nil
	})
	if err != nil {
		return CheckInResult{}, l.fail("check_in", userID, err)
	}

	switch {
	case res.Awarded:
		l.metrics.LedgerOp("check_in", "ok")
	case res.Initialized:
		l.metrics.LedgerOp("check_in", "initialized")
	default:
		l.metrics.LedgerOp("check_in", "noop")
	}
	return res, nil
}

// HasSufficient reports whether the user can afford amount. A missing
// account is reported as false, not as an error.
func (l *Ledger) HasSufficient(ctx context.Context, userID string, amount int) (bool, error) {
	acct, err := l.store.GetAccount(ctx, userID)
	if errors.Is(err, models.ErrNotInitialized) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read account %s: %w", userID, err)
	}
	return acct.Balance >= amount, nil
}

// Account returns the user's account or models.ErrNotInitialized.
func (l *Ledger) Account(ctx context.Context, userID string) (*models.CreditAccount, error) {
	return l.store.GetAccount(ctx, userID)
}

// History returns up to limit activity entries, newest first.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]models.ActivityEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return l.store.ListActivity(ctx, userID, limit)
}

func (l *Ledger) registration(userID string) *Mutation {
	now := l.now().UTC()
	today := utcDay(now)
	acct := models.CreditAccount{
		UserID:          userID,
		Balance:         RegistrationBonus,
		LastUpdated:     now,
		LastCheckInDate: &today,
	}
	return &Mutation{
		Account: acct,
		Create:  true,
		Entries: []models.ActivityEntry{newEntry(userID, models.ActivityRegistration, "", RegistrationBonus, now)},
	}
}

// fail classifies err for metrics and logs. Expected business outcomes are
// returned unchanged; anything else is wrapped with the operation name.
func (l *Ledger) fail(op, userID string, err error) error {
	var vErr *models.ValidationError
	switch {
	case errors.Is(err, models.ErrInsufficientCredits):
		l.metrics.LedgerOp(op, "insufficient")
		l.logger.Info("debit refused", zap.String("user_id", userID), zap.Error(err))
		return err
	case errors.Is(err, models.ErrNotInitialized):
		l.metrics.LedgerOp(op, "not_initialized")
		return err
	case errors.As(err, &vErr):
		l.metrics.LedgerOp(op, "invalid")
		return err
	}

	l.metrics.LedgerOp(op, "error")
	l.logger.Error("ledger operation failed", zap.String("op", op), zap.String("user_id", userID), zap.Error(err))
	return fmt.Errorf("%s credits for %s: %w", op, userID, err)
}

func newEntry(userID string, typ models.ActivityType, projectName string, impact int, at time.Time) models.ActivityEntry {
	return models.ActivityEntry{
		ID:          uuid.New(),
		UserID:      userID,
		Type:        typ,
		ProjectName: projectName,
		Impact:      impact,
		Timestamp:   at,
	}
}

func utcDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func validateUserID(userID string) error {
	if userID == "" {
		return &models.ValidationError{Field: "user_id", Reason: "must not be empty"}
	}
	return nil
}
