package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/david/grant-matcher/internal/credits"
	"github.com/david/grant-matcher/internal/metrics"
	"github.com/david/grant-matcher/internal/models"
)

const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
)

// LedgerStore implements credits.Store on Postgres. Each update locks the
// account row with SELECT ... FOR UPDATE and retries transactions aborted by
// serialization failures, deadlocks or a lost race to create the account.
type LedgerStore struct {
	pool       *pgxpool.Pool
	maxRetries int
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

func NewLedgerStore(pool *pgxpool.Pool, maxRetries int, log *zap.Logger, m *metrics.Metrics) *LedgerStore {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &LedgerStore{pool: pool, maxRetries: maxRetries, logger: log, metrics: m}
}

func (s *LedgerStore) Update(ctx context.Context, userID string, fn credits.UpdateFunc) error {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			s.metrics.LedgerRetry()
			s.logger.Debug("retrying ledger transaction",
				zap.String("user_id", userID), zap.Int("attempt", attempt), zap.Error(lastErr))
			if err := sleepCtx(ctx, backoff(attempt)); err != nil {
				return err
			}
		}

		err := s.updateOnce(ctx, userID, fn)
		if err == nil || !isRetryable(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %v", credits.ErrRetriesExhausted, lastErr)
}

func (s *LedgerStore) updateOnce(ctx context.Context, userID string, fn credits.UpdateFunc) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	cur, err := lockAccount(ctx, tx, userID)
	if err != nil {
		return err
	}

	m, err := fn(cur)
	if err != nil {
		return err
	}
	if m == nil {
		return nil
	}

	if m.Create {
		_, err = tx.Exec(ctx, `
			INSERT INTO credit_accounts (user_id, balance, last_updated, last_check_in_date)
			VALUES ($1, $2, $3, $4)
		`, userID, m.Account.Balance, m.Account.LastUpdated, m.Account.LastCheckInDate)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE credit_accounts
			SET balance = $2, last_updated = $3, last_check_in_date = $4
			WHERE user_id = $1
		`, userID, m.Account.Balance, m.Account.LastUpdated, m.Account.LastCheckInDate)
	}
	if err != nil {
		return fmt.Errorf("write account: %w", err)
	}

	for _, e := range m.Entries {
		_, err := tx.Exec(ctx, `
			INSERT INTO credit_activity (id, user_id, type, project_name, impact, created_at)
			VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)
		`, e.ID, e.UserID, string(e.Type), e.ProjectName, e.Impact, e.Timestamp)
		if err != nil {
			return fmt.Errorf("append activity: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func lockAccount(ctx context.Context, tx pgx.Tx, userID string) (*models.CreditAccount, error) {
	var a models.CreditAccount
	err := tx.QueryRow(ctx, `
		SELECT user_id, balance, last_updated, last_check_in_date
		FROM credit_accounts
		WHERE user_id = $1
		FOR UPDATE
	`, userID).Scan(&a.UserID, &a.Balance, &a.LastUpdated, &a.LastCheckInDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock account: %w", err)
	}
	return &a, nil
}

func (s *LedgerStore) GetAccount(ctx context.Context, userID string) (*models.CreditAccount, error) {
	var a models.CreditAccount
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, balance, last_updated, last_check_in_date
		FROM credit_accounts
		WHERE user_id = $1
	`, userID).Scan(&a.UserID, &a.Balance, &a.LastUpdated, &a.LastCheckInDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotInitialized
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", userID, err)
	}
	return &a, nil
}

func (s *LedgerStore) ListActivity(ctx context.Context, userID string, limit int) ([]models.ActivityEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, type, COALESCE(project_name, ''), impact, created_at
		FROM credit_activity
		WHERE user_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	entries := []models.ActivityEntry{}
	for rows.Next() {
		var e models.ActivityEntry
		var typ string
		if err := rows.Scan(&e.ID, &e.UserID, &typ, &e.ProjectName, &e.Impact, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		e.Type = models.ActivityType(typ)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AuditRow compares an account balance with the sum of its activity log.
type AuditRow struct {
	UserID     string
	Balance    int
	ImpactSum  int
	EntryCount int
}

func (r AuditRow) Consistent() bool {
	return r.Balance == r.ImpactSum
}

// Audit returns one row per account, ordered by user id.
func (s *LedgerStore) Audit(ctx context.Context) ([]AuditRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT a.user_id, a.balance, COALESCE(SUM(c.impact), 0), COUNT(c.id)
		FROM credit_accounts a
		LEFT JOIN credit_activity c ON c.user_id = a.user_id
		GROUP BY a.user_id, a.balance
		ORDER BY a.user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("audit query: %w", err)
	}
	defer rows.Close()

	var out []AuditRow
	for rows.Next() {
		var r AuditRow
		if err := rows.Scan(&r.UserID, &r.Balance, &r.ImpactSum, &r.EntryCount); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgSerializationFailure, pgDeadlockDetected, pgUniqueViolation:
		return true
	}
	return false
}

func backoff(attempt int) time.Duration {
	d := time.Duration(attempt*attempt) * 10 * time.Millisecond
	if d > 500*time.Millisecond {
		d = 500 * time.Millisecond
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
