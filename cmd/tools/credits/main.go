// Command credits is the operator tool for the credit ledger.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/david/grant-matcher/internal/config"
	"github.com/david/grant-matcher/internal/credits"
	"github.com/david/grant-matcher/internal/db"
	"github.com/david/grant-matcher/internal/logger"
	"github.com/david/grant-matcher/internal/models"
)

var (
	cfgFile string
	debug   bool

	rootCmd = &cobra.Command{
		Use:          "credits",
		Short:        "Inspect and adjust credit ledger accounts",
		SilenceUsage: true,
	}
)

func main() {
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", os.Getenv("CONFIG_PATH"), "config file (default is the embedded config)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "verbose/debug output")

	rootCmd.AddCommand(auditCmd(), adjustCmd(), historyCmd())
}

type env struct {
	pool   *pgxpool.Pool
	store  *db.LedgerStore
	ledger *credits.Ledger
	log    *zap.Logger
}

func setup(ctx context.Context) (*env, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(false, debug)
	if err != nil {
		return nil, err
	}

	pool, err := db.Connect(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	if err := db.ApplyMigrations(ctx, pool, log); err != nil {
		pool.Close()
		return nil, err
	}

	store := db.NewLedgerStore(pool, cfg.Ledger.MaxRetries, log, nil)
	return &env{
		pool:   pool,
		store:  store,
		ledger: credits.NewLedger(store, credits.WithLogger(log)),
		log:    log,
	}, nil
}

func (e *env) close() {
	e.pool.Close()
	_ = e.log.Sync()
}

func auditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Check that every balance equals the sum of its activity log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, err := setup(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			rows, err := e.store.Audit(ctx)
			if err != nil {
				return err
			}
			if drift := renderAudit(cmd.OutOrStdout(), rows); drift > 0 {
				return fmt.Errorf("%d account(s) drifted from their activity log", drift)
			}
			return nil
		},
	}
}

// renderAudit prints the audit table and returns the number of drifted accounts.
func renderAudit(w io.Writer, rows []db.AuditRow) int {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"User", "Balance", "Sum of impacts", "Entries", "Status"})

	drift := 0
	for _, r := range rows {
		status := "OK"
		if !r.Consistent() {
			status = "DRIFT"
			drift++
		}
		t.AppendRow(table.Row{r.UserID, r.Balance, r.ImpactSum, r.EntryCount, status})
	}
	t.AppendFooter(table.Row{"", "", "", "Accounts", len(rows)})
	t.Render()
	return drift
}

func adjustCmd() *cobra.Command {
	var (
		userID string
		amount int
		note   string
	)

	cmd := &cobra.Command{
		Use:   "adjust",
		Short: "Apply a manual adjustment to an account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, err := setup(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			balance, err := applyAdjustment(ctx, e.ledger, userID, amount, note)
			if err != nil {
				return err
			}
			e.log.Info("manual adjustment applied",
				zap.String("user_id", userID),
				zap.Int("amount", amount),
				zap.Int("balance", balance),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "%s balance: %d\n", userID, balance)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().IntVar(&amount, "amount", 0, "credits to add (negative to remove)")
	cmd.Flags().StringVar(&note, "note", "", "reason recorded as the project name")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

type adjuster interface {
	Credit(ctx context.Context, userID string, typ models.ActivityType, amount int, projectName string) (int, error)
	Debit(ctx context.Context, userID string, typ models.ActivityType, amount int, projectName string) (int, error)
}

// applyAdjustment credits positive amounts and debits negative ones. Debits
// still refuse to take the balance below zero.
func applyAdjustment(ctx context.Context, l adjuster, userID string, amount int, note string) (int, error) {
	switch {
	case amount > 0:
		return l.Credit(ctx, userID, models.ActivityManualAdjustment, amount, note)
	case amount < 0:
		return l.Debit(ctx, userID, models.ActivityManualAdjustment, -amount, note)
	}
	return 0, errors.New("amount must be non-zero")
}

func historyCmd() *cobra.Command {
	var (
		userID string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the newest activity entries of an account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, err := setup(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			acct, err := e.ledger.Account(ctx, userID)
			if err != nil {
				return err
			}
			entries, err := e.ledger.History(ctx, userID, limit)
			if err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetTitle(fmt.Sprintf("%s (balance %d)", acct.UserID, acct.Balance))
			t.AppendHeader(table.Row{"When", "Type", "Impact", "Project"})
			for _, en := range entries {
				t.AppendRow(table.Row{en.Timestamp.Format(time.RFC3339), en.Type, fmt.Sprintf("%+d", en.Impact), en.ProjectName})
			}
			t.Render()
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
