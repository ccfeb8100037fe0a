package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/david/grant-matcher/internal/ai"
	"github.com/david/grant-matcher/internal/api"
	"github.com/david/grant-matcher/internal/auth"
	"github.com/david/grant-matcher/internal/cache"
	"github.com/david/grant-matcher/internal/config"
	"github.com/david/grant-matcher/internal/credits"
	"github.com/david/grant-matcher/internal/db"
	"github.com/david/grant-matcher/internal/eligibility"
	"github.com/david/grant-matcher/internal/logger"
	"github.com/david/grant-matcher/internal/matching"
	"github.com/david/grant-matcher/internal/metrics"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.JSON, cfg.Log.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if err := db.ApplyMigrations(ctx, pool, log); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	m := metrics.New()
	store := db.NewStore(pool)

	ledger := credits.NewLedger(
		db.NewLedgerStore(pool, cfg.Ledger.MaxRetries, log.Named("ledger_store"), m),
		credits.WithLogger(log.Named("credits")),
		credits.WithMetrics(m),
	)

	generator, err := newGenerator(ctx, cfg.Oracle)
	if err != nil {
		return err
	}
	scoreCache, closeCache, err := newScoreCache(ctx, cfg.Cache, pool)
	if err != nil {
		return err
	}
	defer closeCache()

	scorer := ai.NewScorer(generator, scoreCache, ai.ScorerOptions{
		Version:        cfg.Oracle.ScorerVersion,
		RequestTimeout: cfg.Oracle.RequestTimeout.Duration,
		Logger:         log.Named("oracle"),
		Metrics:        m,
	})

	matchOpts := matching.Options{
		MaxConcurrency: cfg.Matching.MaxConcurrency,
		ScoringTimeout: cfg.Matching.ScoringTimeout.Duration,
		Eligibility: eligibility.Options{
			EnforceCitizenship: cfg.Matching.EnforceCitizenship,
			EnforceCareerStage: cfg.Matching.EnforceCareerStage,
		},
		Logger:  log.Named("matching"),
		Metrics: m,
	}
	if cfg.Matching.ChargeDiscovery {
		matchOpts.Charger = ledger
	}
	orchestrator := matching.NewOrchestrator(store, store, scorer, matchOpts)

	jwtSecret, err := auth.SecretFromEnv(log)
	if err != nil {
		return err
	}
	authService := auth.NewService(auth.NewPgUserRepository(pool), ledger, jwtSecret, log.Named("auth"))

	srv, err := api.NewServer(
		api.Config{
			AllowedOrigins: cfg.Server.AllowedOrigins(),
			JWTSecret:      jwtSecret,
			AdminSecret:    os.Getenv("ADMIN_SECRET"),
		},
		api.Deps{
			Store:   store,
			Ledger:  ledger,
			Matcher: orchestrator,
			Auth:    authService,
			Metrics: m,
			Logger:  log.Named("http"),
		},
	)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.String("port", cfg.Server.Port),
			zap.String("oracle", cfg.Oracle.Provider),
			zap.String("score_cache", cfg.Cache.Backend),
		)
		errCh <- srv.Start(":" + cfg.Server.Port)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newGenerator(ctx context.Context, cfg config.OracleConfig) (ai.Generator, error) {
	switch cfg.Provider {
	case "ollama":
		return ai.NewOllamaClient(cfg.OllamaHost, cfg.Model, cfg.RequestTimeout.Duration), nil
	case "gemini":
		g, err := ai.NewGeminiGenerator(ctx, cfg.GeminiAPIKey, cfg.Model)
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		return g, nil
	case "none":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown oracle provider %q", cfg.Provider)
}

func newScoreCache(ctx context.Context, cfg config.CacheConfig, pool *pgxpool.Pool) (ai.ScoreCache, func(), error) {
	switch cfg.Backend {
	case "redis":
		c := cache.NewRedisScoreCache(cfg.RedisAddr, cfg.RedisPassword, cfg.Namespace)
		if err := c.Ping(ctx); err != nil {
			c.Close()
			return nil, nil, fmt.Errorf("redis score cache: %w", err)
		}
		return c, func() { _ = c.Close() }, nil
	case "postgres":
		return db.NewScoreCache(pool), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown score cache backend %q", cfg.Backend)
}
