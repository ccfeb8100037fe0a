package api

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/david/grant-matcher/internal/auth"
	"github.com/david/grant-matcher/internal/credits"
	"github.com/david/grant-matcher/internal/logger"
	"github.com/david/grant-matcher/internal/metrics"
	"github.com/david/grant-matcher/internal/models"
)

// Store is the persistence surface used by the handlers.
type Store interface {
	Ping(ctx context.Context) error
	UpsertProfile(ctx context.Context, p models.UserProfile) (*models.UserProfile, error)
	GetOpportunity(ctx context.Context, id string) (*models.Opportunity, error)
	UpsertOpportunities(ctx context.Context, opps []models.Opportunity) (int, error)
	RecordPitchSession(ctx context.Context, ps models.PitchSession) error
}

type Ledger interface {
	Initialize(ctx context.Context, userID string) (credits.InitResult, error)
	DailyCheckIn(ctx context.Context, userID string) (credits.CheckInResult, error)
	Credit(ctx context.Context, userID string, typ models.ActivityType, amount int, projectName string) (int, error)
	ChargePitchAnalysis(ctx context.Context, userID, projectName string) (int, error)
	Account(ctx context.Context, userID string) (*models.CreditAccount, error)
	History(ctx context.Context, userID string, limit int) ([]models.ActivityEntry, error)
}

type Matcher interface {
	GetCategorizedGrants(ctx context.Context, userID string) (*models.CategorizedGrants, error)
}

type Authenticator interface {
	Signup(ctx context.Context, req auth.SignupRequest) (*auth.AuthResponse, error)
	Login(ctx context.Context, req auth.LoginRequest) (*auth.AuthResponse, error)
}

type Deps struct {
	Store   Store
	Ledger  Ledger
	Matcher Matcher
	Auth    Authenticator
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

type Config struct {
	AllowedOrigins []string
	JWTSecret      []byte
	// AdminSecret guards the admin routes. Empty generates an ephemeral one.
	AdminSecret string
	// RequestTimeout bounds each request's context. Zero disables it.
	RequestTimeout time.Duration
}

type Server struct {
	Echo *echo.Echo

	store       Store
	ledger      Ledger
	matcher     Matcher
	auth        Authenticator
	metrics     *metrics.Metrics
	logger      *zap.Logger
	sanitizer   *bluemonday.Policy
	jwtSecret   []byte
	adminSecret string
}

func NewServer(cfg Config, deps Deps) (*Server, error) {
	log := logger.OrNop(deps.Logger)

	adminSecret, err := resolveAdminSecret(cfg.AdminSecret, log)
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger(log))
	e.Use(observe(deps.Metrics))
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.ContextTimeoutWithConfig(middleware.ContextTimeoutConfig{Timeout: cfg.RequestTimeout}))
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.AllowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "X-Admin-Secret"},
	}))

	s := &Server{
		Echo:        e,
		store:       deps.Store,
		ledger:      deps.Ledger,
		matcher:     deps.Matcher,
		auth:        deps.Auth,
		metrics:     deps.Metrics,
		logger:      log,
		sanitizer:   bluemonday.StrictPolicy(),
		jwtSecret:   cfg.JWTSecret,
		adminSecret: adminSecret,
	}

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.Echo.GET("/health", s.handleHealth)
	s.Echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))

	api := s.Echo.Group("/api/v1")

	api.POST("/auth/signup", s.handleSignup)
	api.POST("/auth/login", s.handleLogin)

	admin := api.Group("")
	admin.Use(s.adminMiddleware)
	admin.POST("/seed", s.handleSeed)

	protected := api.Group("")
	protected.Use(auth.Middleware(s.jwtSecret))
	protected.PUT("/profiles/:userId", s.handleUpsertProfile)
	protected.POST("/credits/initialize", s.handleInitializeCredits)
	protected.POST("/credits/check-in", s.handleCheckIn)
	protected.GET("/credits/:userId", s.handleGetCredits)
	protected.GET("/grants/:userId", s.handleGetGrants)
	protected.POST("/pitch/analyze", s.handleAnalyzePitch)
}

func (s *Server) Start(addr string) error {
	return s.Echo.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.Echo.Shutdown(ctx)
}

func (s *Server) handleHealth(c echo.Context) error {
	if s.store != nil {
		if err := s.store.Ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": "database unreachable"})
		}
	}
	return c.String(http.StatusOK, "OK")
}

func (s *Server) adminMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get("Authorization")
		adminHeader := c.Request().Header.Get("X-Admin-Secret")

		if adminHeader == s.adminSecret {
			return next(c)
		}
		if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
			if authHeader[7:] == s.adminSecret {
				return next(c)
			}
		}

		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized admin access"})
	}
}

func resolveAdminSecret(configured string, log *zap.Logger) (string, error) {
	if secret := strings.TrimSpace(configured); secret != "" {
		return secret, nil
	}
	if secret := strings.TrimSpace(os.Getenv("ADMIN_SECRET")); secret != "" {
		return secret, nil
	}

	buf := make([]byte, 48)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate ADMIN_SECRET fallback: %w", err)
	}
	log.Warn("ADMIN_SECRET is not set; using ephemeral in-memory fallback secret")
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func requestLogger(log *zap.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				log.Warn("request failed", append(fields, zap.Error(v.Error))...)
				return nil
			}
			log.Info("request", fields...)
			return nil
		},
	})
}

func observe(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.ObserveHTTP(route, status, time.Since(start))
			return err
		}
	}
}
