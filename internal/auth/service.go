package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/mail"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/david/grant-matcher/internal/credits"
	"github.com/david/grant-matcher/internal/logger"
	"github.com/david/grant-matcher/internal/models"
)

const (
	tokenTTL          = 24 * time.Hour
	minPasswordLength = 8
)

var (
	ErrUserExists   = errors.New("user already exists")
	ErrInvalidCreds = errors.New("invalid credentials")
)

// UserRepository persists accounts. CreateUser returns ErrUserExists when the
// email is taken.
type UserRepository interface {
	CreateUser(ctx context.Context, email, passwordHash string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
}

// CreditInitializer grants the registration bonus to a new user.
type CreditInitializer interface {
	Initialize(ctx context.Context, userID string) (credits.InitResult, error)
}

// SecretFromEnv reads JWT_SECRET, generating an ephemeral secret when unset.
func SecretFromEnv(log *zap.Logger) ([]byte, error) {
	secret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
	if secret != "" {
		return []byte(secret), nil
	}

	buf := make([]byte, 48)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to generate JWT fallback secret: %w", err)
	}
	logger.OrNop(log).Warn("JWT_SECRET is not set; using ephemeral in-memory fallback secret")
	return []byte(base64.RawURLEncoding.EncodeToString(buf)), nil
}

type Service struct {
	users   UserRepository
	credits CreditInitializer
	secret  []byte
	logger  *zap.Logger
}

func NewService(users UserRepository, credits CreditInitializer, secret []byte, log *zap.Logger) *Service {
	return &Service{users: users, credits: credits, secret: secret, logger: logger.OrNop(log)}
}

// Signup creates the user and initializes their credit account. A failed
// credit initialization is logged; the account is created lazily on the
// first check-in instead.
func (s *Service) Signup(ctx context.Context, req SignupRequest) (*AuthResponse, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, &models.ValidationError{Field: "email", Reason: "must be a valid address"}
	}
	if len(req.Password) < minPasswordLength {
		return nil, &models.ValidationError{Field: "password", Reason: fmt.Sprintf("must be at least %d characters", minPasswordLength)}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing failed: %w", err)
	}

	user, err := s.users.CreateUser(ctx, email, string(hash))
	if err != nil {
		return nil, err
	}

	resp := &AuthResponse{User: *user}
	if s.credits != nil {
		res, err := s.credits.Initialize(ctx, user.ID.String())
		if err != nil {
			s.logger.Error("credit initialization at signup failed", zap.String("user_id", user.ID.String()), zap.Error(err))
		} else {
			balance := res.Account.Balance
			resp.Credits = &balance
		}
	}

	resp.Token, err = s.GenerateToken(user.ID)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Service) Login(ctx context.Context, req LoginRequest) (*AuthResponse, error) {
	user, err := s.users.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(req.Email)))
	if errors.Is(err, ErrInvalidCreds) {
		return nil, ErrInvalidCreds
	}
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCreds
	}

	token, err := s.GenerateToken(user.ID)
	if err != nil {
		return nil, err
	}

	user.PasswordHash = ""
	return &AuthResponse{Token: token, User: *user}, nil
}

func (s *Service) GenerateToken(userID uuid.UUID) (string, error) {
	return GenerateToken(s.secret, userID, time.Now())
}

func GenerateToken(secret []byte, userID uuid.UUID, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("JWT secret unavailable")
	}
	claims := jwt.MapClaims{
		"sub": userID.String(),
		"iat": now.Unix(),
		"exp": now.Add(tokenTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
