package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/david/grant-matcher/internal/auth"
	"github.com/david/grant-matcher/internal/credits"
	"github.com/david/grant-matcher/internal/models"
)

const maxPitchLength = 20000

func (s *Server) handleSignup(c echo.Context) error {
	var req auth.SignupRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}

	resp, err := s.auth.Signup(c.Request().Context(), req)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, resp)
}

func (s *Server) handleLogin(c echo.Context) error {
	var req auth.LoginRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}

	resp, err := s.auth.Login(c.Request().Context(), req)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleUpsertProfile(c echo.Context) error {
	userID := c.Param("userId")
	if err := requireSelf(c, userID); err != nil {
		return err
	}

	var p models.UserProfile
	if err := c.Bind(&p); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	p.UserID = userID

	stored, err := s.store.UpsertProfile(c.Request().Context(), p)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, stored)
}

type userRequest struct {
	UserID string `json:"userId"`
}

func (s *Server) handleInitializeCredits(c echo.Context) error {
	var req userRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	if err := requireSelf(c, req.UserID); err != nil {
		return err
	}

	res, err := s.ledger.Initialize(c.Request().Context(), req.UserID)
	if err != nil {
		return s.writeError(c, err)
	}

	status := http.StatusCreated
	if res.AlreadyInitialized {
		status = http.StatusOK
	}
	return c.JSON(status, res)
}

func (s *Server) handleCheckIn(c echo.Context) error {
	var req userRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	if err := requireSelf(c, req.UserID); err != nil {
		return err
	}

	res, err := s.ledger.DailyCheckIn(c.Request().Context(), req.UserID)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

type creditsResponse struct {
	UserID          string                 `json:"user_id"`
	Balance         int                    `json:"balance"`
	LastUpdated     time.Time              `json:"last_updated"`
	LastCheckInDate *time.Time             `json:"last_check_in_date"`
	History         []models.ActivityEntry `json:"history"`
}

func (s *Server) handleGetCredits(c echo.Context) error {
	userID := c.Param("userId")
	if err := requireSelf(c, userID); err != nil {
		return err
	}
	ctx := c.Request().Context()

	acct, err := s.ledger.Account(ctx, userID)
	if err != nil {
		return s.writeError(c, err)
	}

	limit := 50
	if l, err := strconv.Atoi(c.QueryParam("limit")); err == nil && l > 0 && l <= 500 {
		limit = l
	}
	history, err := s.ledger.History(ctx, userID, limit)
	if err != nil {
		return s.writeError(c, err)
	}

	return c.JSON(http.StatusOK, creditsResponse{
		UserID:          acct.UserID,
		Balance:         acct.Balance,
		LastUpdated:     acct.LastUpdated,
		LastCheckInDate: acct.LastCheckInDate,
		History:         history,
	})
}

func (s *Server) handleGetGrants(c echo.Context) error {
	userID := c.Param("userId")
	if err := requireSelf(c, userID); err != nil {
		return err
	}

	grants, err := s.matcher.GetCategorizedGrants(c.Request().Context(), userID)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, grants)
}

type pitchRequest struct {
	UserID      string `json:"userId"`
	GrantID     string `json:"grantId"`
	PitchText   string `json:"pitchText"`
	ProjectName string `json:"projectName"`
}

type pitchResponse struct {
	SessionID    uuid.UUID `json:"session_id"`
	CreditsSpent int       `json:"credits_spent"`
	Balance      int       `json:"balance"`
}

// handleAnalyzePitch charges for a pitch analysis and records the session.
// The charge is refunded if the session cannot be stored.
func (s *Server) handleAnalyzePitch(c echo.Context) error {
	var req pitchRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	if err := requireSelf(c, req.UserID); err != nil {
		return err
	}

	pitch := strings.TrimSpace(s.sanitizer.Sanitize(req.PitchText))
	project := strings.TrimSpace(s.sanitizer.Sanitize(req.ProjectName))
	switch {
	case strings.TrimSpace(req.GrantID) == "":
		return s.writeError(c, &models.ValidationError{Field: "grantId", Reason: "must not be empty"})
	case pitch == "":
		return s.writeError(c, &models.ValidationError{Field: "pitchText", Reason: "must not be empty"})
	case len(pitch) > maxPitchLength:
		return s.writeError(c, &models.ValidationError{Field: "pitchText", Reason: "too long"})
	}

	ctx := c.Request().Context()
	if _, err := s.store.GetOpportunity(ctx, req.GrantID); err != nil {
		return s.writeError(c, err)
	}

	balance, err := s.ledger.ChargePitchAnalysis(ctx, req.UserID, project)
	if err != nil {
		return s.writeError(c, err)
	}

	session := models.PitchSession{
		ID:           uuid.New(),
		UserID:       req.UserID,
		GrantID:      req.GrantID,
		ProjectName:  project,
		PitchText:    pitch,
		CreditsSpent: credits.PitchAnalysisCost,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.RecordPitchSession(ctx, session); err != nil {
		if _, refundErr := s.ledger.Credit(ctx, req.UserID, models.ActivityManualAdjustment, credits.PitchAnalysisCost, "refund: "+project); refundErr != nil {
			s.logger.Error("pitch charge refund failed",
				zap.String("user_id", req.UserID),
				zap.Error(refundErr),
			)
		}
		return s.writeError(c, err)
	}

	return c.JSON(http.StatusCreated, pitchResponse{
		SessionID:    session.ID,
		CreditsSpent: credits.PitchAnalysisCost,
		Balance:      balance,
	})
}
