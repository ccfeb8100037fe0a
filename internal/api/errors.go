package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/david/grant-matcher/internal/auth"
	"github.com/david/grant-matcher/internal/credits"
	"github.com/david/grant-matcher/internal/models"
)

// writeError maps domain errors onto HTTP responses. Unknown errors are
// logged and reported as a generic 500.
func (s *Server) writeError(c echo.Context, err error) error {
	var (
		vErr         *models.ValidationError
		insufficient *credits.InsufficientCreditsError
	)

	switch {
	case errors.As(err, &vErr):
		body := map[string]string{"error": vErr.Error(), "field": vErr.Field}
		if vErr.ID != "" {
			body["id"] = vErr.ID
		}
		return c.JSON(http.StatusBadRequest, body)
	case errors.As(err, &insufficient):
		return c.JSON(http.StatusPaymentRequired, map[string]any{
			"error":    "insufficient credits",
			"balance":  insufficient.Balance,
			"required": insufficient.Required,
		})
	case errors.Is(err, models.ErrInsufficientCredits):
		return c.JSON(http.StatusPaymentRequired, map[string]string{"error": "insufficient credits"})
	case errors.Is(err, models.ErrProfileNotFound), errors.Is(err, models.ErrOpportunityNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, models.ErrNotInitialized):
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, auth.ErrUserExists):
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, auth.ErrInvalidCreds):
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Invalid credentials"})
	}

	s.logger.Error("request failed",
		zap.String("path", c.Path()),
		zap.Error(err),
	)
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

// requireSelf rejects requests addressing a user other than the token subject.
func requireSelf(c echo.Context, userID string) error {
	tokenUser, err := auth.GetUserIDFromContext(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "Missing user identity")
	}
	if userID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "userId is required")
	}
	if tokenUser.String() != userID {
		return echo.NewHTTPError(http.StatusForbidden, "Token does not match requested user")
	}
	return nil
}
