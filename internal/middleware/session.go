package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// LoginValidator checks a student token against the student's current login.
type LoginValidator interface {
	ValidateStudentSession(ctx context.Context, studentID int, jti string) error
}

// CheckSingleDeviceSession lets a student drive a secure attempt only from
// the device of their latest login. An older token gets 401; a Redis
// failure gets 503 so the client retries instead of logging out.
func CheckSingleDeviceSession(logins LoginValidator, log zerolog.Logger) gin.HandlerFunc {
	log = log.With().Str("component", "single_device").Logger()

	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}
		if claims.TokenType != service.TokenTypeStudent {
			c.Next()
			return
		}

		err := logins.ValidateStudentSession(c.Request.Context(), claims.UserID, claims.ID)
		switch {
		case err == nil:
			c.Next()
		case errors.Is(err, service.ErrNoActiveLogin), errors.Is(err, service.ErrLoginSuperseded):
			log.Warn().
				Int("student_id", claims.UserID).
				Str("path", c.FullPath()).
				Str("reason", err.Error()).
				Msg("Rejected token from a replaced login")
			response.AbortFail(c, http.StatusUnauthorized, response.ErrSessionInvalidated)
		default:
			log.Error().Err(err).Int("student_id", claims.UserID).Msg("Login check unavailable")
			response.AbortFail(c, http.StatusServiceUnavailable, response.ErrInternal)
		}
	}
}
