package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/reefmind/posepair/internal/audit"
	apperrors "github.com/reefmind/posepair/internal/errors"
	"github.com/reefmind/posepair/internal/httputil"
)

type contextKey string

const UserIDContextKey contextKey = "userId"

func GetUserID(ctx context.Context) string {
	if userID, ok := ctx.Value(UserIDContextKey).(string); ok {
		return userID
	}
	return ""
}

// TokenVerifier resolves an identity token to its user id.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// IdentityMiddleware admits only callers holding a token for the agent's own
// user. The agent acts for exactly one user.
type IdentityMiddleware struct {
	verifier TokenVerifier
	userID   string
}

func NewIdentityMiddleware(verifier TokenVerifier, userID string) *IdentityMiddleware {
	return &IdentityMiddleware{verifier: verifier, userID: userID}
}

func (m *IdentityMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			httputil.WriteError(w, apperrors.Unauthorized("Missing identity token"))
			return
		}

		userID, err := m.verifier.Verify(token)
		if err != nil {
			log.Warn().Err(err).Msg("identity middleware: invalid token attempt")
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventAuthFailure,
				Details: map[string]interface{}{"reason": "invalid_token"},
			})
			httputil.WriteError(w, err)
			return
		}

		if userID != m.userID {
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventAuthFailure,
				UserID:  userID,
				Details: map[string]interface{}{"reason": "user_mismatch"},
			})
			httputil.WriteError(w, apperrors.Forbidden("Token belongs to a different user"))
			return
		}

		ctx := context.WithValue(r.Context(), UserIDContextKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	return ""
}
