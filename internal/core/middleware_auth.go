package core

import (
	"net/http"
	"strings"

	"funnelmetrics/internal/types"
)

// publicPaths skip bearer authentication. The Stripe webhook authenticates
// by signature instead.
var publicPaths = map[string]bool{
	"/health":                  true,
	"/metrics":                 true,
	"/v1/auth/register":        true,
	"/v1/auth/login":           true,
	"/v1/auth/forgot-password": true,
	"/v1/auth/reset-password":  true,
	"/v1/webhooks/stripe":      true,
}

// AuthMiddleware resolves the bearer token into an Actor stored on the
// context. Missing, invalid and expired tokens are 401s with distinct codes.
// A nil Authenticator disables the check.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Authenticator == nil || publicPaths[r.URL.Path] || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		token := extractBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "a bearer token is required", nil))
			return
		}

		actor, err := s.Authenticator.ResolveToken(r.Context(), token)
		if err != nil {
			s.handleAuthError(w, r, err)
			return
		}
		if actor == nil {
			Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid authentication token", nil))
			return
		}

		next.ServeHTTP(w, r.WithContext(types.WithActor(r.Context(), *actor)))
	})
}

// extractBearerToken returns the token of a "Bearer <token>" header. The
// scheme is case-insensitive.
func extractBearerToken(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func (s *Server) handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case types.HasCode(err, types.ErrCodeAuthTokenExpired):
		Error(w, r, types.NewAppError(types.ErrCodeAuthTokenExpired, "authentication token has expired", nil))
	case types.HasCode(err, types.ErrCodeAuthTokenInvalid):
		s.Logger.WarnContext(r.Context(), "rejected invalid token", "path", r.URL.Path, "ip", ClientIP(r))
		Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid authentication token", nil))
	default:
		s.Logger.ErrorContext(r.Context(), "token resolution failed", "path", r.URL.Path, "error", err)
		Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "authentication failed", nil))
	}
}

// ActorFrom returns the authenticated actor or writes a 401 and returns
// false.
func ActorFrom(w http.ResponseWriter, r *http.Request) (types.Actor, bool) {
	actor, ok := types.GetActor(r.Context())
	if !ok || actor.ID == "" {
		Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return types.Actor{}, false
	}
	return actor, true
}
