package core

import (
	"context"
	"errors"
	"net/http"

	"funnelmetrics/internal/billing"
	"funnelmetrics/internal/types"
)

// The Require* guards answer 403 with the entitlement's reason before the
// handler runs. They need an authenticated actor and s.Entitlements.

// RequireActiveSubscription admits only users whose subscription is active.
func (s *Server) RequireActiveSubscription(next http.Handler) http.Handler {
	return s.guard(next, func(ctx context.Context, userID string) error {
		return s.Entitlements.CheckActive(ctx, userID)
	})
}

// RequireQuota admits the request only if one more resource fits the plan.
func (s *Server) RequireQuota(resource billing.ResourceType) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return s.guard(next, func(ctx context.Context, userID string) error {
			return s.Entitlements.CheckLimit(ctx, userID, resource)
		})
	}
}

// QuotaLimit returns the user's plan limit for resource so that handlers can
// hand it to a store that re-checks the quota when inserting.
func (s *Server) QuotaLimit(ctx context.Context, userID string, resource billing.ResourceType) (billing.Limit, error) {
	if s.Entitlements == nil {
		return billing.Limit{}, types.NewAppError(types.ErrCodeInternalUnexpected, "entitlements are not configured", nil)
	}
	return s.Entitlements.QuotaLimit(ctx, userID, resource)
}

// RequireFeature admits the request only if the plan includes flag.
func (s *Server) RequireFeature(flag types.FeatureFlag) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return s.guard(next, func(ctx context.Context, userID string) error {
			return s.Entitlements.CheckFeature(ctx, userID, flag)
		})
	}
}

func (s *Server) guard(next http.Handler, check func(ctx context.Context, userID string) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFrom(w, r)
		if !ok {
			return
		}
		if s.Entitlements == nil {
			Error(w, r, types.NewAppError(types.ErrCodeInternalUnexpected, "entitlements are not configured", nil))
			return
		}

		if err := check(r.Context(), actor.ID); err != nil {
			var appErr *types.AppError
			if errors.As(err, &appErr) && appErr.HTTPStatus() == http.StatusForbidden {
				s.Logger.InfoContext(r.Context(), "entitlement denied",
					"user_id", actor.ID,
					"path", r.URL.Path,
					"reason", appErr.Code,
				)
				if s.Denials != nil {
					s.Denials.RecordEntitlementDenied(appErr.Code)
				}
			}
			Error(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}
