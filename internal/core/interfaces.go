package core

import (
	"context"

	"funnelmetrics/internal/billing"
	"funnelmetrics/internal/types"
)

// Authenticator resolves a bearer token to the acting user. It returns
// auth_token_invalid or auth_token_expired AppErrors on failure.
type Authenticator interface {
	ResolveToken(ctx context.Context, token string) (*types.Actor, error)
}

// EntitlementChecker answers the questions the guard middleware asks.
// billing.UsageReporter implements it.
type EntitlementChecker interface {
	CheckActive(ctx context.Context, userID string) error
	CheckLimit(ctx context.Context, userID string, resource billing.ResourceType) error
	CheckFeature(ctx context.Context, userID string, flag types.FeatureFlag) error
	QuotaLimit(ctx context.Context, userID string, resource billing.ResourceType) (billing.Limit, error)
}

var _ EntitlementChecker = (*billing.UsageReporter)(nil)
