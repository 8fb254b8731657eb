package billing

import (
	"context"
	"fmt"
	"time"

	"funnelmetrics/internal/types"
)

// ResourceType identifies a quota-limited resource.
type ResourceType string

const (
	ResourceProjects ResourceType = "projects"
	ResourceFunnels  ResourceType = "funnels"
)

// LimitDetail is the usage of one resource against its quota.
type LimitDetail struct {
	Used  int   `json:"used"`
	Limit Limit `json:"limit"`
}

// UsageSnapshot describes a user's plan, entitlement state and quota usage.
type UsageSnapshot struct {
	PlanTier types.PlanTier               `json:"plan_tier"`
	Active   bool                         `json:"active"`
	Features []types.FeatureFlag          `json:"features"`
	Usage    map[ResourceType]LimitDetail `json:"usage"`
}

// SubscriptionLookup resolves the subscription that governs a user.
type SubscriptionLookup interface {
	GetCurrent(ctx context.Context, userID string) (*types.Subscription, error)
}

// ResourceCounter counts a user's existing resources.
type ResourceCounter interface {
	CountProjects(ctx context.Context, userID string) (int, error)
	CountFunnels(ctx context.Context, userID string) (int, error)
}

// UsageReporter evaluates entitlements against live resource counts.
type UsageReporter struct {
	catalog *Catalog
	subs    SubscriptionLookup
	counter ResourceCounter
	clock   types.Clock
}

// NewUsageReporter creates a UsageReporter.
func NewUsageReporter(catalog *Catalog, subs SubscriptionLookup, counter ResourceCounter, clock types.Clock) *UsageReporter {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &UsageReporter{catalog: catalog, subs: subs, counter: counter, clock: clock}
}

// Snapshot builds the usage view for an already loaded subscription.
func (r *UsageReporter) Snapshot(ctx context.Context, sub types.Subscription) (*UsageSnapshot, error) {
	projects, err := r.counter.CountProjects(ctx, sub.UserID)
	if err != nil {
		return nil, err
	}
	funnels, err := r.counter.CountFunnels(ctx, sub.UserID)
	if err != nil {
		return nil, err
	}

	plan := r.catalog.Plan(sub.PlanTier)
	return &UsageSnapshot{
		PlanTier: sub.PlanTier,
		Active:   IsActive(sub, r.clock.Now()),
		Features: plan.Features(),
		Usage: map[ResourceType]LimitDetail{
			ResourceProjects: {Used: projects, Limit: plan.ProjectLimit()},
			ResourceFunnels:  {Used: funnels, Limit: plan.FunnelLimit()},
		},
	}, nil
}

// CheckLimit verifies that the user may create one more resource of the
// given type. It returns nil when allowed and a limit_* AppError otherwise.
func (r *UsageReporter) CheckLimit(ctx context.Context, userID string, resource ResourceType) error {
	sub, err := r.subs.GetCurrent(ctx, userID)
	if err != nil {
		return err
	}

	switch resource {
	case ResourceProjects:
		if r.catalog.Plan(sub.PlanTier).ProjectLimit().IsUnbounded() {
			return nil
		}
		n, err := r.counter.CountProjects(ctx, userID)
		if err != nil {
			return err
		}
		return RequireProjectQuota(r.catalog, *sub, n)

	case ResourceFunnels:
		if r.catalog.Plan(sub.PlanTier).FunnelLimit().IsUnbounded() {
			return nil
		}
		n, err := r.counter.CountFunnels(ctx, userID)
		if err != nil {
			return err
		}
		return RequireFunnelQuota(r.catalog, *sub, n)

	default:
		return types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"unknown resource type for limit check: "+string(resource),
			nil,
		)
	}
}

// QuotaLimit returns the user's current plan limit for resource. Stores use
// it to re-check the quota at insert time.
func (r *UsageReporter) QuotaLimit(ctx context.Context, userID string, resource ResourceType) (Limit, error) {
	sub, err := r.subs.GetCurrent(ctx, userID)
	if err != nil {
		return Limit{}, err
	}
	plan := r.catalog.Plan(sub.PlanTier)
	switch resource {
	case ResourceProjects:
		return plan.ProjectLimit(), nil
	case ResourceFunnels:
		return plan.FunnelLimit(), nil
	default:
		return Limit{}, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"unknown resource type for limit lookup: "+string(resource),
			nil,
		)
	}
}

// QuotaExceeded is the limit_* error for a resource whose quota filled up
// between the guard check and the insert.
func QuotaExceeded(resource ResourceType, limit Limit, current int) error {
	code := types.ErrCodeLimitProjects
	if resource == ResourceFunnels {
		code = types.ErrCodeLimitFunnels
	}
	return types.NewAppErrorWithDetails(
		code,
		fmt.Sprintf("Your plan allows %s %s. Upgrade to create more.", limit, resource),
		nil,
		map[string]any{"current": current, "limit": limit.Value()},
	)
}

// CheckActive returns nil when the user's subscription is currently active.
func (r *UsageReporter) CheckActive(ctx context.Context, userID string) error {
	sub, err := r.subs.GetCurrent(ctx, userID)
	if err != nil {
		return err
	}
	return RequireActive(*sub, r.clock.Now())
}

// CheckFeature returns nil when the user's plan includes flag and the
// subscription is active.
func (r *UsageReporter) CheckFeature(ctx context.Context, userID string, flag types.FeatureFlag) error {
	sub, err := r.subs.GetCurrent(ctx, userID)
	if err != nil {
		return err
	}
	if err := RequireActive(*sub, r.clock.Now()); err != nil {
		return err
	}
	return RequireFeature(r.catalog, *sub, flag)
}

// Now exposes the reporter's clock to guards that evaluate IsActive.
func (r *UsageReporter) Now() time.Time {
	return r.clock.Now()
}
