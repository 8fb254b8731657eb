package billing

import (
	"fmt"
	"time"

	"funnelmetrics/internal/types"
)

// IsActive reports whether sub currently entitles its owner to the plan.
// Expiry is derived from the period end, so a record still marked active is
// not entitled once now is past CurrentPeriodEnd.
func IsActive(sub types.Subscription, now time.Time) bool {
	return sub.Status == types.SubStatusActive && !now.After(sub.CurrentPeriodEnd)
}

// CanCreateProject reports whether one more project fits the plan quota.
func CanCreateProject(cat *Catalog, sub types.Subscription, currentProjectCount int) bool {
	return cat.Plan(sub.PlanTier).ProjectLimit().Admits(currentProjectCount)
}

// CanCreateFunnel reports whether one more funnel fits the plan quota.
func CanCreateFunnel(cat *Catalog, sub types.Subscription, currentFunnelCount int) bool {
	return cat.Plan(sub.PlanTier).FunnelLimit().Admits(currentFunnelCount)
}

// HasFeature reports whether the plan includes flag.
func HasFeature(cat *Catalog, sub types.Subscription, flag types.FeatureFlag) bool {
	return cat.Plan(sub.PlanTier).Has(flag)
}

// The Require* helpers wrap the predicates above and return a 403-class
// AppError with a human-readable reason when the entitlement is denied.

// RequireActive returns an error unless sub is active at now.
func RequireActive(sub types.Subscription, now time.Time) error {
	if IsActive(sub, now) {
		return nil
	}
	return types.NewAppErrorWithDetails(
		types.ErrCodePermissionSubscriptionActive,
		"An active subscription is required for this action",
		nil,
		map[string]any{"status": string(sub.Status), "current_period_end": sub.CurrentPeriodEnd},
	)
}

// RequireProjectQuota returns an error when the project quota is exhausted.
func RequireProjectQuota(cat *Catalog, sub types.Subscription, currentProjectCount int) error {
	if CanCreateProject(cat, sub, currentProjectCount) {
		return nil
	}
	limit := cat.Plan(sub.PlanTier).ProjectLimit()
	return types.NewAppErrorWithDetails(
		types.ErrCodeLimitProjects,
		fmt.Sprintf("Your %s plan allows %s projects. Upgrade to create more.", sub.PlanTier, limit),
		nil,
		map[string]any{"current": currentProjectCount, "limit": limit.Value(), "plan_tier": string(sub.PlanTier)},
	)
}

// RequireFunnelQuota returns an error when the funnel quota is exhausted.
func RequireFunnelQuota(cat *Catalog, sub types.Subscription, currentFunnelCount int) error {
	if CanCreateFunnel(cat, sub, currentFunnelCount) {
		return nil
	}
	limit := cat.Plan(sub.PlanTier).FunnelLimit()
	return types.NewAppErrorWithDetails(
		types.ErrCodeLimitFunnels,
		fmt.Sprintf("Your %s plan allows %s funnels. Upgrade to create more.", sub.PlanTier, limit),
		nil,
		map[string]any{"current": currentFunnelCount, "limit": limit.Value(), "plan_tier": string(sub.PlanTier)},
	)
}

// RequireFeature returns an error when flag is not part of the plan.
func RequireFeature(cat *Catalog, sub types.Subscription, flag types.FeatureFlag) error {
	if HasFeature(cat, sub, flag) {
		return nil
	}
	return types.NewAppErrorWithDetails(
		types.ErrCodePermissionFeature,
		fmt.Sprintf("The %s feature is not available on the %s plan", flag, sub.PlanTier),
		nil,
		map[string]any{"feature": string(flag), "plan_tier": string(sub.PlanTier)},
	)
}

// ValidateSubscription checks the structural invariants of a record before
// it is persisted.
func ValidateSubscription(sub types.Subscription) error {
	if !sub.PlanTier.Valid() {
		return types.NewAppError(types.ErrCodeInternalUnexpected,
			fmt.Sprintf("subscription %s has unknown plan tier %q", sub.ID, sub.PlanTier), nil)
	}
	if !sub.CurrentPeriodEnd.After(sub.CurrentPeriodStart) {
		return types.NewAppError(types.ErrCodeInternalUnexpected,
			fmt.Sprintf("subscription %s period end must be after period start", sub.ID), nil)
	}
	if sub.PlanTier.IsPaid() && sub.ExternalSubscriptionRef == "" {
		return types.NewAppError(types.ErrCodeInternalUnexpected,
			fmt.Sprintf("subscription %s on %s tier has no billing gateway reference", sub.ID, sub.PlanTier), nil)
	}
	return nil
}
