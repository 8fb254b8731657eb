package subscriptions

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"funnelmetrics/internal/billing"
	"funnelmetrics/internal/external"
	"funnelmetrics/internal/types"
)

// Gateway is the part of the billing gateway used by user-initiated actions.
type Gateway interface {
	GetOrCreateCustomer(ctx context.Context, user types.User) (string, error)
	CreateCheckoutSession(ctx context.Context, params external.CheckoutParams) (string, error)
	CancelSubscription(ctx context.Context, subRef string, immediate bool, idempotencyKey string) error
	UpdateCancelAtPeriodEnd(ctx context.Context, subRef string, cancel bool, idempotencyKey string) error
}

// ServiceConfig holds the dependencies of a Service.
type ServiceConfig struct {
	Store   SubscriptionStore
	Gateway Gateway

	// FrontendURL is the base of the checkout success and cancel redirects.
	FrontendURL string

	Clock  types.Clock
	Logger *slog.Logger
}

// Service implements the user-initiated subscription actions. Each action
// reads the record once and saves it once; a concurrent write surfaces as
// conflict_concurrent_modification and the user is asked to retry.
type Service struct {
	store       SubscriptionStore
	gateway     Gateway
	frontendURL string
	clock       types.Clock
	logger      *slog.Logger
}

// NewService creates a Service.
func NewService(cfg ServiceConfig) *Service {
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       cfg.Store,
		gateway:     cfg.Gateway,
		frontendURL: strings.TrimSuffix(cfg.FrontendURL, "/"),
		clock:       clock,
		logger:      logger,
	}
}

// GetCurrent returns the user's subscription, creating an active free one
// on first access.
func (s *Service) GetCurrent(ctx context.Context, userID string) (*types.Subscription, error) {
	sub, err := s.store.GetByUser(ctx, userID)
	if err == nil {
		return sub, nil
	}
	if !types.HasCode(err, types.ErrCodeNotFoundSubscription) {
		return nil, err
	}

	now := s.clock.Now()
	sub = &types.Subscription{
		UserID:             userID,
		PlanTier:           types.PlanFree,
		Status:             types.SubStatusActive,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.Add(billing.FreePeriod),
	}
	if err := s.store.Create(ctx, sub); err != nil {
		// Lost a race with another first access.
		if types.HasCode(err, types.ErrCodeConflictDuplicateSubscription) {
			return s.store.GetByUser(ctx, userID)
		}
		return nil, err
	}

	s.logger.InfoContext(ctx, "created free subscription", "user_id", userID, "subscription_id", sub.ID)
	return sub, nil
}

// StartCheckout opens a gateway checkout for a paid tier and returns its URL.
// The record keeps its current tier until the gateway confirms the new
// subscription by webhook; only the customer ref is stored now.
func (s *Service) StartCheckout(ctx context.Context, user types.User, tier types.PlanTier) (string, error) {
	if !tier.Valid() || !tier.IsPaid() {
		return "", types.NewAppErrorWithDetails(types.ErrCodeValidationUnsupportedPlan,
			fmt.Sprintf("checkout is not available for plan %q", tier), nil,
			map[string]any{"plan_tier": string(tier)})
	}

	sub, err := s.GetCurrent(ctx, user.ID)
	if err != nil {
		return "", err
	}
	if hasLiveRemote(*sub) {
		return "", types.NewAppErrorWithDetails(types.ErrCodeConflictDuplicateSubscription,
			"a paid subscription is already active; cancel it or switch plans first", nil,
			map[string]any{"plan_tier": string(sub.PlanTier)})
	}

	if sub.ExternalCustomerRef == "" {
		customerRef, err := s.gateway.GetOrCreateCustomer(ctx, user)
		if err != nil {
			return "", err
		}
		next := *sub
		next.ExternalCustomerRef = customerRef
		if err := s.save(ctx, &next, "checkout"); err != nil {
			return "", err
		}
		sub = &next
	}

	checkoutURL, err := s.gateway.CreateCheckoutSession(ctx, external.CheckoutParams{
		UserID:         user.ID,
		CustomerRef:    sub.ExternalCustomerRef,
		Tier:           tier,
		SuccessURL:     s.frontendURL + "/dashboard?subscription=success",
		CancelURL:      s.frontendURL + "/dashboard?subscription=canceled",
		IdempotencyKey: billing.IdempotencyKey(sub.ID, sub.Version, billing.OpCheckout, string(tier)),
	})
	if err != nil {
		return "", err
	}

	s.logger.InfoContext(ctx, "checkout session created", "user_id", user.ID, "plan_tier", tier)
	return checkoutURL, nil
}

// Cancel cancels the user's paid subscription, immediately or at the end of
// the current period. Canceling at period end leaves the status untouched;
// access lapses when the period ends.
func (s *Service) Cancel(ctx context.Context, userID string, immediate bool) (*types.Subscription, error) {
	sub, err := s.store.GetByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub.ExternalSubscriptionRef == "" {
		return nil, types.NewAppError(types.ErrCodeConflictNoRemoteSubscription,
			"there is no paid subscription to cancel", nil)
	}
	if sub.Status == types.SubStatusCanceled || (!immediate && sub.CancelAtPeriodEnd) {
		return sub, nil
	}

	op := billing.OpCancelAtPeriodEnd
	if immediate {
		op = billing.OpCancelImmediately
	}
	key := billing.IdempotencyKey(sub.ID, sub.Version, op, sub.ExternalSubscriptionRef)
	if err := s.gateway.CancelSubscription(ctx, sub.ExternalSubscriptionRef, immediate, key); err != nil {
		return nil, err
	}

	next := *sub
	if immediate {
		now := s.clock.Now()
		next.Status = types.SubStatusCanceled
		next.CanceledAt = &now
		next.LastEventAt = &now
	} else {
		next.CancelAtPeriodEnd = true
	}
	if err := s.save(ctx, &next, "cancel"); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "subscription canceled", "user_id", userID, "immediate", immediate)
	return &next, nil
}

// Resume clears a scheduled cancellation.
func (s *Service) Resume(ctx context.Context, userID string) (*types.Subscription, error) {
	sub, err := s.store.GetByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub.ExternalSubscriptionRef == "" || sub.Status == types.SubStatusCanceled {
		return nil, types.NewAppError(types.ErrCodeConflictNoRemoteSubscription,
			"there is no paid subscription to resume", nil)
	}
	if !sub.CancelAtPeriodEnd {
		return sub, nil
	}

	key := billing.IdempotencyKey(sub.ID, sub.Version, billing.OpResume, sub.ExternalSubscriptionRef)
	if err := s.gateway.UpdateCancelAtPeriodEnd(ctx, sub.ExternalSubscriptionRef, false, key); err != nil {
		return nil, err
	}

	next := *sub
	next.CancelAtPeriodEnd = false
	if err := s.save(ctx, &next, "resume"); err != nil {
		return nil, err
	}
	return &next, nil
}

// SwitchToFree moves the user to the free tier, canceling any paid gateway
// subscription immediately. The switch counts as the newest lifecycle change,
// so late events for the retired subscription are discarded.
func (s *Service) SwitchToFree(ctx context.Context, userID string) (*types.Subscription, error) {
	sub, err := s.GetCurrent(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub.PlanTier == types.PlanFree && sub.Status == types.SubStatusActive && sub.ExternalSubscriptionRef == "" {
		return sub, nil
	}

	if sub.ExternalSubscriptionRef != "" && sub.Status != types.SubStatusCanceled {
		key := billing.IdempotencyKey(sub.ID, sub.Version, billing.OpCancelImmediately, sub.ExternalSubscriptionRef)
		err := s.gateway.CancelSubscription(ctx, sub.ExternalSubscriptionRef, true, key)
		if err != nil && !types.HasCode(err, types.ErrCodeConflictNoRemoteSubscription) {
			return nil, err
		}
	}

	now := s.clock.Now()
	next := *sub
	next.PlanTier = types.PlanFree
	next.Status = types.SubStatusActive
	next.ExternalSubscriptionRef = ""
	next.CurrentPeriodStart = now
	next.CurrentPeriodEnd = now.Add(billing.FreePeriod)
	next.CancelAtPeriodEnd = false
	next.CanceledAt = nil
	// Gateway events created before this point describe the retired
	// subscription and must be treated as stale.
	next.LastEventAt = &now
	if err := s.save(ctx, &next, "switch to free"); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "switched to free plan", "user_id", userID, "previous_tier", sub.PlanTier)
	return &next, nil
}

// save persists a user-initiated change. Conflicts are not retried.
func (s *Service) save(ctx context.Context, sub *types.Subscription, action string) error {
	err := s.store.Save(ctx, sub)
	if err == nil {
		return nil
	}
	if types.HasCode(err, types.ErrCodeConflictConcurrent) {
		s.logger.WarnContext(ctx, "subscription changed concurrently", "action", action, "subscription_id", sub.ID)
		return types.NewAppError(types.ErrCodeConflictConcurrent,
			"your subscription was updated by another request; please retry", err)
	}
	return err
}

// hasLiveRemote reports whether a paid gateway subscription is still running
// and not scheduled to end.
func hasLiveRemote(sub types.Subscription) bool {
	return sub.PlanTier.IsPaid() &&
		sub.ExternalSubscriptionRef != "" &&
		sub.Status != types.SubStatusCanceled &&
		!sub.CancelAtPeriodEnd
}
