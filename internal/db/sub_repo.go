package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"funnelmetrics/internal/billing"
	"funnelmetrics/internal/types"
)

// SubscriptionRepository is the only writer of the subscriptions table.
//
// Writes use optimistic concurrency: every row carries a version that Save
// compares and increments, so a save built from a stale read fails with
// conflict_concurrent_modification instead of overwriting newer state.
type SubscriptionRepository struct {
	db     DBTX
	logger *slog.Logger
}

// NewSubscriptionRepository creates a SubscriptionRepository.
func NewSubscriptionRepository(db DBTX, logger *slog.Logger) *SubscriptionRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionRepository{db: db, logger: logger}
}

const subColumns = `id, user_id, plan_tier, status, external_customer_ref, external_subscription_ref,
	current_period_start, current_period_end, cancel_at_period_end, canceled_at,
	version, last_event_at, created_at, updated_at`

func scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var s types.Subscription
	var customerRef, subRef *string
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.PlanTier,
		&s.Status,
		&customerRef,
		&subRef,
		&s.CurrentPeriodStart,
		&s.CurrentPeriodEnd,
		&s.CancelAtPeriodEnd,
		&s.CanceledAt,
		&s.Version,
		&s.LastEventAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.ExternalCustomerRef = derefString(customerRef)
	s.ExternalSubscriptionRef = derefString(subRef)
	return &s, nil
}

// GetByUser returns the user's subscription or not_found_subscription.
func (r *SubscriptionRepository) GetByUser(ctx context.Context, userID string) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subColumns+` FROM subscriptions WHERE user_id = $1`,
		userID,
	)
	return r.scanOne(row, "user_id", userID)
}

// GetByCustomerRef returns the subscription linked to a billing gateway
// customer or not_found_subscription.
func (r *SubscriptionRepository) GetByCustomerRef(ctx context.Context, customerRef string) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subColumns+` FROM subscriptions WHERE external_customer_ref = $1`,
		customerRef,
	)
	return r.scanOne(row, "external_customer_ref", customerRef)
}

func (r *SubscriptionRepository) scanOne(row pgx.Row, key, value string) (*types.Subscription, error) {
	s, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeNotFoundSubscription,
				"subscription not found", nil, map[string]any{key: value})
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve subscription", err)
	}
	return s, nil
}

// Create inserts a new subscription. It assigns ID and Version when unset and
// fails with conflict_duplicate_subscription when the user already has one.
func (r *SubscriptionRepository) Create(ctx context.Context, sub *types.Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	sub.Version = 1
	if err := billing.ValidateSubscription(*sub); err != nil {
		return err
	}

	err := r.db.QueryRow(ctx,
		`INSERT INTO subscriptions (id, user_id, plan_tier, status, external_customer_ref,
			external_subscription_ref, current_period_start, current_period_end,
			cancel_at_period_end, canceled_at, version, last_event_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING created_at, updated_at`,
		sub.ID,
		sub.UserID,
		sub.PlanTier,
		sub.Status,
		nilIfEmpty(sub.ExternalCustomerRef),
		nilIfEmpty(sub.ExternalSubscriptionRef),
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
		sub.CanceledAt,
		sub.Version,
		sub.LastEventAt,
	).Scan(&sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppErrorWithDetails(types.ErrCodeConflictDuplicateSubscription,
				"user already has a subscription", err, map[string]any{"user_id": sub.UserID})
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create subscription", err)
	}
	return nil
}

// Save writes every mutable field of sub, provided the stored version still
// equals sub.Version. On success sub.Version is advanced to the new value.
//
// Errors:
//   - not_found_subscription if the row no longer exists.
//   - conflict_concurrent_modification if another writer saved first.
func (r *SubscriptionRepository) Save(ctx context.Context, sub *types.Subscription) error {
	if err := billing.ValidateSubscription(*sub); err != nil {
		return err
	}

	var updatedAt time.Time
	err := r.db.QueryRow(ctx,
		`UPDATE subscriptions
		 SET plan_tier = $3,
		     status = $4,
		     external_customer_ref = $5,
		     external_subscription_ref = $6,
		     current_period_start = $7,
		     current_period_end = $8,
		     cancel_at_period_end = $9,
		     canceled_at = $10,
		     last_event_at = $11,
		     version = version + 1,
		     updated_at = NOW()
		 WHERE id = $1 AND version = $2
		 RETURNING updated_at`,
		sub.ID,
		sub.Version,
		sub.PlanTier,
		sub.Status,
		nilIfEmpty(sub.ExternalCustomerRef),
		nilIfEmpty(sub.ExternalSubscriptionRef),
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
		sub.CanceledAt,
		sub.LastEventAt,
	).Scan(&updatedAt)
	if err == nil {
		sub.Version++
		sub.UpdatedAt = updatedAt
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictDuplicateSubscription,
				"billing customer is already linked to another subscription", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to save subscription", err)
	}

	// No row matched: either the record is gone or its version moved on.
	var exists bool
	if err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM subscriptions WHERE id = $1)`,
		sub.ID,
	).Scan(&exists); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to check subscription existence", err)
	}
	if !exists {
		return types.NewAppErrorWithDetails(types.ErrCodeNotFoundSubscription,
			"subscription no longer exists", nil, map[string]any{"id": sub.ID})
	}

	r.logger.WarnContext(ctx, "subscription save lost optimistic lock",
		slog.String("subscription_id", sub.ID),
		slog.Int64("version", sub.Version),
	)
	return types.NewAppErrorWithDetails(types.ErrCodeConflictConcurrent,
		"subscription was modified concurrently, please retry", nil, map[string]any{"id": sub.ID})
}
