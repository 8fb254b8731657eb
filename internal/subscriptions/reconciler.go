package subscriptions

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"funnelmetrics/internal/types"
)

// Outcome reports what applying one event did to local state.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeIgnored Outcome = "ignored"
	OutcomeOrphan  Outcome = "orphan"
)

// remoteStatusActive is the only gateway status that grants access.
const remoteStatusActive = "active"

// SubscriptionStore is the persistence contract shared by the reconciler and
// the service. Save must fail with conflict_concurrent_modification when the
// stored version moved on since the record was read.
type SubscriptionStore interface {
	GetByUser(ctx context.Context, userID string) (*types.Subscription, error)
	GetByCustomerRef(ctx context.Context, customerRef string) (*types.Subscription, error)
	Create(ctx context.Context, sub *types.Subscription) error
	Save(ctx context.Context, sub *types.Subscription) error
}

// UserLookup resolves notice recipients.
type UserLookup interface {
	GetByID(ctx context.Context, id string) (*types.User, error)
}

// PlanResolver maps gateway price ids to plan tiers.
type PlanResolver interface {
	PlanForPrice(priceID string) (types.PlanTier, bool)
}

// Metrics receives one observation per reconciled event.
type Metrics interface {
	RecordWebhook(eventType string, outcome Outcome)
}

type nopMetrics struct{}

func (nopMetrics) RecordWebhook(string, Outcome) {}

// ReconcilerConfig holds the dependencies of a Reconciler.
type ReconcilerConfig struct {
	Store     SubscriptionStore
	Users     UserLookup
	Plans     PlanResolver
	Publisher types.NoticePublisher
	Metrics   Metrics
	Clock     types.Clock
	Logger    *slog.Logger
}

// Reconciler merges gateway lifecycle events into local subscription
// records. Every merge is idempotent, so redelivered events are harmless.
type Reconciler struct {
	store     SubscriptionStore
	users     UserLookup
	plans     PlanResolver
	publisher types.NoticePublisher
	metrics   Metrics
	clock     types.Clock
	logger    *slog.Logger
}

// NewReconciler creates a Reconciler. Metrics, Clock and Logger are optional.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:     cfg.Store,
		users:     cfg.Users,
		plans:     cfg.Plans,
		publisher: cfg.Publisher,
		metrics:   metrics,
		clock:     clock,
		logger:    logger,
	}
}

// Apply reconciles one event. Orphan and ignored outcomes are not errors;
// an error means the event should be redelivered.
func (r *Reconciler) Apply(ctx context.Context, ev Event) (Outcome, error) {
	meta := ev.Meta()
	logger := r.logger.With("event_id", meta.ID, "event_type", meta.Type)

	var (
		outcome Outcome
		err     error
	)
	switch e := ev.(type) {
	case SubscriptionChanged:
		outcome, err = r.applyChanged(ctx, logger, e)
	case SubscriptionDeleted:
		outcome, err = r.applyDeleted(ctx, logger, e)
	case PaymentSucceeded:
		logger.InfoContext(ctx, "invoice paid", "invoice_id", e.Invoice.ID, "customer_ref", e.Invoice.CustomerRef)
		outcome = OutcomeIgnored
	case PaymentFailed:
		outcome = r.applyPaymentFailed(ctx, logger, e)
	case UnknownEvent:
		logger.DebugContext(ctx, "ignoring unhandled event type")
		outcome = OutcomeIgnored
	default:
		panic(fmt.Sprintf("subscriptions: unhandled event variant %T", ev))
	}
	if err != nil {
		return "", err
	}

	r.metrics.RecordWebhook(meta.Type, outcome)
	return outcome, nil
}

func (r *Reconciler) applyChanged(ctx context.Context, logger *slog.Logger, e SubscriptionChanged) (Outcome, error) {
	tier, tierKnown := types.PlanTier(""), false
	if e.Remote.PriceID != "" {
		tier, tierKnown = r.plans.PlanForPrice(e.Remote.PriceID)
		if !tierKnown {
			logger.WarnContext(ctx, "unknown price id, keeping current plan tier", "price_id", e.Remote.PriceID)
		}
	}

	outcome, before, after, err := r.mergeAndSave(ctx, logger, e.Remote.CustomerRef, func(stored types.Subscription) (types.Subscription, bool) {
		return mergeChanged(stored, e, tier, tierKnown)
	})
	if err != nil || outcome != OutcomeApplied {
		return outcome, err
	}

	logger.InfoContext(ctx, "subscription reconciled",
		"subscription_id", after.ID,
		"plan_tier", after.PlanTier,
		"status", after.Status,
		"current_period_end", after.CurrentPeriodEnd,
	)

	if becameActive(before, after) {
		r.notify(ctx, logger, after, types.NoticeSubscriptionConfirmed, map[string]string{
			"plan_tier":          string(after.PlanTier),
			"current_period_end": after.CurrentPeriodEnd.Format(time.RFC3339),
		})
	}
	return outcome, nil
}

func (r *Reconciler) applyDeleted(ctx context.Context, logger *slog.Logger, e SubscriptionDeleted) (Outcome, error) {
	now := r.clock.Now()
	outcome, _, after, err := r.mergeAndSave(ctx, logger, e.Remote.CustomerRef, func(stored types.Subscription) (types.Subscription, bool) {
		return mergeDeleted(stored, e, now)
	})
	if err == nil && outcome == OutcomeApplied {
		logger.InfoContext(ctx, "subscription canceled by gateway", "subscription_id", after.ID)
	}
	return outcome, err
}

func (r *Reconciler) applyPaymentFailed(ctx context.Context, logger *slog.Logger, e PaymentFailed) Outcome {
	sub, err := r.store.GetByCustomerRef(ctx, e.Invoice.CustomerRef)
	if err != nil {
		if types.HasCode(err, types.ErrCodeNotFoundSubscription) {
			logger.WarnContext(ctx, "payment failure for unknown customer", "customer_ref", e.Invoice.CustomerRef)
			return OutcomeOrphan
		}
		logger.WarnContext(ctx, "could not resolve subscription for payment failure notice", "error", err)
		return OutcomeIgnored
	}

	r.notify(ctx, logger, *sub, types.NoticePaymentFailed, map[string]string{
		"invoice_id":         e.Invoice.ID,
		"amount_due":         strconv.FormatInt(e.Invoice.AmountDue, 10),
		"currency":           e.Invoice.Currency,
		"attempt_count":      strconv.FormatInt(e.Invoice.AttemptCount, 10),
		"hosted_invoice_url": e.Invoice.HostedInvoiceURL,
	})
	return OutcomeIgnored
}

// mergeAndSave loads the record for customerRef, merges and saves it. A
// version conflict triggers one re-read and re-merge.
func (r *Reconciler) mergeAndSave(
	ctx context.Context,
	logger *slog.Logger,
	customerRef string,
	merge func(types.Subscription) (types.Subscription, bool),
) (Outcome, types.Subscription, types.Subscription, error) {
	for attempt := 0; ; attempt++ {
		stored, err := r.store.GetByCustomerRef(ctx, customerRef)
		if err != nil {
			if types.HasCode(err, types.ErrCodeNotFoundSubscription) {
				logger.WarnContext(ctx, "no local subscription for customer", "customer_ref", customerRef)
				return OutcomeOrphan, types.Subscription{}, types.Subscription{}, nil
			}
			return "", types.Subscription{}, types.Subscription{}, err
		}

		next, changed := merge(*stored)
		if !changed {
			return OutcomeIgnored, *stored, *stored, nil
		}

		err = r.store.Save(ctx, &next)
		if err == nil {
			return OutcomeApplied, *stored, next, nil
		}
		if attempt == 0 && types.HasCode(err, types.ErrCodeConflictConcurrent) {
			logger.InfoContext(ctx, "subscription changed concurrently, retrying merge", "subscription_id", stored.ID)
			continue
		}
		return "", types.Subscription{}, types.Subscription{}, err
	}
}

// notify publishes a notice. Failures are logged and never fail the event.
func (r *Reconciler) notify(ctx context.Context, logger *slog.Logger, sub types.Subscription, kind types.NoticeKind, payload map[string]string) {
	if r.publisher == nil {
		return
	}
	user, err := r.users.GetByID(ctx, sub.UserID)
	if err != nil {
		logger.WarnContext(ctx, "notice recipient lookup failed", "kind", kind, "user_id", sub.UserID, "error", err)
		return
	}

	notice := types.Notice{
		NoticeID:  uuid.NewString(),
		Kind:      kind,
		UserID:    user.ID,
		Email:     user.Email,
		CreatedAt: r.clock.Now(),
		TraceID:   types.GetRequestID(ctx),
		Payload:   payload,
	}
	if user.Name != "" {
		notice.Payload["name"] = user.Name
	}
	if err := r.publisher.Publish(ctx, notice); err != nil {
		logger.WarnContext(ctx, "failed to publish notice", "kind", kind, "user_id", user.ID, "error", err)
	}
}

// isFresh reports whether an update may overwrite stored: its period end is
// not older than the stored one, or it was created after the newest event
// already merged.
func isFresh(stored types.Subscription, e SubscriptionChanged) bool {
	if !e.Remote.CurrentPeriodEnd.Before(stored.CurrentPeriodEnd) {
		return true
	}
	return stored.LastEventAt == nil || e.Created.After(*stored.LastEventAt)
}

// mergeChanged overwrites the gateway-owned fields of stored with the remote
// subscription. It returns changed=false for stale events and for events
// that would not alter the record.
func mergeChanged(stored types.Subscription, e SubscriptionChanged, tier types.PlanTier, tierKnown bool) (types.Subscription, bool) {
	remote := e.Remote

	// A canceled gateway subscription is terminal. Only a fresh one
	// (different ref) can bring the record back.
	sameRemote := stored.ExternalSubscriptionRef == remote.ID
	if stored.Status == types.SubStatusCanceled && sameRemote {
		return stored, false
	}
	if !isFresh(stored, e) {
		return stored, false
	}

	next := stored
	next.ExternalSubscriptionRef = remote.ID
	next.Status = types.SubStatusPending
	if remote.Status == remoteStatusActive {
		next.Status = types.SubStatusActive
	}
	next.CurrentPeriodStart = remote.CurrentPeriodStart
	next.CurrentPeriodEnd = remote.CurrentPeriodEnd
	next.CancelAtPeriodEnd = remote.CancelAtPeriodEnd
	switch {
	case remote.CanceledAt != nil:
		next.CanceledAt = remote.CanceledAt
	case !sameRemote:
		next.CanceledAt = nil
	}
	if tierKnown {
		next.PlanTier = tier
	}

	if sameState(stored, next) {
		return stored, false
	}
	if stored.LastEventAt == nil || e.Created.After(*stored.LastEventAt) {
		created := e.Created
		next.LastEventAt = &created
	}
	return next, true
}

// mergeDeleted cancels stored when the deleted gateway subscription is the
// one it tracks. The first cancellation time is kept on redelivery.
// A deletion for any other remote ref is ignored rather than applied
// unconditionally, so retiring a subscription via SwitchToFree or a fresh
// checkout cannot be undone by its late deletion event.
func mergeDeleted(stored types.Subscription, e SubscriptionDeleted, now time.Time) (types.Subscription, bool) {
	if stored.ExternalSubscriptionRef != e.Remote.ID || stored.Status == types.SubStatusCanceled {
		return stored, false
	}

	next := stored
	next.Status = types.SubStatusCanceled
	canceledAt := now
	next.CanceledAt = &canceledAt
	if stored.LastEventAt == nil || e.Created.After(*stored.LastEventAt) {
		created := e.Created
		next.LastEventAt = &created
	}
	return next, true
}

func becameActive(before, after types.Subscription) bool {
	if after.Status != types.SubStatusActive || !after.PlanTier.IsPaid() {
		return false
	}
	return before.Status != types.SubStatusActive ||
		before.ExternalSubscriptionRef != after.ExternalSubscriptionRef ||
		before.PlanTier != after.PlanTier
}

// sameState compares the fields a gateway event can change.
func sameState(a, b types.Subscription) bool {
	return a.PlanTier == b.PlanTier &&
		a.Status == b.Status &&
		a.ExternalSubscriptionRef == b.ExternalSubscriptionRef &&
		a.CurrentPeriodStart.Equal(b.CurrentPeriodStart) &&
		a.CurrentPeriodEnd.Equal(b.CurrentPeriodEnd) &&
		a.CancelAtPeriodEnd == b.CancelAtPeriodEnd &&
		equalTimePtr(a.CanceledAt, b.CanceledAt)
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
