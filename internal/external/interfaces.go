package external

import (
	"context"

	"funnelmetrics/internal/types"
)

// ---------------------------------------------------------------------------
// Billing gateway (Stripe)
// ---------------------------------------------------------------------------

// BillingGateway abstracts the remote billing provider. Every mutating call
// takes an idempotency key so that retries never double-apply.
type BillingGateway interface {
	// GetOrCreateCustomer returns the provider customer ref for the user.
	GetOrCreateCustomer(ctx context.Context, user types.User) (string, error)

	// CreateCheckoutSession returns a hosted checkout URL for a paid tier.
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (string, error)

	// CancelSubscription cancels now (immediate) or at the period end.
	CancelSubscription(ctx context.Context, subRef string, immediate bool, idempotencyKey string) error

	UpdateCancelAtPeriodEnd(ctx context.Context, subRef string, cancel bool, idempotencyKey string) error

	// PlanForPrice maps a provider price id to a tier.
	PlanForPrice(priceID string) (types.PlanTier, bool)
}

// CheckoutParams describes one checkout session.
type CheckoutParams struct {
	UserID         string
	CustomerRef    string
	Tier           types.PlanTier
	SuccessURL     string
	CancelURL      string
	IdempotencyKey string
}

// Stripe event types handled by the webhook reconciler.
const (
	EventStripeSubCreated    = "customer.subscription.created"
	EventStripeSubUpdated    = "customer.subscription.updated"
	EventStripeSubDeleted    = "customer.subscription.deleted"
	EventStripeInvoicePaid   = "invoice.payment_succeeded"
	EventStripePaymentFailed = "invoice.payment_failed"
)

// ---------------------------------------------------------------------------
// Email delivery (AWS SES)
// ---------------------------------------------------------------------------

// EmailProvider transmits pre-rendered email content.
type EmailProvider interface {
	// Send returns the provider's message id.
	Send(ctx context.Context, input types.SendInput) (providerMsgID string, err error)
}

var _ BillingGateway = (*StripeClient)(nil)
