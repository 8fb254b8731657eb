package external

import (
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"funnelmetrics/internal/types"
)

// StripeVerifier authenticates Stripe webhook deliveries. It checks the
// Stripe-Signature HMAC and the timestamp tolerance, then decodes the event
// envelope.
type StripeVerifier struct {
	secret    types.SecretString
	tolerance time.Duration
}

// NewStripeVerifier creates a verifier for the endpoint signing secret.
// A zero tolerance uses the library default of five minutes.
func NewStripeVerifier(secret types.SecretString, tolerance time.Duration) *StripeVerifier {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &StripeVerifier{secret: secret, tolerance: tolerance}
}

// Verify returns the decoded event, or a validation_invalid_signature error
// when the payload was not signed with the configured secret.
func (v *StripeVerifier) Verify(payload []byte, header string) (stripe.Event, error) {
	if header == "" {
		return stripe.Event{}, types.NewAppError(types.ErrCodeValidationSignature, "missing Stripe-Signature header", nil)
	}

	ev, err := webhook.ConstructEventWithOptions(payload, header, v.secret.Unmask(), webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, types.NewAppError(types.ErrCodeValidationSignature, "webhook signature verification failed", err)
	}
	return ev, nil
}
