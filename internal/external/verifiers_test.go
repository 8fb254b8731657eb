package external

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"

	"funnelmetrics/internal/types"
)

const testWebhookSecret = "whsec_test_secret"

const testEventPayload = `{
  "id": "evt_1",
  "object": "event",
  "type": "customer.subscription.updated",
  "created": 1760000000,
  "data": {"object": {"id": "sub_1", "object": "subscription", "customer": "cus_1", "status": "active"}}
}`

func signPayload(payload, secret string, at time.Time) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: at,
	})
	return signed.Header
}

func TestStripeVerifier_Valid(t *testing.T) {
	v := NewStripeVerifier(types.SecretString(testWebhookSecret), 0)

	ev, err := v.Verify([]byte(testEventPayload), signPayload(testEventPayload, testWebhookSecret, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, "customer.subscription.updated", string(ev.Type))
	require.NotNil(t, ev.Data)
	assert.Contains(t, string(ev.Data.Raw), `"sub_1"`)
}

func TestStripeVerifier_Rejects(t *testing.T) {
	v := NewStripeVerifier(types.SecretString(testWebhookSecret), time.Minute)

	tests := []struct {
		name    string
		payload string
		header  string
	}{
		{"missing header", testEventPayload, ""},
		{"wrong secret", testEventPayload, signPayload(testEventPayload, "whsec_other", time.Now())},
		{"tampered body", testEventPayload + " ", signPayload(testEventPayload, testWebhookSecret, time.Now())},
		{"stale timestamp", testEventPayload, signPayload(testEventPayload, testWebhookSecret, time.Now().Add(-time.Hour))},
		{"garbage header", testEventPayload, "t=abc,v1=zzz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify([]byte(tt.payload), tt.header)
			assert.True(t, types.HasCode(err, types.ErrCodeValidationSignature), "got %v", err)
		})
	}
}
