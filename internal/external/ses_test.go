package external

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funnelmetrics/internal/types"
)

type mockSESAPI struct {
	sendEmailFunc func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

func (m *mockSESAPI) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	return m.sendEmailFunc(ctx, params, optFns...)
}

func capturingSES(captured **sesv2.SendEmailInput) *mockSESAPI {
	return &mockSESAPI{
		sendEmailFunc: func(_ context.Context, params *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			*captured = params
			return &sesv2.SendEmailOutput{MessageId: aws.String("ses-msg-1")}, nil
		},
	}
}

func failingSES(err error) *mockSESAPI {
	return &mockSESAPI{
		sendEmailFunc: func(context.Context, *sesv2.SendEmailInput, ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			return nil, err
		},
	}
}

func TestSESSend_Success(t *testing.T) {
	var captured *sesv2.SendEmailInput
	client := NewSESClientWithAPI(capturingSES(&captured), SESClientConfig{ConfigSetName: "funnelmetrics-notices"})

	msgID, err := client.Send(context.Background(), types.SendInput{
		To:          "owner@example.com",
		From:        types.SenderIdentity{Name: "FunnelMetrics Billing", Address: "billing@funnelmetrics.io"},
		Subject:     "Payment failed",
		BodyHTML:    "<p>Your payment failed</p>",
		BodyText:    "Your payment failed",
		ReferenceID: "notice-1",
		Kind:        types.NoticePaymentFailed,
	})
	require.NoError(t, err)
	assert.Equal(t, "ses-msg-1", msgID)

	require.NotNil(t, captured)
	assert.Equal(t, "FunnelMetrics Billing <billing@funnelmetrics.io>", aws.ToString(captured.FromEmailAddress))
	assert.Equal(t, []string{"owner@example.com"}, captured.Destination.ToAddresses)
	assert.Equal(t, "Payment failed", aws.ToString(captured.Content.Simple.Subject.Data))
	assert.Equal(t, "<p>Your payment failed</p>", aws.ToString(captured.Content.Simple.Body.Html.Data))
	assert.Equal(t, "Your payment failed", aws.ToString(captured.Content.Simple.Body.Text.Data))
	assert.Equal(t, "funnelmetrics-notices", aws.ToString(captured.ConfigurationSetName))

	require.Len(t, captured.EmailTags, 2)
	assert.Equal(t, "notice_id", aws.ToString(captured.EmailTags[0].Name))
	assert.Equal(t, "notice-1", aws.ToString(captured.EmailTags[0].Value))
	assert.Equal(t, "payment_failed", aws.ToString(captured.EmailTags[1].Value))
}

func TestSESSend_BareAddressAndTextOnly(t *testing.T) {
	var captured *sesv2.SendEmailInput
	client := NewSESClientWithAPI(capturingSES(&captured), SESClientConfig{})

	_, err := client.Send(context.Background(), types.SendInput{
		To:       "owner@example.com",
		From:     types.SenderIdentity{Address: "security@funnelmetrics.io"},
		Subject:  "New sign-in",
		BodyText: "plain",
	})
	require.NoError(t, err)

	assert.Equal(t, "security@funnelmetrics.io", aws.ToString(captured.FromEmailAddress))
	assert.Nil(t, captured.Content.Simple.Body.Html)
	assert.NotNil(t, captured.Content.Simple.Body.Text)
	assert.Nil(t, captured.ConfigurationSetName)
	assert.Empty(t, captured.EmailTags)
}

func TestSESSend_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want types.ErrorCode
	}{
		{"rejected", &sestypes.MessageRejected{Message: aws.String("suppressed")}, types.ErrCodeEmailBlocked},
		{"throttled", &sestypes.TooManyRequestsException{Message: aws.String("slow down")}, types.ErrCodeUpstreamRateLimited},
		{"paused", &sestypes.SendingPausedException{Message: aws.String("paused")}, types.ErrCodeUpstreamUnavailable},
		{"other", errors.New("boom"), types.ErrCodeUpstreamEmailProvider},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewSESClientWithAPI(failingSES(tt.err), SESClientConfig{})

			_, err := client.Send(context.Background(), types.SendInput{
				To:      "owner@example.com",
				From:    types.SenderIdentity{Address: "billing@funnelmetrics.io"},
				Subject: "x",
			})
			require.Error(t, err)
			assert.True(t, types.HasCode(err, tt.want), "got %v", err)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}
