package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"funnelmetrics/internal/types"
)

// CloudWatchClient is the subset of *cloudwatch.Client used here.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// NoticeMetrics pushes email worker metrics to CloudWatch. Emission errors
// are logged and never fail a delivery.
type NoticeMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewNoticeMetrics creates a NoticeMetrics. An empty namespace uses
// types.MetricNamespace.
func NewNoticeMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *NoticeMetrics {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NoticeMetrics{client: client, namespace: namespace, logger: logger}
}

// RecordDelivery emits NoticeDelivered or NoticeFailed with the notice kind
// and outcome as dimensions, plus the time the notice spent queued.
func (m *NoticeMetrics) RecordDelivery(ctx context.Context, kind types.NoticeKind, outcome string, delivered bool, queueLag time.Duration) {
	name := types.MetricNoticeFailed
	if delivered {
		name = types.MetricNoticeDelivered
	}

	data := []cwtypes.MetricDatum{{
		MetricName: aws.String(name),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(types.DimEventKind), Value: aws.String(string(kind))},
			{Name: aws.String(types.DimOutcome), Value: aws.String(outcome)},
		},
	}}
	if queueLag > 0 {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricNoticeQueueLag),
			Value:      aws.Float64(float64(queueLag.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
		})
	}

	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	})
	if err != nil {
		m.logger.WarnContext(ctx, "failed to record notice metric", "kind", kind, "outcome", outcome, "error", err)
	}
}

// RecordUpstreamFailure emits ExternalAPIFailure for a provider.
func (m *NoticeMetrics) RecordUpstreamFailure(ctx context.Context, provider string, code types.ErrorCode) {
	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{{
			MetricName: aws.String(types.MetricExternalAPIFailure),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{
				{Name: aws.String(types.DimProvider), Value: aws.String(provider)},
				{Name: aws.String(types.DimReason), Value: aws.String(string(code))},
			},
		}},
	})
	if err != nil {
		m.logger.WarnContext(ctx, "failed to record upstream failure metric", "provider", provider, "error", err)
	}
}
