// Package main is the entrypoint for the Email Worker Lambda function.
//
// The worker consumes billing and security notices from the notices SQS
// queue, renders them and sends them through SES. It uses partial batch
// responses: only messages whose failure may succeed on redelivery are
// reported back to SQS.
//
// With APP_ENV=local it reads one SQS event from stdin instead of starting
// the Lambda runtime.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/kelseyhightower/envconfig"

	"funnelmetrics/internal/config"
	"funnelmetrics/internal/external"
	emailpkg "funnelmetrics/internal/notifications/email"
	"funnelmetrics/internal/telemetry"
	"funnelmetrics/internal/types"
)

const sesProvider = "ses"

// workerConfig is the worker's slice of the environment. It does not need
// the database or Stripe settings the API validates.
type workerConfig struct {
	AppEnv      string `envconfig:"APP_ENV" default:"prod"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	Region      string `envconfig:"AWS_REGION" default:"us-east-1"`
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
	FrontendURL string `envconfig:"FRONTEND_URL" required:"true"`

	FromAddress      string `envconfig:"EMAIL_FROM_ADDRESS" default:"billing@funnelmetrics.io"`
	FromName         string `envconfig:"EMAIL_FROM_NAME" default:"FunnelMetrics"`
	ConfigurationSet string `envconfig:"SES_CONFIGURATION_SET"`

	MetricNamespace  string `envconfig:"METRIC_NAMESPACE" default:"FunnelMetrics"`
	EnableCloudWatch bool   `envconfig:"ENABLE_CLOUDWATCH" default:"true"`
}

// NoticeDeliverer sends one notice. *email.Deliverer implements it.
type NoticeDeliverer interface {
	Deliver(ctx context.Context, n types.Notice) (emailpkg.Result, error)
}

// DeliveryMetrics receives one observation per processed message.
// *telemetry.NoticeMetrics implements it.
type DeliveryMetrics interface {
	RecordDelivery(ctx context.Context, kind types.NoticeKind, outcome string, delivered bool, queueLag time.Duration)
	RecordUpstreamFailure(ctx context.Context, provider string, code types.ErrorCode)
}

type nopMetrics struct{}

func (nopMetrics) RecordDelivery(context.Context, types.NoticeKind, string, bool, time.Duration) {}
func (nopMetrics) RecordUpstreamFailure(context.Context, string, types.ErrorCode)                {}

// Handler holds the dependencies of the Lambda handler.
type Handler struct {
	deliverer NoticeDeliverer
	metrics   DeliveryMetrics
	clock     types.Clock
	logger    *slog.Logger
}

func NewHandler(deliverer NoticeDeliverer, metrics DeliveryMetrics, clock types.Clock, logger *slog.Logger) *Handler {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{deliverer: deliverer, metrics: metrics, clock: clock, logger: logger}
}

// Handle processes a batch. Each record is independent; a retryable failure
// is reported in BatchItemFailures so SQS redelivers only that record.
func (h *Handler) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, record := range ev.Records {
		if err := h.processMessage(ctx, record); err != nil {
			h.logger.ErrorContext(ctx, "notice delivery failed, requesting redelivery",
				"message_id", record.MessageId,
				"error", err,
			)
			resp.BatchItemFailures = append(resp.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
		}
	}
	return resp, nil
}

// processMessage returns an error only when redelivery may help. Malformed
// bodies and permanent send failures are acknowledged.
func (h *Handler) processMessage(ctx context.Context, record events.SQSMessage) error {
	var notice types.Notice
	if err := json.Unmarshal([]byte(record.Body), &notice); err != nil {
		h.logger.ErrorContext(ctx, "failed to unmarshal notice", "message_id", record.MessageId, "error", err)
		return nil
	}

	logger := h.logger.With(
		"notice_id", notice.NoticeID,
		"kind", string(notice.Kind),
		"trace_id", notice.TraceID,
		"receive_count", record.Attributes["ApproximateReceiveCount"],
	)
	lag := h.queueLag(record)

	result, err := h.deliverer.Deliver(ctx, notice)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && strings.HasPrefix(string(appErr.Code), "upstream_") {
			h.metrics.RecordUpstreamFailure(ctx, sesProvider, appErr.Code)
		}
		if emailpkg.IsRetryable(err) {
			h.metrics.RecordDelivery(ctx, notice.Kind, "retry", false, lag)
			return err
		}
		logger.WarnContext(ctx, "notice dropped after permanent failure", "error", err)
		h.metrics.RecordDelivery(ctx, notice.Kind, "failed", false, lag)
		return nil
	}

	h.metrics.RecordDelivery(ctx, notice.Kind, string(result.Status), result.Status == emailpkg.StatusSent, lag)
	return nil
}

// queueLag is the time since SQS accepted the message, or zero when the
// SentTimestamp attribute is absent.
func (h *Handler) queueLag(record events.SQSMessage) time.Duration {
	raw, ok := record.Attributes["SentTimestamp"]
	if !ok {
		return 0
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	lag := h.clock.Now().Sub(time.UnixMilli(ms))
	if lag < 0 {
		return 0
	}
	return lag
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// SES_CONFIGURATION_SET may arrive as SES_CONFIGURATION_SET_SSM_PARAM.
	if err := config.ResolveSecrets(config.NewSSMProvider(os.Getenv("AWS_REGION"))); err != nil {
		return fmt.Errorf("resolving secrets: %w", err)
	}

	var cfg workerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := newLogger(cfg.LogLevel)
	logger.Info("email worker initializing", "environment", cfg.AppEnv, "from_address", cfg.FromAddress)

	ctx := context.Background()
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}
	if cfg.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.EndpointURL)
	}

	handler, err := buildHandler(cfg, awsCfg, logger)
	if err != nil {
		return err
	}

	if cfg.AppEnv == "local" {
		return runLocal(ctx, handler, os.Stdin, os.Stderr, logger)
	}
	lambda.Start(handler.Handle)
	return nil
}

func buildHandler(cfg workerConfig, awsCfg aws.Config, logger *slog.Logger) (*Handler, error) {
	renderer, err := emailpkg.NewRenderer(emailpkg.RendererConfig{
		FromAddress: cfg.FromAddress,
		FromName:    cfg.FromName,
		AccountURL:  strings.TrimSuffix(cfg.FrontendURL, "/") + "/account",
	})
	if err != nil {
		return nil, fmt.Errorf("loading email templates: %w", err)
	}

	ses := external.NewSESClient(awsCfg, external.SESClientConfig{
		ConfigSetName: cfg.ConfigurationSet,
		Logger:        logger,
	})

	var metrics DeliveryMetrics
	if cfg.EnableCloudWatch {
		metrics = telemetry.NewNoticeMetrics(cloudwatch.NewFromConfig(awsCfg), cfg.MetricNamespace, logger)
	}

	return NewHandler(emailpkg.NewDeliverer(ses, renderer, logger), metrics, types.RealClock{}, logger), nil
}

// runLocal feeds one SQS event read from in through the handler and writes
// any batch failures to out.
func runLocal(ctx context.Context, h *Handler, in io.Reader, out io.Writer, logger *slog.Logger) error {
	payload, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}
	if len(payload) == 0 {
		return errors.New("no input received on stdin")
	}

	var ev events.SQSEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("parsing stdin as SQS event: %w", err)
	}

	resp, err := h.Handle(ctx, ev)
	if err != nil {
		return err
	}
	if len(resp.BatchItemFailures) > 0 {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(resp); err != nil {
			return err
		}
	}
	logger.InfoContext(ctx, "local run completed",
		"records_processed", len(ev.Records),
		"failures", len(resp.BatchItemFailures),
	)
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
