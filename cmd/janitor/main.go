// Package main is the entrypoint for the Janitor Lambda function.
//
// EventBridge rules invoke it on a schedule with a maintenance.Payload that
// names one retention task:
//
//	purge_login_history     delete login attempts past LOGIN_HISTORY_RETENTION
//	archive_webhook_events  move processed webhook events past
//	                        WEBHOOK_EVENT_RETENTION to ARCHIVE_BUCKET
//
// With APP_ENV=local it reads one payload from stdin and exits.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kelseyhightower/envconfig"

	"funnelmetrics/internal/config"
	"funnelmetrics/internal/db"
	"funnelmetrics/internal/external"
	"funnelmetrics/internal/maintenance"
	"funnelmetrics/internal/types"
)

type janitorConfig struct {
	AppEnv      string `envconfig:"APP_ENV" default:"prod"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	Region      string `envconfig:"AWS_REGION" default:"us-east-1"`
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`

	// ArchiveBucket is optional; without it webhook events are kept.
	ArchiveBucket         string        `envconfig:"ARCHIVE_BUCKET"`
	LoginHistoryRetention time.Duration `envconfig:"LOGIN_HISTORY_RETENTION" default:"2160h"`
	PasswordResetGrace    time.Duration `envconfig:"PASSWORD_RESET_GRACE" default:"24h"`
	WebhookEventRetention time.Duration `envconfig:"WEBHOOK_EVENT_RETENTION" default:"720h"`
	ArchiveBatchSize      int           `envconfig:"ARCHIVE_BATCH_SIZE" default:"500"`
}

// RetentionJobs is implemented by *maintenance.RetentionService.
type RetentionJobs interface {
	PurgeLoginHistory(ctx context.Context, now time.Time, retention time.Duration) (int, error)
	PurgePasswordResets(ctx context.Context, now time.Time, grace time.Duration) (int, error)
	ArchiveWebhookEvents(ctx context.Context, now time.Time, retention time.Duration, batchSize int) (int, error)
}

// Handler routes a scheduled payload to its retention job.
type Handler struct {
	Jobs   RetentionJobs
	Clock  types.Clock
	Logger *slog.Logger

	LoginHistoryRetention time.Duration
	PasswordResetGrace    time.Duration
	WebhookEventRetention time.Duration
	ArchiveBatchSize      int
}

func (h *Handler) Handle(ctx context.Context, payload maintenance.Payload) (string, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if payload.Task == "" {
		return "", errors.New("empty task in maintenance payload")
	}

	now := h.Clock.Now()
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}
	logger.InfoContext(ctx, "janitor invoked", "task", payload.Task, "reference_time", now.Format(time.RFC3339))

	items, err := h.dispatch(ctx, payload.Task, now)
	if err != nil {
		logger.ErrorContext(ctx, "task failed", "task", payload.Task, "items_before_error", items, "error", err)
		return "", fmt.Errorf("task %s failed: %w", payload.Task, err)
	}

	result := fmt.Sprintf("task %s complete: %d items processed", payload.Task, items)
	logger.InfoContext(ctx, result, "task", payload.Task, "items", items)
	return result, nil
}

func (h *Handler) dispatch(ctx context.Context, task maintenance.Task, now time.Time) (int, error) {
	switch task {
	case maintenance.TaskPurgeLoginHistory:
		return h.Jobs.PurgeLoginHistory(ctx, now, h.LoginHistoryRetention)
	case maintenance.TaskPurgePasswordResets:
		return h.Jobs.PurgePasswordResets(ctx, now, h.PasswordResetGrace)
	case maintenance.TaskArchiveWebhookEvents:
		return h.Jobs.ArchiveWebhookEvents(ctx, now, h.WebhookEventRetention, h.ArchiveBatchSize)
	default:
		return 0, fmt.Errorf("unknown task: %q", task)
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.ResolveSecrets(config.NewSSMProvider(os.Getenv("AWS_REGION"))); err != nil {
		return fmt.Errorf("resolving secrets: %w", err)
	}

	var cfg janitorConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := newLogger(cfg.LogLevel)

	ctx := context.Background()
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parsing DATABASE_URL: %w", err)
	}
	poolCfg.MaxConns = 2
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("creating database pool: %w", err)
	}
	defer pool.Close()

	var uploader maintenance.ArchiveUploader
	if cfg.ArchiveBucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return fmt.Errorf("loading AWS config: %w", err)
		}
		if cfg.EndpointURL != "" {
			awsCfg.BaseEndpoint = aws.String(cfg.EndpointURL)
		}
		uploader = external.NewS3Archive(s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.UsePathStyle = cfg.EndpointURL != ""
		}), cfg.ArchiveBucket)
	}

	h := newHandler(cfg, pool, uploader, logger)
	logger.Info("janitor initialized", "environment", cfg.AppEnv, "archive_bucket", cfg.ArchiveBucket)

	if cfg.AppEnv == "local" {
		return runLocal(ctx, h, os.Stdin, os.Stdout)
	}
	lambda.Start(h.Handle)
	return nil
}

func newHandler(cfg janitorConfig, conn db.DBTX, uploader maintenance.ArchiveUploader, logger *slog.Logger) *Handler {
	svc := maintenance.NewRetentionService(
		db.NewLoginHistoryRepository(conn),
		db.NewPasswordResetRepository(conn),
		db.NewEventJournal(conn),
		uploader,
		logger,
	)
	return &Handler{
		Jobs:                  svc,
		Clock:                 types.RealClock{},
		Logger:                logger,
		LoginHistoryRetention: cfg.LoginHistoryRetention,
		PasswordResetGrace:    cfg.PasswordResetGrace,
		WebhookEventRetention: cfg.WebhookEventRetention,
		ArchiveBatchSize:      cfg.ArchiveBatchSize,
	}
}

func runLocal(ctx context.Context, h *Handler, in io.Reader, out io.Writer) error {
	var payload maintenance.Payload
	if err := json.NewDecoder(in).Decode(&payload); err != nil {
		return fmt.Errorf("decoding payload from stdin: %w", err)
	}
	result, err := h.Handle(ctx, payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, result)
	return err
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
