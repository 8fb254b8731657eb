// Package main is the entry point for the FunnelMetrics API server.
//
// It loads the configuration, opens the Postgres pool, wires the auth,
// subscription and entitlement services into the core HTTP chassis and
// serves until SIGINT or SIGTERM, then drains in-flight requests.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"funnelmetrics/internal/api/handlers"
	"funnelmetrics/internal/auth"
	"funnelmetrics/internal/billing"
	"funnelmetrics/internal/config"
	"funnelmetrics/internal/core"
	"funnelmetrics/internal/db"
	"funnelmetrics/internal/external"
	"funnelmetrics/internal/queue"
	"funnelmetrics/internal/subscriptions"
	"funnelmetrics/internal/telemetry"
	"funnelmetrics/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(secretProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("funnelmetrics API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	poolCfg, err := newPoolConfig(cfg.Database)
	if err != nil {
		return err
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("opening database pool: %w", err)
	}
	defer pool.Close()

	if cfg.Database.MigrateOnStart {
		if err := db.Migrate(ctx, pool, logger); err != nil {
			return fmt.Errorf("migrating database: %w", err)
		}
	}

	awsCfg, err := loadAWSConfig(ctx, cfg.AWS)
	if err != nil {
		return err
	}

	srv, err := buildServer(cfg, pool, sqs.NewFromConfig(awsCfg), logger)
	if err != nil {
		return err
	}
	return serve(ctx, srv.Handler(), cfg.Server, logger)
}

// secretProvider returns nil for local runs, where every secret comes from
// the environment or a .env file.
func secretProvider() config.SecretProvider {
	if os.Getenv("APP_ENV") == "local" {
		return nil
	}
	return config.NewSSMProvider(os.Getenv("AWS_REGION"))
}

// buildServer wires every service onto a mounted core.Server.
func buildServer(cfg *config.Config, pool *pgxpool.Pool, sqsClient queue.SQSSender, logger *slog.Logger) (*core.Server, error) {
	clock := types.RealClock{}

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}

	users := db.NewUserRepository(pool)
	subs := db.NewSubscriptionRepository(pool, logger)
	logins := db.NewLoginHistoryRepository(pool)
	projects := db.NewProjectRepository(pool)
	journal := db.NewEventJournal(pool)

	prom := telemetry.NewPrometheus(cfg.Observability.MetricNamespace)
	publisher := queue.NewNoticePublisher(sqsClient, cfg.AWS.NoticeQueueURL, logger)

	stripeClient := external.NewStripeClient(external.StripeClientConfig{
		SecretKey: cfg.Billing.StripeSecretKey.Unmask(),
		BaseURL:   cfg.Billing.StripeBaseURL,
		Timeout:   cfg.Billing.GatewayTimeout,
		Prices:    cfg.Billing.PriceIDs(),
		OnFailure: prom.RecordUpstreamFailure,
		Logger:    logger,
	})

	security := auth.NewSecurityService(logins, auth.SecurityConfig{
		IPBlockThreshold:         cfg.Auth.IPBlockThreshold,
		IdentifierBlockThreshold: cfg.Auth.IdentifierBlockThreshold,
		WindowDuration:           cfg.Auth.LockoutWindow,
	}, clock, logger)
	history := auth.NewLoginHistoryService(logins, logger)
	tokens := auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, clock)
	authService := auth.NewService(auth.ServiceConfig{
		Users:       users,
		Security:    security,
		History:     history,
		Tokens:      tokens,
		Publisher:   publisher,
		Resets:      db.NewPasswordResetRepository(pool),
		Clock:       clock,
		Logger:      logger,
		FrontendURL: cfg.Server.FrontendURL,
	})

	subService := subscriptions.NewService(subscriptions.ServiceConfig{
		Store:       subs,
		Gateway:     stripeClient,
		FrontendURL: cfg.Server.FrontendURL,
		Clock:       clock,
		Logger:      logger,
	})
	reconciler := subscriptions.NewReconciler(subscriptions.ReconcilerConfig{
		Store:     subs,
		Users:     users,
		Plans:     stripeClient,
		Publisher: publisher,
		Metrics:   prom,
		Clock:     clock,
		Logger:    logger,
	})
	usage := billing.NewUsageReporter(billing.DefaultCatalog(), subService, projects, clock)

	srv.Metrics = prom
	srv.Denials = prom
	srv.SecurityService = security
	srv.Authenticator = tokens
	srv.Entitlements = usage
	srv.MetricsHandler = prom.Handler()
	srv.HealthProbes = []core.HealthProbe{
		core.PingProbe{ProbeName: "database", Ping: pool.Ping},
	}

	verifier := external.NewStripeVerifier(cfg.Billing.StripeWebhookSecret, cfg.Billing.WebhookTolerance)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		handlers.NewAuthHandler(authService, history, srv.Validator, logger).RegisterRoutes,
		handlers.NewSubscriptionHandler(subService, usage, users, srv.Validator, logger).RegisterRoutes,
		handlers.NewProjectHandler(projects, srv, srv.Validator, logger).RegisterRoutes,
		handlers.NewStripeWebhookHandler(verifier, journal, reconciler, prom, logger).RegisterRoutes,
	)
	srv.MountRoutes()
	return srv, nil
}

func newPoolConfig(c config.DatabaseConfig) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(c.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}
	if c.MaxConns > 0 {
		poolCfg.MaxConns = c.MaxConns
	}
	if c.MinConns > 0 {
		poolCfg.MinConns = c.MinConns
	}
	if c.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = c.MaxConnLifetime
	}
	if c.HealthCheckPeriod > 0 {
		poolCfg.HealthCheckPeriod = c.HealthCheckPeriod
	}
	return poolCfg, nil
}

// loadAWSConfig resolves credentials from the default chain. A non-empty
// EndpointURL routes every client to LocalStack.
func loadAWSConfig(ctx context.Context, c config.AWSConfig) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(c.Region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	if c.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(c.EndpointURL)
	}
	return awsCfg, nil
}

func newHTTPServer(handler http.Handler, c config.ServerConfig) *http.Server {
	return &http.Server{
		Addr:              ":" + c.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      c.RequestTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// serve runs the listener until ctx is canceled, then shuts down within
// ShutdownTimeout.
func serve(ctx context.Context, handler http.Handler, c config.ServerConfig, logger *slog.Logger) error {
	httpServer := newHTTPServer(handler, c)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("initiating graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped cleanly")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
