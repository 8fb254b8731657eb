// Package config defines the process configuration for FunnelMetrics.
//
// Values resolve in priority order: OS environment, then a local .env file,
// then AWS SSM Parameter Store (for variables pointed to by a *_SSM_PARAM
// entry). A missing required value or an invalid format fails startup.
package config

import (
	"time"

	"funnelmetrics/internal/types"
)

// SecretString is the redacted secret type used for credentials.
type SecretString = types.SecretString

// Config is the top-level configuration. It is loaded once and never mutated.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"funnelmetrics-api"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Billing       BillingConfig
	Email         EmailConfig
	Auth          AuthConfig
	Security      SecurityConfig
	Observability ObservabilityConfig

	// Build is injected via ldflags, not the environment.
	Build BuildInfo
}

// ServerConfig holds HTTP listener settings and public URLs.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	FrontendURL     string        `envconfig:"FRONTEND_URL" validate:"required,url"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"29s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// DatabaseConfig holds the connection string and pool tuning.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int32         `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int32         `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
	MigrateOnStart    bool          `envconfig:"DB_MIGRATE_ON_START" default:"true"`
}

// AWSConfig holds AWS resource identifiers.
type AWSConfig struct {
	Region         string `envconfig:"AWS_REGION" default:"us-east-1"`
	NoticeQueueURL string `envconfig:"SQS_NOTICES" validate:"required,url"`

	// EndpointURL points the SDK at LocalStack. Empty in deployed environments.
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// BillingConfig holds Stripe credentials and the price id of every paid tier.
type BillingConfig struct {
	StripeSecretKey     SecretString  `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret SecretString  `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`
	StripeBaseURL       string        `envconfig:"STRIPE_BASE_URL" default:"https://api.stripe.com" validate:"url"`
	BasicPriceID        string        `envconfig:"STRIPE_BASIC_PRICE_ID" validate:"required"`
	ProfessionalPriceID string        `envconfig:"STRIPE_PROFESSIONAL_PRICE_ID" validate:"required"`
	EnterprisePriceID   string        `envconfig:"STRIPE_ENTERPRISE_PRICE_ID" validate:"required"`
	GatewayTimeout      time.Duration `envconfig:"STRIPE_TIMEOUT" default:"5s"`
	WebhookTolerance    time.Duration `envconfig:"STRIPE_WEBHOOK_TOLERANCE" default:"5m"`
}

// PriceIDs maps each paid tier to its configured Stripe price.
func (b BillingConfig) PriceIDs() map[types.PlanTier]string {
	return map[types.PlanTier]string{
		types.PlanBasic:        b.BasicPriceID,
		types.PlanProfessional: b.ProfessionalPriceID,
		types.PlanEnterprise:   b.EnterprisePriceID,
	}
}

// EmailConfig holds the sender identity used by the email worker.
type EmailConfig struct {
	FromAddress      string `envconfig:"EMAIL_FROM_ADDRESS" default:"billing@funnelmetrics.io" validate:"email"`
	FromName         string `envconfig:"EMAIL_FROM_NAME" default:"FunnelMetrics"`
	ConfigurationSet string `envconfig:"SES_CONFIGURATION_SET"`
}

// AuthConfig holds the token signing secret and brute force thresholds.
type AuthConfig struct {
	JWTSecret                SecretString  `envconfig:"JWT_SECRET" validate:"required,min=32"`
	TokenTTL                 time.Duration `envconfig:"TOKEN_TTL" default:"24h"`
	IPBlockThreshold         int           `envconfig:"AUTH_IP_BLOCK_THRESHOLD" default:"100" validate:"min=1"`
	IdentifierBlockThreshold int           `envconfig:"AUTH_IDENTIFIER_BLOCK_THRESHOLD" default:"5" validate:"min=1"`
	LockoutWindow            time.Duration `envconfig:"AUTH_LOCKOUT_WINDOW" default:"15m"`
}

// SecurityConfig holds browser-facing security settings.
type SecurityConfig struct {
	CorsAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	// TrustedProxyHops is how many proxies in front of the API append to
	// X-Forwarded-For. Zero ignores the header and uses the socket address.
	TrustedProxyHops int `envconfig:"TRUSTED_PROXY_HOPS" default:"1" validate:"min=0"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace  string `envconfig:"METRIC_NAMESPACE" default:"FunnelMetrics"`
	EnableCloudWatch bool   `envconfig:"ENABLE_CLOUDWATCH" default:"false"`
}

// BuildInfo holds build-time metadata.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	ErrValidation    ConfigErrorType = "VALIDATION_FAILED"
	ErrParsing       ConfigErrorType = "PARSING_FAILED"
)
