package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

const validateTimeout = 15 * time.Second

// ValidationResult is the outcome of checking one operator input.
type ValidationResult struct {
	Valid   bool
	Message string
}

func invalid(format string, args ...any) ValidationResult {
	return ValidationResult{Valid: false, Message: fmt.Sprintf(format, args...)}
}

// HTTPClient is satisfied by *http.Client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// DatabaseConnector opens and immediately closes a connection.
type DatabaseConnector interface {
	Connect(ctx context.Context, dsn string) error
}

type pgxConnector struct{}

func (pgxConnector) Connect(ctx context.Context, dsn string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	return conn.Close(ctx)
}

// Validator probes inputs against the live services they belong to.
type Validator struct {
	httpClient HTTPClient
	dbConn     DatabaseConnector
	stripeBase string
}

func NewValidator() *Validator {
	return &Validator{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		dbConn:     pgxConnector{},
		stripeBase: "https://api.stripe.com",
	}
}

// ValidateDatabaseURL checks the scheme and then connects with pgx.
func (v *Validator) ValidateDatabaseURL(ctx context.Context, rawURL string) ValidationResult {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return invalid("invalid URL format: %v", err)
	}
	if parsed.Scheme != "postgres" && parsed.Scheme != "postgresql" {
		return invalid("expected postgres:// or postgresql:// scheme, got %q", parsed.Scheme)
	}
	if parsed.Hostname() == "" {
		return invalid("database URL has no host")
	}

	connCtx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()
	if err := v.dbConn.Connect(connCtx, rawURL); err != nil {
		return invalid("connection failed: %v", err)
	}
	return ValidationResult{Valid: true, Message: fmt.Sprintf("database connection verified (host=%s)", parsed.Hostname())}
}

var stripeKeyRegex = regexp.MustCompile(`^sk_(test|live)_[0-9a-zA-Z]{24,}$`)

// ValidateStripeKey checks the key format and calls GET /v1/account, which
// has no side effects.
func (v *Validator) ValidateStripeKey(ctx context.Context, key string) ValidationResult {
	key = strings.TrimSpace(key)
	if !stripeKeyRegex.MatchString(key) {
		return invalid("Stripe secret key must match sk_(test|live)_ followed by at least 24 alphanumerics")
	}

	probeCtx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, v.stripeBase+"/v1/account", nil)
	if err != nil {
		return invalid("failed to create request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("User-Agent", "FunnelMetrics-Bootstrap/1.0")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return invalid("Stripe API probe failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return invalid("Stripe API returned 401: key is invalid or revoked")
	case resp.StatusCode != http.StatusOK:
		return invalid("Stripe API returned HTTP %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var account struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(body, &account)

	mode := "test"
	if strings.HasPrefix(key, "sk_live_") {
		mode = "live"
	}
	return ValidationResult{Valid: true, Message: fmt.Sprintf("Stripe key verified [%s mode] (account: %s)", mode, account.ID)}
}

// ValidateFormat checks input against a pattern. It is used for values that
// cannot be probed on their own, such as price ids and webhook secrets.
func ValidateFormat(re *regexp.Regexp, fieldName string) func(context.Context, string) ValidationResult {
	return func(_ context.Context, input string) ValidationResult {
		if !re.MatchString(strings.TrimSpace(input)) {
			return invalid("%s does not match expected format %s", fieldName, re.String())
		}
		return ValidationResult{Valid: true, Message: fieldName + " format validated"}
	}
}

func truncate(body []byte, n int) string {
	if len(body) <= n {
		return string(body)
	}
	return string(body[:n]) + "..."
}
