package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"funnelmetrics/internal/types"

	stripe "github.com/stripe/stripe-go/v82"
)

// stripeAPIBase is the default Stripe API base URL.
// Overridable in tests via StripeClientConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey string
	BaseURL   string // Override for testing; defaults to stripeAPIBase
	Timeout   time.Duration

	// Prices maps each paid tier to its Stripe Price ID.
	Prices map[types.PlanTier]string

	// OnFailure is called for every call that ends in an upstream error.
	OnFailure FailureObserver

	Logger *slog.Logger
}

// StripeClient implements BillingGateway with direct form-encoded calls to the
// Stripe REST API through BaseClient.
type StripeClient struct {
	base      *BaseClient
	secretKey string
	baseURL   string
	prices    map[types.PlanTier]string
	tiers     map[string]types.PlanTier
	logger    *slog.Logger
}

// NewStripeClient creates a StripeClient. A zero cfg.Timeout defaults to 5s.
func NewStripeClient(cfg StripeClientConfig) *StripeClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	base := NewBaseClient(
		&http.Client{Timeout: timeout},
		"stripe",
		DefaultRetryPolicy(),
		"FunnelMetrics/1.0",
		WithFailureObserver(cfg.OnFailure),
	)
	return NewStripeClientWithBase(base, cfg)
}

// NewStripeClientWithBase creates a StripeClient with a pre-configured BaseClient.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	prices := make(map[types.PlanTier]string, len(cfg.Prices))
	tiers := make(map[string]types.PlanTier, len(cfg.Prices))
	for tier, priceID := range cfg.Prices {
		if priceID == "" {
			continue
		}
		prices[tier] = priceID
		tiers[priceID] = tier
	}

	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		prices:    prices,
		tiers:     tiers,
		logger:    logger,
	}
}

// GetOrCreateCustomer returns the Stripe customer for the user, looking it up
// by email first so repeated checkouts never create duplicates.
func (s *StripeClient) GetOrCreateCustomer(ctx context.Context, user types.User) (string, error) {
	params := url.Values{}
	params.Set("email", user.Email)
	params.Set("limit", "1")

	resp, err := s.doGet(ctx, "/v1/customers", params)
	if err != nil {
		return "", s.wrapStripeError("GetOrCreateCustomer.list", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(resp, "GetOrCreateCustomer.list")
	}

	var list stripeCustomerList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamBilling, "failed to decode Stripe customer list", err)
	}
	if len(list.Data) > 0 {
		return list.Data[0].ID, nil
	}

	createParams := url.Values{}
	createParams.Set("email", user.Email)
	if user.Name != "" {
		createParams.Set("name", user.Name)
	}
	createParams.Set("metadata[user_id]", user.ID)

	createResp, err := s.doMutation(ctx, http.MethodPost, "/v1/customers", createParams, "customer-"+user.ID)
	if err != nil {
		return "", s.wrapStripeError("GetOrCreateCustomer.create", err)
	}
	defer createResp.Body.Close()

	if createResp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(createResp, "GetOrCreateCustomer.create")
	}

	var customer stripeCustomer
	if err := json.NewDecoder(createResp.Body).Decode(&customer); err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamBilling, "failed to decode Stripe customer", err)
	}

	s.logger.InfoContext(ctx, "created stripe customer", "user_id", user.ID, "customer_id", customer.ID)
	return customer.ID, nil
}

// CreateCheckoutSession opens a hosted checkout for a paid tier and returns
// its URL.
func (s *StripeClient) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (string, error) {
	if !p.Tier.IsPaid() {
		return "", types.NewAppError(types.ErrCodeValidationUnsupportedPlan,
			fmt.Sprintf("plan %q cannot be purchased", p.Tier), nil)
	}
	priceID, ok := s.prices[p.Tier]
	if !ok {
		return "", types.NewAppError(types.ErrCodeValidationUnsupportedPlan,
			fmt.Sprintf("no price configured for plan %q", p.Tier), nil)
	}

	params := url.Values{}
	params.Set("customer", p.CustomerRef)
	params.Set("mode", "subscription")
	params.Set("client_reference_id", p.UserID)
	params.Set("success_url", p.SuccessURL)
	params.Set("cancel_url", p.CancelURL)
	params.Set("line_items[0][price]", priceID)
	params.Set("line_items[0][quantity]", "1")
	params.Set("metadata[user_id]", p.UserID)
	params.Set("metadata[plan_tier]", string(p.Tier))
	params.Set("subscription_data[metadata][user_id]", p.UserID)

	resp, err := s.doMutation(ctx, http.MethodPost, "/v1/checkout/sessions", params, p.IdempotencyKey)
	if err != nil {
		return "", s.wrapStripeError("CreateCheckoutSession", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(resp, "CreateCheckoutSession")
	}

	var session stripeCheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamBilling, "failed to decode Stripe checkout session", err)
	}
	return session.URL, nil
}

// CancelSubscription ends a remote subscription now (immediate) or at the
// end of the current billing period.
func (s *StripeClient) CancelSubscription(ctx context.Context, subRef string, immediate bool, idempotencyKey string) error {
	if !immediate {
		return s.UpdateCancelAtPeriodEnd(ctx, subRef, true, idempotencyKey)
	}

	resp, err := s.doMutation(ctx, http.MethodDelete, "/v1/subscriptions/"+url.PathEscape(subRef), nil, idempotencyKey)
	if err != nil {
		return s.wrapStripeError("CancelSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return s.handleErrorResponse(resp, "CancelSubscription")
	}
	return nil
}

// UpdateCancelAtPeriodEnd sets or clears the scheduled cancellation flag.
func (s *StripeClient) UpdateCancelAtPeriodEnd(ctx context.Context, subRef string, cancel bool, idempotencyKey string) error {
	params := url.Values{}
	params.Set("cancel_at_period_end", fmt.Sprintf("%t", cancel))

	resp, err := s.doMutation(ctx, http.MethodPost, "/v1/subscriptions/"+url.PathEscape(subRef), params, idempotencyKey)
	if err != nil {
		return s.wrapStripeError("UpdateCancelAtPeriodEnd", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return s.handleErrorResponse(resp, "UpdateCancelAtPeriodEnd")
	}
	return nil
}

// PlanForPrice maps a Stripe Price ID back to its tier.
func (s *StripeClient) PlanForPrice(priceID string) (types.PlanTier, bool) {
	tier, ok := s.tiers[priceID]
	return tier, ok
}

// ---------------------------------------------------------------------------
// HTTP Helpers
// ---------------------------------------------------------------------------

func (s *StripeClient) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

// doMutation sends a form-encoded POST or DELETE. The idempotency key makes
// BaseClient's retries on 429/5xx safe.
func (s *StripeClient) doMutation(ctx context.Context, method, path string, params url.Values, idempotencyKey string) (*http.Response, error) {
	var body io.Reader
	if len(params) > 0 {
		body = strings.NewReader(params.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

func (s *StripeClient) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

// ---------------------------------------------------------------------------
// Error Handling
// ---------------------------------------------------------------------------

type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
}

// handleErrorResponse reads a Stripe error body and maps it to an AppError.
func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamBilling,
			fmt.Sprintf("%s: Stripe returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	var stripeErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamBilling,
			fmt.Sprintf("%s: Stripe returned status %d with non-JSON body", operation, resp.StatusCode),
			jsonErr,
		)
	}

	return s.mapStripeError(operation, resp.StatusCode, &stripeErr.Error)
}

func (s *StripeClient) mapStripeError(operation string, statusCode int, stripeErr *stripeErrorBody) error {
	if stripeErr.Code == "card_declined" || stripeErr.DeclineCode != "" {
		return types.NewAppErrorWithDetails(
			types.ErrCodePaymentDeclined,
			fmt.Sprintf("%s: payment declined: %s", operation, stripeErr.Message),
			nil,
			map[string]any{
				"decline_code": stripeErr.DeclineCode,
				"stripe_code":  stripeErr.Code,
			},
		)
	}

	if statusCode == http.StatusNotFound && stripeErr.Code == "resource_missing" {
		return types.NewAppError(
			types.ErrCodeConflictNoRemoteSubscription,
			fmt.Sprintf("%s: %s", operation, stripeErr.Message),
			nil,
		)
	}

	return types.NewAppError(
		types.ErrCodeUpstreamBilling,
		fmt.Sprintf("%s: Stripe error (%d): %s", operation, statusCode, stripeErr.Message),
		nil,
	)
}

// wrapStripeError folds every transport failure (breaker open, retries
// exhausted, network) into the billing-unavailable code.
func (s *StripeClient) wrapStripeError(operation string, err error) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) && appErr.Code == types.ErrCodeUpstreamBilling {
		return appErr
	}
	return types.NewAppError(
		types.ErrCodeUpstreamBilling,
		fmt.Sprintf("%s: Stripe request failed", operation),
		err,
	)
}

// ---------------------------------------------------------------------------
// Stripe Response Types
// ---------------------------------------------------------------------------

type stripeCustomer struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Metadata map[string]string `json:"metadata"`
}

type stripeCustomerList struct {
	Data    []stripeCustomer `json:"data"`
	HasMore bool             `json:"has_more"`
}

type stripeCheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}
