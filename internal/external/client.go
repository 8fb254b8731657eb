// Package external adapts third-party vendor APIs (Stripe, SES) to the
// FunnelMetrics domain. Outbound HTTP calls go through BaseClient, which adds
// circuit breaking, bounded retries and trace propagation.
package external

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"

	"funnelmetrics/internal/types"
)

// RetryPolicy configures the retry behavior for the BaseClient.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryPolicy keeps total retry wait well under a user-facing request
// budget. Only 429 and 5xx responses are retried.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, MinWait: 200 * time.Millisecond, MaxWait: 2 * time.Second}
}

// NoRetry disables retries entirely.
func NoRetry() RetryPolicy { return RetryPolicy{} }

// FailureObserver is told about every call that ends in an upstream error.
type FailureObserver func(provider string, err *types.AppError)

// BaseClient wraps an *http.Client and a circuit breaker. Provider clients hold
// one BaseClient each so a failing vendor trips only its own breaker.
type BaseClient struct {
	provider    string
	client      *http.Client
	breaker     *gobreaker.CircuitBreaker[*http.Response]
	retryPolicy RetryPolicy
	userAgent   string
	tripAfter   uint32
	sleepFn     func(time.Duration)
	onFailure   FailureObserver
}

// BaseClientOption is a functional option for configuring a BaseClient.
type BaseClientOption func(*BaseClient)

// WithSleepFunc overrides the sleep between retries.
func WithSleepFunc(fn func(time.Duration)) BaseClientOption {
	return func(c *BaseClient) { c.sleepFn = fn }
}

// WithFailureObserver registers fn for upstream failures, typically a
// metrics recorder.
func WithFailureObserver(fn FailureObserver) BaseClientOption {
	return func(c *BaseClient) { c.onFailure = fn }
}

// WithTripThreshold opens the breaker after n consecutive failures.
func WithTripThreshold(n uint32) BaseClientOption {
	return func(c *BaseClient) { c.tripAfter = n }
}

// NewBaseClient creates a BaseClient whose breaker is named after provider.
func NewBaseClient(httpClient *http.Client, provider string, retryPolicy RetryPolicy, userAgent string, opts ...BaseClientOption) *BaseClient {
	bc := &BaseClient{
		provider:    provider,
		client:      httpClient,
		retryPolicy: retryPolicy,
		userAgent:   userAgent,
		tripAfter:   6,
		sleepFn:     time.Sleep,
	}
	for _, opt := range opts {
		opt(bc)
	}

	tripAfter := bc.tripAfter
	bc.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        provider,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= tripAfter
		},
	})
	return bc
}

// Do sends req through the circuit breaker, retrying 429 and 5xx responses
// per the retry policy. The request id from the context is forwarded as
// X-Request-Id.
//
// Any response other than 429/5xx is returned as-is and the caller closes
// the body. Exhausted retries, transport failures and an open breaker
// return an upstream_* AppError.
//
// Retried requests are only safe when the caller made them idempotent, for
// Stripe by setting an Idempotency-Key header.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	if traceID := types.GetRequestID(req.Context()); traceID != "" {
		req.Header.Set("X-Request-Id", traceID)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to buffer request body", err)
		}
	}

	var lastResp *http.Response
	var lastErr error

	attempts := 1 + c.retryPolicy.MaxRetries
	for attempt := range attempts {
		if body != nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
			req.ContentLength = int64(len(body))
		}

		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			r, err := c.client.Do(req)
			if err != nil {
				return nil, err
			}
			if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
				return r, fmt.Errorf("upstream returned %d", r.StatusCode)
			}
			return r, nil
		})
		if err == nil {
			return resp, nil
		}

		lastErr = err
		lastResp = nil
		if resp != nil {
			if attempt < attempts-1 {
				resp.Body.Close()
			} else {
				lastResp = resp
			}
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		if attempt < attempts-1 {
			c.sleepFn(c.computeBackoff(attempt, resp))
		}
	}

	if lastResp != nil {
		lastResp.Body.Close()
	}
	appErr := c.mapError(lastResp, lastErr)
	if c.onFailure != nil {
		c.onFailure(c.provider, appErr)
	}
	return nil, appErr
}

// computeBackoff honors a Retry-After header (seconds or HTTP date) and
// otherwise uses exponential backoff with jitter, clamped to the policy.
func (c *BaseClient) computeBackoff(attempt int, resp *http.Response) time.Duration {
	minWait, maxWait := c.retryPolicy.MinWait, c.retryPolicy.MaxWait

	if resp != nil {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			var wait time.Duration
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				wait = time.Duration(seconds) * time.Second
			} else if t, err := http.ParseTime(ra); err == nil {
				wait = time.Until(t)
			}
			if wait > 0 {
				return min(wait, maxWait)
			}
		}
	}

	ceiling := min(minWait<<attempt, maxWait)
	if ceiling <= minWait {
		return minWait
	}
	return minWait + time.Duration(rand.Int64N(int64(ceiling-minWait)))
}

// mapError translates HTTP-level failures into upstream AppErrors.
func (c *BaseClient) mapError(resp *http.Response, err error) *types.AppError {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, c.provider+" circuit breaker is open", err)
	}
	if resp != nil {
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return types.NewAppError(types.ErrCodeUpstreamRateLimited, c.provider+" rate limit exceeded", err)
		case resp.StatusCode >= 500:
			return types.NewAppError(types.ErrCodeUpstreamUnavailable, fmt.Sprintf("%s returned %d after retries", c.provider, resp.StatusCode), err)
		}
	}
	return types.NewAppError(types.ErrCodeUpstreamUnavailable, c.provider+" request failed", err)
}
