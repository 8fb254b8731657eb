package external

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funnelmetrics/internal/types"
)

func noopSleep(time.Duration) {}

func newTestClient(policy RetryPolicy, opts ...BaseClientOption) *BaseClient {
	opts = append([]BaseClientOption{WithSleepFunc(noopSleep)}, opts...)
	return NewBaseClient(&http.Client{Timeout: 5 * time.Second}, "test", policy, "FunnelMetrics-Test/1.0", opts...)
}

// statusSequence answers with the given codes in order, repeating the last.
func statusSequence(codes ...int) (*httptest.Server, *atomic.Int32) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1)) - 1
		w.WriteHeader(codes[min(n, len(codes)-1)])
	}))
	return srv, &calls
}

func get(t *testing.T, ctx context.Context, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	return req
}

func TestDo_PropagatesHeaders(t *testing.T) {
	var gotTrace, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTrace = r.Header.Get("X-Request-Id")
		gotUA = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	ctx := types.WithRequestID(context.Background(), "req-42")
	resp, err := newTestClient(NoRetry()).Do(get(t, ctx, srv.URL))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "req-42", gotTrace)
	assert.Equal(t, "FunnelMetrics-Test/1.0", gotUA)
}

func TestDo_RetryBehaviour(t *testing.T) {
	tests := []struct {
		name      string
		codes     []int
		wantCalls int32
		wantCode  types.ErrorCode
		wantHTTP  int
	}{
		{"5xx then success", []int{500, 503, 200}, 3, "", 200},
		{"4xx is returned as-is", []int{404}, 1, "", 404},
		{"exhausted 5xx", []int{502}, 3, types.ErrCodeUpstreamUnavailable, 0},
		{"exhausted 429", []int{429}, 3, types.ErrCodeUpstreamRateLimited, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, calls := statusSequence(tt.codes...)
			defer srv.Close()

			resp, err := newTestClient(DefaultRetryPolicy()).Do(get(t, context.Background(), srv.URL))
			assert.Equal(t, tt.wantCalls, calls.Load())
			if tt.wantCode != "" {
				assert.True(t, types.HasCode(err, tt.wantCode), "got %v", err)
				assert.Nil(t, resp)
				return
			}
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.wantHTTP, resp.StatusCode)
		})
	}
}

func TestDo_ReplaysBodyOnRetry(t *testing.T) {
	var bodies []string
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(b))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader("price=price_basic"))
	require.NoError(t, err)

	resp, err := newTestClient(DefaultRetryPolicy()).Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, []string{"price=price_basic", "price=price_basic"}, bodies)
}

func TestDo_BreakerOpensAndReportsFailures(t *testing.T) {
	srv, calls := statusSequence(500)
	defer srv.Close()

	var observed []types.ErrorCode
	client := newTestClient(NoRetry(),
		WithTripThreshold(2),
		WithFailureObserver(func(provider string, err *types.AppError) {
			assert.Equal(t, "test", provider)
			observed = append(observed, err.Code)
		}),
	)

	for range 3 {
		_, err := client.Do(get(t, context.Background(), srv.URL))
		require.Error(t, err)
	}

	assert.Equal(t, int32(2), calls.Load(), "third call must be short-circuited")
	assert.Len(t, observed, 3)
	assert.Equal(t, types.ErrCodeUpstreamUnavailable, observed[2])
}

func TestDo_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newTestClient(NoRetry()).Do(get(t, context.Background(), url))
	assert.True(t, types.HasCode(err, types.ErrCodeUpstreamUnavailable))
}

func TestComputeBackoff(t *testing.T) {
	c := newTestClient(RetryPolicy{MaxRetries: 3, MinWait: 100 * time.Millisecond, MaxWait: time.Second})

	retryAfter := &http.Response{Header: http.Header{"Retry-After": []string{"30"}}}
	assert.Equal(t, time.Second, c.computeBackoff(0, retryAfter), "Retry-After is capped by MaxWait")

	short := &http.Response{Header: http.Header{"Retry-After": []string{"1"}}}
	c.retryPolicy.MaxWait = 5 * time.Second
	assert.Equal(t, time.Second, c.computeBackoff(0, short))

	for attempt := range 4 {
		wait := c.computeBackoff(attempt, nil)
		assert.GreaterOrEqual(t, wait, 100*time.Millisecond)
		assert.LessOrEqual(t, wait, time.Duration(100<<attempt)*time.Millisecond)
	}
}
