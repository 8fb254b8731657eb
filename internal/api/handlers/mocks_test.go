package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v82"

	"funnelmetrics/internal/auth"
	"funnelmetrics/internal/billing"
	"funnelmetrics/internal/core"
	"funnelmetrics/internal/subscriptions"
	"funnelmetrics/internal/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newRequest builds a request carrying an authenticated actor when userID
// is non-empty.
func newRequest(method, target, body, userID string) *http.Request {
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	if userID != "" {
		req = req.WithContext(types.WithActor(req.Context(), types.Actor{ID: userID, Type: types.ActorTypeUser}))
	}
	return req
}

// serve routes req through a chi router built by register, so URL params
// resolve as in production.
func serve(register func(chi.Router), req *http.Request) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Route("/v1", register)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body core.APIErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body.Error.Code
}

// --- auth ---

type mockAuthService struct{ mock.Mock }

func (m *mockAuthService) Register(ctx context.Context, email, password, name string) (*types.User, error) {
	args := m.Called(ctx, email, password, name)
	u, _ := args.Get(0).(*types.User)
	return u, args.Error(1)
}

func (m *mockAuthService) Login(ctx context.Context, in auth.LoginInput) (*auth.LoginResult, error) {
	args := m.Called(ctx, in)
	res, _ := args.Get(0).(*auth.LoginResult)
	return res, args.Error(1)
}

func (m *mockAuthService) GetUser(ctx context.Context, userID string) (*types.User, error) {
	args := m.Called(ctx, userID)
	u, _ := args.Get(0).(*types.User)
	return u, args.Error(1)
}

func (m *mockAuthService) RequestPasswordReset(ctx context.Context, email string) error {
	return m.Called(ctx, email).Error(0)
}

func (m *mockAuthService) CompletePasswordReset(ctx context.Context, token, newPassword string) error {
	return m.Called(ctx, token, newPassword).Error(0)
}

type mockHistory struct{ mock.Mock }

func (m *mockHistory) History(ctx context.Context, userID string, limit int) ([]types.LoginAttempt, error) {
	args := m.Called(ctx, userID, limit)
	out, _ := args.Get(0).([]types.LoginAttempt)
	return out, args.Error(1)
}

// --- subscriptions ---

type mockSubscriptionService struct{ mock.Mock }

func (m *mockSubscriptionService) sub(args mock.Arguments) (*types.Subscription, error) {
	s, _ := args.Get(0).(*types.Subscription)
	return s, args.Error(1)
}

func (m *mockSubscriptionService) GetCurrent(ctx context.Context, userID string) (*types.Subscription, error) {
	return m.sub(m.Called(ctx, userID))
}

func (m *mockSubscriptionService) StartCheckout(ctx context.Context, user types.User, tier types.PlanTier) (string, error) {
	args := m.Called(ctx, user, tier)
	return args.String(0), args.Error(1)
}

func (m *mockSubscriptionService) Cancel(ctx context.Context, userID string, immediate bool) (*types.Subscription, error) {
	return m.sub(m.Called(ctx, userID, immediate))
}

func (m *mockSubscriptionService) Resume(ctx context.Context, userID string) (*types.Subscription, error) {
	return m.sub(m.Called(ctx, userID))
}

func (m *mockSubscriptionService) SwitchToFree(ctx context.Context, userID string) (*types.Subscription, error) {
	return m.sub(m.Called(ctx, userID))
}

type mockUsage struct{ mock.Mock }

func (m *mockUsage) Snapshot(ctx context.Context, sub types.Subscription) (*billing.UsageSnapshot, error) {
	args := m.Called(ctx, sub)
	s, _ := args.Get(0).(*billing.UsageSnapshot)
	return s, args.Error(1)
}

type mockUsers struct{ mock.Mock }

func (m *mockUsers) GetByID(ctx context.Context, id string) (*types.User, error) {
	args := m.Called(ctx, id)
	u, _ := args.Get(0).(*types.User)
	return u, args.Error(1)
}

// --- webhook ---

type mockVerifier struct{ mock.Mock }

func (m *mockVerifier) Verify(payload []byte, header string) (stripe.Event, error) {
	args := m.Called(payload, header)
	return args.Get(0).(stripe.Event), args.Error(1)
}

type mockJournal struct{ mock.Mock }

func (m *mockJournal) Record(ctx context.Context, eventID, eventType string, payload []byte) (bool, error) {
	args := m.Called(ctx, eventID, eventType, payload)
	return args.Bool(0), args.Error(1)
}

func (m *mockJournal) MarkProcessed(ctx context.Context, eventID, outcome string) error {
	return m.Called(ctx, eventID, outcome).Error(0)
}

type mockApplier struct{ mock.Mock }

func (m *mockApplier) Apply(ctx context.Context, ev subscriptions.Event) (subscriptions.Outcome, error) {
	args := m.Called(ctx, ev)
	return args.Get(0).(subscriptions.Outcome), args.Error(1)
}

type webhookObservation struct {
	eventType string
	outcome   subscriptions.Outcome
}

type recordingMetrics struct {
	seen []webhookObservation
}

func (m *recordingMetrics) RecordWebhook(eventType string, outcome subscriptions.Outcome) {
	m.seen = append(m.seen, webhookObservation{eventType, outcome})
}

// --- projects ---

type mockProjectStore struct{ mock.Mock }

func (m *mockProjectStore) CreateProject(ctx context.Context, p *types.Project, limit billing.Limit) error {
	return m.Called(ctx, p, limit).Error(0)
}

func (m *mockProjectStore) GetProject(ctx context.Context, id, userID string) (*types.Project, error) {
	args := m.Called(ctx, id, userID)
	p, _ := args.Get(0).(*types.Project)
	return p, args.Error(1)
}

func (m *mockProjectStore) CreateFunnel(ctx context.Context, f *types.Funnel, limit billing.Limit) error {
	return m.Called(ctx, f, limit).Error(0)
}

func (m *mockProjectStore) ListFunnels(ctx context.Context, projectID, userID string) ([]types.Funnel, error) {
	args := m.Called(ctx, projectID, userID)
	out, _ := args.Get(0).([]types.Funnel)
	return out, args.Error(1)
}

// stubGuards admits or denies every guarded route and records which guards
// wrapped the request. Quota lookups return limits[resource], or an
// unbounded limit when unset.
type stubGuards struct {
	deny   map[string]error
	limits map[billing.ResourceType]billing.Limit
	calls  []string
}

func (g *stubGuards) QuotaLimit(_ context.Context, _ string, resource billing.ResourceType) (billing.Limit, error) {
	if l, ok := g.limits[resource]; ok {
		return l, nil
	}
	return billing.Unbounded(), nil
}

func (g *stubGuards) wrap(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.calls = append(g.calls, name)
		if err := g.deny[name]; err != nil {
			core.Error(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *stubGuards) RequireActiveSubscription(next http.Handler) http.Handler {
	return g.wrap("active", next)
}

func (g *stubGuards) RequireQuota(resource billing.ResourceType) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler { return g.wrap("quota:"+string(resource), next) }
}

func (g *stubGuards) RequireFeature(flag types.FeatureFlag) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler { return g.wrap("feature:"+string(flag), next) }
}
