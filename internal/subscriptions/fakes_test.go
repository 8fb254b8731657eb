package subscriptions

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"funnelmetrics/internal/external"
	"funnelmetrics/internal/types"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

// memStore is an in-memory SubscriptionStore with the same version
// semantics as the Postgres repository.
type memStore struct {
	mu   sync.Mutex
	rows map[string]types.Subscription // by id

	// beforeSave runs once before the next Save, simulating a concurrent writer.
	beforeSave func(s *memStore)
	saves      int
}

func newMemStore(subs ...types.Subscription) *memStore {
	s := &memStore{rows: map[string]types.Subscription{}}
	for _, sub := range subs {
		if sub.Version == 0 {
			sub.Version = 1
		}
		s.rows[sub.ID] = sub
	}
	return s
}

func (s *memStore) GetByUser(_ context.Context, userID string) (*types.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.UserID == userID {
			out := row
			return &out, nil
		}
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
}

func (s *memStore) GetByCustomerRef(_ context.Context, ref string) (*types.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if ref != "" && row.ExternalCustomerRef == ref {
			out := row
			return &out, nil
		}
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
}

func (s *memStore) Create(_ context.Context, sub *types.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.UserID == sub.UserID {
			return types.NewAppError(types.ErrCodeConflictDuplicateSubscription, "duplicate", nil)
		}
	}
	if sub.ID == "" {
		sub.ID = "sub-" + sub.UserID
	}
	sub.Version = 1
	s.rows[sub.ID] = *sub
	return nil
}

func (s *memStore) Save(_ context.Context, sub *types.Subscription) error {
	if hook := s.beforeSave; hook != nil {
		s.beforeSave = nil
		hook(s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	row, ok := s.rows[sub.ID]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "gone", nil)
	}
	if row.Version != sub.Version {
		return types.NewAppError(types.ErrCodeConflictConcurrent, "version moved", nil)
	}
	sub.Version++
	s.rows[sub.ID] = *sub
	return nil
}

// bump simulates another writer saving the record.
func (s *memStore) bump(id string, mutate func(*types.Subscription)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.rows[id]
	mutate(&row)
	row.Version++
	s.rows[id] = row
}

func (s *memStore) get(id string) types.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[id]
}

type fakeUsers map[string]types.User

func (f fakeUsers) GetByID(_ context.Context, id string) (*types.User, error) {
	u, ok := f[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
	}
	return &u, nil
}

type fakePlans map[string]types.PlanTier

func (f fakePlans) PlanForPrice(priceID string) (types.PlanTier, bool) {
	tier, ok := f[priceID]
	return tier, ok
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, notice types.Notice) error {
	args := m.Called(ctx, notice)
	return args.Error(0)
}

type recordingMetrics struct {
	mu   sync.Mutex
	seen []Outcome
}

func (m *recordingMetrics) RecordWebhook(_ string, outcome Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = append(m.seen, outcome)
}

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) GetOrCreateCustomer(ctx context.Context, user types.User) (string, error) {
	args := m.Called(ctx, user)
	return args.String(0), args.Error(1)
}

func (m *mockGateway) CreateCheckoutSession(ctx context.Context, params external.CheckoutParams) (string, error) {
	args := m.Called(ctx, params)
	return args.String(0), args.Error(1)
}

func (m *mockGateway) CancelSubscription(ctx context.Context, subRef string, immediate bool, key string) error {
	args := m.Called(ctx, subRef, immediate, key)
	return args.Error(0)
}

func (m *mockGateway) UpdateCancelAtPeriodEnd(ctx context.Context, subRef string, cancel bool, key string) error {
	args := m.Called(ctx, subRef, cancel, key)
	return args.Error(0)
}

// paidSub is an active basic subscription for user-1 tracked by sub_remote.
func paidSub() types.Subscription {
	return types.Subscription{
		ID:                      "sub-1",
		UserID:                  "user-1",
		PlanTier:                types.PlanBasic,
		Status:                  types.SubStatusActive,
		ExternalCustomerRef:     "cus_1",
		ExternalSubscriptionRef: "sub_remote",
		CurrentPeriodStart:      testNow.AddDate(0, 0, -10),
		CurrentPeriodEnd:        testNow.AddDate(0, 0, 20),
		Version:                 1,
	}
}

// freeSub is an active free subscription for user-1 with a customer ref
// stored by a checkout that has not completed yet.
func freeSub() types.Subscription {
	return types.Subscription{
		ID:                  "sub-1",
		UserID:              "user-1",
		PlanTier:            types.PlanFree,
		Status:              types.SubStatusActive,
		ExternalCustomerRef: "cus_1",
		CurrentPeriodStart:  testNow.AddDate(0, -1, 0),
		CurrentPeriodEnd:    testNow.AddDate(0, 11, 0),
		Version:             1,
	}
}
