package subscriptions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"funnelmetrics/internal/billing"
	"funnelmetrics/internal/types"
)

var testPlans = fakePlans{
	"price_basic": types.PlanBasic,
	"price_pro":   types.PlanProfessional,
}

var testUsers = fakeUsers{
	"user-1": {ID: "user-1", Email: "owner@example.com", Name: "Ada"},
}

func newTestReconciler(store *memStore, pub *mockPublisher, now time.Time) (*Reconciler, *recordingMetrics) {
	metrics := &recordingMetrics{}
	cfg := ReconcilerConfig{
		Store:   store,
		Users:   testUsers,
		Plans:   testPlans,
		Metrics: metrics,
		Clock:   fixedClock{now: now},
	}
	if pub != nil {
		cfg.Publisher = pub
	}
	return NewReconciler(cfg), metrics
}

func updated(id string, created time.Time, status, price string, start, end time.Time, cancelAtPeriodEnd bool) SubscriptionChanged {
	return SubscriptionChanged{
		EventMeta: EventMeta{ID: id, Type: "customer.subscription.updated", Created: created},
		Remote: RemoteSubscription{
			ID:                 "sub_remote",
			CustomerRef:        "cus_1",
			Status:             status,
			PriceID:            price,
			CurrentPeriodStart: start,
			CurrentPeriodEnd:   end,
			CancelAtPeriodEnd:  cancelAtPeriodEnd,
		},
	}
}

func deleted(id string, created time.Time) SubscriptionDeleted {
	sub := paidSub()
	return SubscriptionDeleted{
		EventMeta: EventMeta{ID: id, Type: "customer.subscription.deleted", Created: created},
		Remote: RemoteSubscription{
			ID:                 "sub_remote",
			CustomerRef:        "cus_1",
			Status:             "canceled",
			CurrentPeriodStart: sub.CurrentPeriodStart,
			CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		},
	}
}

func TestApply_UpdatedTwiceIsIdempotent(t *testing.T) {
	store := newMemStore(paidSub())
	r, metrics := newTestReconciler(store, nil, testNow)

	renewal := updated("evt_1", testNow, "active", "price_basic",
		testNow.AddDate(0, 0, 20), testNow.AddDate(0, 1, 20), false)

	outcome, err := r.Apply(context.Background(), renewal)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	first := store.get("sub-1")

	outcome, err = r.Apply(context.Background(), renewal)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)

	second := store.get("sub-1")
	assert.Equal(t, first, second)
	assert.True(t, second.CurrentPeriodEnd.Equal(testNow.AddDate(0, 1, 20)))
	require.NotNil(t, second.LastEventAt)
	assert.True(t, second.LastEventAt.Equal(testNow))
	assert.Equal(t, 1, store.saves)
	assert.Equal(t, []Outcome{OutcomeApplied, OutcomeIgnored}, metrics.seen)
}

func TestApply_OutOfOrderUpdateLeavesRecordUnchanged(t *testing.T) {
	store := newMemStore(paidSub())
	r, _ := newTestReconciler(store, nil, testNow)

	newer := updated("evt_new", testNow, "active", "price_pro",
		testNow.AddDate(0, 0, 20), testNow.AddDate(0, 1, 20), false)
	older := updated("evt_old", testNow.Add(-time.Hour), "past_due", "price_basic",
		testNow.AddDate(0, 0, -10), testNow.AddDate(0, 0, 20), false)

	_, err := r.Apply(context.Background(), newer)
	require.NoError(t, err)
	before := store.get("sub-1")

	outcome, err := r.Apply(context.Background(), older)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Equal(t, before, store.get("sub-1"))
	assert.Equal(t, types.PlanProfessional, before.PlanTier)
}

func TestApply_NewerEventWithOlderPeriodEndStillApplies(t *testing.T) {
	sub := paidSub()
	seen := testNow.Add(-2 * time.Hour)
	sub.LastEventAt = &seen
	store := newMemStore(sub)
	r, _ := newTestReconciler(store, nil, testNow)

	// Downgraded mid-period: shorter period reported by a later event.
	ev := updated("evt_later", testNow, "past_due", "price_basic",
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd.Add(-time.Hour), false)

	outcome, err := r.Apply(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	got := store.get("sub-1")
	assert.Equal(t, types.SubStatusPending, got.Status)
	assert.True(t, got.LastEventAt.Equal(testNow))
}

func TestApply_DeletedTwiceKeepsFirstCancellation(t *testing.T) {
	store := newMemStore(paidSub())
	r, _ := newTestReconciler(store, nil, testNow)

	outcome, err := r.Apply(context.Background(), deleted("evt_del", testNow))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	first := store.get("sub-1")
	assert.Equal(t, types.SubStatusCanceled, first.Status)
	require.NotNil(t, first.CanceledAt)
	assert.True(t, first.CanceledAt.Equal(testNow))

	later, _ := newTestReconciler(store, nil, testNow.Add(time.Hour))
	outcome, err = later.Apply(context.Background(), deleted("evt_del", testNow))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)

	second := store.get("sub-1")
	assert.Equal(t, types.SubStatusCanceled, second.Status)
	assert.True(t, second.CanceledAt.Equal(testNow))
	assert.Equal(t, first.Version, second.Version)
}

func TestApply_DeletedForOtherRemoteIsIgnored(t *testing.T) {
	sub := freeSub()
	store := newMemStore(sub)
	r, _ := newTestReconciler(store, nil, testNow)

	outcome, err := r.Apply(context.Background(), deleted("evt_del", testNow))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Equal(t, types.SubStatusActive, store.get("sub-1").Status)
}

func TestApply_CanceledRecordNotReactivatedBySameRemote(t *testing.T) {
	sub := paidSub()
	canceledAt := testNow.Add(-time.Hour)
	sub.Status = types.SubStatusCanceled
	sub.CanceledAt = &canceledAt
	store := newMemStore(sub)
	r, _ := newTestReconciler(store, nil, testNow)

	ev := updated("evt_late", testNow, "active", "price_basic",
		sub.CurrentPeriodEnd, sub.CurrentPeriodEnd.AddDate(0, 1, 0), false)

	outcome, err := r.Apply(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Equal(t, types.SubStatusCanceled, store.get("sub-1").Status)
}

func TestApply_FreshRemoteReplacesCanceledRecord(t *testing.T) {
	sub := paidSub()
	canceledAt := testNow.Add(-time.Hour)
	sub.Status = types.SubStatusCanceled
	sub.CanceledAt = &canceledAt
	store := newMemStore(sub)

	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, mock.MatchedBy(func(n types.Notice) bool {
		return n.Kind == types.NoticeSubscriptionConfirmed
	})).Return(nil).Once()
	r, _ := newTestReconciler(store, pub, testNow)

	ev := updated("evt_new_sub", testNow, "active", "price_pro", testNow, testNow.AddDate(0, 1, 0), false)
	ev.Remote.ID = "sub_remote_2"

	outcome, err := r.Apply(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	got := store.get("sub-1")
	assert.Equal(t, types.SubStatusActive, got.Status)
	assert.Equal(t, "sub_remote_2", got.ExternalSubscriptionRef)
	assert.Equal(t, types.PlanProfessional, got.PlanTier)
	assert.Nil(t, got.CanceledAt)
	pub.AssertExpectations(t)
}

func TestApply_CheckoutCompletionUpgradesAndConfirms(t *testing.T) {
	store := newMemStore(freeSub())

	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, mock.MatchedBy(func(n types.Notice) bool {
		return n.Kind == types.NoticeSubscriptionConfirmed &&
			n.Email == "owner@example.com" &&
			n.Payload["plan_tier"] == "professional" &&
			n.Payload["name"] == "Ada"
	})).Return(nil).Once()
	r, _ := newTestReconciler(store, pub, testNow)

	created := updated("evt_created", testNow, "active", "price_pro", testNow, testNow.AddDate(0, 1, 0), false)
	created.Type = "customer.subscription.created"

	outcome, err := r.Apply(context.Background(), created)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	got := store.get("sub-1")
	assert.Equal(t, types.PlanProfessional, got.PlanTier)
	assert.Equal(t, "sub_remote", got.ExternalSubscriptionRef)
	assert.NoError(t, billing.ValidateSubscription(got))
	pub.AssertExpectations(t)

	// Redelivery does not confirm twice.
	outcome, err = r.Apply(context.Background(), created)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	pub.AssertNumberOfCalls(t, "Publish", 1)
}

func TestApply_IncompleteCheckoutStaysPending(t *testing.T) {
	store := newMemStore(freeSub())
	r, _ := newTestReconciler(store, nil, testNow)

	ev := updated("evt_incomplete", testNow, "incomplete", "price_basic", testNow, testNow.AddDate(0, 1, 0), false)
	_, err := r.Apply(context.Background(), ev)
	require.NoError(t, err)

	got := store.get("sub-1")
	assert.Equal(t, types.SubStatusPending, got.Status)
	assert.False(t, billing.IsActive(got, testNow))
}

func TestApply_UnknownPriceKeepsTier(t *testing.T) {
	store := newMemStore(paidSub())
	r, _ := newTestReconciler(store, nil, testNow)

	ev := updated("evt_1", testNow, "active", "price_legacy", testNow, testNow.AddDate(0, 1, 0), false)
	_, err := r.Apply(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, types.PlanBasic, store.get("sub-1").PlanTier)
}

func TestApply_CancelAtPeriodEndLapsesOnlyAfterPeriod(t *testing.T) {
	sub := paidSub()
	sub.CancelAtPeriodEnd = true
	store := newMemStore(sub)
	r, _ := newTestReconciler(store, nil, testNow)

	confirm := updated("evt_confirm", testNow, "active", "price_basic",
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, true)
	_, err := r.Apply(context.Background(), confirm)
	require.NoError(t, err)

	got := store.get("sub-1")
	assert.Equal(t, types.SubStatusActive, got.Status)
	assert.True(t, got.CancelAtPeriodEnd)
	assert.True(t, billing.IsActive(got, testNow))
	assert.True(t, billing.IsActive(got, got.CurrentPeriodEnd))
	assert.False(t, billing.IsActive(got, got.CurrentPeriodEnd.Add(time.Second)))
}

func TestApply_OrphanEvent(t *testing.T) {
	store := newMemStore()
	r, metrics := newTestReconciler(store, nil, testNow)

	outcome, err := r.Apply(context.Background(), updated("evt_1", testNow, "active", "price_basic", testNow, testNow.AddDate(0, 1, 0), false))
	require.NoError(t, err)
	assert.Equal(t, OutcomeOrphan, outcome)

	outcome, err = r.Apply(context.Background(), deleted("evt_2", testNow))
	require.NoError(t, err)
	assert.Equal(t, OutcomeOrphan, outcome)
	assert.Equal(t, []Outcome{OutcomeOrphan, OutcomeOrphan}, metrics.seen)
}

func TestApply_RetriesOnceOnConflict(t *testing.T) {
	store := newMemStore(paidSub())
	store.beforeSave = func(s *memStore) {
		s.bump("sub-1", func(sub *types.Subscription) { sub.CancelAtPeriodEnd = true })
	}
	r, _ := newTestReconciler(store, nil, testNow)

	ev := updated("evt_1", testNow, "active", "price_basic",
		testNow.AddDate(0, 0, 20), testNow.AddDate(0, 1, 20), false)

	outcome, err := r.Apply(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, 2, store.saves)

	got := store.get("sub-1")
	assert.False(t, got.CancelAtPeriodEnd)
	assert.Equal(t, int64(3), got.Version)
}

func TestApply_SecondConflictIsReturned(t *testing.T) {
	store := newMemStore(paidSub())
	conflicting := func(s *memStore) {
		s.bump("sub-1", func(sub *types.Subscription) {})
	}
	store.beforeSave = func(s *memStore) {
		conflicting(s)
		s.beforeSave = conflicting
	}
	r, _ := newTestReconciler(store, nil, testNow)

	_, err := r.Apply(context.Background(), deleted("evt_del", testNow))
	require.Error(t, err)
	assert.True(t, types.HasCode(err, types.ErrCodeConflictConcurrent))
}

func TestApply_PaymentFailedNotifiesWithoutMutation(t *testing.T) {
	store := newMemStore(paidSub())
	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, mock.MatchedBy(func(n types.Notice) bool {
		return n.Kind == types.NoticePaymentFailed &&
			n.UserID == "user-1" &&
			n.Payload["amount_due"] == "1900" &&
			n.Payload["hosted_invoice_url"] == "https://pay.test/in_1" &&
			n.NoticeID != ""
	})).Return(nil).Once()
	r, _ := newTestReconciler(store, pub, testNow)

	ev := PaymentFailed{
		EventMeta: EventMeta{ID: "evt_pf", Type: "invoice.payment_failed", Created: testNow},
		Invoice:   RemoteInvoice{ID: "in_1", CustomerRef: "cus_1", AmountDue: 1900, Currency: "usd", AttemptCount: 1, HostedInvoiceURL: "https://pay.test/in_1"},
	}
	outcome, err := r.Apply(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Equal(t, paidSub(), store.get("sub-1"))
	pub.AssertExpectations(t)
}

func TestApply_NotifyFailureDoesNotFailEvent(t *testing.T) {
	store := newMemStore(paidSub())
	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, mock.Anything).Return(errors.New("queue down"))
	r, _ := newTestReconciler(store, pub, testNow)

	ev := PaymentFailed{
		EventMeta: EventMeta{ID: "evt_pf", Type: "invoice.payment_failed", Created: testNow},
		Invoice:   RemoteInvoice{ID: "in_1", CustomerRef: "cus_1"},
	}
	outcome, err := r.Apply(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
}

func TestApply_PaymentFailedForUnknownCustomer(t *testing.T) {
	r, _ := newTestReconciler(newMemStore(), &mockPublisher{}, testNow)

	outcome, err := r.Apply(context.Background(), PaymentFailed{
		EventMeta: EventMeta{ID: "evt_pf", Type: "invoice.payment_failed"},
		Invoice:   RemoteInvoice{ID: "in_1", CustomerRef: "cus_unknown"},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeOrphan, outcome)
}

func TestApply_PassiveEvents(t *testing.T) {
	store := newMemStore(paidSub())
	r, _ := newTestReconciler(store, nil, testNow)

	for _, ev := range []Event{
		PaymentSucceeded{EventMeta: EventMeta{ID: "evt_paid", Type: "invoice.payment_succeeded"}, Invoice: RemoteInvoice{CustomerRef: "cus_1"}},
		UnknownEvent{EventMeta: EventMeta{ID: "evt_unknown", Type: "customer.discount.created"}},
	} {
		outcome, err := r.Apply(context.Background(), ev)
		require.NoError(t, err)
		assert.Equal(t, OutcomeIgnored, outcome)
	}
	assert.Equal(t, 0, store.saves)
}

func TestApply_StoreErrorPropagates(t *testing.T) {
	store := &failingStore{err: types.NewAppError(types.ErrCodeInternalDB, "db down", nil)}
	r := NewReconciler(ReconcilerConfig{Store: store, Users: testUsers, Plans: testPlans})

	_, err := r.Apply(context.Background(), deleted("evt_del", testNow))
	assert.True(t, types.HasCode(err, types.ErrCodeInternalDB))
}

type failingStore struct {
	memStore
	err error
}

func (f *failingStore) GetByCustomerRef(context.Context, string) (*types.Subscription, error) {
	return nil, f.err
}
