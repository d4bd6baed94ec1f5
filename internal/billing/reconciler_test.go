package billing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/salon-subscriptions/internal/events"
	"github.com/wolfman30/salon-subscriptions/pkg/logging"
)

var (
	t0       = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	monthEnd = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
)

func newReconcilerFixture(t *testing.T) (*Reconciler, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	store.AddUser("user-1")
	store.AddPlan(PlanTerms{ID: "plan-basic", Name: "Basic", PriceCents: 9900})
	store.AddPlan(PlanTerms{ID: "plan-gold", Name: "Gold", PriceCents: 19900})
	r := NewReconciler(store, logging.Default())
	r.now = func() time.Time { return t0.Add(time.Hour) }
	return r, store
}

func checkoutEvent(id string) Event {
	return Event{
		Provider:               ProviderStripe,
		ID:                     id,
		Kind:                   KindCheckoutCompleted,
		OccurredAt:             t0,
		UserID:                 "user-1",
		PlanID:                 "plan-basic",
		CustomerID:             "cus_1",
		ExternalSubscriptionID: "sub_1",
		Reference:              "cs_1",
		PeriodStart:            t0,
		PeriodEnd:              monthEnd,
		AmountCents:            9900,
		Currency:               "brl",
	}
}

func paymentCount(t *testing.T, store *MemoryStore, subID string) int {
	t.Helper()
	ps, err := store.Payments(context.Background(), subID)
	require.NoError(t, err)
	return len(ps)
}

func TestReconcilerCheckoutCreatesSubscriptionAndPayment(t *testing.T) {
	r, store := newReconcilerFixture(t)

	res, err := r.Apply(context.Background(), checkoutEvent("evt_1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	subs := store.AllSubscriptions("user-1")
	require.Len(t, subs, 1)
	assert.Equal(t, StatusActive, subs[0].Status)
	assert.Equal(t, monthEnd, subs[0].EndDate)
	assert.Equal(t, "sub_1", subs[0].ExternalID)
	assert.Equal(t, 1, paymentCount(t, store, subs[0].ID))

	outbox := store.Outbox()
	require.Len(t, outbox, 1)
	assert.Equal(t, events.TypeSubscriptionChanged, outbox[0].Type)

	userID, err := store.UserForCustomer(context.Background(), ProviderStripe, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)
}

func TestReconcilerRepeatedCheckoutAppendsPaymentOnly(t *testing.T) {
	r, store := newReconcilerFixture(t)
	ctx := context.Background()

	_, err := r.Apply(ctx, checkoutEvent("evt_1"))
	require.NoError(t, err)
	// The provider re-sent the checkout under a new event id.
	res, err := r.Apply(ctx, checkoutEvent("evt_2"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	subs := store.AllSubscriptions("user-1")
	require.Len(t, subs, 1)
	assert.Equal(t, 2, paymentCount(t, store, subs[0].ID))
}

func TestReconcilerDuplicateEventIDIsSwallowed(t *testing.T) {
	r, store := newReconcilerFixture(t)
	ctx := context.Background()

	_, err := r.Apply(ctx, checkoutEvent("evt_1"))
	require.NoError(t, err)
	res, err := r.Apply(ctx, checkoutEvent("evt_1"))
	require.ErrorIs(t, err, ErrDuplicateEvent)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)

	subs := store.AllSubscriptions("user-1")
	require.Len(t, subs, 1)
	assert.Equal(t, 1, paymentCount(t, store, subs[0].ID))
}

func TestReconcilerDropsUnknownUser(t *testing.T) {
	r, store := newReconcilerFixture(t)
	evt := checkoutEvent("evt_1")
	evt.UserID = "ghost"

	res, err := r.Apply(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDropped, res.Outcome)
	assert.Empty(t, store.AllSubscriptions("ghost"))

	// The drop is final: a redelivery is a duplicate, not a retry.
	_, err = r.Apply(context.Background(), evt)
	require.ErrorIs(t, err, ErrDuplicateEvent)
}

func TestReconcilerDropsUnknownPlan(t *testing.T) {
	r, _ := newReconcilerFixture(t)
	evt := checkoutEvent("evt_1")
	evt.PlanID = "plan-missing"

	res, err := r.Apply(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDropped, res.Outcome)
}

func TestReconcilerInvoicePaidExtendsEndDate(t *testing.T) {
	r, store := newReconcilerFixture(t)
	ctx := context.Background()
	_, err := r.Apply(ctx, checkoutEvent("evt_1"))
	require.NoError(t, err)

	next := monthEnd.AddDate(0, 1, 0)
	invoice := Event{
		Provider: ProviderStripe, ID: "evt_inv_1", Kind: KindInvoicePaid, OccurredAt: monthEnd,
		CustomerID: "cus_1", ExternalSubscriptionID: "sub_1", Reference: "in_2",
		PeriodEnd: next, AmountCents: 9900, Currency: "brl",
	}
	res, err := r.Apply(ctx, invoice)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	subs := store.AllSubscriptions("user-1")
	require.Len(t, subs, 1)
	assert.Equal(t, next, subs[0].EndDate)
	assert.Equal(t, 2, paymentCount(t, store, subs[0].ID))

	// invoice.payment_succeeded for the same invoice arrives with another event id.
	invoice.ID = "evt_inv_1b"
	res, err = r.Apply(ctx, invoice)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, res.Outcome)
	assert.Equal(t, 2, paymentCount(t, store, subs[0].ID))
}

func TestReconcilerInvoiceNeverShortensEndDate(t *testing.T) {
	r, store := newReconcilerFixture(t)
	ctx := context.Background()
	_, err := r.Apply(ctx, checkoutEvent("evt_1"))
	require.NoError(t, err)

	later := Event{Provider: ProviderStripe, ID: "evt_inv_2", Kind: KindInvoicePaid, OccurredAt: monthEnd,
		CustomerID: "cus_1", ExternalSubscriptionID: "sub_1", Reference: "in_3", PeriodEnd: monthEnd.AddDate(0, 2, 0)}
	earlier := Event{Provider: ProviderStripe, ID: "evt_inv_1", Kind: KindInvoicePaid, OccurredAt: monthEnd,
		CustomerID: "cus_1", ExternalSubscriptionID: "sub_1", Reference: "in_2", PeriodEnd: monthEnd.AddDate(0, 1, 0)}

	_, err = r.Apply(ctx, later)
	require.NoError(t, err)
	_, err = r.Apply(ctx, earlier)
	require.NoError(t, err)

	subs := store.AllSubscriptions("user-1")
	require.Len(t, subs, 1)
	assert.Equal(t, monthEnd.AddDate(0, 2, 0), subs[0].EndDate)
}

func TestReconcilerFirstInvoiceRecordsNoPayment(t *testing.T) {
	r, store := newReconcilerFixture(t)
	ctx := context.Background()
	_, err := r.Apply(ctx, checkoutEvent("evt_1"))
	require.NoError(t, err)

	_, err = r.Apply(ctx, Event{Provider: ProviderStripe, ID: "evt_inv_0", Kind: KindInvoicePaid, OccurredAt: t0,
		CustomerID: "cus_1", ExternalSubscriptionID: "sub_1", Reference: "in_1", PeriodEnd: monthEnd, FirstInvoice: true})
	require.NoError(t, err)

	subs := store.AllSubscriptions("user-1")
	assert.Equal(t, 1, paymentCount(t, store, subs[0].ID))
}

func TestReconcilerInvoiceForUnknownCustomerIsDropped(t *testing.T) {
	r, _ := newReconcilerFixture(t)
	res, err := r.Apply(context.Background(), Event{Provider: ProviderStripe, ID: "evt_x", Kind: KindInvoicePaid,
		CustomerID: "cus_unknown", PeriodEnd: monthEnd})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDropped, res.Outcome)
}

func expireAt(t *testing.T, store *MemoryStore, at time.Time) {
	t.Helper()
	sweeper := NewSweeper(store, 72*time.Hour, logging.Default())
	sweeper.now = func() time.Time { return at }
	_, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
}

func TestReconcilerLateRenewalRevivesExpiredSubscription(t *testing.T) {
	r, store := newReconcilerFixture(t)
	ctx := context.Background()
	_, err := r.Apply(ctx, checkoutEvent("evt_1"))
	require.NoError(t, err)

	swept := monthEnd.Add(96 * time.Hour)
	expireAt(t, store, swept)
	require.Equal(t, StatusExpired, store.AllSubscriptions("user-1")[0].Status)

	r.now = func() time.Time { return swept.Add(time.Hour) }
	next := monthEnd.AddDate(0, 1, 0)
	res, err := r.Apply(ctx, Event{Provider: ProviderStripe, ID: "evt_inv_late", Kind: KindInvoicePaid, OccurredAt: swept,
		CustomerID: "cus_1", ExternalSubscriptionID: "sub_1", Reference: "in_2", PeriodEnd: next,
		AmountCents: 9900, Currency: "brl"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.NotEmpty(t, res.PaymentID)

	subs := store.AllSubscriptions("user-1")
	require.Len(t, subs, 1)
	assert.Equal(t, StatusActive, subs[0].Status)
	assert.Equal(t, next, subs[0].EndDate)
	assert.Equal(t, 2, paymentCount(t, store, subs[0].ID))

	outbox := store.Outbox()
	last := outbox[len(outbox)-1].Payload.(SubscriptionChanged)
	assert.Equal(t, "renewed", last.Cause)
	assert.Equal(t, StatusActive, last.Status)
}

func TestReconcilerLateRenewalSupersedesNewerSubscription(t *testing.T) {
	r, store := newReconcilerFixture(t)
	ctx := context.Background()
	_, err := r.Apply(ctx, checkoutEvent("evt_1"))
	require.NoError(t, err)

	swept := monthEnd.Add(96 * time.Hour)
	expireAt(t, store, swept)

	gold := checkoutEvent("evt_2")
	gold.PlanID, gold.ExternalSubscriptionID, gold.Reference = "plan-gold", "sub_2", "cs_2"
	gold.OccurredAt, gold.PeriodStart, gold.PeriodEnd = swept, swept, swept.AddDate(0, 1, 0)
	_, err = r.Apply(ctx, gold)
	require.NoError(t, err)

	r.now = func() time.Time { return swept.Add(time.Hour) }
	_, err = r.Apply(ctx, Event{Provider: ProviderStripe, ID: "evt_inv_late", Kind: KindInvoicePaid, OccurredAt: swept.Add(time.Minute),
		CustomerID: "cus_1", ExternalSubscriptionID: "sub_1", Reference: "in_2", PeriodEnd: monthEnd.AddDate(0, 1, 0)})
	require.NoError(t, err)

	active := 0
	for _, s := range store.AllSubscriptions("user-1") {
		if s.Status == StatusActive {
			active++
			assert.Equal(t, "sub_1", s.ExternalID)
		}
	}
	assert.Equal(t, 1, active)
}

func TestReconcilerStaleInvoiceForExpiredSubscriptionRecordsPayment(t *testing.T) {
	r, store := newReconcilerFixture(t)
	ctx := context.Background()
	_, err := r.Apply(ctx, checkoutEvent("evt_1"))
	require.NoError(t, err)

	swept := monthEnd.AddDate(0, 2, 0)
	expireAt(t, store, swept)
	r.now = func() time.Time { return swept }

	res, err := r.Apply(ctx, Event{Provider: ProviderStripe, ID: "evt_inv_old", Kind: KindInvoicePaid, OccurredAt: swept,
		CustomerID: "cus_1", ExternalSubscriptionID: "sub_1", Reference: "in_2", PeriodEnd: monthEnd.AddDate(0, 1, 0)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	subs := store.AllSubscriptions("user-1")
	require.Len(t, subs, 1)
	assert.Equal(t, StatusExpired, subs[0].Status)
	assert.Equal(t, 2, paymentCount(t, store, subs[0].ID))
}

func TestReconcilerCancelKeepsEndDate(t *testing.T) {
	r, store := newReconcilerFixture(t)
	ctx := context.Background()
	_, err := r.Apply(ctx, checkoutEvent("evt_1"))
	require.NoError(t, err)

	res, err := r.Apply(ctx, Event{Provider: ProviderStripe, ID: "evt_del", Kind: KindSubscriptionCanceled,
		OccurredAt: t0.Add(time.Hour), CustomerID: "cus_1", ExternalSubscriptionID: "sub_1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	subs := store.AllSubscriptions("user-1")
	require.Len(t, subs, 1)
	assert.Equal(t, StatusCanceled, subs[0].Status)
	assert.Equal(t, monthEnd, subs[0].EndDate)
	assert.True(t, subs[0].EntitledAt(t0.Add(48*time.Hour), 72*time.Hour))
}

func TestReconcilerUpdatedIdenticalDataIsNoop(t *testing.T) {
	r, store := newReconcilerFixture(t)
	ctx := context.Background()
	_, err := r.Apply(ctx, checkoutEvent("evt_1"))
	require.NoError(t, err)
	before := len(store.Outbox())

	upd := Event{Provider: ProviderStripe, ID: "evt_upd_1", Kind: KindSubscriptionUpdated, OccurredAt: t0.Add(time.Minute),
		CustomerID: "cus_1", ExternalSubscriptionID: "sub_1", ProviderStatus: "active", PeriodEnd: monthEnd}
	res, err := r.Apply(ctx, upd)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, res.Outcome)

	upd.ID = "evt_upd_2"
	res, err = r.Apply(ctx, upd)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, res.Outcome)
	assert.Len(t, store.Outbox(), before)
}

func TestReconcilerUpdatedIgnoresStaleEvents(t *testing.T) {
	r, store := newReconcilerFixture(t)
	ctx := context.Background()
	_, err := r.Apply(ctx, checkoutEvent("evt_1"))
	require.NoError(t, err)

	// Cancellation observed first, then a stale "active" update from before it.
	_, err = r.Apply(ctx, Event{Provider: ProviderStripe, ID: "evt_upd_new", Kind: KindSubscriptionUpdated,
		OccurredAt: t0.Add(2 * time.Hour), CustomerID: "cus_1", ExternalSubscriptionID: "sub_1",
		ProviderStatus: "active", CancelAtPeriodEnd: true, PeriodEnd: monthEnd})
	require.NoError(t, err)
	res, err := r.Apply(ctx, Event{Provider: ProviderStripe, ID: "evt_upd_old", Kind: KindSubscriptionUpdated,
		OccurredAt: t0.Add(time.Hour), CustomerID: "cus_1", ExternalSubscriptionID: "sub_1",
		ProviderStatus: "active", PeriodEnd: monthEnd})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, res.Outcome)

	subs := store.AllSubscriptions("user-1")
	require.Len(t, subs, 1)
	assert.Equal(t, StatusCanceled, subs[0].Status)
}

func TestReconcilerUpdatedReactivatesCanceled(t *testing.T) {
	r, store := newReconcilerFixture(t)
	ctx := context.Background()
	_, err := r.Apply(ctx, checkoutEvent("evt_1"))
	require.NoError(t, err)
	_, err = r.Apply(ctx, Event{Provider: ProviderStripe, ID: "evt_upd_1", Kind: KindSubscriptionUpdated,
		OccurredAt: t0.Add(time.Hour), CustomerID: "cus_1", ExternalSubscriptionID: "sub_1",
		ProviderStatus: "active", CancelAtPeriodEnd: true, PeriodEnd: monthEnd})
	require.NoError(t, err)

	_, err = r.Apply(ctx, Event{Provider: ProviderStripe, ID: "evt_upd_2", Kind: KindSubscriptionUpdated,
		OccurredAt: t0.Add(2 * time.Hour), CustomerID: "cus_1", ExternalSubscriptionID: "sub_1",
		ProviderStatus: "active", PeriodEnd: monthEnd})
	require.NoError(t, err)

	subs := store.AllSubscriptions("user-1")
	require.Len(t, subs, 1)
	assert.Equal(t, StatusActive, subs[0].Status)
}

func TestReconcilerNewPlanSupersedesCanceledSubscription(t *testing.T) {
	r, store := newReconcilerFixture(t)
	ctx := context.Background()
	_, err := r.Apply(ctx, checkoutEvent("evt_1"))
	require.NoError(t, err)
	_, err = r.Apply(ctx, Event{Provider: ProviderStripe, ID: "evt_del", Kind: KindSubscriptionCanceled,
		OccurredAt: t0.Add(time.Hour), CustomerID: "cus_1", ExternalSubscriptionID: "sub_1"})
	require.NoError(t, err)

	switchAt := t0.AddDate(0, 0, 10)
	gold := checkoutEvent("evt_2")
	gold.PlanID = "plan-gold"
	gold.ExternalSubscriptionID = "sub_2"
	gold.Reference = "cs_2"
	gold.OccurredAt = switchAt
	gold.PeriodStart = switchAt
	gold.PeriodEnd = switchAt.AddDate(0, 1, 0)
	_, err = r.Apply(ctx, gold)
	require.NoError(t, err)

	subs := store.AllSubscriptions("user-1")
	require.Len(t, subs, 2)
	var valid []Subscription
	for _, s := range subs {
		if s.EntitledAt(switchAt.Add(time.Minute), 72*time.Hour) {
			valid = append(valid, s)
		}
	}
	require.Len(t, valid, 1)
	assert.Equal(t, "plan-gold", valid[0].PlanID)

	for _, s := range subs {
		if s.PlanID == "plan-basic" {
			assert.Equal(t, StatusExpired, s.Status)
			assert.Equal(t, switchAt, s.EndDate)
		}
	}
}

func TestReconcilerRejectsEventWithoutID(t *testing.T) {
	r, _ := newReconcilerFixture(t)
	_, err := r.Apply(context.Background(), Event{Provider: ProviderStripe, Kind: KindInvoicePaid})
	require.Error(t, err)
}

func TestMapProviderStatus(t *testing.T) {
	tests := []struct {
		status string
		cancel bool
		want   Status
	}{
		{"active", false, StatusActive},
		{"past_due", false, StatusActive},
		{"active", true, StatusCanceled},
		{"canceled", false, StatusCanceled},
		{"incomplete_expired", false, StatusExpired},
		{"incomplete", false, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, mapProviderStatus(tt.status, tt.cancel), "%s cancel=%v", tt.status, tt.cancel)
	}
}
