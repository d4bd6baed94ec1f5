package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/salon-subscriptions/internal/identity"
	"github.com/wolfman30/salon-subscriptions/internal/observability/metrics"
	"github.com/wolfman30/salon-subscriptions/pkg/logging"
)

type stubCounts struct {
	counts     Counts
	err        error
	monthStart time.Time
	monthEnd   time.Time
}

func (s *stubCounts) Counts(_ context.Context, _ time.Time, _ time.Duration, monthStart, monthEnd time.Time) (Counts, error) {
	s.monthStart, s.monthEnd = monthStart, monthEnd
	return s.counts, s.err
}

func request(caller identity.Caller) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/admin/dashboard", nil)
	return req.WithContext(identity.WithCaller(req.Context(), caller))
}

func TestOverviewRequiresAdmin(t *testing.T) {
	h := NewHandler(&stubCounts{}, prometheus.NewRegistry(), time.UTC, 0, logging.Default())
	rec := httptest.NewRecorder()
	h.Overview(rec, request(identity.Caller{UserID: "u-1", Role: identity.RolePartner}))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestOverviewCombinesCountsAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	booking := metrics.NewBookingMetrics(reg)
	billing := metrics.NewBillingMetrics(reg)
	booking.ObserveBookingAttempt("booked")
	booking.ObserveBookingAttempt("booked")
	booking.ObserveBookingAttempt("quota_exceeded")
	billing.ObserveWebhookLatency("stripe", 0.04)
	billing.ObserveWebhookLatency("stripe", 0.06)

	loc, err := time.LoadLocation("America/Sao_Paulo")
	require.NoError(t, err)
	repo := &stubCounts{counts: Counts{UsersByRole: map[string]int64{"CLIENT": 5}, PendingSalons: 1}}
	h := NewHandler(repo, reg, loc, 72*time.Hour, logging.Default())
	h.now = func() time.Time { return time.Date(2026, 4, 1, 1, 0, 0, 0, time.UTC) }

	rec := httptest.NewRecorder()
	h.Overview(rec, request(identity.Caller{UserID: "admin", Role: identity.RoleAdmin}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body Overview
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "2026-03", body.Month, "month boundaries follow the platform zone")
	assert.Equal(t, time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC), repo.monthStart)
	assert.Equal(t, time.Date(2026, 4, 1, 3, 0, 0, 0, time.UTC), repo.monthEnd)
	assert.EqualValues(t, 1, body.Counts.PendingSalons)
	assert.EqualValues(t, 2, body.Metrics.BookingAttempts["booked"])
	assert.EqualValues(t, 1, body.Metrics.BookingAttempts["quota_exceeded"])
	stripe := body.Metrics.WebhookLatency["stripe"]
	assert.EqualValues(t, 2, stripe.Total)
	assert.Greater(t, stripe.P95Ms, 0.0)
	assert.LessOrEqual(t, stripe.P95Ms, 100.0)
}
