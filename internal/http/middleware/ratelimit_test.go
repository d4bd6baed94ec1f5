package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/wolfman30/salon-subscriptions/internal/identity"
)

func TestRateLimiterRefillsOverTime(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, 2)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"), "burst exhausted")
	assert.True(t, rl.Allow("b"), "keys are independent")

	now = now.Add(time.Second)
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))

	assert.Equal(t, 2, rl.Evict(now.Add(time.Minute)))
}

func TestRateLimiterEvictKeepsRecentKeys(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, 1)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("old"))
	now = now.Add(10 * time.Minute)
	assert.True(t, rl.Allow("fresh"))
	assert.False(t, rl.Allow("fresh"))

	assert.Equal(t, 1, rl.Evict(now.Add(-time.Minute)))
	assert.False(t, rl.Allow("fresh"), "surviving key keeps its spent bucket")
	assert.True(t, rl.Allow("old"), "evicted key starts with a full bucket")
}

func TestRateLimitKeysByCaller(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	handler := RateLimit(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	send := func(userID string) int {
		req := httptest.NewRequest(http.MethodPost, "/appointments", nil)
		req.RemoteAddr = "10.0.0.1:4000"
		if userID != "" {
			req = req.WithContext(identity.WithCaller(req.Context(), identity.Caller{UserID: userID}))
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("u-1"))
	assert.Equal(t, http.StatusTooManyRequests, send("u-1"))
	assert.Equal(t, http.StatusOK, send("u-2"), "same IP, different caller")
	assert.Equal(t, http.StatusOK, send(""))
	assert.Equal(t, http.StatusTooManyRequests, send(""))
}
