package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOriginMatcher(t *testing.T) {
	m := newOriginMatcher([]string{"https://app.example.com/", "https://*.salons.example.com", " "})

	cases := []struct {
		origin string
		want   bool
	}{
		{"https://app.example.com", true},
		{"https://partner.salons.example.com", true},
		{"https://a.b.salons.example.com", true},
		{"https://salons.example.com", false},
		{"http://partner.salons.example.com", false},
		{"https://evil-salons.example.com", false},
		{"https://other.example.com", false},
		{"", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, m.allows(tc.origin), tc.origin)
	}

	assert.True(t, newOriginMatcher([]string{"*"}).allows("https://anything.test"))
}

func TestCORSSetsHeadersForAllowedOrigin(t *testing.T) {
	called := false
	handler := CORS([]string{"https://app.example.com"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/plans", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.True(t, called)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Authorization")
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), "Retry-After")
	assert.Equal(t, "Origin", rec.Header().Get("Vary"))
}

func TestCORSIgnoresUnknownOrigin(t *testing.T) {
	called := false
	handler := CORS([]string{"https://app.example.com"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/plans", nil)
	req.Header.Set("Origin", "https://other.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.True(t, called, "simple requests still reach the handler; the browser enforces CORS")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSPreflight(t *testing.T) {
	handler := CORS([]string{"https://*.salons.example.com"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("preflight must not reach the router")
	}))

	req := httptest.NewRequest(http.MethodOptions, "/appointments", nil)
	req.Header.Set("Origin", "https://partner.salons.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "600", rec.Header().Get("Access-Control-Max-Age"))

	req = httptest.NewRequest(http.MethodOptions, "/appointments", nil)
	req.Header.Set("Origin", "https://other.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
