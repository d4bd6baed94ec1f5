package respond

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	Error(rec, http.StatusConflict, "slot_unavailable", "slot already booked")

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body ErrorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "slot_unavailable", body.Error)
	assert.Equal(t, "slot already booked", body.Message)
}

func TestDecode(t *testing.T) {
	var dst struct {
		PlanID string `json:"plan_id"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"plan_id":"p1"}`))
	require.NoError(t, Decode(req, &dst))
	assert.Equal(t, "p1", dst.PlanID)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"plan":"p1"}`))
	assert.Error(t, Decode(req, &dst), "unknown fields are rejected")

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"plan_id":"p1"}{}`))
	assert.Error(t, Decode(req, &dst), "trailing data is rejected")
}
