package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stripe/stripe-go/v82"
)

func assertFormValue(t *testing.T, form map[string][]string, key, want string) {
	t.Helper()
	vals := form[key]
	if len(vals) == 0 {
		t.Errorf("form key %q missing", key)
		return
	}
	if vals[0] != want {
		t.Errorf("form %q = %q, want %q", key, vals[0], want)
	}
}

func TestStripeClient_CreateSubscriptionCheckout(t *testing.T) {
	var gotForm map[string][]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/checkout/sessions" {
			t.Errorf("expected path /v1/checkout/sessions, got %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk_test_123" {
			t.Errorf("expected auth header, got %q", got)
		}
		if r.Header.Get("Stripe-Version") == "" {
			t.Errorf("expected Stripe-Version header")
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("failed to parse form: %v", err)
		}
		gotForm = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"id":  "cs_test_abc",
			"url": "https://checkout.stripe.com/pay/cs_test_abc",
		})
	}))
	defer srv.Close()

	client := NewStripeClient("sk_test_123", "https://app.example/ok", "https://app.example/cancel", "BRL", nil).WithBaseURL(srv.URL)
	session, err := client.CreateSubscriptionCheckout(context.Background(), CheckoutParams{
		UserID:     "user-1",
		Email:      "ana@example.com",
		PlanID:     "plan-basic",
		PlanName:   "Basic",
		PriceCents: 9900,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.ID != "cs_test_abc" || session.URL != "https://checkout.stripe.com/pay/cs_test_abc" {
		t.Fatalf("unexpected session: %+v", session)
	}

	assertFormValue(t, gotForm, "mode", "subscription")
	assertFormValue(t, gotForm, "line_items[0][price_data][currency]", "brl")
	assertFormValue(t, gotForm, "line_items[0][price_data][unit_amount]", "9900")
	assertFormValue(t, gotForm, "line_items[0][price_data][recurring][interval]", "month")
	assertFormValue(t, gotForm, "line_items[0][price_data][product_data][name]", "Basic")
	assertFormValue(t, gotForm, "client_reference_id", "user-1")
	assertFormValue(t, gotForm, "customer_email", "ana@example.com")
	assertFormValue(t, gotForm, "success_url", "https://app.example/ok")
	assertFormValue(t, gotForm, "cancel_url", "https://app.example/cancel")
	assertFormValue(t, gotForm, "metadata[user_id]", "user-1")
	assertFormValue(t, gotForm, "metadata[plan_id]", "plan-basic")
	assertFormValue(t, gotForm, "subscription_data[metadata][user_id]", "user-1")
	assertFormValue(t, gotForm, "subscription_data[metadata][plan_id]", "plan-basic")
}

func TestStripeClient_NoKey(t *testing.T) {
	client := NewStripeClient("", "", "", "", nil)
	_, err := client.CreateSubscriptionCheckout(context.Background(), CheckoutParams{UserID: "u", PlanID: "p", PriceCents: 100})
	if !errors.Is(err, ErrCheckoutDisabled) {
		t.Fatalf("expected ErrCheckoutDisabled, got %v", err)
	}
	if err := client.CancelAtPeriodEnd(context.Background(), "sub_1"); err != nil {
		t.Fatalf("expected cancel to be a no-op without a key, got %v", err)
	}
}

func TestStripeClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"Invalid API key","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	client := NewStripeClient("sk_bad", "", "", "", nil).WithBaseURL(srv.URL)
	_, err := client.CreateSubscriptionCheckout(context.Background(), CheckoutParams{UserID: "u", PlanID: "p", PlanName: "P", PriceCents: 100})
	if err == nil {
		t.Fatal("expected error for bad API response")
	}
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		t.Fatalf("expected *stripe.Error, got %T", err)
	}
	if stripeErr.Msg != "Invalid API key" || stripeErr.HTTPStatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected stripe error: %+v", stripeErr)
	}
}

func TestStripeClient_MissingCheckoutURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"cs_test_abc","object":"checkout.session"}`)
	}))
	defer srv.Close()

	client := NewStripeClient("sk_test_123", "", "", "", nil).WithBaseURL(srv.URL)
	_, err := client.CreateSubscriptionCheckout(context.Background(), CheckoutParams{UserID: "u", PlanID: "p", PlanName: "P", PriceCents: 100})
	if err == nil {
		t.Fatal("expected error when the session has no url")
	}
}

func TestStripeClient_CancelAtPeriodEnd(t *testing.T) {
	var gotPath string
	var gotForm map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = r.ParseForm()
		gotForm = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"sub_1","cancel_at_period_end":true}`)
	}))
	defer srv.Close()

	client := NewStripeClient("sk_test_123", "", "", "", nil).WithBaseURL(srv.URL)
	if err := client.CancelAtPeriodEnd(context.Background(), "sub_1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/v1/subscriptions/sub_1" {
		t.Fatalf("unexpected path %s", gotPath)
	}
	assertFormValue(t, gotForm, "cancel_at_period_end", "true")
}

func TestStripeClient_CancelAtPeriodEndError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"message":"No such subscription","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	client := NewStripeClient("sk_test_123", "", "", "", nil).WithBaseURL(srv.URL)
	if err := client.CancelAtPeriodEnd(context.Background(), "sub_missing"); err == nil {
		t.Fatal("expected error for unknown subscription")
	}
}
