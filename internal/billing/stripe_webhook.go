package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/wolfman30/salon-subscriptions/internal/http/respond"
	"github.com/wolfman30/salon-subscriptions/pkg/logging"
)

// ProviderStripe keys Stripe events in the idempotency index.
const ProviderStripe = "stripe"

const maxWebhookBody = int64(65536)

type eventApplier interface {
	Apply(ctx context.Context, evt Event) (Result, error)
}

type latencyRecorder interface {
	ObserveWebhookLatency(provider string, seconds float64)
}

// StripeWebhookHandler verifies Stripe deliveries and hands them to the reconciler.
type StripeWebhookHandler struct {
	secret     string
	reconciler eventApplier
	logger     *logging.Logger
	metrics    latencyRecorder
}

func NewStripeWebhookHandler(secret string, reconciler eventApplier, logger *logging.Logger) *StripeWebhookHandler {
	if logger == nil {
		logger = logging.Default()
	}
	if secret == "" {
		logger.Warn("stripe webhook secret not configured; deliveries will be rejected")
	}
	return &StripeWebhookHandler{secret: secret, reconciler: reconciler, logger: logger}
}

func (h *StripeWebhookHandler) WithMetrics(m latencyRecorder) *StripeWebhookHandler {
	h.metrics = m
	return h
}

// Handle processes POST /webhooks/stripe. Once the signature is verified the
// sender always gets 200; reconciliation failures are logged here instead.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		if h.metrics != nil {
			h.metrics.ObserveWebhookLatency(ProviderStripe, time.Since(start).Seconds())
		}
	}()

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		respond.BadRequest(w, "invalid body")
		return
	}

	evt, err := webhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil || h.secret == "" {
		h.logger.Warn("stripe signature verification failed", "error", err)
		respond.Error(w, http.StatusBadRequest, "verification_failed", ErrVerificationFailed.Error())
		return
	}

	be, ok, err := FromStripeEvent(evt)
	if err != nil {
		h.logger.Error("stripe event decode failed", "error", err, "event_id", evt.ID, "type", evt.Type)
		w.WriteHeader(http.StatusOK)
		return
	}
	if !ok {
		h.logger.Debug("stripe event ignored", "event_id", evt.ID, "type", evt.Type)
		w.WriteHeader(http.StatusOK)
		return
	}

	if _, err := h.reconciler.Apply(r.Context(), be); err != nil && !errors.Is(err, ErrDuplicateEvent) {
		h.logger.Error("stripe event reconciliation failed", "error", err, "event_id", evt.ID, "type", evt.Type)
	}
	w.WriteHeader(http.StatusOK)
}

type stripeCheckoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	PaymentStatus     string            `json:"payment_status"`
	Customer          stripeRef         `json:"customer"`
	Subscription      stripeRef         `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	Metadata          map[string]string `json:"metadata"`
}

type stripeInvoice struct {
	ID            string    `json:"id"`
	Customer      stripeRef `json:"customer"`
	Subscription  stripeRef `json:"subscription"`
	BillingReason string    `json:"billing_reason"`
	AmountPaid    int64     `json:"amount_paid"`
	Currency      string    `json:"currency"`
	PeriodEnd     int64     `json:"period_end"`
	Parent        struct {
		SubscriptionDetails struct {
			Subscription stripeRef         `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

type stripeSubscription struct {
	ID                string            `json:"id"`
	Customer          stripeRef         `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64             `json:"current_period_end"`
	Metadata          map[string]string `json:"metadata"`
	Items             struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

// stripeRef accepts either an id string or an expanded object with an id.
type stripeRef string

func (r *stripeRef) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = ""
		return nil
	}
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		*r = stripeRef(id)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*r = stripeRef(obj.ID)
	return nil
}

// FromStripeEvent maps a verified Stripe event to a billing Event. ok is false
// for event types the reconciler does not consume.
func FromStripeEvent(evt stripe.Event) (Event, bool, error) {
	if evt.Data == nil {
		return Event{}, false, fmt.Errorf("billing: stripe event %s has no data", evt.ID)
	}
	base := Event{Provider: ProviderStripe, ID: evt.ID, OccurredAt: time.Unix(evt.Created, 0).UTC()}

	switch string(evt.Type) {
	case "checkout.session.completed":
		var s stripeCheckoutSession
		if err := json.Unmarshal(evt.Data.Raw, &s); err != nil {
			return Event{}, false, fmt.Errorf("billing: decode checkout session: %w", err)
		}
		if s.Mode != "" && s.Mode != "subscription" {
			return Event{}, false, nil
		}
		if s.PaymentStatus != "" && s.PaymentStatus != "paid" && s.PaymentStatus != "no_payment_required" {
			return Event{}, false, nil
		}
		base.Kind = KindCheckoutCompleted
		base.UserID = s.Metadata["user_id"]
		if base.UserID == "" {
			base.UserID = s.ClientReferenceID
		}
		base.PlanID = s.Metadata["plan_id"]
		base.CustomerID = string(s.Customer)
		base.ExternalSubscriptionID = string(s.Subscription)
		base.Reference = s.ID
		base.AmountCents = s.AmountTotal
		base.Currency = s.Currency
		base.PeriodStart = base.OccurredAt
		return base, true, nil

	case "invoice.paid", "invoice.payment_succeeded":
		var inv stripeInvoice
		if err := json.Unmarshal(evt.Data.Raw, &inv); err != nil {
			return Event{}, false, fmt.Errorf("billing: decode invoice: %w", err)
		}
		base.Kind = KindInvoicePaid
		base.CustomerID = string(inv.Customer)
		base.ExternalSubscriptionID = string(inv.Parent.SubscriptionDetails.Subscription)
		if base.ExternalSubscriptionID == "" {
			base.ExternalSubscriptionID = string(inv.Subscription)
		}
		base.UserID = inv.Parent.SubscriptionDetails.Metadata["user_id"]
		base.Reference = inv.ID
		base.AmountCents = inv.AmountPaid
		base.Currency = inv.Currency
		base.FirstInvoice = inv.BillingReason == "subscription_create"
		var end int64
		for _, line := range inv.Lines.Data {
			if line.Period.End > end {
				end = line.Period.End
			}
		}
		if end == 0 {
			end = inv.PeriodEnd
		}
		if end > 0 {
			base.PeriodEnd = time.Unix(end, 0).UTC()
		}
		return base, true, nil

	case "customer.subscription.deleted", "customer.subscription.updated":
		var sub stripeSubscription
		if err := json.Unmarshal(evt.Data.Raw, &sub); err != nil {
			return Event{}, false, fmt.Errorf("billing: decode subscription: %w", err)
		}
		base.CustomerID = string(sub.Customer)
		base.ExternalSubscriptionID = sub.ID
		base.UserID = sub.Metadata["user_id"]
		base.ProviderStatus = sub.Status
		base.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
		end := sub.CurrentPeriodEnd
		for _, item := range sub.Items.Data {
			if item.CurrentPeriodEnd > end {
				end = item.CurrentPeriodEnd
			}
		}
		if end > 0 {
			base.PeriodEnd = time.Unix(end, 0).UTC()
		}
		if evt.Type == "customer.subscription.deleted" {
			base.Kind = KindSubscriptionCanceled
		} else {
			base.Kind = KindSubscriptionUpdated
		}
		return base, true, nil
	}
	return Event{}, false, nil
}
