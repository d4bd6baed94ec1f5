// Package billing owns subscriptions and payments and reconciles them with the
// billing provider's event stream.
package billing

import (
	"errors"
	"time"
)

var (
	ErrNotFound           = errors.New("billing: not found")
	ErrDuplicateEvent     = errors.New("billing: duplicate event")
	ErrVerificationFailed = errors.New("billing: signature verification failed")
	ErrNotCancelable      = errors.New("billing: subscription not cancelable")
	ErrCheckoutDisabled   = errors.New("billing: checkout not configured")
)

// Status of a subscription.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusCanceled Status = "CANCELED"
	StatusExpired  Status = "EXPIRED"
)

// PaymentStatus of a payment row.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentCompleted PaymentStatus = "COMPLETED"
)

// Subscription ties a user to a plan over a billing window.
type Subscription struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	PlanID     string    `json:"plan_id"`
	Status     Status    `json:"status"`
	StartDate  time.Time `json:"start_date"`
	EndDate    time.Time `json:"end_date"`
	ExternalID string    `json:"external_id,omitempty"`
	// LastEventAt is the provider timestamp of the last lifecycle event applied.
	LastEventAt time.Time `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// EntitledAt reports whether s still grants access at now. An ACTIVE
// subscription keeps access for grace past its end date while a renewal
// invoice is pending; a CANCELED one keeps access until its end date.
func (s Subscription) EntitledAt(now time.Time, grace time.Duration) bool {
	switch s.Status {
	case StatusActive:
		return now.Before(s.EndDate.Add(grace))
	case StatusCanceled:
		return now.Before(s.EndDate)
	}
	return false
}

// SelectEntitlement picks the subscription that grants access at now, if any.
// ACTIVE wins over CANCELED, then the later end date.
func SelectEntitlement(subs []Subscription, now time.Time, grace time.Duration) (Subscription, bool) {
	var best Subscription
	found := false
	for _, s := range subs {
		if !s.EntitledAt(now, grace) {
			continue
		}
		if !found || rank(s) > rank(best) || (rank(s) == rank(best) && s.EndDate.After(best.EndDate)) {
			best, found = s, true
		}
	}
	return best, found
}

func rank(s Subscription) int {
	if s.Status == StatusActive {
		return 2
	}
	return 1
}

// Payment is one charge against a subscription. Rows are append-only.
type Payment struct {
	ID             string        `json:"id"`
	SubscriptionID string        `json:"subscription_id"`
	AmountCents    int64         `json:"amount_cents"`
	Currency       string        `json:"currency"`
	Method         string        `json:"method"`
	Status         PaymentStatus `json:"status"`
	Reference      string        `json:"reference,omitempty"`
	PaidAt         time.Time     `json:"paid_at"`
	CreatedAt      time.Time     `json:"created_at"`
}

// PlanTerms is the part of a plan billing and booking need.
type PlanTerms struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	PriceCents        int64  `json:"price_cents"`
	MonthlyCap        *int   `json:"monthly_cap"`
	CommissionRateBPS *int   `json:"commission_rate_bps,omitempty"`
}

// Entitlement is a valid subscription with its plan.
type Entitlement struct {
	Subscription Subscription `json:"subscription"`
	Plan         PlanTerms    `json:"plan"`
}
