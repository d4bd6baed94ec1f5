// Package booking turns service availability into appointments, guarding slot
// conflicts and subscription quotas, and drives the appointment lifecycle.
package booking

import (
	"errors"
	"fmt"
	"time"

	"github.com/wolfman30/salon-subscriptions/internal/availability"
)

var (
	ErrNotFound            = errors.New("booking: appointment not found")
	ErrServiceNotFound     = errors.New("booking: service not found")
	ErrSlotUnavailable     = errors.New("booking: slot unavailable")
	ErrOutsideAvailability = errors.New("booking: time is not a bookable slot")
	ErrQuotaExceeded       = errors.New("booking: monthly quota exceeded")
	ErrInvalidTransition   = errors.New("booking: invalid status transition")
)

// ErrNoEntitlement is a quota failure with no subscription behind it; check it
// before ErrQuotaExceeded when the two need different handling.
var ErrNoEntitlement = fmt.Errorf("%w: no valid subscription", ErrQuotaExceeded)

// Status of an appointment. SCHEDULED is the only non-terminal state.
type Status string

const (
	StatusScheduled Status = "SCHEDULED"
	StatusCompleted Status = "COMPLETED"
	StatusCanceled  Status = "CANCELED"
	StatusNoShow    Status = "NO_SHOW"
)

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s != StatusScheduled
}

// ConsumesQuota reports whether an appointment in s counts against the monthly cap.
func (s Status) ConsumesQuota() bool {
	return s == StatusScheduled || s == StatusCompleted
}

// Transition validates from -> to.
func Transition(from, to Status) error {
	if from != StatusScheduled {
		return ErrInvalidTransition
	}
	switch to {
	case StatusCompleted, StatusCanceled, StatusNoShow:
		return nil
	}
	return ErrInvalidTransition
}

// Appointment is a booked instance of a service. Price and commission rate are
// captured at booking time and never follow later catalog changes.
type Appointment struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	ServiceID         string    `json:"service_id"`
	SalonID           string    `json:"salon_id"`
	SubscriptionID    string    `json:"subscription_id,omitempty"`
	ScheduledAt       time.Time `json:"scheduled_at"`
	PriceChargedCents int64     `json:"price_charged_cents"`
	CommissionRateBPS int       `json:"commission_rate_bps"`
	Status            Status    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`

	// SalonOwnerID is loaded for authorization and never serialized.
	SalonOwnerID string `json:"-"`
}

// ServiceOffer is the bookable view of a catalog service.
type ServiceOffer struct {
	ID           string
	SalonID      string
	SalonOwnerID string
	Name         string
	PriceCents   int64
	Window       availability.Window
	// Bookable is false when the owning salon is not approved.
	Bookable bool
}

// SlotView is one slot of a service on a date.
type SlotView struct {
	Start     time.Time `json:"start"`
	Available bool      `json:"available"`
}

// Usage is the quota ledger for one user and month.
type Usage struct {
	Month          string `json:"month"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	PlanID         string `json:"plan_id,omitempty"`
	Cap            *int   `json:"cap"`
	Consumed       int    `json:"consumed"`
	Remaining      *int   `json:"remaining"`
	Unlimited      bool   `json:"unlimited"`
}

// Allows reports whether one more booking fits the cap.
func (u Usage) Allows() bool {
	return u.Unlimited || (u.Cap != nil && u.Consumed < *u.Cap)
}

func newUsage(month string, limit *int, consumed int) Usage {
	u := Usage{Month: month, Consumed: consumed}
	if limit == nil {
		u.Unlimited = true
		return u
	}
	c := *limit
	remaining := max(c-consumed, 0)
	u.Cap = &c
	u.Remaining = &remaining
	return u
}

// MonthBounds returns [first instant of t's month, first instant of the next) in loc.
func MonthBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	t = t.In(loc)
	from := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
	return from, from.AddDate(0, 1, 0)
}
