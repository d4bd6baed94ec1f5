// Package commissions computes and tracks the partner's payable share of completed appointments.
package commissions

import (
	"errors"
	"time"
)

var (
	ErrNotFound    = errors.New("commissions: not found")
	ErrAlreadyPaid = errors.New("commissions: already paid")
)

// Commission is created once per completed appointment and paid once.
type Commission struct {
	ID            string     `json:"id"`
	AppointmentID string     `json:"appointment_id"`
	SalonID       string     `json:"salon_id"`
	AmountCents   int64      `json:"amount_cents"`
	RateBPS       int        `json:"rate_bps"`
	Paid          bool       `json:"paid"`
	PaidAt        *time.Time `json:"paid_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Summary aggregates one salon's commissions.
type Summary struct {
	SalonID      string    `json:"salon_id"`
	PayableCents int64     `json:"payable_cents"`
	UnpaidCount  int       `json:"unpaid_count"`
	PaidCents    int64     `json:"paid_cents"`
	PaidCount    int       `json:"paid_count"`
	From         time.Time `json:"from"`
	To           time.Time `json:"to"`
}

// SalonPayable is one row of the platform payout report.
type SalonPayable struct {
	SalonID      string `json:"salon_id"`
	SalonName    string `json:"salon_name"`
	PayableCents int64  `json:"payable_cents"`
	UnpaidCount  int    `json:"unpaid_count"`
}

// Calculator turns a charged price into a commission using a platform rate in
// basis points, optionally overridden per plan.
type Calculator struct {
	DefaultBPS int
}

// Rate picks the plan override when present.
func (c Calculator) Rate(planOverrideBPS *int) int {
	if planOverrideBPS != nil && *planOverrideBPS >= 0 {
		return clampBPS(*planOverrideBPS)
	}
	return clampBPS(c.DefaultBPS)
}

// Amount applies rate to priceCents, rounding half up to the cent.
func Amount(priceCents int64, rateBPS int) int64 {
	if priceCents <= 0 || rateBPS <= 0 {
		return 0
	}
	return (priceCents*int64(clampBPS(rateBPS)) + 5000) / 10000
}

func clampBPS(bps int) int {
	switch {
	case bps < 0:
		return 0
	case bps > 10000:
		return 10000
	}
	return bps
}
