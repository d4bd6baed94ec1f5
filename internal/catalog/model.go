// Package catalog owns salons, their services and the subscription plans
// offered on the platform.
package catalog

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/salon-subscriptions/internal/availability"
)

var (
	ErrNotFound         = errors.New("catalog: not found")
	ErrInvalidInput     = errors.New("catalog: invalid input")
	ErrSalonExists      = errors.New("catalog: user already owns a salon")
	ErrNotPending       = errors.New("catalog: salon is not pending")
	ErrSalonNotApproved = errors.New("catalog: salon is not approved")
	ErrServiceInUse     = errors.New("catalog: service has future appointments")

	errNameRequired      = fmt.Errorf("%w: name is required", ErrInvalidInput)
	errPriceNotPositive  = fmt.Errorf("%w: price_cents must be positive", ErrInvalidInput)
	errRateOutOfRange    = fmt.Errorf("%w: commission_rate_bps must be between 0 and 10000", ErrInvalidInput)
	errNegativeCap       = fmt.Errorf("%w: monthly_cap must not be negative", ErrInvalidInput)
	errAddressRequired   = fmt.Errorf("%w: address is required", ErrInvalidInput)
	errCoordinatesBounds = fmt.Errorf("%w: latitude/longitude out of range", ErrInvalidInput)
)

// DefaultRejectReason is stored when an admin rejects without a reason.
const DefaultRejectReason = "Does not meet the platform requirements"

// SalonStatus is the approval state of a salon.
type SalonStatus string

const (
	SalonPending  SalonStatus = "PENDING"
	SalonApproved SalonStatus = "APPROVED"
	SalonRejected SalonStatus = "REJECTED"
)

// Salon is a partner's establishment. A user owns at most one.
type Salon struct {
	ID              string      `json:"id"`
	OwnerID         string      `json:"owner_id"`
	Name            string      `json:"name"`
	Address         string      `json:"address"`
	Latitude        float64     `json:"latitude"`
	Longitude       float64     `json:"longitude"`
	ContactInfo     string      `json:"contact_info,omitempty"`
	Description     string      `json:"description,omitempty"`
	PayoutKey       string      `json:"payout_key,omitempty"`
	PayoutKeyType   string      `json:"payout_key_type,omitempty"`
	Status          SalonStatus `json:"status"`
	RejectionReason string      `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`

	// DistanceKM is set by proximity searches.
	DistanceKM *float64 `json:"distance_km,omitempty"`
}

// SalonInput is a partner registration.
type SalonInput struct {
	Name          string  `json:"name"`
	Address       string  `json:"address"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	ContactInfo   string  `json:"contact_info"`
	Description   string  `json:"description"`
	PayoutKey     string  `json:"payout_key"`
	PayoutKeyType string  `json:"payout_key_type"`
}

func (in SalonInput) normalize() (SalonInput, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Address = strings.TrimSpace(in.Address)
	in.ContactInfo = strings.TrimSpace(in.ContactInfo)
	in.Description = strings.TrimSpace(in.Description)
	in.PayoutKey = strings.TrimSpace(in.PayoutKey)
	in.PayoutKeyType = strings.ToUpper(strings.TrimSpace(in.PayoutKeyType))
	switch {
	case in.Name == "":
		return in, errNameRequired
	case in.Address == "":
		return in, errAddressRequired
	case in.Latitude < -90 || in.Latitude > 90 || in.Longitude < -180 || in.Longitude > 180:
		return in, errCoordinatesBounds
	}
	return in, nil
}

// SalonService is a bookable offering of a salon. Days and times are stored in
// canonical form: lowercase weekday names and "HH:MM".
type SalonService struct {
	ID              string    `json:"id"`
	SalonID         string    `json:"salon_id"`
	Name            string    `json:"name"`
	Description     string    `json:"description,omitempty"`
	PriceCents      int64     `json:"price_cents"`
	DurationMinutes int       `json:"duration_minutes"`
	AvailableDays   []string  `json:"available_days"`
	StartTime       string    `json:"start_time"`
	EndTime         string    `json:"end_time"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ServiceInput creates or replaces a service.
type ServiceInput struct {
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	PriceCents      int64    `json:"price_cents"`
	DurationMinutes int      `json:"duration_minutes"`
	AvailableDays   []string `json:"available_days"`
	StartTime       string   `json:"start_time"`
	EndTime         string   `json:"end_time"`
}

// normalize validates the input against the availability rules and returns it
// in canonical form.
func (in ServiceInput) normalize() (ServiceInput, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Description = strings.TrimSpace(in.Description)
	if in.Name == "" {
		return in, errNameRequired
	}
	if in.PriceCents <= 0 {
		return in, errPriceNotPositive
	}
	days, err := availability.ParseWeekdays(in.AvailableDays)
	if err != nil {
		return in, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	start, err := availability.ParseClock(in.StartTime)
	if err != nil {
		return in, fmt.Errorf("%w: start_time: %v", ErrInvalidInput, err)
	}
	end, err := availability.ParseClock(in.EndTime)
	if err != nil {
		return in, fmt.Errorf("%w: end_time: %v", ErrInvalidInput, err)
	}
	w := availability.Window{Days: days, Start: start, End: end, Duration: time.Duration(in.DurationMinutes) * time.Minute}
	if err := w.Validate(); err != nil {
		return in, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	in.AvailableDays = availability.FormatWeekdays(days)
	in.StartTime, in.EndTime = start.String(), end.String()
	return in, nil
}

// Plan is a subscription tier.
type Plan struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Description       string    `json:"description,omitempty"`
	PriceCents        int64     `json:"price_cents"`
	MonthlyCap        *int      `json:"monthly_cap"`
	Features          []string  `json:"features"`
	CommissionRateBPS *int      `json:"commission_rate_bps,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// PlanInput creates or replaces a plan. A nil MonthlyCap means unlimited.
type PlanInput struct {
	Name              string   `json:"name"`
	Description       string   `json:"description"`
	PriceCents        int64    `json:"price_cents"`
	MonthlyCap        *int     `json:"monthly_cap"`
	Features          []string `json:"features"`
	CommissionRateBPS *int     `json:"commission_rate_bps"`
}

func (in PlanInput) normalize() (PlanInput, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Description = strings.TrimSpace(in.Description)
	switch {
	case in.Name == "":
		return in, errNameRequired
	case in.PriceCents <= 0:
		return in, errPriceNotPositive
	case in.MonthlyCap != nil && *in.MonthlyCap < 0:
		return in, errNegativeCap
	case in.CommissionRateBPS != nil && (*in.CommissionRateBPS < 0 || *in.CommissionRateBPS > 10000):
		return in, errRateOutOfRange
	}
	features := make([]string, 0, len(in.Features))
	for _, f := range in.Features {
		if f = strings.TrimSpace(f); f != "" {
			features = append(features, f)
		}
	}
	in.Features = features
	return in, nil
}
