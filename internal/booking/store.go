package booking

import (
	"context"
	"time"

	"github.com/wolfman30/salon-subscriptions/internal/billing"
	"github.com/wolfman30/salon-subscriptions/internal/commissions"
)

// Reader holds the queries shared by the store and its transactions.
type Reader interface {
	Service(ctx context.Context, serviceID string) (ServiceOffer, error)
	// TakenSlots lists start times in [from, to) held by non-canceled appointments.
	TakenSlots(ctx context.Context, serviceID, salonID string, from, to time.Time) ([]time.Time, error)
	Appointment(ctx context.Context, id string) (Appointment, error)
	ListForUser(ctx context.Context, userID string) ([]Appointment, error)
	ListForSalon(ctx context.Context, salonID string, from, to time.Time) ([]Appointment, error)
	Subscriptions(ctx context.Context, userID string) ([]billing.Subscription, error)
	PlanTerms(ctx context.Context, planID string) (billing.PlanTerms, error)
	// CountConsuming counts the user's SCHEDULED and COMPLETED appointments in [from, to).
	CountConsuming(ctx context.Context, userID string, from, to time.Time) (int, error)
}

// Tx is the unit of work for bookings and transitions.
type Tx interface {
	Reader
	// LockUser serializes quota decisions per user and reports whether the user exists.
	LockUser(ctx context.Context, userID string) (bool, error)
	// LockAppointment loads an appointment and holds it until the transaction ends.
	LockAppointment(ctx context.Context, id string) (Appointment, error)
	// InsertAppointment returns ErrSlotUnavailable when another non-canceled
	// appointment holds the same service, salon and instant.
	InsertAppointment(ctx context.Context, a *Appointment) error
	// UpdateStatus moves the appointment from -> to and fails with ErrInvalidTransition
	// when its current status is not from.
	UpdateStatus(ctx context.Context, id string, from, to Status) (Appointment, error)
	InsertCommission(ctx context.Context, c *commissions.Commission) (bool, error)
	AppendOutbox(ctx context.Context, aggregateID, eventType string, payload any) error
}

// Store is implemented by PGStore and MemoryStore.
type Store interface {
	Reader
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
