package booking

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/salon-subscriptions/internal/access"
	"github.com/wolfman30/salon-subscriptions/internal/commissions"
	"github.com/wolfman30/salon-subscriptions/internal/events"
	"github.com/wolfman30/salon-subscriptions/internal/identity"
	"github.com/wolfman30/salon-subscriptions/pkg/logging"
)

var bookingTracer = otel.Tracer("salon.internal.booking")

type bookingRecorder interface {
	ObserveBookingAttempt(outcome string)
	ObserveTransition(to string)
}

// SalonResolver maps a partner to the salon they own.
type SalonResolver interface {
	SalonIDForOwner(ctx context.Context, ownerID string) (string, bool, error)
}

// BookRequest identifies the slot to book.
type BookRequest struct {
	ServiceID   string    `json:"service_id"`
	SalonID     string    `json:"salon_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

// Completion is the result of completing an appointment.
type Completion struct {
	Appointment Appointment            `json:"appointment"`
	Commission  commissions.Commission `json:"commission"`
}

// AppointmentEvent is the outbox payload for appointment changes.
type AppointmentEvent struct {
	AppointmentID string    `json:"appointment_id"`
	UserID        string    `json:"user_id"`
	ServiceID     string    `json:"service_id"`
	SalonID       string    `json:"salon_id"`
	ScheduledAt   time.Time `json:"scheduled_at"`
	Status        Status    `json:"status"`
	ChangedBy     string    `json:"changed_by"`
	CommissionID  string    `json:"commission_id,omitempty"`
}

// Service runs bookings and lifecycle transitions.
type Service struct {
	store   Store
	salons  SalonResolver
	rates   commissions.Calculator
	loc     *time.Location
	grace   time.Duration
	logger  *logging.Logger
	metrics bookingRecorder
	now     func() time.Time
}

// NewService wires the booking engine. loc interprets service windows and
// billing months; grace extends ACTIVE subscriptions past their end date.
func NewService(store Store, salons SalonResolver, rates commissions.Calculator, loc *time.Location, grace time.Duration, logger *logging.Logger) *Service {
	if store == nil {
		panic("booking: store required")
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{store: store, salons: salons, rates: rates, loc: loc, grace: grace, logger: logger, now: time.Now}
}

// WithMetrics attaches booking counters.
func (s *Service) WithMetrics(m bookingRecorder) *Service {
	s.metrics = m
	return s
}

// Availability lists the slots of a service on date with their availability.
func (s *Service) Availability(ctx context.Context, serviceID string, date time.Time) ([]SlotView, error) {
	offer, err := s.store.Service(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	if !offer.Bookable {
		return nil, ErrServiceNotFound
	}
	return slotViews(ctx, s.store, offer, date, s.loc)
}

// Book creates a SCHEDULED appointment. The slot check, quota check and insert
// run in one transaction holding the user's row lock, and the insert itself is
// guarded against a concurrent booking of the same slot.
func (s *Service) Book(ctx context.Context, caller identity.Caller, req BookRequest) (Appointment, error) {
	ctx, span := bookingTracer.Start(ctx, "booking.book")
	defer span.End()
	span.SetAttributes(
		attribute.String("salon.user_id", caller.UserID),
		attribute.String("salon.service_id", req.ServiceID),
		attribute.String("salon.salon_id", req.SalonID),
	)

	apt, err := s.book(ctx, caller, req)
	s.observeAttempt(err)
	if err != nil {
		span.RecordError(err)
		return Appointment{}, err
	}
	s.logger.Info("appointment booked", "appointment_id", apt.ID, "user_id", apt.UserID,
		"service_id", apt.ServiceID, "scheduled_at", apt.ScheduledAt)
	return apt, nil
}

func (s *Service) book(ctx context.Context, caller identity.Caller, req BookRequest) (Appointment, error) {
	if err := access.Check(caller, access.OpBookAppointment); err != nil {
		return Appointment{}, err
	}
	at := req.ScheduledAt.UTC()
	now := s.now()

	var apt Appointment
	err := s.store.WithTx(ctx, func(tx Tx) error {
		offer, err := tx.Service(ctx, req.ServiceID)
		if err != nil {
			return err
		}
		if !offer.Bookable || offer.SalonID != req.SalonID {
			return ErrServiceNotFound
		}
		if err := checkSlot(offer, at, s.loc, now); err != nil {
			return err
		}

		exists, err := tx.LockUser(ctx, caller.UserID)
		if err != nil {
			return err
		}
		if !exists {
			return access.ErrForbidden
		}
		ent, ok, err := entitlement(ctx, tx, caller.UserID, now, s.grace)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoEntitlement
		}
		from, to := MonthBounds(at, s.loc)
		consumed, err := tx.CountConsuming(ctx, caller.UserID, from, to)
		if err != nil {
			return err
		}
		if !newUsage("", ent.Plan.MonthlyCap, consumed).Allows() {
			return ErrQuotaExceeded
		}

		taken, err := slotTaken(ctx, tx, offer, at)
		if err != nil {
			return err
		}
		if taken {
			return ErrSlotUnavailable
		}

		apt = Appointment{
			UserID:            caller.UserID,
			ServiceID:         offer.ID,
			SalonID:           offer.SalonID,
			SubscriptionID:    ent.Subscription.ID,
			ScheduledAt:       at,
			PriceChargedCents: offer.PriceCents,
			CommissionRateBPS: s.rates.Rate(ent.Plan.CommissionRateBPS),
			Status:            StatusScheduled,
			SalonOwnerID:      offer.SalonOwnerID,
		}
		if err := tx.InsertAppointment(ctx, &apt); err != nil {
			return err
		}
		return tx.AppendOutbox(ctx, apt.ID, events.TypeAppointmentBooked, s.event(apt, caller.UserID, ""))
	})
	if err != nil {
		return Appointment{}, err
	}
	return apt, nil
}

// Cancel moves a SCHEDULED appointment to CANCELED. The booking user, an admin,
// or the partner owning the salon may cancel; anyone else sees ErrNotFound.
func (s *Service) Cancel(ctx context.Context, caller identity.Caller, appointmentID string) (Appointment, error) {
	apt, _, err := s.transition(ctx, caller, appointmentID, StatusCanceled)
	return apt, err
}

// NoShow marks a SCHEDULED appointment NO_SHOW on behalf of the salon.
func (s *Service) NoShow(ctx context.Context, caller identity.Caller, appointmentID string) (Appointment, error) {
	apt, _, err := s.transition(ctx, caller, appointmentID, StatusNoShow)
	return apt, err
}

// Complete marks a SCHEDULED appointment COMPLETED and creates its commission in
// the same transaction. A retried completion fails with ErrInvalidTransition.
func (s *Service) Complete(ctx context.Context, caller identity.Caller, appointmentID string) (Completion, error) {
	apt, c, err := s.transition(ctx, caller, appointmentID, StatusCompleted)
	if err != nil {
		return Completion{}, err
	}
	return Completion{Appointment: apt, Commission: c}, nil
}

func (s *Service) transition(ctx context.Context, caller identity.Caller, appointmentID string, to Status) (Appointment, commissions.Commission, error) {
	ctx, span := bookingTracer.Start(ctx, "booking.transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("salon.appointment_id", appointmentID),
		attribute.String("salon.to_status", string(to)),
	)

	if to != StatusCanceled {
		if err := access.Check(caller, access.OpManageAppointments); err != nil {
			return Appointment{}, commissions.Commission{}, err
		}
	}

	var (
		updated    Appointment
		commission commissions.Commission
	)
	err := s.store.WithTx(ctx, func(tx Tx) error {
		apt, err := tx.LockAppointment(ctx, appointmentID)
		if err != nil {
			return err
		}
		if !s.mayTransition(caller, apt, to) {
			return ErrNotFound
		}
		if err := Transition(apt.Status, to); err != nil {
			return err
		}
		updated, err = tx.UpdateStatus(ctx, apt.ID, apt.Status, to)
		if err != nil {
			return err
		}

		eventType := events.TypeAppointmentCanceled
		switch to {
		case StatusNoShow:
			eventType = events.TypeAppointmentNoShow
		case StatusCompleted:
			eventType = events.TypeAppointmentCompleted
			commission = commissions.Commission{
				AppointmentID: updated.ID,
				SalonID:       updated.SalonID,
				RateBPS:       updated.CommissionRateBPS,
				AmountCents:   commissions.Amount(updated.PriceChargedCents, updated.CommissionRateBPS),
			}
			created, err := tx.InsertCommission(ctx, &commission)
			if err != nil {
				return err
			}
			if !created {
				return ErrInvalidTransition
			}
		}
		return tx.AppendOutbox(ctx, updated.ID, eventType, s.event(updated, caller.UserID, commission.ID))
	})
	if err != nil {
		span.RecordError(err)
		return Appointment{}, commissions.Commission{}, err
	}

	if s.metrics != nil {
		s.metrics.ObserveTransition(string(to))
	}
	s.logger.Info("appointment status changed", "appointment_id", updated.ID, "status", to,
		"changed_by", caller.UserID, "commission_id", commission.ID)
	return updated, commission, nil
}

// mayTransition applies ownership rules: users cancel their own bookings, the
// owning partner manages the salon's, admins manage all.
func (s *Service) mayTransition(caller identity.Caller, apt Appointment, to Status) bool {
	if caller.UserID == "" {
		return false
	}
	if caller.IsAdmin() {
		return true
	}
	if to == StatusCanceled && apt.UserID == caller.UserID {
		return true
	}
	return access.CheckSalon(caller, access.OpManageAppointments, apt.SalonOwnerID) == nil
}

// Usage returns the caller's quota ledger for the month containing month.
func (s *Service) Usage(ctx context.Context, caller identity.Caller, month time.Time) (Usage, error) {
	if caller.UserID == "" {
		return Usage{}, access.ErrForbidden
	}
	return usage(ctx, s.store, caller.UserID, month, s.loc, s.now(), s.grace)
}

// ListMine returns the caller's appointments, newest first.
func (s *Service) ListMine(ctx context.Context, caller identity.Caller) ([]Appointment, error) {
	if caller.UserID == "" {
		return nil, access.ErrForbidden
	}
	return s.store.ListForUser(ctx, caller.UserID)
}

// ListForPartner returns the appointments of the caller's salon in [from, to).
func (s *Service) ListForPartner(ctx context.Context, caller identity.Caller, from, to time.Time) ([]Appointment, error) {
	if err := access.Check(caller, access.OpManageAppointments); err != nil {
		return nil, err
	}
	if s.salons == nil {
		return nil, ErrNotFound
	}
	salonID, ok, err := s.salons.SalonIDForOwner(ctx, caller.UserID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return s.store.ListForSalon(ctx, salonID, from, to)
}

// Location is the zone used for windows and months.
func (s *Service) Location() *time.Location { return s.loc }

func (s *Service) event(a Appointment, actor, commissionID string) AppointmentEvent {
	return AppointmentEvent{
		AppointmentID: a.ID,
		UserID:        a.UserID,
		ServiceID:     a.ServiceID,
		SalonID:       a.SalonID,
		ScheduledAt:   a.ScheduledAt,
		Status:        a.Status,
		ChangedBy:     actor,
		CommissionID:  commissionID,
	}
}

func (s *Service) observeAttempt(err error) {
	if s.metrics == nil {
		return
	}
	outcome := "booked"
	switch {
	case err == nil:
	case errors.Is(err, ErrSlotUnavailable):
		outcome = "slot_unavailable"
	case errors.Is(err, ErrNoEntitlement):
		outcome = "no_entitlement"
	case errors.Is(err, ErrQuotaExceeded):
		outcome = "quota_exceeded"
	case errors.Is(err, ErrServiceNotFound):
		outcome = "service_not_found"
	case errors.Is(err, ErrOutsideAvailability):
		outcome = "outside_availability"
	case errors.Is(err, access.ErrForbidden):
		outcome = "forbidden"
	default:
		outcome = "error"
	}
	s.metrics.ObserveBookingAttempt(outcome)
}
