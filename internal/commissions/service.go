package commissions

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfman30/salon-subscriptions/internal/access"
	"github.com/wolfman30/salon-subscriptions/internal/identity"
	"github.com/wolfman30/salon-subscriptions/pkg/logging"
)

type ledgerStore interface {
	MarkPaid(ctx context.Context, id string, at time.Time) (Commission, error)
	Summary(ctx context.Context, salonID string, from, to time.Time) (Summary, error)
	PayableBySalon(ctx context.Context) ([]SalonPayable, error)
}

// SalonResolver maps a partner to the salon they own.
type SalonResolver interface {
	SalonIDForOwner(ctx context.Context, ownerID string) (string, bool, error)
}

// Service exposes the commission ledger to partners and admins.
type Service struct {
	store  ledgerStore
	salons SalonResolver
	logger *logging.Logger
	now    func() time.Time
}

func NewService(store ledgerStore, salons SalonResolver, logger *logging.Logger) *Service {
	if store == nil {
		panic("commissions: store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{store: store, salons: salons, logger: logger, now: time.Now}
}

// PartnerSummary reports the caller's salon payable and the paid total in [from, to).
func (s *Service) PartnerSummary(ctx context.Context, caller identity.Caller, from, to time.Time) (Summary, error) {
	if err := access.Check(caller, access.OpManageAppointments); err != nil {
		return Summary{}, err
	}
	if s.salons == nil {
		return Summary{}, ErrNotFound
	}
	salonID, ok, err := s.salons.SalonIDForOwner(ctx, caller.UserID)
	if err != nil {
		return Summary{}, fmt.Errorf("commissions: resolve salon: %w", err)
	}
	if !ok {
		return Summary{}, ErrNotFound
	}
	if !to.After(from) {
		return Summary{}, fmt.Errorf("commissions: empty period %s..%s", from.Format(time.DateOnly), to.Format(time.DateOnly))
	}
	return s.store.Summary(ctx, salonID, from, to)
}

// Payable lists unpaid totals for every salon.
func (s *Service) Payable(ctx context.Context, caller identity.Caller) ([]SalonPayable, error) {
	if err := access.Check(caller, access.OpManagePayouts); err != nil {
		return nil, err
	}
	return s.store.PayableBySalon(ctx)
}

// MarkPaid settles one commission. A second call fails with ErrAlreadyPaid.
func (s *Service) MarkPaid(ctx context.Context, caller identity.Caller, id string) (Commission, error) {
	if err := access.Check(caller, access.OpManagePayouts); err != nil {
		return Commission{}, err
	}
	c, err := s.store.MarkPaid(ctx, id, s.now().UTC())
	if err != nil {
		return Commission{}, err
	}
	s.logger.Info("commission paid", "commission_id", c.ID, "salon_id", c.SalonID, "amount_cents", c.AmountCents, "paid_by", caller.UserID)
	return c, nil
}
