package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfman30/salon-subscriptions/internal/access"
	"github.com/wolfman30/salon-subscriptions/internal/events"
	"github.com/wolfman30/salon-subscriptions/internal/identity"
	"github.com/wolfman30/salon-subscriptions/pkg/logging"
)

type checkoutCreator interface {
	CreateSubscriptionCheckout(ctx context.Context, params CheckoutParams) (CheckoutSession, error)
}

type renewalCanceler interface {
	CancelAtPeriodEnd(ctx context.Context, externalID string) error
}

// CurrentView is the caller's entitlement with its payment history.
type CurrentView struct {
	Entitlement
	Payments []Payment `json:"payments"`
}

// Service covers the user-facing subscription operations.
type Service struct {
	store    Store
	checkout checkoutCreator
	canceler renewalCanceler
	grace    time.Duration
	logger   *logging.Logger
	now      func() time.Time
}

func NewService(store Store, checkout checkoutCreator, canceler renewalCanceler, grace time.Duration, logger *logging.Logger) *Service {
	if store == nil {
		panic("billing: store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{store: store, checkout: checkout, canceler: canceler, grace: grace, logger: logger, now: time.Now}
}

// StartCheckout opens a provider checkout for planID.
func (s *Service) StartCheckout(ctx context.Context, caller identity.Caller, planID string) (CheckoutSession, error) {
	if err := access.Check(caller, access.OpSubscribe); err != nil {
		return CheckoutSession{}, err
	}
	if s.checkout == nil {
		return CheckoutSession{}, ErrCheckoutDisabled
	}
	plan, err := s.store.PlanTerms(ctx, planID)
	if err != nil {
		return CheckoutSession{}, err
	}
	return s.checkout.CreateSubscriptionCheckout(ctx, CheckoutParams{
		UserID:     caller.UserID,
		Email:      caller.Email,
		PlanID:     plan.ID,
		PlanName:   plan.Name,
		PriceCents: plan.PriceCents,
	})
}

// Current returns the subscription that grants the caller access now.
func (s *Service) Current(ctx context.Context, caller identity.Caller) (CurrentView, error) {
	subs, err := s.store.UserSubscriptions(ctx, caller.UserID)
	if err != nil {
		return CurrentView{}, err
	}
	sub, ok := SelectEntitlement(subs, s.now(), s.grace)
	if !ok {
		return CurrentView{}, ErrNotFound
	}
	plan, err := s.store.PlanTerms(ctx, sub.PlanID)
	if err != nil {
		return CurrentView{}, fmt.Errorf("billing: plan for subscription %s: %w", sub.ID, err)
	}
	payments, err := s.store.Payments(ctx, sub.ID)
	if err != nil {
		return CurrentView{}, err
	}
	if payments == nil {
		payments = []Payment{}
	}
	return CurrentView{Entitlement: Entitlement{Subscription: sub, Plan: plan}, Payments: payments}, nil
}

// Cancel stops renewal of an ACTIVE subscription that has not reached its end
// date. Owners cancel their own; admins may cancel any. Access continues until
// the end date.
func (s *Service) Cancel(ctx context.Context, caller identity.Caller, subscriptionID string) (Subscription, error) {
	if caller.UserID == "" {
		return Subscription{}, access.ErrForbidden
	}
	var canceled Subscription
	err := s.store.WithTx(ctx, func(tx Tx) error {
		sub, err := tx.Subscription(ctx, subscriptionID)
		if err != nil {
			return err
		}
		if sub.UserID != caller.UserID && !caller.IsAdmin() {
			return access.ErrForbidden
		}
		if _, err := tx.LockUser(ctx, sub.UserID); err != nil {
			return err
		}
		// Re-read under the user lock so a concurrent webhook is not overwritten.
		sub, err = tx.Subscription(ctx, subscriptionID)
		if err != nil {
			return err
		}
		if sub.Status != StatusActive || !s.now().Before(sub.EndDate) {
			return ErrNotCancelable
		}
		sub.Status = StatusCanceled
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return err
		}
		canceled = sub
		return tx.AppendOutbox(ctx, sub.ID, events.TypeSubscriptionChanged, SubscriptionChanged{
			SubscriptionID: sub.ID,
			UserID:         sub.UserID,
			PlanID:         sub.PlanID,
			Status:         sub.Status,
			EndDate:        sub.EndDate,
			Cause:          "user_canceled",
		})
	})
	if err != nil {
		return Subscription{}, err
	}

	if s.canceler != nil && canceled.ExternalID != "" {
		if err := s.canceler.CancelAtPeriodEnd(ctx, canceled.ExternalID); err != nil {
			s.logger.Error("provider renewal cancel failed", "error", err, "subscription_id", canceled.ID)
		}
	}
	s.logger.Info("subscription canceled", "subscription_id", canceled.ID, "user_id", canceled.UserID,
		"canceled_by", caller.UserID, "end_date", canceled.EndDate)
	return canceled, nil
}

