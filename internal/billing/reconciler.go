package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/google/uuid"
	"github.com/wolfman30/salon-subscriptions/internal/events"
	"github.com/wolfman30/salon-subscriptions/pkg/logging"
)

var billingTracer = otel.Tracer("salon.internal.billing")

type eventRecorder interface {
	ObserveBillingEvent(kind, result string)
}

// SubscriptionChanged is the outbox payload for subscription state changes.
type SubscriptionChanged struct {
	SubscriptionID string    `json:"subscription_id"`
	UserID         string    `json:"user_id"`
	PlanID         string    `json:"plan_id"`
	Status         Status    `json:"status"`
	EndDate        time.Time `json:"end_date"`
	Cause          string    `json:"cause"`
}

// Reconciler applies external billing events to local subscriptions and payments.
// Every event runs in one transaction together with its idempotency mark, so a
// redelivered event id is never applied twice.
type Reconciler struct {
	store   Store
	logger  *logging.Logger
	metrics eventRecorder
	now     func() time.Time
}

func NewReconciler(store Store, logger *logging.Logger) *Reconciler {
	if store == nil {
		panic("billing: store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Reconciler{store: store, logger: logger, now: time.Now}
}

// WithMetrics attaches a recorder for per-kind outcomes.
func (r *Reconciler) WithMetrics(m eventRecorder) *Reconciler {
	r.metrics = m
	return r
}

// Apply reconciles one event. Duplicates return ErrDuplicateEvent; events that
// reference unknown users or subscriptions are dropped with a nil error.
func (r *Reconciler) Apply(ctx context.Context, evt Event) (Result, error) {
	ctx, span := billingTracer.Start(ctx, "billing.reconcile")
	defer span.End()
	span.SetAttributes(
		attribute.String("salon.event_id", evt.ID),
		attribute.String("salon.event_kind", string(evt.Kind)),
	)

	if evt.Provider == "" || evt.ID == "" {
		return Result{}, fmt.Errorf("billing: event id required")
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = r.now().UTC()
	}

	var res Result
	err := r.store.WithTx(ctx, func(tx Tx) error {
		fresh, err := tx.MarkEventProcessed(ctx, evt.Provider, evt.ID)
		if err != nil {
			return err
		}
		if !fresh {
			res = Result{Outcome: OutcomeDuplicate}
			return ErrDuplicateEvent
		}
		switch evt.Kind {
		case KindCheckoutCompleted:
			res, err = r.checkoutCompleted(ctx, tx, evt)
		case KindInvoicePaid:
			res, err = r.invoicePaid(ctx, tx, evt)
		case KindSubscriptionCanceled:
			res, err = r.subscriptionCanceled(ctx, tx, evt)
		case KindSubscriptionUpdated:
			res, err = r.subscriptionUpdated(ctx, tx, evt)
		default:
			res = dropped("unsupported kind")
		}
		return err
	})

	switch {
	case errors.Is(err, ErrDuplicateEvent):
		r.record(evt.Kind, OutcomeDuplicate)
		r.logger.Debug("billing event already applied", "event_id", evt.ID, "kind", evt.Kind)
		return res, err
	case err != nil:
		span.RecordError(err)
		r.record(evt.Kind, "error")
		return Result{}, fmt.Errorf("billing: apply %s: %w", evt.Kind, err)
	}

	r.record(evt.Kind, res.Outcome)
	if res.Outcome == OutcomeDropped {
		r.logger.Warn("billing event dropped", "event_id", evt.ID, "kind", evt.Kind, "reason", res.Reason,
			"user_id", evt.UserID, "customer_id", evt.CustomerID)
	} else {
		r.logger.Info("billing event reconciled", "event_id", evt.ID, "kind", evt.Kind, "outcome", res.Outcome,
			"subscription_id", res.SubscriptionID, "payment_id", res.PaymentID)
	}
	return res, nil
}

func (r *Reconciler) record(kind Kind, outcome Outcome) {
	if r.metrics != nil {
		r.metrics.ObserveBillingEvent(string(kind), string(outcome))
	}
}

func dropped(reason string) Result {
	return Result{Outcome: OutcomeDropped, Reason: reason}
}

// checkoutCompleted creates the subscription unless the user already holds an
// ACTIVE one for the same plan, and always appends the payment.
func (r *Reconciler) checkoutCompleted(ctx context.Context, tx Tx, evt Event) (Result, error) {
	if evt.UserID == "" || evt.PlanID == "" {
		return dropped("missing user or plan reference"), nil
	}
	exists, err := tx.LockUser(ctx, evt.UserID)
	if err != nil {
		return Result{}, err
	}
	if !exists {
		return dropped("unknown user"), nil
	}
	if _, err := tx.PlanTerms(ctx, evt.PlanID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return dropped("unknown plan"), nil
		}
		return Result{}, err
	}
	if evt.CustomerID != "" {
		if err := tx.LinkCustomer(ctx, evt.Provider, evt.CustomerID, evt.UserID); err != nil {
			return Result{}, err
		}
	}

	subs, err := tx.UserSubscriptions(ctx, evt.UserID)
	if err != nil {
		return Result{}, err
	}

	start := evt.PeriodStart
	if start.IsZero() {
		start = evt.OccurredAt
	}
	end := evt.PeriodEnd
	if !end.After(start) {
		end = start.AddDate(0, 1, 0)
	}

	var current *Subscription
	for i := range subs {
		if subs[i].Status == StatusActive && subs[i].PlanID == evt.PlanID {
			current = &subs[i]
			break
		}
	}

	res := Result{Outcome: OutcomeApplied}
	if current == nil {
		// Supersede whatever still grants access so exactly one subscription is valid.
		for _, prior := range subs {
			if prior.Status == StatusExpired {
				continue
			}
			prior.Status = StatusExpired
			if prior.EndDate.After(start) {
				prior.EndDate = start
			}
			prior.LastEventAt = evt.OccurredAt
			if err := tx.UpdateSubscription(ctx, prior); err != nil {
				return Result{}, err
			}
			if err := r.emit(ctx, tx, prior, "superseded"); err != nil {
				return Result{}, err
			}
		}
		sub := &Subscription{
			UserID:      evt.UserID,
			PlanID:      evt.PlanID,
			Status:      StatusActive,
			StartDate:   start,
			EndDate:     end,
			ExternalID:  evt.ExternalSubscriptionID,
			LastEventAt: evt.OccurredAt,
		}
		if err := tx.InsertSubscription(ctx, sub); err != nil {
			return Result{}, err
		}
		if err := r.emit(ctx, tx, *sub, string(evt.Kind)); err != nil {
			return Result{}, err
		}
		current = sub
	} else {
		changed := false
		if current.ExternalID == "" && evt.ExternalSubscriptionID != "" {
			current.ExternalID = evt.ExternalSubscriptionID
			changed = true
		}
		if end.After(current.EndDate) {
			current.EndDate = end
			changed = true
		}
		if changed {
			if err := tx.UpdateSubscription(ctx, *current); err != nil {
				return Result{}, err
			}
		}
	}
	res.SubscriptionID = current.ID

	payment := &Payment{
		SubscriptionID: current.ID,
		AmountCents:    evt.AmountCents,
		Currency:       evt.Currency,
		Method:         evt.Provider + "_checkout",
		Status:         PaymentCompleted,
		Reference:      evt.Reference,
		PaidAt:         evt.OccurredAt,
	}
	if err := tx.InsertPayment(ctx, payment); err != nil {
		return Result{}, err
	}
	res.PaymentID = payment.ID
	return res, nil
}

// invoicePaid extends the matching ACTIVE subscription and appends a payment.
func (r *Reconciler) invoicePaid(ctx context.Context, tx Tx, evt Event) (Result, error) {
	userID, res, err := r.resolveUser(ctx, tx, evt)
	if err != nil || userID == "" {
		return res, err
	}
	subs, err := tx.UserSubscriptions(ctx, userID)
	if err != nil {
		return Result{}, err
	}
	target := matchSubscription(subs, evt.ExternalSubscriptionID, func(s Subscription) bool { return s.Status == StatusActive })
	if target == nil && evt.ExternalSubscriptionID != "" {
		// The sweeper may have expired the row before a late renewal arrived.
		lapsed, err := tx.SubscriptionByExternal(ctx, evt.ExternalSubscriptionID)
		switch {
		case err == nil && lapsed.UserID == userID:
			target = &lapsed
		case err != nil && !errors.Is(err, ErrNotFound):
			return Result{}, err
		}
	}
	if target == nil {
		return dropped("no subscription for invoice"), nil
	}

	res = Result{Outcome: OutcomeNoop, SubscriptionID: target.ID}
	if target.Status == StatusExpired {
		if evt.PeriodEnd.After(r.now()) {
			if err := r.revive(ctx, tx, subs, target, evt); err != nil {
				return Result{}, err
			}
			res.Outcome = OutcomeApplied
		}
	} else if evt.PeriodEnd.After(target.EndDate) {
		target.EndDate = evt.PeriodEnd
		if target.ExternalID == "" {
			target.ExternalID = evt.ExternalSubscriptionID
		}
		if err := tx.UpdateSubscription(ctx, *target); err != nil {
			return Result{}, err
		}
		if err := r.emit(ctx, tx, *target, string(evt.Kind)); err != nil {
			return Result{}, err
		}
		res.Outcome = OutcomeApplied
	}
	if evt.FirstInvoice {
		return res, nil
	}
	// invoice.paid and invoice.payment_succeeded describe the same charge under different event ids.
	if evt.Reference != "" {
		existing, err := tx.Payments(ctx, target.ID)
		if err != nil {
			return Result{}, err
		}
		for _, p := range existing {
			if p.Reference == evt.Reference {
				return res, nil
			}
		}
	}

	payment := &Payment{
		SubscriptionID: target.ID,
		AmountCents:    evt.AmountCents,
		Currency:       evt.Currency,
		Method:         evt.Provider + "_invoice",
		Status:         PaymentCompleted,
		Reference:      evt.Reference,
		PaidAt:         evt.OccurredAt,
	}
	if err := tx.InsertPayment(ctx, payment); err != nil {
		return Result{}, err
	}
	res.Outcome = OutcomeApplied
	res.PaymentID = payment.ID
	return res, nil
}

// revive reactivates an expired subscription whose renewal was paid, expiring
// whatever else still grants access in the same transaction.
func (r *Reconciler) revive(ctx context.Context, tx Tx, subs []Subscription, target *Subscription, evt Event) error {
	for _, prior := range subs {
		if prior.ID == target.ID || prior.Status == StatusExpired {
			continue
		}
		prior.Status = StatusExpired
		if prior.EndDate.After(evt.OccurredAt) {
			prior.EndDate = evt.OccurredAt
		}
		prior.LastEventAt = evt.OccurredAt
		if err := tx.UpdateSubscription(ctx, prior); err != nil {
			return err
		}
		if err := r.emit(ctx, tx, prior, "superseded"); err != nil {
			return err
		}
	}
	target.Status = StatusActive
	if evt.PeriodEnd.After(target.EndDate) {
		target.EndDate = evt.PeriodEnd
	}
	target.LastEventAt = evt.OccurredAt
	if err := tx.UpdateSubscription(ctx, *target); err != nil {
		return err
	}
	return r.emit(ctx, tx, *target, "renewed")
}

// subscriptionCanceled stops renewal. The end date is kept so access lapses naturally.
func (r *Reconciler) subscriptionCanceled(ctx context.Context, tx Tx, evt Event) (Result, error) {
	userID, res, err := r.resolveUser(ctx, tx, evt)
	if err != nil || userID == "" {
		return res, err
	}
	subs, err := tx.UserSubscriptions(ctx, userID)
	if err != nil {
		return Result{}, err
	}
	res = Result{Outcome: OutcomeNoop}
	for _, s := range subs {
		if s.Status != StatusActive || !sameExternal(s, evt.ExternalSubscriptionID) || evt.OccurredAt.Before(s.LastEventAt) {
			continue
		}
		s.Status = StatusCanceled
		s.LastEventAt = evt.OccurredAt
		if err := tx.UpdateSubscription(ctx, s); err != nil {
			return Result{}, err
		}
		if err := r.emit(ctx, tx, s, string(evt.Kind)); err != nil {
			return Result{}, err
		}
		res = Result{Outcome: OutcomeApplied, SubscriptionID: s.ID}
	}
	return res, nil
}

// subscriptionUpdated copies status and period end from the provider. Events
// older than the last applied one, or carrying identical data, change nothing.
func (r *Reconciler) subscriptionUpdated(ctx context.Context, tx Tx, evt Event) (Result, error) {
	userID, res, err := r.resolveUser(ctx, tx, evt)
	if err != nil || userID == "" {
		return res, err
	}
	subs, err := tx.UserSubscriptions(ctx, userID)
	if err != nil {
		return Result{}, err
	}
	now := r.now()
	target := matchSubscription(subs, evt.ExternalSubscriptionID, func(s Subscription) bool {
		return s.Status == StatusActive || (s.Status == StatusCanceled && s.EntitledAt(now, 0))
	})
	if target == nil {
		return dropped("no matching subscription"), nil
	}
	res = Result{Outcome: OutcomeNoop, SubscriptionID: target.ID}
	if evt.OccurredAt.Before(target.LastEventAt) {
		return res, nil
	}

	next := *target
	switch mapProviderStatus(evt.ProviderStatus, evt.CancelAtPeriodEnd) {
	case StatusActive:
		if next.Status == StatusCanceled && hasOtherActive(subs, next.ID) {
			break
		}
		next.Status = StatusActive
	case StatusCanceled:
		next.Status = StatusCanceled
	case StatusExpired:
		next.Status = StatusExpired
	}
	if evt.PeriodEnd.After(next.EndDate) {
		next.EndDate = evt.PeriodEnd
	}
	if next.ExternalID == "" {
		next.ExternalID = evt.ExternalSubscriptionID
	}
	if next.Status == target.Status && next.EndDate.Equal(target.EndDate) && next.ExternalID == target.ExternalID {
		return res, nil
	}
	next.LastEventAt = evt.OccurredAt
	if err := tx.UpdateSubscription(ctx, next); err != nil {
		return Result{}, err
	}
	if err := r.emit(ctx, tx, next, string(evt.Kind)); err != nil {
		return Result{}, err
	}
	res.Outcome = OutcomeApplied
	return res, nil
}

// resolveUser maps the provider customer to a local user, falling back to the
// user reference carried in event metadata. A zero user id means the event was dropped.
func (r *Reconciler) resolveUser(ctx context.Context, tx Tx, evt Event) (string, Result, error) {
	userID := ""
	mapped := false
	if evt.CustomerID != "" {
		id, err := tx.UserForCustomer(ctx, evt.Provider, evt.CustomerID)
		switch {
		case err == nil:
			userID, mapped = id, true
		case !errors.Is(err, ErrNotFound):
			return "", Result{}, err
		}
	}
	if userID == "" {
		userID = evt.UserID
	}
	if userID == "" {
		return "", dropped("unknown customer"), nil
	}
	exists, err := tx.LockUser(ctx, userID)
	if err != nil {
		return "", Result{}, err
	}
	if !exists {
		return "", dropped("unknown user"), nil
	}
	if !mapped && evt.CustomerID != "" {
		if err := tx.LinkCustomer(ctx, evt.Provider, evt.CustomerID, userID); err != nil {
			return "", Result{}, err
		}
	}
	return userID, Result{}, nil
}

func (r *Reconciler) emit(ctx context.Context, tx Tx, s Subscription, cause string) error {
	return tx.AppendOutbox(ctx, s.ID, events.TypeSubscriptionChanged, SubscriptionChanged{
		SubscriptionID: s.ID,
		UserID:         s.UserID,
		PlanID:         s.PlanID,
		Status:         s.Status,
		EndDate:        s.EndDate,
		Cause:          cause,
	})
}

// matchSubscription prefers the row carrying the provider subscription id and
// otherwise takes the first row accepted by fallback.
func matchSubscription(subs []Subscription, externalID string, fallback func(Subscription) bool) *Subscription {
	if externalID != "" {
		for i := range subs {
			if subs[i].ExternalID == externalID {
				return &subs[i]
			}
		}
	}
	for i := range subs {
		if fallback(subs[i]) && sameExternal(subs[i], externalID) {
			return &subs[i]
		}
	}
	return nil
}

// sameExternal is false only when both sides carry different provider ids.
func sameExternal(s Subscription, externalID string) bool {
	return externalID == "" || s.ExternalID == "" || s.ExternalID == externalID
}

func hasOtherActive(subs []Subscription, id string) bool {
	for _, s := range subs {
		if s.ID != id && s.Status == StatusActive {
			return true
		}
	}
	return false
}

func mapProviderStatus(status string, cancelAtPeriodEnd bool) Status {
	switch status {
	case "active", "trialing", "past_due", "unpaid":
		if cancelAtPeriodEnd {
			return StatusCanceled
		}
		return StatusActive
	case "canceled":
		return StatusCanceled
	case "incomplete_expired":
		return StatusExpired
	}
	return ""
}

func newID() string { return uuid.NewString() }
