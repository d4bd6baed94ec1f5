package booking

import (
	"context"
	"time"

	"github.com/wolfman30/salon-subscriptions/internal/billing"
)

// entitlement resolves the subscription that grants userID access at now.
func entitlement(ctx context.Context, r Reader, userID string, now time.Time, grace time.Duration) (billing.Entitlement, bool, error) {
	subs, err := r.Subscriptions(ctx, userID)
	if err != nil {
		return billing.Entitlement{}, false, err
	}
	sub, ok := billing.SelectEntitlement(subs, now, grace)
	if !ok {
		return billing.Entitlement{}, false, nil
	}
	plan, err := r.PlanTerms(ctx, sub.PlanID)
	if err != nil {
		return billing.Entitlement{}, false, err
	}
	return billing.Entitlement{Subscription: sub, Plan: plan}, true, nil
}

// usage computes the quota ledger for the calendar month containing at. A user
// without a valid subscription has a cap of zero.
func usage(ctx context.Context, r Reader, userID string, at time.Time, loc *time.Location, now time.Time, grace time.Duration) (Usage, error) {
	from, to := MonthBounds(at, loc)
	month := from.Format("2006-01")

	ent, ok, err := entitlement(ctx, r, userID, now, grace)
	if err != nil {
		return Usage{}, err
	}
	consumed, err := r.CountConsuming(ctx, userID, from, to)
	if err != nil {
		return Usage{}, err
	}
	if !ok {
		zero := 0
		return newUsage(month, &zero, consumed), nil
	}
	u := newUsage(month, ent.Plan.MonthlyCap, consumed)
	u.SubscriptionID = ent.Subscription.ID
	u.PlanID = ent.Plan.ID
	return u, nil
}
