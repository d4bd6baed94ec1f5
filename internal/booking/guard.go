package booking

import (
	"context"
	"slices"
	"time"

	"github.com/wolfman30/salon-subscriptions/internal/availability"
)

// checkSlot rejects times that are not generated slots of the offer or lie in
// the past. Every booking path goes through it.
func checkSlot(offer ServiceOffer, at time.Time, loc *time.Location, now time.Time) error {
	if !at.After(now) {
		return ErrOutsideAvailability
	}
	if !availability.IsSlot(offer.Window, at.In(loc)) {
		return ErrOutsideAvailability
	}
	return nil
}

// slotTaken is the read half of the conflict guard. The insert is still
// guarded by the store, so a false result only means "not taken yet".
func slotTaken(ctx context.Context, r Reader, offer ServiceOffer, at time.Time) (bool, error) {
	taken, err := r.TakenSlots(ctx, offer.ID, offer.SalonID, at, at.Add(time.Second))
	if err != nil {
		return false, err
	}
	return slices.ContainsFunc(taken, at.Equal), nil
}

// slotViews pairs every slot of date with its availability.
func slotViews(ctx context.Context, r Reader, offer ServiceOffer, date time.Time, loc *time.Location) ([]SlotView, error) {
	slots := availability.List(offer.Window, date.In(loc))
	if len(slots) == 0 {
		return []SlotView{}, nil
	}
	taken, err := r.TakenSlots(ctx, offer.ID, offer.SalonID, slots[0], slots[len(slots)-1].Add(time.Second))
	if err != nil {
		return nil, err
	}
	out := make([]SlotView, 0, len(slots))
	for _, s := range slots {
		out = append(out, SlotView{Start: s, Available: !slices.ContainsFunc(taken, s.Equal)})
	}
	return out, nil
}
