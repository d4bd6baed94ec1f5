package billing

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/wolfman30/salon-subscriptions/internal/events"
	"github.com/wolfman30/salon-subscriptions/pkg/logging"
)

// Sweeper expires subscriptions whose entitlement has lapsed.
type Sweeper struct {
	store   Store
	grace   time.Duration
	timeout time.Duration
	logger  *logging.Logger
	now     func() time.Time
}

func NewSweeper(store Store, grace time.Duration, logger *logging.Logger) *Sweeper {
	if store == nil {
		panic("billing: store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Sweeper{store: store, grace: grace, timeout: time.Minute, logger: logger, now: time.Now}
}

// Sweep marks ACTIVE subscriptions past end+grace and CANCELED ones past end
// as EXPIRED. Running it again changes nothing.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now().UTC()
	var expired []Subscription
	err := s.store.WithTx(ctx, func(tx Tx) error {
		var err error
		expired, err = tx.ExpireLapsed(ctx, now.Add(-s.grace), now)
		if err != nil {
			return err
		}
		for _, sub := range expired {
			if err := tx.AppendOutbox(ctx, sub.ID, events.TypeSubscriptionChanged, SubscriptionChanged{
				SubscriptionID: sub.ID,
				UserID:         sub.UserID,
				PlanID:         sub.PlanID,
				Status:         sub.Status,
				EndDate:        sub.EndDate,
				Cause:          "expired",
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(expired) > 0 {
		s.logger.Info("subscriptions expired", "count", len(expired))
	}
	return len(expired), nil
}

// Schedule registers the sweep on c using a standard cron spec or descriptor
// such as "@every 15m".
func (s *Sweeper) Schedule(ctx context.Context, c *cron.Cron, spec string) (cron.EntryID, error) {
	return c.AddFunc(spec, func() {
		runCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		if _, err := s.Sweep(runCtx); err != nil {
			s.logger.Error("expiry sweep failed", "error", err)
		}
	})
}
