// Package dashboard serves the platform overview for admins.
package dashboard

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Counts are the platform totals shown on the admin dashboard.
type Counts struct {
	UsersByRole           map[string]int64 `json:"users_by_role"`
	PendingSalons         int64            `json:"pending_salons"`
	ActiveSubscriptions   int64            `json:"active_subscriptions"`
	ScheduledThisMonth    int64            `json:"scheduled_this_month"`
	UnpaidCommissionCents int64            `json:"unpaid_commission_cents"`
}

// Repository reads dashboard totals through database/sql.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	if db == nil {
		panic("dashboard: sql db required")
	}
	return &Repository{db: db}
}

// Counts computes the totals at now. A subscription counts while it still
// entitles its user: ACTIVE until end_date plus grace, CANCELED until end_date.
func (r *Repository) Counts(ctx context.Context, now time.Time, grace time.Duration, monthStart, monthEnd time.Time) (Counts, error) {
	out := Counts{UsersByRole: map[string]int64{}}

	rows, err := r.db.QueryContext(ctx, `
		SELECT role, COUNT(*) FROM users
		WHERE deleted_at IS NULL
		GROUP BY role`)
	if err != nil {
		return Counts{}, fmt.Errorf("dashboard: users by role: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			role  string
			count int64
		)
		if err := rows.Scan(&role, &count); err != nil {
			return Counts{}, fmt.Errorf("dashboard: scan role count: %w", err)
		}
		out.UsersByRole[role] = count
	}
	if err := rows.Err(); err != nil {
		return Counts{}, fmt.Errorf("dashboard: iterate roles: %w", err)
	}

	err = r.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM salons WHERE status = 'PENDING'),
			(SELECT COUNT(*) FROM subscriptions
			 WHERE (status = 'ACTIVE' AND end_date > $1) OR (status = 'CANCELED' AND end_date > $2)),
			(SELECT COUNT(*) FROM appointments
			 WHERE status = 'SCHEDULED' AND scheduled_at >= $3 AND scheduled_at < $4),
			(SELECT COALESCE(SUM(amount_cents), 0) FROM commissions WHERE NOT paid)`,
		now.Add(-grace), now, monthStart, monthEnd,
	).Scan(&out.PendingSalons, &out.ActiveSubscriptions, &out.ScheduledThisMonth, &out.UnpaidCommissionCents)
	if err != nil {
		return Counts{}, fmt.Errorf("dashboard: totals: %w", err)
	}
	return out, nil
}
