package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/wolfman30/salon-subscriptions/internal/events"
)

// DB is satisfied by *pgxpool.Pool and pgxmock pools.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PGStore implements Store over Postgres.
type PGStore struct {
	pgQueries
	pool DB
}

func NewPGStore(pool DB) *PGStore {
	if pool == nil {
		panic("billing: pgx pool required")
	}
	return &PGStore{pgQueries: pgQueries{db: pool}, pool: pool}
}

func (s *PGStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("billing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{pgQueries: pgQueries{db: tx}}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("billing: commit tx: %w", err)
	}
	return nil
}

type pgQueries struct {
	db events.DB
}

const subscriptionColumns = `id, user_id, plan_id, status, start_date, end_date, COALESCE(external_id, ''), last_event_at, created_at, updated_at`

func (q pgQueries) PlanTerms(ctx context.Context, planID string) (PlanTerms, error) {
	query := `SELECT id, name, price_cents, monthly_cap, commission_rate_bps FROM plans WHERE id = $1`
	var p PlanTerms
	var limit, rate pgtype.Int4
	if err := q.db.QueryRow(ctx, query, planID).Scan(&p.ID, &p.Name, &p.PriceCents, &limit, &rate); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PlanTerms{}, ErrNotFound
		}
		return PlanTerms{}, fmt.Errorf("billing: load plan: %w", err)
	}
	p.MonthlyCap = intPtr(limit)
	p.CommissionRateBPS = intPtr(rate)
	return p, nil
}

func (q pgQueries) Subscription(ctx context.Context, id string) (Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`
	s, err := scanSubscription(q.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Subscription{}, ErrNotFound
		}
		return Subscription{}, fmt.Errorf("billing: load subscription: %w", err)
	}
	return s, nil
}

func (q pgQueries) UserSubscriptions(ctx context.Context, userID string) ([]Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE user_id = $1 AND status IN ('ACTIVE', 'CANCELED')
		ORDER BY start_date DESC, id
	`
	rows, err := q.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("billing: list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("billing: scan subscription: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (q pgQueries) Payments(ctx context.Context, subscriptionID string) ([]Payment, error) {
	query := `
		SELECT id, subscription_id, amount_cents, currency, method, status, COALESCE(reference, ''), paid_at, created_at
		FROM payments
		WHERE subscription_id = $1
		ORDER BY paid_at, created_at
	`
	rows, err := q.db.Query(ctx, query, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("billing: list payments: %w", err)
	}
	defer rows.Close()

	var out []Payment
	for rows.Next() {
		var p Payment
		var status string
		if err := rows.Scan(&p.ID, &p.SubscriptionID, &p.AmountCents, &p.Currency, &p.Method, &status, &p.Reference, &p.PaidAt, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("billing: scan payment: %w", err)
		}
		p.Status = PaymentStatus(status)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (q pgQueries) UserForCustomer(ctx context.Context, provider, customerID string) (string, error) {
	query := `SELECT user_id FROM billing_customers WHERE provider = $1 AND customer_id = $2`
	var userID string
	if err := q.db.QueryRow(ctx, query, provider, customerID).Scan(&userID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("billing: resolve customer: %w", err)
	}
	return userID, nil
}

type pgTx struct {
	pgQueries
}

func (t *pgTx) MarkEventProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	return events.NewProcessedStore(t.db).MarkProcessed(ctx, provider, eventID)
}

func (t *pgTx) LockUser(ctx context.Context, userID string) (bool, error) {
	var id string
	err := t.db.QueryRow(ctx, `SELECT id FROM users WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, userID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("billing: lock user: %w", err)
	}
	return true, nil
}

func (t *pgTx) SubscriptionByExternal(ctx context.Context, externalID string) (Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE external_id = $1 FOR UPDATE`
	s, err := scanSubscription(t.db.QueryRow(ctx, query, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Subscription{}, ErrNotFound
		}
		return Subscription{}, fmt.Errorf("billing: load subscription by external id: %w", err)
	}
	return s, nil
}

func (t *pgTx) LinkCustomer(ctx context.Context, provider, customerID, userID string) error {
	query := `
		INSERT INTO billing_customers (provider, customer_id, user_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (provider, customer_id) DO UPDATE SET user_id = EXCLUDED.user_id
	`
	if _, err := t.db.Exec(ctx, query, provider, customerID, userID); err != nil {
		return fmt.Errorf("billing: link customer: %w", err)
	}
	return nil
}

func (t *pgTx) InsertSubscription(ctx context.Context, s *Subscription) error {
	if s.ID == "" {
		s.ID = newID()
	}
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	query := `
		INSERT INTO subscriptions (id, user_id, plan_id, status, start_date, end_date, external_id, last_event_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $9)
	`
	if _, err := t.db.Exec(ctx, query, s.ID, s.UserID, s.PlanID, string(s.Status), s.StartDate, s.EndDate, s.ExternalID, nullTime(s.LastEventAt), now); err != nil {
		return fmt.Errorf("billing: insert subscription: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateSubscription(ctx context.Context, s Subscription) error {
	query := `
		UPDATE subscriptions
		SET status = $2, end_date = $3, external_id = NULLIF($4, ''), last_event_at = $5, updated_at = now()
		WHERE id = $1
	`
	ct, err := t.db.Exec(ctx, query, s.ID, string(s.Status), s.EndDate, s.ExternalID, nullTime(s.LastEventAt))
	if err != nil {
		return fmt.Errorf("billing: update subscription: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertPayment(ctx context.Context, p *Payment) error {
	if p.ID == "" {
		p.ID = newID()
	}
	p.CreatedAt = time.Now().UTC()
	query := `
		INSERT INTO payments (id, subscription_id, amount_cents, currency, method, status, reference, paid_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9)
	`
	if _, err := t.db.Exec(ctx, query, p.ID, p.SubscriptionID, p.AmountCents, p.Currency, p.Method, string(p.Status), p.Reference, p.PaidAt, p.CreatedAt); err != nil {
		return fmt.Errorf("billing: insert payment: %w", err)
	}
	return nil
}

func (t *pgTx) ExpireLapsed(ctx context.Context, activeCutoff, canceledCutoff time.Time) ([]Subscription, error) {
	query := `
		UPDATE subscriptions
		SET status = 'EXPIRED', updated_at = now()
		WHERE (status = 'ACTIVE' AND end_date <= $1)
		   OR (status = 'CANCELED' AND end_date <= $2)
		RETURNING ` + subscriptionColumns
	rows, err := t.db.Query(ctx, query, activeCutoff, canceledCutoff)
	if err != nil {
		return nil, fmt.Errorf("billing: expire lapsed: %w", err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("billing: scan expired: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *pgTx) AppendOutbox(ctx context.Context, aggregateID, eventType string, payload any) error {
	_, err := events.NewOutboxStore(t.db).Insert(ctx, aggregateID, eventType, payload)
	return err
}

func scanSubscription(row pgx.Row) (Subscription, error) {
	var s Subscription
	var status string
	var lastEvent pgtype.Timestamptz
	if err := row.Scan(&s.ID, &s.UserID, &s.PlanID, &status, &s.StartDate, &s.EndDate, &s.ExternalID, &lastEvent, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return Subscription{}, err
	}
	s.Status = Status(status)
	if lastEvent.Valid {
		s.LastEventAt = lastEvent.Time
	}
	return s, nil
}

func intPtr(v pgtype.Int4) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int32)
	return &n
}

func nullTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}
