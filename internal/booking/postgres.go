package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/wolfman30/salon-subscriptions/internal/availability"
	"github.com/wolfman30/salon-subscriptions/internal/billing"
	"github.com/wolfman30/salon-subscriptions/internal/commissions"
	"github.com/wolfman30/salon-subscriptions/internal/events"
)

// activeSlotIndex is the partial unique index over non-canceled appointments.
const activeSlotIndex = "appointments_active_slot_idx"

// DB is satisfied by *pgxpool.Pool, pgx.Tx and pgxmock pools.
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
		panic("booking: pgx pool required")
	}
	return &PGStore{pgQueries: pgQueries{db: pool}, pool: pool}
}

func (s *PGStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("booking: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{pgQueries: pgQueries{db: tx}}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("booking: commit tx: %w", err)
	}
	return nil
}

type pgQueries struct {
	db DB
}

const appointmentColumns = `a.id, a.user_id, a.service_id, a.salon_id, COALESCE(a.subscription_id, ''), a.scheduled_at,
	a.price_charged_cents, a.commission_rate_bps, a.status, a.created_at, a.updated_at, s.owner_id`

func (q pgQueries) Service(ctx context.Context, serviceID string) (ServiceOffer, error) {
	return q.loadService(ctx, serviceID, "")
}

func (q pgQueries) loadService(ctx context.Context, serviceID, suffix string) (ServiceOffer, error) {
	query := `
		SELECT sv.id, sv.salon_id, s.owner_id, sv.name, sv.price_cents, sv.duration_minutes,
		       sv.available_days, sv.start_time, sv.end_time, s.status
		FROM services sv
		JOIN salons s ON s.id = sv.salon_id
		WHERE sv.id = $1 AND sv.deleted_at IS NULL` + suffix
	var (
		o           ServiceOffer
		minutes     int32
		days        []string
		start, end  string
		salonStatus string
	)
	err := q.db.QueryRow(ctx, query, serviceID).Scan(&o.ID, &o.SalonID, &o.SalonOwnerID, &o.Name, &o.PriceCents,
		&minutes, &days, &start, &end, &salonStatus)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ServiceOffer{}, ErrServiceNotFound
		}
		return ServiceOffer{}, fmt.Errorf("booking: load service: %w", err)
	}
	o.Window, err = windowFromColumns(days, start, end, minutes)
	if err != nil {
		return ServiceOffer{}, fmt.Errorf("booking: service %s window: %w", serviceID, err)
	}
	o.Bookable = salonStatus == "APPROVED"
	return o, nil
}

func windowFromColumns(days []string, start, end string, minutes int32) (availability.Window, error) {
	weekdays, err := availability.ParseWeekdays(days)
	if err != nil {
		return availability.Window{}, err
	}
	open, err := availability.ParseClock(start)
	if err != nil {
		return availability.Window{}, err
	}
	closing, err := availability.ParseClock(end)
	if err != nil {
		return availability.Window{}, err
	}
	return availability.Window{Days: weekdays, Start: open, End: closing, Duration: time.Duration(minutes) * time.Minute}, nil
}

func (q pgQueries) TakenSlots(ctx context.Context, serviceID, salonID string, from, to time.Time) ([]time.Time, error) {
	query := `
		SELECT scheduled_at FROM appointments
		WHERE service_id = $1 AND salon_id = $2 AND status <> 'CANCELED'
		  AND scheduled_at >= $3 AND scheduled_at < $4
		ORDER BY scheduled_at
	`
	rows, err := q.db.Query(ctx, query, serviceID, salonID, from, to)
	if err != nil {
		return nil, fmt.Errorf("booking: taken slots: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var at time.Time
		if err := rows.Scan(&at); err != nil {
			return nil, fmt.Errorf("booking: scan slot: %w", err)
		}
		out = append(out, at)
	}
	return out, rows.Err()
}

func (q pgQueries) Appointment(ctx context.Context, id string) (Appointment, error) {
	return q.loadAppointment(ctx, id, "")
}

func (q pgQueries) loadAppointment(ctx context.Context, id, suffix string) (Appointment, error) {
	query := `SELECT ` + appointmentColumns + ` FROM appointments a JOIN salons s ON s.id = a.salon_id WHERE a.id = $1` + suffix
	a, err := scanAppointment(q.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Appointment{}, ErrNotFound
		}
		return Appointment{}, fmt.Errorf("booking: load appointment: %w", err)
	}
	return a, nil
}

func (q pgQueries) ListForUser(ctx context.Context, userID string) ([]Appointment, error) {
	query := `SELECT ` + appointmentColumns + `
		FROM appointments a JOIN salons s ON s.id = a.salon_id
		WHERE a.user_id = $1
		ORDER BY a.scheduled_at DESC`
	return q.list(ctx, query, userID)
}

func (q pgQueries) ListForSalon(ctx context.Context, salonID string, from, to time.Time) ([]Appointment, error) {
	query := `SELECT ` + appointmentColumns + `
		FROM appointments a JOIN salons s ON s.id = a.salon_id
		WHERE a.salon_id = $1 AND a.scheduled_at >= $2 AND a.scheduled_at < $3
		ORDER BY a.scheduled_at`
	return q.list(ctx, query, salonID, from, to)
}

func (q pgQueries) list(ctx context.Context, query string, args ...any) ([]Appointment, error) {
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("booking: list appointments: %w", err)
	}
	defer rows.Close()

	out := []Appointment{}
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("booking: scan appointment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (q pgQueries) Subscriptions(ctx context.Context, userID string) ([]billing.Subscription, error) {
	return billing.NewPGStore(q.db).UserSubscriptions(ctx, userID)
}

func (q pgQueries) PlanTerms(ctx context.Context, planID string) (billing.PlanTerms, error) {
	return billing.NewPGStore(q.db).PlanTerms(ctx, planID)
}

func (q pgQueries) CountConsuming(ctx context.Context, userID string, from, to time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM appointments
		WHERE user_id = $1 AND status IN ('SCHEDULED', 'COMPLETED')
		  AND scheduled_at >= $2 AND scheduled_at < $3
	`
	var n int64
	if err := q.db.QueryRow(ctx, query, userID, from, to).Scan(&n); err != nil {
		return 0, fmt.Errorf("booking: count consuming: %w", err)
	}
	return int(n), nil
}

type pgTx struct {
	pgQueries
}

func (t *pgTx) LockUser(ctx context.Context, userID string) (bool, error) {
	var id string
	err := t.db.QueryRow(ctx, `SELECT id FROM users WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, userID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("booking: lock user: %w", err)
	}
	return true, nil
}

// Service holds a share lock on the service row so a concurrent delete waits
// for this booking to commit.
func (t *pgTx) Service(ctx context.Context, serviceID string) (ServiceOffer, error) {
	return t.loadService(ctx, serviceID, " FOR SHARE OF sv")
}

func (t *pgTx) LockAppointment(ctx context.Context, id string) (Appointment, error) {
	return t.loadAppointment(ctx, id, " FOR UPDATE OF a")
}

func (t *pgTx) InsertAppointment(ctx context.Context, a *Appointment) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	query := `
		INSERT INTO appointments (id, user_id, service_id, salon_id, subscription_id, scheduled_at,
			price_charged_cents, commission_rate_bps, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, $10)
	`
	_, err := t.db.Exec(ctx, query, a.ID, a.UserID, a.ServiceID, a.SalonID, a.SubscriptionID, a.ScheduledAt,
		a.PriceChargedCents, a.CommissionRateBPS, string(a.Status), now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == activeSlotIndex {
			return ErrSlotUnavailable
		}
		return fmt.Errorf("booking: insert appointment: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateStatus(ctx context.Context, id string, from, to Status) (Appointment, error) {
	query := `
		WITH updated AS (
			UPDATE appointments SET status = $3, updated_at = now()
			WHERE id = $1 AND status = $2
			RETURNING *
		)
		SELECT ` + appointmentColumns + ` FROM updated a JOIN salons s ON s.id = a.salon_id
	`
	a, err := scanAppointment(t.db.QueryRow(ctx, query, id, string(from), string(to)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Appointment{}, ErrInvalidTransition
		}
		return Appointment{}, fmt.Errorf("booking: update status: %w", err)
	}
	return a, nil
}

func (t *pgTx) InsertCommission(ctx context.Context, c *commissions.Commission) (bool, error) {
	return commissions.Insert(ctx, t.db, c)
}

func (t *pgTx) AppendOutbox(ctx context.Context, aggregateID, eventType string, payload any) error {
	_, err := events.NewOutboxStore(t.db).Insert(ctx, aggregateID, eventType, payload)
	return err
}

func scanAppointment(row pgx.Row) (Appointment, error) {
	var (
		a      Appointment
		status string
		rate   pgtype.Int4
	)
	err := row.Scan(&a.ID, &a.UserID, &a.ServiceID, &a.SalonID, &a.SubscriptionID, &a.ScheduledAt,
		&a.PriceChargedCents, &rate, &status, &a.CreatedAt, &a.UpdatedAt, &a.SalonOwnerID)
	if err != nil {
		return Appointment{}, err
	}
	a.Status = Status(status)
	if rate.Valid {
		a.CommissionRateBPS = int(rate.Int32)
	}
	return a, nil
}
