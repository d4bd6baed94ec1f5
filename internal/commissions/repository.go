package commissions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// DB is satisfied by *pgxpool.Pool and pgx.Tx.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const commissionColumns = `id, appointment_id, salon_id, amount_cents, rate_bps, paid, paid_at, created_at`

// Insert writes c unless the appointment already has a commission. It reports
// whether a row was created. Callers pass the transaction that completes the appointment.
func Insert(ctx context.Context, db DB, c *Commission) (bool, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO commissions (id, appointment_id, salon_id, amount_cents, rate_bps, paid, created_at)
		VALUES ($1, $2, $3, $4, $5, false, $6)
		ON CONFLICT (appointment_id) DO NOTHING
	`
	ct, err := db.Exec(ctx, query, c.ID, c.AppointmentID, c.SalonID, c.AmountCents, c.RateBPS, c.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("commissions: insert: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// Repository reads and settles commissions.
type Repository struct {
	db DB
}

func NewRepository(db DB) *Repository {
	if db == nil {
		panic("commissions: db required")
	}
	return &Repository{db: db}
}

// GetByAppointment returns the commission for an appointment.
func (r *Repository) GetByAppointment(ctx context.Context, appointmentID string) (Commission, error) {
	query := `SELECT ` + commissionColumns + ` FROM commissions WHERE appointment_id = $1`
	c, err := scanCommission(r.db.QueryRow(ctx, query, appointmentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Commission{}, ErrNotFound
		}
		return Commission{}, fmt.Errorf("commissions: get by appointment: %w", err)
	}
	return c, nil
}

// MarkPaid flips an unpaid commission to paid exactly once.
func (r *Repository) MarkPaid(ctx context.Context, id string, at time.Time) (Commission, error) {
	query := `
		UPDATE commissions
		SET paid = true, paid_at = $2
		WHERE id = $1 AND NOT paid
		RETURNING ` + commissionColumns
	c, err := scanCommission(r.db.QueryRow(ctx, query, id, at))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Commission{}, fmt.Errorf("commissions: mark paid: %w", err)
	}
	var paid bool
	if err := r.db.QueryRow(ctx, `SELECT paid FROM commissions WHERE id = $1`, id).Scan(&paid); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Commission{}, ErrNotFound
		}
		return Commission{}, fmt.Errorf("commissions: mark paid lookup: %w", err)
	}
	return Commission{}, ErrAlreadyPaid
}

// Summary returns the payable total and the paid total within [from, to) for one salon.
func (r *Repository) Summary(ctx context.Context, salonID string, from, to time.Time) (Summary, error) {
	query := `
		SELECT
			COALESCE(SUM(amount_cents) FILTER (WHERE NOT paid), 0),
			COUNT(*) FILTER (WHERE NOT paid),
			COALESCE(SUM(amount_cents) FILTER (WHERE paid AND paid_at >= $2 AND paid_at < $3), 0),
			COUNT(*) FILTER (WHERE paid AND paid_at >= $2 AND paid_at < $3)
		FROM commissions
		WHERE salon_id = $1
	`
	s := Summary{SalonID: salonID, From: from, To: to}
	if err := r.db.QueryRow(ctx, query, salonID, from, to).Scan(&s.PayableCents, &s.UnpaidCount, &s.PaidCents, &s.PaidCount); err != nil {
		return Summary{}, fmt.Errorf("commissions: summary: %w", err)
	}
	return s, nil
}

// PayableBySalon lists unpaid totals per salon, largest first.
func (r *Repository) PayableBySalon(ctx context.Context) ([]SalonPayable, error) {
	query := `
		SELECT c.salon_id, s.name, SUM(c.amount_cents) AS payable, COUNT(*)
		FROM commissions c
		JOIN salons s ON s.id = c.salon_id
		WHERE NOT c.paid
		GROUP BY c.salon_id, s.name
		ORDER BY payable DESC, s.name
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("commissions: payable by salon: %w", err)
	}
	defer rows.Close()

	out := []SalonPayable{}
	for rows.Next() {
		var p SalonPayable
		if err := rows.Scan(&p.SalonID, &p.SalonName, &p.PayableCents, &p.UnpaidCount); err != nil {
			return nil, fmt.Errorf("commissions: scan payable: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanCommission(row pgx.Row) (Commission, error) {
	var c Commission
	var paidAt pgtype.Timestamptz
	if err := row.Scan(&c.ID, &c.AppointmentID, &c.SalonID, &c.AmountCents, &c.RateBPS, &c.Paid, &paidAt, &c.CreatedAt); err != nil {
		return Commission{}, err
	}
	if paidAt.Valid {
		t := paidAt.Time
		c.PaidAt = &t
	}
	return c, nil
}
