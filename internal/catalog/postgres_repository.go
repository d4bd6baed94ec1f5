package catalog

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

// salonsOwnerIndex enforces one salon per user.
const salonsOwnerIndex = "salons_owner_id_key"

// DB is satisfied by *pgxpool.Pool and pgxmock pools.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresRepository stores the catalog in Postgres.
type PostgresRepository struct {
	pool DB
}

func NewPostgresRepository(pool DB) *PostgresRepository {
	if pool == nil {
		panic("catalog: pgx pool required")
	}
	return &PostgresRepository{pool: pool}
}

const salonColumns = `id, owner_id, name, address, latitude, longitude, contact_info, description,
	payout_key, payout_key_type, status, rejection_reason, created_at, updated_at`

func (r *PostgresRepository) CreateSalon(ctx context.Context, ownerID string, in SalonInput) (*Salon, error) {
	s, err := scanSalon(r.pool.QueryRow(ctx, `
		INSERT INTO salons (id, owner_id, name, address, latitude, longitude, contact_info, description,
			payout_key, payout_key_type, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'PENDING')
		RETURNING `+salonColumns,
		uuid.NewString(), ownerID, in.Name, in.Address, in.Latitude, in.Longitude, in.ContactInfo, in.Description,
		in.PayoutKey, in.PayoutKeyType))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == salonsOwnerIndex {
			return nil, ErrSalonExists
		}
		return nil, fmt.Errorf("catalog: insert salon: %w", err)
	}
	return s, nil
}

func (r *PostgresRepository) GetSalon(ctx context.Context, id string) (*Salon, error) {
	return oneSalon(r.pool.QueryRow(ctx, `SELECT `+salonColumns+` FROM salons WHERE id = $1`, id))
}

func (r *PostgresRepository) SalonByOwner(ctx context.Context, ownerID string) (*Salon, error) {
	return oneSalon(r.pool.QueryRow(ctx, `SELECT `+salonColumns+` FROM salons WHERE owner_id = $1`, ownerID))
}

func (r *PostgresRepository) ListSalons(ctx context.Context, status SalonStatus) ([]Salon, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+salonColumns+` FROM salons
		WHERE ($1 = '' OR status = $1)
		ORDER BY name`, string(status))
	if err != nil {
		return nil, fmt.Errorf("catalog: list salons: %w", err)
	}
	defer rows.Close()

	out := []Salon{}
	for rows.Next() {
		s, err := scanSalon(rows)
		if err != nil {
			return nil, fmt.Errorf("catalog: scan salon: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) ApproveSalon(ctx context.Context, id string) (*Salon, error) {
	var salon *Salon
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		salon, err = transition(ctx, tx, id, SalonApproved, "")
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE users SET role = 'PARTNER', updated_at = now()
			WHERE id = $1 AND role = 'CLIENT' AND deleted_at IS NULL`, salon.OwnerID)
		if err != nil {
			return fmt.Errorf("catalog: promote owner: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return salon, nil
}

func (r *PostgresRepository) RejectSalon(ctx context.Context, id, reason string) (*Salon, error) {
	var salon *Salon
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		salon, err = transition(ctx, tx, id, SalonRejected, reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	return salon, nil
}

func transition(ctx context.Context, tx pgx.Tx, id string, to SalonStatus, reason string) (*Salon, error) {
	var status string
	err := tx.QueryRow(ctx, `SELECT status FROM salons WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("catalog: lock salon: %w", err)
	}
	if SalonStatus(status) != SalonPending {
		return nil, ErrNotPending
	}
	s, err := scanSalon(tx.QueryRow(ctx, `
		UPDATE salons SET status = $2, rejection_reason = $3, updated_at = now()
		WHERE id = $1
		RETURNING `+salonColumns, id, string(to), reason))
	if err != nil {
		return nil, fmt.Errorf("catalog: update salon status: %w", err)
	}
	return s, nil
}

const serviceColumns = `id, salon_id, name, description, price_cents, duration_minutes, available_days,
	start_time, end_time, created_at, updated_at`

func (r *PostgresRepository) ListServices(ctx context.Context, salonID string) ([]SalonService, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+serviceColumns+` FROM services
		WHERE salon_id = $1 AND deleted_at IS NULL
		ORDER BY name`, salonID)
	if err != nil {
		return nil, fmt.Errorf("catalog: list services: %w", err)
	}
	defer rows.Close()

	out := []SalonService{}
	for rows.Next() {
		s, err := scanService(rows)
		if err != nil {
			return nil, fmt.Errorf("catalog: scan service: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) GetService(ctx context.Context, salonID, id string) (*SalonService, error) {
	return oneService(r.pool.QueryRow(ctx, `
		SELECT `+serviceColumns+` FROM services
		WHERE id = $1 AND ($2 = '' OR salon_id = $2) AND deleted_at IS NULL`, id, salonID))
}

func (r *PostgresRepository) CreateService(ctx context.Context, salonID string, in ServiceInput) (*SalonService, error) {
	s, err := scanService(r.pool.QueryRow(ctx, `
		INSERT INTO services (id, salon_id, name, description, price_cents, duration_minutes, available_days,
			start_time, end_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+serviceColumns,
		uuid.NewString(), salonID, in.Name, in.Description, in.PriceCents, in.DurationMinutes, in.AvailableDays,
		in.StartTime, in.EndTime))
	if err != nil {
		return nil, fmt.Errorf("catalog: insert service: %w", err)
	}
	return s, nil
}

func (r *PostgresRepository) UpdateService(ctx context.Context, salonID, id string, in ServiceInput) (*SalonService, error) {
	return oneService(r.pool.QueryRow(ctx, `
		UPDATE services
		SET name = $3, description = $4, price_cents = $5, duration_minutes = $6, available_days = $7,
			start_time = $8, end_time = $9, updated_at = now()
		WHERE id = $1 AND salon_id = $2 AND deleted_at IS NULL
		RETURNING `+serviceColumns,
		id, salonID, in.Name, in.Description, in.PriceCents, in.DurationMinutes, in.AvailableDays,
		in.StartTime, in.EndTime))
}

func (r *PostgresRepository) DeleteService(ctx context.Context, salonID, id string, now time.Time) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		var locked string
		err := tx.QueryRow(ctx, `
			SELECT id FROM services
			WHERE id = $1 AND salon_id = $2 AND deleted_at IS NULL
			FOR UPDATE`, id, salonID).Scan(&locked)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("catalog: lock service: %w", err)
		}
		var inUse bool
		err = tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM appointments
				WHERE service_id = $1 AND status = 'SCHEDULED' AND scheduled_at > $2
			)`, id, now).Scan(&inUse)
		if err != nil {
			return fmt.Errorf("catalog: check future appointments: %w", err)
		}
		if inUse {
			return ErrServiceInUse
		}
		if _, err := tx.Exec(ctx, `UPDATE services SET deleted_at = now(), updated_at = now() WHERE id = $1`, id); err != nil {
			return fmt.Errorf("catalog: delete service: %w", err)
		}
		return nil
	})
}

const planColumns = `id, name, description, price_cents, monthly_cap, features, commission_rate_bps, created_at, updated_at`

func (r *PostgresRepository) ListPlans(ctx context.Context) ([]Plan, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+planColumns+` FROM plans ORDER BY price_cents, name`)
	if err != nil {
		return nil, fmt.Errorf("catalog: list plans: %w", err)
	}
	defer rows.Close()

	out := []Plan{}
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("catalog: scan plan: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) GetPlan(ctx context.Context, id string) (*Plan, error) {
	return onePlan(r.pool.QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1`, id))
}

func (r *PostgresRepository) CreatePlan(ctx context.Context, in PlanInput) (*Plan, error) {
	p, err := scanPlan(r.pool.QueryRow(ctx, `
		INSERT INTO plans (id, name, description, price_cents, monthly_cap, features, commission_rate_bps)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+planColumns,
		uuid.NewString(), in.Name, in.Description, in.PriceCents, in.MonthlyCap, in.Features, in.CommissionRateBPS))
	if err != nil {
		return nil, fmt.Errorf("catalog: insert plan: %w", err)
	}
	return p, nil
}

func (r *PostgresRepository) UpdatePlan(ctx context.Context, id string, in PlanInput) (*Plan, error) {
	return onePlan(r.pool.QueryRow(ctx, `
		UPDATE plans
		SET name = $2, description = $3, price_cents = $4, monthly_cap = $5, features = $6,
			commission_rate_bps = $7, updated_at = now()
		WHERE id = $1
		RETURNING `+planColumns,
		id, in.Name, in.Description, in.PriceCents, in.MonthlyCap, in.Features, in.CommissionRateBPS))
}

func oneSalon(row pgx.Row) (*Salon, error) {
	s, err := scanSalon(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("catalog: query salon: %w", err)
	}
	return s, nil
}

func scanSalon(row pgx.Row) (*Salon, error) {
	var (
		s      Salon
		status string
	)
	err := row.Scan(&s.ID, &s.OwnerID, &s.Name, &s.Address, &s.Latitude, &s.Longitude, &s.ContactInfo,
		&s.Description, &s.PayoutKey, &s.PayoutKeyType, &status, &s.RejectionReason, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.Status = SalonStatus(status)
	return &s, nil
}

func oneService(row pgx.Row) (*SalonService, error) {
	s, err := scanService(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("catalog: query service: %w", err)
	}
	return s, nil
}

func scanService(row pgx.Row) (*SalonService, error) {
	var (
		s       SalonService
		minutes int32
	)
	err := row.Scan(&s.ID, &s.SalonID, &s.Name, &s.Description, &s.PriceCents, &minutes, &s.AvailableDays,
		&s.StartTime, &s.EndTime, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.DurationMinutes = int(minutes)
	return &s, nil
}

func onePlan(row pgx.Row) (*Plan, error) {
	p, err := scanPlan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("catalog: query plan: %w", err)
	}
	return p, nil
}

func scanPlan(row pgx.Row) (*Plan, error) {
	var (
		p        Plan
		monthCap pgtype.Int4
		rate     pgtype.Int4
	)
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.PriceCents, &monthCap, &p.Features, &rate,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if monthCap.Valid {
		v := int(monthCap.Int32)
		p.MonthlyCap = &v
	}
	if rate.Valid {
		v := int(rate.Int32)
		p.CommissionRateBPS = &v
	}
	if p.Features == nil {
		p.Features = []string{}
	}
	return &p, nil
}

// inTx runs fn inside a transaction that is rolled back unless fn and the
// commit both succeed.
func (r *PostgresRepository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("catalog: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("catalog: commit tx: %w", err)
	}
	return nil
}
