package users

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/wolfman30/salon-subscriptions/internal/identity"
)

// firstUserLockKey serializes the "is this the first user" decision across
// concurrent sign-ups.
const firstUserLockKey int64 = 0x7361_6c6f_6e01

// DB is satisfied by *pgxpool.Pool and pgxmock pools.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresRepository stores users in Postgres.
type PostgresRepository struct {
	pool DB
}

func NewPostgresRepository(pool DB) *PostgresRepository {
	if pool == nil {
		panic("users: pgx pool required")
	}
	return &PostgresRepository{pool: pool}
}

const userColumns = `id, external_id, email, name, role, created_at, updated_at, deleted_at`

func (r *PostgresRepository) Ensure(ctx context.Context, p Profile) (*User, bool, error) {
	p = p.normalized()
	var (
		user    *User
		created bool
	)
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		existing, err := selectByExternal(ctx, tx, p.ExternalID)
		if errors.Is(err, ErrNotFound) {
			if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, firstUserLockKey); err != nil {
				return fmt.Errorf("users: first-user lock: %w", err)
			}
			existing, err = selectByExternal(ctx, tx, p.ExternalID)
		}
		switch {
		case err == nil:
			if existing.DeletedAt != nil {
				return ErrNotFound
			}
			user = existing
			if p.Email == "" {
				return nil
			}
			user, err = scanUser(tx.QueryRow(ctx, `
				UPDATE users SET email = $2, name = $3, updated_at = now()
				WHERE id = $1
				RETURNING `+userColumns, existing.ID, p.Email, p.Name()))
			if err != nil {
				return fmt.Errorf("users: update profile: %w", err)
			}
			return nil
		case !errors.Is(err, ErrNotFound):
			return err
		}

		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users)`).Scan(&exists); err != nil {
			return fmt.Errorf("users: count users: %w", err)
		}
		role := identity.RoleClient
		if !exists {
			role = identity.RoleAdmin
		}
		user, err = scanUser(tx.QueryRow(ctx, `
			INSERT INTO users (id, external_id, email, name, role)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING `+userColumns, uuid.NewString(), p.ExternalID, p.Email, p.Name(), string(role)))
		if err != nil {
			return fmt.Errorf("users: insert: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return user, created, nil
}

func selectByExternal(ctx context.Context, tx pgx.Tx, externalID string) (*User, error) {
	u, err := scanUser(tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE external_id = $1 FOR UPDATE`, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: select by external id: %w", err)
	}
	return u, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*User, error) {
	return r.one(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 AND deleted_at IS NULL`, id)
}

func (r *PostgresRepository) GetByExternalID(ctx context.Context, externalID string) (*User, error) {
	return r.one(ctx, `SELECT `+userColumns+` FROM users WHERE external_id = $1 AND deleted_at IS NULL`, externalID)
}

func (r *PostgresRepository) SetRole(ctx context.Context, id string, role identity.Role) (*User, error) {
	return r.one(ctx, `
		UPDATE users SET role = $2, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING `+userColumns, id, string(role))
}

func (r *PostgresRepository) SoftDelete(ctx context.Context, externalID string) (*User, error) {
	return r.one(ctx, `
		UPDATE users SET deleted_at = COALESCE(deleted_at, now()), updated_at = now()
		WHERE external_id = $1
		RETURNING `+userColumns, externalID)
}

func (r *PostgresRepository) List(ctx context.Context, role identity.Role) ([]User, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE deleted_at IS NULL AND ($1 = '' OR role = $1)
		ORDER BY created_at`, string(role))
	if err != nil {
		return nil, fmt.Errorf("users: list: %w", err)
	}
	defer rows.Close()

	out := []User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("users: scan: %w", err)
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) one(ctx context.Context, query string, args ...any) (*User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: query: %w", err)
	}
	return u, nil
}

func scanUser(row pgx.Row) (*User, error) {
	var (
		u       User
		role    string
		deleted pgtype.Timestamptz
	)
	if err := row.Scan(&u.ID, &u.ExternalID, &u.Email, &u.Name, &role, &u.CreatedAt, &u.UpdatedAt, &deleted); err != nil {
		return nil, err
	}
	u.Role = identity.Role(role)
	if deleted.Valid {
		t := deleted.Time
		u.DeletedAt = &t
	}
	return &u, nil
}

// inTx runs fn inside a transaction that is rolled back unless fn and the
// commit both succeed.
func (r *PostgresRepository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("users: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("users: commit tx: %w", err)
	}
	return nil
}
