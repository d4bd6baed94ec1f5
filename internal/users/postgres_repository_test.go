package users

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/salon-subscriptions/internal/identity"
)

var (
	userCols = []string{"id", "external_id", "email", "name", "role", "created_at", "updated_at", "deleted_at"}
	t0       = time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
)

func TestPostgresEnsureCreatesFirstAdminUnderLock(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	repo := NewPostgresRepository(mock)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM users WHERE external_id = \\$1 FOR UPDATE").WithArgs("ext-1").WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("SELECT pg_advisory_xact_lock\\(\\$1\\)").WithArgs(firstUserLockKey).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("FROM users WHERE external_id = \\$1 FOR UPDATE").WithArgs("ext-1").WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT EXISTS \\(SELECT 1 FROM users\\)").WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("INSERT INTO users").
		WithArgs(pgxmock.AnyArg(), "ext-1", "ana@example.com", "Ana", "ADMIN").
		WillReturnRows(pgxmock.NewRows(userCols).AddRow("u-1", "ext-1", "ana@example.com", "Ana", "ADMIN", t0, t0, nil))
	mock.ExpectCommit()

	u, created, err := repo.Ensure(context.Background(), Profile{ExternalID: "ext-1", Email: "Ana@Example.com", FirstName: "Ana"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, identity.RoleAdmin, u.Role)
	assert.Nil(t, u.DeletedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEnsureUpdatesExistingProfile(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	repo := NewPostgresRepository(mock)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM users WHERE external_id = \\$1 FOR UPDATE").WithArgs("ext-1").
		WillReturnRows(pgxmock.NewRows(userCols).AddRow("u-1", "ext-1", "old@example.com", "Ana", "PARTNER", t0, t0, nil))
	mock.ExpectQuery("UPDATE users SET email = \\$2, name = \\$3").WithArgs("u-1", "new@example.com", "Ana Lima").
		WillReturnRows(pgxmock.NewRows(userCols).AddRow("u-1", "ext-1", "new@example.com", "Ana Lima", "PARTNER", t0, t0, nil))
	mock.ExpectCommit()

	u, created, err := repo.Ensure(context.Background(), Profile{ExternalID: "ext-1", Email: "new@example.com", FirstName: "Ana", LastName: "Lima"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, identity.RolePartner, u.Role)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEnsureRefusesDeletedUser(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	repo := NewPostgresRepository(mock)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM users WHERE external_id = \\$1 FOR UPDATE").WithArgs("ext-1").
		WillReturnRows(pgxmock.NewRows(userCols).AddRow("u-1", "ext-1", "a@example.com", "Ana", "CLIENT", t0, t0, t0))
	mock.ExpectRollback()

	_, _, err = repo.Ensure(context.Background(), Profile{ExternalID: "ext-1", Email: "a@example.com"})
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSetRoleAndSoftDelete(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	repo := NewPostgresRepository(mock)
	ctx := context.Background()

	mock.ExpectQuery("UPDATE users SET role = \\$2").WithArgs("u-1", "PARTNER").
		WillReturnRows(pgxmock.NewRows(userCols).AddRow("u-1", "ext-1", "a@example.com", "Ana", "PARTNER", t0, t0, nil))
	u, err := repo.SetRole(ctx, "u-1", identity.RolePartner)
	require.NoError(t, err)
	assert.Equal(t, identity.RolePartner, u.Role)

	mock.ExpectQuery("UPDATE users SET role = \\$2").WithArgs("missing", "PARTNER").WillReturnError(pgx.ErrNoRows)
	_, err = repo.SetRole(ctx, "missing", identity.RolePartner)
	assert.ErrorIs(t, err, ErrNotFound)

	mock.ExpectQuery("UPDATE users SET deleted_at = COALESCE\\(deleted_at, now\\(\\)\\)").WithArgs("ext-1").
		WillReturnRows(pgxmock.NewRows(userCols).AddRow("u-1", "ext-1", "a@example.com", "Ana", "PARTNER", t0, t0, t0))
	u, err = repo.SoftDelete(ctx, "ext-1")
	require.NoError(t, err)
	require.NotNil(t, u.DeletedAt)
	assert.Equal(t, t0, *u.DeletedAt)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresList(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	repo := NewPostgresRepository(mock)

	mock.ExpectQuery("FROM users\\s+WHERE deleted_at IS NULL AND \\(\\$1 = '' OR role = \\$1\\)").WithArgs("").
		WillReturnRows(pgxmock.NewRows(userCols).
			AddRow("u-1", "ext-1", "a@example.com", "Ana", "ADMIN", t0, t0, nil).
			AddRow("u-2", "ext-2", "b@example.com", "Bia", "CLIENT", t0, t0, nil))
	list, err := repo.List(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, list, 2)
	require.NoError(t, mock.ExpectationsWereMet())
}
