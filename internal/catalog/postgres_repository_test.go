package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	salonCols = []string{"id", "owner_id", "name", "address", "latitude", "longitude", "contact_info", "description",
		"payout_key", "payout_key_type", "status", "rejection_reason", "created_at", "updated_at"}
	planCols = []string{"id", "name", "description", "price_cents", "monthly_cap", "features", "commission_rate_bps",
		"created_at", "updated_at"}
	t0 = time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
)

func salonRow(status string) *pgxmock.Rows {
	return pgxmock.NewRows(salonCols).AddRow("salon-1", "user-bia", "Studio Bia", "Rua Augusta 100", -23.5558, -46.6622,
		"", "", "", "", status, "", t0, t0)
}

func TestPostgresCreateSalonMapsOwnerConflict(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	repo := NewPostgresRepository(mock)
	in := SalonInput{Name: "Studio Bia", Address: "Rua Augusta 100"}

	mock.ExpectQuery("INSERT INTO salons").WithArgs(pgxmock.AnyArg(), "user-bia", "Studio Bia", "Rua Augusta 100",
		0.0, 0.0, "", "", "", "").WillReturnRows(salonRow("PENDING"))
	mock.ExpectQuery("INSERT INTO salons").WithArgs(pgxmock.AnyArg(), "user-bia", "Studio Bia", "Rua Augusta 100",
		0.0, 0.0, "", "", "", "").WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: salonsOwnerIndex})

	salon, err := repo.CreateSalon(context.Background(), "user-bia", in)
	require.NoError(t, err)
	assert.Equal(t, SalonPending, salon.Status)

	_, err = repo.CreateSalon(context.Background(), "user-bia", in)
	assert.ErrorIs(t, err, ErrSalonExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresApproveSalonPromotesOwnerInTransaction(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	repo := NewPostgresRepository(mock)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM salons WHERE id = \\$1 FOR UPDATE").WithArgs("salon-1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("PENDING"))
	mock.ExpectQuery("UPDATE salons SET status = \\$2").WithArgs("salon-1", "APPROVED", "").
		WillReturnRows(salonRow("APPROVED"))
	mock.ExpectExec("UPDATE users SET role = 'PARTNER'").WithArgs("user-bia").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	salon, err := repo.ApproveSalon(context.Background(), "salon-1")
	require.NoError(t, err)
	assert.Equal(t, SalonApproved, salon.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRejectSalonRequiresPending(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	repo := NewPostgresRepository(mock)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM salons WHERE id = \\$1 FOR UPDATE").WithArgs("salon-1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("APPROVED"))
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM salons WHERE id = \\$1 FOR UPDATE").WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err = repo.RejectSalon(context.Background(), "salon-1", DefaultRejectReason)
	assert.ErrorIs(t, err, ErrNotPending)
	_, err = repo.RejectSalon(context.Background(), "nope", DefaultRejectReason)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDeleteServiceGuardsFutureAppointments(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	repo := NewPostgresRepository(mock)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("(?s)SELECT id FROM services.*FOR UPDATE").WithArgs("svc-1", "salon-1").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("svc-1"))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("svc-1", now).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectQuery("(?s)SELECT id FROM services.*FOR UPDATE").WithArgs("svc-1", "salon-1").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("svc-1"))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("svc-1", now).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("UPDATE services SET deleted_at = now\\(\\)").WithArgs("svc-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	assert.ErrorIs(t, repo.DeleteService(context.Background(), "salon-1", "svc-1", now), ErrServiceInUse)
	require.NoError(t, repo.DeleteService(context.Background(), "salon-1", "svc-1", now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPlanNullableColumns(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	repo := NewPostgresRepository(mock)

	mock.ExpectQuery("FROM plans ORDER BY price_cents").WillReturnRows(pgxmock.NewRows(planCols).
		AddRow("plan-free", "Livre", "", int64(19900), nil, []string{"ilimitado"}, nil, t0, t0).
		AddRow("plan-4", "Basico", "", int64(9900), int64(4), []string{}, int64(1500), t0, t0))

	plans, err := repo.ListPlans(context.Background())
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Nil(t, plans[0].MonthlyCap)
	assert.Nil(t, plans[0].CommissionRateBPS)
	require.NotNil(t, plans[1].MonthlyCap)
	assert.Equal(t, 4, *plans[1].MonthlyCap)
	assert.Equal(t, 1500, *plans[1].CommissionRateBPS)
	assert.Equal(t, []string{}, plans[1].Features)
	require.NoError(t, mock.ExpectationsWereMet())
}
