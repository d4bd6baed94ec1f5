package catalog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/salon-subscriptions/internal/access"
	"github.com/wolfman30/salon-subscriptions/internal/identity"
	"github.com/wolfman30/salon-subscriptions/pkg/logging"
)

var (
	admin   = identity.Caller{UserID: "user-admin", Role: identity.RoleAdmin}
	bia     = identity.Caller{UserID: "user-bia", Role: identity.RoleClient}
	partner = identity.Caller{UserID: "user-bia", Role: identity.RolePartner}
)

type recordingPublisher struct {
	mu    sync.Mutex
	users []string
}

func (p *recordingPublisher) PublishRole(_ context.Context, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users = append(p.users, userID)
}

func newTestService() (*Service, *InMemoryRepository, *recordingPublisher) {
	repo := NewInMemoryRepository()
	pub := &recordingPublisher{}
	return NewService(repo, pub, logging.Default()), repo, pub
}

func studioInput() SalonInput {
	return SalonInput{Name: " Studio Bia ", Address: "Rua Augusta 100", Latitude: -23.5558, Longitude: -46.6622}
}

func cutInput() ServiceInput {
	return ServiceInput{
		Name: "Corte", PriceCents: 8000, DurationMinutes: 60,
		AvailableDays: []string{"Monday", "wed"}, StartTime: "9:00", EndTime: "18:00",
	}
}

func approvedSalon(t *testing.T, svc *Service) *Salon {
	t.Helper()
	ctx := context.Background()
	salon, err := svc.RegisterSalon(ctx, bia, studioInput())
	require.NoError(t, err)
	salon, err = svc.ApproveSalon(ctx, admin, salon.ID)
	require.NoError(t, err)
	return salon
}

func TestRegisterSalonCreatesPendingApplication(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	salon, err := svc.RegisterSalon(ctx, bia, studioInput())
	require.NoError(t, err)
	assert.Equal(t, SalonPending, salon.Status)
	assert.Equal(t, "Studio Bia", salon.Name)
	assert.Equal(t, bia.UserID, salon.OwnerID)

	_, err = svc.RegisterSalon(ctx, bia, studioInput())
	assert.ErrorIs(t, err, ErrSalonExists)

	_, err = svc.RegisterSalon(ctx, partner, studioInput())
	assert.ErrorIs(t, err, access.ErrForbidden, "partners already own a salon")

	_, err = svc.RegisterSalon(ctx, identity.Caller{UserID: "user-c", Role: identity.RoleClient}, SalonInput{Name: "x"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestApproveSalonPromotesOwnerAndPublishesRole(t *testing.T) {
	svc, repo, pub := newTestService()
	ctx := context.Background()
	salon, err := svc.RegisterSalon(ctx, bia, studioInput())
	require.NoError(t, err)

	_, err = svc.ApproveSalon(ctx, bia, salon.ID)
	assert.ErrorIs(t, err, access.ErrForbidden)

	approved, err := svc.ApproveSalon(ctx, admin, salon.ID)
	require.NoError(t, err)
	assert.Equal(t, SalonApproved, approved.Status)
	assert.True(t, repo.Promoted(bia.UserID))
	assert.Equal(t, []string{bia.UserID}, pub.users)

	_, err = svc.ApproveSalon(ctx, admin, salon.ID)
	assert.ErrorIs(t, err, ErrNotPending)
	_, err = svc.RejectSalon(ctx, admin, salon.ID, "")
	assert.ErrorIs(t, err, ErrNotPending, "only pending salons transition")

	_, err = svc.ApproveSalon(ctx, admin, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRejectSalonDefaultsReason(t *testing.T) {
	svc, repo, pub := newTestService()
	ctx := context.Background()
	salon, err := svc.RegisterSalon(ctx, bia, studioInput())
	require.NoError(t, err)

	rejected, err := svc.RejectSalon(ctx, admin, salon.ID, "  ")
	require.NoError(t, err)
	assert.Equal(t, SalonRejected, rejected.Status)
	assert.Equal(t, DefaultRejectReason, rejected.RejectionReason)
	assert.False(t, repo.Promoted(bia.UserID))
	assert.Empty(t, pub.users)

	other, err := svc.RegisterSalon(ctx, identity.Caller{UserID: "user-c", Role: identity.RoleClient}, studioInput())
	require.NoError(t, err)
	rejected, err = svc.RejectSalon(ctx, admin, other.ID, "missing documents")
	require.NoError(t, err)
	assert.Equal(t, "missing documents", rejected.RejectionReason)
}

func TestListSalonsShowsApprovedOnlyAndFiltersByDistance(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	near := approvedSalon(t, svc)

	far, err := svc.RegisterSalon(ctx, identity.Caller{UserID: "user-rio", Role: identity.RoleClient},
		SalonInput{Name: "Salao Rio", Address: "Av. Atlantica 1", Latitude: -22.9711, Longitude: -43.1822})
	require.NoError(t, err)
	_, err = svc.ApproveSalon(ctx, admin, far.ID)
	require.NoError(t, err)
	_, err = svc.RegisterSalon(ctx, identity.Caller{UserID: "user-p", Role: identity.RoleClient}, studioInput())
	require.NoError(t, err)

	all, err := svc.ListSalons(ctx, SalonQuery{})
	require.NoError(t, err)
	assert.Len(t, all, 2, "pending salons are hidden")

	found, err := svc.ListSalons(ctx, SalonQuery{Search: "augusta"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, near.ID, found[0].ID)

	nearby, err := svc.ListSalons(ctx, SalonQuery{Near: &Near{Latitude: -23.5614, Longitude: -46.6559, RadiusKM: 5}})
	require.NoError(t, err)
	require.Len(t, nearby, 1)
	assert.Equal(t, near.ID, nearby[0].ID)
	require.NotNil(t, nearby[0].DistanceKM)
	assert.InDelta(t, 0.9, *nearby[0].DistanceKM, 0.3)

	wide, err := svc.ListSalons(ctx, SalonQuery{Near: &Near{Latitude: -23.5614, Longitude: -46.6559, RadiusKM: 500}})
	require.NoError(t, err)
	require.Len(t, wide, 2)
	assert.Equal(t, near.ID, wide[0].ID, "nearest first")
}

func TestPublicServicesRequireApprovedSalon(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	pending, err := svc.RegisterSalon(ctx, bia, studioInput())
	require.NoError(t, err)

	_, err = svc.PublicServices(ctx, pending.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.PublicSalon(ctx, pending.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestServiceManagementScopedToOwnApprovedSalon(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	_, err := svc.CreateService(ctx, partner, cutInput())
	assert.ErrorIs(t, err, ErrSalonNotApproved, "no salon yet")

	salon := approvedSalon(t, svc)

	_, err = svc.CreateService(ctx, bia, cutInput())
	assert.ErrorIs(t, err, access.ErrForbidden, "clients may not manage services")

	created, err := svc.CreateService(ctx, partner, cutInput())
	require.NoError(t, err)
	assert.Equal(t, salon.ID, created.SalonID)
	assert.Equal(t, []string{"monday", "wednesday"}, created.AvailableDays)
	assert.Equal(t, "09:00", created.StartTime)

	in := cutInput()
	in.PriceCents = 9000
	updated, err := svc.UpdateService(ctx, partner, created.ID, in)
	require.NoError(t, err)
	assert.EqualValues(t, 9000, updated.PriceCents)

	other := identity.Caller{UserID: "user-other", Role: identity.RolePartner}
	_, err = svc.UpdateService(ctx, other, created.ID, in)
	assert.ErrorIs(t, err, ErrSalonNotApproved)

	list, err := svc.PublicServices(ctx, salon.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestServiceValidation(t *testing.T) {
	svc, _, _ := newTestService()
	approvedSalon(t, svc)
	ctx := context.Background()

	cases := map[string]func(*ServiceInput){
		"blank name":          func(in *ServiceInput) { in.Name = " " },
		"zero price":          func(in *ServiceInput) { in.PriceCents = 0 },
		"short duration":      func(in *ServiceInput) { in.DurationMinutes = 10 },
		"no days":             func(in *ServiceInput) { in.AvailableDays = nil },
		"unknown day":         func(in *ServiceInput) { in.AvailableDays = []string{"funday"} },
		"start after end":     func(in *ServiceInput) { in.StartTime, in.EndTime = "18:00", "09:00" },
		"window fits no slot": func(in *ServiceInput) { in.StartTime, in.EndTime, in.DurationMinutes = "09:00", "09:30", 60 },
		"malformed time":      func(in *ServiceInput) { in.StartTime = "nine" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := cutInput()
			mutate(&in)
			_, err := svc.CreateService(ctx, partner, in)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestDeleteServiceRefusedWhileFutureAppointmentsExist(t *testing.T) {
	svc, repo, _ := newTestService()
	approvedSalon(t, svc)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	created, err := svc.CreateService(ctx, partner, cutInput())
	require.NoError(t, err)
	repo.AddScheduled(created.ID, now.Add(-48*time.Hour))
	repo.AddScheduled(created.ID, now.Add(24*time.Hour))

	assert.ErrorIs(t, svc.DeleteService(ctx, partner, created.ID), ErrServiceInUse)

	now = now.Add(48 * time.Hour)
	require.NoError(t, svc.DeleteService(ctx, partner, created.ID))
	assert.ErrorIs(t, svc.DeleteService(ctx, partner, created.ID), ErrNotFound)

	list, err := svc.PartnerServices(ctx, partner)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSalonIDForOwner(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	_, ok, err := svc.SalonIDForOwner(ctx, bia.UserID)
	require.NoError(t, err)
	assert.False(t, ok)

	pending, err := svc.RegisterSalon(ctx, bia, studioInput())
	require.NoError(t, err)
	_, ok, err = svc.SalonIDForOwner(ctx, bia.UserID)
	require.NoError(t, err)
	assert.False(t, ok, "pending salons do not resolve")

	_, err = svc.ApproveSalon(ctx, admin, pending.ID)
	require.NoError(t, err)
	id, ok, err := svc.SalonIDForOwner(ctx, bia.UserID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, pending.ID, id)
}

func TestPlansManagedByAdmins(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	four := 4
	in := PlanInput{Name: "Basico", PriceCents: 9900, MonthlyCap: &four, Features: []string{"4 cortes", " "}}

	_, err := svc.CreatePlan(ctx, partner, in)
	assert.ErrorIs(t, err, access.ErrForbidden)

	plan, err := svc.CreatePlan(ctx, admin, in)
	require.NoError(t, err)
	assert.Equal(t, []string{"4 cortes"}, plan.Features)
	require.NotNil(t, plan.MonthlyCap)
	assert.Equal(t, 4, *plan.MonthlyCap)

	rate := 12000
	in.CommissionRateBPS = &rate
	_, err = svc.UpdatePlan(ctx, admin, plan.ID, in)
	assert.ErrorIs(t, err, ErrInvalidInput)

	in.CommissionRateBPS = nil
	in.MonthlyCap = nil
	updated, err := svc.UpdatePlan(ctx, admin, plan.ID, in)
	require.NoError(t, err)
	assert.Nil(t, updated.MonthlyCap, "nil cap means unlimited")

	_, err = svc.UpdatePlan(ctx, admin, "missing", in)
	assert.ErrorIs(t, err, ErrNotFound)

	plans, err := svc.ListPlans(ctx)
	require.NoError(t, err)
	assert.Len(t, plans, 1)
}
