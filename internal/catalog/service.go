package catalog

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/wolfman30/salon-subscriptions/internal/access"
	"github.com/wolfman30/salon-subscriptions/internal/identity"
	"github.com/wolfman30/salon-subscriptions/pkg/logging"
)

// RolePublisher pushes a user's committed role to caches and the identity directory.
type RolePublisher interface {
	PublishRole(ctx context.Context, userID string)
}

// SalonQuery filters the public salon listing.
type SalonQuery struct {
	Search string
	Near   *Near
}

// Service applies the catalog rules on top of a Repository.
type Service struct {
	repo   Repository
	roles  RolePublisher
	logger *logging.Logger
	now    func() time.Time
}

func NewService(repo Repository, roles RolePublisher, logger *logging.Logger) *Service {
	if repo == nil {
		panic("catalog: repository required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{repo: repo, roles: roles, logger: logger, now: time.Now}
}

// RegisterSalon files a partner application for the caller.
func (s *Service) RegisterSalon(ctx context.Context, caller identity.Caller, in SalonInput) (*Salon, error) {
	if err := access.Check(caller, access.OpApplyPartner); err != nil {
		return nil, err
	}
	in, err := in.normalize()
	if err != nil {
		return nil, err
	}
	salon, err := s.repo.CreateSalon(ctx, caller.UserID, in)
	if err != nil {
		return nil, err
	}
	s.logger.Info("partner application received", "salon_id", salon.ID, "owner_id", caller.UserID)
	return salon, nil
}

// OwnSalon returns the caller's salon in any status.
func (s *Service) OwnSalon(ctx context.Context, caller identity.Caller) (*Salon, error) {
	if caller.UserID == "" {
		return nil, access.ErrForbidden
	}
	return s.repo.SalonByOwner(ctx, caller.UserID)
}

// AdminSalons lists salons in a status, or all of them.
func (s *Service) AdminSalons(ctx context.Context, caller identity.Caller, status SalonStatus) ([]Salon, error) {
	if err := access.Check(caller, access.OpApprovePartner); err != nil {
		return nil, err
	}
	switch status {
	case "", SalonPending, SalonApproved, SalonRejected:
	default:
		return nil, ErrInvalidInput
	}
	return s.repo.ListSalons(ctx, status)
}

// ApproveSalon approves a pending salon and makes its owner a partner.
func (s *Service) ApproveSalon(ctx context.Context, caller identity.Caller, salonID string) (*Salon, error) {
	if err := access.Check(caller, access.OpApprovePartner); err != nil {
		return nil, err
	}
	salon, err := s.repo.ApproveSalon(ctx, salonID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("salon approved", "salon_id", salon.ID, "owner_id", salon.OwnerID, "approved_by", caller.UserID)
	if s.roles != nil {
		s.roles.PublishRole(ctx, salon.OwnerID)
	}
	return salon, nil
}

// RejectSalon rejects a pending salon. An empty reason stores DefaultRejectReason.
func (s *Service) RejectSalon(ctx context.Context, caller identity.Caller, salonID, reason string) (*Salon, error) {
	if err := access.Check(caller, access.OpApprovePartner); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = DefaultRejectReason
	}
	salon, err := s.repo.RejectSalon(ctx, salonID, reason)
	if err != nil {
		return nil, err
	}
	s.logger.Info("salon rejected", "salon_id", salon.ID, "rejected_by", caller.UserID)
	return salon, nil
}

// ListSalons returns approved salons. With a proximity filter the result is
// limited to the radius and ordered nearest first.
func (s *Service) ListSalons(ctx context.Context, q SalonQuery) ([]Salon, error) {
	all, err := s.repo.ListSalons(ctx, SalonApproved)
	if err != nil {
		return nil, err
	}
	search := strings.ToLower(strings.TrimSpace(q.Search))
	out := make([]Salon, 0, len(all))
	for _, salon := range all {
		if search != "" && !strings.Contains(strings.ToLower(salon.Name), search) &&
			!strings.Contains(strings.ToLower(salon.Address), search) {
			continue
		}
		if q.Near != nil {
			d := distanceKM(q.Near.Latitude, q.Near.Longitude, salon.Latitude, salon.Longitude)
			if d > q.Near.RadiusKM {
				continue
			}
			salon.DistanceKM = &d
		}
		out = append(out, salon)
	}
	if q.Near != nil {
		sort.SliceStable(out, func(i, j int) bool { return *out[i].DistanceKM < *out[j].DistanceKM })
	}
	return out, nil
}

// PublicSalon returns an approved salon.
func (s *Service) PublicSalon(ctx context.Context, salonID string) (*Salon, error) {
	salon, err := s.repo.GetSalon(ctx, salonID)
	if err != nil {
		return nil, err
	}
	if salon.Status != SalonApproved {
		return nil, ErrNotFound
	}
	return salon, nil
}

// PublicServices lists the services of an approved salon.
func (s *Service) PublicServices(ctx context.Context, salonID string) ([]SalonService, error) {
	if _, err := s.PublicSalon(ctx, salonID); err != nil {
		return nil, err
	}
	return s.repo.ListServices(ctx, salonID)
}

// SalonIDForOwner resolves the approved salon a partner owns.
func (s *Service) SalonIDForOwner(ctx context.Context, ownerID string) (string, bool, error) {
	salon, err := s.repo.SalonByOwner(ctx, ownerID)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if salon.Status != SalonApproved {
		return "", false, nil
	}
	return salon.ID, true, nil
}

// managedSalon returns the approved salon the caller may manage services for.
func (s *Service) managedSalon(ctx context.Context, caller identity.Caller) (*Salon, error) {
	if err := access.Check(caller, access.OpManageService); err != nil {
		return nil, err
	}
	salon, err := s.repo.SalonByOwner(ctx, caller.UserID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrSalonNotApproved
	}
	if err != nil {
		return nil, err
	}
	if salon.Status != SalonApproved {
		return nil, ErrSalonNotApproved
	}
	if err := access.CheckSalon(caller, access.OpManageService, salon.OwnerID); err != nil {
		return nil, err
	}
	return salon, nil
}

func (s *Service) PartnerServices(ctx context.Context, caller identity.Caller) ([]SalonService, error) {
	salon, err := s.managedSalon(ctx, caller)
	if err != nil {
		return nil, err
	}
	return s.repo.ListServices(ctx, salon.ID)
}

func (s *Service) CreateService(ctx context.Context, caller identity.Caller, in ServiceInput) (*SalonService, error) {
	salon, err := s.managedSalon(ctx, caller)
	if err != nil {
		return nil, err
	}
	in, err = in.normalize()
	if err != nil {
		return nil, err
	}
	svc, err := s.repo.CreateService(ctx, salon.ID, in)
	if err != nil {
		return nil, err
	}
	s.logger.Info("service created", "service_id", svc.ID, "salon_id", salon.ID)
	return svc, nil
}

func (s *Service) UpdateService(ctx context.Context, caller identity.Caller, serviceID string, in ServiceInput) (*SalonService, error) {
	salon, err := s.managedSalon(ctx, caller)
	if err != nil {
		return nil, err
	}
	in, err = in.normalize()
	if err != nil {
		return nil, err
	}
	return s.repo.UpdateService(ctx, salon.ID, serviceID, in)
}

// DeleteService removes a service that no future scheduled appointment uses.
func (s *Service) DeleteService(ctx context.Context, caller identity.Caller, serviceID string) error {
	salon, err := s.managedSalon(ctx, caller)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteService(ctx, salon.ID, serviceID, s.now().UTC()); err != nil {
		return err
	}
	s.logger.Info("service deleted", "service_id", serviceID, "salon_id", salon.ID)
	return nil
}

func (s *Service) ListPlans(ctx context.Context) ([]Plan, error) {
	return s.repo.ListPlans(ctx)
}

func (s *Service) CreatePlan(ctx context.Context, caller identity.Caller, in PlanInput) (*Plan, error) {
	if err := access.Check(caller, access.OpManagePlan); err != nil {
		return nil, err
	}
	in, err := in.normalize()
	if err != nil {
		return nil, err
	}
	plan, err := s.repo.CreatePlan(ctx, in)
	if err != nil {
		return nil, err
	}
	s.logger.Info("plan created", "plan_id", plan.ID, "created_by", caller.UserID)
	return plan, nil
}

func (s *Service) UpdatePlan(ctx context.Context, caller identity.Caller, planID string, in PlanInput) (*Plan, error) {
	if err := access.Check(caller, access.OpManagePlan); err != nil {
		return nil, err
	}
	in, err := in.normalize()
	if err != nil {
		return nil, err
	}
	return s.repo.UpdatePlan(ctx, planID, in)
}
