package catalog

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository defines catalog storage.
type Repository interface {
	CreateSalon(ctx context.Context, ownerID string, in SalonInput) (*Salon, error)
	GetSalon(ctx context.Context, id string) (*Salon, error)
	SalonByOwner(ctx context.Context, ownerID string) (*Salon, error)
	ListSalons(ctx context.Context, status SalonStatus) ([]Salon, error)
	// ApproveSalon moves a PENDING salon to APPROVED and, in the same write,
	// raises a CLIENT owner to PARTNER.
	ApproveSalon(ctx context.Context, id string) (*Salon, error)
	RejectSalon(ctx context.Context, id, reason string) (*Salon, error)

	ListServices(ctx context.Context, salonID string) ([]SalonService, error)
	GetService(ctx context.Context, salonID, id string) (*SalonService, error)
	CreateService(ctx context.Context, salonID string, in ServiceInput) (*SalonService, error)
	UpdateService(ctx context.Context, salonID, id string, in ServiceInput) (*SalonService, error)
	// DeleteService soft-deletes unless a SCHEDULED appointment after now
	// references the service.
	DeleteService(ctx context.Context, salonID, id string, now time.Time) error

	ListPlans(ctx context.Context) ([]Plan, error)
	GetPlan(ctx context.Context, id string) (*Plan, error)
	CreatePlan(ctx context.Context, in PlanInput) (*Plan, error)
	UpdatePlan(ctx context.Context, id string, in PlanInput) (*Plan, error)
}

// InMemoryRepository is a Repository for tests and local runs.
type InMemoryRepository struct {
	mu        sync.RWMutex
	salons    map[string]*Salon
	services  map[string]*SalonService
	deleted   map[string]bool
	plans     map[string]*Plan
	scheduled map[string][]time.Time
	promoted  map[string]bool
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		salons:    make(map[string]*Salon),
		services:  make(map[string]*SalonService),
		deleted:   make(map[string]bool),
		plans:     make(map[string]*Plan),
		scheduled: make(map[string][]time.Time),
		promoted:  make(map[string]bool),
	}
}

// AddScheduled records a SCHEDULED appointment for the deletion guard.
func (r *InMemoryRepository) AddScheduled(serviceID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduled[serviceID] = append(r.scheduled[serviceID], at)
}

// Promoted reports whether ApproveSalon raised userID to PARTNER.
func (r *InMemoryRepository) Promoted(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.promoted[userID]
}

func (r *InMemoryRepository) CreateSalon(_ context.Context, ownerID string, in SalonInput) (*Salon, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.salons {
		if s.OwnerID == ownerID {
			return nil, ErrSalonExists
		}
	}
	now := time.Now().UTC()
	s := &Salon{
		ID: uuid.NewString(), OwnerID: ownerID, Name: in.Name, Address: in.Address,
		Latitude: in.Latitude, Longitude: in.Longitude, ContactInfo: in.ContactInfo, Description: in.Description,
		PayoutKey: in.PayoutKey, PayoutKeyType: in.PayoutKeyType, Status: SalonPending, CreatedAt: now, UpdatedAt: now,
	}
	r.salons[s.ID] = s
	out := *s
	return &out, nil
}

func (r *InMemoryRepository) GetSalon(_ context.Context, id string) (*Salon, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.salons[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *s
	return &out, nil
}

func (r *InMemoryRepository) SalonByOwner(_ context.Context, ownerID string) (*Salon, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.salons {
		if s.OwnerID == ownerID {
			out := *s
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (r *InMemoryRepository) ListSalons(_ context.Context, status SalonStatus) ([]Salon, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []Salon{}
	for _, s := range r.salons {
		if status == "" || s.Status == status {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *InMemoryRepository) transition(id string, to SalonStatus, reason string) (*Salon, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.salons[id]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Status != SalonPending {
		return nil, ErrNotPending
	}
	s.Status = to
	s.RejectionReason = reason
	s.UpdatedAt = time.Now().UTC()
	if to == SalonApproved {
		r.promoted[s.OwnerID] = true
	}
	out := *s
	return &out, nil
}

func (r *InMemoryRepository) ApproveSalon(_ context.Context, id string) (*Salon, error) {
	return r.transition(id, SalonApproved, "")
}

func (r *InMemoryRepository) RejectSalon(_ context.Context, id, reason string) (*Salon, error) {
	return r.transition(id, SalonRejected, reason)
}

func (r *InMemoryRepository) ListServices(_ context.Context, salonID string) ([]SalonService, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []SalonService{}
	for id, s := range r.services {
		if s.SalonID == salonID && !r.deleted[id] {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *InMemoryRepository) GetService(_ context.Context, salonID, id string) (*SalonService, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.services[id]
	if !ok || r.deleted[id] || (salonID != "" && s.SalonID != salonID) {
		return nil, ErrNotFound
	}
	out := *s
	out.AvailableDays = slices.Clone(s.AvailableDays)
	return &out, nil
}

func (r *InMemoryRepository) CreateService(_ context.Context, salonID string, in ServiceInput) (*SalonService, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	s := serviceFromInput(in)
	s.ID, s.SalonID, s.CreatedAt, s.UpdatedAt = uuid.NewString(), salonID, now, now
	r.services[s.ID] = &s
	out := s
	return &out, nil
}

func (r *InMemoryRepository) UpdateService(_ context.Context, salonID, id string, in ServiceInput) (*SalonService, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.services[id]
	if !ok || r.deleted[id] || cur.SalonID != salonID {
		return nil, ErrNotFound
	}
	s := serviceFromInput(in)
	s.ID, s.SalonID, s.CreatedAt, s.UpdatedAt = cur.ID, cur.SalonID, cur.CreatedAt, time.Now().UTC()
	r.services[id] = &s
	out := s
	return &out, nil
}

func (r *InMemoryRepository) DeleteService(_ context.Context, salonID, id string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.services[id]
	if !ok || r.deleted[id] || cur.SalonID != salonID {
		return ErrNotFound
	}
	for _, at := range r.scheduled[id] {
		if at.After(now) {
			return ErrServiceInUse
		}
	}
	r.deleted[id] = true
	return nil
}

func (r *InMemoryRepository) ListPlans(_ context.Context) ([]Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []Plan{}
	for _, p := range r.plans {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PriceCents < out[j].PriceCents })
	return out, nil
}

func (r *InMemoryRepository) GetPlan(_ context.Context, id string) (*Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plans[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *p
	return &out, nil
}

func (r *InMemoryRepository) CreatePlan(_ context.Context, in PlanInput) (*Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	p := planFromInput(in)
	p.ID, p.CreatedAt, p.UpdatedAt = uuid.NewString(), now, now
	r.plans[p.ID] = &p
	out := p
	return &out, nil
}

func (r *InMemoryRepository) UpdatePlan(_ context.Context, id string, in PlanInput) (*Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.plans[id]
	if !ok {
		return nil, ErrNotFound
	}
	p := planFromInput(in)
	p.ID, p.CreatedAt, p.UpdatedAt = cur.ID, cur.CreatedAt, time.Now().UTC()
	r.plans[id] = &p
	out := p
	return &out, nil
}

func serviceFromInput(in ServiceInput) SalonService {
	return SalonService{
		Name: in.Name, Description: in.Description, PriceCents: in.PriceCents, DurationMinutes: in.DurationMinutes,
		AvailableDays: slices.Clone(in.AvailableDays), StartTime: in.StartTime, EndTime: in.EndTime,
	}
}

func planFromInput(in PlanInput) Plan {
	return Plan{
		Name: in.Name, Description: in.Description, PriceCents: in.PriceCents, MonthlyCap: in.MonthlyCap,
		Features: slices.Clone(in.Features), CommissionRateBPS: in.CommissionRateBPS,
	}
}
