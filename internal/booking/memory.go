package booking

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/salon-subscriptions/internal/billing"
	"github.com/wolfman30/salon-subscriptions/internal/commissions"
)

// OutboxRecord is an outbox row captured by MemoryStore.
type OutboxRecord struct {
	AggregateID string
	Type        string
	Payload     any
}

// MemoryStore keeps booking state in process and reads subscriptions from a
// billing reader. Transactions are serialized and applied to a copy that
// replaces the state only on success, which mirrors the row locks and the
// partial unique slot index of the Postgres schema.
type MemoryStore struct {
	mu      sync.Mutex
	state   memState
	billing billing.Reader
}

type memState struct {
	users        map[string]bool
	services     map[string]ServiceOffer
	appointments map[string]Appointment
	commissions  map[string]commissions.Commission
	outbox       []OutboxRecord
}

func NewMemoryStore(subscriptions billing.Reader) *MemoryStore {
	if subscriptions == nil {
		subscriptions = billing.NewMemoryStore()
	}
	return &MemoryStore{billing: subscriptions, state: memState{
		users:        map[string]bool{},
		services:     map[string]ServiceOffer{},
		appointments: map[string]Appointment{},
		commissions:  map[string]commissions.Commission{},
	}}
}

func (s memState) clone() memState {
	return memState{
		users:        maps.Clone(s.users),
		services:     maps.Clone(s.services),
		appointments: maps.Clone(s.appointments),
		commissions:  maps.Clone(s.commissions),
		outbox:       slices.Clone(s.outbox),
	}
}

// AddUser registers a user id.
func (m *MemoryStore) AddUser(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.users[id] = true
}

// AddService registers a bookable service.
func (m *MemoryStore) AddService(o ServiceOffer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.services[o.ID] = o
}

// Commissions returns every commission, ordered by appointment id.
func (m *MemoryStore) Commissions() []commissions.Commission {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := slices.Collect(maps.Values(m.state.commissions))
	sort.Slice(out, func(i, j int) bool { return out[i].AppointmentID < out[j].AppointmentID })
	return out
}

// Outbox returns the captured outbox rows.
func (m *MemoryStore) Outbox() []OutboxRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.state.outbox)
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.state.clone()
	if err := fn(&memTx{state: &work, billing: m.billing}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.state = work
	return nil
}

func (m *MemoryStore) view() *memTx {
	return &memTx{state: &m.state, billing: m.billing}
}

func (m *MemoryStore) Service(ctx context.Context, serviceID string) (ServiceOffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().Service(ctx, serviceID)
}

func (m *MemoryStore) TakenSlots(ctx context.Context, serviceID, salonID string, from, to time.Time) ([]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().TakenSlots(ctx, serviceID, salonID, from, to)
}

func (m *MemoryStore) Appointment(ctx context.Context, id string) (Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().Appointment(ctx, id)
}

func (m *MemoryStore) ListForUser(ctx context.Context, userID string) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().ListForUser(ctx, userID)
}

func (m *MemoryStore) ListForSalon(ctx context.Context, salonID string, from, to time.Time) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().ListForSalon(ctx, salonID, from, to)
}

func (m *MemoryStore) Subscriptions(ctx context.Context, userID string) ([]billing.Subscription, error) {
	return m.billing.UserSubscriptions(ctx, userID)
}

func (m *MemoryStore) PlanTerms(ctx context.Context, planID string) (billing.PlanTerms, error) {
	return m.billing.PlanTerms(ctx, planID)
}

func (m *MemoryStore) CountConsuming(ctx context.Context, userID string, from, to time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().CountConsuming(ctx, userID, from, to)
}

type memTx struct {
	state   *memState
	billing billing.Reader
}

func (t *memTx) Service(_ context.Context, serviceID string) (ServiceOffer, error) {
	o, ok := t.state.services[serviceID]
	if !ok {
		return ServiceOffer{}, ErrServiceNotFound
	}
	return o, nil
}

func (t *memTx) TakenSlots(_ context.Context, serviceID, salonID string, from, to time.Time) ([]time.Time, error) {
	var out []time.Time
	for _, a := range t.state.appointments {
		if a.ServiceID != serviceID || a.SalonID != salonID || a.Status == StatusCanceled {
			continue
		}
		if !a.ScheduledAt.Before(from) && a.ScheduledAt.Before(to) {
			out = append(out, a.ScheduledAt)
		}
	}
	slices.SortFunc(out, func(a, b time.Time) int { return a.Compare(b) })
	return out, nil
}

func (t *memTx) Appointment(_ context.Context, id string) (Appointment, error) {
	a, ok := t.state.appointments[id]
	if !ok {
		return Appointment{}, ErrNotFound
	}
	return a, nil
}

func (t *memTx) ListForUser(_ context.Context, userID string) ([]Appointment, error) {
	out := []Appointment{}
	for _, a := range t.state.appointments {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.After(out[j].ScheduledAt) })
	return out, nil
}

func (t *memTx) ListForSalon(_ context.Context, salonID string, from, to time.Time) ([]Appointment, error) {
	out := []Appointment{}
	for _, a := range t.state.appointments {
		if a.SalonID == salonID && !a.ScheduledAt.Before(from) && a.ScheduledAt.Before(to) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out, nil
}

func (t *memTx) Subscriptions(ctx context.Context, userID string) ([]billing.Subscription, error) {
	return t.billing.UserSubscriptions(ctx, userID)
}

func (t *memTx) PlanTerms(ctx context.Context, planID string) (billing.PlanTerms, error) {
	return t.billing.PlanTerms(ctx, planID)
}

func (t *memTx) CountConsuming(_ context.Context, userID string, from, to time.Time) (int, error) {
	n := 0
	for _, a := range t.state.appointments {
		if a.UserID == userID && a.Status.ConsumesQuota() && !a.ScheduledAt.Before(from) && a.ScheduledAt.Before(to) {
			n++
		}
	}
	return n, nil
}

func (t *memTx) LockUser(_ context.Context, userID string) (bool, error) {
	return t.state.users[userID], nil
}

func (t *memTx) LockAppointment(ctx context.Context, id string) (Appointment, error) {
	return t.Appointment(ctx, id)
}

func (t *memTx) InsertAppointment(_ context.Context, a *Appointment) error {
	for _, other := range t.state.appointments {
		if other.Status != StatusCanceled && other.ServiceID == a.ServiceID && other.SalonID == a.SalonID &&
			other.ScheduledAt.Equal(a.ScheduledAt) {
			return ErrSlotUnavailable
		}
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	t.state.appointments[a.ID] = *a
	return nil
}

func (t *memTx) UpdateStatus(_ context.Context, id string, from, to Status) (Appointment, error) {
	a, ok := t.state.appointments[id]
	if !ok {
		return Appointment{}, ErrNotFound
	}
	if a.Status != from {
		return Appointment{}, ErrInvalidTransition
	}
	a.Status = to
	a.UpdatedAt = time.Now().UTC()
	t.state.appointments[id] = a
	return a, nil
}

func (t *memTx) InsertCommission(_ context.Context, c *commissions.Commission) (bool, error) {
	if _, exists := t.state.commissions[c.AppointmentID]; exists {
		return false, nil
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt = time.Now().UTC()
	t.state.commissions[c.AppointmentID] = *c
	return true, nil
}

func (t *memTx) AppendOutbox(_ context.Context, aggregateID, eventType string, payload any) error {
	t.state.outbox = append(t.state.outbox, OutboxRecord{AggregateID: aggregateID, Type: eventType, Payload: payload})
	return nil
}
