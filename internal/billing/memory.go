package billing

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"
)

var errActiveExists = errors.New("billing: user already has an active subscription")

// OutboxRecord is an outbox row captured by MemoryStore.
type OutboxRecord struct {
	AggregateID string
	Type        string
	Payload     any
}

// MemoryStore keeps billing state in process. Transactions are serialized and
// applied to a copy that replaces the state only on success. Tests and local
// runs without Postgres use it.
type MemoryStore struct {
	mu    sync.Mutex
	state memState
}

type memState struct {
	users     map[string]bool
	plans     map[string]PlanTerms
	customers map[string]string
	subs      map[string]Subscription
	payments  []Payment
	processed map[string]bool
	outbox    []OutboxRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: memState{
		users:     map[string]bool{},
		plans:     map[string]PlanTerms{},
		customers: map[string]string{},
		subs:      map[string]Subscription{},
		processed: map[string]bool{},
	}}
}

func (s memState) clone() memState {
	return memState{
		users:     maps.Clone(s.users),
		plans:     maps.Clone(s.plans),
		customers: maps.Clone(s.customers),
		subs:      maps.Clone(s.subs),
		payments:  slices.Clone(s.payments),
		processed: maps.Clone(s.processed),
		outbox:    slices.Clone(s.outbox),
	}
}

// AddUser registers a user id.
func (m *MemoryStore) AddUser(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.users[id] = true
}

// AddPlan registers plan terms.
func (m *MemoryStore) AddPlan(p PlanTerms) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.plans[p.ID] = p
}

// PutSubscription stores s as is, assigning an id when empty.
func (m *MemoryStore) PutSubscription(s Subscription) Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = newID()
	}
	m.state.subs[s.ID] = s
	return s
}

// AllSubscriptions returns every subscription of userID, expired ones included.
func (m *MemoryStore) AllSubscriptions(userID string) []Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Subscription
	for _, s := range m.state.subs {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	sortSubscriptions(out)
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
	if err := fn(&memTx{state: &work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.state = work
	return nil
}

func (m *MemoryStore) PlanTerms(ctx context.Context, planID string) (PlanTerms, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{state: &m.state}).PlanTerms(ctx, planID)
}

func (m *MemoryStore) Subscription(ctx context.Context, id string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{state: &m.state}).Subscription(ctx, id)
}

func (m *MemoryStore) UserSubscriptions(ctx context.Context, userID string) ([]Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{state: &m.state}).UserSubscriptions(ctx, userID)
}

func (m *MemoryStore) Payments(ctx context.Context, subscriptionID string) ([]Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{state: &m.state}).Payments(ctx, subscriptionID)
}

func (m *MemoryStore) UserForCustomer(ctx context.Context, provider, customerID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{state: &m.state}).UserForCustomer(ctx, provider, customerID)
}

type memTx struct {
	state *memState
}

func (t *memTx) PlanTerms(_ context.Context, planID string) (PlanTerms, error) {
	p, ok := t.state.plans[planID]
	if !ok {
		return PlanTerms{}, ErrNotFound
	}
	return p, nil
}

func (t *memTx) Subscription(_ context.Context, id string) (Subscription, error) {
	s, ok := t.state.subs[id]
	if !ok {
		return Subscription{}, ErrNotFound
	}
	return s, nil
}

func (t *memTx) UserSubscriptions(_ context.Context, userID string) ([]Subscription, error) {
	var out []Subscription
	for _, s := range t.state.subs {
		if s.UserID == userID && s.Status != StatusExpired {
			out = append(out, s)
		}
	}
	sortSubscriptions(out)
	return out, nil
}

func (t *memTx) Payments(_ context.Context, subscriptionID string) ([]Payment, error) {
	var out []Payment
	for _, p := range t.state.payments {
		if p.SubscriptionID == subscriptionID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (t *memTx) UserForCustomer(_ context.Context, provider, customerID string) (string, error) {
	id, ok := t.state.customers[provider+"|"+customerID]
	if !ok {
		return "", ErrNotFound
	}
	return id, nil
}

func (t *memTx) MarkEventProcessed(_ context.Context, provider, eventID string) (bool, error) {
	key := provider + "|" + eventID
	if t.state.processed[key] {
		return false, nil
	}
	t.state.processed[key] = true
	return true, nil
}

func (t *memTx) LockUser(_ context.Context, userID string) (bool, error) {
	return t.state.users[userID], nil
}

func (t *memTx) SubscriptionByExternal(_ context.Context, externalID string) (Subscription, error) {
	for _, s := range t.state.subs {
		if externalID != "" && s.ExternalID == externalID {
			return s, nil
		}
	}
	return Subscription{}, ErrNotFound
}

func (t *memTx) LinkCustomer(_ context.Context, provider, customerID, userID string) error {
	t.state.customers[provider+"|"+customerID] = userID
	return nil
}

func (t *memTx) InsertSubscription(_ context.Context, s *Subscription) error {
	if s.ID == "" {
		s.ID = newID()
	}
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	if err := t.checkActive(*s); err != nil {
		return err
	}
	t.state.subs[s.ID] = *s
	return nil
}

func (t *memTx) UpdateSubscription(_ context.Context, s Subscription) error {
	if _, ok := t.state.subs[s.ID]; !ok {
		return ErrNotFound
	}
	if err := t.checkActive(s); err != nil {
		return err
	}
	s.UpdatedAt = time.Now().UTC()
	t.state.subs[s.ID] = s
	return nil
}

func (t *memTx) checkActive(s Subscription) error {
	if s.Status != StatusActive {
		return nil
	}
	for id, other := range t.state.subs {
		if id != s.ID && other.UserID == s.UserID && other.Status == StatusActive {
			return errActiveExists
		}
	}
	return nil
}

func (t *memTx) InsertPayment(_ context.Context, p *Payment) error {
	if p.ID == "" {
		p.ID = newID()
	}
	p.CreatedAt = time.Now().UTC()
	t.state.payments = append(t.state.payments, *p)
	return nil
}

func (t *memTx) ExpireLapsed(_ context.Context, activeCutoff, canceledCutoff time.Time) ([]Subscription, error) {
	var out []Subscription
	for id, s := range t.state.subs {
		lapsed := (s.Status == StatusActive && !s.EndDate.After(activeCutoff)) ||
			(s.Status == StatusCanceled && !s.EndDate.After(canceledCutoff))
		if !lapsed {
			continue
		}
		s.Status = StatusExpired
		s.UpdatedAt = time.Now().UTC()
		t.state.subs[id] = s
		out = append(out, s)
	}
	sortSubscriptions(out)
	return out, nil
}

func (t *memTx) AppendOutbox(_ context.Context, aggregateID, eventType string, payload any) error {
	t.state.outbox = append(t.state.outbox, OutboxRecord{AggregateID: aggregateID, Type: eventType, Payload: payload})
	return nil
}

func sortSubscriptions(subs []Subscription) {
	sort.Slice(subs, func(i, j int) bool {
		if !subs[i].StartDate.Equal(subs[j].StartDate) {
			return subs[i].StartDate.After(subs[j].StartDate)
		}
		return subs[i].ID < subs[j].ID
	})
}
