package users

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/salon-subscriptions/internal/identity"
)

// Repository defines user storage.
type Repository interface {
	// Ensure upserts by external id and reports whether the row was created.
	// The first user ever created is an ADMIN; everyone else starts as CLIENT.
	Ensure(ctx context.Context, p Profile) (*User, bool, error)
	GetByID(ctx context.Context, id string) (*User, error)
	GetByExternalID(ctx context.Context, externalID string) (*User, error)
	SetRole(ctx context.Context, id string, role identity.Role) (*User, error)
	SoftDelete(ctx context.Context, externalID string) (*User, error)
	List(ctx context.Context, role identity.Role) ([]User, error)
}

// InMemoryRepository is a Repository for tests and local runs.
type InMemoryRepository struct {
	mu    sync.Mutex
	users map[string]*User
	now   func() time.Time
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{users: make(map[string]*User), now: func() time.Time { return time.Now().UTC() }}
}

func (r *InMemoryRepository) Ensure(_ context.Context, p Profile) (*User, bool, error) {
	p = p.normalized()
	r.mu.Lock()
	defer r.mu.Unlock()

	if u := r.byExternal(p.ExternalID); u != nil {
		if u.DeletedAt != nil {
			return nil, false, ErrNotFound
		}
		if p.Email != "" {
			u.Email = p.Email
			u.Name = p.Name()
			u.UpdatedAt = r.now()
		}
		out := *u
		return &out, false, nil
	}

	role := identity.RoleClient
	if len(r.users) == 0 {
		role = identity.RoleAdmin
	}
	now := r.now()
	u := &User{ID: uuid.NewString(), ExternalID: p.ExternalID, Email: p.Email, Name: p.Name(), Role: role, CreatedAt: now, UpdatedAt: now}
	r.users[u.ID] = u
	out := *u
	return &out, true, nil
}

func (r *InMemoryRepository) byExternal(externalID string) *User {
	for _, u := range r.users {
		if u.ExternalID == externalID {
			return u
		}
	}
	return nil
}

func (r *InMemoryRepository) GetByID(_ context.Context, id string) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok || u.DeletedAt != nil {
		return nil, ErrNotFound
	}
	out := *u
	return &out, nil
}

func (r *InMemoryRepository) GetByExternalID(_ context.Context, externalID string) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.byExternal(externalID)
	if u == nil || u.DeletedAt != nil {
		return nil, ErrNotFound
	}
	out := *u
	return &out, nil
}

func (r *InMemoryRepository) SetRole(_ context.Context, id string, role identity.Role) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok || u.DeletedAt != nil {
		return nil, ErrNotFound
	}
	u.Role = role
	u.UpdatedAt = r.now()
	out := *u
	return &out, nil
}

func (r *InMemoryRepository) SoftDelete(_ context.Context, externalID string) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.byExternal(externalID)
	if u == nil {
		return nil, ErrNotFound
	}
	if u.DeletedAt == nil {
		now := r.now()
		u.DeletedAt = &now
		u.UpdatedAt = now
	}
	out := *u
	return &out, nil
}

func (r *InMemoryRepository) List(_ context.Context, role identity.Role) ([]User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []User{}
	for _, u := range r.users {
		if u.DeletedAt == nil && (role == "" || u.Role == role) {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
