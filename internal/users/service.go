package users

import (
	"context"
	"errors"
	"fmt"

	"github.com/wolfman30/salon-subscriptions/internal/access"
	"github.com/wolfman30/salon-subscriptions/internal/identity"
	"github.com/wolfman30/salon-subscriptions/pkg/logging"
)

// ProviderIdentity keys identity-provider events in the processed-event index.
const ProviderIdentity = "identity"

type callerCache interface {
	Get(ctx context.Context, externalID string) (identity.Caller, bool, error)
	Set(ctx context.Context, caller identity.Caller) error
	Delete(ctx context.Context, externalID string) error
}

type eventIndex interface {
	AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, provider, eventID string) (bool, error)
}

// Service manages accounts and roles.
type Service struct {
	repo      Repository
	cache     callerCache
	directory RoleDirectory
	events    eventIndex
	logger    *logging.Logger
}

func NewService(repo Repository, directory RoleDirectory, logger *logging.Logger) *Service {
	if repo == nil {
		panic("users: repository required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if directory == nil {
		directory = NewLogDirectory(logger)
	}
	return &Service{repo: repo, directory: directory, logger: logger}
}

// WithCache enables the Redis role cache.
func (s *Service) WithCache(cache *RoleCache) *Service {
	if cache != nil {
		s.cache = cache
	}
	return s
}

// WithEventIndex skips identity events that were already applied.
func (s *Service) WithEventIndex(idx eventIndex) *Service {
	s.events = idx
	return s
}

// EnsureUser creates or refreshes the local account for an identity-provider user.
func (s *Service) EnsureUser(ctx context.Context, p Profile) (*User, error) {
	if p.normalized().ExternalID == "" {
		return nil, fmt.Errorf("users: external id required")
	}
	u, created, err := s.repo.Ensure(ctx, p)
	if err != nil {
		return nil, err
	}
	if created {
		s.logger.Info("user created", "user_id", u.ID, "role", u.Role)
		s.pushRole(ctx, u)
	}
	return u, nil
}

// ResolveCaller maps an authenticated external id to a platform caller. Users
// that signed in before the provider's webhook arrived are created on the spot.
func (s *Service) ResolveCaller(ctx context.Context, externalID, email string) (identity.Caller, error) {
	if s.cache != nil {
		caller, ok, err := s.cache.Get(ctx, externalID)
		if err != nil {
			s.logger.Warn("role cache read failed", "error", err)
		} else if ok {
			return caller, nil
		}
	}

	u, err := s.repo.GetByExternalID(ctx, externalID)
	if errors.Is(err, ErrNotFound) {
		u, err = s.EnsureUser(ctx, Profile{ExternalID: externalID, Email: email})
	}
	if err != nil {
		return identity.Caller{}, err
	}
	caller := u.Caller()
	if s.cache != nil {
		if err := s.cache.Set(ctx, caller); err != nil {
			s.logger.Warn("role cache write failed", "error", err, "user_id", u.ID)
		}
	}
	return caller, nil
}

// Me returns the caller's own record.
func (s *Service) Me(ctx context.Context, caller identity.Caller) (*User, error) {
	if caller.UserID == "" {
		return nil, access.ErrForbidden
	}
	return s.repo.GetByID(ctx, caller.UserID)
}

// List returns active users, optionally filtered by role.
func (s *Service) List(ctx context.Context, actor identity.Caller, role identity.Role) ([]User, error) {
	if err := access.Check(actor, access.OpChangeUserRole); err != nil {
		return nil, err
	}
	if role != "" {
		if _, ok := identity.ParseRole(string(role)); !ok {
			return nil, ErrInvalidRole
		}
	}
	return s.repo.List(ctx, role)
}

// ChangeRole writes the new role locally, then pushes it to the cache and the
// identity directory. Push failures are logged and never undo the local write.
func (s *Service) ChangeRole(ctx context.Context, actor identity.Caller, userID string, role identity.Role) (*User, error) {
	if err := access.Check(actor, access.OpChangeUserRole); err != nil {
		return nil, err
	}
	if _, ok := identity.ParseRole(string(role)); !ok {
		return nil, ErrInvalidRole
	}
	u, err := s.repo.SetRole(ctx, userID, role)
	if err != nil {
		return nil, err
	}
	s.logger.Info("user role changed", "user_id", u.ID, "role", u.Role, "changed_by", actor.UserID)
	s.pushRole(ctx, u)
	return u, nil
}

// PublishRole re-reads userID and pushes its role outward. Callers that change
// the role inside their own transaction use it after commit.
func (s *Service) PublishRole(ctx context.Context, userID string) {
	u, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		s.logger.Warn("role publish skipped", "error", err, "user_id", userID)
		return
	}
	s.pushRole(ctx, u)
}

func (s *Service) pushRole(ctx context.Context, u *User) {
	if s.cache != nil {
		if err := s.cache.Set(ctx, u.Caller()); err != nil {
			s.logger.Warn("role cache push failed", "error", err, "user_id", u.ID)
		}
	}
	if err := s.directory.PushRole(ctx, u.ExternalID, u.Role); err != nil {
		s.logger.Warn("identity directory push failed", "error", err, "user_id", u.ID)
	}
}

// ApplyIdentityEvent applies a verified identity-provider event. Every branch
// is idempotent, so an event is marked processed only after it was applied.
func (s *Service) ApplyIdentityEvent(ctx context.Context, evt IdentityEvent) error {
	if s.events != nil && evt.ID != "" {
		done, err := s.events.AlreadyProcessed(ctx, ProviderIdentity, evt.ID)
		if err != nil {
			return err
		}
		if done {
			s.logger.Debug("identity event already processed", "event_id", evt.ID)
			return nil
		}
	}

	switch evt.Type {
	case EventUserCreated, EventUserUpdated:
		if _, err := s.EnsureUser(ctx, evt.Profile()); err != nil {
			if !errors.Is(err, ErrNotFound) {
				return err
			}
			s.logger.Warn("identity event for deleted user ignored", "event_id", evt.ID, "type", evt.Type)
		}
	case EventUserDeleted:
		u, err := s.repo.SoftDelete(ctx, evt.Data.ID)
		switch {
		case errors.Is(err, ErrNotFound):
			s.logger.Warn("identity delete for unknown user", "event_id", evt.ID, "external_id", evt.Data.ID)
		case err != nil:
			return err
		default:
			s.logger.Info("user soft-deleted", "user_id", u.ID)
		}
		if s.cache != nil {
			if err := s.cache.Delete(ctx, evt.Data.ID); err != nil {
				s.logger.Warn("role cache evict failed", "error", err, "external_id", evt.Data.ID)
			}
		}
	default:
		s.logger.Debug("identity event ignored", "event_id", evt.ID, "type", evt.Type)
	}

	if s.events != nil && evt.ID != "" {
		if _, err := s.events.MarkProcessed(ctx, ProviderIdentity, evt.ID); err != nil {
			return err
		}
	}
	return nil
}
