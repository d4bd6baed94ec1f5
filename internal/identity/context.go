// Package identity carries the authenticated caller through a request context.
package identity

import "context"

// Role is a platform role. The local users table is the source of truth for it.
type Role string

const (
	RoleClient  Role = "CLIENT"
	RolePartner Role = "PARTNER"
	RoleAdmin   Role = "ADMIN"
)

// ParseRole validates a role string.
func ParseRole(raw string) (Role, bool) {
	switch Role(raw) {
	case RoleClient, RolePartner, RoleAdmin:
		return Role(raw), true
	}
	return "", false
}

// Caller is the resolved identity of the request sender.
type Caller struct {
	UserID     string `json:"user_id"`
	ExternalID string `json:"external_id"`
	Email      string `json:"email,omitempty"`
	Role       Role   `json:"role"`
}

func (c Caller) IsAdmin() bool { return c.Role == RoleAdmin }

type ctxKey string

const callerKey ctxKey = "salon.caller"

// WithCaller stores the caller in context.
func WithCaller(ctx context.Context, caller Caller) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// CallerFromContext extracts the caller if present.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	val := ctx.Value(callerKey)
	if val == nil {
		return Caller{}, false
	}
	caller, ok := val.(Caller)
	return caller, ok && caller.UserID != ""
}
