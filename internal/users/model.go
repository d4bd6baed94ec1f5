// Package users keeps the local user table, which is authoritative for roles,
// in step with the identity provider.
package users

import (
	"errors"
	"strings"
	"time"

	"github.com/wolfman30/salon-subscriptions/internal/identity"
)

var (
	ErrNotFound           = errors.New("users: not found")
	ErrInvalidRole        = errors.New("users: invalid role")
	ErrVerificationFailed = errors.New("users: webhook verification failed")
)

// defaultName is used when the identity provider sends no name.
const defaultName = "User"

// User is a platform account.
type User struct {
	ID         string        `json:"id"`
	ExternalID string        `json:"external_id"`
	Email      string        `json:"email"`
	Name       string        `json:"name"`
	Role       identity.Role `json:"role"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
	DeletedAt  *time.Time    `json:"deleted_at,omitempty"`
}

// Caller is the identity attached to requests made by u.
func (u *User) Caller() identity.Caller {
	return identity.Caller{UserID: u.ID, ExternalID: u.ExternalID, Email: u.Email, Role: u.Role}
}

// Profile is what the identity provider knows about a user.
type Profile struct {
	ExternalID string
	Email      string
	FirstName  string
	LastName   string
}

// Name joins first and last name, falling back to a placeholder.
func (p Profile) Name() string {
	name := strings.TrimSpace(strings.TrimSpace(p.FirstName) + " " + strings.TrimSpace(p.LastName))
	if name == "" {
		return defaultName
	}
	return name
}

func (p Profile) normalized() Profile {
	p.ExternalID = strings.TrimSpace(p.ExternalID)
	p.Email = strings.ToLower(strings.TrimSpace(p.Email))
	return p
}
