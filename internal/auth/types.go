package auth

import (
	"fmt"
	"strings"
	"time"
)

// Role is the coarse authorization level carried in tokens.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleManager  Role = "manager"
	RoleCustomer Role = "customer"
)

// Roles lists every known role.
var Roles = []Role{RoleAdmin, RoleManager, RoleCustomer}

// ParseRole normalizes s and checks it against the known roles.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Roles {
		if r == known {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
}

// User is an account that tokens are issued for.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name,omitempty"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`

	// PasswordChangedAt is zero until the first password change. Refresh
	// tokens issued at or before it are rejected.
	PasswordChangedAt time.Time `json:"-"`
}

// Identity is the authenticated caller resolved from an access token.
type Identity struct {
	UserID    string
	Role      Role
	TokenID   string
	ExpiresAt time.Time
}

// HasRole reports whether the identity holds one of roles.
func (id Identity) HasRole(roles ...Role) bool {
	for _, r := range roles {
		if id.Role == r {
			return true
		}
	}
	return false
}

// TokenPair is the result of a login or refresh.
type TokenPair struct {
	UserID           string
	Role             Role
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// NormalizeEmail lower-cases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
