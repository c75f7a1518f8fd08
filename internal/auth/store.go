package auth

import (
	"context"
	"time"
)

// UserStore describes persistence operations required by the credential store.
// Implementations return ErrEmailTaken on a duplicate email and ErrNotFound when
// no record matches. UpdatePassword also stamps PasswordChangedAt.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	FindByID(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	UpdateRole(ctx context.Context, id string, role Role) error
	SetActive(ctx context.Context, id string, active bool) error
}

// UserLookup resolves a token subject to its current user record.
type UserLookup interface {
	FindByID(ctx context.Context, id string) (*User, error)
}

// RevocationList stores identifiers of tokens that must be rejected despite a
// valid signature. Entries expire after ttl.
//
// Claim stores id only when no unexpired entry exists and reports whether
// this call stored it. Concurrent claims of one id have exactly one winner.
type RevocationList interface {
	Put(ctx context.Context, id string, ttl time.Duration) error
	Contains(ctx context.Context, id string) (bool, error)
	Claim(ctx context.Context, id string, ttl time.Duration) (bool, error)
}
