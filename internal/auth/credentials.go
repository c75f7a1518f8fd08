package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	defaultLookupTimeout = 5 * time.Second
	dummyPassword        = "Dummy-Passw0rd!"
)

// Credentials owns the user record and password lifecycle.
type Credentials struct {
	users     UserStore
	cost      int
	timeout   time.Duration
	dummyHash string
	validate  *validator.Validate
}

// CredentialsOption configures Credentials behavior.
type CredentialsOption func(*Credentials) error

// WithHashCost sets the bcrypt work factor. Values below MinBcryptCost are rejected.
func WithHashCost(cost int) CredentialsOption {
	return func(c *Credentials) error {
		if cost < MinBcryptCost {
			return fmt.Errorf("auth: bcrypt cost %d is below minimum %d", cost, MinBcryptCost)
		}
		c.cost = cost
		return nil
	}
}

// WithLookupTimeout bounds every user store call.
func WithLookupTimeout(d time.Duration) CredentialsOption {
	return func(c *Credentials) error {
		if d > 0 {
			c.timeout = d
		}
		return nil
	}
}

// NewCredentials constructs the credential store. It pre-computes a dummy hash
// with the configured cost so failed lookups cost as much as failed compares.
func NewCredentials(users UserStore, opts ...CredentialsOption) (*Credentials, error) {
	if users == nil {
		return nil, errors.New("auth: user store is required")
	}
	c := &Credentials{
		users:    users,
		cost:     MinBcryptCost,
		timeout:  defaultLookupTimeout,
		validate: validator.New(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	hash, err := HashPassword(dummyPassword, c.cost)
	if err != nil {
		return nil, fmt.Errorf("auth: prepare dummy hash: %w", err)
	}
	c.dummyHash = hash
	return c, nil
}

// CreateUser validates and persists a new account. The plaintext password is
// discarded once hashed.
func (c *Credentials) CreateUser(ctx context.Context, email, password, name string, role Role) (*User, error) {
	email = NormalizeEmail(email)
	if err := c.validate.Var(email, "required,email"); err != nil {
		return nil, ErrValidation.WithDetails([]FieldError{{Field: "email", Rule: "email"}})
	}
	if role == "" {
		role = RoleCustomer
	}
	if _, err := ParseRole(string(role)); err != nil {
		return nil, ErrValidation.WithDetails([]FieldError{{Field: "role", Rule: "oneof"}})
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}

	hash, err := HashPassword(password, c.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	user := &User{
		Email:        email,
		Name:         strings.TrimSpace(name),
		PasswordHash: hash,
		Role:         role,
		Active:       true,
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.users.Create(ctx, user); err != nil {
		if errors.Is(err, ErrEmailTaken) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// VerifyCredentials returns the active user matching email and password.
// Unknown email, inactive account and wrong password are indistinguishable.
func (c *Credentials) VerifyCredentials(ctx context.Context, email, password string) (*User, error) {
	email = NormalizeEmail(email)

	lookupCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	user, err := c.users.FindByEmail(lookupCtx, email)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("find user: %w", err)
	}

	hash := c.dummyHash
	if user != nil {
		hash = user.PasswordHash
	}
	// Always compare so both failure paths pay for a bcrypt round.
	cmpErr := VerifyPassword(hash, password)
	if user == nil || !user.Active || cmpErr != nil || email == "" {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// ChangePassword replaces the password of userID after checking current.
func (c *Credentials) ChangePassword(ctx context.Context, userID, current, next string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	user, err := c.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			_ = VerifyPassword(c.dummyHash, current)
			return ErrInvalidCredentials
		}
		return fmt.Errorf("find user: %w", err)
	}
	if err := VerifyPassword(user.PasswordHash, current); err != nil || !user.Active {
		return ErrInvalidCredentials
	}
	if err := ValidatePassword(next); err != nil {
		return err
	}
	hash, err := HashPassword(next, c.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := c.users.UpdatePassword(ctx, user.ID, hash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

// FindUser returns the account with id.
func (c *Credentials) FindUser(ctx context.Context, id string) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.users.FindByID(ctx, id)
}

// SetRole changes the role of the account registered under email.
func (c *Credentials) SetRole(ctx context.Context, email string, role Role) error {
	if _, err := ParseRole(string(role)); err != nil {
		return ErrValidation.WithDetails([]FieldError{{Field: "role", Rule: "oneof"}})
	}
	return c.mutate(ctx, email, func(ctx context.Context, id string) error {
		return c.users.UpdateRole(ctx, id, role)
	})
}

// SetActive activates or deactivates the account registered under email.
func (c *Credentials) SetActive(ctx context.Context, email string, active bool) error {
	return c.mutate(ctx, email, func(ctx context.Context, id string) error {
		return c.users.SetActive(ctx, id, active)
	})
}

func (c *Credentials) mutate(ctx context.Context, email string, fn func(context.Context, string) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	user, err := c.users.FindByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		return err
	}
	return fn(ctx, user.ID)
}

// FieldError describes a single failed validation rule.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}
