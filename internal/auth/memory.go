package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"parfum.shop/internal/ids"
)

var (
	_ UserStore      = (*MemoryUserStore)(nil)
	_ RevocationList = (*MemoryRevocationList)(nil)
)

// MemoryUserStore keeps users in process memory. Suitable for a single
// instance and for tests.
type MemoryUserStore struct {
	mu      sync.RWMutex
	byID    map[string]*User
	byEmail map[string]string
	now     func() time.Time
}

func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		byID:    make(map[string]*User),
		byEmail: make(map[string]string),
		now:     time.Now,
	}
}

func (s *MemoryUserStore) Create(_ context.Context, u *User) error {
	email := NormalizeEmail(u.Email)
	if email == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byEmail[email]; ok {
		return ErrEmailTaken
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	now := s.now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	u.Email = email

	cp := *u
	s.byID[cp.ID] = &cp
	s.byEmail[email] = cp.ID
	return nil
}

func (s *MemoryUserStore) FindByID(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[strings.TrimSpace(id)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryUserStore) FindByEmail(_ context.Context, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[NormalizeEmail(email)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.byID[id]
	return &cp, nil
}

func (s *MemoryUserStore) UpdatePassword(_ context.Context, id, passwordHash string) error {
	return s.update(id, func(u *User) {
		u.PasswordHash = passwordHash
		u.PasswordChangedAt = s.now().UTC()
	})
}

func (s *MemoryUserStore) UpdateRole(_ context.Context, id string, role Role) error {
	return s.update(id, func(u *User) { u.Role = role })
}

func (s *MemoryUserStore) SetActive(_ context.Context, id string, active bool) error {
	return s.update(id, func(u *User) { u.Active = active })
}

func (s *MemoryUserStore) update(id string, fn func(*User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	fn(u)
	u.UpdatedAt = s.now().UTC()
	return nil
}

// MemoryRevocationList is an in-process revocation list. A successful Put is
// visible to every later Contains on the same instance; other instances never
// see it, so multi-instance deployments need a shared store.
type MemoryRevocationList struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemoryRevocationList() *MemoryRevocationList {
	return &MemoryRevocationList{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (l *MemoryRevocationList) Put(_ context.Context, id string, ttl time.Duration) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidInput
	}
	if ttl <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	expiresAt := l.now().Add(ttl)
	if cur, ok := l.entries[id]; ok && cur.After(expiresAt) {
		return nil
	}
	l.entries[id] = expiresAt
	return nil
}

func (l *MemoryRevocationList) Claim(_ context.Context, id string, ttl time.Duration) (bool, error) {
	if strings.TrimSpace(id) == "" {
		return false, ErrInvalidInput
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if expiresAt, ok := l.entries[id]; ok && now.Before(expiresAt) {
		return false, nil
	}
	if ttl > 0 {
		l.entries[id] = now.Add(ttl)
	}
	return true, nil
}

func (l *MemoryRevocationList) Contains(_ context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	expiresAt, ok := l.entries[id]
	if !ok {
		return false, nil
	}
	if !l.now().Before(expiresAt) {
		delete(l.entries, id)
		return false, nil
	}
	return true, nil
}

// Sweep drops expired entries and returns how many were removed.
func (l *MemoryRevocationList) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	removed := 0
	for id, expiresAt := range l.entries {
		if !now.Before(expiresAt) {
			delete(l.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired or not.
func (l *MemoryRevocationList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// RunJanitor sweeps expired entries every interval until ctx is done.
func (l *MemoryRevocationList) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}
