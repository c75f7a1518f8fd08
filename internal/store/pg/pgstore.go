package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"parfum.shop/internal/auth"
	"parfum.shop/internal/ids"
)

const uniqueViolation = "23505"

// Open connects to PostgreSQL through the pgx stdlib driver and verifies the
// connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

var _ auth.UserStore = (*UserStore)(nil)

// UserStore persists accounts in the users table.
type UserStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db, now: time.Now}
}

const (
	userColumns   = `id, email, name, password_hash, role, active, created_at, updated_at`
	selectColumns = userColumns + `, password_changed_at`
)

func (s *UserStore) Create(ctx context.Context, u *auth.User) error {
	email := auth.NormalizeEmail(u.Email)
	if email == "" {
		return auth.ErrInvalidInput
	}
	id := u.ID
	if id == "" {
		id = ids.New()
	} else if !ids.Valid(id) {
		return auth.ErrInvalidInput
	}
	now := s.now().UTC()
	created := u.CreatedAt
	if created.IsZero() {
		created = now
	}

	_, err := s.db.ExecContext(ctx, `
		insert into users(`+userColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, id, email, u.Name, u.PasswordHash, string(u.Role), u.Active, created, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return auth.ErrEmailTaken
		}
		return fmt.Errorf("insert user: %w", err)
	}
	u.ID, u.Email, u.CreatedAt, u.UpdatedAt = id, email, created, now
	return nil
}

// FindByID answers ErrNotFound for malformed ids without a round trip.
func (s *UserStore) FindByID(ctx context.Context, id string) (*auth.User, error) {
	id = strings.TrimSpace(id)
	if !ids.Valid(id) {
		return nil, auth.ErrNotFound
	}
	return s.findOne(ctx, `select `+selectColumns+` from users where id = $1`, id)
}

func (s *UserStore) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	return s.findOne(ctx, `select `+selectColumns+` from users where email = $1`, auth.NormalizeEmail(email))
}

func (s *UserStore) findOne(ctx context.Context, query string, arg string) (*auth.User, error) {
	var (
		u       auth.User
		role    string
		changed sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&u.ID, &u.Email, &u.Name, &u.PasswordHash, &role, &u.Active, &u.CreatedAt, &u.UpdatedAt, &changed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select user: %w", err)
	}
	u.Role = auth.Role(role)
	if changed.Valid {
		u.PasswordChangedAt = changed.Time
	}
	return &u, nil
}

func (s *UserStore) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	return s.update(ctx, `update users set password_hash = $2, updated_at = $3, password_changed_at = $3 where id = $1`, id, passwordHash)
}

func (s *UserStore) UpdateRole(ctx context.Context, id string, role auth.Role) error {
	return s.update(ctx, `update users set role = $2, updated_at = $3 where id = $1`, id, string(role))
}

func (s *UserStore) SetActive(ctx context.Context, id string, active bool) error {
	return s.update(ctx, `update users set active = $2, updated_at = $3 where id = $1`, id, active)
}

func (s *UserStore) update(ctx context.Context, query, id string, value any) error {
	res, err := s.db.ExecContext(ctx, query, id, value, s.now().UTC())
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}
