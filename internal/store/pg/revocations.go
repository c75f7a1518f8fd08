package pg

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"parfum.shop/internal/auth"
	"parfum.shop/internal/obs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the schema migrations for this store, rooted at the
// migrations directory.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

var _ auth.RevocationList = (*RevocationList)(nil)

// RevocationList keeps revoked token ids in the revoked_tokens table, shared
// by every API instance using the same database.
type RevocationList struct {
	db  *sql.DB
	now func() time.Time
}

func NewRevocationList(db *sql.DB) *RevocationList {
	return &RevocationList{db: db, now: time.Now}
}

func (l *RevocationList) Put(ctx context.Context, id string, ttl time.Duration) error {
	if strings.TrimSpace(id) == "" {
		return auth.ErrInvalidInput
	}
	if ttl <= 0 {
		return nil
	}
	_, err := l.db.ExecContext(ctx, `
		insert into revoked_tokens(jti, expires_at) values ($1, $2)
		on conflict (jti) do update
		set expires_at = greatest(revoked_tokens.expires_at, excluded.expires_at)
	`, id, l.now().Add(ttl).UTC())
	if err != nil {
		return fmt.Errorf("insert revoked token: %w", err)
	}
	return nil
}

// Claim inserts id unless an unexpired row already holds it. An expired row
// is taken over in the same statement, so the affected row count tells the
// winner apart.
func (l *RevocationList) Claim(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	if strings.TrimSpace(id) == "" {
		return false, auth.ErrInvalidInput
	}
	now := l.now().UTC()
	res, err := l.db.ExecContext(ctx, `
		insert into revoked_tokens(jti, expires_at) values ($1, $2)
		on conflict (jti) do update
		set expires_at = excluded.expires_at
		where revoked_tokens.expires_at <= $3
	`, id, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("claim token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim token: %w", err)
	}
	return n == 1, nil
}

func (l *RevocationList) Contains(ctx context.Context, id string) (bool, error) {
	var found bool
	err := l.db.QueryRowContext(ctx,
		`select exists(select 1 from revoked_tokens where jti = $1 and expires_at > $2)`,
		id, l.now().UTC(),
	).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("lookup revoked token: %w", err)
	}
	return found, nil
}

// Purge deletes entries whose tokens have expired anyway.
func (l *RevocationList) Purge(ctx context.Context) (int64, error) {
	res, err := l.db.ExecContext(ctx, `delete from revoked_tokens where expires_at <= $1`, l.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purge revoked tokens: %w", err)
	}
	return res.RowsAffected()
}

// RunPurger calls Purge every interval until ctx is done.
func (l *RevocationList) RunPurger(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := l.Purge(ctx)
			if err != nil {
				obs.Logger().Warn("revocation purge failed", "err", err)
				continue
			}
			if n > 0 {
				obs.Logger().Debug("revocation purge", "removed", n)
			}
		}
	}
}
