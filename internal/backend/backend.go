// Package backend wires the configured storage into the auth stores.
package backend

import (
	"context"
	"fmt"
	"time"

	"parfum.shop/internal/auth"
	"parfum.shop/internal/config"
	"parfum.shop/internal/store/mongostore"
	"parfum.shop/internal/store/pg"
)

// Backend bundles the user store and revocation list of one storage engine.
type Backend struct {
	Name        string
	Users       auth.UserStore
	Revocations auth.RevocationList

	ping  func(context.Context) error
	sweep func(context.Context, time.Duration)
	close func(context.Context) error
}

// Open connects to the backend named in cfg. The caller owns Close.
func Open(ctx context.Context, cfg config.Storage) (*Backend, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	switch cfg.Backend {
	case config.BackendMemory:
		return Memory(), nil

	case config.BackendPostgres:
		db, err := pg.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		revs := pg.NewRevocationList(db)
		return &Backend{
			Name:        cfg.Backend,
			Users:       pg.NewUserStore(db),
			Revocations: revs,
			ping:        db.PingContext,
			sweep:       revs.RunPurger,
			close:       func(context.Context) error { return db.Close() },
		}, nil

	case config.BackendMongo:
		client, err := mongostore.Connect(ctx, cfg.MongoURI)
		if err != nil {
			return nil, err
		}
		db := client.Database(cfg.MongoDatabase)
		if err := mongostore.EnsureIndexes(ctx, db); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, fmt.Errorf("ensure mongo indexes: %w", err)
		}
		return &Backend{
			Name:        cfg.Backend,
			Users:       mongostore.NewUserStore(db),
			Revocations: mongostore.NewRevocationList(db),
			ping:        func(ctx context.Context) error { return client.Ping(ctx, nil) },
			close:       client.Disconnect,
		}, nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// Memory returns an in-process backend. Data is lost on restart and not
// shared between instances.
func Memory() *Backend {
	revs := auth.NewMemoryRevocationList()
	return &Backend{
		Name:        config.BackendMemory,
		Users:       auth.NewMemoryUserStore(),
		Revocations: revs,
		sweep:       revs.RunJanitor,
	}
}

// Ping reports whether the storage is reachable.
func (b *Backend) Ping(ctx context.Context) error {
	if b.ping == nil {
		return nil
	}
	return b.ping(ctx)
}

// RunSweeper removes expired revocation entries every interval until ctx is
// done. Backends that expire entries themselves return immediately.
func (b *Backend) RunSweeper(ctx context.Context, interval time.Duration) {
	if b.sweep == nil || interval <= 0 {
		return
	}
	b.sweep(ctx, interval)
}

// Close releases connections held by the backend.
func (b *Backend) Close(ctx context.Context) error {
	if b.close == nil {
		return nil
	}
	return b.close(ctx)
}
