package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"parfum.shop/internal/config"
	"parfum.shop/internal/migrate"
	"parfum.shop/internal/obs"
	"parfum.shop/internal/store/pg"
)

func main() {
	if err := run(); err != nil {
		obs.Logger().Error("migrate failed", "err", err)
		os.Exit(1)
	}
}

// run returns instead of exiting so the connection is closed on every path.
func run() error {
	st, err := config.LoadStorage()
	if err != nil {
		return fmt.Errorf("invalid storage configuration: %w", err)
	}
	var (
		dsn     = flag.String("dsn", st.PostgresDSN, "PostgreSQL DSN (defaults to PARFUM_PG_DSN)")
		table   = flag.String("table", "", "bookkeeping table (default schema_migrations)")
		timeout = flag.Duration("timeout", 30*time.Second, "overall deadline")
	)
	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), "usage: migrate [flags] up|down|status")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *dsn == "" {
		return errors.New("missing DSN: provide via -dsn or PARFUM_PG_DSN")
	}
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := pg.Open(ctx, *dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	mgr := migrate.NewManager(db, pg.Migrations(), migrate.WithTable(*table))

	cmd := flag.Arg(0)
	switch cmd {
	case "up":
		applied, err := mgr.Up(ctx)
		for _, name := range applied {
			fmt.Println("applied", name)
		}
		if err != nil {
			return fmt.Errorf("up: %w", err)
		}
		if len(applied) == 0 {
			fmt.Println("schema is up to date")
		}
	case "down":
		name, err := mgr.Down(ctx)
		if errors.Is(err, migrate.ErrNothingApplied) {
			fmt.Println("nothing to roll back")
			return nil
		}
		if err != nil {
			return fmt.Errorf("down: %w", err)
		}
		fmt.Println("rolled back", name)
	case "status":
		entries, err := mgr.Status(ctx)
		if err != nil {
			return fmt.Errorf("status: %w", err)
		}
		for _, e := range entries {
			state := "pending"
			if e.Applied {
				state = "applied"
			}
			fmt.Printf("%-8s %s\n", state, e.Name)
		}
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}
