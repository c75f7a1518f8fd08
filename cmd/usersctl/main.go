// Command usersctl manages accounts directly in the configured store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"parfum.shop/internal/auth"
	"parfum.shop/internal/backend"
	"parfum.shop/internal/config"
	"parfum.shop/internal/obs"
)

const usage = `usage:
  usersctl create -email E [-password P] [-name N] [-role admin|manager|customer]
  usersctl deactivate -email E
  usersctl activate -email E
  usersctl set-role -email E -role R

The password may also be passed via PARFUM_USER_PASSWORD.`

type options struct {
	cmd, email, password, name, role string
	cost                             int
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	o := options{cmd: os.Args[1]}

	fs := flag.NewFlagSet(o.cmd, flag.ExitOnError)
	fs.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	fs.StringVar(&o.email, "email", "", "account email")
	fs.StringVar(&o.password, "password", os.Getenv("PARFUM_USER_PASSWORD"), "password for create")
	fs.StringVar(&o.name, "name", "", "display name for create")
	fs.StringVar(&o.role, "role", string(auth.RoleCustomer), "role")
	fs.IntVar(&o.cost, "cost", auth.MinBcryptCost, "bcrypt cost")
	_ = fs.Parse(os.Args[2:])
	if o.email == "" {
		fs.Usage()
		os.Exit(2)
	}

	if err := run(o); err != nil {
		obs.Logger().Error(o.cmd+" failed", "email", o.email, "err", describe(err))
		os.Exit(1)
	}
}

// run returns instead of exiting so the store is closed on every path.
func run(o options) error {
	st, err := config.LoadStorage()
	if err != nil {
		return fmt.Errorf("invalid storage configuration: %w", err)
	}
	if st.Backend == config.BackendMemory {
		return errors.New("usersctl needs a persistent store; set PARFUM_STORE to postgres or mongo")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := backend.Open(ctx, st)
	if err != nil {
		return fmt.Errorf("open %s storage: %w", st.Backend, err)
	}
	defer store.Close(context.Background())

	creds, err := auth.NewCredentials(store.Users, auth.WithHashCost(o.cost), auth.WithLookupTimeout(st.Timeout))
	if err != nil {
		return fmt.Errorf("credentials: %w", err)
	}
	return apply(ctx, creds, o)
}

func apply(ctx context.Context, creds *auth.Credentials, o options) error {
	email := o.email
	switch o.cmd {
	case "create":
		r, err := auth.ParseRole(o.role)
		if err != nil {
			return err
		}
		u, err := creds.CreateUser(ctx, email, o.password, o.name, r)
		if err != nil {
			return err
		}
		fmt.Printf("created %s (%s) id=%s\n", u.Email, u.Role, u.ID)
	case "deactivate", "activate":
		if err := creds.SetActive(ctx, email, o.cmd == "activate"); err != nil {
			return err
		}
		fmt.Printf("%sd %s\n", o.cmd, auth.NormalizeEmail(email))
	case "set-role":
		r, err := auth.ParseRole(o.role)
		if err != nil {
			return err
		}
		if err := creds.SetRole(ctx, email, r); err != nil {
			return err
		}
		fmt.Printf("%s is now %s\n", auth.NormalizeEmail(email), r)
	default:
		return fmt.Errorf("unknown command %q", o.cmd)
	}
	return nil
}

// describe includes policy details that the bare error message omits.
func describe(err error) string {
	if e, ok := auth.AsError(err); ok && e.Details != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Details)
	}
	return err.Error()
}
