// Package config loads runtime settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"

	minSecretLength = 32
	minBcryptCost   = 12
	maxBcryptCost   = 31
)

// Config is the full API server configuration.
type Config struct {
	Env      string
	HTTPAddr string
	GRPCAddr string

	AccessSecret    string
	RefreshSecret   string
	Issuer          string
	Audience        string
	AccessTTL       time.Duration
	RefreshTTL      time.Duration
	RefreshRotation bool
	BcryptCost      int

	CORSOrigins  []string
	MaxBodyBytes int64
	LoginPerMin  float64
	LoginBurst   int
	TrustProxy   bool

	Storage Storage
}

// Storage selects and configures the user and revocation backends.
type Storage struct {
	Backend       string
	PostgresDSN   string
	MongoURI      string
	MongoDatabase string
	Timeout       time.Duration
	SweepInterval time.Duration
}

// Development reports whether debug details may be exposed to clients.
func (c Config) Development() bool { return c.Env == EnvDevelopment }

// Load reads .env (when present) and the PARFUM_* variables, then validates
// the result. Any error should stop the process.
func Load() (Config, error) {
	loadDotEnv()
	return parse(os.Getenv)
}

// LoadStorage reads and validates only the storage section.
func LoadStorage() (Storage, error) {
	loadDotEnv()
	r := reader{get: os.Getenv}
	st := r.storage()
	if r.err != nil {
		return Storage{}, r.err
	}
	if err := st.validate(); err != nil {
		return Storage{}, err
	}
	return st, nil
}

func loadDotEnv() {
	// Variables already set in the process win over the file.
	_ = godotenv.Load()
}

func parse(get func(string) string) (Config, error) {
	r := reader{get: get}
	cfg := Config{
		Env:      strings.ToLower(r.str("PARFUM_ENV", EnvProduction)),
		HTTPAddr: r.str("PARFUM_HTTP_ADDR", ":8080"),
		GRPCAddr: r.str("PARFUM_GRPC_ADDR", ""),

		AccessSecret:    r.str("PARFUM_JWT_ACCESS_SECRET", ""),
		RefreshSecret:   r.str("PARFUM_JWT_REFRESH_SECRET", ""),
		Issuer:          r.str("PARFUM_JWT_ISSUER", "parfum-api"),
		Audience:        r.str("PARFUM_JWT_AUDIENCE", "parfum-admin"),
		AccessTTL:       r.duration("PARFUM_ACCESS_TTL", 15*time.Minute),
		RefreshTTL:      r.duration("PARFUM_REFRESH_TTL", 7*24*time.Hour),
		RefreshRotation: r.boolean("PARFUM_REFRESH_ROTATION", true),
		BcryptCost:      r.integer("PARFUM_BCRYPT_COST", minBcryptCost),

		CORSOrigins:  r.list("PARFUM_CORS_ORIGINS"),
		MaxBodyBytes: int64(r.integer("PARFUM_MAX_BODY_BYTES", 1<<20)),
		LoginPerMin:  float64(r.integer("PARFUM_LOGIN_PER_MIN", 10)),
		LoginBurst:   r.integer("PARFUM_LOGIN_BURST", 5),
		TrustProxy:   r.boolean("PARFUM_TRUST_PROXY", false),

		Storage: r.storage(),
	}
	if r.err != nil {
		return Config{}, r.err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	switch c.Env {
	case EnvDevelopment, EnvProduction:
	default:
		errs = append(errs, fmt.Errorf("PARFUM_ENV must be %s or %s, got %q", EnvDevelopment, EnvProduction, c.Env))
	}
	if c.AccessSecret == "" {
		errs = append(errs, errors.New("PARFUM_JWT_ACCESS_SECRET is required"))
	} else if len(c.AccessSecret) < minSecretLength {
		errs = append(errs, fmt.Errorf("PARFUM_JWT_ACCESS_SECRET must be at least %d characters", minSecretLength))
	}
	if c.RefreshSecret == "" {
		errs = append(errs, errors.New("PARFUM_JWT_REFRESH_SECRET is required"))
	} else if len(c.RefreshSecret) < minSecretLength {
		errs = append(errs, fmt.Errorf("PARFUM_JWT_REFRESH_SECRET must be at least %d characters", minSecretLength))
	}
	if c.AccessSecret != "" && c.AccessSecret == c.RefreshSecret {
		errs = append(errs, errors.New("access and refresh secrets must differ"))
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 {
		errs = append(errs, errors.New("token TTLs must be positive"))
	} else if c.AccessTTL >= c.RefreshTTL {
		errs = append(errs, errors.New("PARFUM_ACCESS_TTL must be shorter than PARFUM_REFRESH_TTL"))
	}
	if c.BcryptCost < minBcryptCost || c.BcryptCost > maxBcryptCost {
		errs = append(errs, fmt.Errorf("PARFUM_BCRYPT_COST must be within [%d, %d]", minBcryptCost, maxBcryptCost))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("PARFUM_MAX_BODY_BYTES must be positive"))
	}
	if c.LoginPerMin <= 0 || c.LoginBurst <= 0 {
		errs = append(errs, errors.New("login rate limit must be positive"))
	}
	if err := c.Storage.validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s Storage) validate() error {
	switch s.Backend {
	case BackendMemory:
	case BackendPostgres:
		if s.PostgresDSN == "" {
			return errors.New("PARFUM_PG_DSN is required for the postgres backend")
		}
	case BackendMongo:
		if s.MongoURI == "" {
			return errors.New("PARFUM_MONGO_URI is required for the mongo backend")
		}
	default:
		return fmt.Errorf("PARFUM_STORE must be one of %s, %s, %s; got %q", BackendMemory, BackendPostgres, BackendMongo, s.Backend)
	}
	if s.Timeout <= 0 {
		return errors.New("PARFUM_STORE_TIMEOUT must be positive")
	}
	return nil
}

type reader struct {
	get func(string) string
	err error
}

func (r *reader) storage() Storage {
	return Storage{
		Backend:       strings.ToLower(r.str("PARFUM_STORE", BackendMemory)),
		PostgresDSN:   r.str("PARFUM_PG_DSN", ""),
		MongoURI:      r.str("PARFUM_MONGO_URI", ""),
		MongoDatabase: r.str("PARFUM_MONGO_DB", "parfum"),
		Timeout:       r.duration("PARFUM_STORE_TIMEOUT", 5*time.Second),
		SweepInterval: r.duration("PARFUM_REVOCATION_SWEEP", 10*time.Minute),
	}
}

func (r *reader) str(key, def string) string {
	if v := strings.TrimSpace(r.get(key)); v != "" {
		return v
	}
	return def
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(r.get(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (r *reader) integer(key string, def int) int {
	v := strings.TrimSpace(r.get(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (r *reader) boolean(key string, def bool) bool {
	v := strings.TrimSpace(r.get(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (r *reader) list(key string) []string {
	var out []string
	for _, item := range strings.Split(r.get(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (r *reader) fail(err error) {
	r.err = errors.Join(r.err, err)
}
