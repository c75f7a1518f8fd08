package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"parfum.shop/internal/auth"
	"parfum.shop/internal/obs"
)

const serviceName = "parfum-auth"

// ReadinessChecker reports whether the backing stores can serve requests.
type ReadinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyFunc adapts a ping function to ReadinessChecker.
type ReadyFunc func(ctx context.Context) error

func (f ReadyFunc) Check(ctx context.Context) error {
	if f == nil {
		return nil
	}
	return f(ctx)
}

// Options tunes the HTTP layer.
type Options struct {
	Version      string
	Development  bool
	CORSOrigins  []string
	MaxBodyBytes int64
	LoginPerMin  float64
	LoginBurst   int
	TrustProxy   bool
}

// API is the HTTP layer of the auth service.
type API struct {
	mux      *http.ServeMux
	tokens   *auth.TokenService
	creds    *auth.Credentials
	ready    ReadinessChecker
	opts     Options
	limiter  *RateLimiter
	validate *validator.Validate
}

// New builds the API and registers its routes.
func New(tokens *auth.TokenService, creds *auth.Credentials, ready ReadinessChecker, opts Options) *API {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.LoginPerMin <= 0 {
		opts.LoginPerMin = 10
	}
	if opts.LoginBurst <= 0 {
		opts.LoginBurst = 5
	}
	if ready == nil {
		ready = ReadyFunc(nil)
	}
	a := &API{
		mux:      http.NewServeMux(),
		tokens:   tokens,
		creds:    creds,
		ready:    ready,
		opts:     opts,
		limiter:  NewRateLimiter(opts.LoginPerMin, opts.LoginBurst, opts.TrustProxy),
		validate: newValidator(),
	}

	authn := Authenticate(tokens)
	limited := a.limiter.Middleware

	a.mux.Handle("/api/auth/login", limited(post(a.Login)))
	a.mux.Handle("/api/auth/register", limited(post(a.Register)))
	a.mux.Handle("/api/auth/refresh", post(a.Refresh))
	a.mux.Handle("/api/auth/logout", authn(post(a.Logout)))
	a.mux.Handle("/api/auth/me", authn(Authorize(auth.RoleAdmin)(get(a.Me))))
	a.mux.Handle("/api/auth/verify", authn(get(a.Verify)))
	a.mux.Handle("/api/auth/session", OptionalAuthenticate(tokens)(get(a.Session)))
	a.mux.Handle("/api/auth/password", authn(method(http.MethodPut, a.ChangePassword)))

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.Handle("/metrics", obs.Handler())
	a.mux.HandleFunc("/", notFound)

	return a
}

// Handler returns the route table wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(a.opts.MaxBodyBytes)(h)
	h = CORS(a.opts.CORSOrigins, a.opts.Development)(h)
	h = SecurityHeaders(!a.opts.Development)(h)
	h = Recover(h)
	h = LoggingJSON(h)
	h = a.debugContext(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// Limiter exposes the login rate limiter so its janitor can be started.
func (a *API) Limiter() *RateLimiter { return a.limiter }

func (a *API) debugContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(withDebug(r.Context(), a.opts.Development)))
	})
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.ready.Check(ctx); err != nil {
		obs.SetReady(false)
		obs.Logger().Warn("readiness check failed", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready"})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// --- helpers ---

func method(m string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != m {
			methodNotAllowed(w, r, m)
			return
		}
		h(w, r)
	})
}

func get(h http.HandlerFunc) http.Handler { return method(http.MethodGet, h) }
func post(h http.HandlerFunc) http.Handler { return method(http.MethodPost, h) }

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads exactly one JSON object into dst. An empty body is an
// error unless optional is set.
func decodeJSON(r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			if optional {
				return nil
			}
			return auth.ErrValidation.WithDetails(map[string]any{"reason": "request body is required"})
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return auth.ErrValidation.WithDetails(map[string]any{"reason": "request body too large"})
		}
		return auth.ErrValidation.Wrap(err).WithDetails(map[string]any{"reason": "malformed JSON body"})
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return auth.ErrValidation.WithDetails(map[string]any{"reason": "unexpected data after JSON body"})
	}
	return nil
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// check validates req and converts failures into ErrValidation with one
// FieldError per failed rule.
func (a *API) check(req any) error {
	err := a.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make([]auth.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, auth.FieldError{Field: fe.Field(), Rule: fe.Tag()})
	}
	return auth.ErrValidation.WithDetails(fields)
}
