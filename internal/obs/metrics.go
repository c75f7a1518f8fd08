package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	serviceReady = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the storage backend answered the last readiness check.",
	})

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Auth metrics.
var (
	tokensIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_tokens_issued_total",
			Help: "Signed tokens by type.",
		},
		[]string{"type"},
	)

	tokenChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_token_verifications_total",
			Help: "Token verifications by type and result code.",
		},
		[]string{"type", "result"},
	)

	tokensRevoked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_tokens_revoked_total",
		Help: "Token identifiers added to the revocation list.",
	})

	loginAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_login_attempts_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"outcome"},
	)
)

var initOnce sync.Once

// Init registers metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, serviceReady,
			tokensIssued, tokenChecks, tokensRevoked, loginAttempts,
		)
	})
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady publishes the outcome of the latest readiness check.
func SetReady(ready bool) {
	if ready {
		serviceReady.Set(1)
		return
	}
	serviceReady.Set(0)
}

func RecordTokenIssued(typ string) { tokensIssued.WithLabelValues(typ).Inc() }

func RecordTokenCheck(typ, result string) {
	tokenChecks.WithLabelValues(typ, strings.ToLower(result)).Inc()
}

func RecordTokenRevoked() { tokensRevoked.Inc() }

func RecordLogin(outcome string) { loginAttempts.WithLabelValues(outcome).Inc() }

var knownPaths = map[string]struct{}{
	"/":                  {},
	"/healthz":           {},
	"/readyz":            {},
	"/metrics":           {},
	"/api/auth/login":    {},
	"/api/auth/register": {},
	"/api/auth/refresh":  {},
	"/api/auth/logout":   {},
	"/api/auth/me":       {},
	"/api/auth/verify":   {},
	"/api/auth/session":  {},
	"/api/auth/password": {},
}

// CanonicalPath strips the query string and folds unknown paths into one
// label value so scanners cannot blow up metric cardinality.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}
	if _, ok := knownPaths[path]; ok {
		return path
	}
	return "other"
}

// Instrument records in-flight requests, totals and latency.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
