package httpapi

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"parfum.shop/internal/obs"
)

func TestRateLimitExceeded(t *testing.T) {
	limiter := NewRateLimiter(60, 1, false)
	now := time.Unix(1_700_000_000, 0)
	limiter.now = func() time.Time { return now }
	handler := RequestID(limiter.Middleware(okHandler()))

	call := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		req.RemoteAddr = addr
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	if rr := call("10.0.0.1:1234"); rr.Code != http.StatusOK {
		t.Fatalf("expected first call 200, got %d", rr.Code)
	}
	rr := call("10.0.0.1:5678")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if got := rr.Header().Get("Retry-After"); got != "1" {
		t.Fatalf("expected Retry-After 1, got %q", got)
	}
	var env errorEnvelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode rate limit body: %v", err)
	}
	if env.Error.Code != "RATE_LIMIT_EXCEEDED" {
		t.Fatalf("unexpected code %s", env.Error.Code)
	}
	if env.RequestID == "" {
		t.Fatalf("expected requestId in body")
	}

	if rr := call("10.0.0.2:1234"); rr.Code != http.StatusOK {
		t.Fatalf("other clients keep their own bucket, got %d", rr.Code)
	}

	now = now.Add(time.Second)
	if rr := call("10.0.0.1:1234"); rr.Code != http.StatusOK {
		t.Fatalf("expected bucket to refill, got %d", rr.Code)
	}
}

func TestRateLimitIgnoresForwardedForUnlessTrusted(t *testing.T) {
	limiter := NewRateLimiter(60, 1, false)
	handler := limiter.Middleware(okHandler())

	for i, xff := range []string{"1.1.1.1", "2.2.2.2"} {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		req.RemoteAddr = "10.0.0.9:1000"
		req.Header.Set("X-Forwarded-For", xff)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if i == 1 && rr.Code != http.StatusTooManyRequests {
			t.Fatalf("spoofed X-Forwarded-For must not reset the bucket, got %d", rr.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.9:1000"
	req.Header.Set("X-Forwarded-For", "3.3.3.3, 10.0.0.1")
	if got := clientIP(req, true); got != "3.3.3.3" {
		t.Fatalf("trusted proxy: expected 3.3.3.3, got %s", got)
	}
}

func TestRateLimiterSweepDropsIdleBuckets(t *testing.T) {
	limiter := NewRateLimiter(60, 1, false)
	now := time.Unix(1_700_000_000, 0)
	limiter.now = func() time.Time { return now }
	limiter.allow("10.0.0.1")

	now = now.Add(limiter.idle + time.Second)
	limiter.allow("10.0.0.2")
	limiter.Sweep()

	if _, ok := limiter.buckets["10.0.0.1"]; ok {
		t.Fatalf("idle bucket should be swept")
	}
	if _, ok := limiter.buckets["10.0.0.2"]; !ok {
		t.Fatalf("fresh bucket should survive")
	}
}

func TestLoggingJSONEmitsStructuredEntry(t *testing.T) {
	var buf bytes.Buffer
	restore := obs.SetLogger(slog.New(slog.NewJSONHandler(&buf, nil)))
	defer restore()

	handler := RequestID(LoggingJSON(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("ok"))
	})))

	req := httptest.NewRequest(http.MethodGet, "/log-test", nil)
	req.Header.Set(requestIDHeader, "rid-42")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	line := strings.TrimSpace(buf.String())
	if line == "" {
		t.Fatal("expected log line")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log is not valid JSON: %v", err)
	}
	for _, key := range []string{"time", "level", "msg", "request_id", "method", "path", "status", "duration_ms"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("expected key %q in log entry", key)
		}
	}
	if entry["msg"] != "request_complete" {
		t.Fatalf("unexpected msg: %v", entry["msg"])
	}
	if entry["status"] != float64(http.StatusTeapot) {
		t.Fatalf("unexpected status: %v", entry["status"])
	}
	if entry["request_id"] != "rid-42" {
		t.Fatalf("unexpected request_id: %v", entry["request_id"])
	}
}

func TestRequestIDGeneratedWhenMissing(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if seen == "" || rr.Header().Get(requestIDHeader) != seen {
		t.Fatalf("expected generated id echoed in header, ctx=%q header=%q", seen, rr.Header().Get(requestIDHeader))
	}
}

func TestRecoverRendersEnvelope(t *testing.T) {
	var buf bytes.Buffer
	restore := obs.SetLogger(slog.New(slog.NewJSONHandler(&buf, nil)))
	defer restore()

	panicky := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") })

	for _, dev := range []bool{false, true} {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/auth/verify", nil)
		req = req.WithContext(withDebug(req.Context(), dev))
		Recover(panicky).ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Fatalf("expected 500, got %d", rr.Code)
		}
		var env errorEnvelope
		if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if env.Error.Code != "INTERNAL_ERROR" || env.Error.Message != "internal server error" {
			t.Fatalf("unexpected error body: %+v", env.Error)
		}
		if !dev && env.Debug != nil {
			t.Fatalf("debug block leaked outside development")
		}
		if dev && (env.Debug == nil || env.Debug.Stack == "" || !strings.Contains(env.Debug.Cause, "boom")) {
			t.Fatalf("expected stack and cause in development, got %+v", env.Debug)
		}
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Fatalf("expected panic to be logged")
	}
}

func TestSecurityHeaders(t *testing.T) {
	rr := httptest.NewRecorder()
	SecurityHeaders(true)(okHandler()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	for _, h := range []string{"X-Content-Type-Options", "X-Frame-Options", "Content-Security-Policy", "Strict-Transport-Security"} {
		if rr.Header().Get(h) == "" {
			t.Fatalf("expected %s header", h)
		}
	}

	rr = httptest.NewRecorder()
	SecurityHeaders(false)(okHandler()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Header().Get("Strict-Transport-Security") != "" {
		t.Fatalf("HSTS must be off when disabled")
	}
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://admin.parfum.shop/"}, false)(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/api/auth/login", nil)
	req.Header.Set("Origin", "https://admin.parfum.shop")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected preflight 204, got %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "https://admin.parfum.shop" {
		t.Fatalf("expected allowed origin echoed")
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("local origin must be rejected outside development")
	}

	rr = httptest.NewRecorder()
	CORS(nil, true)(okHandler()).ServeHTTP(rr, req)
	if rr.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Fatalf("local origin should be allowed in development")
	}
}
