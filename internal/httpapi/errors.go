package httpapi

import (
	"context"
	"net/http"
	"time"

	"parfum.shop/internal/auth"
	"parfum.shop/internal/obs"
)

var errInternal = &auth.Error{Kind: auth.KindInternal, Code: "INTERNAL_ERROR", Message: "internal server error"}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type debugInfo struct {
	Stack     string `json:"stack,omitempty"`
	IP        string `json:"ip"`
	UserAgent string `json:"userAgent"`
	Cause     string `json:"cause,omitempty"`
}

type errorEnvelope struct {
	Success   bool       `json:"success"`
	Error     errorBody  `json:"error"`
	Timestamp string     `json:"timestamp"`
	Path      string     `json:"path"`
	Method    string     `json:"method"`
	RequestID string     `json:"requestId,omitempty"`
	Debug     *debugInfo `json:"debug,omitempty"`
}

// statusFor maps an error kind onto its HTTP status.
func statusFor(kind auth.Kind) int {
	switch kind {
	case auth.KindValidation:
		return http.StatusBadRequest
	case auth.KindAuthentication:
		return http.StatusUnauthorized
	case auth.KindAuthorization:
		return http.StatusForbidden
	case auth.KindConflict:
		return http.StatusConflict
	case auth.KindRateLimit:
		return http.StatusTooManyRequests
	case auth.KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as the error envelope. Errors that are not
// *auth.Error are treated as internal and never shown to clients outside
// development mode.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeErrorWithStack(w, r, err, "")
}

func writeErrorWithStack(w http.ResponseWriter, r *http.Request, err error, stack string) {
	e, ok := auth.AsError(err)
	if !ok {
		e = errInternal.Wrap(err)
	}
	status := statusFor(e.Kind)
	if status == http.StatusInternalServerError {
		obs.Logger().Error("request failed",
			"request_id", RequestIDFromContext(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"err", err,
		)
	}
	if e.Kind == auth.KindAuthentication {
		w.Header().Set("WWW-Authenticate", `Bearer realm="parfum"`)
	}

	env := errorEnvelope{
		Error:     errorBody{Code: e.Code, Message: e.Message, Details: e.Details},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Path:      r.URL.Path,
		Method:    r.Method,
		RequestID: RequestIDFromContext(r.Context()),
	}
	if debugEnabled(r.Context()) {
		env.Debug = &debugInfo{
			Stack:     stack,
			IP:        clientIP(r, true),
			UserAgent: r.UserAgent(),
		}
		if cause := e.Unwrap(); cause != nil {
			env.Debug.Cause = cause.Error()
		}
	}
	writeJSON(w, status, env)
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, r, http.StatusNotFound, "NOT_FOUND", "resource not found")
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed string) {
	w.Header().Set("Allow", allowed)
	writeStatus(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
}

func writeStatus(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, errorEnvelope{
		Error:     errorBody{Code: code, Message: msg},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Path:      r.URL.Path,
		Method:    r.Method,
		RequestID: RequestIDFromContext(r.Context()),
	})
}

type debugKey struct{}

func withDebug(ctx context.Context, on bool) context.Context {
	return context.WithValue(ctx, debugKey{}, on)
}

func debugEnabled(ctx context.Context) bool {
	on, _ := ctx.Value(debugKey{}).(bool)
	return on
}
