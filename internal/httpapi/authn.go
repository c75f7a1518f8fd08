package httpapi

import (
	"context"
	"net/http"
	"strings"

	"parfum.shop/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "bearer"
)

// TokenVerifier validates access tokens.
type TokenVerifier interface {
	VerifyAccessToken(ctx context.Context, token string) (*auth.Claims, error)
}

// Authenticate requires a valid bearer access token and attaches the caller's
// identity and raw token to the request context.
func Authenticate(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := extractBearerToken(r.Header.Get(authHeader))
			if err != nil {
				writeError(w, r, err)
				return
			}
			claims, err := verifier.VerifyAccessToken(r.Context(), token)
			if err != nil {
				writeError(w, r, err)
				return
			}
			ctx := auth.ContextWithIdentity(r.Context(), claims.Identity())
			ctx = auth.ContextWithToken(ctx, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OptionalAuthenticate attaches the identity when a valid token is present and
// otherwise lets the request through anonymously.
func OptionalAuthenticate(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := extractBearerToken(r.Header.Get(authHeader))
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			claims, err := verifier.VerifyAccessToken(r.Context(), token)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			ctx := auth.ContextWithIdentity(r.Context(), claims.Identity())
			ctx = auth.ContextWithToken(ctx, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Authorize admits identities holding one of roles. It must run after
// Authenticate.
func Authorize(roles ...auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := auth.IdentityFromContext(r.Context())
			if !ok {
				writeError(w, r, auth.ErrMissingToken)
				return
			}
			if err := auth.Authorize(id, roles...); err != nil {
				writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", auth.ErrMissingToken
	}
	scheme, token, _ := strings.Cut(header, " ")
	if !strings.EqualFold(scheme, bearer) {
		return "", auth.ErrTokenInvalid.WithDetails(map[string]any{"reason": "unsupported authorization scheme"})
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", auth.ErrMissingToken
	}
	return token, nil
}
