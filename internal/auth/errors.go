package auth

import "errors"

// Kind classifies an Error for the transport boundary.
type Kind uint8

const (
	KindInternal Kind = iota
	KindValidation
	KindAuthentication
	KindAuthorization
	KindConflict
	KindRateLimit
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindConflict:
		return "conflict"
	case KindRateLimit:
		return "rate_limit"
	default:
		return "internal"
	}
}

// Error is the typed failure returned by the credential and token services.
// Two errors are equal under errors.Is when their codes match, so sentinels
// survive WithDetails and Wrap.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details any

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithDetails returns a copy carrying a structured details payload.
func (e *Error) WithDetails(details any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// Wrap returns a copy that records cause for logging. The cause is never
// rendered to clients in production.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.cause = cause
	return &cp
}

// AsError extracts the typed error from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Store-level sentinels.
var (
	ErrNotFound     = errors.New("auth: not found")
	ErrInvalidInput = errors.New("auth: invalid input")
)

var (
	ErrValidation   = &Error{Kind: KindValidation, Code: "VALIDATION_ERROR", Message: "request validation failed"}
	ErrWeakPassword = &Error{Kind: KindValidation, Code: "WEAK_PASSWORD", Message: "password does not meet strength requirements"}

	ErrInvalidCredentials = &Error{Kind: KindAuthentication, Code: "INVALID_CREDENTIALS", Message: "invalid email or password"}
	ErrMissingToken       = &Error{Kind: KindAuthentication, Code: "MISSING_TOKEN", Message: "missing bearer token"}
	ErrTokenInvalid       = &Error{Kind: KindAuthentication, Code: "TOKEN_INVALID", Message: "invalid token"}
	ErrTokenExpired       = &Error{Kind: KindAuthentication, Code: "TOKEN_EXPIRED", Message: "token has expired"}
	ErrTokenRevoked       = &Error{Kind: KindAuthentication, Code: "TOKEN_REVOKED", Message: "token has been revoked"}

	ErrForbidden = &Error{Kind: KindAuthorization, Code: "INSUFFICIENT_ROLE", Message: "insufficient role for this resource"}

	ErrEmailTaken = &Error{Kind: KindConflict, Code: "EMAIL_TAKEN", Message: "email is already registered"}

	ErrRateLimited = &Error{Kind: KindRateLimit, Code: "RATE_LIMIT_EXCEEDED", Message: "too many requests, try again later"}
)
