// Package autherr defines the error taxonomy shared by the authentication
// server and the session client. Every failure the auth core can produce is
// an *Error carrying a Kind; the Kind decides the HTTP status on the server
// and the recovery path on the client (for example TOKEN_EXPIRED leads to a
// refresh, TOKEN_INVALID to a forced re-login).
package autherr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind identifies a class of failure. Its string value is the "code" field of
// the wire error envelope.
type Kind string

const (
	KindMissingField       Kind = "MISSING_FIELD"
	KindInvalidInput       Kind = "INVALID_INPUT"
	KindInvalidCredentials Kind = "INVALID_CREDENTIALS"
	KindAccountDisabled    Kind = "ACCOUNT_DISABLED"
	KindTokenExpired       Kind = "TOKEN_EXPIRED"
	KindTokenInvalid       Kind = "TOKEN_INVALID"
	KindUnauthenticated    Kind = "UNAUTHENTICATED"
	KindNotFound           Kind = "NOT_FOUND"
	KindForbidden          Kind = "FORBIDDEN"
	KindAccessDenied       Kind = "ACCESS_DENIED"
	KindConflict           Kind = "CONFLICT"
	KindRateLimited        Kind = "RATE_LIMITED"
	KindNetwork            Kind = "NETWORK_ERROR"
	KindTimeout            Kind = "TIMEOUT"
	KindServiceUnavailable Kind = "SERVICE_UNAVAILABLE"
	KindInternal           Kind = "INTERNAL_ERROR"
)

// HTTPStatus maps a Kind to the status code the server answers with.
// Client-only kinds (network, timeout) map to 503/504 so that they still
// render sensibly if they ever reach a response writer.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindMissingField, KindInvalidInput:
		return http.StatusBadRequest
	case KindInvalidCredentials, KindAccountDisabled, KindTokenExpired,
		KindTokenInvalid, KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden, KindAccessDenied:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindServiceUnavailable, KindNetwork:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// defaultMessages are user-facing texts used when no message is supplied.
var defaultMessages = map[Kind]string{
	KindMissingField:       "required field missing",
	KindInvalidInput:       "invalid input",
	KindInvalidCredentials: "invalid credentials",
	KindAccountDisabled:    "account disabled",
	KindTokenExpired:       "token expired",
	KindTokenInvalid:       "token invalid",
	KindUnauthenticated:    "authentication required",
	KindNotFound:           "not found",
	KindForbidden:          "forbidden",
	KindAccessDenied:       "access denied",
	KindConflict:           "conflict",
	KindRateLimited:        "too many attempts",
	KindNetwork:            "network error",
	KindTimeout:            "request timed out",
	KindServiceUnavailable: "service unavailable",
	KindInternal:           "internal error",
}

// Error is the typed failure returned by the auth core.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration // only meaningful for KindRateLimited
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = defaultMessages[e.Kind]
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same Kind, so that
// errors.Is(err, autherr.ErrTokenExpired) works for any expired-token error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// PublicMessage is the message safe to show to callers.
func (e *Error) PublicMessage() string {
	if e.Message != "" {
		return e.Message
	}
	return defaultMessages[e.Kind]
}

// Sentinels for errors.Is matching.
var (
	ErrMissingField       = &Error{Kind: KindMissingField}
	ErrInvalidInput       = &Error{Kind: KindInvalidInput}
	ErrInvalidCredentials = &Error{Kind: KindInvalidCredentials}
	ErrAccountDisabled    = &Error{Kind: KindAccountDisabled}
	ErrTokenExpired       = &Error{Kind: KindTokenExpired}
	ErrTokenInvalid       = &Error{Kind: KindTokenInvalid}
	ErrUnauthenticated    = &Error{Kind: KindUnauthenticated}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrForbidden          = &Error{Kind: KindForbidden}
	ErrAccessDenied       = &Error{Kind: KindAccessDenied}
	ErrConflict           = &Error{Kind: KindConflict}
	ErrRateLimited        = &Error{Kind: KindRateLimited}
	ErrNetwork            = &Error{Kind: KindNetwork}
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrServiceUnavailable = &Error{Kind: KindServiceUnavailable}
	ErrInternal           = &Error{Kind: KindInternal}
)

// New builds an *Error with an explicit message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap builds an *Error that keeps cause for logging.
func Wrap(kind Kind, cause error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Err: cause}
}

// RateLimited builds a RATE_LIMITED error carrying the retry-after hint.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, RetryAfter: retryAfter}
}

// RetryAfterMinutes rounds the retry hint up to whole minutes, the unit the
// login form reports.
func (e *Error) RetryAfterMinutes() int {
	if e.RetryAfter <= 0 {
		return 0
	}
	m := int(e.RetryAfter / time.Minute)
	if e.RetryAfter%time.Minute != 0 {
		m++
	}
	return m
}

// KindOf returns the Kind of err, or KindInternal for errors outside the
// taxonomy. A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// As extracts the *Error from err, wrapping foreign errors as INTERNAL_ERROR.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindInternal, Err: err}
}
