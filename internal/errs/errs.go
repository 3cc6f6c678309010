// Package errs defines the failure taxonomy surfaced to callers.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind string

const (
	Validation           Kind = "validation"
	Duplicate            Kind = "duplicate"
	Unauthenticated      Kind = "unauthenticated"
	Forbidden            Kind = "forbidden"
	PendingApproval      Kind = "pending_approval"
	AccountSuspended     Kind = "account_suspended"
	AccountLocked        Kind = "account_locked"
	SecretChangeRequired Kind = "secret_change_required"
	SourceNotPermitted   Kind = "source_not_permitted"
	NotFound             Kind = "not_found"
	StateIllegal         Kind = "state_illegal"
	Cycle                Kind = "cycle"
	TooManyAttempts      Kind = "too_many_attempts"
	InternalTimeout      Kind = "internal_timeout"
	Internal             Kind = "internal"

	// Credential resolution failures. On the wire they are reported as Unauthenticated.
	UnknownCredential Kind = "unknown_credential"
	ExpiredCredential Kind = "expired_credential"
	RevokedCredential Kind = "revoked_credential"
)

// Error is a classified failure.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Detail != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error with a human-readable detail.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, err error, detail string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// KindOf extracts the kind of err. Deadline expiry is internal_timeout,
// anything unclassified is internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return InternalTimeout
	}
	return Internal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Detail returns the human-readable part of err suitable for a response body.
func Detail(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Detail != "" {
		return e.Detail
	}
	switch KindOf(err) {
	case InternalTimeout:
		return "operation timed out"
	case Internal:
		return "internal error"
	}
	return string(KindOf(err))
}

// Public maps a kind to the kind reported to callers.
func Public(kind Kind) Kind {
	switch kind {
	case UnknownCredential, ExpiredCredential, RevokedCredential:
		return Unauthenticated
	}
	return kind
}

// Status maps a kind to its HTTP status.
func Status(kind Kind) int {
	switch Public(kind) {
	case Validation:
		return http.StatusBadRequest
	case Unauthenticated:
		return http.StatusUnauthorized
	case Forbidden, PendingApproval, AccountSuspended, SecretChangeRequired, SourceNotPermitted:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Duplicate, Cycle, StateIllegal:
		return http.StatusConflict
	case AccountLocked:
		return http.StatusLocked
	case TooManyAttempts:
		return http.StatusTooManyRequests
	case InternalTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
