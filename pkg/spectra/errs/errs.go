// Package errs defines the SPECTRA error-kind taxonomy shared by every
// pipeline. Call sites dispatch on Kind via errors.As, not on message text.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies the class of failure, as enumerated in the core error
// handling design: Configuration, Storage, Auth, FloodWait, EntityAccess,
// NetworkTimeout, Protocol, IntegrityViolation, Cancelled.
type Kind string

const (
	Configuration      Kind = "configuration"
	Storage            Kind = "storage"
	Auth               Kind = "auth"
	FloodWaitKind      Kind = "flood_wait"
	EntityAccess       Kind = "entity_access"
	NetworkTimeout     Kind = "network_timeout"
	Protocol           Kind = "protocol"
	IntegrityViolation Kind = "integrity_violation"
	Cancelled          Kind = "cancelled"
)

// Error wraps an underlying cause with a Kind and the operation that
// produced it, so callers can switch on Kind without parsing strings.
type Error struct {
	Kind      Kind
	Op        string
	Err       error
	After     time.Duration // meaningful only for Kind == FloodWaitKind
	Permanent bool          // meaningful only for Kind == Auth: session is revoked, not transiently rejected
}

func (e *Error) Error() string {
	if e.Kind == FloodWaitKind {
		return fmt.Sprintf("%s: flood wait: retry after %s", e.Op, e.After)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// FloodWait constructs a FloodWaitKind error carrying the mandated delay.
func FloodWait(op string, after time.Duration) *Error {
	return &Error{Kind: FloodWaitKind, Op: op, After: after}
}

// AuthRevoked constructs an Auth error marked Permanent: the session itself
// is gone (unregistered auth key, deactivated user, revoked session), not a
// transient credential rejection. IsPermanentAuth reports this flag back to
// callers that need to distinguish cooldown-and-retry from ban.
func AuthRevoked(op string, err error) *Error {
	return &Error{Kind: Auth, Op: op, Err: err, Permanent: true}
}

// IsPermanentAuth reports whether err is an Auth error constructed via
// AuthRevoked, i.e. the account's session can never succeed again without
// operator intervention.
func IsPermanentAuth(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == Auth && e.Permanent
	}
	return false
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or "" if err is not a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ExitCode maps a Kind to the operator-surface exit code from §6:
// 0 success, 2 configuration error, 3 storage error, 4 auth/ban, 5 cancelled.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case Configuration:
		return 2
	case Storage, IntegrityViolation:
		return 3
	case Auth:
		return 4
	case Cancelled:
		return 5
	default:
		return 1
	}
}
