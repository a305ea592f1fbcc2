package models

import (
	"errors"
	"fmt"
)

// ErrorKind is a stable machine-readable error classification. Clients branch
// on the kind string, never on the human-readable message.
type ErrorKind string

// The closed set of error kinds crossing component boundaries.
const (
	KindVersionConflict       ErrorKind = "VersionConflict"
	KindIncidentTerminated    ErrorKind = "IncidentTerminated"
	KindIncidentNotFound      ErrorKind = "IncidentNotFound"
	KindUnauthorizedDashboard ErrorKind = "UnauthorizedDashboard"
	KindRateLimited           ErrorKind = "RateLimited"
	KindSafetyViolation       ErrorKind = "SafetyViolation"
	KindUnavailable           ErrorKind = "Unavailable"
	KindCancelled             ErrorKind = "Cancelled"
	KindValidation            ErrorKind = "ValidationError"
)

// Error carries an ErrorKind across component boundaries. It wraps an
// optional cause for errors.Is/As chains.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs an Error with the given kind and message.
func E(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Ef constructs an Error wrapping a cause.
func Ef(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the ErrorKind from an error chain. Unknown errors map to
// Unavailable so callers always observe an enumerated kind.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnavailable
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
