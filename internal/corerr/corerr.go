// Package corerr implements the error taxonomy from a fixed
// set of named kinds, each carrying enough structure that a caller can
// branch on it with errors.As instead of string-matching.
package corerr

import (
	"errors"
	"fmt"
)

// Kind names one of the fixed error shapes.
type Kind string

const (
	KindConfigError            Kind = "ConfigError"
	KindUnknownAction          Kind = "UnknownAction"
	KindUnknownSleeve          Kind = "UnknownSleeve"
	KindRuleViolation          Kind = "RuleViolation"
	KindDataStale              Kind = "DataStale"
	KindNoData                 Kind = "NoData"
	KindInvalidData            Kind = "InvalidData"
	KindBackpressure           Kind = "Backpressure"
	KindTimeout                Kind = "Timeout"
	KindBrokerReject           Kind = "BrokerReject"
	KindReconciliationMismatch Kind = "ReconciliationMismatch"
	KindInvariantViolation     Kind = "InvariantViolation"
)

// Recoverable reports whether the kind is one a caller is expected to
// retry or branch on, as opposed to one that halts a component.
func (k Kind) Recoverable() bool {
	switch k {
	case KindRuleViolation, KindDataStale, KindBackpressure, KindTimeout, KindBrokerReject, KindReconciliationMismatch:
		return true
	default:
		return false
	}
}

// Error is the structured error type every fallible core operation
// returns. It is never replaced by an opaque string.
type Error struct {
	Kind    Kind
	Message string
	// Wrapped is the underlying cause, if any.
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Wrapped: cause}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
