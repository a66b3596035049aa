// Package failure classifies errors raised while turning events into sent
// messages. Every error that decides a trigger's fate carries a Kind so the
// engine can pick between retrying, rescheduling and failing the trigger.
package failure

import (
	"errors"
	"fmt"
)

// Kind is the failure category.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindTransientUpstream Kind = "transient_upstream"
	KindPermanentUpstream Kind = "permanent_upstream"
	KindTokenExpired      Kind = "token_expired"
	KindRateLimited       Kind = "rate_limited"
	KindDuplicate         Kind = "duplicate"
	KindFlowStructure     Kind = "flow_structure"
)

// Error is a classified error.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Reason != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so errors.Is(err, failure.New(KindTokenExpired, "")) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// New creates a classified error without a cause.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, reason string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// Validation is shorthand for a malformed event or flow.
func Validation(format string, args ...any) *Error {
	return New(KindValidation, fmt.Sprintf(format, args...))
}

// FlowStructure is shorthand for a missing node or edge.
func FlowStructure(format string, args ...any) *Error {
	return New(KindFlowStructure, fmt.Sprintf(format, args...))
}

// KindOf returns the kind of the first classified error in err's chain, or "".
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// ReasonOf returns the reason of the first classified error in err's chain.
func ReasonOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Reason
	}
	return ""
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransientUpstream
}

// IsPermanent reports whether err must not be retried. Token expiry is a
// permanent failure that additionally requires the account to reconnect.
func IsPermanent(err error) bool {
	switch KindOf(err) {
	case KindPermanentUpstream, KindTokenExpired, KindValidation, KindFlowStructure:
		return true
	}
	return false
}
