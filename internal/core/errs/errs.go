// Package errs defines the typed error kinds returned by every engine
// operation and the reason vocabulary shared with audit metadata.
package errs

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindInvalidState
	KindPolicyViolation
	KindBusy
	KindUnauthorized
	KindStorage
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindInvalidState:
		return "InvalidState"
	case KindPolicyViolation:
		return "PolicyViolation"
	case KindBusy:
		return "Busy"
	case KindUnauthorized:
		return "Unauthorized"
	case KindStorage:
		return "StorageFailure"
	case KindNotFound:
		return "NotFound"
	default:
		return "Unknown"
	}
}

// Retryable reports whether a caller may retry the operation unchanged.
func (k Kind) Retryable() bool {
	return k == KindBusy
}

// Reason is a stable machine-readable explanation. The same strings appear
// in AuditEntry metadata and in API error bodies.
type Reason string

const (
	ReasonMissingField         Reason = "missing_field"
	ReasonEmptyAnchors         Reason = "empty_anchors"
	ReasonEmptyVariants        Reason = "empty_variants"
	ReasonConfidenceRange      Reason = "confidence_out_of_range"
	ReasonInvalidEnum          Reason = "invalid_value"
	ReasonInvalidPolicy        Reason = "invalid_policy"
	ReasonNotDraft             Reason = "not_draft"
	ReasonNotPending           Reason = "not_pending"
	ReasonNotApproved          Reason = "not_approved"
	ReasonCardSuperseded       Reason = "card_superseded"
	ReasonAlreadyResolved      Reason = "already_resolved"
	ReasonManualResolution     Reason = "manual_resolution_required"
	ReasonUnsupportedDecision  Reason = "unsupported_decision"
	ReasonHighRiskNeedsElevate Reason = "high_risk_requires_elevation"
	ReasonElevationRequired    Reason = "elevated_role_required"
	ReasonProhibitedWord       Reason = "prohibited_word"
	ReasonBelowConfidence      Reason = "below_confidence_threshold"
	ReasonInsufficientSources  Reason = "insufficient_sources"
	ReasonFactMismatch         Reason = "fact_mismatch"
	ReasonSuperseded           Reason = "superseded"
	ReasonConflictResolution   Reason = "conflict_resolution"
	ReasonLockTimeout          Reason = "lock_timeout"
	ReasonEntityMissing        Reason = "entity_missing"
	ReasonNotFound             Reason = "not_found"
	ReasonStorage              Reason = "storage_unavailable"
)

type Error struct {
	Kind   Kind
	Op     string
	Reason Reason
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Reason != "" {
		msg += " (" + string(e.Reason) + ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinel errors by kind, so errors.Is(err, errs.ErrBusy) works
// for any Busy error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Reason == "" && t.Kind == e.Kind
}

var (
	ErrValidation      = &Error{Kind: KindValidation}
	ErrInvalidState    = &Error{Kind: KindInvalidState}
	ErrPolicyViolation = &Error{Kind: KindPolicyViolation}
	ErrBusy            = &Error{Kind: KindBusy}
	ErrUnauthorized    = &Error{Kind: KindUnauthorized}
	ErrStorage         = &Error{Kind: KindStorage}
	ErrNotFound        = &Error{Kind: KindNotFound}
)

func Validation(op string, reason Reason, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

func InvalidState(op string, reason Reason, format string, args ...any) *Error {
	return &Error{Kind: KindInvalidState, Op: op, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

func Unauthorized(op string, reason Reason, format string, args ...any) *Error {
	return &Error{Kind: KindUnauthorized, Op: op, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

func Busy(op string, format string, args ...any) *Error {
	return &Error{Kind: KindBusy, Op: op, Reason: ReasonLockTimeout, Detail: fmt.Sprintf(format, args...)}
}

func NotFound(op string, reason Reason, format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Op: op, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Storage wraps an underlying persistence failure. It is fatal for the
// in-flight operation.
func Storage(op string, err error) *Error {
	return &Error{Kind: KindStorage, Op: op, Reason: ReasonStorage, Err: err}
}

// KindOf returns the kind of err, or KindUnknown for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ReasonOf returns the reason carried by err, if any.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// AsStorage passes typed errors through unchanged and wraps anything else
// as a storage failure.
func AsStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindUnknown {
		return err
	}
	return Storage(op, err)
}
