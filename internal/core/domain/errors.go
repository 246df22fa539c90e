package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure that can reach the presentation layer.
type ErrorKind string

const (
	KindInvalidTarget      ErrorKind = "INVALID_TARGET"
	KindNetworkMismatch    ErrorKind = "NETWORK_MISMATCH"
	KindMediaUnavailable   ErrorKind = "MEDIA_UNAVAILABLE"
	KindNegotiationFailure ErrorKind = "NEGOTIATION_FAILURE"
	KindICEApplyFailure    ErrorKind = "ICE_APPLY_FAILURE"
	KindProtocolViolation  ErrorKind = "PROTOCOL_VIOLATION"
	KindStaleEvent         ErrorKind = "STALE_EVENT"
	KindCallInProgress     ErrorKind = "CALL_IN_PROGRESS"
)

// Sentinels for errors.Is. A *CallError matches the sentinel of its kind.
var (
	ErrInvalidTarget      = &CallError{Kind: KindInvalidTarget}
	ErrNetworkMismatch    = &CallError{Kind: KindNetworkMismatch}
	ErrMediaUnavailable   = &CallError{Kind: KindMediaUnavailable}
	ErrNegotiationFailure = &CallError{Kind: KindNegotiationFailure}
	ErrICEApplyFailure    = &CallError{Kind: KindICEApplyFailure}
	ErrProtocolViolation  = &CallError{Kind: KindProtocolViolation}
	ErrStaleEvent         = &CallError{Kind: KindStaleEvent}
	ErrCallInProgress     = &CallError{Kind: KindCallInProgress}
)

type CallError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func NewError(kind ErrorKind, op string, err error) *CallError {
	return &CallError{Kind: kind, Op: op, Err: err}
}

func (e *CallError) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return string(e.Kind)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

func (e *CallError) Is(target error) bool {
	t, ok := target.(*CallError)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// KindOf returns the kind carried by err, or fallback when err is not a *CallError.
func KindOf(err error, fallback ErrorKind) ErrorKind {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return fallback
}

// Recoverable reports whether an error of this kind leaves any active session intact.
func (k ErrorKind) Recoverable() bool {
	switch k {
	case KindInvalidTarget, KindICEApplyFailure, KindStaleEvent, KindCallInProgress:
		return true
	}
	return false
}
