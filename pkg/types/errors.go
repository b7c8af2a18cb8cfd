package types

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind represents the category of a coordination failure
type ErrorKind string

const (
	ErrorKindNotConnected       ErrorKind = "NOT_CONNECTED"
	ErrorKindUnauthorized       ErrorKind = "UNAUTHORIZED"
	ErrorKindLedgerUnavailable  ErrorKind = "LEDGER_UNAVAILABLE"
	ErrorKindLedgerWriteFailed  ErrorKind = "LEDGER_WRITE_FAILED"
	ErrorKindContentUnavailable ErrorKind = "CONTENT_UNAVAILABLE"
	ErrorKindValidation         ErrorKind = "VALIDATION_FAILED"
	ErrorKindTimeout            ErrorKind = "TIMEOUT"
	ErrorKindNotFound           ErrorKind = "NOT_FOUND"
	ErrorKindInvalidState       ErrorKind = "INVALID_STATE"
	ErrorKindConflict           ErrorKind = "CONFLICT"
	ErrorKindInternal           ErrorKind = "INTERNAL"
)

// CoordError is the error returned by every exposed coordination operation.
// Error() carries the operation and target only; the wrapped cause is meant
// for logs and never leaves the process.
type CoordError struct {
	Kind    ErrorKind `json:"kind"`
	Op      string    `json:"op"`
	Target  string    `json:"target,omitempty"`
	Message string    `json:"message"`
	Cause   error     `json:"-"`
}

// Error implements the error interface
func (e *CoordError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("%s: %s %s: %s", e.Kind, e.Op, e.Target, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Message)
}

// Unwrap returns the underlying cause error
func (e *CoordError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether repeating the same call may succeed.
func (e *CoordError) Retryable() bool {
	switch e.Kind {
	case ErrorKindLedgerUnavailable, ErrorKindLedgerWriteFailed, ErrorKindContentUnavailable, ErrorKindTimeout:
		return true
	}
	return false
}

// PublicMessage is the caller-facing description, without the cause.
func (e *CoordError) PublicMessage() string {
	return e.Message
}

// NewError creates a new coordination error
func NewError(kind ErrorKind, op, target, message string, cause error) *CoordError {
	return &CoordError{
		Kind:    kind,
		Op:      op,
		Target:  target,
		Message: message,
		Cause:   cause,
	}
}

// NewValidationError creates a new validation error
func NewValidationError(op, target, message string) *CoordError {
	return NewError(ErrorKindValidation, op, target, message, nil)
}

// NewUnauthorizedError creates a new authorization error
func NewUnauthorizedError(op, target, message string) *CoordError {
	return NewError(ErrorKindUnauthorized, op, target, message, nil)
}

// NewNotConnectedError is returned when an operation runs without a session
func NewNotConnectedError(op string) *CoordError {
	return NewError(ErrorKindNotConnected, op, "", "no wallet session", nil)
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(op, target, message string) *CoordError {
	return NewError(ErrorKindNotFound, op, target, message, nil)
}

// NewInvalidStateError creates a new state transition error
func NewInvalidStateError(op, target, message string) *CoordError {
	return NewError(ErrorKindInvalidState, op, target, message, nil)
}

// NewConflictError creates a new conflict error
func NewConflictError(op, target, message string) *CoordError {
	return NewError(ErrorKindConflict, op, target, message, nil)
}

// NewLedgerError wraps a ledger failure. Writes map to LEDGER_WRITE_FAILED,
// reads to LEDGER_UNAVAILABLE, deadline expiry to TIMEOUT.
func NewLedgerError(op, target string, write bool, cause error) *CoordError {
	if isDeadline(cause) {
		return NewTimeoutError(op, target, cause)
	}
	if write {
		return NewError(ErrorKindLedgerWriteFailed, op, target, "ledger write failed", cause)
	}
	return NewError(ErrorKindLedgerUnavailable, op, target, "ledger unavailable", cause)
}

// NewContentError wraps a content store failure
func NewContentError(op, target string, cause error) *CoordError {
	if isDeadline(cause) {
		return NewTimeoutError(op, target, cause)
	}
	return NewError(ErrorKindContentUnavailable, op, target, "content store unavailable", cause)
}

// NewTimeoutError creates a new timeout error
func NewTimeoutError(op, target string, cause error) *CoordError {
	return NewError(ErrorKindTimeout, op, target, "operation timed out", cause)
}

// NewInternalError creates a new internal error
func NewInternalError(op, message string, cause error) *CoordError {
	return NewError(ErrorKindInternal, op, "", message, cause)
}

// AsCoordError extracts a *CoordError from an error chain
func AsCoordError(err error) (*CoordError, bool) {
	var ce *CoordError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// KindOf returns the kind of err, or INTERNAL for foreign errors
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if ce, ok := AsCoordError(err); ok {
		return ce.Kind
	}
	if isDeadline(err) {
		return ErrorKindTimeout
	}
	return ErrorKindInternal
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err is a retryable coordination error
func IsRetryable(err error) bool {
	if ce, ok := AsCoordError(err); ok {
		return ce.Retryable()
	}
	return false
}

// Rebind re-targets a coordination error raised by a lower layer so that it
// names the exposed operation. Foreign errors are wrapped as INTERNAL.
func Rebind(err error, op, target string) *CoordError {
	if err == nil {
		return nil
	}
	if ce, ok := AsCoordError(err); ok {
		c := *ce
		c.Op = op
		if target != "" {
			c.Target = target
		}
		return &c
	}
	if isDeadline(err) {
		return NewTimeoutError(op, target, err)
	}
	return NewError(ErrorKindInternal, op, target, "internal error", err)
}

func isDeadline(err error) bool {
	return err != nil && errors.Is(err, context.DeadlineExceeded)
}

// ItemFailure reports one failed element of a batch operation
type ItemFailure struct {
	Item    string    `json:"item"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// NewItemFailure builds an ItemFailure from an error
func NewItemFailure(item string, err error) ItemFailure {
	f := ItemFailure{Item: item, Kind: KindOf(err)}
	if ce, ok := AsCoordError(err); ok {
		f.Message = ce.PublicMessage()
	} else if err != nil {
		f.Message = "internal error"
	}
	return f
}
