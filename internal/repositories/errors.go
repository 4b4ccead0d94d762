package repositories

import (
	"errors"
	"fmt"
)

type storeErrorKind int

const (
	storeErrorNotFound storeErrorKind = iota + 1
	storeErrorConflict
	storeErrorUnavailable
	storeErrorInvalidState
)

// StoreError is the RepositoryError returned by backends that do not carry their own error type.
type StoreError struct {
	Op      string
	Message string
	Err     error
	kind    storeErrorKind
}

// NewNotFoundError reports a missing record.
func NewNotFoundError(op, message string) *StoreError {
	return &StoreError{Op: op, Message: message, kind: storeErrorNotFound}
}

// NewConflictError reports a failed precondition such as a version mismatch or duplicate id.
func NewConflictError(op, message string) *StoreError {
	return &StoreError{Op: op, Message: message, kind: storeErrorConflict}
}

// NewInvalidStateError reports a write the record's own rules forbid, e.g. rewriting history.
// It is neither a conflict nor retryable.
func NewInvalidStateError(op, message string) *StoreError {
	return &StoreError{Op: op, Message: message, kind: storeErrorInvalidState}
}

// NewUnavailableError wraps a transport or backend failure.
func NewUnavailableError(op string, err error) *StoreError {
	msg := "store unavailable"
	if err != nil {
		msg = err.Error()
	}
	return &StoreError{Op: op, Message: msg, Err: err, kind: storeErrorUnavailable}
}

func (e *StoreError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

func (e *StoreError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsNotFound implements RepositoryError.
func (e *StoreError) IsNotFound() bool { return e != nil && e.kind == storeErrorNotFound }

// IsConflict implements RepositoryError.
func (e *StoreError) IsConflict() bool { return e != nil && e.kind == storeErrorConflict }

// IsUnavailable implements RepositoryError.
func (e *StoreError) IsUnavailable() bool { return e != nil && e.kind == storeErrorUnavailable }

// IsInvalidState reports whether err carries an invalid-state StoreError.
func IsInvalidState(err error) bool {
	var storeErr *StoreError
	return errors.As(err, &storeErr) && storeErr.kind == storeErrorInvalidState
}
