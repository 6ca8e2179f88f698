package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the application.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrForbidden    = errors.New("forbidden")
	ErrConflict     = errors.New("resource conflict")
	ErrInvalidInput = errors.New("invalid input")
	ErrRoomClosed   = errors.New("room is closed")
	ErrConnection   = errors.New("connection failure")
	ErrInternal     = errors.New("internal error")
)

// ErrorKind classifies persistence failures so callers can decide on
// retry behaviour without inspecting backend-specific errors.
type ErrorKind string

const (
	KindConnection ErrorKind = "connection"
	KindValidation ErrorKind = "validation"
	KindNotFound   ErrorKind = "not_found"
	KindPermission ErrorKind = "permission"
	KindConflict   ErrorKind = "conflict"
)

// PersistenceError wraps a failure from the persistence layer with a kind.
type PersistenceError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *PersistenceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient.
func (e *PersistenceError) Retryable() bool { return e.Kind == KindConnection }

// NewPersistenceError builds a PersistenceError for the given operation.
func NewPersistenceError(kind ErrorKind, op string, err error) *PersistenceError {
	return &PersistenceError{Kind: kind, Op: op, Err: err}
}

// PersistenceKind extracts the kind from err, or "" when err is not a
// PersistenceError.
func PersistenceKind(err error) ErrorKind {
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}
