package storage

import (
	"errors"
	"fmt"
)

// ErrorKind classifies storage failures for retry and surfacing decisions.
type ErrorKind string

const (
	KindNotFound      ErrorKind = "not-found"
	KindConflict      ErrorKind = "conflict"
	KindIO            ErrorKind = "io"
	KindSerialization ErrorKind = "serialization"
)

// StorageError wraps a backend failure with its kind and the logical
// operation that produced it.
type StorageError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("storage: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("storage: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewError builds a StorageError. err may be nil for pure state errors
// such as not-found.
func NewError(kind ErrorKind, op string, err error) *StorageError {
	return &StorageError{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the error kind, or "" for non-storage errors.
func KindOf(err error) ErrorKind {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// IsNotFound reports whether err is a not-found storage error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsConflict reports whether err is a conflict storage error.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }
