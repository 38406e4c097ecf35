package stores

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a store failure for recovery logic.
type ErrorKind string

const (
	// KindNotFound indicates a record was required but does not exist.
	// Plain Load treats absence as a normal empty result instead.
	KindNotFound ErrorKind = "not_found"

	// KindConflict indicates another process holds the environment's
	// lock. Recoverable by retrying once the holder finishes.
	KindConflict ErrorKind = "conflict"

	// KindInternal indicates a backend failure: I/O, serialization, disk
	// space. Always wraps the underlying cause.
	KindInternal ErrorKind = "internal"
)

// StoreError represents a classified store failure with context.
// nolint:revive // StoreError is intentionally named to distinguish from standard errors
type StoreError struct {
	// Kind is the failure classification.
	Kind ErrorKind `json:"kind"`

	// Op is the store operation being performed.
	Op string `json:"op"`

	// Name is the environment the operation addressed, if applicable.
	Name string `json:"name,omitempty"`

	// Path is the offending filesystem path, if applicable.
	Path string `json:"path,omitempty"`

	// HolderPID is the lock holder's pid, set on conflict errors.
	HolderPID int `json:"holder_pid,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.Name != "" && e.Path != "" {
		return fmt.Sprintf("[%s] %s (environment=%s, path=%s): %s",
			e.Kind, e.Op, e.Name, e.Path, e.unwrapMessage())
	}
	if e.Name != "" {
		return fmt.Sprintf("[%s] %s (environment=%s): %s",
			e.Kind, e.Op, e.Name, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Op, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// unwrapMessage returns the error message from the underlying error chain.
func (e *StoreError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *StoreError) Is(target error) bool {
	t, ok := target.(*StoreError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Op == t.Op
}

// NewNotFoundError creates a new not-found error.
func NewNotFoundError(op, name string) *StoreError {
	return &StoreError{
		Kind: KindNotFound,
		Op:   op,
		Name: name,
		Err:  fmt.Errorf("environment %q not found", name),
	}
}

// NewConflictError creates a new conflict error naming the lock holder.
func NewConflictError(op, name, path string, holderPID int, err error) *StoreError {
	return &StoreError{
		Kind:      KindConflict,
		Op:        op,
		Name:      name,
		Path:      path,
		HolderPID: holderPID,
		Err:       err,
	}
}

// NewInternalError creates a new internal error wrapping its cause.
func NewInternalError(op, name string, err error) *StoreError {
	return &StoreError{
		Kind: KindInternal,
		Op:   op,
		Name: name,
		Err:  err,
	}
}

// WithPath adds the offending path to an error.
func (e *StoreError) WithPath(path string) *StoreError {
	e.Path = path
	return e
}

// IsNotFound returns true if the error is classified as not-found.
func IsNotFound(err error) bool {
	var e *StoreError
	if errors.As(err, &e) {
		return e.Kind == KindNotFound
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *StoreError
	if errors.As(err, &e) {
		return e.Kind == KindConflict
	}
	return false
}

// IsInternal returns true if the error is classified as internal.
func IsInternal(err error) bool {
	var e *StoreError
	if errors.As(err, &e) {
		return e.Kind == KindInternal
	}
	return false
}
