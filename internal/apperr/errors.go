// Package apperr defines the sentinel error taxonomy shared by every core
// component (graph, repository, scheduler, rpc). Callers check kind with
// errors.Is against the sentinels; HTTP/JSON-RPC layers translate the
// sentinel into a status code or error code at the boundary.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the referenced task id does not exist.
	ErrNotFound = errors.New("not found")
	// ErrValidation means the request violates a graph invariant or shape rule.
	ErrValidation = errors.New("validation error")
	// ErrConflict means the operation is not valid for the task's current state.
	ErrConflict = errors.New("conflict")
	// ErrUnavailable means a required collaborator (executor, repository) isn't wired.
	ErrUnavailable = errors.New("unavailable")
	// ErrPermission means the principal lacks access to the task.
	ErrPermission = errors.New("permission denied")
	// ErrInternal means an unexpected failure; the RPC layer reports it as a JSON-RPC internal error.
	ErrInternal = errors.New("internal error")
)

// NotFoundError wraps ErrNotFound with a message, e.g. "task t1: not found".
func NotFoundError(msg string) error { return wrap(msg, ErrNotFound) }

// ValidationError wraps ErrValidation.
func ValidationError(msg string) error { return wrap(msg, ErrValidation) }

// ConflictError wraps ErrConflict.
func ConflictError(msg string) error { return wrap(msg, ErrConflict) }

// UnavailableError wraps ErrUnavailable.
func UnavailableError(msg string) error { return wrap(msg, ErrUnavailable) }

// PermissionError wraps ErrPermission.
func PermissionError(msg string) error { return wrap(msg, ErrPermission) }

// InternalError wraps ErrInternal.
func InternalError(msg string) error { return wrap(msg, ErrInternal) }

func wrap(msg string, sentinel error) error {
	return fmt.Errorf("%s: %w", msg, sentinel)
}

// IsNotFound reports whether err (or one it wraps) is ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsValidation reports whether err (or one it wraps) is ErrValidation.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsConflict reports whether err (or one it wraps) is ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsUnavailable reports whether err (or one it wraps) is ErrUnavailable.
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }

// IsPermission reports whether err (or one it wraps) is ErrPermission.
func IsPermission(err error) bool { return errors.Is(err, ErrPermission) }

// IsInternal reports whether err (or one it wraps) is ErrInternal.
func IsInternal(err error) bool { return errors.Is(err, ErrInternal) }
