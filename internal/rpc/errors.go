package rpc

import (
	"errors"

	"taskforge/internal/apperr"
	"taskforge/internal/graph"
	"taskforge/internal/scheduler"
)

// mapError translates a domain/service error into a JSON-RPC Error object,
// checking the most specific sentinel first.
func mapError(err error) *Error {
	if err == nil {
		return nil
	}

	var validation graph.ValidationErrors
	if errors.As(err, &validation) {
		return &Error{Code: CodeInvalidParams, Message: validation.Error(), Data: validation}
	}

	switch {
	case apperr.IsNotFound(err):
		return &Error{Code: CodeServerError, Message: err.Error(), Data: "NOT_FOUND"}
	case apperr.IsPermission(err):
		return &Error{Code: CodePermissionDenied, Message: err.Error()}
	case apperr.IsValidation(err):
		return &Error{Code: CodeInvalidParams, Message: err.Error()}
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		return &Error{Code: CodeServerError, Message: err.Error(), Data: "ALREADY_RUNNING"}
	case apperr.IsConflict(err):
		return &Error{Code: CodeServerError, Message: err.Error(), Data: "CONFLICT"}
	case apperr.IsUnavailable(err):
		return &Error{Code: CodeServerError, Message: err.Error(), Data: "UNAVAILABLE"}
	default:
		return &Error{Code: CodeInternal, Message: "internal error: " + err.Error()}
	}
}
