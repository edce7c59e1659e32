package apperr

import (
	"errors"
	"testing"
)

func TestNotFoundErrorWrapsErrNotFound(t *testing.T) {
	err := NotFoundError("task t1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected errors.Is(err, ErrNotFound), got false")
	}
	if err.Error() != "task t1: not found" {
		t.Fatalf("unexpected message: %s", err.Error())
	}
}

func TestValidationErrorWrapsErrValidation(t *testing.T) {
	err := ValidationError("circular dependency")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected errors.Is(err, ErrValidation), got false")
	}
}

func TestIsPredicatesMatchTheirSentinel(t *testing.T) {
	if !IsNotFound(NotFoundError("x")) {
		t.Fatal("expected IsNotFound true")
	}
	if !IsConflict(ConflictError("x")) {
		t.Fatal("expected IsConflict true")
	}
	if IsConflict(NotFoundError("x")) {
		t.Fatal("expected IsConflict false for a not-found error")
	}
}

func TestDomainErrorsAreDistinct(t *testing.T) {
	cases := []struct {
		name string
		err  error
		not  error
	}{
		{"NotFound is not Validation", NotFoundError("x"), ErrValidation},
		{"Validation is not NotFound", ValidationError("x"), ErrNotFound},
		{"Unavailable is not Conflict", UnavailableError("x"), ErrConflict},
		{"Conflict is not Unavailable", ConflictError("x"), ErrUnavailable},
		{"Permission is not Internal", PermissionError("x"), ErrInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if errors.Is(tc.err, tc.not) {
				t.Fatalf("errors.Is(%v, %v) should be false", tc.err, tc.not)
			}
		})
	}
}
