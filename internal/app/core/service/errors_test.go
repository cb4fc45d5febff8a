package service

import (
	"errors"
	"testing"
	"time"
)

func TestNotFoundError(t *testing.T) {
	err := NewNotFoundError("secret", "abc123")

	expected := `secret "abc123" not found`
	if err.Error() != expected {
		t.Errorf("expected %q, got %q", expected, err.Error())
	}

	if !errors.Is(err, ErrNotFound) {
		t.Error("expected error to wrap ErrNotFound")
	}
	if !IsNotFound(err) {
		t.Error("IsNotFound should return true")
	}
}

func TestNotFoundError_NoID(t *testing.T) {
	err := NewNotFoundError("session", "")

	expected := "session not found"
	if err.Error() != expected {
		t.Errorf("expected %q, got %q", expected, err.Error())
	}
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("name", "must be alphanumeric")

	expected := "name: must be alphanumeric"
	if err.Error() != expected {
		t.Errorf("expected %q, got %q", expected, err.Error())
	}

	if !errors.Is(err, ErrInvalidInput) {
		t.Error("expected error to wrap ErrInvalidInput")
	}
	if !IsValidationError(err) {
		t.Error("IsValidationError should return true")
	}
}

func TestRequiredError(t *testing.T) {
	err := RequiredError("tool_id")

	expected := "tool_id: is required"
	if err.Error() != expected {
		t.Errorf("expected %q, got %q", expected, err.Error())
	}
	if !IsValidationError(err) {
		t.Error("IsValidationError should return true for RequiredError")
	}
}

func TestAccessDeniedError(t *testing.T) {
	err := NewAccessDeniedError("secret", "db-main", "tool-7")

	if !errors.Is(err, ErrForbidden) {
		t.Error("expected error to wrap ErrForbidden")
	}
	if !IsForbidden(err) {
		t.Error("IsForbidden should return true")
	}

	msg := err.Error()
	if msg != `access denied to secret "db-main" for tool-7` {
		t.Errorf("unexpected message: %s", msg)
	}
}

func TestAccessDeniedError_WithReason(t *testing.T) {
	err := &AccessDeniedError{
		Resource: "secret",
		ID:       "api_key",
		Actor:    "tool-7",
		Reason:   "environment prod not allowed",
	}

	msg := err.Error()
	if msg != `access denied to secret "api_key" for tool-7: environment prod not allowed` {
		t.Errorf("unexpected message: %s", msg)
	}
}

func TestTransitionError(t *testing.T) {
	err := NewTransitionError("access request", "req-1", "denied", "decide")

	expected := `cannot decide access request "req-1" in state denied`
	if err.Error() != expected {
		t.Errorf("expected %q, got %q", expected, err.Error())
	}
	if !IsInvalidTransition(err) {
		t.Error("IsInvalidTransition should return true")
	}
}

func TestThrottledError(t *testing.T) {
	err := NewThrottledError("tool-9", 3)

	if !IsThrottled(err) {
		t.Error("IsThrottled should return true")
	}
	if IsExpired(err) {
		t.Error("throttled error must not report as expired")
	}
}

func TestExpiredError(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	err := NewExpiredError("proxy token", "tok-1", at)

	expected := `proxy token "tok-1" expired at 2025-06-01T12:00:00Z`
	if err.Error() != expected {
		t.Errorf("expected %q, got %q", expected, err.Error())
	}
	if !IsExpired(err) {
		t.Error("IsExpired should return true")
	}
}

func TestIntegrityError(t *testing.T) {
	err := NewIntegrityError("auth tag mismatch")

	if err.Error() != "integrity check failed: auth tag mismatch" {
		t.Errorf("unexpected message: %s", err.Error())
	}
	if !IsIntegrity(err) {
		t.Error("IsIntegrity should return true")
	}

	bare := NewIntegrityError("")
	if bare.Error() != "integrity check failed" {
		t.Errorf("unexpected message: %s", bare.Error())
	}
}

func TestConflictError(t *testing.T) {
	err := NewConflictError("secret", "stripe-key", "name already exists for owner and environment")

	if !IsConflict(err) {
		t.Error("IsConflict should return true")
	}
	if IsNotFound(err) {
		t.Error("conflict error must not report as not found")
	}
}
