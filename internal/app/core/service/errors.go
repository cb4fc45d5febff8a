package service

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared by all broker services. Callers branch on these via
// errors.Is (or the Is* helpers below) to decide whether an operation is
// retryable, resubmittable, or fatal.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrForbidden         = errors.New("forbidden")
	ErrConflict          = errors.New("conflict")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrThrottled         = errors.New("throttled")
	ErrExpired           = errors.New("expired")
	ErrIntegrity         = errors.New("integrity check failed")
)

// NotFoundError reports a missing resource.
type NotFoundError struct {
	Resource string
	ID       string
}

func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// RequiredError reports a missing required field.
func RequiredError(field string) *ValidationError {
	return &ValidationError{Field: field, Reason: "is required"}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// AccessDeniedError reports an operation outside the caller's scope.
type AccessDeniedError struct {
	Resource string
	ID       string
	Actor    string
	Reason   string
}

func NewAccessDeniedError(resource, id, actor string) *AccessDeniedError {
	return &AccessDeniedError{Resource: resource, ID: id, Actor: actor}
}

func (e *AccessDeniedError) Error() string {
	msg := fmt.Sprintf("access denied to %s %q for %s", e.Resource, e.ID, e.Actor)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *AccessDeniedError) Unwrap() error { return ErrForbidden }

// ConflictError reports a uniqueness or concurrent-update violation.
type ConflictError struct {
	Resource string
	ID       string
	Reason   string
}

func NewConflictError(resource, id, reason string) *ConflictError {
	return &ConflictError{Resource: resource, ID: id, Reason: reason}
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q: %s", e.Resource, e.ID, e.Reason)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// TransitionError reports an operation that is illegal in the entity's
// current state, e.g. deciding a request that is no longer pending.
type TransitionError struct {
	Resource string
	ID       string
	State    string
	Action   string
}

func NewTransitionError(resource, id, state, action string) *TransitionError {
	return &TransitionError{Resource: resource, ID: id, State: state, Action: action}
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s %s %q in state %s", e.Action, e.Resource, e.ID, e.State)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ThrottledError reports that a tool hit its concurrent-session ceiling.
// The condition is recoverable: the caller should back off and retry once an
// existing session ends.
type ThrottledError struct {
	ToolID string
	Limit  int
}

func NewThrottledError(toolID string, limit int) *ThrottledError {
	return &ThrottledError{ToolID: toolID, Limit: limit}
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("tool %q at concurrent session limit %d", e.ToolID, e.Limit)
}

func (e *ThrottledError) Unwrap() error { return ErrThrottled }

// ExpiredError reports an artifact past its deadline. Terminal for that
// artifact: the caller must submit a new request rather than retry.
type ExpiredError struct {
	Resource string
	ID       string
	At       time.Time
}

func NewExpiredError(resource, id string, at time.Time) *ExpiredError {
	return &ExpiredError{Resource: resource, ID: id, At: at}
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("%s %q expired at %s", e.Resource, e.ID, e.At.UTC().Format(time.RFC3339))
}

func (e *ExpiredError) Unwrap() error { return ErrExpired }

// IntegrityError reports definite tampering or corruption of an encrypted
// record or the audit chain. Never retried.
type IntegrityError struct {
	Context string
}

func NewIntegrityError(context string) *IntegrityError {
	return &IntegrityError{Context: context}
}

func (e *IntegrityError) Error() string {
	if e.Context == "" {
		return "integrity check failed"
	}
	return fmt.Sprintf("integrity check failed: %s", e.Context)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }

func IsNotFound(err error) bool          { return errors.Is(err, ErrNotFound) }
func IsValidationError(err error) bool   { return errors.Is(err, ErrInvalidInput) }
func IsForbidden(err error) bool         { return errors.Is(err, ErrForbidden) }
func IsConflict(err error) bool          { return errors.Is(err, ErrConflict) }
func IsInvalidTransition(err error) bool { return errors.Is(err, ErrInvalidTransition) }
func IsThrottled(err error) bool         { return errors.Is(err, ErrThrottled) }
func IsExpired(err error) bool           { return errors.Is(err, ErrExpired) }
func IsIntegrity(err error) bool         { return errors.Is(err, ErrIntegrity) }
