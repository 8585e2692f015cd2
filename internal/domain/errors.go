// Package domain provides the shared value types and error taxonomy for the
// deposition pipeline: events and their payloads, hook and source
// definitions, validation results, and the domain error classes every layer
// maps its failures onto.
package domain

import (
	"errors"
	"fmt"
)

// The domain error taxonomy. Every failure that crosses a component
// boundary wraps exactly one of these sentinels so callers can classify
// with errors.Is without knowing the concrete cause.
var (
	// ErrNotFound indicates a referenced entity is absent (404-class).
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates input failed a declared constraint (422-class).
	ErrValidation = errors.New("validation failed")

	// ErrInvalidState indicates a precondition on entity state was not met (409-class).
	ErrInvalidState = errors.New("invalid state")

	// ErrConflict indicates a uniqueness or duplicate-key collision (409-class).
	ErrConflict = errors.New("conflict")

	// ErrAuthorization indicates a policy denial (401/403-class).
	ErrAuthorization = errors.New("authorization denied")

	// ErrConfiguration indicates startup misconfiguration. Fatal: aborts boot.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrExternalService indicates an unreachable dependency such as the
	// container daemon or an image registry (503-class).
	ErrExternalService = errors.New("external service unavailable")
)

// Authorization denial codes. Stable: surfaced to clients and logs.
const (
	// AuthzCodeMissingToken maps to HTTP 401.
	AuthzCodeMissingToken = "missing_token"

	// AuthzCodeAccessDenied maps to HTTP 403.
	AuthzCodeAccessDenied = "access_denied"
)

// AuthorizationError is a policy denial with a stable code.
// It wraps ErrAuthorization so errors.Is(err, ErrAuthorization) holds.
type AuthorizationError struct {
	// Code is one of the AuthzCode* constants.
	Code string

	// Action is the denied action name, for audit logs.
	Action string
}

// Error implements the error interface.
func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%s: %s (action=%s)", ErrAuthorization.Error(), e.Code, e.Action)
}

// Unwrap ties the error into the taxonomy.
func (e *AuthorizationError) Unwrap() error {
	return ErrAuthorization
}

// ValidationError is a constraint violation with an optional field reference.
// It wraps ErrValidation so errors.Is(err, ErrValidation) holds.
type ValidationError struct {
	// Field names the offending field, or "" when the whole input is at fault.
	Field string

	// Detail describes the violated constraint.
	Detail string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation.Error(), e.Detail)
	}

	return fmt.Sprintf("%s: field %q: %s", ErrValidation.Error(), e.Field, e.Detail)
}

// Unwrap ties the error into the taxonomy.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NewValidationError builds a field-scoped validation error.
func NewValidationError(field, detail string) *ValidationError {
	return &ValidationError{Field: field, Detail: detail}
}
