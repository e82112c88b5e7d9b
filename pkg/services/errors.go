// Package services contains the domain operations behind the HTTP
// handlers: task submission, workflow control, artifact reads, runtime
// settings, and scheduler control. Handlers translate wire requests
// into service calls and service errors into envelope codes.
package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kawanishi0117/agent-company-sub006/pkg/agent"
)

var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidState is returned when the entity exists but its state
	// does not permit the operation.
	ErrInvalidState = errors.New("invalid state for operation")
)

// ValidationError wraps field-specific validation errors.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// AIUnavailableError carries the availability breakdown so the wire
// response can include setup hints.
type AIUnavailableError struct {
	Result *agent.ProbeResult
}

func (e *AIUnavailableError) Error() string {
	if e.Result != nil && len(e.Result.SetupHints) > 0 {
		return "no AI capability available: " + strings.Join(e.Result.SetupHints, "; ")
	}
	return "no AI capability available"
}

// Unwrap ties the error to the agent package sentinel.
func (e *AIUnavailableError) Unwrap() error { return agent.ErrUnavailable }
