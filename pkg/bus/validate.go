package bus

import (
	"fmt"

	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
)

// ValidationError reports a malformed envelope field. The bus rejects
// the message before it reaches the queue.
type ValidationError struct {
	Field   string
	Message string
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("agent message validation failed on field '%s': %s", e.Field, e.Message)
}

func newValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// Validate checks the envelope against the bus contract: non-empty
// id/type/from/timestamp, a recipient unless broadcasting, and a type
// from the closed set.
func Validate(msg *models.AgentMessage) error {
	if msg == nil {
		return newValidationError("message", "message is nil")
	}
	if msg.ID == "" {
		return newValidationError("id", "required")
	}
	if msg.Type == "" {
		return newValidationError("type", "required")
	}
	if !msg.Type.IsValid() {
		return newValidationError("type", fmt.Sprintf("unknown message type %q", msg.Type))
	}
	if msg.From == "" {
		return newValidationError("from", "required")
	}
	if msg.To == "" {
		return newValidationError("to", "required unless broadcast")
	}
	if msg.Timestamp.IsZero() {
		return newValidationError("timestamp", "required")
	}
	return nil
}
