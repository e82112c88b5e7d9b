package api

import (
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/kawanishi0117/agent-company-sub006/pkg/config"
	"github.com/kawanishi0117/agent-company-sub006/pkg/services"
	"github.com/kawanishi0117/agent-company-sub006/pkg/workflow"
)

// Machine codes carried in the error envelope. Clients branch on these,
// never on the message text.
const (
	CodeValidationError  = "VALIDATION_ERROR"
	CodeAIUnavailable    = "AI_UNAVAILABLE"
	CodeWorkflowNotFound = "WORKFLOW_NOT_FOUND"
	CodeInvalidState     = "INVALID_STATE"
	CodeNotFound         = "NOT_FOUND"
	CodeInternalError    = "INTERNAL_ERROR"
	CodeBodyTooLarge     = "BODY_TOO_LARGE"
)

// fail maps a service-layer error to the error envelope and renders it.
func (s *Server) fail(c *echo.Context, err error) error {
	status, code, message, data := classifyServiceError(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("unexpected service error",
			"method", c.Request().Method, "path", c.Request().URL.Path, "error", err)
	}
	return c.JSON(status, errorEnvelope{Success: false, Error: message, Code: code, Data: data})
}

// classifyServiceError picks the HTTP status, machine code, message,
// and optional structured detail for a service error.
func classifyServiceError(err error) (int, string, string, any) {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return http.StatusBadRequest, CodeValidationError, validErr.Error(), nil
	}

	var unavailable *services.AIUnavailableError
	if errors.As(err, &unavailable) {
		return http.StatusServiceUnavailable, CodeAIUnavailable, unavailable.Error(), unavailable.Result
	}

	if errors.Is(err, workflow.ErrWorkflowNotFound) {
		return http.StatusNotFound, CodeWorkflowNotFound, "workflow not found", nil
	}
	if errors.Is(err, services.ErrNotFound) {
		return http.StatusNotFound, CodeNotFound, err.Error(), nil
	}
	if errors.Is(err, services.ErrInvalidState) || errors.Is(err, workflow.ErrWorkflowTerminal) {
		return http.StatusConflict, CodeInvalidState, err.Error(), nil
	}
	if errors.Is(err, config.ErrSettingsInvalid) {
		return http.StatusUnprocessableEntity, CodeValidationError, err.Error(), nil
	}

	return http.StatusInternalServerError, CodeInternalError, "internal server error", nil
}

// invalidBody renders the envelope for an unparseable request body.
func invalidBody(c *echo.Context, err error) error {
	return respondError(c, http.StatusBadRequest, CodeValidationError, "invalid request body: "+err.Error())
}
