package api

import (
	"errors"
	"io"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/kawanishi0117/agent-company-sub006/pkg/config"
)

// getConfigHandler handles GET /api/v1/config.
func (s *Server) getConfigHandler(c *echo.Context) error {
	return respondOK(c, s.settings.Get())
}

// updateConfigHandler handles PUT /api/v1/config. The payload is a
// partial settings document; recognized fields merge over the current
// values. A failed validation returns 422 with the field errors and
// warnings and persists nothing.
func (s *Server) updateConfigHandler(c *echo.Context) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return invalidBody(c, err)
	}

	updated, result, err := s.settings.Update(raw)
	if err != nil {
		if errors.Is(err, config.ErrSettingsInvalid) {
			return c.JSON(http.StatusUnprocessableEntity, errorEnvelope{
				Success: false,
				Error:   "settings validation failed",
				Code:    CodeValidationError,
				Data:    result,
			})
		}
		return s.fail(c, err)
	}
	return respondOK(c, updated)
}

// validateConfigHandler handles POST /api/v1/config/validate. It
// reports the validation outcome without persisting anything.
func (s *Server) validateConfigHandler(c *echo.Context) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return invalidBody(c, err)
	}
	return respondOK(c, s.settings.Validate(raw))
}
