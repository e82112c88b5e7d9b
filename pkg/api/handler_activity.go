package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"
)

// activityHandler handles GET /api/v1/activity?limit=.
func (s *Server) activityHandler(c *echo.Context) error {
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return respondError(c, http.StatusBadRequest, CodeValidationError,
				"limit must be a non-negative integer")
		}
		limit = n
	}

	entries, err := s.activity.Recent(limit)
	if err != nil {
		return s.fail(c, err)
	}
	return respondOK(c, entries)
}
