package api

import (
	echo "github.com/labstack/echo/v5"
)

// knowledgeHandler handles GET /api/v1/knowledge?query=. An empty
// query returns every entry.
func (s *Server) knowledgeHandler(c *echo.Context) error {
	entries, err := s.knowledge.Search(c.QueryParam("query"))
	if err != nil {
		return s.fail(c, err)
	}
	return respondOK(c, entries)
}
