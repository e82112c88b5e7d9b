package api

import (
	"context"
	"time"

	echo "github.com/labstack/echo/v5"
)

// emergencyStopTimeout bounds how long the stop waits for in-flight
// workflows to unwind before returning anyway.
const emergencyStopTimeout = 30 * time.Second

// pauseAgentsHandler handles POST /api/v1/agents/pause. Running
// workflows finish; no new ones are claimed.
func (s *Server) pauseAgentsHandler(c *echo.Context) error {
	s.control.Pause()
	return respondOK(c, ControlResponse{Status: "paused"})
}

// resumeAgentsHandler handles POST /api/v1/agents/resume.
func (s *Server) resumeAgentsHandler(c *echo.Context) error {
	s.control.Resume()
	return respondOK(c, ControlResponse{Status: "running"})
}

// emergencyStopHandler handles POST /api/v1/agents/emergency-stop.
// Every running and queued workflow is terminated and admission stays
// gated until resume.
func (s *Server) emergencyStopHandler(c *echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), emergencyStopTimeout)
	defer cancel()

	stopped := s.control.EmergencyStop(ctx)
	return respondOK(c, ControlResponse{Status: "stopped", WorkflowsStopped: stopped})
}
