package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/kawanishi0117/agent-company-sub006/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /health. Only the orchestrator's own
// components are checked; AI adapters are deliberately excluded so an
// external outage does not make a supervisor restart the process.
func (s *Server) healthHandler(c *echo.Context) error {
	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	pool := s.control.Health()
	switch {
	case pool.EmergencyStopped:
		status = healthStatusDegraded
		checks["scheduler"] = HealthCheck{Status: healthStatusDegraded, Message: "emergency stopped"}
	case !pool.IsHealthy:
		status = healthStatusDegraded
		checks["scheduler"] = HealthCheck{Status: healthStatusDegraded, Message: "dispatch pool unhealthy"}
	default:
		checks["scheduler"] = HealthCheck{Status: healthStatusHealthy}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return respond(c, httpStatus, HealthResponse{
		Status:    status,
		Version:   version.GitCommit,
		Checks:    checks,
		Scheduler: &pool,
	})
}

// aiHealthHandler handles GET /health/ai: the per-capability
// availability breakdown behind the task admission gate. Unavailable
// renders 503 so monitors can alert on it.
func (s *Server) aiHealthHandler(c *echo.Context) error {
	result := s.control.AIHealth(c.Request().Context())
	if !result.Available {
		return c.JSON(http.StatusServiceUnavailable, errorEnvelope{
			Success: false,
			Error:   "no AI capability available",
			Code:    CodeAIUnavailable,
			Data:    result,
		})
	}
	return respondOK(c, result)
}
