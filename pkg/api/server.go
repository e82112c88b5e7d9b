package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kawanishi0117/agent-company-sub006/pkg/metrics"
	"github.com/kawanishi0117/agent-company-sub006/pkg/services"
)

// defaultBodyLimit caps request bodies when Config.BodyLimit is zero.
const defaultBodyLimit = 1 << 20 // 1 MiB

// Config carries the listen settings and service dependencies for the
// HTTP API.
type Config struct {
	Addr      string
	BodyLimit int64

	Tasks     *services.TaskService
	Workflows *services.WorkflowService
	Activity  *services.ActivityService
	Knowledge *services.KnowledgeService
	Settings  *services.ConfigService
	Control   *services.ControlService

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Server is the orchestrator's HTTP front. All state lives behind the
// services layer; the server only translates between HTTP and service
// calls.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server

	tasks     *services.TaskService
	workflows *services.WorkflowService
	activity  *services.ActivityService
	knowledge *services.KnowledgeService
	settings  *services.ConfigService
	control   *services.ControlService

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewServer wires middleware and routes. It does not start listening;
// call Start for that.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Tasks == nil || cfg.Workflows == nil || cfg.Activity == nil ||
		cfg.Knowledge == nil || cfg.Settings == nil || cfg.Control == nil {
		return nil, errors.New("api: all services are required")
	}
	if cfg.Metrics == nil {
		return nil, errors.New("api: metrics are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	limit := cfg.BodyLimit
	if limit <= 0 {
		limit = defaultBodyLimit
	}

	s := &Server{
		tasks:     cfg.Tasks,
		workflows: cfg.Workflows,
		activity:  cfg.Activity,
		knowledge: cfg.Knowledge,
		settings:  cfg.Settings,
		control:   cfg.Control,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}

	e := echo.New()
	e.Use(recoverPanics(s.logger))
	e.Use(requestLogger(s.logger))
	e.Use(securityHeaders())
	e.Use(bodyLimit(limit))
	s.echo = e
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) registerRoutes() {
	e := s.echo

	// Tasks
	e.POST("/api/v1/tasks", s.submitTaskHandler)
	e.GET("/api/v1/tasks/:id", s.getTaskStatusHandler)
	e.POST("/api/v1/tasks/:id/cancel", s.cancelTaskHandler)

	// Workflows
	e.POST("/api/v1/workflows", s.startWorkflowHandler)
	e.GET("/api/v1/workflows", s.listWorkflowsHandler)
	e.GET("/api/v1/workflows/:id", s.getWorkflowHandler)
	e.POST("/api/v1/workflows/:id/approval", s.approveWorkflowHandler)
	e.POST("/api/v1/workflows/:id/escalation", s.escalateWorkflowHandler)
	e.POST("/api/v1/workflows/:id/rollback", s.rollbackWorkflowHandler)

	// Workflow artifacts
	e.GET("/api/v1/workflows/:id/proposal", s.getProposalHandler)
	e.GET("/api/v1/workflows/:id/deliverable", s.getDeliverableHandler)
	e.GET("/api/v1/workflows/:id/progress", s.getProgressHandler)
	e.GET("/api/v1/workflows/:id/quality", s.getQualityHandler)
	e.GET("/api/v1/workflows/:id/meetings", s.getMeetingsHandler)
	e.GET("/api/v1/workflows/:id/approvals", s.getApprovalsHandler)

	// Observation
	e.GET("/api/v1/activity", s.activityHandler)
	e.GET("/api/v1/knowledge", s.knowledgeHandler)

	// Runtime settings
	e.GET("/api/v1/config", s.getConfigHandler)
	e.PUT("/api/v1/config", s.updateConfigHandler)
	e.POST("/api/v1/config/validate", s.validateConfigHandler)

	// Operator controls
	e.POST("/api/v1/agents/pause", s.pauseAgentsHandler)
	e.POST("/api/v1/agents/resume", s.resumeAgentsHandler)
	e.POST("/api/v1/agents/emergency-stop", s.emergencyStopHandler)

	// Health and metrics
	e.GET("/health", s.healthHandler)
	e.GET("/health/ai", s.aiHealthHandler)
	e.GET("/metrics", s.metricsHandler)
}

// metricsHandler serves the Prometheus scrape endpoint from the
// orchestrator's own registry.
func (s *Server) metricsHandler(c *echo.Context) error {
	promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}).ServeHTTP(c.Response(), c.Request())
	return nil
}

// Start blocks serving HTTP until Shutdown is called or the listener
// fails.
func (s *Server) Start() error {
	s.logger.Info("API server listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// StartWithListener is like Start but serves on an already-bound
// listener. Callers that need an ephemeral port bind one themselves
// and pass it in.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.logger.Info("API server listening", slog.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
