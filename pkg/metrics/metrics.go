// Package metrics exposes the orchestrator's Prometheus collectors on
// a private registry served at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every orchestrator collector. All record methods are
// nil-safe so components can run unmetered in tests.
type Metrics struct {
	registry *prometheus.Registry

	workflowsStarted   prometheus.Counter
	workflowsCompleted prometheus.Counter
	workflowsFailed    prometheus.Counter
	phaseTransitions   *prometheus.CounterVec
	messagesSent       *prometheus.CounterVec
	retryAttempts      *prometheus.CounterVec
	approvals          *prometheus.CounterVec
	activeWorkflows    prometheus.Gauge
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		workflowsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentco_workflows_started_total",
			Help: "Workflows admitted into the scheduler.",
		}),
		workflowsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentco_workflows_completed_total",
			Help: "Workflows that reached the completed status.",
		}),
		workflowsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentco_workflows_failed_total",
			Help: "Workflows that ended failed or terminated.",
		}),
		phaseTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentco_phase_transitions_total",
			Help: "Phase transitions by target phase.",
		}, []string{"to"}),
		messagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentco_messages_sent_total",
			Help: "Agent bus messages by type.",
		}, []string{"type"}),
		retryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentco_retry_attempts_total",
			Help: "Retry attempts by error category.",
		}, []string{"category"}),
		approvals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentco_approvals_total",
			Help: "Approval decisions by action.",
		}, []string{"action"}),
		activeWorkflows: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentco_active_workflows",
			Help: "Workflows currently in a non-terminal status.",
		}),
	}
}

// Registry returns the registry backing the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// WorkflowStarted records an admission and bumps the active gauge.
func (m *Metrics) WorkflowStarted() {
	if m == nil {
		return
	}
	m.workflowsStarted.Inc()
	m.activeWorkflows.Inc()
}

// WorkflowCompleted records a run reaching completed.
func (m *Metrics) WorkflowCompleted() {
	if m == nil {
		return
	}
	m.workflowsCompleted.Inc()
	m.activeWorkflows.Dec()
}

// WorkflowFailed records a run ending failed or terminated.
func (m *Metrics) WorkflowFailed() {
	if m == nil {
		return
	}
	m.workflowsFailed.Inc()
	m.activeWorkflows.Dec()
}

// PhaseTransition records one transition into the given phase.
func (m *Metrics) PhaseTransition(to string) {
	if m == nil {
		return
	}
	m.phaseTransitions.WithLabelValues(to).Inc()
}

// MessageSent records one bus send by message type.
func (m *Metrics) MessageSent(msgType string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(msgType).Inc()
}

// RetryAttempt records one retry attempt by error category.
func (m *Metrics) RetryAttempt(category string) {
	if m == nil {
		return
	}
	m.retryAttempts.WithLabelValues(category).Inc()
}

// ApprovalDecision records one accepted decision by action.
func (m *Metrics) ApprovalDecision(action string) {
	if m == nil {
		return
	}
	m.approvals.WithLabelValues(action).Inc()
}
