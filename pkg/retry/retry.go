// Package retry runs operations under a bounded exponential-backoff
// policy, classifies terminal failures, and drives the escalation path:
// structured errors.log records, manager notification, and paused-state
// snapshots when the AI side is unreachable.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
	"github.com/kawanishi0117/agent-company-sub006/pkg/store"
)

const runsKind = "runs"

// Operation is one retryable unit of work.
type Operation func(ctx context.Context) (any, error)

// OpContext identifies the operation for logging and escalation.
type OpContext struct {
	RunID     string
	AgentID   string
	Operation string
}

// Result is the outcome of WithRetry.
type Result struct {
	Success      bool
	Value        any
	Err          error
	Attempts     int
	ErrorHistory []string
}

// ExhaustedError reports a retry budget spent without success.
type ExhaustedError struct {
	Category Category
	Attempts int
	Err      error
}

// Error returns the formatted error message.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts (%s): %v", e.Attempts, e.Category, e.Err)
}

// Unwrap returns the underlying error.
func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// EscalationFunc receives the terminal failure after exhaustion.
type EscalationFunc func(ctx context.Context, esc models.EscalationPayload)

// Engine executes operations under a Policy and owns the failure
// plumbing around them.
type Engine struct {
	policy  Policy
	store   *store.Store
	logger  *slog.Logger
	tickets TicketMarker
	bus     Notifier

	managerID    string
	onEscalation EscalationFunc
	now          func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy overrides the default retry policy.
func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithEscalationHandler registers the exhaustion callback.
func WithEscalationHandler(fn EscalationFunc) Option {
	return func(e *Engine) { e.onEscalation = fn }
}

// WithTicketMarker wires the ticket store used by HandleWorkerFailure.
func WithTicketMarker(tm TicketMarker) Option {
	return func(e *Engine) { e.tickets = tm }
}

// WithNotifier wires the bus used to notify the manager.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.bus = n }
}

// WithManagerID overrides the manager mailbox for failure notices.
func WithManagerID(id string) Option {
	return func(e *Engine) { e.managerID = id }
}

// New creates an engine persisting error records through st.
func New(st *store.Store, opts ...Option) *Engine {
	e := &Engine{
		policy:    DefaultPolicy(),
		store:     st,
		logger:    slog.Default(),
		managerID: "cto_manager",
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WithRetry runs op until it succeeds, the budget is spent, or ctx is
// cancelled. Each failed attempt appends a RECOVERABLE record to the
// run's errors.log; exhaustion appends a FATAL record and fires the
// escalation callback exactly once. Cancellation mid-wait returns a
// failed Result without escalating.
func (e *Engine) WithRetry(ctx context.Context, op Operation, opCtx OpContext) Result {
	var history []string

	for attempt := 0; attempt <= e.policy.MaxRetries; attempt++ {
		attempts := attempt + 1

		value, err := e.runAttempt(ctx, op)
		if err == nil {
			return Result{Success: true, Value: value, Attempts: attempts, ErrorHistory: history}
		}
		history = append(history, err.Error())

		if attempt == e.policy.MaxRetries {
			return e.exhaust(ctx, opCtx, err, attempts, history)
		}

		e.appendErrorLog(opCtx.RunID, errorLine(e.now(), Classify(err).Code(), false, err.Error()))

		delay := e.policy.Delay(attempt)
		e.logger.Debug("operation failed, retrying",
			"run_id", opCtx.RunID,
			"operation", opCtx.Operation,
			"attempt", attempts,
			"max_attempts", e.policy.MaxRetries+1,
			"delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			history = append(history, ctx.Err().Error())
			return Result{Success: false, Err: ctx.Err(), Attempts: attempts, ErrorHistory: history}
		case <-time.After(delay):
		}
	}

	// Unreachable: the loop always returns from its final iteration.
	return Result{Success: false, Attempts: e.policy.MaxRetries + 1, ErrorHistory: history}
}

// runAttempt applies the soft per-attempt deadline.
func (e *Engine) runAttempt(ctx context.Context, op Operation) (any, error) {
	if e.policy.AttemptTimeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, e.policy.AttemptTimeout)
	defer cancel()
	return op(attemptCtx)
}

// exhaust records the terminal failure and fires the escalation hook.
func (e *Engine) exhaust(ctx context.Context, opCtx OpContext, err error, attempts int, history []string) Result {
	category := Classify(err)

	line := errorLine(e.now(), category.Code(), true, err.Error()) +
		"\n  Stack: " + strings.Join(history, " <- ")
	e.appendErrorLog(opCtx.RunID, line)

	e.logger.Error("retry budget exhausted",
		"run_id", opCtx.RunID,
		"agent_id", opCtx.AgentID,
		"operation", opCtx.Operation,
		"category", category,
		"attempts", attempts,
		"error", err)

	if e.onEscalation != nil {
		e.onEscalation(ctx, models.EscalationPayload{
			RunID:     opCtx.RunID,
			AgentID:   opCtx.AgentID,
			Category:  string(category),
			Error:     err.Error(),
			Attempts:  attempts,
			Reason:    fmt.Sprintf("retry budget exhausted after %d attempts", attempts),
			Timestamp: e.now().UTC(),
		})
	}

	return Result{
		Success:      false,
		Err:          &ExhaustedError{Category: category, Attempts: attempts, Err: err},
		Attempts:     attempts,
		ErrorHistory: history,
	}
}

// errorLine renders one errors.log record:
// "[<ISO-TS>] [<CODE>] [RECOVERABLE|FATAL] <msg>".
func errorLine(ts time.Time, code string, fatal bool, msg string) string {
	severity := "RECOVERABLE"
	if fatal {
		severity = "FATAL"
	}
	return fmt.Sprintf("[%s] [%s] [%s] %s",
		ts.UTC().Format(time.RFC3339), code, severity, strings.ReplaceAll(msg, "\n", " "))
}

// appendErrorLog writes one record to runs/<id>/errors.log. Log
// failures never fail the operation that produced them.
func (e *Engine) appendErrorLog(runID, line string) {
	if runID == "" {
		return
	}
	if err := e.store.AppendLog(runsKind, runID+"/errors", line); err != nil {
		e.logger.Warn("failed to append error log", "run_id", runID, "error", err)
	}
}
