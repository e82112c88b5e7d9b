// Package agent holds the agent-side building blocks: the driver
// abstraction over AI capability, the agent roster, coding-agent
// plugins, workspace provisioning, availability probing, and the
// runner loop that turns mailbox messages into driver executions.
package agent

import (
	"context"

	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
)

// Task is one unit of work handed to a driver.
type Task struct {
	TaskID      string
	WorkflowID  string
	Title       string
	Description string
	WorkerType  models.WorkerType
	Branch      string
	// Dir is the prepared workspace directory, empty when the runner
	// has no workspace provider.
	Dir        string
	Acceptance []string
}

// TaskResult is the driver's output for one task.
type TaskResult struct {
	Output    string
	Artifacts []string
}

// Driver is the opaque AI capability behind an agent. Execute runs one
// task to completion; Available reports nil when the capability can
// accept work.
type Driver interface {
	Name() string
	Execute(ctx context.Context, task Task) (*TaskResult, error)
	Available(ctx context.Context) error
}
