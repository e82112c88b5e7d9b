package workflow

import (
	"errors"
	"fmt"

	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
)

// ErrWorkflowNotFound indicates no state.json exists for the id.
var ErrWorkflowNotFound = errors.New("workflow not found")

// ErrWorkflowTerminal indicates the workflow already reached a terminal
// status and accepts no further operations.
var ErrWorkflowTerminal = errors.New("workflow is in a terminal status")

// ErrNoPendingEscalation indicates HandleEscalation was called while
// nothing was waiting for a decision.
var ErrNoPendingEscalation = errors.New("no pending escalation for workflow")

// RollbackInvalidError reports a rollback whose target does not
// strictly precede the current phase.
type RollbackInvalidError struct {
	Current models.Phase
	Target  models.Phase
}

func (e *RollbackInvalidError) Error() string {
	return fmt.Sprintf("cannot roll back from %s to %s: target must precede the current phase", e.Current, e.Target)
}
