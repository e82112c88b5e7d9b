// Package quality runs the ordered lint→test pipeline over a run's
// workspace and turns the outcome into persisted gate results, failure
// payloads, and decision recommendations.
package quality

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultCommandTimeout bounds one pipeline command when the config
// does not override it.
const DefaultCommandTimeout = 300 * time.Second

// RunResult captures one command execution.
type RunResult struct {
	Output   string
	ExitCode int
	Duration time.Duration
	TimedOut bool
}

// Runner executes pipeline commands with a process-level timeout.
// Commands are tokenized without a shell; quoted arguments survive, so
// complex pipelines should be wrapped as `sh -c '...'`.
type Runner struct {
	timeout time.Duration
}

// NewRunner creates a runner. A non-positive timeout falls back to
// DefaultCommandTimeout.
func NewRunner(timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &Runner{timeout: timeout}
}

// Run executes command in dir and captures interleaved stdout/stderr.
// A non-zero exit is reported through ExitCode, not as an error; the
// error return covers commands that cannot run at all.
func (r *Runner) Run(ctx context.Context, dir, command string) (*RunResult, error) {
	args := splitCommand(command)
	if len(args) == 0 {
		return nil, errors.New("quality: empty command")
	}

	cmdCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, args[0], args[1:]...)
	cmd.Dir = dir

	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	result := &RunResult{
		Output:   combined.String(),
		Duration: duration,
		TimedOut: errors.Is(cmdCtx.Err(), context.DeadlineExceeded),
	}

	switch {
	case runErr == nil:
		result.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			// The process never started (missing binary, bad dir).
			result.ExitCode = -1
			if result.Output != "" {
				result.Output += "\n"
			}
			result.Output += runErr.Error()
		}
	}
	if result.TimedOut {
		result.Output += fmt.Sprintf("\nprocess timed out after %s", r.timeout)
	}
	return result, nil
}

// splitCommand tokenizes a command string on spaces while preserving
// single- and double-quoted tokens. No escape sequences; wrap anything
// fancier in a shell invocation.
func splitCommand(command string) []string {
	var tokens []string
	var current strings.Builder
	inSingle := false
	inDouble := false

	for _, r := range command {
		switch {
		case r == '\'' && !inDouble:
			inSingle = !inSingle
		case r == '"' && !inSingle:
			inDouble = !inDouble
		case r == ' ' && !inSingle && !inDouble:
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens
}
