package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// SimulatedDriver is the deterministic in-process driver used by tests
// and the seed scenarios. Failures are injected per task id or by
// title substring; everything else succeeds with a derived output.
type SimulatedDriver struct {
	name    string
	latency time.Duration

	mu            sync.Mutex
	availErr      error
	failSubstring string
	failErr       error
	transient     map[string]transientFailure
	executed      []string
}

type transientFailure struct {
	remaining int
	err       error
}

// SimulatedOption configures a SimulatedDriver.
type SimulatedOption func(*SimulatedDriver)

// WithName sets the driver name.
func WithName(name string) SimulatedOption {
	return func(d *SimulatedDriver) { d.name = name }
}

// WithLatency makes every execution take at least dur.
func WithLatency(dur time.Duration) SimulatedOption {
	return func(d *SimulatedDriver) { d.latency = dur }
}

// WithAvailabilityError makes Available return err.
func WithAvailabilityError(err error) SimulatedOption {
	return func(d *SimulatedDriver) { d.availErr = err }
}

// WithFailure fails every task whose title or description contains
// substring.
func WithFailure(substring string, err error) SimulatedOption {
	return func(d *SimulatedDriver) {
		d.failSubstring = substring
		d.failErr = err
	}
}

// WithTransientFailures fails the first n executions of the given task
// id with err, then succeeds.
func WithTransientFailures(taskID string, n int, err error) SimulatedOption {
	return func(d *SimulatedDriver) {
		d.transient[taskID] = transientFailure{remaining: n, err: err}
	}
}

// NewSimulatedDriver creates a driver that succeeds on everything
// unless told otherwise.
func NewSimulatedDriver(opts ...SimulatedOption) *SimulatedDriver {
	d := &SimulatedDriver{
		name:      "simulated",
		transient: make(map[string]transientFailure),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name returns the driver name.
func (d *SimulatedDriver) Name() string {
	return d.name
}

// Available reports the injected availability error, if any.
func (d *SimulatedDriver) Available(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.availErr
}

// SetAvailabilityError swaps the availability error at runtime, so
// tests can flip the driver between reachable and unreachable.
func (d *SimulatedDriver) SetAvailabilityError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.availErr = err
}

// SetFailure swaps the substring failure rule at runtime. An empty
// substring clears it, turning a failing driver healthy again.
func (d *SimulatedDriver) SetFailure(substring string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failSubstring = substring
	d.failErr = err
}

// Execute runs one task deterministically.
func (d *SimulatedDriver) Execute(ctx context.Context, task Task) (*TaskResult, error) {
	if d.latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.latency):
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.executed = append(d.executed, task.TaskID)

	if tf, ok := d.transient[task.TaskID]; ok && tf.remaining > 0 {
		tf.remaining--
		d.transient[task.TaskID] = tf
		return nil, tf.err
	}
	if d.failSubstring != "" &&
		(strings.Contains(task.Title, d.failSubstring) || strings.Contains(task.Description, d.failSubstring)) {
		return nil, d.failErr
	}

	result := &TaskResult{
		Output:    fmt.Sprintf("%s completed %q", d.name, task.Title),
		Artifacts: []string{fmt.Sprintf("artifacts/%s.diff", task.TaskID)},
	}
	if task.Dir != "" {
		path := filepath.Join(task.Dir, task.TaskID+".md")
		if err := os.WriteFile(path, []byte(result.Output+"\n"), 0o644); err != nil {
			return nil, fmt.Errorf("write workspace result: %w", err)
		}
		result.Artifacts = append(result.Artifacts, path)
	}
	return result, nil
}

// Executed returns the task ids run so far, in order.
func (d *SimulatedDriver) Executed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.executed))
	copy(out, d.executed)
	return out
}
