package quality

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
	"github.com/kawanishi0117/agent-company-sub006/pkg/store"
)

type gateFixture struct {
	gate    *Gate
	store   *store.Store
	workDir string
}

// newGateFixture pins the workspace to one temp dir so tests can seed
// files into it before Execute runs.
func newGateFixture(t *testing.T, cfg Config, opts ...GateOption) *gateFixture {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)

	workDir := filepath.Join(t.TempDir(), "workspace")
	require.NoError(t, os.MkdirAll(workDir, 0o755))

	opts = append(opts, WithWorkDir(func(string) string { return workDir }))
	return &gateFixture{
		gate:    NewGate(st, cfg, opts...),
		store:   st,
		workDir: workDir,
	}
}

func (f *gateFixture) seedTestFile(t *testing.T) {
	t.Helper()
	path := filepath.Join(f.workDir, "app_test.go")
	require.NoError(t, os.WriteFile(path, []byte("package app\n"), 0o644))
}

func TestRunnerCapturesOutputAndExitCode(t *testing.T) {
	r := NewRunner(0)

	res, err := r.Run(context.Background(), t.TempDir(), `sh -c 'echo to-stdout; echo to-stderr 1>&2; exit 3'`)
	require.NoError(t, err)

	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Output, "to-stdout")
	assert.Contains(t, res.Output, "to-stderr")
	assert.False(t, res.TimedOut)
}

func TestRunnerTimeoutKillsProcess(t *testing.T) {
	r := NewRunner(100 * time.Millisecond)

	start := time.Now()
	res, err := r.Run(context.Background(), t.TempDir(), "sleep 10")
	require.NoError(t, err)

	assert.True(t, res.TimedOut)
	assert.NotEqual(t, 0, res.ExitCode)
	assert.Contains(t, res.Output, "timed out")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunnerRejectsEmptyCommand(t *testing.T) {
	r := NewRunner(0)
	_, err := r.Run(context.Background(), t.TempDir(), "   ")
	require.Error(t, err)
}

func TestSplitCommandPreservesQuotedTokens(t *testing.T) {
	assert.Equal(t,
		[]string{"sh", "-c", "echo hello world"},
		splitCommand(`sh -c 'echo hello world'`))
	assert.Equal(t,
		[]string{"golangci-lint", "run", "./..."},
		splitCommand("golangci-lint run ./..."))
}

func TestExecuteHappyPath(t *testing.T) {
	f := newGateFixture(t, Config{
		LintCommand: `sh -c 'echo lint clean'`,
		TestCommand: `sh -c 'echo 2 passed, 0 failed'`,
	})
	f.seedTestFile(t)

	result, err := f.gate.Execute(context.Background(), "run-happy")
	require.NoError(t, err)

	assert.True(t, result.OverallPassed)
	assert.True(t, result.Lint.Executed)
	assert.True(t, result.Lint.Passed)
	assert.True(t, result.Test.Executed)
	assert.True(t, result.Test.Passed)
	assert.Contains(t, result.Test.Output, "2 passed")
	assert.Zero(t, result.ErrorCount)

	persisted, err := f.gate.Load("run-happy")
	require.NoError(t, err)
	require.Equal(t, result, persisted)
}

func TestExecuteLintFailureSkipsTests(t *testing.T) {
	f := newGateFixture(t, Config{
		LintCommand: `sh -c 'echo main.go:3: syntax error; exit 1'`,
		TestCommand: `sh -c 'echo should never run'`,
	})
	f.seedTestFile(t)

	result, err := f.gate.Execute(context.Background(), "run-lintfail")
	require.NoError(t, err)

	assert.False(t, result.OverallPassed)
	assert.True(t, result.Lint.Executed)
	assert.False(t, result.Lint.Passed)

	assert.False(t, result.Test.Executed)
	assert.False(t, result.Test.Passed)
	assert.Equal(t, SkipReasonLintFailed, result.Test.SkipReason)
	assert.Empty(t, result.Test.Output)

	assert.Equal(t, 1, result.ErrorCount)
}

func TestExecuteTestStageSkips(t *testing.T) {
	t.Run("disabled by config", func(t *testing.T) {
		f := newGateFixture(t, Config{
			LintCommand:  `sh -c 'echo ok'`,
			TestCommand:  `sh -c 'echo should not run'`,
			DisableTests: true,
		})
		f.seedTestFile(t)

		result, err := f.gate.Execute(context.Background(), "run-disabled")
		require.NoError(t, err)

		assert.True(t, result.OverallPassed, "a deliberately skipped test stage does not fail the gate")
		assert.False(t, result.Test.Executed)
		assert.Equal(t, SkipReasonTestsDisabled, result.Test.SkipReason)
	})

	t.Run("no test files", func(t *testing.T) {
		f := newGateFixture(t, Config{
			LintCommand: `sh -c 'echo ok'`,
			TestCommand: `sh -c 'echo should not run'`,
		})

		result, err := f.gate.Execute(context.Background(), "run-notests")
		require.NoError(t, err)

		assert.True(t, result.OverallPassed)
		assert.False(t, result.Test.Executed)
		assert.Equal(t, SkipReasonNoTestFiles, result.Test.SkipReason)
	})
}

func TestExecuteMasksSecretsInOutput(t *testing.T) {
	f := newGateFixture(t, Config{
		LintCommand: `sh -c 'echo api_key=sk-1234567890abcdef'`,
	})

	result, err := f.gate.Execute(context.Background(), "run-mask")
	require.NoError(t, err)

	assert.Contains(t, result.Lint.Output, "***MASKED***")
	assert.NotContains(t, result.Lint.Output, "sk-1234567890abcdef")

	var persisted models.QualityGateResult
	require.NoError(t, f.store.Load("runs", "run-mask/quality", &persisted))
	assert.NotContains(t, persisted.Lint.Output, "sk-1234567890abcdef")
}

func TestExecuteEmitsEventsInOrder(t *testing.T) {
	var events []string
	sink := &EventSink{
		LintStart:    func(string) { events = append(events, "lint_start") },
		LintComplete: func(string, models.StageResult) { events = append(events, "lint_complete") },
		TestStart:    func(string) { events = append(events, "test_start") },
		TestComplete: func(string, models.StageResult) { events = append(events, "test_complete") },
	}
	f := newGateFixture(t, Config{
		LintCommand: `sh -c 'echo ok'`,
		TestCommand: `sh -c 'echo ok'`,
	}, WithEventSink(sink))
	f.seedTestFile(t)

	_, err := f.gate.Execute(context.Background(), "run-events")
	require.NoError(t, err)

	assert.Equal(t, []string{"lint_start", "lint_complete", "test_start", "test_complete"}, events)
}

func TestExecuteWithNilSinkAndPartialHooks(t *testing.T) {
	// Only one hook wired; the rest must be safely skipped.
	var lintDone bool
	f := newGateFixture(t,
		Config{LintCommand: `sh -c 'echo ok'`},
		WithEventSink(&EventSink{
			LintComplete: func(string, models.StageResult) { lintDone = true },
		}))

	_, err := f.gate.Execute(context.Background(), "run-partial")
	require.NoError(t, err)
	assert.True(t, lintDone)

	bare := newGateFixture(t, Config{LintCommand: `sh -c 'echo ok'`})
	_, err = bare.gate.Execute(context.Background(), "run-nosink")
	require.NoError(t, err)
}

func TestCountFindings(t *testing.T) {
	errs, warns := countFindings(
		"main.go:1: error: undefined x\nall good here\nWarning: deprecated flag",
		"test failure: Error in assertion\n",
	)
	assert.Equal(t, 2, errs)
	assert.Equal(t, 1, warns)

	errs, warns = countFindings("error with a warning on the same line")
	assert.Equal(t, 1, errs, "a line mentioning both counts once as an error")
	assert.Zero(t, warns)
}

func TestHasTestFiles(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, hasTestFiles(dir))

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "node_modules", "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "node_modules", "pkg", "x_test.go"), []byte("x"), 0o644))
	assert.False(t, hasTestFiles(dir), "node_modules is not searched")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "handler.spec.ts"), []byte("x"), 0o644))
	assert.True(t, hasTestFiles(dir))
}
