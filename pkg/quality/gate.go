package quality

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kawanishi0117/agent-company-sub006/pkg/masking"
	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
	"github.com/kawanishi0117/agent-company-sub006/pkg/store"
)

const runsKind = "runs"

// Stage names used in failure payloads.
const (
	StageLint = "lint"
	StageTest = "test"
)

// SkipReasonLintFailed marks a test stage short-circuited by a lint
// failure. The other skip reasons do not fail the gate.
const (
	SkipReasonLintFailed    = "skipped because lint failed"
	SkipReasonTestsDisabled = "tests disabled by configuration"
	SkipReasonNoTestFiles   = "no test files found"
	SkipReasonNoLintCommand = "no lint command configured"
	SkipReasonNoTestCommand = "no test command configured"
)

// Config selects the pipeline commands.
type Config struct {
	LintCommand    string
	TestCommand    string
	CommandTimeout time.Duration
	DisableTests   bool
}

// EventSink receives pipeline lifecycle callbacks. Every hook is
// optional; a nil sink disables all of them.
type EventSink struct {
	LintStart    func(runID string)
	LintComplete func(runID string, stage models.StageResult)
	TestStart    func(runID string)
	TestComplete func(runID string, stage models.StageResult)
	Error        func(runID string, err error)
}

func (s *EventSink) lintStart(runID string) {
	if s != nil && s.LintStart != nil {
		s.LintStart(runID)
	}
}

func (s *EventSink) lintComplete(runID string, stage models.StageResult) {
	if s != nil && s.LintComplete != nil {
		s.LintComplete(runID, stage)
	}
}

func (s *EventSink) testStart(runID string) {
	if s != nil && s.TestStart != nil {
		s.TestStart(runID)
	}
}

func (s *EventSink) testComplete(runID string, stage models.StageResult) {
	if s != nil && s.TestComplete != nil {
		s.TestComplete(runID, stage)
	}
}

func (s *EventSink) error(runID string, err error) {
	if s != nil && s.Error != nil {
		s.Error(runID, err)
	}
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithRunner overrides the command runner.
func WithRunner(r *Runner) GateOption {
	return func(g *Gate) { g.runner = r }
}

// WithMasker overrides the output masker.
func WithMasker(m *masking.Masker) GateOption {
	return func(g *Gate) { g.masker = m }
}

// WithEventSink installs lifecycle callbacks.
func WithEventSink(s *EventSink) GateOption {
	return func(g *Gate) { g.sink = s }
}

// WithGateLogger overrides the default logger.
func WithGateLogger(l *slog.Logger) GateOption {
	return func(g *Gate) { g.logger = l }
}

// WithWorkDir overrides where pipeline commands execute for a run.
func WithWorkDir(fn func(runID string) string) GateOption {
	return func(g *Gate) { g.workDir = fn }
}

// Gate drives the ordered lint→test pipeline for one run and persists
// runs/<runId>/quality.json.
type Gate struct {
	store  *store.Store
	cfg    Config
	runner *Runner
	masker *masking.Masker
	sink   *EventSink
	logger *slog.Logger

	workDir func(runID string) string
	now     func() time.Time
}

// NewGate creates a gate over the given store and config.
func NewGate(st *store.Store, cfg Config, opts ...GateOption) *Gate {
	g := &Gate{
		store:  st,
		cfg:    cfg,
		runner: NewRunner(cfg.CommandTimeout),
		masker: masking.NewMasker(),
		logger: slog.Default(),
		now:    time.Now,
	}
	g.workDir = func(runID string) string {
		return filepath.Join(st.BaseDir(), runsKind, runID, "artifacts")
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Execute runs lint then test in the run's workspace. Lint failure
// short-circuits the test stage; tests also skip when disabled or when
// the workspace holds no discoverable test file. The persisted result
// carries secret-masked output and heuristic error/warning counts.
func (g *Gate) Execute(ctx context.Context, runID string) (*models.QualityGateResult, error) {
	dir := g.workDir(runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		g.sink.error(runID, err)
		return nil, err
	}

	result := &models.QualityGateResult{
		RunID:      runID,
		ExecutedAt: g.now().UTC(),
	}

	g.sink.lintStart(runID)
	result.Lint = g.runStage(ctx, runID, dir, g.cfg.LintCommand, SkipReasonNoLintCommand)
	g.sink.lintComplete(runID, result.Lint)

	g.sink.testStart(runID)
	switch {
	case !result.Lint.Passed:
		result.Test = models.StageResult{SkipReason: SkipReasonLintFailed}
	case g.cfg.DisableTests:
		result.Test = models.StageResult{Passed: true, SkipReason: SkipReasonTestsDisabled}
	case g.cfg.TestCommand == "":
		result.Test = models.StageResult{Passed: true, SkipReason: SkipReasonNoTestCommand}
	case !hasTestFiles(dir):
		result.Test = models.StageResult{Passed: true, SkipReason: SkipReasonNoTestFiles}
	default:
		result.Test = g.runStage(ctx, runID, dir, g.cfg.TestCommand, "")
	}
	g.sink.testComplete(runID, result.Test)

	result.OverallPassed = result.Lint.Passed && result.Test.Passed
	result.ErrorCount, result.WarningCount = countFindings(result.Lint.Output, result.Test.Output)

	if err := g.store.Save(runsKind, runID+"/quality", result); err != nil {
		g.sink.error(runID, err)
		return nil, err
	}

	g.logger.Info("quality gate finished",
		"run_id", runID,
		"overall_passed", result.OverallPassed,
		"error_count", result.ErrorCount,
		"warning_count", result.WarningCount)
	return result, nil
}

// Load returns the persisted gate result for a run.
func (g *Gate) Load(runID string) (*models.QualityGateResult, error) {
	var result models.QualityGateResult
	if err := g.store.Load(runsKind, runID+"/quality", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (g *Gate) runStage(ctx context.Context, runID, dir, command, emptyReason string) models.StageResult {
	if command == "" {
		return models.StageResult{Passed: true, SkipReason: emptyReason}
	}
	res, err := g.runner.Run(ctx, dir, command)
	if err != nil {
		g.sink.error(runID, err)
		return models.StageResult{Executed: true, Output: g.masker.Mask(err.Error())}
	}
	return models.StageResult{
		Executed:   true,
		Passed:     res.ExitCode == 0,
		Output:     g.masker.Mask(res.Output),
		DurationMs: res.Duration.Milliseconds(),
	}
}

// hasTestFiles walks the workspace looking for anything that smells
// like a test: *_test.*, test_*.*, *.spec.*, *.test.*.
func hasTestFiles(dir string) bool {
	found := false
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		name := strings.ToLower(d.Name())
		if d.IsDir() {
			if strings.HasPrefix(name, ".") || name == "node_modules" || name == "vendor" {
				return fs.SkipDir
			}
			return nil
		}
		if strings.Contains(name, "_test.") || strings.HasPrefix(name, "test_") ||
			strings.Contains(name, ".spec.") || strings.Contains(name, ".test.") {
			found = true
			return fs.SkipAll
		}
		return nil
	})
	return found
}

// countFindings scans output lines for error/warning markers. A line
// mentioning both counts once, as an error.
func countFindings(outputs ...string) (errorCount, warningCount int) {
	for _, out := range outputs {
		for _, line := range strings.Split(out, "\n") {
			lowered := strings.ToLower(line)
			switch {
			case strings.Contains(lowered, "error"):
				errorCount++
			case strings.Contains(lowered, "warning"):
				warningCount++
			}
		}
	}
	return errorCount, warningCount
}
