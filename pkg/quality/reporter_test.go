package quality

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
)

func failedLintResult() *models.QualityGateResult {
	return &models.QualityGateResult{
		RunID: "run-1",
		Lint: models.StageResult{
			Executed: true,
			Passed:   false,
			Output:   "main.go:3: error: undefined variable\nstyle nit: long line",
		},
		Test:          models.StageResult{SkipReason: SkipReasonLintFailed},
		OverallPassed: false,
		ErrorCount:    1,
		ExecutedAt:    time.Now().UTC(),
	}
}

func TestShouldNotifyManager(t *testing.T) {
	r := NewReporter()

	assert.True(t, r.ShouldNotifyManager(failedLintResult()))
	assert.False(t, r.ShouldNotifyManager(&models.QualityGateResult{OverallPassed: true}))
	assert.False(t, r.ShouldNotifyManager(nil))
}

func TestBuildFailurePayload(t *testing.T) {
	r := NewReporter()

	payload := r.BuildFailurePayload("task-7", "run-1", failedLintResult())

	assert.Equal(t, "task-7", payload.SubTaskID)
	assert.Equal(t, "run-1", payload.RunID)
	require.NotNil(t, payload.QualityGateResult)
	assert.False(t, payload.Timestamp.IsZero())

	// The skipped test stage never ran, so lint is the only failed gate.
	assert.Equal(t, []string{StageLint}, payload.FailedGates)
	require.Len(t, payload.Errors, 1)
	assert.Contains(t, payload.Errors[0], "undefined variable")
}

func TestBuildFailurePayloadBothStagesFailed(t *testing.T) {
	r := NewReporter()
	result := &models.QualityGateResult{
		Lint: models.StageResult{Executed: true, Passed: false, Output: "lint error: bad import"},
		Test: models.StageResult{Executed: true, Passed: false, Output: "test error: assertion failed"},
	}

	payload := r.BuildFailurePayload("task-8", "run-2", result)

	assert.Equal(t, []string{StageLint, StageTest}, payload.FailedGates)
	assert.Len(t, payload.Errors, 2)
}

func TestGenerateDecisionRecommendation(t *testing.T) {
	r := NewReporter()
	payload := r.BuildFailurePayload("task-9", "run-3", failedLintResult())

	tests := []struct {
		failureCount   int
		wantAction     string
		wantEscalateTo string
	}{
		{1, ActionRetry, ""},
		{2, ActionReassign, ""},
		{3, ActionEscalate, "quality_authority"},
		{5, ActionEscalate, "quality_authority"},
	}
	for _, tt := range tests {
		rec := r.GenerateDecisionRecommendation(payload, tt.failureCount)
		assert.Equal(t, tt.wantAction, rec.Action, "failureCount=%d", tt.failureCount)
		assert.Equal(t, tt.wantEscalateTo, rec.EscalateTo, "failureCount=%d", tt.failureCount)
		assert.NotEmpty(t, rec.Reason)
	}
}
