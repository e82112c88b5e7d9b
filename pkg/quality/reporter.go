package quality

import (
	"fmt"
	"strings"
	"time"

	"github.com/kawanishi0117/agent-company-sub006/pkg/agent"
	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
)

// Recommended actions for a failing gate, ordered by failure count.
const (
	ActionRetry    = "retry"
	ActionReassign = "reassign"
	ActionEscalate = "escalate"
)

// maxPayloadErrors caps the error lines carried in a failure payload.
const maxPayloadErrors = 20

// FailurePayload is the manager notification body for a failed gate.
type FailurePayload struct {
	SubTaskID         string                    `json:"subTaskId"`
	RunID             string                    `json:"runId"`
	QualityGateResult *models.QualityGateResult `json:"qualityGateResult"`
	FailedGates       []string                  `json:"failedGates"`
	Errors            []string                  `json:"errors"`
	Timestamp         time.Time                 `json:"timestamp"`
}

// DecisionRecommendation tells the manager what to do with a failing
// subtask.
type DecisionRecommendation struct {
	Action     string `json:"action"`
	EscalateTo string `json:"escalateTo,omitempty"`
	Reason     string `json:"reason"`
}

// Reporter turns gate results into manager-facing notifications.
type Reporter struct {
	now func() time.Time
}

// NewReporter creates a reporter.
func NewReporter() *Reporter {
	return &Reporter{now: time.Now}
}

// ShouldNotifyManager reports whether the result warrants a manager
// notification: only overall failures do.
func (r *Reporter) ShouldNotifyManager(result *models.QualityGateResult) bool {
	return result != nil && !result.OverallPassed
}

// BuildFailurePayload assembles the notification body. FailedGates
// lists only stages that ran and failed; a test stage skipped by a
// lint failure is not itself a failed gate.
func (r *Reporter) BuildFailurePayload(subTaskID, runID string, result *models.QualityGateResult) *FailurePayload {
	payload := &FailurePayload{
		SubTaskID:         subTaskID,
		RunID:             runID,
		QualityGateResult: result,
		FailedGates:       []string{},
		Errors:            []string{},
		Timestamp:         r.now().UTC(),
	}
	if result == nil {
		return payload
	}
	if result.Lint.Executed && !result.Lint.Passed {
		payload.FailedGates = append(payload.FailedGates, StageLint)
		payload.Errors = appendErrorLines(payload.Errors, result.Lint.Output)
	}
	if result.Test.Executed && !result.Test.Passed {
		payload.FailedGates = append(payload.FailedGates, StageTest)
		payload.Errors = appendErrorLines(payload.Errors, result.Test.Output)
	}
	return payload
}

// GenerateDecisionRecommendation maps consecutive failure counts to an
// action: first failure retries, second reassigns, third and beyond
// escalates to the quality authority.
func (r *Reporter) GenerateDecisionRecommendation(payload *FailurePayload, failureCount int) DecisionRecommendation {
	switch {
	case failureCount <= 1:
		return DecisionRecommendation{
			Action: ActionRetry,
			Reason: fmt.Sprintf("first quality failure for %s; retry in place", payload.SubTaskID),
		}
	case failureCount == 2:
		return DecisionRecommendation{
			Action: ActionReassign,
			Reason: fmt.Sprintf("second quality failure for %s; reassign to another worker", payload.SubTaskID),
		}
	default:
		return DecisionRecommendation{
			Action:     ActionEscalate,
			EscalateTo: agent.QualityAuthorityID,
			Reason:     fmt.Sprintf("%d consecutive quality failures for %s; escalating", failureCount, payload.SubTaskID),
		}
	}
}

func appendErrorLines(dst []string, output string) []string {
	for _, line := range strings.Split(output, "\n") {
		if len(dst) >= maxPayloadErrors {
			return dst
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.Contains(strings.ToLower(trimmed), "error") {
			dst = append(dst, trimmed)
		}
	}
	return dst
}
