package models

import "time"

// RiskSeverity grades a proposal risk.
type RiskSeverity string

const (
	RiskSeverityLow      RiskSeverity = "low"
	RiskSeverityMedium   RiskSeverity = "medium"
	RiskSeverityHigh     RiskSeverity = "high"
	RiskSeverityCritical RiskSeverity = "critical"
)

// TaskBreakdownItem is one ordered task of a proposal.
type TaskBreakdownItem struct {
	TaskNumber      int        `json:"taskNumber"`
	Title           string     `json:"title"`
	WorkerType      WorkerType `json:"workerType"`
	EstimatedEffort string     `json:"estimatedEffort,omitempty"`
	Dependencies    []int      `json:"dependencies,omitempty"`
}

// WorkerAssignment binds a task to an agent.
type WorkerAssignment struct {
	TaskNumber int        `json:"taskNumber"`
	AgentID    string     `json:"agentId"`
	WorkerType WorkerType `json:"workerType"`
}

// Risk is one identified proposal risk with its mitigation.
type Risk struct {
	Severity    RiskSeverity `json:"severity"`
	Description string       `json:"description"`
	Mitigation  string       `json:"mitigation,omitempty"`
}

// Proposal is the artifact produced by the proposal phase.
type Proposal struct {
	ProposalID        string              `json:"proposalId"`
	WorkflowID        string              `json:"workflowId"`
	Summary           string              `json:"summary"`
	Scope             string              `json:"scope"`
	TaskBreakdown     []TaskBreakdownItem `json:"taskBreakdown"`
	WorkerAssignments []WorkerAssignment  `json:"workerAssignments,omitempty"`
	Risks             []Risk              `json:"risks,omitempty"`
	MeetingID         string              `json:"meetingId"`
	Version           int                 `json:"version"`
	CreatedAt         time.Time           `json:"createdAt"`
}

// TestResults aggregates test outcomes for a deliverable.
type TestResults struct {
	Total    int      `json:"total"`
	Passed   int      `json:"passed"`
	Failed   int      `json:"failed"`
	Skipped  int      `json:"skipped"`
	Coverage *float64 `json:"coverage,omitempty"`
}

// Deliverable is the artifact produced by the delivery phase.
type Deliverable struct {
	DeliverableID string      `json:"deliverableId"`
	WorkflowID    string      `json:"workflowId"`
	SummaryReport string      `json:"summaryReport"`
	Changes       []string    `json:"changes,omitempty"`
	TestResults   TestResults `json:"testResults"`
	Artifacts     []string    `json:"artifacts,omitempty"`
	ReviewHistory []string    `json:"reviewHistory,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
}

// PausedProgress records how far execution got before pausing.
type PausedProgress struct {
	CompletedSubTasks      int    `json:"completedSubTasks"`
	TotalSubTasks          int    `json:"totalSubTasks"`
	LastProcessedSubTaskID string `json:"lastProcessedSubTaskId,omitempty"`
}

// PausedState is the snapshot written when AI unavailability is
// detected mid-run. The value returned to the caller must equal the
// persisted document.
type PausedState struct {
	RunID                string         `json:"runId"`
	PausedAt             time.Time      `json:"pausedAt"`
	TaskStatus           string         `json:"taskStatus"`
	Progress             PausedProgress `json:"progress"`
	Reason               string         `json:"reason"`
	RecoveryInstructions string         `json:"recoveryInstructions"`
}

// SubtaskStatus tracks one development-phase task.
type SubtaskStatus string

const (
	SubtaskStatusPending   SubtaskStatus = "pending"
	SubtaskStatusWorking   SubtaskStatus = "working"
	SubtaskStatusReview    SubtaskStatus = "review"
	SubtaskStatusCompleted SubtaskStatus = "completed"
	SubtaskStatusFailed    SubtaskStatus = "failed"
	SubtaskStatusSkipped   SubtaskStatus = "skipped"
)

// SubtaskProgressItem is the per-task progress record.
type SubtaskProgressItem struct {
	TaskID     string        `json:"taskId"`
	TaskNumber int           `json:"taskNumber"`
	Title      string        `json:"title"`
	Status     SubtaskStatus `json:"status"`
	WorkerType WorkerType    `json:"workerType"`
	Assignee   string        `json:"assignee,omitempty"`
	Error      string        `json:"error,omitempty"`
	UpdatedAt  time.Time     `json:"updatedAt"`
}

// SubtaskProgress is the persisted development progress snapshot.
type SubtaskProgress struct {
	WorkflowID     string                `json:"workflowId"`
	Items          []SubtaskProgressItem `json:"items"`
	Total          int                   `json:"total"`
	Completed      int                   `json:"completed"`
	Failed         int                   `json:"failed"`
	CompletionRate float64               `json:"completionRate"`
	UpdatedAt      time.Time             `json:"updatedAt"`
}

// StageResult is one stage of the quality pipeline.
type StageResult struct {
	Executed   bool   `json:"executed"`
	Passed     bool   `json:"passed"`
	Output     string `json:"output,omitempty"`
	DurationMs int64  `json:"durationMs"`
	SkipReason string `json:"skipReason,omitempty"`
}

// QualityGateResult is the persisted outcome of one lint→test run.
type QualityGateResult struct {
	RunID         string      `json:"runId"`
	Lint          StageResult `json:"lint"`
	Test          StageResult `json:"test"`
	OverallPassed bool        `json:"overallPassed"`
	ErrorCount    int         `json:"errorCount"`
	WarningCount  int         `json:"warningCount"`
	ExecutedAt    time.Time   `json:"executedAt"`
}

// QualityResultsData aggregates quality outcomes across subtasks for
// the quality_assurance phase.
type QualityResultsData struct {
	WorkflowID       string              `json:"workflowId"`
	Results          []QualityGateResult `json:"results"`
	Lint             StageResult         `json:"lint"`
	Test             StageResult         `json:"test"`
	Review           *StageResult        `json:"review,omitempty"`
	ErrorCount       int                 `json:"errorCount"`
	WarningCount     int                 `json:"warningCount"`
	OverallPassed    bool                `json:"overallPassed"`
	ComplianceReport string              `json:"complianceReport,omitempty"`
	ExecutedAt       time.Time           `json:"executedAt"`
}
