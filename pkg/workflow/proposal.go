package workflow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kawanishi0117/agent-company-sub006/pkg/agent"
	"github.com/kawanishi0117/agent-company-sub006/pkg/meeting"
	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
	"github.com/kawanishi0117/agent-company-sub006/pkg/store"
)

// taskTitles maps each worker role to its breakdown task title.
var taskTitles = map[models.WorkerType]string{
	models.WorkerTypeResearch:  "Research and analysis",
	models.WorkerTypeDesign:    "Architecture design",
	models.WorkerTypeDesigner:  "UI design",
	models.WorkerTypeDeveloper: "Implementation",
	models.WorkerTypeTest:      "Testing and verification",
	models.WorkerTypeReviewer:  "Code review",
}

// taskEfforts are the coarse per-role effort estimates carried on the
// breakdown items.
var taskEfforts = map[models.WorkerType]string{
	models.WorkerTypeResearch:  "1d",
	models.WorkerTypeDesign:    "1d",
	models.WorkerTypeDesigner:  "1d",
	models.WorkerTypeDeveloper: "2d",
	models.WorkerTypeTest:      "1d",
	models.WorkerTypeReviewer:  "0.5d",
}

// topicRisks maps matched discussion topics to proposal risks.
var topicRisks = map[string]models.Risk{
	"security": {
		Severity:    models.RiskSeverityHigh,
		Description: "Credential handling and the attack surface need explicit review.",
		Mitigation:  "Review the security agenda conclusions before delivery approval.",
	},
	"performance": {
		Severity:    models.RiskSeverityMedium,
		Description: "Latency and throughput targets may constrain the implementation.",
		Mitigation:  "Verify the targets during the testing task.",
	},
	"research": {
		Severity:    models.RiskSeverityMedium,
		Description: "Open unknowns may widen the scope during research.",
		Mitigation:  "Timebox the research task and feed findings back before implementation.",
	},
	"design": {
		Severity:    models.RiskSeverityLow,
		Description: "Architecture decisions may shift downstream task estimates.",
	},
	"ui": {
		Severity:    models.RiskSeverityLow,
		Description: "Screen flows may need iteration after the first review.",
	},
}

// deriveProposal builds the proposal deterministically from the
// instruction and the meeting record: one ordered task per required
// worker role, chained dependencies, the matching worker assignments,
// and keyword-derived risks. The version continues from any previously
// persisted proposal so revisions count up.
func (e *Engine) deriveProposal(wf *models.Workflow, minutes *models.MeetingMinutes) *models.Proposal {
	version := 1
	if prior, err := e.loadProposal(wf.WorkflowID); err == nil {
		version = prior.Version + 1
	}

	workerTypes := meeting.RequiredWorkerTypes(wf.Instruction)
	breakdown := make([]models.TaskBreakdownItem, 0, len(workerTypes))
	assignments := make([]models.WorkerAssignment, 0, len(workerTypes))
	for i, wt := range workerTypes {
		item := models.TaskBreakdownItem{
			TaskNumber:      i + 1,
			Title:           taskTitles[wt],
			WorkerType:      wt,
			EstimatedEffort: taskEfforts[wt],
		}
		if i > 0 {
			item.Dependencies = []int{i}
		}
		breakdown = append(breakdown, item)
		assignments = append(assignments, models.WorkerAssignment{
			TaskNumber: i + 1,
			AgentID:    agent.WorkerID(wt),
			WorkerType: wt,
		})
	}

	return &models.Proposal{
		ProposalID:        uuid.New().String(),
		WorkflowID:        wf.WorkflowID,
		Summary:           fmt.Sprintf("Execution plan for: %s", truncate(wf.Instruction, 120)),
		Scope:             scopeStatement(workerTypes),
		TaskBreakdown:     breakdown,
		WorkerAssignments: assignments,
		Risks:             deriveRisks(wf.Instruction),
		MeetingID:         minutes.MeetingID,
		Version:           version,
		CreatedAt:         e.now().UTC(),
	}
}

// loadProposal reads the persisted proposal artifact.
func (e *Engine) loadProposal(workflowID string) (*models.Proposal, error) {
	var p models.Proposal
	if err := e.store.Load(runsKind, workflowID+"/proposal", &p); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("workflow %s: proposal artifact missing", workflowID)
		}
		return nil, err
	}
	return &p, nil
}

func scopeStatement(workerTypes []models.WorkerType) string {
	names := make([]string, len(workerTypes))
	for i, wt := range workerTypes {
		names[i] = string(wt)
	}
	return fmt.Sprintf("One task per staffed role, executed in order: %s.", strings.Join(names, ", "))
}

func deriveRisks(instruction string) []models.Risk {
	var out []models.Risk
	for _, m := range meeting.MatchTopics(instruction) {
		if risk, ok := topicRisks[m.ID]; ok {
			out = append(out, risk)
		}
	}
	return out
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
