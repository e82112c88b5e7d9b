package models

import "time"

// TicketStatus is the lifecycle status of any ticket tree node.
type TicketStatus string

const (
	TicketStatusPending          TicketStatus = "pending"
	TicketStatusDecomposing      TicketStatus = "decomposing"
	TicketStatusInProgress       TicketStatus = "in_progress"
	TicketStatusReviewRequested  TicketStatus = "review_requested"
	TicketStatusRevisionRequired TicketStatus = "revision_required"
	TicketStatusCompleted        TicketStatus = "completed"
	TicketStatusFailed           TicketStatus = "failed"
	TicketStatusPRCreated        TicketStatus = "pr_created"
)

// IsValid checks if the status is a recognized ticket status.
func (s TicketStatus) IsValid() bool {
	switch s {
	case TicketStatusPending, TicketStatusDecomposing, TicketStatusInProgress,
		TicketStatusReviewRequested, TicketStatusRevisionRequired,
		TicketStatusCompleted, TicketStatusFailed, TicketStatusPRCreated:
		return true
	default:
		return false
	}
}

// IsDone reports whether the ticket counts as finished work.
// pr_created annotates completed work rather than forming a separate
// terminal, so both count.
func (s TicketStatus) IsDone() bool {
	return s == TicketStatusCompleted || s == TicketStatusPRCreated
}

// WorkerType identifies the role a child ticket is scoped to.
type WorkerType string

const (
	WorkerTypeResearch  WorkerType = "research"
	WorkerTypeDesign    WorkerType = "design"
	WorkerTypeDesigner  WorkerType = "designer"
	WorkerTypeDeveloper WorkerType = "developer"
	WorkerTypeTest      WorkerType = "test"
	WorkerTypeReviewer  WorkerType = "reviewer"
)

// IsValid checks if the worker type is recognized.
func (w WorkerType) IsValid() bool {
	switch w {
	case WorkerTypeResearch, WorkerTypeDesign, WorkerTypeDesigner,
		WorkerTypeDeveloper, WorkerTypeTest, WorkerTypeReviewer:
		return true
	default:
		return false
	}
}

// TicketLevel distinguishes the three tiers of the ticket tree.
type TicketLevel string

const (
	TicketLevelParent     TicketLevel = "parent"
	TicketLevelChild      TicketLevel = "child"
	TicketLevelGrandchild TicketLevel = "grandchild"
)

// TicketMetadata carries submission metadata on a parent ticket.
type TicketMetadata struct {
	Priority string     `json:"priority,omitempty"`
	Tags     []string   `json:"tags,omitempty"`
	Deadline *time.Time `json:"deadline,omitempty"`
}

// Ticket is one node of the parent/child/grandchild tree. The level
// determines which optional fields are meaningful.
type Ticket struct {
	TicketID string       `json:"ticketId"`
	Level    TicketLevel  `json:"level"`
	ParentID string       `json:"parentId,omitempty"`
	Status   TicketStatus `json:"status"`

	// Parent fields.
	ProjectID   string          `json:"projectId,omitempty"`
	Instruction string          `json:"instruction,omitempty"`
	Metadata    *TicketMetadata `json:"metadata,omitempty"`

	// Child fields.
	WorkerType WorkerType `json:"workerType,omitempty"`

	// Grandchild fields.
	Description        string   `json:"description,omitempty"`
	AcceptanceCriteria []string `json:"acceptanceCriteria,omitempty"`
	Artifacts          []string `json:"artifacts,omitempty"`
	GitBranch          string   `json:"gitBranch,omitempty"`
	Assignee           string   `json:"assignee,omitempty"`

	ChildIDs []string `json:"childIds,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// GrandchildPayload is the input for creating a leaf work unit.
type GrandchildPayload struct {
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptanceCriteria,omitempty"`
	Artifacts          []string `json:"artifacts,omitempty"`
	GitBranch          string   `json:"gitBranch,omitempty"`
	Assignee           string   `json:"assignee,omitempty"`
}

// TicketFilter narrows List results.
type TicketFilter struct {
	ProjectID  string       `json:"projectId,omitempty"`
	Level      TicketLevel  `json:"level,omitempty"`
	Status     TicketStatus `json:"status,omitempty"`
	ParentID   string       `json:"parentId,omitempty"`
	WorkerType WorkerType   `json:"workerType,omitempty"`
}
