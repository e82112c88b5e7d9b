package models

import (
	"encoding/json"
	"time"
)

// MessageType enumerates the closed set of agent message envelopes.
type MessageType string

const (
	MessageTypeTaskAssign       MessageType = "task_assign"
	MessageTypeTaskComplete     MessageType = "task_complete"
	MessageTypeTaskFailed       MessageType = "task_failed"
	MessageTypeEscalate         MessageType = "escalate"
	MessageTypeStatusRequest    MessageType = "status_request"
	MessageTypeStatusResponse   MessageType = "status_response"
	MessageTypeReviewRequest    MessageType = "review_request"
	MessageTypeReviewResponse   MessageType = "review_response"
	MessageTypeConflictEscalate MessageType = "conflict_escalate"
)

// IsValid checks membership in the closed message type set.
func (t MessageType) IsValid() bool {
	switch t {
	case MessageTypeTaskAssign, MessageTypeTaskComplete, MessageTypeTaskFailed,
		MessageTypeEscalate, MessageTypeStatusRequest, MessageTypeStatusResponse,
		MessageTypeReviewRequest, MessageTypeReviewResponse, MessageTypeConflictEscalate:
		return true
	default:
		return false
	}
}

// BroadcastRecipient is the sentinel To value for fan-out delivery.
const BroadcastRecipient = "broadcast"

// AgentMessage is the immutable envelope exchanged between agents.
type AgentMessage struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`

	// WorkflowID scopes the message to a run for history and logging.
	// Optional: status probes may be run-agnostic.
	WorkflowID string `json:"workflowId,omitempty"`
}

// IsBroadcast reports whether the message targets every recipient.
func (m *AgentMessage) IsBroadcast() bool {
	return m.To == BroadcastRecipient
}

// TaskAssignPayload is the payload of a task_assign message.
type TaskAssignPayload struct {
	TaskID       string   `json:"taskId"`
	TaskNumber   int      `json:"taskNumber"`
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	WorkerType   string   `json:"workerType"`
	GitBranch    string   `json:"gitBranch,omitempty"`
	Epoch        int      `json:"epoch"`
	Dependencies []int    `json:"dependencies,omitempty"`
	Acceptance   []string `json:"acceptanceCriteria,omitempty"`
}

// TaskResultPayload is the payload of task_complete and task_failed.
type TaskResultPayload struct {
	TaskID    string   `json:"taskId"`
	Epoch     int      `json:"epoch"`
	Output    string   `json:"output,omitempty"`
	Error     string   `json:"error,omitempty"`
	Artifacts []string `json:"artifacts,omitempty"`
}

// ReviewPayload is the payload of review_request and review_response.
type ReviewPayload struct {
	TaskID   string `json:"taskId"`
	TicketID string `json:"ticketId,omitempty"`
	Epoch    int    `json:"epoch"`
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback,omitempty"`
}

// EscalationPayload is the payload of escalate and conflict_escalate.
type EscalationPayload struct {
	RunID             string    `json:"runId"`
	AgentID           string    `json:"agentId"`
	Category          string    `json:"category"`
	Error             string    `json:"error"`
	Attempts          int       `json:"attempts"`
	Reason            string    `json:"reason"`
	RecommendedAction string    `json:"recommendedAction,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}
