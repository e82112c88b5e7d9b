// Package models contains the shared domain types persisted under the
// runtime directory and exchanged over the wire.
package models

import "time"

// ChatCategory classifies a captured chat entry.
type ChatCategory string

const (
	ChatCategoryTaskAssignment    ChatCategory = "task_assignment"
	ChatCategoryReviewFeedback    ChatCategory = "review_feedback"
	ChatCategoryMeetingDiscussion ChatCategory = "meeting_discussion"
	ChatCategoryEscalation        ChatCategory = "escalation"
	ChatCategoryGeneral           ChatCategory = "general"
)

// IsValid checks if the category is recognized.
func (c ChatCategory) IsValid() bool {
	switch c {
	case ChatCategoryTaskAssignment, ChatCategoryReviewFeedback,
		ChatCategoryMeetingDiscussion, ChatCategoryEscalation, ChatCategoryGeneral:
		return true
	default:
		return false
	}
}

// CategoryForMessageType derives the chat category for a bus message.
func CategoryForMessageType(t MessageType) ChatCategory {
	switch t {
	case MessageTypeTaskAssign:
		return ChatCategoryTaskAssignment
	case MessageTypeReviewRequest, MessageTypeReviewResponse:
		return ChatCategoryReviewFeedback
	case MessageTypeEscalate, MessageTypeConflictEscalate:
		return ChatCategoryEscalation
	default:
		return ChatCategoryGeneral
	}
}

// ChatLogEntry is one captured exchange, stored in the per-day log.
type ChatLogEntry struct {
	ID         string       `json:"id"`
	Timestamp  time.Time    `json:"timestamp"`
	Type       ChatCategory `json:"type"`
	From       string       `json:"from"`
	To         string       `json:"to"`
	Content    string       `json:"content"`
	WorkflowID string       `json:"workflowId,omitempty"`
	AgentIDs   []string     `json:"agentIds,omitempty"`
}

// ActivityEntry is the rendered activity-stream view of a chat entry.
type ActivityEntry struct {
	ID          string       `json:"id"`
	Timestamp   time.Time    `json:"timestamp"`
	Type        ChatCategory `json:"type"`
	Description string       `json:"description"`
	AgentIDs    []string     `json:"agentIds,omitempty"`
	WorkflowID  string       `json:"workflowId,omitempty"`
}
