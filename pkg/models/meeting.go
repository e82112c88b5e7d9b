package models

import "time"

// AgendaStatus tracks an agenda item through the meeting.
type AgendaStatus string

const (
	AgendaStatusPending    AgendaStatus = "pending"
	AgendaStatusDiscussing AgendaStatus = "discussing"
	AgendaStatusConcluded  AgendaStatus = "concluded"
)

// AgendaItem is one topic of a meeting, concluded with a facilitator
// summary.
type AgendaItem struct {
	ID          string       `json:"id"`
	Topic       string       `json:"topic"`
	Description string       `json:"description,omitempty"`
	Status      AgendaStatus `json:"status"`
	Summary     string       `json:"summary,omitempty"`
}

// Participant describes one attendee of a meeting.
type Participant struct {
	AgentID    string   `json:"agentId"`
	Role       string   `json:"role"`
	WorkerType string   `json:"workerType,omitempty"`
	Expertise  []string `json:"expertise,omitempty"`
}

// Statement is one utterance tied to a declared agenda item.
type Statement struct {
	ParticipantID   string    `json:"participantId"`
	ParticipantRole string    `json:"participantRole"`
	Content         string    `json:"content"`
	AgendaItemID    string    `json:"agendaItemId"`
	Timestamp       time.Time `json:"timestamp"`
}

// MeetingMinutes is the full structured record of one facilitated
// discussion.
type MeetingMinutes struct {
	MeetingID    string        `json:"meetingId"`
	WorkflowID   string        `json:"workflowId"`
	Facilitator  string        `json:"facilitator"`
	Agenda       []AgendaItem  `json:"agenda"`
	Participants []Participant `json:"participants"`
	Statements   []Statement   `json:"statements"`
	Decisions    []string      `json:"decisions,omitempty"`
	ActionItems  []string      `json:"actionItems,omitempty"`
	StartedAt    time.Time     `json:"startedAt"`
	EndedAt      time.Time     `json:"endedAt"`
}
