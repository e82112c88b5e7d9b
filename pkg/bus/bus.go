// Package bus wraps the mailbox queue with envelope validation,
// per-run history, and chat-log capture. Every inter-agent exchange in
// the system goes through here.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kawanishi0117/agent-company-sub006/pkg/chatlog"
	"github.com/kawanishi0117/agent-company-sub006/pkg/mailbox"
	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
	"github.com/kawanishi0117/agent-company-sub006/pkg/store"
)

const runsKind = "runs"

// Recorder counts delivered messages by type.
type Recorder interface {
	MessageSent(msgType string)
}

// Bus validates and routes agent messages. Sends are journaled twice:
// the queue backend keeps the structured per-run history, and a
// human-readable line is appended to runs/<id>/messages.log. Logging
// failures never fail a send.
type Bus struct {
	queue   mailbox.Queue
	store   *store.Store
	capture *chatlog.Capture
	metrics Recorder

	now func() time.Time
}

// New creates a bus over the given queue. capture may be nil (chat
// capture disabled).
func New(queue mailbox.Queue, st *store.Store, capture *chatlog.Capture) *Bus {
	return &Bus{queue: queue, store: st, capture: capture, now: time.Now}
}

// SetMetrics installs the message counter. Nil disables counting.
func (b *Bus) SetMetrics(m Recorder) {
	b.metrics = m
}

// NewMessage builds a validated envelope ready to send.
func NewMessage(msgType models.MessageType, from, to string, payload any) (*models.AgentMessage, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, newValidationError("payload", err.Error())
		}
		raw = data
	}
	return &models.AgentMessage{
		ID:        uuid.New().String(),
		Type:      msgType,
		From:      from,
		To:        to,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Send validates the envelope and delivers it to its recipient.
func (b *Bus) Send(ctx context.Context, msg *models.AgentMessage) error {
	if err := Validate(msg); err != nil {
		return err
	}
	if msg.IsBroadcast() {
		_, err := b.Broadcast(ctx, msg)
		return err
	}
	if err := b.queue.Send(ctx, msg); err != nil {
		return err
	}
	if b.metrics != nil {
		b.metrics.MessageSent(string(msg.Type))
	}
	b.journal(msg)
	return nil
}

// Broadcast validates the envelope and fans it out to every registered
// recipient except the sender. The journal records the envelope once.
func (b *Bus) Broadcast(ctx context.Context, msg *models.AgentMessage) ([]string, error) {
	msg.To = models.BroadcastRecipient
	if err := Validate(msg); err != nil {
		return nil, err
	}
	delivered, err := b.queue.Broadcast(ctx, msg)
	if err != nil {
		return delivered, err
	}
	if b.metrics != nil {
		b.metrics.MessageSent(string(msg.Type))
	}
	b.journal(msg)
	return delivered, nil
}

// Poll returns pending messages for the agent, parking up to timeout
// when none are ready. Duplicate ids from at-least-once backends are
// collapsed here so consumers see each envelope once per poll.
func (b *Bus) Poll(ctx context.Context, agentID string, timeout time.Duration) ([]*models.AgentMessage, error) {
	msgs, err := b.queue.Poll(ctx, agentID, timeout)
	if err != nil {
		return nil, err
	}
	return dedupeByID(msgs), nil
}

// Register makes the agent a known broadcast recipient.
func (b *Bus) Register(agentID string) error {
	return b.queue.Register(agentID)
}

// GetMessageHistory merges the queue journal with entries recovered
// from runs/<id>/messages.log, de-duplicated by id and sorted by
// timestamp. Broadcasts appear once.
func (b *Bus) GetMessageHistory(ctx context.Context, runID string) ([]*models.AgentMessage, error) {
	msgs, err := b.queue.History(ctx, runID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		seen[historyKey(m)] = true
	}

	// The log recovers sends journaled by a previous backend (e.g.
	// after switching messageQueueType mid-run).
	if b.store != nil {
		text, err := b.store.ReadLog(runsKind, runID+"/messages")
		if err == nil && text != "" {
			for _, line := range strings.Split(text, "\n") {
				m := parseLogLine(line, runID)
				if m == nil {
					continue
				}
				if key := historyKey(m); !seen[key] {
					seen[key] = true
					msgs = append(msgs, m)
				}
			}
		}
	}

	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
	return msgs, nil
}

// journal appends the human-readable line and captures the chat entry.
// Both are best-effort: a full disk must not fail the send.
func (b *Bus) journal(msg *models.AgentMessage) {
	if b.store != nil && msg.WorkflowID != "" {
		line := FormatLogLine(msg)
		if err := b.store.AppendLog(runsKind, msg.WorkflowID+"/messages", line); err != nil {
			slog.Warn("Failed to append message log", "workflow_id", msg.WorkflowID, "error", err)
		}
	}
	if b.capture != nil {
		_, err := b.capture.Capture(chatlog.CaptureInput{
			Type:       models.CategoryForMessageType(msg.Type),
			From:       msg.From,
			To:         msg.To,
			Content:    payloadSummary(msg.Payload),
			WorkflowID: msg.WorkflowID,
		})
		if err != nil {
			slog.Warn("Failed to capture chat entry", "message_id", msg.ID, "error", err)
		}
	}
}

// FormatLogLine renders the stable messages.log format:
// "[<RFC3339>] <TYPE> <from> -> <to> | <payload-json>".
func FormatLogLine(msg *models.AgentMessage) string {
	payload := "{}"
	if len(msg.Payload) > 0 {
		payload = string(msg.Payload)
	}
	return fmt.Sprintf("[%s] %s %s -> %s | %s",
		msg.Timestamp.UTC().Format(time.RFC3339), msg.Type, msg.From, msg.To, payload)
}

// parseLogLine recovers an envelope from a messages.log line. The line
// carries no id, so recovered entries key on their content instead.
func parseLogLine(line, runID string) *models.AgentMessage {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "[") {
		return nil
	}
	end := strings.Index(line, "] ")
	if end < 0 {
		return nil
	}
	ts, err := time.Parse(time.RFC3339, line[1:end])
	if err != nil {
		return nil
	}
	rest := line[end+2:]

	head, payload, found := strings.Cut(rest, " | ")
	if !found {
		return nil
	}
	fields := strings.Fields(head)
	if len(fields) != 4 || fields[2] != "->" {
		return nil
	}
	msgType := models.MessageType(fields[0])
	if !msgType.IsValid() {
		return nil
	}
	return &models.AgentMessage{
		Type:       msgType,
		From:       fields[1],
		To:         fields[3],
		Payload:    json.RawMessage(payload),
		Timestamp:  ts,
		WorkflowID: runID,
	}
}

// historyKey identifies a message for de-duplication. Entries parsed
// from the log carry no id and fall back to a content key.
func historyKey(m *models.AgentMessage) string {
	if m.ID != "" {
		return m.ID
	}
	return fmt.Sprintf("%s|%s|%s|%s", m.Timestamp.UTC().Format(time.RFC3339), m.Type, m.From, m.To)
}

func dedupeByID(msgs []*models.AgentMessage) []*models.AgentMessage {
	if len(msgs) < 2 {
		return msgs
	}
	seen := make(map[string]bool, len(msgs))
	out := msgs[:0]
	for _, m := range msgs {
		if m.ID != "" && seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		out = append(out, m)
	}
	return out
}

func payloadSummary(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	return string(payload)
}
