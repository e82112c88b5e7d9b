// Package meeting synthesizes facilitated multi-agent discussions into
// persisted meeting minutes. The proposal phase convenes one meeting
// per proposal version; the minutes drive task decomposition.
package meeting

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/kawanishi0117/agent-company-sub006/pkg/agent"
	"github.com/kawanishi0117/agent-company-sub006/pkg/chatlog"
	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
	"github.com/kawanishi0117/agent-company-sub006/pkg/store"
)

const (
	runsKind = "runs"

	// maxTopicItems caps the keyword-derived agenda items; with the two
	// fixed openers and the closing decomposition item the agenda holds
	// three to five entries.
	maxTopicItems = 2

	// statementStep spaces synthesized statement timestamps so ordering
	// within an item is strictly increasing.
	statementStep = 10 * time.Millisecond

	decompositionTopic = "Task decomposition"
)

// ChatCapture journals meeting statements into the per-day chat log.
// *chatlog.Capture satisfies it.
type ChatCapture interface {
	Capture(in chatlog.CaptureInput) (*models.ChatLogEntry, error)
}

// TopicMatch is one keyword rule hit against a workflow instruction.
// WorkerType names the extra worker the topic demands beyond the
// developer/test/reviewer baseline; it is empty for discussion-only
// topics.
type TopicMatch struct {
	ID          string
	Topic       string
	Description string
	WorkerType  models.WorkerType
	Expertise   string
}

type topicRule struct {
	match    TopicMatch
	keywords []string
}

// Rule order decides agenda order and extra-worker order; keep the
// staffing rules (research/design/ui) ahead of the discussion-only
// ones.
var topicRules = []topicRule{
	{
		match: TopicMatch{
			ID:          "research",
			Topic:       "Research findings",
			Description: "Share what is already known and what still needs investigation.",
			WorkerType:  models.WorkerTypeResearch,
			Expertise:   "research",
		},
		keywords: []string{"research", "investigate", "analyze", "analysis", "調査", "分析", "リサーチ"},
	},
	{
		match: TopicMatch{
			ID:          "design",
			Topic:       "Architecture approach",
			Description: "Agree on the structural approach before implementation starts.",
			WorkerType:  models.WorkerTypeDesign,
			Expertise:   "architecture",
		},
		keywords: []string{"architecture", "design", "設計", "アーキテクチャ"},
	},
	{
		match: TopicMatch{
			ID:          "ui",
			Topic:       "User experience",
			Description: "Review screens, flows, and usability expectations.",
			WorkerType:  models.WorkerTypeDesigner,
			Expertise:   "ui",
		},
		keywords: []string{"ui", "ux", "screen", "frontend", "画面", "デザイン"},
	},
	{
		match: TopicMatch{
			ID:          "security",
			Topic:       "Security considerations",
			Description: "Walk through credential handling and the attack surface.",
		},
		keywords: []string{"auth", "security", "login", "password", "credential", "認証", "セキュリティ", "ログイン", "パスワード"},
	},
	{
		match: TopicMatch{
			ID:          "performance",
			Topic:       "Performance targets",
			Description: "Set latency and throughput expectations up front.",
		},
		keywords: []string{"performance", "latency", "throughput", "scale", "パフォーマンス", "性能", "負荷"},
	},
}

// baselineWorkerTypes staff every proposal regardless of keywords.
var baselineWorkerTypes = []models.WorkerType{
	models.WorkerTypeDeveloper,
	models.WorkerTypeTest,
	models.WorkerTypeReviewer,
}

// MatchTopics returns every topic rule the instruction triggers, in
// rule order. ASCII keywords match on token prefixes so short tokens
// like "ui" cannot fire inside unrelated words; non-ASCII keywords
// match as substrings.
func MatchTopics(instruction string) []TopicMatch {
	lowered := strings.ToLower(instruction)
	tokens := tokenize(lowered)

	var out []TopicMatch
	for _, rule := range topicRules {
		for _, kw := range rule.keywords {
			if keywordHit(lowered, tokens, kw) {
				out = append(out, rule.match)
				break
			}
		}
	}
	return out
}

// RequiredWorkerTypes returns the worker types a proposal derived from
// the instruction must staff: keyword-demanded extras first (rule
// order), then the developer/test/reviewer baseline.
func RequiredWorkerTypes(instruction string) []models.WorkerType {
	var out []models.WorkerType
	for _, m := range MatchTopics(instruction) {
		if m.WorkerType != "" {
			out = append(out, m.WorkerType)
		}
	}
	return append(out, baselineWorkerTypes...)
}

func keywordHit(lowered string, tokens []string, kw string) bool {
	if !isASCII(kw) {
		return strings.Contains(lowered, kw)
	}
	for _, tok := range tokens {
		if strings.HasPrefix(tok, kw) {
			return true
		}
	}
	return false
}

func tokenize(lowered string) []string {
	return strings.FieldsFunc(lowered, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func isASCII(s string) bool {
	for _, r := range s {
		if r >= 128 {
			return false
		}
	}
	return true
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithChatCapture journals every statement as meeting_discussion.
func WithChatCapture(c ChatCapture) Option {
	return func(co *Coordinator) { co.capture = c }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(co *Coordinator) { co.logger = l }
}

// Coordinator convenes meetings and persists their minutes under
// runs/<workflowId>/meetings/.
type Coordinator struct {
	store    *store.Store
	registry *agent.Registry
	capture  ChatCapture
	logger   *slog.Logger

	now func() time.Time
}

// New creates a coordinator over the given store and agent roster.
func New(st *store.Store, reg *agent.Registry, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    st,
		registry: reg,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Convene synthesizes full minutes for the instruction: agenda from
// keyword rules, participants from the roster by required expertise,
// one statement per non-facilitator participant per item, then the
// facilitator's summary concluding the item. The record is persisted
// before Convene returns.
func (c *Coordinator) Convene(ctx context.Context, workflowID, instruction, facilitatorID string) (*models.MeetingMinutes, error) {
	if workflowID == "" {
		return nil, fmt.Errorf("meeting: workflow id is required")
	}
	if strings.TrimSpace(instruction) == "" {
		return nil, fmt.Errorf("meeting: instruction is required")
	}
	if facilitatorID == "" {
		facilitatorID = agent.FacilitatorID
	}

	matches := MatchTopics(instruction)
	agendaMatches := matches
	if len(agendaMatches) > maxTopicItems {
		agendaMatches = agendaMatches[:maxTopicItems]
	}

	participants := c.selectParticipants(facilitatorID, matches)
	facilitator := participants[0]

	start := c.now().UTC()
	minutes := &models.MeetingMinutes{
		MeetingID:    uuid.New().String(),
		WorkflowID:   workflowID,
		Facilitator:  facilitatorID,
		Agenda:       buildAgenda(instruction, agendaMatches),
		Participants: participants,
		Decisions:    decisionsFor(agendaMatches),
		ActionItems:  actionItemsFor(RequiredWorkerTypes(instruction)),
		StartedAt:    start,
	}

	cursor := start
	for i := range minutes.Agenda {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		item := &minutes.Agenda[i]
		item.Status = models.AgendaStatusDiscussing

		for _, p := range participants {
			if p.AgentID == facilitatorID {
				continue
			}
			cursor = cursor.Add(statementStep)
			minutes.Statements = append(minutes.Statements, models.Statement{
				ParticipantID:   p.AgentID,
				ParticipantRole: p.Role,
				Content:         statementFor(p, *item),
				AgendaItemID:    item.ID,
				Timestamp:       cursor,
			})
		}

		item.Summary = summarize(*item)
		cursor = cursor.Add(statementStep)
		minutes.Statements = append(minutes.Statements, models.Statement{
			ParticipantID:   facilitator.AgentID,
			ParticipantRole: facilitator.Role,
			Content:         item.Summary,
			AgendaItemID:    item.ID,
			Timestamp:       cursor,
		})
		item.Status = models.AgendaStatusConcluded
	}
	minutes.EndedAt = cursor

	if err := c.store.Save(runsKind, meetingKey(workflowID, minutes.MeetingID), minutes); err != nil {
		return nil, err
	}
	c.captureStatements(minutes)

	c.logger.Info("meeting concluded",
		"workflow_id", workflowID,
		"meeting_id", minutes.MeetingID,
		"agenda_items", len(minutes.Agenda),
		"participants", len(minutes.Participants),
		"statements", len(minutes.Statements))
	return minutes, nil
}

// Load reads one persisted meeting record. Returns store.ErrNotFound
// when it does not exist.
func (c *Coordinator) Load(workflowID, meetingID string) (*models.MeetingMinutes, error) {
	var m models.MeetingMinutes
	if err := c.store.Load(runsKind, meetingKey(workflowID, meetingID), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// List returns every meeting held for the workflow, oldest first.
func (c *Coordinator) List(workflowID string) ([]*models.MeetingMinutes, error) {
	ids, err := c.store.List(path.Join(runsKind, workflowID, "meetings"))
	if err != nil {
		return nil, err
	}
	out := make([]*models.MeetingMinutes, 0, len(ids))
	for _, id := range ids {
		m, err := c.Load(workflowID, id)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].MeetingID < out[j].MeetingID
	})
	return out, nil
}

// selectParticipants seats the facilitator first, then the manager,
// then every roster agent whose expertise covers the required topics,
// in registration order.
func (c *Coordinator) selectParticipants(facilitatorID string, matches []TopicMatch) []models.Participant {
	var out []models.Participant
	seen := make(map[string]bool)

	add := func(a *agent.Agent) {
		if a == nil || seen[a.ID] {
			return
		}
		seen[a.ID] = true
		out = append(out, toParticipant(a))
	}

	if a, ok := c.registry.Get(facilitatorID); ok {
		add(a)
	} else {
		seen[facilitatorID] = true
		out = append(out, models.Participant{AgentID: facilitatorID, Role: string(agent.RoleFacilitator)})
	}
	for _, m := range c.registry.ByRole(agent.RoleManager) {
		add(m)
	}
	for _, a := range c.registry.ByExpertise(requiredExpertise(matches)) {
		add(a)
	}
	return out
}

func requiredExpertise(matches []TopicMatch) []string {
	req := []string{"implementation", "testing", "review"}
	for _, m := range matches {
		if m.Expertise != "" {
			req = append(req, m.Expertise)
		}
	}
	return req
}

func toParticipant(a *agent.Agent) models.Participant {
	return models.Participant{
		AgentID:    a.ID,
		Role:       string(a.Role),
		WorkerType: string(a.WorkerType),
		Expertise:  append([]string(nil), a.Expertise...),
	}
}

func buildAgenda(instruction string, matches []TopicMatch) []models.AgendaItem {
	items := []models.AgendaItem{
		{Topic: "Instruction review", Description: instruction},
		{Topic: "Scope and constraints", Description: "Clarify boundaries, dependencies, and acceptance criteria."},
	}
	for _, m := range matches {
		items = append(items, models.AgendaItem{Topic: m.Topic, Description: m.Description})
	}
	items = append(items, models.AgendaItem{
		Topic:       decompositionTopic,
		Description: "Break the instruction into assignable worker tasks.",
	})
	for i := range items {
		items[i].ID = fmt.Sprintf("item-%d", i+1)
		items[i].Status = models.AgendaStatusPending
	}
	return items
}

func statementFor(p models.Participant, item models.AgendaItem) string {
	topic := strings.ToLower(item.Topic)
	switch {
	case p.WorkerType != "":
		return fmt.Sprintf("From the %s side, no blockers on %s.", p.WorkerType, topic)
	case p.Role == string(agent.RoleManager):
		return fmt.Sprintf("Within current capacity; proceed on %s.", topic)
	case p.Role == string(agent.RoleQualityAuthority):
		return fmt.Sprintf("Quality bar noted for %s.", topic)
	default:
		return fmt.Sprintf("No objection on %s.", topic)
	}
}

func summarize(item models.AgendaItem) string {
	if item.Topic == decompositionTopic {
		return "Decompose the instruction into worker tasks and move to proposal drafting."
	}
	return fmt.Sprintf("%s reviewed; no open concerns.", item.Topic)
}

func decisionsFor(matches []TopicMatch) []string {
	out := []string{"Proceed to proposal drafting."}
	for _, m := range matches {
		out = append(out, fmt.Sprintf("Account for %s in the proposal.", strings.ToLower(m.Topic)))
	}
	return out
}

func actionItemsFor(workerTypes []models.WorkerType) []string {
	out := make([]string, 0, len(workerTypes))
	for _, wt := range workerTypes {
		out = append(out, fmt.Sprintf("Prepare the %s task breakdown.", wt))
	}
	return out
}

func (c *Coordinator) captureStatements(m *models.MeetingMinutes) {
	if c.capture == nil {
		return
	}
	for _, st := range m.Statements {
		_, err := c.capture.Capture(chatlog.CaptureInput{
			Type:       models.ChatCategoryMeetingDiscussion,
			From:       st.ParticipantID,
			To:         "meeting:" + m.MeetingID,
			Content:    st.Content,
			WorkflowID: m.WorkflowID,
			AgentIDs:   []string{st.ParticipantID},
		})
		if err != nil {
			c.logger.Warn("chat capture failed", "meeting_id", m.MeetingID, "error", err)
			return
		}
	}
}

func meetingKey(workflowID, meetingID string) string {
	return workflowID + "/meetings/" + meetingID
}
