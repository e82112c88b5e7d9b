// Package chatlog captures inter-agent exchanges into per-day files
// and renders the activity stream consumed by the API.
package chatlog

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kawanishi0117/agent-company-sub006/pkg/masking"
	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
	"github.com/kawanishi0117/agent-company-sub006/pkg/store"
)

const (
	logKind = "state/chat-logs"
	dayFmt  = "2006-01-02"

	// descriptionContentLimit caps the rendered content in activity
	// descriptions.
	descriptionContentLimit = 80
)

var dayFilePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// CaptureInput is one exchange to record. ID and Timestamp are
// assigned by Capture.
type CaptureInput struct {
	Type       models.ChatCategory
	From       string
	To         string
	Content    string
	WorkflowID string
	AgentIDs   []string
}

// Filter narrows Query results. Zero fields match everything.
type Filter struct {
	Date       string // YYYY-MM-DD
	AgentID    string
	Type       models.ChatCategory
	WorkflowID string
}

// Capture appends chat entries to per-day documents
// (state/chat-logs/YYYY-MM-DD.json) via atomic rewrite.
type Capture struct {
	store  *store.Store
	masker *masking.Masker

	mu  sync.Mutex
	now func() time.Time
}

// New creates a capture writing through the given store.
func New(st *store.Store, masker *masking.Masker) *Capture {
	return &Capture{store: st, masker: masker, now: time.Now}
}

// Capture assigns id and timestamp, masks the content, and appends the
// entry to today's file.
func (c *Capture) Capture(in CaptureInput) (*models.ChatLogEntry, error) {
	if !in.Type.IsValid() {
		in.Type = models.ChatCategoryGeneral
	}
	content := in.Content
	if c.masker != nil {
		content = c.masker.Mask(content)
	}

	entry := &models.ChatLogEntry{
		ID:         uuid.New().String(),
		Timestamp:  c.now().UTC(),
		Type:       in.Type,
		From:       in.From,
		To:         in.To,
		Content:    content,
		WorkflowID: in.WorkflowID,
		AgentIDs:   in.AgentIDs,
	}
	if len(entry.AgentIDs) == 0 {
		entry.AgentIDs = participantIDs(in.From, in.To)
	}

	day := entry.Timestamp.Format(dayFmt)

	c.mu.Lock()
	defer c.mu.Unlock()

	var entries []*models.ChatLogEntry
	if err := c.store.Load(logKind, day, &entries); err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	entries = append(entries, entry)
	if err := c.store.Save(logKind, day, entries); err != nil {
		return nil, err
	}
	return entry, nil
}

// Query returns entries matching the filter, oldest first.
func (c *Capture) Query(f Filter) ([]*models.ChatLogEntry, error) {
	days, err := c.days()
	if err != nil {
		return nil, err
	}
	if f.Date != "" {
		days = []string{f.Date}
	}

	var out []*models.ChatLogEntry
	for _, day := range days {
		var entries []*models.ChatLogEntry
		if err := c.store.Load(logKind, day, &entries); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		for _, e := range entries {
			if f.Type != "" && e.Type != f.Type {
				continue
			}
			if f.WorkflowID != "" && e.WorkflowID != f.WorkflowID {
				continue
			}
			if f.AgentID != "" && !involves(e, f.AgentID) {
				continue
			}
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// ActivityStream returns the newest limit entries across all days,
// newest first, rendered for display.
func (c *Capture) ActivityStream(limit int) ([]*models.ActivityEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	days, err := c.days()
	if err != nil {
		return nil, err
	}
	// Newest day files first; stop reading once limit entries are in
	// hand.
	sort.Sort(sort.Reverse(sort.StringSlice(days)))

	var collected []*models.ChatLogEntry
	for _, day := range days {
		var entries []*models.ChatLogEntry
		if err := c.store.Load(logKind, day, &entries); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		collected = append(collected, entries...)
		if len(collected) >= limit {
			break
		}
	}

	sort.SliceStable(collected, func(i, j int) bool {
		return collected[i].Timestamp.After(collected[j].Timestamp)
	})
	if len(collected) > limit {
		collected = collected[:limit]
	}

	out := make([]*models.ActivityEntry, 0, len(collected))
	for _, e := range collected {
		out = append(out, &models.ActivityEntry{
			ID:          e.ID,
			Timestamp:   e.Timestamp,
			Type:        e.Type,
			Description: Describe(e),
			AgentIDs:    e.AgentIDs,
			WorkflowID:  e.WorkflowID,
		})
	}
	return out, nil
}

// Describe renders "[<label>] <from> → <to>: <content>" with the
// content capped at 80 runes.
func Describe(e *models.ChatLogEntry) string {
	content := e.Content
	if runes := []rune(content); len(runes) > descriptionContentLimit {
		content = string(runes[:descriptionContentLimit]) + "..."
	}
	return fmt.Sprintf("[%s] %s → %s: %s", e.Type, e.From, e.To, content)
}

func (c *Capture) days() ([]string, error) {
	names, err := c.store.List(logKind)
	if err != nil {
		return nil, err
	}
	out := names[:0]
	for _, n := range names {
		if dayFilePattern.MatchString(n) {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out, nil
}

func involves(e *models.ChatLogEntry, agentID string) bool {
	if e.From == agentID || e.To == agentID {
		return true
	}
	for _, id := range e.AgentIDs {
		if id == agentID {
			return true
		}
	}
	return false
}

func participantIDs(from, to string) []string {
	if to == "" || to == from || to == models.BroadcastRecipient {
		return []string{from}
	}
	return []string{from, to}
}
