// Package knowledge maintains the company knowledge base: one entry
// per finished workflow plus a searchable index.
package knowledge

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
	"github.com/kawanishi0117/agent-company-sub006/pkg/store"
)

const (
	baseKind    = "state/knowledge-base"
	entriesKind = "state/knowledge-base/entries"
	indexKey    = "index"
)

// ErrEntryNotFound is returned when the requested entry is absent.
var ErrEntryNotFound = errors.New("knowledge entry not found")

// AddInput describes a new knowledge entry. ID and CreatedAt are
// assigned on Add.
type AddInput struct {
	WorkflowID string
	Title      string
	Summary    string
	Tags       []string
	Outcome    string
}

// Base is the file-backed knowledge store under state/knowledge-base/.
type Base struct {
	store  *store.Store
	logger *slog.Logger

	mu  sync.Mutex
	now func() time.Time
}

// New creates a knowledge base over the given store.
func New(st *store.Store, logger *slog.Logger) *Base {
	if logger == nil {
		logger = slog.Default()
	}
	return &Base{store: st, logger: logger, now: time.Now}
}

// Add persists the entry and appends it to the index.
func (b *Base) Add(in AddInput) (*models.KnowledgeEntry, error) {
	if in.Title == "" {
		return nil, fmt.Errorf("knowledge: title is required")
	}

	entry := &models.KnowledgeEntry{
		ID:         uuid.New().String(),
		WorkflowID: in.WorkflowID,
		Title:      in.Title,
		Summary:    in.Summary,
		Tags:       in.Tags,
		Outcome:    in.Outcome,
		CreatedAt:  b.now().UTC(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.store.Save(entriesKind, entry.ID, entry); err != nil {
		return nil, err
	}

	var index models.KnowledgeIndex
	if err := b.store.Load(baseKind, indexKey, &index); err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	index.Entries = append(index.Entries, models.KnowledgeIndexEntry{
		ID:        entry.ID,
		Title:     entry.Title,
		Tags:      entry.Tags,
		CreatedAt: entry.CreatedAt,
	})
	if err := b.store.Save(baseKind, indexKey, &index); err != nil {
		return nil, err
	}

	b.logger.Info("knowledge entry added",
		"entry_id", entry.ID,
		"workflow_id", entry.WorkflowID,
		"tags", entry.Tags)
	return entry, nil
}

// Get loads one entry by id.
func (b *Base) Get(id string) (*models.KnowledgeEntry, error) {
	var entry models.KnowledgeEntry
	if err := b.store.Load(entriesKind, id, &entry); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	return &entry, nil
}

// List returns the index projections in insertion order.
func (b *Base) List() ([]models.KnowledgeIndexEntry, error) {
	var index models.KnowledgeIndex
	if err := b.store.Load(baseKind, indexKey, &index); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return []models.KnowledgeIndexEntry{}, nil
		}
		return nil, err
	}
	return index.Entries, nil
}

// Search returns full entries whose title, summary, or tags contain
// the query, case-insensitively, in index order. An empty query
// matches everything.
func (b *Base) Search(query string) ([]*models.KnowledgeEntry, error) {
	listed, err := b.List()
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(strings.TrimSpace(query))

	var out []*models.KnowledgeEntry
	for _, idx := range listed {
		entry, err := b.Get(idx.ID)
		if err != nil {
			// Index and entries can drift if a crash lands between the
			// two writes; skip the orphan rather than failing the search.
			if errors.Is(err, ErrEntryNotFound) {
				b.logger.Warn("knowledge index references missing entry", "entry_id", idx.ID)
				continue
			}
			return nil, err
		}
		if needle == "" || entryMatches(entry, needle) {
			out = append(out, entry)
		}
	}
	return out, nil
}

func entryMatches(e *models.KnowledgeEntry, needle string) bool {
	if strings.Contains(strings.ToLower(e.Title), needle) {
		return true
	}
	if strings.Contains(strings.ToLower(e.Summary), needle) {
		return true
	}
	for _, tag := range e.Tags {
		if strings.Contains(strings.ToLower(tag), needle) {
			return true
		}
	}
	return false
}
