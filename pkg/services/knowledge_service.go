package services

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/kawanishi0117/agent-company-sub006/pkg/knowledge"
	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
)

// KnowledgeService exposes the company knowledge base.
type KnowledgeService struct {
	base   *knowledge.Base
	logger *slog.Logger
}

// NewKnowledgeService creates a new KnowledgeService.
func NewKnowledgeService(base *knowledge.Base, logger *slog.Logger) *KnowledgeService {
	if base == nil {
		panic("NewKnowledgeService: base must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KnowledgeService{base: base, logger: logger}
}

// Search returns entries matching the query. An empty query returns
// everything.
func (s *KnowledgeService) Search(query string) ([]*models.KnowledgeEntry, error) {
	return s.base.Search(query)
}

// Get loads one entry by id.
func (s *KnowledgeService) Get(id string) (*models.KnowledgeEntry, error) {
	entry, err := s.base.Get(id)
	if errors.Is(err, knowledge.ErrEntryNotFound) {
		return nil, fmt.Errorf("knowledge entry %s: %w", id, ErrNotFound)
	}
	return entry, err
}
