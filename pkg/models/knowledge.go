package models

import "time"

// KnowledgeEntry is one record of the knowledge base, written when a
// workflow completes.
type KnowledgeEntry struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflowId"`
	Title      string    `json:"title"`
	Summary    string    `json:"summary,omitempty"`
	Tags       []string  `json:"tags,omitempty"`
	Outcome    string    `json:"outcome"`
	CreatedAt  time.Time `json:"createdAt"`
}

// KnowledgeIndexEntry is the index.json projection of an entry.
type KnowledgeIndexEntry struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// KnowledgeIndex is the persisted knowledge-base index document.
type KnowledgeIndex struct {
	Entries []KnowledgeIndexEntry `json:"entries"`
}
