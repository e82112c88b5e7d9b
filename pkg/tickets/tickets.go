// Package tickets manages the parent/child/grandchild decomposition of
// one instruction into role-scoped work units, with a validated status
// lifecycle.
package tickets

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
	"github.com/kawanishi0117/agent-company-sub006/pkg/store"
)

const (
	ticketsKind = "tickets"
	indexKey    = "index"
)

// ErrTicketNotFound indicates the requested ticket does not exist.
var ErrTicketNotFound = errors.New("ticket not found")

// InvalidTransitionError reports a status change outside the
// transition table.
type InvalidTransitionError struct {
	TicketID string
	From     models.TicketStatus
	To       models.TicketStatus
}

// Error returns the formatted error message.
func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("ticket %s: invalid transition %s -> %s", e.TicketID, e.From, e.To)
}

// allowedTransitions is the full lifecycle table. Anything absent is
// rejected. completed <-> pr_created runs both ways: pr_created
// annotates completed work rather than forming a separate terminal.
var allowedTransitions = map[models.TicketStatus][]models.TicketStatus{
	models.TicketStatusPending:          {models.TicketStatusDecomposing, models.TicketStatusInProgress, models.TicketStatusFailed},
	models.TicketStatusDecomposing:      {models.TicketStatusInProgress, models.TicketStatusFailed},
	models.TicketStatusInProgress:       {models.TicketStatusReviewRequested, models.TicketStatusCompleted, models.TicketStatusFailed},
	models.TicketStatusReviewRequested:  {models.TicketStatusRevisionRequired, models.TicketStatusCompleted, models.TicketStatusFailed},
	models.TicketStatusRevisionRequired: {models.TicketStatusInProgress, models.TicketStatusFailed},
	models.TicketStatusCompleted:        {models.TicketStatusPRCreated},
	models.TicketStatusPRCreated:        {models.TicketStatusCompleted},
}

// TransitionAllowed reports whether (from, to) appears in the table.
func TransitionAllowed(from, to models.TicketStatus) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// index is the persisted tickets/index.json document, ordered by
// creation time.
type index struct {
	TicketIDs []string `json:"ticketIds"`
}

// Store is the ticket tree CRUD layer. All mutations go through one
// mutex: the tree is small and consistency between a ticket document
// and the index matters more than write parallelism.
type Store struct {
	store *store.Store

	mu  sync.Mutex
	now func() time.Time
}

// NewStore creates a ticket store persisting through st.
func NewStore(st *store.Store) *Store {
	return &Store{store: st, now: time.Now}
}

// CreateParent creates the root ticket for one instruction.
func (s *Store) CreateParent(projectID, instruction string, meta *models.TicketMetadata) (*models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	t := &models.Ticket{
		TicketID:    uuid.New().String(),
		Level:       models.TicketLevelParent,
		Status:      models.TicketStatusPending,
		ProjectID:   projectID,
		Instruction: instruction,
		Metadata:    meta,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.persist(t); err != nil {
		return nil, err
	}
	return t, nil
}

// AddChild creates a role-scoped child under the parent.
func (s *Store) AddChild(parentID string, workerType models.WorkerType, description string) (*models.Ticket, error) {
	if !workerType.IsValid() {
		return nil, fmt.Errorf("tickets: unknown worker type %q", workerType)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	parent, err := s.load(parentID)
	if err != nil {
		return nil, err
	}
	if parent.Level != models.TicketLevelParent {
		return nil, fmt.Errorf("tickets: %s is not a parent ticket", parentID)
	}

	now := s.now().UTC()
	child := &models.Ticket{
		TicketID:    uuid.New().String(),
		Level:       models.TicketLevelChild,
		ParentID:    parentID,
		Status:      models.TicketStatusPending,
		ProjectID:   parent.ProjectID,
		WorkerType:  workerType,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.persist(child); err != nil {
		return nil, err
	}

	parent.ChildIDs = append(parent.ChildIDs, child.TicketID)
	parent.UpdatedAt = now
	if err := s.save(parent); err != nil {
		return nil, err
	}
	return child, nil
}

// AddGrandchild creates a leaf work unit under the child.
func (s *Store) AddGrandchild(childID string, payload models.GrandchildPayload) (*models.Ticket, error) {
	if payload.Description == "" {
		return nil, fmt.Errorf("tickets: grandchild description is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	child, err := s.load(childID)
	if err != nil {
		return nil, err
	}
	if child.Level != models.TicketLevelChild {
		return nil, fmt.Errorf("tickets: %s is not a child ticket", childID)
	}

	now := s.now().UTC()
	leaf := &models.Ticket{
		TicketID:           uuid.New().String(),
		Level:              models.TicketLevelGrandchild,
		ParentID:           childID,
		Status:             models.TicketStatusPending,
		ProjectID:          child.ProjectID,
		WorkerType:         child.WorkerType,
		Description:        payload.Description,
		AcceptanceCriteria: payload.AcceptanceCriteria,
		Artifacts:          payload.Artifacts,
		GitBranch:          payload.GitBranch,
		Assignee:           payload.Assignee,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.persist(leaf); err != nil {
		return nil, err
	}

	child.ChildIDs = append(child.ChildIDs, leaf.TicketID)
	child.UpdatedAt = now
	if err := s.save(child); err != nil {
		return nil, err
	}
	return leaf, nil
}

// Get returns one ticket by id.
func (s *Store) Get(ticketID string) (*models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ticketID)
}

// UpdateStatus moves the ticket along the transition table. A parent
// may only complete when every child counts as done.
func (s *Store) UpdateStatus(ticketID string, newStatus models.TicketStatus) (*models.Ticket, error) {
	if !newStatus.IsValid() {
		return nil, fmt.Errorf("tickets: unknown status %q", newStatus)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.load(ticketID)
	if err != nil {
		return nil, err
	}
	if t.Status == newStatus {
		return t, nil
	}
	if !TransitionAllowed(t.Status, newStatus) {
		return nil, &InvalidTransitionError{TicketID: ticketID, From: t.Status, To: newStatus}
	}
	if t.Level == models.TicketLevelParent && newStatus == models.TicketStatusCompleted {
		incomplete, err := s.incompleteChildren(t)
		if err != nil {
			return nil, err
		}
		if len(incomplete) > 0 {
			return nil, fmt.Errorf("tickets: parent %s cannot complete: %d children unfinished", ticketID, len(incomplete))
		}
	}

	t.Status = newStatus
	t.UpdatedAt = s.now().UTC()
	if err := s.save(t); err != nil {
		return nil, err
	}
	return t, nil
}

// SetAssignee records who the leaf is dispatched to.
func (s *Store) SetAssignee(ticketID, assignee string) (*models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.load(ticketID)
	if err != nil {
		return nil, err
	}
	t.Assignee = assignee
	t.UpdatedAt = s.now().UTC()
	if err := s.save(t); err != nil {
		return nil, err
	}
	return t, nil
}

// AppendArtifacts records produced artifacts on the leaf.
func (s *Store) AppendArtifacts(ticketID string, artifacts []string) (*models.Ticket, error) {
	if len(artifacts) == 0 {
		return s.Get(ticketID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.load(ticketID)
	if err != nil {
		return nil, err
	}
	t.Artifacts = append(t.Artifacts, artifacts...)
	t.UpdatedAt = s.now().UTC()
	if err := s.save(t); err != nil {
		return nil, err
	}
	return t, nil
}

// RollbackStatus is the explicit administrative downgrade. Unlike
// UpdateStatus it bypasses the transition table, and downgrading out
// of a done status resets every descendant to the same target.
func (s *Store) RollbackStatus(ticketID string, toStatus models.TicketStatus) (*models.Ticket, error) {
	if !toStatus.IsValid() {
		return nil, fmt.Errorf("tickets: unknown status %q", toStatus)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.load(ticketID)
	if err != nil {
		return nil, err
	}

	resetDescendants := t.Status.IsDone() && !toStatus.IsDone()
	if err := s.applyRollback(t, toStatus, resetDescendants); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Store) applyRollback(t *models.Ticket, toStatus models.TicketStatus, recurse bool) error {
	t.Status = toStatus
	t.UpdatedAt = s.now().UTC()
	if err := s.save(t); err != nil {
		return err
	}
	if !recurse {
		return nil
	}
	for _, childID := range t.ChildIDs {
		child, err := s.load(childID)
		if err != nil {
			if errors.Is(err, ErrTicketNotFound) {
				continue
			}
			return err
		}
		if err := s.applyRollback(child, toStatus, true); err != nil {
			return err
		}
	}
	return nil
}

// List returns tickets matching the filter in creation order.
func (s *Store) List(filter models.TicketFilter) ([]*models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.loadIndex()
	if err != nil {
		return nil, err
	}

	var out []*models.Ticket
	for _, id := range idx.TicketIDs {
		t, err := s.load(id)
		if err != nil {
			if errors.Is(err, ErrTicketNotFound) {
				continue
			}
			return nil, err
		}
		if matches(t, filter) {
			out = append(out, t)
		}
	}
	return out, nil
}

// Children returns the direct children of a ticket in creation order.
func (s *Store) Children(ticketID string) ([]*models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.load(ticketID)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Ticket, 0, len(t.ChildIDs))
	for _, id := range t.ChildIDs {
		child, err := s.load(id)
		if err != nil {
			if errors.Is(err, ErrTicketNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, child)
	}
	return out, nil
}

func matches(t *models.Ticket, f models.TicketFilter) bool {
	if f.ProjectID != "" && t.ProjectID != f.ProjectID {
		return false
	}
	if f.Level != "" && t.Level != f.Level {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.ParentID != "" && t.ParentID != f.ParentID {
		return false
	}
	if f.WorkerType != "" && t.WorkerType != f.WorkerType {
		return false
	}
	return true
}

// incompleteChildren lists children that block parent completion.
func (s *Store) incompleteChildren(parent *models.Ticket) ([]string, error) {
	var out []string
	for _, id := range parent.ChildIDs {
		child, err := s.load(id)
		if err != nil {
			if errors.Is(err, ErrTicketNotFound) {
				continue
			}
			return nil, err
		}
		if !child.Status.IsDone() {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *Store) load(ticketID string) (*models.Ticket, error) {
	var t models.Ticket
	if err := s.store.Load(ticketsKind, ticketID, &t); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTicketNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (s *Store) save(t *models.Ticket) error {
	return s.store.Save(ticketsKind, t.TicketID, t)
}

// persist saves a new ticket and appends it to the creation-order
// index.
func (s *Store) persist(t *models.Ticket) error {
	if err := s.save(t); err != nil {
		return err
	}
	idx, err := s.loadIndex()
	if err != nil {
		return err
	}
	idx.TicketIDs = append(idx.TicketIDs, t.TicketID)
	return s.store.Save(ticketsKind, indexKey, idx)
}

func (s *Store) loadIndex() (*index, error) {
	var idx index
	if err := s.store.Load(ticketsKind, indexKey, &idx); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &index{}, nil
		}
		return nil, err
	}
	return &idx, nil
}
