package tickets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
	"github.com/kawanishi0117/agent-company-sub006/pkg/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	return NewStore(st)
}

func TestCreateParentPersistsAndIndexes(t *testing.T) {
	ts := newTestStore(t)

	parent, err := ts.CreateParent("proj-1", "implement user auth", &models.TicketMetadata{Priority: "high"})
	require.NoError(t, err)
	assert.NotEmpty(t, parent.TicketID)
	assert.Equal(t, models.TicketLevelParent, parent.Level)
	assert.Equal(t, models.TicketStatusPending, parent.Status)
	assert.Equal(t, "proj-1", parent.ProjectID)

	got, err := ts.Get(parent.TicketID)
	require.NoError(t, err)
	assert.Equal(t, parent.TicketID, got.TicketID)
	assert.Equal(t, "implement user auth", got.Instruction)
	require.NotNil(t, got.Metadata)
	assert.Equal(t, "high", got.Metadata.Priority)
}

func TestAddChildLinksParent(t *testing.T) {
	ts := newTestStore(t)

	parent, err := ts.CreateParent("proj-1", "build search", nil)
	require.NoError(t, err)

	child, err := ts.AddChild(parent.TicketID, models.WorkerTypeDeveloper, "backend work")
	require.NoError(t, err)
	assert.Equal(t, models.TicketLevelChild, child.Level)
	assert.Equal(t, parent.TicketID, child.ParentID)
	assert.Equal(t, "proj-1", child.ProjectID)

	got, err := ts.Get(parent.TicketID)
	require.NoError(t, err)
	assert.Equal(t, []string{child.TicketID}, got.ChildIDs)
}

func TestAddChildRejectsNonParent(t *testing.T) {
	ts := newTestStore(t)

	parent, err := ts.CreateParent("proj-1", "build search", nil)
	require.NoError(t, err)
	child, err := ts.AddChild(parent.TicketID, models.WorkerTypeDeveloper, "backend")
	require.NoError(t, err)

	_, err = ts.AddChild(child.TicketID, models.WorkerTypeTest, "nested")
	assert.Error(t, err)

	_, err = ts.AddChild(parent.TicketID, models.WorkerType("pilot"), "bad role")
	assert.Error(t, err)
}

func TestAddGrandchildInheritsWorkerType(t *testing.T) {
	ts := newTestStore(t)

	parent, err := ts.CreateParent("proj-1", "build search", nil)
	require.NoError(t, err)
	child, err := ts.AddChild(parent.TicketID, models.WorkerTypeDeveloper, "backend")
	require.NoError(t, err)

	leaf, err := ts.AddGrandchild(child.TicketID, models.GrandchildPayload{
		Description:        "add index endpoint",
		AcceptanceCriteria: []string{"returns 200"},
		GitBranch:          "feat/index",
	})
	require.NoError(t, err)
	assert.Equal(t, models.TicketLevelGrandchild, leaf.Level)
	assert.Equal(t, child.TicketID, leaf.ParentID)
	assert.Equal(t, models.WorkerTypeDeveloper, leaf.WorkerType)
	assert.Equal(t, "feat/index", leaf.GitBranch)

	_, err = ts.AddGrandchild(child.TicketID, models.GrandchildPayload{})
	assert.Error(t, err, "empty description must be rejected")
}

func TestUpdateStatusTransitionTable(t *testing.T) {
	tests := []struct {
		name    string
		from    models.TicketStatus
		to      models.TicketStatus
		allowed bool
	}{
		{"pending to decomposing", models.TicketStatusPending, models.TicketStatusDecomposing, true},
		{"pending to in_progress", models.TicketStatusPending, models.TicketStatusInProgress, true},
		{"pending to failed", models.TicketStatusPending, models.TicketStatusFailed, true},
		{"pending to completed", models.TicketStatusPending, models.TicketStatusCompleted, false},
		{"decomposing to in_progress", models.TicketStatusDecomposing, models.TicketStatusInProgress, true},
		{"decomposing to review_requested", models.TicketStatusDecomposing, models.TicketStatusReviewRequested, false},
		{"in_progress to review_requested", models.TicketStatusInProgress, models.TicketStatusReviewRequested, true},
		{"in_progress to completed", models.TicketStatusInProgress, models.TicketStatusCompleted, true},
		{"review_requested to revision_required", models.TicketStatusReviewRequested, models.TicketStatusRevisionRequired, true},
		{"review_requested to completed", models.TicketStatusReviewRequested, models.TicketStatusCompleted, true},
		{"revision_required to in_progress", models.TicketStatusRevisionRequired, models.TicketStatusInProgress, true},
		{"revision_required to completed", models.TicketStatusRevisionRequired, models.TicketStatusCompleted, false},
		{"completed to pr_created", models.TicketStatusCompleted, models.TicketStatusPRCreated, true},
		{"pr_created to completed", models.TicketStatusPRCreated, models.TicketStatusCompleted, true},
		{"completed to in_progress", models.TicketStatusCompleted, models.TicketStatusInProgress, false},
		{"failed is terminal", models.TicketStatusFailed, models.TicketStatusInProgress, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, TransitionAllowed(tt.from, tt.to))
		})
	}
}

func TestUpdateStatusRejectsInvalidTransition(t *testing.T) {
	ts := newTestStore(t)

	parent, err := ts.CreateParent("proj-1", "build search", nil)
	require.NoError(t, err)
	child, err := ts.AddChild(parent.TicketID, models.WorkerTypeDeveloper, "backend")
	require.NoError(t, err)
	leaf, err := ts.AddGrandchild(child.TicketID, models.GrandchildPayload{Description: "endpoint"})
	require.NoError(t, err)

	_, err = ts.UpdateStatus(leaf.TicketID, models.TicketStatusCompleted)
	require.Error(t, err)
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, models.TicketStatusPending, invalid.From)
	assert.Equal(t, models.TicketStatusCompleted, invalid.To)

	got, err := ts.Get(leaf.TicketID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketStatusPending, got.Status, "rejected transition must not mutate the ticket")
}

func TestParentCannotCompleteWithUnfinishedChildren(t *testing.T) {
	ts := newTestStore(t)

	parent, err := ts.CreateParent("proj-1", "build search", nil)
	require.NoError(t, err)
	child, err := ts.AddChild(parent.TicketID, models.WorkerTypeDeveloper, "backend")
	require.NoError(t, err)

	_, err = ts.UpdateStatus(parent.TicketID, models.TicketStatusInProgress)
	require.NoError(t, err)
	_, err = ts.UpdateStatus(parent.TicketID, models.TicketStatusCompleted)
	assert.Error(t, err, "parent must not complete while children are open")

	_, err = ts.UpdateStatus(child.TicketID, models.TicketStatusInProgress)
	require.NoError(t, err)
	_, err = ts.UpdateStatus(child.TicketID, models.TicketStatusCompleted)
	require.NoError(t, err)

	got, err := ts.UpdateStatus(parent.TicketID, models.TicketStatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, models.TicketStatusCompleted, got.Status)
}

func TestRollbackStatusResetsDescendants(t *testing.T) {
	ts := newTestStore(t)

	parent, err := ts.CreateParent("proj-1", "build search", nil)
	require.NoError(t, err)
	child, err := ts.AddChild(parent.TicketID, models.WorkerTypeDeveloper, "backend")
	require.NoError(t, err)
	leaf, err := ts.AddGrandchild(child.TicketID, models.GrandchildPayload{Description: "endpoint"})
	require.NoError(t, err)

	for _, id := range []string{leaf.TicketID, child.TicketID, parent.TicketID} {
		_, err = ts.UpdateStatus(id, models.TicketStatusInProgress)
		require.NoError(t, err)
		_, err = ts.UpdateStatus(id, models.TicketStatusCompleted)
		require.NoError(t, err)
	}

	rolled, err := ts.RollbackStatus(parent.TicketID, models.TicketStatusInProgress)
	require.NoError(t, err)
	assert.Equal(t, models.TicketStatusInProgress, rolled.Status)

	for _, id := range []string{child.TicketID, leaf.TicketID} {
		got, err := ts.Get(id)
		require.NoError(t, err)
		assert.Equal(t, models.TicketStatusInProgress, got.Status, "descendant %s must follow the rollback", id)
	}
}

func TestRollbackWithinDoneStatesLeavesChildrenAlone(t *testing.T) {
	ts := newTestStore(t)

	parent, err := ts.CreateParent("proj-1", "build search", nil)
	require.NoError(t, err)
	child, err := ts.AddChild(parent.TicketID, models.WorkerTypeDeveloper, "backend")
	require.NoError(t, err)

	_, err = ts.UpdateStatus(child.TicketID, models.TicketStatusInProgress)
	require.NoError(t, err)
	_, err = ts.UpdateStatus(child.TicketID, models.TicketStatusCompleted)
	require.NoError(t, err)
	_, err = ts.UpdateStatus(parent.TicketID, models.TicketStatusInProgress)
	require.NoError(t, err)
	_, err = ts.UpdateStatus(parent.TicketID, models.TicketStatusCompleted)
	require.NoError(t, err)
	_, err = ts.UpdateStatus(parent.TicketID, models.TicketStatusPRCreated)
	require.NoError(t, err)

	rolled, err := ts.RollbackStatus(parent.TicketID, models.TicketStatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, models.TicketStatusCompleted, rolled.Status)

	got, err := ts.Get(child.TicketID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketStatusCompleted, got.Status, "pr_created to completed is an annotation change, not a reset")
}

func TestListFiltersAndCreationOrder(t *testing.T) {
	ts := newTestStore(t)

	p1, err := ts.CreateParent("proj-1", "first", nil)
	require.NoError(t, err)
	p2, err := ts.CreateParent("proj-2", "second", nil)
	require.NoError(t, err)
	c1, err := ts.AddChild(p1.TicketID, models.WorkerTypeDeveloper, "dev work")
	require.NoError(t, err)
	c2, err := ts.AddChild(p1.TicketID, models.WorkerTypeTest, "test work")
	require.NoError(t, err)

	all, err := ts.List(models.TicketFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, p1.TicketID, all[0].TicketID, "index preserves creation order")
	assert.Equal(t, p2.TicketID, all[1].TicketID)
	assert.Equal(t, c1.TicketID, all[2].TicketID)
	assert.Equal(t, c2.TicketID, all[3].TicketID)

	parents, err := ts.List(models.TicketFilter{Level: models.TicketLevelParent})
	require.NoError(t, err)
	assert.Len(t, parents, 2)

	devs, err := ts.List(models.TicketFilter{ProjectID: "proj-1", WorkerType: models.WorkerTypeDeveloper})
	require.NoError(t, err)
	require.Len(t, devs, 1)
	assert.Equal(t, c1.TicketID, devs[0].TicketID)
}

func TestGetUnknownTicket(t *testing.T) {
	ts := newTestStore(t)

	_, err := ts.Get("no-such-ticket")
	assert.ErrorIs(t, err, ErrTicketNotFound)
}
