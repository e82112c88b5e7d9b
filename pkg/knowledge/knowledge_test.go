package knowledge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kawanishi0117/agent-company-sub006/pkg/store"
)

func newTestBase(t *testing.T) *Base {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	return New(st, nil)
}

func TestAddAndGetRoundTrip(t *testing.T) {
	b := newTestBase(t)

	entry, err := b.Add(AddInput{
		WorkflowID: "wf-1",
		Title:      "User authentication rollout",
		Summary:    "Implemented login with session tokens.",
		Tags:       []string{"auth", "backend"},
		Outcome:    "completed",
	})
	require.NoError(t, err)
	require.NotEmpty(t, entry.ID)
	assert.False(t, entry.CreatedAt.IsZero())

	loaded, err := b.Get(entry.ID)
	require.NoError(t, err)
	require.Equal(t, entry, loaded)
}

func TestAddRequiresTitle(t *testing.T) {
	b := newTestBase(t)
	_, err := b.Add(AddInput{WorkflowID: "wf-1"})
	require.Error(t, err)
}

func TestGetUnknownEntry(t *testing.T) {
	b := newTestBase(t)
	_, err := b.Get("nope")
	require.ErrorIs(t, err, ErrEntryNotFound)
}

func TestListKeepsInsertionOrder(t *testing.T) {
	b := newTestBase(t)

	first, err := b.Add(AddInput{Title: "first", Outcome: "completed"})
	require.NoError(t, err)
	second, err := b.Add(AddInput{Title: "second", Outcome: "failed"})
	require.NoError(t, err)

	listed, err := b.List()
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, first.ID, listed[0].ID)
	assert.Equal(t, second.ID, listed[1].ID)

	empty, err := newTestBase(t).List()
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSearchMatchesTitleSummaryAndTags(t *testing.T) {
	b := newTestBase(t)

	_, err := b.Add(AddInput{Title: "Payment retries", Summary: "Exponential backoff", Tags: []string{"billing"}, Outcome: "completed"})
	require.NoError(t, err)
	_, err = b.Add(AddInput{Title: "Auth hardening", Summary: "Locked down sessions", Tags: []string{"security"}, Outcome: "completed"})
	require.NoError(t, err)

	byTitle, err := b.Search("payment")
	require.NoError(t, err)
	require.Len(t, byTitle, 1)
	assert.Equal(t, "Payment retries", byTitle[0].Title)

	byTag, err := b.Search("SECURITY")
	require.NoError(t, err)
	require.Len(t, byTag, 1)
	assert.Equal(t, "Auth hardening", byTag[0].Title)

	bySummary, err := b.Search("backoff")
	require.NoError(t, err)
	require.Len(t, bySummary, 1)

	all, err := b.Search("")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	none, err := b.Search("nonexistent-term")
	require.NoError(t, err)
	assert.Empty(t, none)
}
