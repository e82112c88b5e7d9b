package chatlog

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kawanishi0117/agent-company-sub006/pkg/masking"
	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
	"github.com/kawanishi0117/agent-company-sub006/pkg/store"
)

func newCapture(t *testing.T) *Capture {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	return New(st, nil)
}

func TestCaptureAssignsIdentityAndDayFile(t *testing.T) {
	c := newCapture(t)

	entry, err := c.Capture(CaptureInput{
		Type:       models.ChatCategoryTaskAssignment,
		From:       "agent-president",
		To:         "agent-manager",
		Content:    "検索機能を改善してください",
		WorkflowID: "wf-1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.Timestamp.IsZero())
	assert.ElementsMatch(t, []string{"agent-president", "agent-manager"}, entry.AgentIDs)

	day := entry.Timestamp.Format(dayFmt)
	var persisted []*models.ChatLogEntry
	require.NoError(t, c.store.Load(logKind, day, &persisted))
	require.Len(t, persisted, 1)
	assert.Equal(t, entry.ID, persisted[0].ID)
}

func TestCaptureDefaultsUnknownCategory(t *testing.T) {
	c := newCapture(t)

	entry, err := c.Capture(CaptureInput{
		Type:    "gossip",
		From:    "agent-engineer-1",
		Content: "雑談",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ChatCategoryGeneral, entry.Type)
}

func TestCaptureMasksSecrets(t *testing.T) {
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	c := New(st, masking.NewMasker())

	entry, err := c.Capture(CaptureInput{
		Type:    models.ChatCategoryGeneral,
		From:    "agent-engineer-1",
		To:      "agent-manager",
		Content: "デプロイには api_key=super-secret-value を使います",
	})
	require.NoError(t, err)
	assert.NotContains(t, entry.Content, "super-secret-value")
	assert.Contains(t, entry.Content, "***MASKED***")
}

func TestQueryFilters(t *testing.T) {
	c := newCapture(t)

	// Seed two days by steering the clock.
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }
	_, err := c.Capture(CaptureInput{
		Type:       models.ChatCategoryTaskAssignment,
		From:       "agent-president",
		To:         "agent-manager",
		Content:    "新しいタスクです",
		WorkflowID: "wf-1",
	})
	require.NoError(t, err)

	c.now = func() time.Time { return base.Add(24 * time.Hour) }
	_, err = c.Capture(CaptureInput{
		Type:       models.ChatCategoryReviewFeedback,
		From:       "agent-manager",
		To:         "agent-engineer-1",
		Content:    "レビュー結果を反映してください",
		WorkflowID: "wf-2",
	})
	require.NoError(t, err)

	t.Run("no filter returns everything oldest first", func(t *testing.T) {
		entries, err := c.Query(Filter{})
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, models.ChatCategoryTaskAssignment, entries[0].Type)
		assert.Equal(t, models.ChatCategoryReviewFeedback, entries[1].Type)
	})

	t.Run("filter by date", func(t *testing.T) {
		entries, err := c.Query(Filter{Date: "2026-03-02"})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "wf-2", entries[0].WorkflowID)
	})

	t.Run("filter by type", func(t *testing.T) {
		entries, err := c.Query(Filter{Type: models.ChatCategoryTaskAssignment})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "wf-1", entries[0].WorkflowID)
	})

	t.Run("filter by workflow", func(t *testing.T) {
		entries, err := c.Query(Filter{WorkflowID: "wf-2"})
		require.NoError(t, err)
		require.Len(t, entries, 1)
	})

	t.Run("filter by participant", func(t *testing.T) {
		entries, err := c.Query(Filter{AgentID: "agent-engineer-1"})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "wf-2", entries[0].WorkflowID)
	})
}

func TestActivityStreamNewestFirstAcrossDays(t *testing.T) {
	c := newCapture(t)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		offset := time.Duration(i) * 24 * time.Hour
		c.now = func() time.Time { return base.Add(offset) }
		_, err := c.Capture(CaptureInput{
			Type:    models.ChatCategoryGeneral,
			From:    "agent-manager",
			To:      "agent-engineer-1",
			Content: fmt.Sprintf("連絡 %d", i),
		})
		require.NoError(t, err)
	}

	entries, err := c.ActivityStream(2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Contains(t, entries[0].Description, "連絡 2")
	assert.Contains(t, entries[1].Description, "連絡 1")
}

func TestDescribeCapsLongContent(t *testing.T) {
	long := strings.Repeat("あ", 100)
	desc := Describe(&models.ChatLogEntry{
		Type:    models.ChatCategoryGeneral,
		From:    "agent-a",
		To:      "agent-b",
		Content: long,
	})
	assert.Contains(t, desc, "...")
	assert.Less(t, len([]rune(desc)), 130)
}

func TestBroadcastRecordsSenderOnly(t *testing.T) {
	c := newCapture(t)

	entry, err := c.Capture(CaptureInput{
		Type:    models.ChatCategoryMeetingDiscussion,
		From:    "agent-manager",
		To:      models.BroadcastRecipient,
		Content: "全員へ: 定例を開始します",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-manager"}, entry.AgentIDs)
}
