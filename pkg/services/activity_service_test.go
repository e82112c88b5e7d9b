package services

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kawanishi0117/agent-company-sub006/pkg/chatlog"
	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
	"github.com/kawanishi0117/agent-company-sub006/pkg/store"
)

func newActivityService(t *testing.T) (*ActivityService, *chatlog.Capture) {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	capture := chatlog.New(st, nil)
	return NewActivityService(capture, nil), capture
}

func TestActivityServiceRecent(t *testing.T) {
	t.Run("empty log yields an empty stream", func(t *testing.T) {
		svc, _ := newActivityService(t)
		entries, err := svc.Recent(10)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("returns newest entries first", func(t *testing.T) {
		svc, capture := newActivityService(t)
		for i := 0; i < 3; i++ {
			_, err := capture.Capture(chatlog.CaptureInput{
				Type:    models.ChatCategoryTaskAssignment,
				From:    "agent-president",
				To:      "agent-manager",
				Content: fmt.Sprintf("指示 %d", i),
			})
			require.NoError(t, err)
		}

		entries, err := svc.Recent(2)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Contains(t, entries[0].Description, "指示 2")
		assert.Contains(t, entries[1].Description, "指示 1")
	})

	t.Run("clamps oversized limits", func(t *testing.T) {
		svc, capture := newActivityService(t)
		_, err := capture.Capture(chatlog.CaptureInput{
			From:    "agent-manager",
			To:      "agent-engineer-1",
			Content: "進捗を報告してください",
		})
		require.NoError(t, err)

		entries, err := svc.Recent(maxActivityLimit * 10)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})
}
