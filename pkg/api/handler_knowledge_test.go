package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kawanishi0117/agent-company-sub006/pkg/knowledge"
	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
)

func TestKnowledgeEndpoint(t *testing.T) {
	ts := newTestServer(t)

	_, err := ts.knowledge.Add(knowledge.AddInput{
		WorkflowID: "wf-1",
		Title:      "検索インデックス再構築の手順",
		Summary:    "非同期ジョブで再構築し、完了後に切り替える",
		Tags:       []string{"search", "index"},
		Outcome:    "completed",
	})
	require.NoError(t, err)
	_, err = ts.knowledge.Add(knowledge.AddInput{
		WorkflowID: "wf-2",
		Title:      "CSVエクスポートの文字コード",
		Tags:       []string{"export"},
		Outcome:    "completed",
	})
	require.NoError(t, err)

	t.Run("empty query returns everything", func(t *testing.T) {
		rec := ts.do(http.MethodGet, "/api/v1/knowledge", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var entries []models.KnowledgeEntry
		decodeData(t, rec, &entries)
		assert.Len(t, entries, 2)
	})

	t.Run("query matches case-insensitively", func(t *testing.T) {
		rec := ts.do(http.MethodGet, "/api/v1/knowledge?query=SEARCH", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var entries []models.KnowledgeEntry
		decodeData(t, rec, &entries)
		require.Len(t, entries, 1)
		assert.Equal(t, "wf-1", entries[0].WorkflowID)
	})

	t.Run("no match returns an empty list", func(t *testing.T) {
		rec := ts.do(http.MethodGet, "/api/v1/knowledge?query=存在しない", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var entries []models.KnowledgeEntry
		decodeData(t, rec, &entries)
		assert.Empty(t, entries)
	})
}
