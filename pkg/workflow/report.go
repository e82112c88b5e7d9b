package workflow

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
	"github.com/kawanishi0117/agent-company-sub006/pkg/retry"
	"github.com/kawanishi0117/agent-company-sub006/pkg/store"
)

// recoveryAdvice maps an error category to the operator-facing advice
// in the failure report.
var recoveryAdvice = map[retry.Category]string{
	retry.CategoryAIConnection: "AIサービスの接続設定とAPIキーを確認してください。",
	retry.CategoryToolCall:     "ツール呼び出しの入力とツール自体の状態を確認してください。",
	retry.CategoryGit:          "リポジトリの状態(コンフリクト・権限)を確認してください。",
	retry.CategoryContainer:    "コンテナ環境(イメージ・デーモン)を確認してください。",
	retry.CategoryTimeout:      "処理時間の上限を見直すか、タスクを分割してください。",
	retry.CategoryValidation:   "タスクの指示内容と受け入れ条件を見直してください。",
	retry.CategoryUnknown:      "エラー一覧を確認し、原因を特定してください。",
}

// writeFailureReport renders runs/<id>/failure-report.md for the
// operator: what failed, the recorded error history, and the recovery
// steps. Rendered as markdown next to state.json rather than through
// the JSON store.
func (e *Engine) writeFailureReport(wf *models.Workflow, cause error) error {
	category := retry.Classify(cause)

	var b strings.Builder
	b.WriteString("# 失敗レポート\n\n")
	fmt.Fprintf(&b, "- ワークフロー: %s\n", wf.WorkflowID)
	fmt.Fprintf(&b, "- フェーズ: %s\n", wf.Phase)
	fmt.Fprintf(&b, "- 発生時刻: %s\n", e.now().UTC().Format("2006-01-02 15:04:05 UTC"))
	fmt.Fprintf(&b, "- 原因: %s\n\n", cause.Error())

	b.WriteString("## エラー一覧\n\n")
	log, err := e.store.ReadLog(runsKind, wf.WorkflowID+"/errors")
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	lines := nonEmptyLines(log)
	if len(lines) == 0 {
		b.WriteString("記録されたエラーはありません。\n\n")
	} else {
		for _, line := range lines {
			fmt.Fprintf(&b, "- %s\n", line)
		}
		b.WriteString("\n")
	}

	b.WriteString("## 推奨アクション\n\n")
	advice := recoveryAdvice[category]
	if advice == "" {
		advice = recoveryAdvice[retry.CategoryUnknown]
	}
	fmt.Fprintf(&b, "%s (分類: %s)\n\n", advice, category)

	b.WriteString("## リカバリー手順\n\n")
	b.WriteString("1. errors.log と上記のエラー一覧で原因を確認する。\n")
	b.WriteString("2. 原因を修正した上で POST /api/v1/tasks から指示を再投入する。\n")
	b.WriteString("3. 同じ失敗が再発する場合は品質責任者へエスカレーションする。\n")

	path := filepath.Join(e.store.BaseDir(), runsKind, wf.WorkflowID, "failure-report.md")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}
