package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Workspace is an isolated working directory plus the branch the task's
// changes land on.
type Workspace struct {
	Dir        string `json:"dir"`
	Branch     string `json:"branch"`
	BaseBranch string `json:"baseBranch"`
}

// WorkspaceProvider prepares and tears down task workspaces. The
// development phase and the quality gate both run inside one.
type WorkspaceProvider interface {
	PrepareWorkspace(ctx context.Context, workflowID, taskID string) (*Workspace, error)
	Cleanup(ctx context.Context, ws *Workspace) error
}

// LocalWorkspaceProvider keeps workspaces as plain directories under
// the runtime root. No containers, no clones: the branch name records
// where the work would integrate.
type LocalWorkspaceProvider struct {
	BaseDir           string
	IntegrationBranch string
}

// NewLocalWorkspaceProvider creates a provider rooted at baseDir.
// integrationBranch defaults to "main".
func NewLocalWorkspaceProvider(baseDir, integrationBranch string) *LocalWorkspaceProvider {
	if integrationBranch == "" {
		integrationBranch = "main"
	}
	return &LocalWorkspaceProvider{BaseDir: baseDir, IntegrationBranch: integrationBranch}
}

// PrepareWorkspace creates runs/<workflowID>/artifacts/workspaces/<taskID>.
func (p *LocalWorkspaceProvider) PrepareWorkspace(ctx context.Context, workflowID, taskID string) (*Workspace, error) {
	if workflowID == "" || taskID == "" {
		return nil, fmt.Errorf("workspace: workflow id and task id are required")
	}
	dir := filepath.Join(p.BaseDir, "runs", workflowID, "artifacts", "workspaces", taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	return &Workspace{
		Dir:        dir,
		Branch:     fmt.Sprintf("agentco/%s/%s", workflowID, taskID),
		BaseBranch: p.IntegrationBranch,
	}, nil
}

// Cleanup removes the workspace directory.
func (p *LocalWorkspaceProvider) Cleanup(ctx context.Context, ws *Workspace) error {
	if ws == nil || ws.Dir == "" {
		return nil
	}
	if err := os.RemoveAll(ws.Dir); err != nil {
		return fmt.Errorf("workspace: %w", err)
	}
	return nil
}
