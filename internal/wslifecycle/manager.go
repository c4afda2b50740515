// Package wslifecycle implements the Workspace Lifecycle: project registration, worktree
// creation/archival, branch renaming, and the external "open" family of actions. It
// generalizes a workspace manager that creates flat, independent workspace directories
// into one that creates Git worktrees linked to a project's main checkout, moving the
// actual worktree plumbing behind the Git port instead of os.MkdirAll.
package wslifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/luban-ide/luban-core/internal/coreerr"
	"github.com/luban-ide/luban-core/internal/model"
	"github.com/luban-ide/luban-core/internal/ports"
	"github.com/luban-ide/luban-core/internal/slugify"
	"github.com/luban-ide/luban-core/internal/snapshot"
)

// Manager implements add/create/archive/rename/open for projects and workspaces.
type Manager struct {
	store *snapshot.Store
	git   ports.GitPort
	pr    ports.PRHostPort
	osp   ports.OSPort
	fsp   ports.FSPort
	agent ports.AgentRunner
}

// New constructs a Manager wired to the given store and ports.
func New(store *snapshot.Store, git ports.GitPort, pr ports.PRHostPort, osp ports.OSPort, fsp ports.FSPort, agent ports.AgentRunner) *Manager {
	return &Manager{store: store, git: git, pr: pr, osp: osp, fsp: fsp, agent: agent}
}

// PickProjectPath opens the native directory picker and returns the chosen path, or ""
// if the user canceled.
func (m *Manager) PickProjectPath(ctx context.Context) (string, error) {
	path, ok, err := m.fsp.PickDirectory(ctx)
	if err != nil {
		return "", coreerr.PortFail("pick_project_path", err)
	}
	if !ok {
		return "", nil
	}
	return path, nil
}

// AddProject registers path as a new project, without creating a main workspace.
func (m *Manager) AddProject(ctx context.Context, path string) (model.ID, error) {
	name := filepath.Base(path)
	isGit := isGitRepo(path)

	var id model.ID
	_, err := m.store.Mutate(func(tx *snapshot.Tx) error {
		id = tx.NextProjectID()
		tx.AddProject(model.Project{
			ID:           id,
			Name:         name,
			Slug:         slugify.Slug(name),
			AbsolutePath: path,
			IsGit:        isGit,
		})
		return nil
	})
	return id, err
}

// AddProjectAndOpen registers path and ensures a "main" workspace exists for it, making
// that workspace the active one.
func (m *Manager) AddProjectAndOpen(ctx context.Context, path string) (projectID, workspaceID model.ID, err error) {
	projectID, err = m.AddProject(ctx, path)
	if err != nil {
		return 0, 0, err
	}
	workspaceID, err = m.EnsureMainWorkspace(ctx, projectID)
	if err != nil {
		return projectID, 0, err
	}
	_, err = m.store.Mutate(func(tx *snapshot.Tx) error {
		tx.SetActiveWorkspaceID(workspaceID)
		return nil
	})
	return projectID, workspaceID, err
}

// EnsureMainWorkspace returns project's existing active main workspace, creating one at
// the project's own path (no new worktree, no new branch) if none exists yet.
func (m *Manager) EnsureMainWorkspace(ctx context.Context, projectID model.ID) (model.ID, error) {
	var existing model.ID
	found := false
	_, err := m.store.Mutate(func(tx *snapshot.Tx) error {
		p, ok := tx.GetProject(projectID)
		if !ok {
			return coreerr.Precond("unknown project %d", projectID)
		}
		for _, wid := range p.Workspaces {
			w, ok := tx.GetWorkspace(wid)
			if ok && w.IsMain() && w.Status == model.WorkspaceActive {
				existing = wid
				found = true
				return nil
			}
		}

		id := tx.NextWorkspaceID()
		tx.AddWorkspace(model.Workspace{
			ID:            id,
			ProjectID:     projectID,
			ShortID:       "main",
			WorkspaceName: "main",
			WorktreePath:  p.AbsolutePath,
			Status:        model.WorkspaceActive,
		})
		tx.UpdateProject(projectID, func(pr *model.Project) {
			pr.Workspaces = append(pr.Workspaces, id)
		})
		existing = id
		found = true
		return nil
	})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, coreerr.Precond("could not ensure main workspace for project %d", projectID)
	}
	return existing, nil
}

// CreateWorkspace derives a new linked worktree for projectID with a freshly generated
// branch name, flipping the project's create_workspace_status from running back to idle
// whether it succeeds or fails.
func (m *Manager) CreateWorkspace(ctx context.Context, projectID model.ID) (model.ID, error) {
	_, err := m.store.Mutate(func(tx *snapshot.Tx) error {
		if !tx.UpdateProject(projectID, func(p *model.Project) { p.CreateWorkspaceStatus = model.CreateWorkspaceRunning }) {
			return coreerr.Precond("unknown project %d", projectID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	newID, werr := m.createWorkspaceWorktree(ctx, projectID)

	_, rerr := m.store.Mutate(func(tx *snapshot.Tx) error {
		tx.UpdateProject(projectID, func(p *model.Project) { p.CreateWorkspaceStatus = model.CreateWorkspaceIdle })
		return nil
	})
	if werr != nil {
		return 0, werr
	}
	return newID, rerr
}

func (m *Manager) createWorkspaceWorktree(ctx context.Context, projectID model.ID) (model.ID, error) {
	var project model.Project
	_, err := m.store.Mutate(func(tx *snapshot.Tx) error {
		p, ok := tx.GetProject(projectID)
		if !ok {
			return coreerr.Precond("unknown project %d", projectID)
		}
		project = p
		return nil
	})
	if err != nil {
		return 0, err
	}

	branch := slugify.BranchName("luban", fmt.Sprintf("workspace-%d", len(project.Workspaces)+1), nil)
	worktreePath := filepath.Join(filepath.Dir(project.AbsolutePath), fmt.Sprintf("%s-%s", filepath.Base(project.AbsolutePath), slugify.Slug(branch)))

	if err := m.git.AddWorktree(ctx, project.AbsolutePath, worktreePath, branch, true); err != nil {
		return 0, coreerr.PortFail("create_workspace", err)
	}

	var id model.ID
	_, err = m.store.Mutate(func(tx *snapshot.Tx) error {
		id = tx.NextWorkspaceID()
		tx.AddWorkspace(model.Workspace{
			ID:            id,
			ProjectID:     projectID,
			ShortID:       slugify.Slug(branch),
			WorkspaceName: branch,
			BranchName:    branch,
			WorktreePath:  worktreePath,
			Status:        model.WorkspaceActive,
		})
		tx.UpdateProject(projectID, func(p *model.Project) {
			p.Workspaces = append(p.Workspaces, id)
		})
		return nil
	})
	return id, err
}

// ArchiveWorkspace tears down a workspace's worktree via the Git port and flips its
// status to archived. Archive is two-phase: status flips to running while the Git port
// call is in flight, and reverts to idle (without flipping to archived) on failure.
func (m *Manager) ArchiveWorkspace(ctx context.Context, workspaceID model.ID) error {
	var ws model.Workspace
	_, err := m.store.Mutate(func(tx *snapshot.Tx) error {
		w, ok := tx.GetWorkspace(workspaceID)
		if !ok {
			return coreerr.Precond("unknown workspace %d", workspaceID)
		}
		ws = w
		tx.UpdateWorkspace(workspaceID, func(w *model.Workspace) { w.ArchiveStatus = model.AsyncRunning })
		return nil
	})
	if err != nil {
		return err
	}

	var project model.Project
	_, _ = m.store.Mutate(func(tx *snapshot.Tx) error {
		p, _ := tx.GetProject(ws.ProjectID)
		project = p
		return nil
	})

	archiveErr := m.git.RemoveWorktree(ctx, project.AbsolutePath, ws.WorktreePath)

	_, err = m.store.Mutate(func(tx *snapshot.Tx) error {
		tx.UpdateWorkspace(workspaceID, func(w *model.Workspace) {
			w.ArchiveStatus = model.AsyncIdle
			if archiveErr == nil {
				w.Status = model.WorkspaceArchived
			}
		})
		return nil
	})
	if err != nil {
		return err
	}
	if archiveErr != nil {
		return coreerr.PortFail("archive_workspace", archiveErr)
	}
	return nil
}

// RenameBranch validates newName locally (nonempty, shell-safe) and renames the
// workspace's branch via the Git port.
func (m *Manager) RenameBranch(ctx context.Context, workspaceID model.ID, newName string) error {
	if !validBranchName(newName) {
		return coreerr.Precond("invalid branch name %q", newName)
	}
	return m.renameBranch(ctx, workspaceID, newName)
}

// AIRenameBranch asks the Agent Runner to suggest a branch name from systemPrompt and
// diffContext, then applies it via the Git port.
func (m *Manager) AIRenameBranch(ctx context.Context, workspaceID model.ID, systemPrompt, diffContext string) error {
	suggested, err := m.agent.SuggestBranchName(ctx, systemPrompt, diffContext)
	if err != nil {
		return coreerr.PortFail("workdir_ai_rename_branch", err)
	}
	name := slugify.Slug(suggested)
	if name == "" {
		return coreerr.Precond("agent runner returned an empty branch name suggestion")
	}
	return m.renameBranch(ctx, workspaceID, name)
}

func (m *Manager) renameBranch(ctx context.Context, workspaceID model.ID, newName string) error {
	var ws model.Workspace
	_, err := m.store.Mutate(func(tx *snapshot.Tx) error {
		w, ok := tx.GetWorkspace(workspaceID)
		if !ok {
			return coreerr.Precond("unknown workspace %d", workspaceID)
		}
		ws = w
		tx.UpdateWorkspace(workspaceID, func(w *model.Workspace) { w.BranchRenameStatus = model.AsyncRunning })
		return nil
	})
	if err != nil {
		return err
	}

	renameErr := m.git.RenameBranch(ctx, ws.WorktreePath, ws.BranchName, newName)

	_, err = m.store.Mutate(func(tx *snapshot.Tx) error {
		tx.UpdateWorkspace(workspaceID, func(w *model.Workspace) {
			w.BranchRenameStatus = model.AsyncIdle
			if renameErr == nil {
				w.BranchName = newName
			}
		})
		return nil
	})
	if err != nil {
		return err
	}
	if renameErr != nil {
		return coreerr.PortFail("workdir_rename_branch", renameErr)
	}
	return nil
}

// OpenInIDE opens workspaceID's worktree in target ("vscode"|"cursor"|"zed"|"ghostty"|"finder").
func (m *Manager) OpenInIDE(ctx context.Context, workspaceID model.ID, target string) error {
	ws, ok := m.currentWorkspace(workspaceID)
	if !ok {
		return coreerr.Precond("unknown workspace %d", workspaceID)
	}
	if err := m.osp.OpenWith(ctx, target, ws.WorktreePath); err != nil {
		return coreerr.PortFail("open_workdir_with", err)
	}
	return nil
}

// OpenPullRequest resolves and opens workspaceID's pull request URL in the system browser.
func (m *Manager) OpenPullRequest(ctx context.Context, workspaceID model.ID) error {
	ws, ok := m.currentWorkspace(workspaceID)
	if !ok {
		return coreerr.Precond("unknown workspace %d", workspaceID)
	}
	var project model.Project
	_, _ = m.store.Mutate(func(tx *snapshot.Tx) error {
		p, _ := tx.GetProject(ws.ProjectID)
		project = p
		return nil
	})
	url, err := m.pr.OpenPullRequestURL(ctx, project.AbsolutePath, ws.BranchName)
	if err != nil {
		return coreerr.PortFail("open_workdir_pull_request", err)
	}
	if err := m.osp.OpenURL(ctx, url); err != nil {
		return coreerr.PortFail("open_workdir_pull_request", err)
	}
	return nil
}

// RefreshPullRequest re-derives workspaceID's pull-request state from the PR host and
// stores it on the workspace. A branch with no PR clears the field.
func (m *Manager) RefreshPullRequest(ctx context.Context, workspaceID model.ID) error {
	if m.pr == nil {
		return nil
	}
	ws, ok := m.currentWorkspace(workspaceID)
	if !ok {
		return coreerr.Precond("unknown workspace %d", workspaceID)
	}
	var project model.Project
	_, _ = m.store.Mutate(func(tx *snapshot.Tx) error {
		p, _ := tx.GetProject(ws.ProjectID)
		project = p
		return nil
	})
	pr, err := m.pr.FetchForBranch(ctx, project.AbsolutePath, ws.BranchName)
	if err != nil {
		return coreerr.PortFail("workspace_pull_request", err)
	}
	_, err = m.store.Mutate(func(tx *snapshot.Tx) error {
		tx.UpdateWorkspace(workspaceID, func(w *model.Workspace) { w.PullRequest = pr })
		return nil
	})
	return err
}

// Changes returns workspaceID's uncommitted change set via the Git port, backing the
// GET /api/workspaces/{id}/changes REST mirror endpoint.
func (m *Manager) Changes(ctx context.Context, workspaceID model.ID) (ports.ChangesInfo, error) {
	ws, ok := m.currentWorkspace(workspaceID)
	if !ok {
		return ports.ChangesInfo{}, coreerr.Precond("unknown workspace %d", workspaceID)
	}
	info, err := m.git.Changes(ctx, ws.WorktreePath)
	if err != nil {
		return ports.ChangesInfo{}, coreerr.PortFail("workspace_changes", err)
	}
	return info, nil
}

// Diff returns workspaceID's unified diff text via the Git port, backing the GET
// /api/workspaces/{id}/diff REST mirror endpoint.
func (m *Manager) Diff(ctx context.Context, workspaceID model.ID) (string, error) {
	ws, ok := m.currentWorkspace(workspaceID)
	if !ok {
		return "", coreerr.Precond("unknown workspace %d", workspaceID)
	}
	diff, err := m.git.Diff(ctx, ws.WorktreePath)
	if err != nil {
		return "", coreerr.PortFail("workspace_diff", err)
	}
	return diff, nil
}

// WorktreePath returns workspaceID's worktree path, used by mention lookups and the
// agent tools MCP server.
func (m *Manager) WorktreePath(workspaceID model.ID) (string, bool) {
	ws, ok := m.currentWorkspace(workspaceID)
	if !ok {
		return "", false
	}
	return ws.WorktreePath, true
}

func (m *Manager) currentWorkspace(id model.ID) (model.Workspace, bool) {
	for _, w := range m.store.CurrentApp().Workspaces {
		if w.ID == id {
			return w, true
		}
	}
	return model.Workspace{}, false
}

func isGitRepo(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil && (info.IsDir() || info.Mode().IsRegular())
}

func validBranchName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '/', r == '.':
		default:
			return false
		}
	}
	return true
}
