// Package ports defines the Coordination Core's external seams: the boundaries through
// which the Conversation Engine and Workspace Lifecycle reach Git, the Agent Runner, the
// PR host, the OS, and the native file picker. Concrete adapters live in the sibling
// subpackages; the wire protocol of any real agent runner subprocess (Codex/Amp/Claude)
// is intentionally not modeled here, only the callback shape it drives.
package ports

import (
	"context"

	"github.com/luban-ide/luban-core/internal/model"
)

// AgentRunnerCallbacks receives asynchronous turn events from an Agent Runner.
// The Conversation Engine implements this to fold callbacks into Snapshot Store mutations.
type AgentRunnerCallbacks interface {
	ItemStarted(id, kind string, payload map[string]any)
	ItemUpdated(id string, payload map[string]any)
	ItemCompleted(id string, finalPayload map[string]any)
	MessageDelta(text string)
	TurnUsage(usage map[string]any)
	TurnDuration(ms int64)
	TurnError(message string)
	TurnCompleted()
	TurnCanceled()
}

// TurnRequest is everything an Agent Runner needs to start one turn.
type TurnRequest struct {
	WorkspaceID model.ID
	ThreadID    model.ID
	WorktreePath string
	Text        string
	Attachments []model.ID
	RunConfig   model.RunConfig
}

// AgentRunner is the port to a long-running coding agent subprocess.
type AgentRunner interface {
	// StartTurn begins a turn; the runner delivers progress via cb until TurnCompleted,
	// TurnCanceled, or TurnError. StartTurn itself should return promptly; no dispatcher
	// action should block on a port call.
	StartTurn(ctx context.Context, req TurnRequest, cb AgentRunnerCallbacks) error
	// CancelTurn asks a running turn to stop cooperatively.
	CancelTurn(ctx context.Context, workspaceID, threadID model.ID) error
	// SuggestBranchName drives AI-rename: given a system prompt template and context
	// (diff/summary), returns a candidate branch name.
	SuggestBranchName(ctx context.Context, systemPrompt, context string) (string, error)
}

// CommitInfo is one entry of a workspace's commit history.
type CommitInfo struct {
	Hash    string
	Author  string
	Date    string
	Message string
}

// ChangesInfo summarizes a worktree's uncommitted change set.
type ChangesInfo struct {
	Added    []string
	Modified []string
	Deleted  []string
}

// GitPort is the Workspace Lifecycle's seam onto git and `git worktree` operations.
type GitPort interface {
	AddWorktree(ctx context.Context, repoPath, worktreePath, branchName string, newBranch bool) error
	RemoveWorktree(ctx context.Context, repoPath, worktreePath string) error
	RenameBranch(ctx context.Context, worktreePath, oldBranch, newBranch string) error
	CommitHistory(ctx context.Context, worktreePath string, limit int) ([]CommitInfo, error)
	Changes(ctx context.Context, worktreePath string) (ChangesInfo, error)
	Diff(ctx context.Context, worktreePath string) (string, error)
	HeadCommit(ctx context.Context, worktreePath string) (string, error)
}

// PRHostPort derives PullRequest state from a hosted code-review system.
type PRHostPort interface {
	FetchForBranch(ctx context.Context, repoPath, branch string) (*model.PullRequest, error)
	OpenPullRequestURL(ctx context.Context, repoPath, branch string) (string, error)
	// SubmitFeedback files an issue against the hosting repo (feedback_submit).
	SubmitFeedback(ctx context.Context, repoPath, title, body string, labels []string) (url string, err error)
}

// OSPort opens external applications and URLs ("open-with").
type OSPort interface {
	OpenWith(ctx context.Context, target, path string) error
	OpenURL(ctx context.Context, url string) error
}

// FSPort is the native directory-picker seam.
type FSPort interface {
	PickDirectory(ctx context.Context) (path string, ok bool, err error)
}

// ConfigEntry is one directory listing entry in a config tree.
type ConfigEntry struct {
	Name  string
	IsDir bool
}

// ConfigNode is one node of a full config-tree listing.
type ConfigNode struct {
	Name     string
	IsDir    bool
	Children []ConfigNode
}

// ConfigTreePort exposes one agent runner kind's on-disk config tree (codex, amp, ...).
type ConfigTreePort interface {
	Check(ctx context.Context) (ok bool, message string)
	Tree(ctx context.Context) (ConfigNode, error)
	ListDir(ctx context.Context, relPath string) ([]ConfigEntry, error)
	ReadFile(ctx context.Context, relPath string) (string, error)
	WriteFile(ctx context.Context, relPath, contents string) error
}

// StoredAttachment is the metadata half of an uploaded attachment; Get returns it together
// with the byte content, and the Conversation Engine only ever handles the ref.
type StoredAttachment struct {
	ID      model.ID
	Kind    string
	Name    string
	Extension string
	Mime    string
	ByteLen int64
}

// AttachmentStorePort persists uploaded attachment bytes out-of-band; the Coordination
// Core never reads them itself, only the Agent Runner does once a turn starts.
type AttachmentStorePort interface {
	Put(ctx context.Context, workspaceID model.ID, kind, name string, data []byte) (StoredAttachment, error)
	Get(ctx context.Context, id model.ID) (StoredAttachment, []byte, error)
}
