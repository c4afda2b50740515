// Package model defines the Coordination Core's data model. All entities here are owned
// exclusively by the Snapshot Store; everything handed to a caller is an immutable,
// revision-stamped copy.
package model

// ID is a process-stable opaque identifier. Most entities get one from a per-kind
// monotonic counter in the Snapshot Store; attachment ids come from the attachment store.
type ID int64

// CreateWorkspaceStatus tracks the async create_workspace lifecycle on a Project.
type CreateWorkspaceStatus string

const (
	CreateWorkspaceIdle    CreateWorkspaceStatus = "idle"
	CreateWorkspaceRunning CreateWorkspaceStatus = "running"
)

// Project is a registered repository root that owns zero or more workspaces.
type Project struct {
	ID                    ID                    `json:"id"`
	Name                  string                `json:"name"`
	Slug                  string                `json:"slug"`
	AbsolutePath          string                `json:"absolutePath"`
	IsGit                 bool                  `json:"isGit"`
	Expanded              bool                  `json:"expanded"`
	CreateWorkspaceStatus CreateWorkspaceStatus `json:"createWorkspaceStatus"`
	Workspaces            []ID                  `json:"workspaces"`
}

// WorkspaceStatus is the lifecycle state of a workspace (worktree).
type WorkspaceStatus string

const (
	WorkspaceActive   WorkspaceStatus = "active"
	WorkspaceArchived WorkspaceStatus = "archived"
)

// AsyncStatus is the shared idle/running shape used by archive/rename/agent-run status fields.
type AsyncStatus string

const (
	AsyncIdle    AsyncStatus = "idle"
	AsyncRunning AsyncStatus = "running"
)

// PRState is the lifecycle state of a pull request.
type PRState string

const (
	PRStateOpen   PRState = "open"
	PRStateClosed PRState = "closed"
	PRStateMerged PRState = "merged"
)

// CIState is the CI/check-run aggregate state of a pull request.
type CIState string

const (
	CIPending CIState = "pending"
	CISuccess CIState = "success"
	CIFailure CIState = "failure"
)

// PullRequest is derived from the PR host port and owned by its Workspace.
type PullRequest struct {
	Number     int     `json:"number"`
	IsDraft    bool    `json:"isDraft"`
	State      PRState `json:"state"`
	CIState    *CIState `json:"ciState,omitempty"`
	MergeReady bool    `json:"mergeReady"`
	URL        string  `json:"url"`
}

// Workspace is a Git worktree checkout owned by Luban.
type Workspace struct {
	ID                ID              `json:"id"`
	ProjectID         ID              `json:"projectId"`
	ShortID           string          `json:"shortId"`
	WorkspaceName     string          `json:"workspaceName"`
	BranchName        string          `json:"branchName"`
	WorktreePath      string          `json:"worktreePath"`
	Status            WorkspaceStatus `json:"status"`
	ArchiveStatus     AsyncStatus     `json:"archiveStatus"`
	BranchRenameStatus AsyncStatus    `json:"branchRenameStatus"`
	AgentRunStatus    AsyncStatus     `json:"agentRunStatus"`
	HasUnreadCompletion bool          `json:"hasUnreadCompletion"`
	PullRequest       *PullRequest    `json:"pullRequest,omitempty"`
}

// IsMain reports whether this is the designated "main" workspace of its project.
func (w Workspace) IsMain() bool { return w.WorkspaceName == "main" }

// Thread (a.k.a. task) is a conversation stream within a workspace.
type Thread struct {
	ThreadID       ID     `json:"threadId"`
	RemoteThreadID string `json:"remoteThreadId,omitempty"`
	Title          string `json:"title"`
	UpdatedAt      string `json:"updatedAt"` // RFC3339
}

// NoActiveTab is the sentinel active_tab value meaning "no thread selected".
const NoActiveTab ID = 0

// WorkspaceTabs is the open/archived tab bookkeeping for one workspace.
type WorkspaceTabs struct {
	OpenTabs     []ID `json:"openTabs"`
	ArchivedTabs []ID `json:"archivedTabs"`
	ActiveTab    ID   `json:"activeTab"`
}

// RunStatus is the Conversation Engine's per-turn machine state, projected onto the
// snapshot as "running" or "idle". Canceling is an internal-only state that still
// projects as "running" until the cancel completes: a canceling turn still occupies
// the one-turn-per-conversation slot.
type RunStatus string

const (
	RunIdle    RunStatus = "idle"
	RunRunning RunStatus = "running"
)

// ThinkingEffort selects the agent's reasoning budget for a turn.
type ThinkingEffort string

const (
	ThinkingLow    ThinkingEffort = "low"
	ThinkingMedium ThinkingEffort = "medium"
	ThinkingHigh   ThinkingEffort = "high"
)

// RunConfig is the effective per-turn agent configuration.
type RunConfig struct {
	ModelID        string         `json:"modelId"`
	ThinkingEffort ThinkingEffort `json:"thinkingEffort"`
}

// Attachment references out-of-band uploaded bytes.
type Attachment struct {
	ID      ID     `json:"id"`
	Kind    string `json:"kind"` // image | text | file
	Name    string `json:"name"`
	Extension string `json:"extension"`
	Mime    string `json:"mime,omitempty"`
	ByteLen int64  `json:"byteLen"`
}

// ContextItem is one pinned context entry for a workspace: an uploaded attachment or a
// workspace file the user wants carried into upcoming turns.
type ContextItem struct {
	ID   ID     `json:"id"`
	Kind string `json:"kind"` // attachment | file
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
}

// QueuedPrompt is one pending-prompt queue entry.
type QueuedPrompt struct {
	ID          ID           `json:"id"`
	Text        string       `json:"text"`
	Attachments []ID         `json:"attachments"`
	RunConfig   RunConfig    `json:"runConfig"`
}

// EntryKind discriminates the ConversationEntry tagged union.
type EntryKind string

const (
	EntryUserMessage EntryKind = "user_message"
	EntryAgentItem   EntryKind = "agent_item"
	EntryTurnUsage   EntryKind = "turn_usage"
	EntryTurnDuration EntryKind = "turn_duration"
	EntryTurnCanceled EntryKind = "turn_canceled"
	EntryTurnError   EntryKind = "turn_error"
)

// ConversationEntry is one append-only (mostly) item in a conversation's entry log.
// AgentItem entries with the same AgentItemID may be updated in place (last-writer-wins)
// while in progress, then finalized.
type ConversationEntry struct {
	Index int64 `json:"index"` // position within the thread's entry log, used for pagination dedup

	Kind EntryKind `json:"kind"`

	// EntryUserMessage
	Text        string `json:"text,omitempty"`
	Attachments []ID   `json:"attachments,omitempty"`

	// EntryAgentItem
	AgentItemID string          `json:"agentItemId,omitempty"`
	ItemKind    string          `json:"itemKind,omitempty"`
	Payload     map[string]any  `json:"payload,omitempty"`
	Done        bool            `json:"done,omitempty"`

	// EntryTurnUsage
	UsageJSON map[string]any `json:"usageJson,omitempty"`

	// EntryTurnDuration
	DurationMS int64 `json:"durationMs,omitempty"`

	// EntryTurnError
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Conversation is the per-thread state owned by the Conversation Engine.
type Conversation struct {
	WorkspaceID ID `json:"workspaceId"`
	ThreadID    ID `json:"threadId"`

	AgentModelID   string         `json:"agentModelId"`
	ThinkingEffort ThinkingEffort `json:"thinkingEffort"`

	RunStatus     RunStatus `json:"runStatus"`
	RunStartedAt  string    `json:"runStartedAt,omitempty"`
	RunFinishedAt string    `json:"runFinishedAt,omitempty"`

	Entries          []ConversationEntry `json:"entries"`
	EntriesTotal     int64               `json:"entriesTotal"`
	EntriesStart     int64               `json:"entriesStart"`
	EntriesTruncated bool                `json:"entriesTruncated"`

	InProgressItems []string `json:"inProgressItems"`
	PendingPrompts  []QueuedPrompt `json:"pendingPrompts"`
	QueuePaused     bool     `json:"queuePaused"`

	RemoteThreadID string `json:"remoteThreadId,omitempty"`
	Title          string `json:"title"`
}

// Appearance, Agent and Task settings are process-wide config.
type AppearanceSettings struct {
	Theme      string  `json:"theme"`
	Fonts      string  `json:"fonts"`
	GlobalZoom float64 `json:"globalZoom"`
}

type AgentSettings struct {
	CodexEnabled bool   `json:"codexEnabled"`
	RunnerKind   string `json:"runnerKind"` // "codex" | "amp" | "claude"
	AmpMode      string `json:"ampMode,omitempty"`
}

type TaskSettings struct {
	TaskPromptTemplate   string `json:"taskPromptTemplate"`
	SystemPromptTemplate string `json:"systemPromptTemplate"`
}

// Settings bundles the process-wide mutable config broadcast via app_changed.
type Settings struct {
	Appearance AppearanceSettings `json:"appearance"`
	Agent      AgentSettings      `json:"agent"`
	Task       TaskSettings       `json:"task"`
}
