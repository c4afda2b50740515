package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/luban-ide/luban-core/internal/config"
	"github.com/luban-ide/luban-core/internal/conversation"
	"github.com/luban-ide/luban-core/internal/coreerr"
	"github.com/luban-ide/luban-core/internal/model"
	"github.com/luban-ide/luban-core/internal/ports"
	"github.com/luban-ide/luban-core/internal/snapshot"
	"github.com/luban-ide/luban-core/internal/wslifecycle"
)

// Deps bundles every subsystem an action handler may need to reach. RegisterActions
// wires one handler per action tag onto these.
type Deps struct {
	Store       *snapshot.Store
	Engine      *conversation.Engine
	Lifecycle   *wslifecycle.Manager
	Settings    *config.SettingsStore
	Attachments ports.AttachmentStorePort
	PRHost      ports.PRHostPort
	Agent       ports.AgentRunner
	// ConfigTrees maps a runner kind ("codex", "amp") to its config-tree port.
	ConfigTrees map[string]ports.ConfigTreePort
}

func runConfigFrom(p runConfigParams) model.RunConfig {
	return model.RunConfig{ModelID: p.ModelID, ThinkingEffort: model.ThinkingEffort(p.ThinkingEffort)}
}

type runConfigParams struct {
	ModelID        string `json:"model_id"`
	ThinkingEffort string `json:"thinking_effort"`
}

func attachmentIDs(raw []int64) []model.ID {
	out := make([]model.ID, len(raw))
	for i, v := range raw {
		out[i] = model.ID(v)
	}
	return out
}

// RegisterActions wires every client action tag onto deps' subsystems. Most handlers
// mutate the store through Engine/Lifecycle, which already run their own Store.Mutate
// transactions, and only decode → call → translate the error/result. The simpler ones
// (toggle_project_expanded, open_workspace, delete_project, task_execute, and the
// Settings/Threads actions) run Store.Mutate inline.
func RegisterActions(r *Registry, deps Deps) {
	registerProjectActions(r, deps)
	registerThreadActions(r, deps)
	registerConversationActions(r, deps)
	registerSettingsActions(r, deps)
	registerConfigTreeActions(r, deps)
	registerTaskActions(r, deps)
}

func registerProjectActions(r *Registry, deps Deps) {
	r.Register("pick_project_path", func(ctx context.Context, params json.RawMessage) (any, error) {
		path, err := deps.Lifecycle.PickProjectPath(ctx)
		if err != nil {
			return nil, err
		}
		var payload map[string]any
		if path == "" {
			payload = map[string]any{"path": nil}
		} else {
			payload = map[string]any{"path": path}
		}
		return &Reply{Type: "project_path_picked", Payload: payload}, nil
	})

	r.Register("add_project", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Path string `json:"path"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		_, err := deps.Lifecycle.AddProject(ctx, p.Path)
		return nil, err
	})

	r.Register("add_project_and_open", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Path string `json:"path"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		projectID, workspaceID, err := deps.Lifecycle.AddProjectAndOpen(ctx, p.Path)
		if err != nil {
			return nil, err
		}
		return &Reply{Type: "add_project_and_open_ready", Payload: map[string]any{
			"project_id": projectID, "workspace_id": workspaceID,
		}}, nil
	})

	r.Register("delete_project", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			ProjectID model.ID `json:"project_id"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return nil, deleteProject(ctx, deps, p.ProjectID)
	})

	r.Register("toggle_project_expanded", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			ProjectID model.ID `json:"project_id"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		_, err := deps.Store.Mutate(func(tx *snapshot.Tx) error {
			if !tx.UpdateProject(p.ProjectID, func(pr *model.Project) { pr.Expanded = !pr.Expanded }) {
				return coreerr.Precond("unknown project %d", p.ProjectID)
			}
			return nil
		})
		return nil, err
	})

	r.Register("create_workspace", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			ProjectID model.ID `json:"project_id"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		_, err := deps.Lifecycle.CreateWorkspace(ctx, p.ProjectID)
		return nil, err
	})

	r.Register("ensure_main_workspace", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			ProjectID model.ID `json:"project_id"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		_, err := deps.Lifecycle.EnsureMainWorkspace(ctx, p.ProjectID)
		return nil, err
	})

	r.Register("archive_workspace", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			WorkspaceID model.ID `json:"workspace_id"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return nil, deps.Lifecycle.ArchiveWorkspace(ctx, p.WorkspaceID)
	})

	r.Register("open_workspace", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			WorkspaceID model.ID `json:"workspace_id"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		_, err := deps.Store.Mutate(func(tx *snapshot.Tx) error {
			if _, ok := tx.GetWorkspace(p.WorkspaceID); !ok {
				return coreerr.Precond("unknown workspace %d", p.WorkspaceID)
			}
			tx.SetActiveWorkspaceID(p.WorkspaceID)
			tx.UpdateWorkspace(p.WorkspaceID, func(w *model.Workspace) { w.HasUnreadCompletion = false })
			return nil
		})
		if err == nil {
			// PR state is re-derived off the action path so opening a workspace never
			// blocks on the PR host.
			go func() { _ = deps.Lifecycle.RefreshPullRequest(context.Background(), p.WorkspaceID) }()
		}
		return nil, err
	})

	r.Register("open_workspace_in_ide", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			WorkspaceID model.ID `json:"workspace_id"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return nil, deps.Lifecycle.OpenInIDE(ctx, p.WorkspaceID, "vscode")
	})

	r.Register("open_workspace_with", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			WorkspaceID model.ID `json:"workspace_id"`
			Target      string   `json:"target"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return nil, deps.Lifecycle.OpenInIDE(ctx, p.WorkspaceID, p.Target)
	})

	openPR := func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			WorkspaceID model.ID `json:"workspace_id"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return nil, deps.Lifecycle.OpenPullRequest(ctx, p.WorkspaceID)
	}
	r.Register("open_workspace_pull_request", openPR)
	r.Register("open_workspace_pull_request_failed_action", openPR)

	r.Register("workspace_rename_branch", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			WorkspaceID model.ID `json:"workspace_id"`
			NewName     string   `json:"new_name"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return nil, deps.Lifecycle.RenameBranch(ctx, p.WorkspaceID, p.NewName)
	})

	r.Register("workspace_ai_rename_branch", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			WorkspaceID  model.ID `json:"workspace_id"`
			SystemPrompt string   `json:"system_prompt"`
			DiffContext  string   `json:"diff_context"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return nil, deps.Lifecycle.AIRenameBranch(ctx, p.WorkspaceID, p.SystemPrompt, p.DiffContext)
	})
}

// deleteProject archives every workspace owned by projectID, then deletes it, the order
// the data model's lifecycle note requires ("when destroyed, all its workspaces archive
// first").
func deleteProject(ctx context.Context, deps Deps, projectID model.ID) error {
	var workspaces []model.Workspace
	_, err := deps.Store.Mutate(func(tx *snapshot.Tx) error {
		p, ok := tx.GetProject(projectID)
		if !ok {
			return coreerr.Precond("unknown project %d", projectID)
		}
		for _, wid := range p.Workspaces {
			if w, ok := tx.GetWorkspace(wid); ok && w.Status == model.WorkspaceActive {
				workspaces = append(workspaces, w)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, w := range workspaces {
		if err := deps.Lifecycle.ArchiveWorkspace(ctx, w.ID); err != nil {
			return err
		}
	}
	_, err = deps.Store.Mutate(func(tx *snapshot.Tx) error {
		if _, ok := tx.GetProject(projectID); !ok {
			return coreerr.Precond("unknown project %d", projectID)
		}
		tx.DeleteProject(projectID)
		return nil
	})
	return err
}

func registerThreadActions(r *Registry, deps Deps) {
	r.Register("create_workspace_thread", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			WorkspaceID model.ID `json:"workspace_id"`
			Title       string   `json:"title"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		title := p.Title
		if title == "" {
			title = "Untitled"
		}
		var threadID model.ID
		_, err := deps.Store.Mutate(func(tx *snapshot.Tx) error {
			if _, ok := tx.GetWorkspace(p.WorkspaceID); !ok {
				return coreerr.Precond("unknown workspace %d", p.WorkspaceID)
			}
			threadID = tx.AddThread(p.WorkspaceID, title, "")
			return nil
		})
		if err != nil {
			return nil, err
		}
		// The created thread_id is returned inline (resolved Open Question OQ-2):
		// no 5s/250ms poll is needed on the happy path.
		return &Reply{Type: "workspace_thread_created", Payload: map[string]any{
			"workspace_id": p.WorkspaceID, "thread_id": threadID,
		}}, nil
	})

	r.Register("activate_workspace_thread", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			WorkspaceID model.ID `json:"workspace_id"`
			ThreadID    model.ID `json:"thread_id"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		_, err := deps.Store.Mutate(func(tx *snapshot.Tx) error {
			if _, ok := tx.GetThread(p.WorkspaceID, p.ThreadID); !ok {
				return coreerr.Precond("unknown thread %d in workspace %d", p.ThreadID, p.WorkspaceID)
			}
			tx.UpdateTabs(p.WorkspaceID, func(t *model.WorkspaceTabs) { t.ActiveTab = p.ThreadID })
			return nil
		})
		return nil, err
	})

	r.Register("close_workspace_thread_tab", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			WorkspaceID model.ID `json:"workspace_id"`
			ThreadID    model.ID `json:"thread_id"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		_, err := deps.Store.Mutate(func(tx *snapshot.Tx) error {
			tx.UpdateTabs(p.WorkspaceID, func(t *model.WorkspaceTabs) {
				out := t.OpenTabs[:0]
				for _, id := range t.OpenTabs {
					if id != p.ThreadID {
						out = append(out, id)
					}
				}
				t.OpenTabs = out
				t.ArchivedTabs = append(t.ArchivedTabs, p.ThreadID)
				if t.ActiveTab == p.ThreadID {
					if len(t.OpenTabs) > 0 {
						t.ActiveTab = t.OpenTabs[len(t.OpenTabs)-1]
					} else {
						t.ActiveTab = model.NoActiveTab
					}
				}
			})
			return nil
		})
		return nil, err
	})

	r.Register("restore_workspace_thread_tab", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			WorkspaceID model.ID `json:"workspace_id"`
			ThreadID    model.ID `json:"thread_id"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		_, err := deps.Store.Mutate(func(tx *snapshot.Tx) error {
			tx.UpdateTabs(p.WorkspaceID, func(t *model.WorkspaceTabs) {
				out := t.ArchivedTabs[:0]
				for _, id := range t.ArchivedTabs {
					if id != p.ThreadID {
						out = append(out, id)
					}
				}
				t.ArchivedTabs = out
				t.OpenTabs = append(t.OpenTabs, p.ThreadID)
				t.ActiveTab = p.ThreadID
			})
			return nil
		})
		return nil, err
	})

	r.Register("reorder_workspace_thread_tab", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			WorkspaceID model.ID `json:"workspace_id"`
			ThreadID    model.ID `json:"thread_id"`
			ToIndex     int      `json:"to_index"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		_, err := deps.Store.Mutate(func(tx *snapshot.Tx) error {
			tx.UpdateTabs(p.WorkspaceID, func(t *model.WorkspaceTabs) {
				from := -1
				for i, id := range t.OpenTabs {
					if id == p.ThreadID {
						from = i
						break
					}
				}
				if from < 0 {
					return
				}
				rest := append(append([]model.ID{}, t.OpenTabs[:from]...), t.OpenTabs[from+1:]...)
				to := p.ToIndex
				if to > len(rest) {
					to = len(rest)
				}
				if to < 0 {
					to = 0
				}
				out := make([]model.ID, 0, len(rest)+1)
				out = append(out, rest[:to]...)
				out = append(out, p.ThreadID)
				out = append(out, rest[to:]...)
				t.OpenTabs = out
			})
			return nil
		})
		return nil, err
	})
}

func registerConversationActions(r *Registry, deps Deps) {
	type sendParams struct {
		WorkspaceID model.ID         `json:"workspace_id"`
		ThreadID    model.ID         `json:"thread_id"`
		Text        string           `json:"text"`
		Attachments []int64          `json:"attachments"`
		RunConfig   runConfigParams  `json:"run_config"`
	}

	r.Register("send_agent_message", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p sendParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return nil, deps.Engine.SendMessage(ctx, p.WorkspaceID, p.ThreadID, p.Text, attachmentIDs(p.Attachments), runConfigFrom(p.RunConfig))
	})

	r.Register("queue_agent_message", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p sendParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return nil, deps.Engine.QueueMessage(ctx, p.WorkspaceID, p.ThreadID, p.Text, attachmentIDs(p.Attachments), runConfigFrom(p.RunConfig))
	})

	r.Register("cancel_and_send_agent_message", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p sendParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return nil, deps.Engine.CancelAndSend(ctx, p.WorkspaceID, p.ThreadID, p.Text, attachmentIDs(p.Attachments), runConfigFrom(p.RunConfig))
	})

	r.Register("cancel_agent_turn", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			WorkspaceID model.ID `json:"workspace_id"`
			ThreadID    model.ID `json:"thread_id"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return nil, deps.Engine.CancelTurn(ctx, p.WorkspaceID, p.ThreadID)
	})

	r.Register("remove_queued_prompt", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			WorkspaceID model.ID `json:"workspace_id"`
			ThreadID    model.ID `json:"thread_id"`
			PromptID    model.ID `json:"prompt_id"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return nil, deps.Engine.RemoveQueuedPrompt(p.WorkspaceID, p.ThreadID, p.PromptID)
	})

	r.Register("reorder_queued_prompt", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			WorkspaceID model.ID `json:"workspace_id"`
			ThreadID    model.ID `json:"thread_id"`
			Active      int      `json:"active"`
			Over        int      `json:"over"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return nil, deps.Engine.ReorderQueuedPrompt(p.WorkspaceID, p.ThreadID, p.Active, p.Over)
	})

	r.Register("update_queued_prompt", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			WorkspaceID model.ID        `json:"workspace_id"`
			ThreadID    model.ID        `json:"thread_id"`
			PromptID    model.ID        `json:"prompt_id"`
			Text        string          `json:"text"`
			Attachments []int64         `json:"attachments"`
			RunConfig   runConfigParams `json:"run_config"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return nil, deps.Engine.UpdateQueuedPrompt(p.WorkspaceID, p.ThreadID, p.PromptID, p.Text, attachmentIDs(p.Attachments), runConfigFrom(p.RunConfig))
	})

	r.Register("chat_model_changed", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			WorkspaceID model.ID `json:"workspace_id"`
			ThreadID    model.ID `json:"thread_id"`
			ModelID     string   `json:"model_id"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		_, err := deps.Store.Mutate(func(tx *snapshot.Tx) error {
			tx.UpdateConversation(p.WorkspaceID, p.ThreadID, func(c *model.Conversation) { c.AgentModelID = p.ModelID })
			return nil
		})
		return nil, err
	})

	r.Register("thinking_effort_changed", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			WorkspaceID    model.ID `json:"workspace_id"`
			ThreadID       model.ID `json:"thread_id"`
			ThinkingEffort string   `json:"thinking_effort"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		_, err := deps.Store.Mutate(func(tx *snapshot.Tx) error {
			tx.UpdateConversation(p.WorkspaceID, p.ThreadID, func(c *model.Conversation) {
				c.ThinkingEffort = model.ThinkingEffort(p.ThinkingEffort)
			})
			return nil
		})
		return nil, err
	})
}

func registerSettingsActions(r *Registry, deps Deps) {
	mutateSettings := func(fn func(*model.Settings)) error {
		_, err := deps.Store.Mutate(func(tx *snapshot.Tx) error {
			tx.UpdateSettings(fn)
			return nil
		})
		if err != nil {
			return err
		}
		if deps.Settings != nil {
			s := deps.Store.CurrentApp().Settings
			_ = deps.Settings.Save(s, nil)
		}
		return nil
	}

	r.Register("appearance_theme_changed", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Theme string `json:"theme"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return nil, mutateSettings(func(s *model.Settings) { s.Appearance.Theme = p.Theme })
	})

	r.Register("appearance_fonts_changed", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Fonts string `json:"fonts"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return nil, mutateSettings(func(s *model.Settings) { s.Appearance.Fonts = p.Fonts })
	})

	r.Register("appearance_global_zoom_changed", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Zoom float64 `json:"zoom"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return nil, mutateSettings(func(s *model.Settings) { s.Appearance.GlobalZoom = p.Zoom })
	})

	r.Register("codex_enabled_changed", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Enabled bool `json:"enabled"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return nil, mutateSettings(func(s *model.Settings) { s.Agent.CodexEnabled = p.Enabled })
	})

	r.Register("agent_runner_changed", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			RunnerKind string `json:"runner_kind"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return nil, mutateSettings(func(s *model.Settings) { s.Agent.RunnerKind = p.RunnerKind })
	})

	r.Register("agent_amp_mode_changed", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			AmpMode string `json:"amp_mode"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return nil, mutateSettings(func(s *model.Settings) { s.Agent.AmpMode = p.AmpMode })
	})

	r.Register("task_prompt_template_changed", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Template string `json:"template"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return nil, mutateSettings(func(s *model.Settings) { s.Task.TaskPromptTemplate = p.Template })
	})

	r.Register("system_prompt_template_changed", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Template string `json:"template"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return nil, mutateSettings(func(s *model.Settings) { s.Task.SystemPromptTemplate = p.Template })
	})
}

func registerConfigTreeActions(r *Registry, deps Deps) {
	for _, kind := range []string{"codex", "amp"} {
		kind := kind
		port := deps.ConfigTrees[kind]

		r.Register(kind+"_check", func(ctx context.Context, params json.RawMessage) (any, error) {
			if port == nil {
				return &Reply{Type: kind + "_check_ready", Payload: map[string]any{"ok": false, "message": "not configured"}}, nil
			}
			ok, msg := port.Check(ctx)
			payload := map[string]any{"ok": ok}
			if msg != "" {
				payload["message"] = msg
			}
			return &Reply{Type: kind + "_check_ready", Payload: payload}, nil
		})

		r.Register(kind+"_config_tree", func(ctx context.Context, params json.RawMessage) (any, error) {
			if port == nil {
				return nil, coreerr.Precond("%s config tree not configured", kind)
			}
			tree, err := port.Tree(ctx)
			if err != nil {
				return nil, coreerr.PortFail(kind+"_config_tree", err)
			}
			return &Reply{Type: kind + "_config_tree_ready", Payload: map[string]any{"tree": tree}}, nil
		})

		r.Register(kind+"_config_list_dir", func(ctx context.Context, params json.RawMessage) (any, error) {
			var p struct {
				Path string `json:"path"`
			}
			if err := decode(params, &p); err != nil {
				return nil, err
			}
			if port == nil {
				return nil, coreerr.Precond("%s config tree not configured", kind)
			}
			entries, err := port.ListDir(ctx, p.Path)
			if err != nil {
				return nil, coreerr.PortFail(kind+"_config_list_dir", err)
			}
			return &Reply{Type: kind + "_config_list_dir_ready", Payload: map[string]any{"path": p.Path, "entries": entries}}, nil
		})

		r.Register(kind+"_config_read_file", func(ctx context.Context, params json.RawMessage) (any, error) {
			var p struct {
				Path string `json:"path"`
			}
			if err := decode(params, &p); err != nil {
				return nil, err
			}
			if port == nil {
				return nil, coreerr.Precond("%s config tree not configured", kind)
			}
			contents, err := port.ReadFile(ctx, p.Path)
			if err != nil {
				return nil, coreerr.PortFail(kind+"_config_read_file", err)
			}
			return &Reply{Type: kind + "_config_file_ready", Payload: map[string]any{"path": p.Path, "contents": contents}}, nil
		})

		r.Register(kind+"_config_write_file", func(ctx context.Context, params json.RawMessage) (any, error) {
			var p struct {
				Path     string `json:"path"`
				Contents string `json:"contents"`
			}
			if err := decode(params, &p); err != nil {
				return nil, err
			}
			if port == nil {
				return nil, coreerr.Precond("%s config tree not configured", kind)
			}
			if err := port.WriteFile(ctx, p.Path, p.Contents); err != nil {
				return nil, coreerr.PortFail(kind+"_config_write_file", err)
			}
			return &Reply{Type: kind + "_config_file_saved", Payload: map[string]any{"path": p.Path}}, nil
		})
	}
}

func registerTaskActions(r *Registry, deps Deps) {
	r.Register("task_preview", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Input string `json:"input"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		template := deps.Store.CurrentApp().Settings.Task.TaskPromptTemplate
		prompt := p.Input
		if template != "" {
			prompt = fmt.Sprintf(template, p.Input)
		}
		draft := map[string]any{"title": p.Input, "prompt": prompt}
		return &Reply{Type: "task_preview_ready", Payload: map[string]any{"draft": draft}}, nil
	})

	r.Register("task_execute", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Draft struct {
				Title  string `json:"title"`
				Prompt string `json:"prompt"`
			} `json:"draft"`
			Mode        string   `json:"mode"` // "create" | "start"
			ProjectID   model.ID `json:"project_id"`
			WorkspaceID model.ID `json:"workspace_id"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}

		workspaceID := p.WorkspaceID
		if p.Mode == "create" {
			id, err := deps.Lifecycle.CreateWorkspace(ctx, p.ProjectID)
			if err != nil {
				return nil, err
			}
			workspaceID = id
		}
		if workspaceID == 0 {
			return nil, coreerr.Precond("task_execute requires a workspace_id for mode %q", p.Mode)
		}

		var threadID model.ID
		_, err := deps.Store.Mutate(func(tx *snapshot.Tx) error {
			if _, ok := tx.GetWorkspace(workspaceID); !ok {
				return coreerr.Precond("unknown workspace %d", workspaceID)
			}
			threadID = tx.AddThread(workspaceID, p.Draft.Title, "")
			return nil
		})
		if err != nil {
			return nil, err
		}

		if err := deps.Engine.SendMessage(ctx, workspaceID, threadID, p.Draft.Prompt, nil, model.RunConfig{}); err != nil {
			return nil, err
		}

		return &Reply{Type: "task_executed", Payload: map[string]any{
			"result": map[string]any{"workspace_id": workspaceID, "thread_id": threadID},
		}}, nil
	})

	r.Register("feedback_submit", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Title     string   `json:"title"`
			Body      string   `json:"body"`
			Labels    []string `json:"labels"`
			Type      string   `json:"type"`
			Action    string   `json:"action"`
			RepoPath  string   `json:"repo_path"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if deps.PRHost == nil {
			return nil, coreerr.Precond("no PR host configured for feedback_submit")
		}
		url, err := deps.PRHost.SubmitFeedback(ctx, p.RepoPath, p.Title, p.Body, p.Labels)
		if err != nil {
			return nil, coreerr.PortFail("feedback_submit", err)
		}
		return &Reply{Type: "feedback_submitted", Payload: map[string]any{"result": map[string]any{"url": url}}}, nil
	})
}
