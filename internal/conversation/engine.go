// Package conversation implements the per-(workspace,thread) turn state machine: Idle,
// Running and Canceling, the prompt queue that feeds it, and the Agent Runner callback
// routing that folds turn progress into Snapshot Store mutations.
package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/luban-ide/luban-core/internal/coreerr"
	"github.com/luban-ide/luban-core/internal/model"
	"github.com/luban-ide/luban-core/internal/ports"
	"github.com/luban-ide/luban-core/internal/snapshot"
)

// turnPhase is the engine's internal-only refinement of model.RunStatus: Canceling
// projects onto the snapshot as RunRunning (still occupies the one-turn slot) but the
// engine must still tell the two states apart to decide what a late callback means.
type turnPhase string

const (
	phaseIdle      turnPhase = "idle"
	phaseRunning   turnPhase = "running"
	phaseCanceling turnPhase = "canceling"
)

// cancelTimeout bounds how long the engine waits for a runner to acknowledge a cancel
// before forcing the conversation back to Idle and recording the turn as errored.
const cancelTimeout = 10 * time.Second

// turnStartingItem occupies in_progress_items from the moment a turn commits as running
// until the runner reports an item, and again between the last item completing and the
// turn ending, so a running conversation is never observably item-less.
const turnStartingItem = "turn-starting"

// Engine drives every conversation's turn state machine against a shared Snapshot Store
// and a shared Agent Runner port.
type Engine struct {
	store  *snapshot.Store
	runner ports.AgentRunner

	mu     sync.Mutex
	phases map[snapshot.ConvKey]turnPhase
}

// New constructs an Engine backed by store and runner.
func New(store *snapshot.Store, runner ports.AgentRunner) *Engine {
	return &Engine{store: store, runner: runner, phases: map[snapshot.ConvKey]turnPhase{}}
}

func (e *Engine) phase(k snapshot.ConvKey) turnPhase {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.phases[k]; ok {
		return p
	}
	return phaseIdle
}

func (e *Engine) setPhase(k snapshot.ConvKey, p turnPhase) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.phases[k] = p
}

// SendMessage implements send_agent_message: starts a new turn when Idle, enqueues to
// the end of pending_prompts when Running and the queue isn't paused, and also enqueues
// (to run after the in-flight cancel) when Canceling.
func (e *Engine) SendMessage(ctx context.Context, ws, thread model.ID, text string, attachments []model.ID, runConfig model.RunConfig) error {
	k := snapshot.ConvKey{WorkspaceID: ws, ThreadID: thread}

	switch e.phase(k) {
	case phaseIdle:
		return e.startTurn(ctx, ws, thread, text, attachments, runConfig)
	case phaseRunning:
		var paused bool
		_, err := e.store.Mutate(func(tx *snapshot.Tx) error {
			c := tx.EnsureConversation(ws, thread, runConfig)
			paused = c.QueuePaused
			return nil
		})
		if err != nil {
			return err
		}
		if paused {
			return e.QueueMessage(ctx, ws, thread, text, attachments, runConfig)
		}
		return e.enqueue(ws, thread, text, attachments, runConfig, false)
	default: // Canceling
		return e.enqueue(ws, thread, text, attachments, runConfig, false)
	}
}

// QueueMessage implements queue_agent_message: always appends, never starts a turn.
func (e *Engine) QueueMessage(ctx context.Context, ws, thread model.ID, text string, attachments []model.ID, runConfig model.RunConfig) error {
	return e.enqueue(ws, thread, text, attachments, runConfig, false)
}

func (e *Engine) enqueue(ws, thread model.ID, text string, attachments []model.ID, runConfig model.RunConfig, atHead bool) error {
	_, err := e.store.Mutate(func(tx *snapshot.Tx) error {
		id := tx.NextQueuedID()
		prompt := model.QueuedPrompt{ID: id, Text: text, Attachments: attachments, RunConfig: runConfig}
		tx.UpdateConversation(ws, thread, func(c *model.Conversation) {
			if atHead {
				c.PendingPrompts = append([]model.QueuedPrompt{prompt}, c.PendingPrompts...)
			} else {
				c.PendingPrompts = append(c.PendingPrompts, prompt)
			}
		})
		return nil
	})
	return err
}

func (e *Engine) startTurn(ctx context.Context, ws, thread model.ID, text string, attachments []model.ID, runConfig model.RunConfig) error {
	k := snapshot.ConvKey{WorkspaceID: ws, ThreadID: thread}

	var worktreePath string
	var effective model.RunConfig
	_, err := e.store.Mutate(func(tx *snapshot.Tx) error {
		if w, ok := tx.GetWorkspace(ws); ok {
			worktreePath = w.WorktreePath
		}
		current := tx.EnsureConversation(ws, thread, runConfig)
		effective = model.RunConfig{ModelID: current.AgentModelID, ThinkingEffort: current.ThinkingEffort}
		if runConfig.ModelID != "" {
			effective.ModelID = runConfig.ModelID
		}
		if runConfig.ThinkingEffort != "" {
			effective.ThinkingEffort = runConfig.ThinkingEffort
		}
		tx.UpdateConversation(ws, thread, func(c *model.Conversation) {
			c.Entries = append(c.Entries, model.ConversationEntry{
				Index: c.EntriesTotal, Kind: model.EntryUserMessage, Text: text, Attachments: attachments,
			})
			c.EntriesTotal++
			c.RunStatus = model.RunRunning
			c.RunStartedAt = nowRFC3339()
			c.RunFinishedAt = ""
			c.InProgressItems = []string{turnStartingItem}
			c.AgentModelID = effective.ModelID
			c.ThinkingEffort = effective.ThinkingEffort
		})
		tx.UpdateWorkspace(ws, func(w *model.Workspace) { w.AgentRunStatus = model.AsyncRunning })
		return nil
	})
	if err != nil {
		return err
	}
	e.setPhase(k, phaseRunning)

	req := ports.TurnRequest{WorkspaceID: ws, ThreadID: thread, WorktreePath: worktreePath, Text: text, Attachments: attachments, RunConfig: effective}
	cb := &callbackRouter{engine: e, ws: ws, thread: thread}
	go func() {
		if err := e.runner.StartTurn(ctx, req, cb); err != nil {
			e.handleTurnError(ctx, ws, thread, err.Error())
		}
	}()
	return nil
}

// CancelTurn implements cancel_agent_turn: Running → Canceling, asks the runner to stop,
// and forces Idle+TurnError after cancelTimeout if the runner never acknowledges.
func (e *Engine) CancelTurn(ctx context.Context, ws, thread model.ID) error {
	k := snapshot.ConvKey{WorkspaceID: ws, ThreadID: thread}
	if e.phase(k) != phaseRunning {
		return nil
	}
	e.setPhase(k, phaseCanceling)

	if err := e.runner.CancelTurn(ctx, ws, thread); err != nil {
		return coreerr.PortFail("cancel_agent_turn", err)
	}

	go func() {
		timer := time.NewTimer(cancelTimeout)
		defer timer.Stop()
		<-timer.C
		if e.phase(k) == phaseCanceling {
			e.handleTurnError(ctx, ws, thread, "agent runner did not acknowledge cancellation in time")
		}
	}()
	return nil
}

// CancelAndSend implements cancel_and_send_agent_message: cancels the running turn and
// places the new message at the head of the queue so it starts next.
func (e *Engine) CancelAndSend(ctx context.Context, ws, thread model.ID, text string, attachments []model.ID, runConfig model.RunConfig) error {
	if err := e.CancelTurn(ctx, ws, thread); err != nil {
		return err
	}
	return e.enqueue(ws, thread, text, attachments, runConfig, true)
}

// RemoveQueuedPrompt removes a pending prompt by id.
func (e *Engine) RemoveQueuedPrompt(ws, thread, promptID model.ID) error {
	_, err := e.store.Mutate(func(tx *snapshot.Tx) error {
		tx.UpdateConversation(ws, thread, func(c *model.Conversation) {
			out := c.PendingPrompts[:0]
			for _, p := range c.PendingPrompts {
				if p.ID != promptID {
					out = append(out, p)
				}
			}
			c.PendingPrompts = out
		})
		return nil
	})
	return err
}

// ReorderQueuedPrompt moves the prompt at position `active` to position `over`, a stable
// remove-then-insert that preserves FIFO order of unmoved siblings.
func (e *Engine) ReorderQueuedPrompt(ws, thread model.ID, active, over int) error {
	_, err := e.store.Mutate(func(tx *snapshot.Tx) error {
		tx.UpdateConversation(ws, thread, func(c *model.Conversation) {
			if active < 0 || active >= len(c.PendingPrompts) || over < 0 || over > len(c.PendingPrompts) {
				return
			}
			item := c.PendingPrompts[active]
			rest := append(append([]model.QueuedPrompt{}, c.PendingPrompts[:active]...), c.PendingPrompts[active+1:]...)
			if over > len(rest) {
				over = len(rest)
			}
			out := make([]model.QueuedPrompt, 0, len(rest)+1)
			out = append(out, rest[:over]...)
			out = append(out, item)
			out = append(out, rest[over:]...)
			c.PendingPrompts = out
		})
		return nil
	})
	return err
}

// UpdateQueuedPrompt replaces the text/attachments/run_config of a pending prompt in place.
func (e *Engine) UpdateQueuedPrompt(ws, thread, promptID model.ID, text string, attachments []model.ID, runConfig model.RunConfig) error {
	_, err := e.store.Mutate(func(tx *snapshot.Tx) error {
		tx.UpdateConversation(ws, thread, func(c *model.Conversation) {
			for i := range c.PendingPrompts {
				if c.PendingPrompts[i].ID == promptID {
					c.PendingPrompts[i].Text = text
					c.PendingPrompts[i].Attachments = attachments
					c.PendingPrompts[i].RunConfig = runConfig
				}
			}
		})
		return nil
	})
	return err
}

// drainNext implements the drain-next policy: when a turn ends and the queue is
// non-empty and not paused, immediately start the head item as the next turn.
func (e *Engine) drainNext(ctx context.Context, ws, thread model.ID) {
	k := snapshot.ConvKey{WorkspaceID: ws, ThreadID: thread}
	var head *model.QueuedPrompt
	_, err := e.store.Mutate(func(tx *snapshot.Tx) error {
		tx.UpdateConversation(ws, thread, func(c *model.Conversation) {
			if c.QueuePaused || len(c.PendingPrompts) == 0 {
				return
			}
			next := c.PendingPrompts[0]
			c.PendingPrompts = c.PendingPrompts[1:]
			head = &next
		})
		return nil
	})
	e.setPhase(k, phaseIdle)
	if err != nil || head == nil {
		return
	}
	_ = e.startTurn(ctx, ws, thread, head.Text, head.Attachments, head.RunConfig)
}

// handleTurnError appends a TurnError entry, returns the conversation to Idle, and
// drains the next queued prompt if any. Runner failures never poison the conversation.
func (e *Engine) handleTurnError(ctx context.Context, ws, thread model.ID, message string) {
	_, _ = e.store.Mutate(func(tx *snapshot.Tx) error {
		tx.UpdateConversation(ws, thread, func(c *model.Conversation) {
			c.Entries = append(c.Entries, model.ConversationEntry{
				Index: c.EntriesTotal, Kind: model.EntryTurnError, ErrorMessage: message,
			})
			c.EntriesTotal++
			c.RunStatus = model.RunIdle
			c.RunFinishedAt = nowRFC3339()
			c.InProgressItems = nil
		})
		markTurnEnded(tx, ws)
		return nil
	})
	e.drainNext(ctx, ws, thread)
}

// handleTurnCompleted finalizes a successful turn and drains the next queued prompt.
func (e *Engine) handleTurnCompleted(ctx context.Context, ws, thread model.ID) {
	_, _ = e.store.Mutate(func(tx *snapshot.Tx) error {
		tx.UpdateConversation(ws, thread, func(c *model.Conversation) {
			c.RunStatus = model.RunIdle
			c.RunFinishedAt = nowRFC3339()
			c.InProgressItems = nil
		})
		markTurnEnded(tx, ws)
		return nil
	})
	e.drainNext(ctx, ws, thread)
}

// handleTurnCanceled records the cancellation and drains the next queued prompt.
func (e *Engine) handleTurnCanceled(ctx context.Context, ws, thread model.ID) {
	_, _ = e.store.Mutate(func(tx *snapshot.Tx) error {
		tx.UpdateConversation(ws, thread, func(c *model.Conversation) {
			c.Entries = append(c.Entries, model.ConversationEntry{
				Index: c.EntriesTotal, Kind: model.EntryTurnCanceled,
			})
			c.EntriesTotal++
			c.RunStatus = model.RunIdle
			c.RunFinishedAt = nowRFC3339()
			c.InProgressItems = nil
		})
		markTurnEnded(tx, ws)
		return nil
	})
	e.drainNext(ctx, ws, thread)
}

// markTurnEnded flips the workspace's sidebar-facing run status back to idle and, when
// the workspace isn't the one the user is looking at, flags the completion as unread.
// open_workspace clears the flag.
func markTurnEnded(tx *snapshot.Tx, ws model.ID) {
	active := tx.ActiveWorkspaceID()
	tx.UpdateWorkspace(ws, func(w *model.Workspace) {
		w.AgentRunStatus = model.AsyncIdle
		if active != ws {
			w.HasUnreadCompletion = true
		}
	})
}

func (e *Engine) handleItemStarted(ws, thread model.ID, id, kind string, payload map[string]any) {
	_, _ = e.store.Mutate(func(tx *snapshot.Tx) error {
		tx.UpdateConversation(ws, thread, func(c *model.Conversation) {
			c.Entries = append(c.Entries, model.ConversationEntry{
				Index: c.EntriesTotal, Kind: model.EntryAgentItem, AgentItemID: id, ItemKind: kind, Payload: payload,
			})
			c.EntriesTotal++
			items := c.InProgressItems
			if len(items) == 1 && items[0] == turnStartingItem {
				items = nil
			}
			c.InProgressItems = append(append([]string{}, items...), id)
		})
		return nil
	})
}

func (e *Engine) handleItemUpdated(ws, thread model.ID, id string, payload map[string]any) {
	_, _ = e.store.Mutate(func(tx *snapshot.Tx) error {
		tx.UpdateConversation(ws, thread, func(c *model.Conversation) {
			for i := range c.Entries {
				// A finalized item cannot re-open; late updates for it are dropped.
				if c.Entries[i].Kind == model.EntryAgentItem && c.Entries[i].AgentItemID == id && !c.Entries[i].Done {
					c.Entries[i].Payload = payload
				}
			}
		})
		return nil
	})
}

func (e *Engine) handleItemCompleted(ws, thread model.ID, id string, finalPayload map[string]any) {
	_, _ = e.store.Mutate(func(tx *snapshot.Tx) error {
		tx.UpdateConversation(ws, thread, func(c *model.Conversation) {
			for i := range c.Entries {
				if c.Entries[i].Kind == model.EntryAgentItem && c.Entries[i].AgentItemID == id {
					c.Entries[i].Payload = finalPayload
					c.Entries[i].Done = true
				}
			}
			remaining := make([]string, 0, len(c.InProgressItems))
			for _, existing := range c.InProgressItems {
				if existing != id {
					remaining = append(remaining, existing)
				}
			}
			// The last item completing doesn't end the turn; re-seed the marker so a
			// still-running conversation never reports an empty in-progress set.
			if len(remaining) == 0 && c.RunStatus == model.RunRunning {
				remaining = []string{turnStartingItem}
			}
			c.InProgressItems = remaining
		})
		return nil
	})
}

func (e *Engine) handleMessageDelta(ws, thread model.ID, text string) {
	_, _ = e.store.Mutate(func(tx *snapshot.Tx) error {
		tx.UpdateConversation(ws, thread, func(c *model.Conversation) {
			if n := len(c.Entries); n > 0 && c.Entries[n-1].Kind == model.EntryAgentItem && !c.Entries[n-1].Done {
				c.Entries[n-1].Text += text
			}
		})
		return nil
	})
}

func (e *Engine) handleTurnUsage(ws, thread model.ID, usage map[string]any) {
	_, _ = e.store.Mutate(func(tx *snapshot.Tx) error {
		tx.UpdateConversation(ws, thread, func(c *model.Conversation) {
			c.Entries = append(c.Entries, model.ConversationEntry{
				Index: c.EntriesTotal, Kind: model.EntryTurnUsage, UsageJSON: usage,
			})
			c.EntriesTotal++
		})
		return nil
	})
}

func (e *Engine) handleTurnDuration(ws, thread model.ID, ms int64) {
	_, _ = e.store.Mutate(func(tx *snapshot.Tx) error {
		tx.UpdateConversation(ws, thread, func(c *model.Conversation) {
			c.Entries = append(c.Entries, model.ConversationEntry{
				Index: c.EntriesTotal, Kind: model.EntryTurnDuration, DurationMS: ms,
			})
			c.EntriesTotal++
		})
		return nil
	})
}

// Entries implements the entry-pagination read path: returns entries with
// Index >= afterIndex, deduplicated and ordered by Index, plus the conversation's
// current total so a caller can detect truncation against EntriesStart.
func (e *Engine) Entries(ws, thread model.ID, afterIndex int64) ([]model.ConversationEntry, int64) {
	snap := e.store.CurrentConversation(ws, thread)
	var out []model.ConversationEntry
	for _, entry := range snap.Conversation.Entries {
		if entry.Index >= afterIndex {
			out = append(out, entry)
		}
	}
	return out, snap.Conversation.EntriesTotal
}

func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339) }
