package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luban-ide/luban-core/internal/model"
	"github.com/luban-ide/luban-core/internal/ports"
	"github.com/luban-ide/luban-core/internal/revclock"
	"github.com/luban-ide/luban-core/internal/snapshot"
)

// fakeRunner is a test-only ports.AgentRunner whose StartTurn behavior is scripted per
// call so tests can drive every turn outcome (complete, error, cancel, never-returns).
type fakeRunner struct {
	mu        sync.Mutex
	startErr  error
	onStart   func(cb ports.AgentRunnerCallbacks)
	cancelErr error
	canceled  []model.ID

	started int
}

func (f *fakeRunner) StartTurn(ctx context.Context, req ports.TurnRequest, cb ports.AgentRunnerCallbacks) error {
	f.mu.Lock()
	f.started++
	onStart := f.onStart
	f.mu.Unlock()
	if onStart != nil {
		onStart(cb)
	}
	return f.startErr
}

func (f *fakeRunner) CancelTurn(ctx context.Context, workspaceID, threadID model.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, threadID)
	return f.cancelErr
}

func (f *fakeRunner) SuggestBranchName(ctx context.Context, systemPrompt, context string) (string, error) {
	return "", nil
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestSendMessage_StartsTurnWhenIdle(t *testing.T) {
	store := snapshot.New(&revclock.Clock{})
	runner := &fakeRunner{onStart: func(cb ports.AgentRunnerCallbacks) { cb.TurnCompleted() }}
	e := New(store, runner)

	err := e.SendMessage(context.Background(), 1, 1, "hello", nil, model.RunConfig{})
	require.NoError(t, err)

	waitUntil(t, time.Second, func() bool {
		return store.CurrentConversation(1, 1).Conversation.RunStatus == model.RunIdle
	})
	snap := store.CurrentConversation(1, 1)
	require.Len(t, snap.Conversation.Entries, 1)
	assert.Equal(t, model.EntryUserMessage, snap.Conversation.Entries[0].Kind)
}

func TestSendMessage_QueuesWhenRunning(t *testing.T) {
	store := snapshot.New(&revclock.Clock{})
	block := make(chan struct{})
	runner := &fakeRunner{onStart: func(cb ports.AgentRunnerCallbacks) { <-block }}
	e := New(store, runner)

	require.NoError(t, e.SendMessage(context.Background(), 1, 1, "first", nil, model.RunConfig{}))
	waitUntil(t, time.Second, func() bool {
		return store.CurrentConversation(1, 1).Conversation.RunStatus == model.RunRunning
	})

	require.NoError(t, e.SendMessage(context.Background(), 1, 1, "second", nil, model.RunConfig{}))

	snap := store.CurrentConversation(1, 1)
	require.Len(t, snap.Conversation.PendingPrompts, 1)
	assert.Equal(t, "second", snap.Conversation.PendingPrompts[0].Text)

	close(block)
}

func TestDrainNext_StartsQueuedPromptAfterTurnCompletes(t *testing.T) {
	store := snapshot.New(&revclock.Clock{})
	block := make(chan struct{})
	runner := &fakeRunner{}
	runner.onStart = func(cb ports.AgentRunnerCallbacks) {
		<-block
		cb.TurnCompleted()
	}
	e := New(store, runner)

	require.NoError(t, e.SendMessage(context.Background(), 1, 1, "first", nil, model.RunConfig{}))
	waitUntil(t, time.Second, func() bool {
		return store.CurrentConversation(1, 1).Conversation.RunStatus == model.RunRunning
	})
	require.NoError(t, e.QueueMessage(context.Background(), 1, 1, "second", nil, model.RunConfig{}))

	close(block)

	waitUntil(t, time.Second, func() bool {
		snap := store.CurrentConversation(1, 1)
		for _, entry := range snap.Conversation.Entries {
			if entry.Kind == model.EntryUserMessage && entry.Text == "second" {
				return true
			}
		}
		return false
	})
}

func TestTurnError_ReturnsToIdleAndDrainsQueue(t *testing.T) {
	store := snapshot.New(&revclock.Clock{})
	runner := &fakeRunner{onStart: func(cb ports.AgentRunnerCallbacks) { cb.TurnError("boom") }}
	e := New(store, runner)

	require.NoError(t, e.SendMessage(context.Background(), 1, 1, "hi", nil, model.RunConfig{}))

	waitUntil(t, time.Second, func() bool {
		return store.CurrentConversation(1, 1).Conversation.RunStatus == model.RunIdle
	})
	snap := store.CurrentConversation(1, 1)
	found := false
	for _, entry := range snap.Conversation.Entries {
		if entry.Kind == model.EntryTurnError {
			found = true
			assert.Equal(t, "boom", entry.ErrorMessage)
		}
	}
	assert.True(t, found)
}

func TestStartTurn_RunnerStartErrorNeverPoisonsConversation(t *testing.T) {
	store := snapshot.New(&revclock.Clock{})
	runner := &fakeRunner{startErr: errors.New("subprocess failed to launch")}
	e := New(store, runner)

	require.NoError(t, e.SendMessage(context.Background(), 1, 1, "hi", nil, model.RunConfig{}))

	waitUntil(t, time.Second, func() bool {
		return store.CurrentConversation(1, 1).Conversation.RunStatus == model.RunIdle
	})

	require.NoError(t, e.SendMessage(context.Background(), 1, 1, "hi again", nil, model.RunConfig{}))
}

func TestCancelTurn_MovesToCancelingThenIdleOnAcknowledge(t *testing.T) {
	store := snapshot.New(&revclock.Clock{})
	block := make(chan struct{})
	runner := &fakeRunner{onStart: func(cb ports.AgentRunnerCallbacks) { <-block }}
	e := New(store, runner)

	require.NoError(t, e.SendMessage(context.Background(), 1, 1, "hi", nil, model.RunConfig{}))
	waitUntil(t, time.Second, func() bool {
		return store.CurrentConversation(1, 1).Conversation.RunStatus == model.RunRunning
	})

	require.NoError(t, e.CancelTurn(context.Background(), 1, 1))
	assert.Equal(t, phaseCanceling, e.phase(snapshot.ConvKey{WorkspaceID: 1, ThreadID: 1}))

	cb := &callbackRouter{engine: e, ws: 1, thread: 1}
	cb.TurnCanceled()
	close(block)

	waitUntil(t, time.Second, func() bool {
		return store.CurrentConversation(1, 1).Conversation.RunStatus == model.RunIdle
	})
}

func TestCancelAndSend_PlacesMessageAtQueueHeadAndStartsItAfterCancel(t *testing.T) {
	store := snapshot.New(&revclock.Clock{})
	block := make(chan struct{})
	runner := &fakeRunner{}
	runner.onStart = func(cb ports.AgentRunnerCallbacks) {
		runner.mu.Lock()
		n := runner.started
		runner.mu.Unlock()
		if n == 1 {
			<-block
			return
		}
		cb.TurnCompleted()
	}
	e := New(store, runner)

	require.NoError(t, e.SendMessage(context.Background(), 1, 1, "x", nil, model.RunConfig{}))
	waitUntil(t, time.Second, func() bool {
		return store.CurrentConversation(1, 1).Conversation.RunStatus == model.RunRunning
	})
	require.NoError(t, e.QueueMessage(context.Background(), 1, 1, "later", nil, model.RunConfig{}))

	require.NoError(t, e.CancelAndSend(context.Background(), 1, 1, "z", nil, model.RunConfig{}))
	snap := store.CurrentConversation(1, 1)
	require.NotEmpty(t, snap.Conversation.PendingPrompts)
	assert.Equal(t, "z", snap.Conversation.PendingPrompts[0].Text, "cancel_and_send must queue at the head")

	// Runner acknowledges the cancel; the engine records it and starts "z" as the next
	// turn, ahead of the previously queued "later".
	cb := &callbackRouter{engine: e, ws: 1, thread: 1}
	cb.TurnCanceled()
	close(block)

	waitUntil(t, time.Second, func() bool {
		entries := store.CurrentConversation(1, 1).Conversation.Entries
		sawCanceled, sawZ := false, false
		for _, entry := range entries {
			if entry.Kind == model.EntryTurnCanceled {
				sawCanceled = true
			}
			if entry.Kind == model.EntryUserMessage && entry.Text == "z" && sawCanceled {
				sawZ = true
			}
		}
		return sawZ
	})
}

func TestRunningConversation_NeverHasEmptyInProgressItems(t *testing.T) {
	store := snapshot.New(&revclock.Clock{})
	block := make(chan struct{})
	runner := &fakeRunner{onStart: func(cb ports.AgentRunnerCallbacks) { <-block }}
	e := New(store, runner)

	require.NoError(t, e.SendMessage(context.Background(), 1, 1, "go", nil, model.RunConfig{}))
	waitUntil(t, time.Second, func() bool {
		return store.CurrentConversation(1, 1).Conversation.RunStatus == model.RunRunning
	})

	// The window between the running commit and the first item callback.
	snap := store.CurrentConversation(1, 1)
	assert.NotEmpty(t, snap.Conversation.InProgressItems)

	cb := &callbackRouter{engine: e, ws: 1, thread: 1}
	cb.ItemStarted("i1", "text", nil)
	snap = store.CurrentConversation(1, 1)
	assert.Equal(t, []string{"i1"}, snap.Conversation.InProgressItems)

	// The window between the last item completing and the turn ending.
	cb.ItemCompleted("i1", nil)
	snap = store.CurrentConversation(1, 1)
	assert.Equal(t, model.RunRunning, snap.Conversation.RunStatus)
	assert.NotEmpty(t, snap.Conversation.InProgressItems)

	cb.TurnCompleted()
	close(block)
	waitUntil(t, time.Second, func() bool {
		return store.CurrentConversation(1, 1).Conversation.RunStatus == model.RunIdle
	})
	assert.Empty(t, store.CurrentConversation(1, 1).Conversation.InProgressItems)
}

func TestItemLifecycle_StartUpdateCompleteTracksInProgressItems(t *testing.T) {
	store := snapshot.New(&revclock.Clock{})
	runner := &fakeRunner{onStart: func(cb ports.AgentRunnerCallbacks) {
		cb.ItemStarted("item-1", "shell_command", map[string]any{"cmd": "ls"})
		cb.ItemUpdated("item-1", map[string]any{"cmd": "ls", "output": "a.go"})
		cb.ItemCompleted("item-1", map[string]any{"cmd": "ls", "output": "a.go", "exit": 0})
		cb.TurnCompleted()
	}}
	e := New(store, runner)

	require.NoError(t, e.SendMessage(context.Background(), 1, 1, "list files", nil, model.RunConfig{}))

	waitUntil(t, time.Second, func() bool {
		return store.CurrentConversation(1, 1).Conversation.RunStatus == model.RunIdle
	})
	snap := store.CurrentConversation(1, 1)
	assert.Empty(t, snap.Conversation.InProgressItems)
	var item *model.ConversationEntry
	for i := range snap.Conversation.Entries {
		if snap.Conversation.Entries[i].AgentItemID == "item-1" {
			item = &snap.Conversation.Entries[i]
		}
	}
	require.NotNil(t, item)
	assert.True(t, item.Done)
}

func TestRemoveQueuedPrompt_RemovesOnlyMatchingID(t *testing.T) {
	store := snapshot.New(&revclock.Clock{})
	block := make(chan struct{})
	runner := &fakeRunner{onStart: func(cb ports.AgentRunnerCallbacks) { <-block }}
	e := New(store, runner)

	require.NoError(t, e.SendMessage(context.Background(), 1, 1, "first", nil, model.RunConfig{}))
	waitUntil(t, time.Second, func() bool {
		return store.CurrentConversation(1, 1).Conversation.RunStatus == model.RunRunning
	})
	require.NoError(t, e.QueueMessage(context.Background(), 1, 1, "second", nil, model.RunConfig{}))
	require.NoError(t, e.QueueMessage(context.Background(), 1, 1, "third", nil, model.RunConfig{}))

	snap := store.CurrentConversation(1, 1)
	require.Len(t, snap.Conversation.PendingPrompts, 2)
	removeID := snap.Conversation.PendingPrompts[0].ID

	require.NoError(t, e.RemoveQueuedPrompt(1, 1, removeID))
	snap = store.CurrentConversation(1, 1)
	require.Len(t, snap.Conversation.PendingPrompts, 1)
	assert.Equal(t, "third", snap.Conversation.PendingPrompts[0].Text)

	close(block)
}

func TestReorderQueuedPrompt_PreservesFIFOOfUnmovedItems(t *testing.T) {
	store := snapshot.New(&revclock.Clock{})
	block := make(chan struct{})
	runner := &fakeRunner{onStart: func(cb ports.AgentRunnerCallbacks) { <-block }}
	e := New(store, runner)

	require.NoError(t, e.SendMessage(context.Background(), 1, 1, "first", nil, model.RunConfig{}))
	waitUntil(t, time.Second, func() bool {
		return store.CurrentConversation(1, 1).Conversation.RunStatus == model.RunRunning
	})
	require.NoError(t, e.QueueMessage(context.Background(), 1, 1, "a", nil, model.RunConfig{}))
	require.NoError(t, e.QueueMessage(context.Background(), 1, 1, "b", nil, model.RunConfig{}))
	require.NoError(t, e.QueueMessage(context.Background(), 1, 1, "c", nil, model.RunConfig{}))

	require.NoError(t, e.ReorderQueuedPrompt(1, 1, 2, 0))

	snap := store.CurrentConversation(1, 1)
	require.Len(t, snap.Conversation.PendingPrompts, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{
		snap.Conversation.PendingPrompts[0].Text,
		snap.Conversation.PendingPrompts[1].Text,
		snap.Conversation.PendingPrompts[2].Text,
	})

	close(block)
}

func TestUpdateQueuedPrompt_ReplacesTextInPlace(t *testing.T) {
	store := snapshot.New(&revclock.Clock{})
	block := make(chan struct{})
	runner := &fakeRunner{onStart: func(cb ports.AgentRunnerCallbacks) { <-block }}
	e := New(store, runner)

	require.NoError(t, e.SendMessage(context.Background(), 1, 1, "first", nil, model.RunConfig{}))
	waitUntil(t, time.Second, func() bool {
		return store.CurrentConversation(1, 1).Conversation.RunStatus == model.RunRunning
	})
	require.NoError(t, e.QueueMessage(context.Background(), 1, 1, "original", nil, model.RunConfig{}))

	id := store.CurrentConversation(1, 1).Conversation.PendingPrompts[0].ID
	require.NoError(t, e.UpdateQueuedPrompt(1, 1, id, "edited", nil, model.RunConfig{}))

	snap := store.CurrentConversation(1, 1)
	assert.Equal(t, "edited", snap.Conversation.PendingPrompts[0].Text)

	close(block)
}

func TestEntries_ReturnsOnlyEntriesFromRequestedIndex(t *testing.T) {
	store := snapshot.New(&revclock.Clock{})
	runner := &fakeRunner{onStart: func(cb ports.AgentRunnerCallbacks) {
		cb.ItemStarted("i1", "text", nil)
		cb.ItemCompleted("i1", nil)
		cb.TurnCompleted()
	}}
	e := New(store, runner)

	require.NoError(t, e.SendMessage(context.Background(), 1, 1, "hello", nil, model.RunConfig{}))
	waitUntil(t, time.Second, func() bool {
		return store.CurrentConversation(1, 1).Conversation.RunStatus == model.RunIdle
	})

	all, total := e.Entries(1, 1, 0)
	require.Len(t, all, 2)
	assert.Equal(t, int64(2), total)

	tail, _ := e.Entries(1, 1, 1)
	require.Len(t, tail, 1)
	assert.Equal(t, int64(1), tail[0].Index)
}

func TestItemUpdated_AfterCompletionIsIgnored(t *testing.T) {
	store := snapshot.New(&revclock.Clock{})
	runner := &fakeRunner{onStart: func(cb ports.AgentRunnerCallbacks) {
		cb.ItemStarted("item-1", "text", map[string]any{"v": 1})
		cb.ItemCompleted("item-1", map[string]any{"v": 2})
		cb.ItemUpdated("item-1", map[string]any{"v": 3})
		cb.TurnCompleted()
	}}
	e := New(store, runner)

	require.NoError(t, e.SendMessage(context.Background(), 1, 1, "go", nil, model.RunConfig{}))
	waitUntil(t, time.Second, func() bool {
		return store.CurrentConversation(1, 1).Conversation.RunStatus == model.RunIdle
	})

	snap := store.CurrentConversation(1, 1)
	for _, entry := range snap.Conversation.Entries {
		if entry.AgentItemID == "item-1" {
			require.True(t, entry.Done)
			assert.Equal(t, map[string]any{"v": 2}, entry.Payload, "finalized payload must not be overwritten by a late update")
		}
	}
}

func TestTurnEnd_MarksUnreadCompletionWhenWorkspaceNotActive(t *testing.T) {
	store := snapshot.New(&revclock.Clock{})
	_, err := store.Mutate(func(tx *snapshot.Tx) error {
		tx.AddWorkspace(model.Workspace{ID: 1, ProjectID: 1, WorkspaceName: "feature-a", WorktreePath: "/tmp/a", Status: model.WorkspaceActive})
		tx.AddWorkspace(model.Workspace{ID: 2, ProjectID: 1, WorkspaceName: "feature-b", WorktreePath: "/tmp/b", Status: model.WorkspaceActive})
		tx.SetActiveWorkspaceID(2)
		return nil
	})
	require.NoError(t, err)

	runner := &fakeRunner{onStart: func(cb ports.AgentRunnerCallbacks) { cb.TurnCompleted() }}
	e := New(store, runner)
	require.NoError(t, e.SendMessage(context.Background(), 1, 1, "hi", nil, model.RunConfig{}))

	waitUntil(t, time.Second, func() bool {
		for _, w := range store.CurrentApp().Workspaces {
			if w.ID == 1 {
				return w.HasUnreadCompletion && w.AgentRunStatus == model.AsyncIdle
			}
		}
		return false
	})
}

func TestTurnEnd_NoUnreadFlagOnActiveWorkspace(t *testing.T) {
	store := snapshot.New(&revclock.Clock{})
	_, err := store.Mutate(func(tx *snapshot.Tx) error {
		tx.AddWorkspace(model.Workspace{ID: 1, ProjectID: 1, WorkspaceName: "feature-a", WorktreePath: "/tmp/a", Status: model.WorkspaceActive})
		tx.SetActiveWorkspaceID(1)
		return nil
	})
	require.NoError(t, err)

	runner := &fakeRunner{onStart: func(cb ports.AgentRunnerCallbacks) { cb.TurnCompleted() }}
	e := New(store, runner)
	require.NoError(t, e.SendMessage(context.Background(), 1, 1, "hi", nil, model.RunConfig{}))

	waitUntil(t, time.Second, func() bool {
		return store.CurrentConversation(1, 1).Conversation.RunStatus == model.RunIdle
	})
	for _, w := range store.CurrentApp().Workspaces {
		if w.ID == 1 {
			assert.False(t, w.HasUnreadCompletion)
		}
	}
}
