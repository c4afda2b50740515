package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luban-ide/luban-core/internal/model"
	"github.com/luban-ide/luban-core/internal/revclock"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(&revclock.Clock{})
}

func TestMutate_CommitsExactlyOneNotificationPerTouchedProjection(t *testing.T) {
	s := newTestStore(t)
	ch, unsub := s.Subscribe(8)
	defer unsub()

	var projectID model.ID
	rev, err := s.Mutate(func(tx *Tx) error {
		projectID = tx.NextProjectID()
		tx.AddProject(model.Project{ID: projectID, Name: "demo", AbsolutePath: "/tmp/demo", IsGit: true})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rev)

	select {
	case n := <-ch:
		assert.Equal(t, ProjectionApp, n.Kind)
		assert.Equal(t, rev, n.Rev)
		assert.Len(t, n.App.Projects, 1)
	default:
		t.Fatal("expected exactly one notification")
	}
	select {
	case <-ch:
		t.Fatal("expected no second notification for a single-projection mutation")
	default:
	}
}

func TestMutate_RejectsAndPublishesNothingOnInvariantViolation(t *testing.T) {
	s := newTestStore(t)
	ch, unsub := s.Subscribe(8)
	defer unsub()

	project := model.ID(1)
	_, err := s.Mutate(func(tx *Tx) error {
		tx.AddProject(model.Project{ID: project, IsGit: true})
		w1 := tx.NextWorkspaceID()
		tx.AddWorkspace(model.Workspace{ID: w1, ProjectID: project, WorkspaceName: "main", WorktreePath: "/repo", Status: model.WorkspaceActive})
		return nil
	})
	require.NoError(t, err)
	<-ch // drain the app_changed from the first mutation

	revBefore := s.clock.Current()
	_, err = s.Mutate(func(tx *Tx) error {
		w2 := tx.NextWorkspaceID()
		tx.AddWorkspace(model.Workspace{ID: w2, ProjectID: project, WorkspaceName: "main", WorktreePath: "/repo", Status: model.WorkspaceActive})
		return nil
	})
	require.Error(t, err, "a second active main workspace must be rejected")
	assert.Equal(t, revBefore, s.clock.Current(), "a rejected mutation must not consume a revision")

	select {
	case <-ch:
		t.Fatal("a rejected mutation must publish no notification")
	default:
	}
}

func TestMutate_MonotonicAcrossCommits(t *testing.T) {
	s := newTestStore(t)
	var last int64
	for i := 0; i < 5; i++ {
		rev, err := s.Mutate(func(tx *Tx) error {
			tx.UpdateSettings(func(st *model.Settings) { st.Appearance.Theme = "dark" })
			return nil
		})
		require.NoError(t, err)
		assert.Greater(t, rev, last)
		last = rev
	}
}

func TestConversationInvariant_EntriesWindowMustFitTotal(t *testing.T) {
	s := newTestStore(t)
	ws, thread := model.ID(1), model.ID(1)
	_, err := s.Mutate(func(tx *Tx) error {
		tx.UpdateConversation(ws, thread, func(c *model.Conversation) {
			c.EntriesStart = 5
			c.Entries = make([]model.ConversationEntry, 3)
			c.EntriesTotal = 6 // 5+3=8 > 6, invalid
		})
		return nil
	})
	require.Error(t, err)
}

func TestConversationInvariant_RunningRequiresInProgressItems(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Mutate(func(tx *Tx) error {
		tx.UpdateConversation(1, 1, func(c *model.Conversation) {
			c.RunStatus = model.RunRunning
		})
		return nil
	})
	require.Error(t, err, "a running conversation with no in-progress items must be rejected")
}

func TestThreadsInvariant_ActiveTabMustBeOpenOrSentinel(t *testing.T) {
	s := newTestStore(t)
	ws := model.ID(1)
	_, err := s.Mutate(func(tx *Tx) error {
		tx.UpdateTabs(ws, func(tabs *model.WorkspaceTabs) {
			tabs.ActiveTab = model.ID(99) // no such open thread
		})
		return nil
	})
	require.Error(t, err)
}

func TestAddThread_OpensAndActivatesTab(t *testing.T) {
	s := newTestStore(t)
	ws := model.ID(7)
	var threadID model.ID
	rev, err := s.Mutate(func(tx *Tx) error {
		threadID = tx.AddThread(ws, "first task", "2026-07-31T00:00:00Z")
		return nil
	})
	require.NoError(t, err)

	snap := s.CurrentThreads(ws)
	assert.Equal(t, rev, snap.Rev)
	assert.Equal(t, threadID, snap.Tabs.ActiveTab)
	assert.Contains(t, snap.Tabs.OpenTabs, threadID)
	require.Len(t, snap.Threads, 1)
	assert.Equal(t, "first task", snap.Threads[0].Title)
}

func TestContextItems_AddRemoveRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ws := model.ID(3)

	var first, second model.ID
	_, err := s.Mutate(func(tx *Tx) error {
		first = tx.AddContextItem(ws, model.ContextItem{ID: tx.NextContextID(), Kind: "attachment", Name: "screenshot.png"})
		second = tx.AddContextItem(ws, model.ContextItem{ID: tx.NextContextID(), Kind: "file", Name: "main.go", Path: "cmd/main.go"})
		return nil
	})
	require.NoError(t, err)

	snap := s.CurrentContext(ws)
	require.Len(t, snap.Items, 2)
	assert.Equal(t, first, snap.Items[0].ID)

	_, err = s.Mutate(func(tx *Tx) error {
		require.True(t, tx.RemoveContextItem(ws, first))
		require.False(t, tx.RemoveContextItem(ws, model.ID(999)))
		return nil
	})
	require.NoError(t, err)

	snap = s.CurrentContext(ws)
	require.Len(t, snap.Items, 1)
	assert.Equal(t, second, snap.Items[0].ID)
}

func TestSnapshots_AreImmuneToLaterInPlaceMutations(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Mutate(func(tx *Tx) error {
		tx.UpdateConversation(1, 1, func(c *model.Conversation) {
			c.Entries = append(c.Entries, model.ConversationEntry{
				Index: 0, Kind: model.EntryAgentItem, AgentItemID: "i1", Payload: map[string]any{"v": 1},
			})
			c.EntriesTotal = 1
			c.PendingPrompts = []model.QueuedPrompt{{ID: 1, Text: "original"}}
		})
		return nil
	})
	require.NoError(t, err)

	before := s.CurrentConversation(1, 1)

	_, err = s.Mutate(func(tx *Tx) error {
		tx.UpdateConversation(1, 1, func(c *model.Conversation) {
			c.Entries[0].Payload = map[string]any{"v": 2}
			c.Entries[0].Done = true
			c.PendingPrompts[0].Text = "edited"
		})
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"v": 1}, before.Conversation.Entries[0].Payload,
		"a delivered snapshot must not change when the live entry is updated in place")
	assert.False(t, before.Conversation.Entries[0].Done)
	assert.Equal(t, "original", before.Conversation.PendingPrompts[0].Text)
}

func TestAppSnapshot_OrdersProjectsAndWorkspacesByID(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Mutate(func(tx *Tx) error {
		tx.AddProject(model.Project{ID: 3, Name: "c"})
		tx.AddProject(model.Project{ID: 1, Name: "a"})
		tx.AddProject(model.Project{ID: 2, Name: "b"})
		tx.AddWorkspace(model.Workspace{ID: 6, ProjectID: 1})
		tx.AddWorkspace(model.Workspace{ID: 4, ProjectID: 1})
		tx.AddWorkspace(model.Workspace{ID: 5, ProjectID: 2})
		return nil
	})
	require.NoError(t, err)

	app := s.CurrentApp()
	require.Len(t, app.Projects, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{app.Projects[0].Name, app.Projects[1].Name, app.Projects[2].Name})
	require.Len(t, app.Workspaces, 3)
	assert.Equal(t, []model.ID{4, 5, 6}, []model.ID{app.Workspaces[0].ID, app.Workspaces[1].ID, app.Workspaces[2].ID})
}

func TestSubscribe_CoalescesUnderSlowConsumer(t *testing.T) {
	s := newTestStore(t)
	ch, unsub := s.Subscribe(2) // small buffer forces coalescing
	defer unsub()

	var lastRev int64
	for i := 0; i < 10; i++ {
		rev, err := s.Mutate(func(tx *Tx) error {
			tx.UpdateSettings(func(st *model.Settings) { st.Appearance.GlobalZoom = float64(i) })
			return nil
		})
		require.NoError(t, err)
		lastRev = rev
	}

	// Drain whatever made it through; revisions observed must be strictly increasing
	// and the store's current value must always equal the last committed revision,
	// even when intermediate notifications were coalesced away.
	var prev int64
	for {
		select {
		case n := <-ch:
			assert.Greater(t, n.Rev, prev)
			prev = n.Rev
			continue
		default:
		}
		break
	}
	assert.Equal(t, lastRev, s.clock.Current())
}
