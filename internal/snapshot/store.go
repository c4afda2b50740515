// Package snapshot implements the Coordination Core's Snapshot Store: the sole owner of
// every entity in the data model, publishing one stamped, immutable snapshot per
// projection per committed mutation.
package snapshot

import (
	"fmt"
	"sort"
	"sync"

	"github.com/luban-ide/luban-core/internal/coreerr"
	"github.com/luban-ide/luban-core/internal/model"
	"github.com/luban-ide/luban-core/internal/revclock"
)

// ProjectionKind identifies one of the three projections the Transport Hub fans out.
type ProjectionKind string

const (
	ProjectionApp          ProjectionKind = "app"
	ProjectionThreads      ProjectionKind = "threads"
	ProjectionConversation ProjectionKind = "conversation"
)

// ConvKey identifies one Conversation projection.
type ConvKey struct {
	WorkspaceID model.ID
	ThreadID    model.ID
}

// AppSnapshot is the global projection: projects + workspaces + settings + UI prefs.
type AppSnapshot struct {
	Rev               int64            `json:"rev"`
	Projects          []model.Project  `json:"projects"`
	Workspaces        []model.Workspace `json:"workspaces"`
	Settings          model.Settings   `json:"settings"`
	ActiveWorkspaceID model.ID         `json:"activeWorkspaceId,omitempty"`
}

// ThreadsSnapshot is the per-workspace projection: tabs + thread metas.
type ThreadsSnapshot struct {
	Rev         int64              `json:"rev"`
	WorkspaceID model.ID           `json:"workspaceId"`
	Tabs        model.WorkspaceTabs `json:"tabs"`
	Threads     []model.Thread     `json:"threads"`
}

// ConversationSnapshot is the per-thread projection.
type ConversationSnapshot struct {
	Rev          int64              `json:"rev"`
	Conversation model.Conversation `json:"conversation"`
}

// ContextSnapshot is the per-workspace pinned-context state, served point-in-time over
// the HTTP mirror only; it is not one of the three broadcast projections.
type ContextSnapshot struct {
	Rev         int64               `json:"rev"`
	WorkspaceID model.ID            `json:"workspaceId"`
	Items       []model.ContextItem `json:"items"`
}

// Notification is published exactly once per affected projection per committed mutation.
type Notification struct {
	Kind ProjectionKind
	Rev  int64

	App     *AppSnapshot
	Threads *ThreadsSnapshot
	Conv    *ConversationSnapshot
}

// Key returns a string uniquely identifying the projection this notification targets,
// used by the Transport Hub to decide interest and to coalesce.
func (n Notification) Key() string {
	switch n.Kind {
	case ProjectionApp:
		return "app"
	case ProjectionThreads:
		return fmt.Sprintf("threads:%d", n.Threads.WorkspaceID)
	case ProjectionConversation:
		return fmt.Sprintf("conversation:%d:%d", n.Conv.Conversation.WorkspaceID, n.Conv.Conversation.ThreadID)
	default:
		return "unknown"
	}
}

type threadsState struct {
	tabs         model.WorkspaceTabs
	threads      map[model.ID]*model.Thread
	nextThreadID model.ID
}

type idCounters struct {
	project    int64
	workspace  int64
	attachment int64
	queued     int64
	contextual int64
}

// Store is the Coordination Core's sole owner of app/workspace/thread/conversation state.
type Store struct {
	mu    sync.RWMutex
	clock *revclock.Clock

	ids idCounters

	projects          map[model.ID]*model.Project
	workspaces        map[model.ID]*model.Workspace
	threads           map[model.ID]*threadsState // keyed by workspace id
	conversations     map[ConvKey]*model.Conversation
	contexts          map[model.ID][]model.ContextItem // keyed by workspace id
	settings          model.Settings
	activeWorkspaceID model.ID

	subMu     sync.Mutex
	subs      map[int]chan Notification
	nextSubID int
}

// New creates an empty Store driven by the given Revision Clock.
func New(clock *revclock.Clock) *Store {
	return &Store{
		clock:         clock,
		projects:      make(map[model.ID]*model.Project),
		workspaces:    make(map[model.ID]*model.Workspace),
		threads:       make(map[model.ID]*threadsState),
		conversations: make(map[ConvKey]*model.Conversation),
		contexts:      make(map[model.ID][]model.ContextItem),
		subs:          make(map[int]chan Notification),
	}
}

// Subscribe registers a notification sink. The returned channel is buffered; callers
// (the Transport Hub) are responsible for draining it promptly.
func (s *Store) Subscribe(buffer int) (<-chan Notification, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Notification, buffer)
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = ch
	s.subMu.Unlock()

	unsub := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
	return ch, unsub
}

func (s *Store) publish(n Notification) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- n:
		default:
			// Drop the oldest queued notification and retry once, so one slow
			// subscriber can never block a commit or starve everyone else.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- n:
			default:
			}
		}
	}
}

// Tx is the mutation scope passed to a Dispatcher handler. Every write to the store
// happens through a Tx method; nothing outside Mutate may touch store state directly.
// Tx tracks which projections it touched so Mutate knows what to stamp and publish.
type Tx struct {
	s *Store

	touchedApp     bool
	touchedThreads map[model.ID]bool
	touchedConv    map[ConvKey]bool
}

func newTx(s *Store) *Tx {
	return &Tx{s: s, touchedThreads: map[model.ID]bool{}, touchedConv: map[ConvKey]bool{}}
}

func (tx *Tx) touchApp()                      { tx.touchedApp = true }
func (tx *Tx) touchThreads(ws model.ID)        { tx.touchedThreads[ws] = true }
func (tx *Tx) touchConv(k ConvKey)             { tx.touchedConv[k] = true }

// NextProjectID, NextWorkspaceID, NextAttachmentID, NextQueuedID mint process-stable
// opaque ids from per-kind monotonic counters.
func (tx *Tx) NextProjectID() model.ID    { tx.s.ids.project++; return model.ID(tx.s.ids.project) }
func (tx *Tx) NextWorkspaceID() model.ID  { tx.s.ids.workspace++; return model.ID(tx.s.ids.workspace) }
func (tx *Tx) NextAttachmentID() model.ID { tx.s.ids.attachment++; return model.ID(tx.s.ids.attachment) }
func (tx *Tx) NextQueuedID() model.ID     { tx.s.ids.queued++; return model.ID(tx.s.ids.queued) }
func (tx *Tx) NextContextID() model.ID    { tx.s.ids.contextual++; return model.ID(tx.s.ids.contextual) }

// AddProject registers a new project and marks the App projection touched.
func (tx *Tx) AddProject(p model.Project) model.ID {
	tx.s.projects[p.ID] = &p
	tx.touchApp()
	return p.ID
}

// GetProject returns a copy of the project, or false if unknown.
func (tx *Tx) GetProject(id model.ID) (model.Project, bool) {
	p, ok := tx.s.projects[id]
	if !ok {
		return model.Project{}, false
	}
	return *p, true
}

// UpdateProject applies fn to the stored project in place.
func (tx *Tx) UpdateProject(id model.ID, fn func(*model.Project)) bool {
	p, ok := tx.s.projects[id]
	if !ok {
		return false
	}
	fn(p)
	tx.touchApp()
	return true
}

// DeleteProject removes a project (its workspaces must already be archived by the caller).
func (tx *Tx) DeleteProject(id model.ID) {
	delete(tx.s.projects, id)
	tx.touchApp()
}

// AllProjects returns copies of every project.
func (tx *Tx) AllProjects() []model.Project {
	out := make([]model.Project, 0, len(tx.s.projects))
	for _, p := range tx.s.projects {
		out = append(out, *p)
	}
	return out
}

// AddWorkspace registers a new workspace and touches the App projection.
func (tx *Tx) AddWorkspace(w model.Workspace) model.ID {
	tx.s.workspaces[w.ID] = &w
	tx.touchApp()
	return w.ID
}

// GetWorkspace returns a copy of the workspace, or false if unknown.
func (tx *Tx) GetWorkspace(id model.ID) (model.Workspace, bool) {
	w, ok := tx.s.workspaces[id]
	if !ok {
		return model.Workspace{}, false
	}
	return *w, true
}

// UpdateWorkspace applies fn to the stored workspace in place.
func (tx *Tx) UpdateWorkspace(id model.ID, fn func(*model.Workspace)) bool {
	w, ok := tx.s.workspaces[id]
	if !ok {
		return false
	}
	fn(w)
	tx.touchApp()
	return true
}

// WorkspacesByProject returns copies of all workspaces owned by project.
func (tx *Tx) WorkspacesByProject(project model.ID) []model.Workspace {
	var out []model.Workspace
	for _, w := range tx.s.workspaces {
		if w.ProjectID == project {
			out = append(out, *w)
		}
	}
	return out
}

// Settings returns a copy of the current process-wide settings.
func (tx *Tx) Settings() model.Settings { return tx.s.settings }

// UpdateSettings applies fn to the settings and touches the App projection.
func (tx *Tx) UpdateSettings(fn func(*model.Settings)) {
	fn(&tx.s.settings)
	tx.touchApp()
}

// ActiveWorkspaceID returns the currently active workspace id, if any.
func (tx *Tx) ActiveWorkspaceID() model.ID { return tx.s.activeWorkspaceID }

// SetActiveWorkspaceID records the active workspace and touches the App projection.
func (tx *Tx) SetActiveWorkspaceID(id model.ID) {
	tx.s.activeWorkspaceID = id
	tx.touchApp()
}

func (tx *Tx) ensureThreadsState(ws model.ID) *threadsState {
	st, ok := tx.s.threads[ws]
	if !ok {
		st = &threadsState{
			tabs:    model.WorkspaceTabs{ActiveTab: model.NoActiveTab},
			threads: make(map[model.ID]*model.Thread),
		}
		tx.s.threads[ws] = st
	}
	return st
}

// AddThread creates a new thread scoped to workspace ws, opens it as a tab, and makes
// it the active tab.
func (tx *Tx) AddThread(ws model.ID, title string, updatedAt string) model.ID {
	st := tx.ensureThreadsState(ws)
	st.nextThreadID++
	id := st.nextThreadID
	st.threads[id] = &model.Thread{ThreadID: id, Title: title, UpdatedAt: updatedAt}
	st.tabs.OpenTabs = append(st.tabs.OpenTabs, id)
	st.tabs.ActiveTab = id
	tx.touchThreads(ws)
	return id
}

// GetThread returns a copy of thread `id` scoped to workspace ws.
func (tx *Tx) GetThread(ws, id model.ID) (model.Thread, bool) {
	st, ok := tx.s.threads[ws]
	if !ok {
		return model.Thread{}, false
	}
	t, ok := st.threads[id]
	if !ok {
		return model.Thread{}, false
	}
	return *t, true
}

// UpdateThread applies fn to thread `id` in workspace ws.
func (tx *Tx) UpdateThread(ws, id model.ID, fn func(*model.Thread)) bool {
	st, ok := tx.s.threads[ws]
	if !ok {
		return false
	}
	t, ok := st.threads[id]
	if !ok {
		return false
	}
	fn(t)
	tx.touchThreads(ws)
	return true
}

// Tabs returns a copy of the WorkspaceTabs for ws.
func (tx *Tx) Tabs(ws model.ID) model.WorkspaceTabs {
	st := tx.ensureThreadsState(ws)
	return st.tabs
}

// UpdateTabs applies fn to the WorkspaceTabs for ws and touches the Threads projection.
func (tx *Tx) UpdateTabs(ws model.ID, fn func(*model.WorkspaceTabs)) {
	st := tx.ensureThreadsState(ws)
	fn(&st.tabs)
	tx.touchThreads(ws)
}

// ThreadsOf returns copies of every thread in workspace ws.
func (tx *Tx) ThreadsOf(ws model.ID) []model.Thread {
	st, ok := tx.s.threads[ws]
	if !ok {
		return nil
	}
	out := make([]model.Thread, 0, len(st.threads))
	for _, t := range st.threads {
		out = append(out, *t)
	}
	return out
}

// AddContextItem pins item onto workspace ws's context.
func (tx *Tx) AddContextItem(ws model.ID, item model.ContextItem) model.ID {
	tx.s.contexts[ws] = append(tx.s.contexts[ws], item)
	return item.ID
}

// RemoveContextItem unpins context item `id` from workspace ws, reporting whether it
// existed.
func (tx *Tx) RemoveContextItem(ws, id model.ID) bool {
	items := tx.s.contexts[ws]
	for i, item := range items {
		if item.ID == id {
			tx.s.contexts[ws] = append(append([]model.ContextItem{}, items[:i]...), items[i+1:]...)
			return true
		}
	}
	return false
}

// GetConversation returns a copy of the conversation for (ws, thread), or false.
func (tx *Tx) GetConversation(ws, thread model.ID) (model.Conversation, bool) {
	c, ok := tx.s.conversations[ConvKey{ws, thread}]
	if !ok {
		return model.Conversation{}, false
	}
	return *c, true
}

// EnsureConversation returns the conversation for (ws, thread), creating an Idle one
// with the given defaults if it doesn't exist yet.
func (tx *Tx) EnsureConversation(ws, thread model.ID, defaults model.RunConfig) model.Conversation {
	k := ConvKey{ws, thread}
	c, ok := tx.s.conversations[k]
	if !ok {
		c = &model.Conversation{
			WorkspaceID:    ws,
			ThreadID:       thread,
			AgentModelID:   defaults.ModelID,
			ThinkingEffort: defaults.ThinkingEffort,
			RunStatus:      model.RunIdle,
		}
		tx.s.conversations[k] = c
	}
	return *c
}

// UpdateConversation applies fn to the conversation for (ws, thread) and touches it.
func (tx *Tx) UpdateConversation(ws, thread model.ID, fn func(*model.Conversation)) {
	k := ConvKey{ws, thread}
	c, ok := tx.s.conversations[k]
	if !ok {
		init := tx.EnsureConversation(ws, thread, model.RunConfig{})
		c = &init
		tx.s.conversations[k] = c
	}
	fn(c)
	tx.touchConv(k)
}

// validate enforces the data-model invariants relevant to touched projections. A
// violation aborts the whole transaction: no revision is consumed and no notification
// is published.
func (tx *Tx) validate() error {
	if tx.touchedApp {
		mainCount := map[model.ID]int{}
		for _, w := range tx.s.workspaces {
			if w.Status == model.WorkspaceActive && w.IsMain() {
				mainCount[w.ProjectID]++
			}
		}
		for pid, n := range mainCount {
			if n > 1 {
				return coreerr.Precond("project %d has %d active main workspaces, want at most 1", pid, n)
			}
		}
	}
	for ws := range tx.touchedThreads {
		st := tx.s.threads[ws]
		if st == nil {
			continue
		}
		if st.tabs.ActiveTab != model.NoActiveTab {
			found := false
			for _, id := range st.tabs.OpenTabs {
				if id == st.tabs.ActiveTab {
					found = true
					break
				}
			}
			if !found {
				return coreerr.Precond("workspace %d active_tab %d not in open_tabs", ws, st.tabs.ActiveTab)
			}
		}
		for _, id := range st.tabs.OpenTabs {
			if _, ok := st.threads[id]; !ok {
				return coreerr.Precond("workspace %d open_tabs references unknown thread %d", ws, id)
			}
		}
		for _, id := range st.tabs.ArchivedTabs {
			if _, ok := st.threads[id]; !ok {
				return coreerr.Precond("workspace %d archived_tabs references unknown thread %d", ws, id)
			}
		}
	}
	for k := range tx.touchedConv {
		c := tx.s.conversations[k]
		if c == nil {
			continue
		}
		if c.EntriesStart+int64(len(c.Entries)) > c.EntriesTotal {
			return coreerr.Precond("conversation (%d,%d) entries_start+len(entries) exceeds entries_total", k.WorkspaceID, k.ThreadID)
		}
		if c.RunStatus == model.RunRunning && len(c.InProgressItems) == 0 {
			return coreerr.Precond("conversation (%d,%d) is running with no in-progress items", k.WorkspaceID, k.ThreadID)
		}
	}
	return nil
}

// Mutate runs fn inside a single transaction. On success it validates touched
// invariants, acquires exactly one new revision, publishes one notification per
// touched projection stamped with that revision, and returns the revision. On error
// (from fn or from invariant validation) nothing is committed: no revision is consumed
// and no notification is published. Mutations are all-or-nothing.
func (s *Store) Mutate(fn func(tx *Tx) error) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := newTx(s)
	if err := fn(tx); err != nil {
		return 0, err
	}
	if err := tx.validate(); err != nil {
		return 0, err
	}

	rev := s.clock.Next()

	if tx.touchedApp {
		snap := s.buildAppSnapshot(rev)
		s.publish(Notification{Kind: ProjectionApp, Rev: rev, App: &snap})
	}
	for ws := range tx.touchedThreads {
		snap := s.buildThreadsSnapshot(ws, rev)
		s.publish(Notification{Kind: ProjectionThreads, Rev: rev, Threads: &snap})
	}
	for k := range tx.touchedConv {
		snap := s.buildConversationSnapshot(k, rev)
		s.publish(Notification{Kind: ProjectionConversation, Rev: rev, Conv: &snap})
	}

	return rev, nil
}

// CurrentRev returns the most recently committed revision without mutating anything,
// used by the Transport Hub to stamp an action's ack frame.
func (s *Store) CurrentRev() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clock.Current()
}

// CurrentApp returns the App projection at the current revision without mutating anything.
func (s *Store) CurrentApp() AppSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buildAppSnapshot(s.clock.Current())
}

// CurrentThreads returns the Threads projection for ws at the current revision.
func (s *Store) CurrentThreads(ws model.ID) ThreadsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buildThreadsSnapshot(ws, s.clock.Current())
}

// CurrentContext returns workspace ws's pinned-context state at the current revision.
func (s *Store) CurrentContext(ws model.ID) ContextSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]model.ContextItem, len(s.contexts[ws]))
	copy(items, s.contexts[ws])
	return ContextSnapshot{Rev: s.clock.Current(), WorkspaceID: ws, Items: items}
}

// CurrentConversation returns the Conversation projection for (ws, thread) at the current revision.
func (s *Store) CurrentConversation(ws, thread model.ID) ConversationSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buildConversationSnapshot(ConvKey{ws, thread}, s.clock.Current())
}

// The build* helpers copy every slice they hand out. Handlers mutate entries, tabs and
// queues in place (and slice tricks like out := s[:0] reuse backing arrays), so sharing
// a backing array here would let a later commit rewrite a snapshot already delivered to
// the Transport Hub. Snapshot order is by id so the UI sees a stable listing.

func (s *Store) buildAppSnapshot(rev int64) AppSnapshot {
	projects := make([]model.Project, 0, len(s.projects))
	for _, p := range s.projects {
		cp := *p
		cp.Workspaces = append([]model.ID(nil), p.Workspaces...)
		projects = append(projects, cp)
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].ID < projects[j].ID })
	workspaces := make([]model.Workspace, 0, len(s.workspaces))
	for _, w := range s.workspaces {
		cp := *w
		if w.PullRequest != nil {
			pr := *w.PullRequest
			cp.PullRequest = &pr
		}
		workspaces = append(workspaces, cp)
	}
	sort.Slice(workspaces, func(i, j int) bool { return workspaces[i].ID < workspaces[j].ID })
	return AppSnapshot{
		Rev:               rev,
		Projects:          projects,
		Workspaces:        workspaces,
		Settings:          s.settings,
		ActiveWorkspaceID: s.activeWorkspaceID,
	}
}

func (s *Store) buildThreadsSnapshot(ws model.ID, rev int64) ThreadsSnapshot {
	st, ok := s.threads[ws]
	if !ok {
		return ThreadsSnapshot{Rev: rev, WorkspaceID: ws, Tabs: model.WorkspaceTabs{ActiveTab: model.NoActiveTab}}
	}
	threads := make([]model.Thread, 0, len(st.threads))
	for _, t := range st.threads {
		threads = append(threads, *t)
	}
	sort.Slice(threads, func(i, j int) bool { return threads[i].ThreadID < threads[j].ThreadID })
	tabs := model.WorkspaceTabs{
		OpenTabs:     append([]model.ID(nil), st.tabs.OpenTabs...),
		ArchivedTabs: append([]model.ID(nil), st.tabs.ArchivedTabs...),
		ActiveTab:    st.tabs.ActiveTab,
	}
	return ThreadsSnapshot{Rev: rev, WorkspaceID: ws, Tabs: tabs, Threads: threads}
}

func (s *Store) buildConversationSnapshot(k ConvKey, rev int64) ConversationSnapshot {
	c, ok := s.conversations[k]
	if !ok {
		return ConversationSnapshot{Rev: rev, Conversation: model.Conversation{WorkspaceID: k.WorkspaceID, ThreadID: k.ThreadID, RunStatus: model.RunIdle}}
	}
	cp := *c
	cp.Entries = append([]model.ConversationEntry(nil), c.Entries...)
	cp.InProgressItems = append([]string(nil), c.InProgressItems...)
	cp.PendingPrompts = append([]model.QueuedPrompt(nil), c.PendingPrompts...)
	return ConversationSnapshot{Rev: rev, Conversation: cp}
}
