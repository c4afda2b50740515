package transporthub

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luban-ide/luban-core/internal/conversation"
	"github.com/luban-ide/luban-core/internal/dispatch"
	"github.com/luban-ide/luban-core/internal/model"
	"github.com/luban-ide/luban-core/internal/ports"
	"github.com/luban-ide/luban-core/internal/revclock"
	"github.com/luban-ide/luban-core/internal/snapshot"
	"github.com/luban-ide/luban-core/internal/wslifecycle"
)

type stubAgent struct{}

func (stubAgent) StartTurn(ctx context.Context, req ports.TurnRequest, cb ports.AgentRunnerCallbacks) error {
	cb.TurnCompleted()
	return nil
}
func (stubAgent) CancelTurn(ctx context.Context, ws, thread model.ID) error { return nil }
func (stubAgent) SuggestBranchName(ctx context.Context, systemPrompt, context string) (string, error) {
	return "", nil
}

func newTestHub(t *testing.T) (*Hub, *snapshot.Store) {
	t.Helper()
	store := snapshot.New(&revclock.Clock{})
	registry := dispatch.NewRegistry()
	lifecycle := wslifecycle.New(store, nil, nil, nil, nil, stubAgent{})
	engine := conversation.New(store, stubAgent{})
	dispatch.RegisterActions(registry, dispatch.Deps{
		Store:     store,
		Engine:    engine,
		Lifecycle: lifecycle,
	})
	return New(store, registry), store
}

// readSSEFrame reads one "data: ..." line from an SSE stream and decodes it.
func readSSEFrame(t *testing.T, r *bufio.Reader) ServerFrame {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame ServerFrame
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame))
		return frame
	}
}

func TestHandleEvents_SendsHelloThenActionAck(t *testing.T) {
	hub, _ := newTestHub(t)
	server := httptest.NewServer(hub.Routes(RESTDeps{}))
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reader := bufio.NewReader(resp.Body)
	hello := readSSEFrame(t, reader)
	assert.Equal(t, "hello", hello.Type)
	assert.Equal(t, ProtocolVersion, hello.ProtocolVersion)
	require.NotEmpty(t, hello.ClientID)

	// the initial full app_changed snapshot follows immediately
	first := readSSEFrame(t, reader)
	assert.Equal(t, "event", first.Type)

	body := strings.NewReader(`{"type":"action","request_id":"r1","action":{"type":"add_project","path":"/tmp/does-not-exist-xyz"}}`)
	req, err := http.NewRequest(http.MethodPost, server.URL+"/api/actions", body)
	require.NoError(t, err)
	req.Header.Set("X-Luban-Client-Id", hello.ClientID)
	actionResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer actionResp.Body.Close()
	assert.Equal(t, http.StatusAccepted, actionResp.StatusCode)

	// the ack for this action arrives asynchronously over the same SSE stream.
	deadline := time.Now().Add(2 * time.Second)
	gotFrame := false
	for time.Now().Before(deadline) {
		frame := readSSEFrame(t, reader)
		if frame.RequestID == "r1" {
			gotFrame = true
			break
		}
	}
	assert.True(t, gotFrame, "expected an ack or error frame stamped with the action's request_id")
}

func TestHandleAction_HelloRehandshakeRestatesCurrentRev(t *testing.T) {
	hub, store := newTestHub(t)
	server := httptest.NewServer(hub.Routes(RESTDeps{}))
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	reader := bufio.NewReader(resp.Body)
	hello := readSSEFrame(t, reader)
	require.Equal(t, "hello", hello.Type)
	readSSEFrame(t, reader) // initial app_changed

	_, err = store.Mutate(func(tx *snapshot.Tx) error {
		tx.UpdateSettings(func(s *model.Settings) { s.Appearance.Theme = "dark" })
		return nil
	})
	require.NoError(t, err)
	currentRev := store.CurrentRev()

	body := strings.NewReader(`{"type":"hello","protocol_version":1,"last_seen_rev":1}`)
	req, err := http.NewRequest(http.MethodPost, server.URL+"/api/actions", body)
	require.NoError(t, err)
	req.Header.Set("X-Luban-Client-Id", hello.ClientID)
	helloResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer helloResp.Body.Close()
	require.Equal(t, http.StatusAccepted, helloResp.StatusCode)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		frame := readSSEFrame(t, reader)
		if frame.Type == "hello" {
			assert.Equal(t, currentRev, frame.CurrentRev)
			return
		}
	}
	t.Fatal("expected a hello frame restating the current revision")
}

func TestHandleAction_HelloWithWrongProtocolVersionRejected(t *testing.T) {
	hub, _ := newTestHub(t)
	server := httptest.NewServer(hub.Routes(RESTDeps{}))
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	hello := readSSEFrame(t, bufio.NewReader(resp.Body))

	body := strings.NewReader(`{"type":"hello","protocol_version":99}`)
	req, err := http.NewRequest(http.MethodPost, server.URL+"/api/actions", body)
	require.NoError(t, err)
	req.Header.Set("X-Luban-Client-Id", hello.ClientID)
	badResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer badResp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, badResp.StatusCode)
}

func TestHandleAction_UnknownClientIDRejected(t *testing.T) {
	hub, _ := newTestHub(t)
	server := httptest.NewServer(hub.Routes(RESTDeps{}))
	defer server.Close()

	body := strings.NewReader(`{"type":"action","request_id":"r1","action":{"type":"add_project"}}`)
	req, err := http.NewRequest(http.MethodPost, server.URL+"/api/actions", body)
	require.NoError(t, err)
	req.Header.Set("X-Luban-Client-Id", "no-such-client")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProtocolError_ClosesEventChannel(t *testing.T) {
	hub, _ := newTestHub(t)
	server := httptest.NewServer(hub.Routes(RESTDeps{}))
	defer server.Close()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(server.URL + "/api/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	reader := bufio.NewReader(resp.Body)
	hello := readSSEFrame(t, reader)
	require.Equal(t, "hello", hello.Type)

	body := strings.NewReader(`{"type":"action","request_id":"r9","action":{"type":"no_such_action"}}`)
	req, err := http.NewRequest(http.MethodPost, server.URL+"/api/actions", body)
	require.NoError(t, err)
	req.Header.Set("X-Luban-Client-Id", hello.ClientID)
	actionResp, err := client.Do(req)
	require.NoError(t, err)
	actionResp.Body.Close()

	// The error frame for the malformed action is the last thing the stream carries;
	// after it the hub drops the client and the channel terminates.
	sawError := false
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			require.ErrorIs(t, err, io.EOF, "stream must terminate cleanly after a protocol error")
			break
		}
		line = strings.TrimRight(line, "\n")
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame ServerFrame
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame))
		if frame.Type == "error" && frame.RequestID == "r9" {
			sawError = true
		}
	}
	assert.True(t, sawError, "the protocol error frame must be delivered before the channel closes")
}

func TestRESTMirror_AppSnapshot(t *testing.T) {
	hub, store := newTestHub(t)
	server := httptest.NewServer(hub.Routes(RESTDeps{}))
	defer server.Close()

	_, err := store.Mutate(func(tx *snapshot.Tx) error {
		tx.AddProject(model.Project{ID: tx.NextProjectID(), Name: "demo", AbsolutePath: "/tmp/demo"})
		return nil
	})
	require.NoError(t, err)

	resp, err := http.Get(server.URL + "/api/app")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var snap snapshot.AppSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Len(t, snap.Projects, 1)
	assert.Equal(t, "demo", snap.Projects[0].Name)
}

func TestRESTMirror_ThreadsNotFoundWorkspaceReturnsEmpty(t *testing.T) {
	hub, _ := newTestHub(t)
	server := httptest.NewServer(hub.Routes(RESTDeps{}))
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/workspaces/999/threads")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var snap snapshot.ThreadsSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Empty(t, snap.Threads)
}

func TestRESTMirror_ContextGetAndDelete(t *testing.T) {
	hub, store := newTestHub(t)
	server := httptest.NewServer(hub.Routes(RESTDeps{}))
	defer server.Close()

	var itemID model.ID
	_, err := store.Mutate(func(tx *snapshot.Tx) error {
		itemID = tx.AddContextItem(4, model.ContextItem{ID: tx.NextContextID(), Kind: "file", Name: "notes.md", Path: "docs/notes.md"})
		return nil
	})
	require.NoError(t, err)

	resp, err := http.Get(server.URL + "/api/workspaces/4/context")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap snapshot.ContextSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	require.Len(t, snap.Items, 1)
	assert.Equal(t, "notes.md", snap.Items[0].Name)

	req, err := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/api/workspaces/4/context/%d", server.URL, itemID), nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer delResp.Body.Close()
	require.Equal(t, http.StatusOK, delResp.StatusCode)
	var after snapshot.ContextSnapshot
	require.NoError(t, json.NewDecoder(delResp.Body).Decode(&after))
	assert.Empty(t, after.Items)

	req, err = http.NewRequest(http.MethodDelete, server.URL+"/api/workspaces/4/context/999", nil)
	require.NoError(t, err)
	missingResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer missingResp.Body.Close()
	assert.Equal(t, http.StatusNotFound, missingResp.StatusCode)
}

// Scenario: a client that disconnected at an old revision reconnects with last_seen_rev
// and its declared (workspace, thread) scope; the hub answers with hello{current_rev}
// and then a fresh full snapshot per projection in scope, every one newer than the
// client's stale revision.
func TestHandleEvents_ReconnectPushesFullSnapshotsForDeclaredScope(t *testing.T) {
	hub, store := newTestHub(t)
	server := httptest.NewServer(hub.Routes(RESTDeps{}))
	defer server.Close()

	var threadID model.ID
	for i := 0; i < 5; i++ {
		_, err := store.Mutate(func(tx *snapshot.Tx) error {
			tx.UpdateSettings(func(s *model.Settings) { s.Appearance.GlobalZoom = float64(i) })
			return nil
		})
		require.NoError(t, err)
	}
	_, err := store.Mutate(func(tx *snapshot.Tx) error {
		threadID = tx.AddThread(3, "resumed task", "")
		return nil
	})
	require.NoError(t, err)
	currentRev := store.CurrentRev()

	resp, err := http.Get(fmt.Sprintf("%s/api/events?last_seen_rev=2&workspace_id=3&thread_id=%d", server.URL, threadID))
	require.NoError(t, err)
	defer resp.Body.Close()
	reader := bufio.NewReader(resp.Body)

	hello := readSSEFrame(t, reader)
	require.Equal(t, "hello", hello.Type)
	assert.Equal(t, currentRev, hello.CurrentRev)

	seen := map[string]int64{}
	for len(seen) < 3 {
		frame := readSSEFrame(t, reader)
		require.Equal(t, "event", frame.Type)
		event, ok := frame.Event.(map[string]any)
		require.True(t, ok)
		seen[event["type"].(string)] = frame.Rev
	}
	assert.Contains(t, seen, "app_changed")
	assert.Contains(t, seen, "workspace_threads_changed")
	assert.Contains(t, seen, "conversation_changed")
	for typ, rev := range seen {
		assert.Greater(t, rev, int64(2), "initial %s snapshot must be newer than the stale last_seen_rev", typ)
	}
}

func TestBroadcastToast_ReachesEveryConnectedClient(t *testing.T) {
	hub, _ := newTestHub(t)
	a := hub.register()
	defer hub.unregister(a.id)
	b := hub.register()
	defer hub.unregister(b.id)

	hub.BroadcastToast("codex config changed: config.toml")

	for _, c := range []*client{a, b} {
		select {
		case data := <-c.send:
			var frame ServerFrame
			require.NoError(t, json.Unmarshal(data, &frame))
			require.Equal(t, "event", frame.Type)
			event, ok := frame.Event.(map[string]any)
			require.True(t, ok)
			assert.Equal(t, "toast", event["type"])
			assert.Equal(t, "codex config changed: config.toml", event["message"])
		case <-time.After(time.Second):
			t.Fatal("expected a toast frame on every client's outbound queue")
		}
	}
}

// Under a storm of conversation mutations for one (workspace, thread), a slow client's
// bounded outbound queue coalesces by dropping older frames; what it observes is a
// strictly increasing subsequence of revisions whose last element is the latest
// committed revision.
func TestBroadcast_SlowClientObservesIncreasingRevsEndingAtLatest(t *testing.T) {
	hub, store := newTestHub(t)
	c := hub.register()
	defer hub.unregister(c.id)
	c.setInterest(1, 1)

	var lastRev int64
	for i := 0; i < 100; i++ {
		i := i
		rev, err := store.Mutate(func(tx *snapshot.Tx) error {
			tx.UpdateConversation(1, 1, func(conv *model.Conversation) {
				conv.Title = fmt.Sprintf("storm %d", i)
			})
			return nil
		})
		require.NoError(t, err)
		lastRev = rev
	}

	var prev int64
	deadline := time.After(2 * time.Second)
	for prev < lastRev {
		select {
		case data := <-c.send:
			var frame ServerFrame
			require.NoError(t, json.Unmarshal(data, &frame))
			if frame.Type != "event" {
				continue
			}
			require.Greater(t, frame.Rev, prev, "delivered revisions must be strictly increasing")
			prev = frame.Rev
		case <-deadline:
			t.Fatalf("never observed latest committed revision %d (reached %d)", lastRev, prev)
		}
	}
	assert.Equal(t, lastRev, prev)
}
