package transporthub

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/luban-ide/luban-core/internal/coreerr"
	"github.com/luban-ide/luban-core/internal/dispatch"
	"github.com/luban-ide/luban-core/internal/model"
	"github.com/luban-ide/luban-core/internal/snapshot"
)

// outboundBound is the per-client outbound queue depth past which the Hub starts
// coalescing notifications instead of growing unbounded.
const outboundBound = 32

// client is one connected UI session: a long-lived SSE stream plus the declared
// (workspace, thread) interest used to decide what gets broadcast to it.
type client struct {
	id   string
	send chan []byte

	mu     sync.Mutex
	wsID   model.ID
	thread model.ID
}

func (c *client) interest() (model.ID, model.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wsID, c.thread
}

func (c *client) setInterest(ws, thread model.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wsID, c.thread = ws, thread
}

// deliver writes frame to the client's outbound queue, coalescing with whatever frame is
// already queued if the queue is saturated. Because every snapshot frame is idempotent,
// dropping an older one for the same client is always safe: the newest committed state
// is what the UI needs.
func (c *client) deliver(data []byte) {
	select {
	case c.send <- data:
		return
	default:
	}
	// Outbound queue saturated: drop the oldest queued frame and retry once.
	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- data:
	default:
		slog.Warn("dropping frame for slow transport client", "client", c.id)
	}
}

// Hub is the Coordination Core's Transport Hub: it owns every connected client's
// outbound queue and declared interest, and fans out Snapshot Store notifications as
// stamped server events.
type Hub struct {
	store    *snapshot.Store
	registry *dispatch.Registry

	mu      sync.Mutex
	clients map[string]*client
}

// New constructs a Hub wired to store (for snapshots/notifications) and registry (for
// dispatching decoded client actions), and starts the background loop that fans every
// committed mutation's Notification out to interested clients.
func New(store *snapshot.Store, registry *dispatch.Registry) *Hub {
	h := &Hub{store: store, registry: registry, clients: make(map[string]*client)}
	sub, _ := store.Subscribe(outboundBound * 4)
	go func() {
		for n := range sub {
			h.broadcast(n)
		}
	}()
	return h
}

func (h *Hub) register() *client {
	c := &client{id: uuid.NewString(), send: make(chan []byte, outboundBound)}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	return c
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[id]; ok {
		close(c.send)
		delete(h.clients, id)
	}
}

func (h *Hub) clientByID(id string) (*client, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[id]
	return c, ok
}

// broadcast fans a Notification out to every client interested in its projection key:
// app_changed goes to all, workspace_threads_changed to clients whose declared
// workspace matches, conversation_changed to clients whose declared (workspace, thread)
// matches.
func (h *Hub) broadcast(n snapshot.Notification) {
	frame := frameForNotification(n)
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("failed to marshal server event", "error", err)
		return
	}

	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		ws, thread := c.interest()
		switch n.Kind {
		case snapshot.ProjectionApp:
			targets = append(targets, c)
		case snapshot.ProjectionThreads:
			if ws == n.Threads.WorkspaceID {
				targets = append(targets, c)
			}
		case snapshot.ProjectionConversation:
			if ws == n.Conv.Conversation.WorkspaceID && thread == n.Conv.Conversation.ThreadID {
				targets = append(targets, c)
			}
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.deliver(data)
	}
}

func frameForNotification(n snapshot.Notification) ServerFrame {
	var event any
	switch n.Kind {
	case snapshot.ProjectionApp:
		event = map[string]any{"type": "app_changed", "rev": n.Rev, "snapshot": n.App}
	case snapshot.ProjectionThreads:
		event = map[string]any{
			"type": "workspace_threads_changed", "workspace_id": n.Threads.WorkspaceID,
			"tabs": n.Threads.Tabs, "threads": n.Threads.Threads,
		}
	case snapshot.ProjectionConversation:
		event = map[string]any{"type": "conversation_changed", "snapshot": n.Conv}
	}
	return ServerFrame{Type: "event", Rev: n.Rev, Event: event}
}

// toastFrame builds a toast event frame.
func toastFrame(message string) ServerFrame {
	return ServerFrame{Type: "event", Event: map[string]any{"type": "toast", "message": message}}
}

// BroadcastToast fans a toast event out to every connected client, for notifications
// that originate outside the action path (config files edited behind the IDE's back,
// background port failures).
func (h *Hub) BroadcastToast(message string) {
	data, err := json.Marshal(toastFrame(message))
	if err != nil {
		slog.Error("failed to marshal toast event", "error", err)
		return
	}
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()
	for _, c := range targets {
		c.deliver(data)
	}
}

// replyFrame builds the inline reply event a request-style action carries alongside its
// ack (project_path_picked, task_preview_ready, ...), stamped with request_id so the UI
// can match it back to its call.
func replyFrame(requestID string, rev int64, reply *dispatch.Reply) ServerFrame {
	payload := map[string]any{"type": reply.Type, "request_id": requestID}
	for k, v := range reply.Payload {
		payload[k] = v
	}
	return ServerFrame{Type: "event", Rev: rev, Event: payload}
}

func errorFrame(requestID, message string) ServerFrame {
	return ServerFrame{Type: "error", RequestID: requestID, Message: message}
}

// surfaceError routes a dispatch error by its kind: Precondition becomes an
// error{} frame to the caller; PortFailure (and Timeout, its equivalent) additionally
// broadcasts a toast (operation-level status already flipped back to idle by the handler
// itself); ProtocolError (a malformed frame or unknown type) closes the channel after
// the error frame is queued. RunnerTurnError never reaches here: the Conversation
// Engine folds it into a TurnError entry before any notification is published.
func (h *Hub) surfaceError(c *client, requestID string, err error) {
	data, _ := json.Marshal(errorFrame(requestID, err.Error()))
	c.deliver(data)
	switch coreerr.KindOf(err) {
	case coreerr.PortFailure, coreerr.Timeout:
		h.BroadcastToast(err.Error())
	case coreerr.ProtocolError:
		slog.Warn("closing transport client after protocol error", "client", c.id, "error", err)
		h.unregister(c.id)
	}
}
