package transporthub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/luban-ide/luban-core/internal/coreerr"
	"github.com/luban-ide/luban-core/internal/dispatch"
	"github.com/luban-ide/luban-core/internal/model"
	"github.com/luban-ide/luban-core/internal/ports"
	"github.com/luban-ide/luban-core/internal/snapshot"
	"github.com/luban-ide/luban-core/internal/wslifecycle"
)

// RESTDeps bundles the Workspace Lifecycle + Attachment Store handles the HTTP mirror
// needs beyond the Snapshot Store and Action Dispatcher every Hub already has.
type RESTDeps struct {
	Lifecycle    *wslifecycle.Manager
	Attachments  ports.AttachmentStorePort
	CodexPrompts ports.ConfigTreePort
}

// Routes builds the Coordination Core's full HTTP surface: the SSE event stream, the
// action POST endpoint, and the point-in-time REST mirror.
func (h *Hub) Routes(rest RESTDeps) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/events", h.handleEvents)
	mux.HandleFunc("/api/actions", h.handleAction)

	mux.HandleFunc("/api/app", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, h.store.CurrentApp())
	})

	mux.HandleFunc("/api/workspaces/", func(w http.ResponseWriter, r *http.Request) {
		routeWorkspaceSubpath(w, r, h, rest)
	})

	mux.HandleFunc("/api/codex/prompts", func(w http.ResponseWriter, r *http.Request) {
		if rest.CodexPrompts == nil {
			writeJSON(w, http.StatusOK, map[string]any{"prompts": []string{}})
			return
		}
		entries, err := rest.CodexPrompts.ListDir(r.Context(), "prompts")
		if err != nil {
			writeError(w, err)
			return
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if !e.IsDir {
				names = append(names, e.Name)
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"prompts": names})
	})

	return mux
}

// routeWorkspaceSubpath dispatches /api/workspaces/{id}/... to the matching REST mirror
// handler.
func routeWorkspaceSubpath(w http.ResponseWriter, r *http.Request, h *Hub, rest RESTDeps) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/workspaces/"), "/")
	if len(parts) < 2 {
		http.NotFound(w, r)
		return
	}
	wsID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		http.Error(w, "invalid workspace id", http.StatusBadRequest)
		return
	}
	workspaceID := model.ID(wsID)

	switch parts[1] {
	case "threads":
		writeJSON(w, http.StatusOK, h.store.CurrentThreads(workspaceID))
	case "conversations":
		if len(parts) < 3 {
			http.NotFound(w, r)
			return
		}
		threadID, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			http.Error(w, "invalid thread id", http.StatusBadRequest)
			return
		}
		handleConversationGet(w, r, h, workspaceID, model.ID(threadID))
	case "context":
		handleContext(w, r, h, parts, workspaceID)
	case "attachments":
		handleAttachmentUpload(w, r, h, rest, workspaceID)
	case "changes":
		info, err := rest.Lifecycle.Changes(r.Context(), workspaceID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	case "diff":
		diff, err := rest.Lifecycle.Diff(r.Context(), workspaceID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"diff": diff})
	case "mentions":
		handleMentions(w, r, rest, workspaceID)
	default:
		http.NotFound(w, r)
	}
}

// handleConversationGet implements GET .../conversations/{thread_id}?limit=&before= :
// a page of entries ending just before the `before` index (or the tail, if absent),
// at most `limit` entries, reported against the conversation's full entries_total so the
// caller can detect truncation. The snapshot itself stays the single source of truth;
// this only windows it.
func handleConversationGet(w http.ResponseWriter, r *http.Request, h *Hub, ws, thread model.ID) {
	snap := h.store.CurrentConversation(ws, thread)

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	var before int64 = -1
	if v := r.URL.Query().Get("before"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			before = n
		}
	}

	entries := snap.Conversation.Entries
	if before >= 0 {
		windowed := entries[:0:0]
		for _, e := range entries {
			if e.Index < before {
				windowed = append(windowed, e)
			}
		}
		entries = windowed
	}
	truncated := false
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
		truncated = true
	}
	start := int64(0)
	if len(entries) > 0 {
		start = entries[0].Index
	}

	out := snap
	out.Conversation.Entries = entries
	out.Conversation.EntriesStart = start
	out.Conversation.EntriesTruncated = truncated || snap.Conversation.EntriesTruncated
	writeJSON(w, http.StatusOK, out)
}

// handleContext implements GET .../context → ContextSnapshot and
// DELETE .../context/{context_id}. Context is a point-in-time surface only;
// it is not one of the three broadcast projections.
func handleContext(w http.ResponseWriter, r *http.Request, h *Hub, parts []string, ws model.ID) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.store.CurrentContext(ws))
	case http.MethodDelete:
		if len(parts) < 3 {
			http.Error(w, "context id required", http.StatusBadRequest)
			return
		}
		id, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			http.Error(w, "invalid context id", http.StatusBadRequest)
			return
		}
		removed := false
		if _, err := h.store.Mutate(func(tx *snapshot.Tx) error {
			removed = tx.RemoveContextItem(ws, model.ID(id))
			return nil
		}); err != nil {
			writeError(w, err)
			return
		}
		if !removed {
			http.Error(w, "unknown context id", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, h.store.CurrentContext(ws))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleAttachmentUpload implements POST .../attachments (multipart: kind, file) → AttachmentRef.
// Each stored attachment is also pinned onto the workspace's context so the context
// surface reflects what the next turn will carry.
func handleAttachmentUpload(w http.ResponseWriter, r *http.Request, h *Hub, rest RESTDeps, ws model.ID) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if rest.Attachments == nil {
		http.Error(w, "attachment storage not configured", http.StatusServiceUnavailable)
		return
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}
	kind := r.FormValue("kind")
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file part", http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "failed to read upload", http.StatusBadRequest)
		return
	}
	att, err := rest.Attachments.Put(r.Context(), ws, kind, header.Filename, data)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := h.store.Mutate(func(tx *snapshot.Tx) error {
		tx.AddContextItem(ws, model.ContextItem{ID: tx.NextContextID(), Kind: "attachment", Name: att.Name})
		return nil
	}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, att)
}

// handleMentions implements GET .../mentions?q= : a bounded, case-insensitive filename
// search rooted at the workspace's worktree, the same shape a fs-tool search exposes to
// an agent runner, generalized into a plain REST read.
func handleMentions(w http.ResponseWriter, r *http.Request, rest RESTDeps, ws model.ID) {
	root, ok := rest.Lifecycle.WorktreePath(ws)
	if !ok {
		http.Error(w, "unknown workspace", http.StatusNotFound)
		return
	}
	q := strings.ToLower(r.URL.Query().Get("q"))
	var matches []string
	const maxMatches = 50
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || len(matches) >= maxMatches {
			return nil
		}
		if info.IsDir() && info.Name() == ".git" {
			return filepath.SkipDir
		}
		if info.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		if q == "" || strings.Contains(strings.ToLower(rel), q) {
			matches = append(matches, rel)
		}
		return nil
	})
	writeJSON(w, http.StatusOK, map[string]any{"items": matches})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch coreerr.KindOf(err) {
	case coreerr.Precondition:
		status = http.StatusBadRequest
	case coreerr.PortFailure, coreerr.Timeout:
		status = http.StatusBadGateway
	case coreerr.ProtocolError:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// handleEvents serves the long-lived SSE stream: a client registers, receives the
// hello with its assigned client_id and current_rev, then a fresh full snapshot
// set for its declared interest, then every subsequent stamped event it's interested in.
func (h *Hub) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var lastSeenRev *int64
	if v := r.URL.Query().Get("last_seen_rev"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			lastSeenRev = &n
		}
	}
	var ws, thread model.ID
	if v := r.URL.Query().Get("workspace_id"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			ws = model.ID(n)
		}
	}
	if v := r.URL.Query().Get("thread_id"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			thread = model.ID(n)
		}
	}

	c := h.register()
	c.setInterest(ws, thread)
	defer h.unregister(c.id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	hello := ServerFrame{Type: "hello", ProtocolVersion: ProtocolVersion, CurrentRev: h.store.CurrentRev(), ClientID: c.id}
	helloData, _ := json.Marshal(hello)
	if !writeSSE(w, flusher, helloData) {
		return
	}
	_ = lastSeenRev // advisory only: the hub always pushes a fresh full set below

	h.pushInitialSnapshots(c, ws, thread)

	// keepalive: a comment line every 25s keeps idle proxies from closing the connection.
	ticker := time.NewTicker(25 * time.Second)
	defer ticker.Stop()

	notify := r.Context().Done()
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if !writeSSE(w, flusher, data) {
				return
			}
		case <-ticker.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-notify:
			return
		}
	}
}

// writeSSE frames data as a single SSE "data:" event and flushes it immediately.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, data []byte) bool {
	if _, err := w.Write([]byte("data: ")); err != nil {
		return false
	}
	if _, err := w.Write(data); err != nil {
		return false
	}
	if _, err := w.Write([]byte("\n\n")); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

// pushInitialSnapshots sends the fresh full set a reconnecting (or brand new) client
// needs for its declared interest; the hub does not attempt delta resume.
func (h *Hub) pushInitialSnapshots(c *client, ws, thread model.ID) {
	app := h.store.CurrentApp()
	data, _ := json.Marshal(ServerFrame{Type: "event", Rev: app.Rev, Event: map[string]any{"type": "app_changed", "rev": app.Rev, "snapshot": app}})
	c.deliver(data)

	if ws != 0 {
		threads := h.store.CurrentThreads(ws)
		data, _ := json.Marshal(ServerFrame{Type: "event", Rev: threads.Rev, Event: map[string]any{
			"type": "workspace_threads_changed", "workspace_id": ws, "tabs": threads.Tabs, "threads": threads.Threads,
		}})
		c.deliver(data)
	}
	if ws != 0 && thread != 0 {
		conv := h.store.CurrentConversation(ws, thread)
		data, _ := json.Marshal(ServerFrame{Type: "event", Rev: conv.Rev, Event: map[string]any{"type": "conversation_changed", "snapshot": conv}})
		c.deliver(data)
	}
}

// handleAction accepts the client→server frames: POST a {request_id, action} envelope
// identified by an X-Luban-Client-Id header, and the reply (ack, any inline reply
// event, or error) is delivered asynchronously over that client's SSE stream; no UI
// action blocks on a port call.
func (h *Hub) handleAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	clientID := r.Header.Get("X-Luban-Client-Id")
	if clientID == "" {
		http.Error(w, "X-Luban-Client-Id header is required", http.StatusBadRequest)
		return
	}
	c, ok := h.clientByID(clientID)
	if !ok {
		http.Error(w, "unknown client id", http.StatusNotFound)
		return
	}

	var frame ClientFrame
	if err := json.NewDecoder(r.Body).Decode(&frame); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	switch frame.Type {
	case "ping":
		data, _ := json.Marshal(ServerFrame{Type: "pong"})
		c.deliver(data)
		w.WriteHeader(http.StatusAccepted)
		return
	case "hello":
		// Re-handshake on an already-open stream: restate the current revision and
		// re-push the full snapshot set for the client's declared interest. The
		// last_seen_rev it carries stays advisory.
		if frame.ProtocolVersion != ProtocolVersion {
			http.Error(w, fmt.Sprintf("unsupported protocol_version %d", frame.ProtocolVersion), http.StatusBadRequest)
			return
		}
		c.setInterest(model.ID(frame.WorkspaceID), model.ID(frame.ThreadID))
		data, _ := json.Marshal(ServerFrame{Type: "hello", ProtocolVersion: ProtocolVersion, CurrentRev: h.store.CurrentRev(), ClientID: c.id})
		c.deliver(data)
		h.pushInitialSnapshots(c, model.ID(frame.WorkspaceID), model.ID(frame.ThreadID))
		w.WriteHeader(http.StatusAccepted)
		return
	case "action":
		if frame.WorkspaceID != 0 || frame.ThreadID != 0 {
			c.setInterest(model.ID(frame.WorkspaceID), model.ID(frame.ThreadID))
		}
		go h.dispatchAction(c, frame)
		w.WriteHeader(http.StatusAccepted)
		return
	default:
		http.Error(w, "unknown frame type", http.StatusBadRequest)
	}
}

func (h *Hub) dispatchAction(c *client, frame ClientFrame) {
	var tag actionTag
	if err := json.Unmarshal(frame.Action, &tag); err != nil {
		h.surfaceError(c, frame.RequestID, coreerr.Wrap(coreerr.ProtocolError, "malformed action envelope", err))
		return
	}

	result, err := h.registry.Dispatch(context.Background(), tag.Type, frame.Action)
	if err != nil {
		h.surfaceError(c, frame.RequestID, err)
		return
	}

	rev := h.store.CurrentRev()
	ack, _ := json.Marshal(ServerFrame{Type: "ack", RequestID: frame.RequestID, Rev: rev})
	c.deliver(ack)

	if reply, ok := result.(*dispatch.Reply); ok && reply != nil {
		data, _ := json.Marshal(replyFrame(frame.RequestID, rev, reply))
		c.deliver(data)
	}
}
