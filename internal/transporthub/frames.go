// Package transporthub implements the Coordination Core's Transport Hub: the
// hello/handshake, request/response multiplexing keyed by request_id, the stamped
// server-event stream, keepalive, coalescing, and the HTTP point-in-time mirror.
// The session is one long-lived Server-Sent-Events stream per client for
// server→client frames, plus a client-id-keyed HTTP POST for client→server frames;
// see DESIGN.md for why this shape was chosen over a raw WebSocket upgrade.
package transporthub

import "encoding/json"

// ClientFrame is the envelope for every client→server message.
type ClientFrame struct {
	Type            string          `json:"type"` // "hello" | "action" | "ping"
	ProtocolVersion int             `json:"protocol_version,omitempty"`
	LastSeenRev     *int64          `json:"last_seen_rev,omitempty"`
	WorkspaceID     int64           `json:"workspace_id,omitempty"`
	ThreadID        int64           `json:"thread_id,omitempty"`
	RequestID       string          `json:"request_id,omitempty"`
	Action          json.RawMessage `json:"action,omitempty"`
}

// actionTag peeks at an action's `type` discriminator before decoding the rest of its
// fields against a handler-specific params struct.
type actionTag struct {
	Type string `json:"type"`
}

// ServerFrame is the envelope for every server→client message.
type ServerFrame struct {
	Type            string `json:"type"` // "hello" | "ack" | "event" | "error" | "pong"
	ProtocolVersion int    `json:"protocol_version,omitempty"`
	CurrentRev      int64  `json:"current_rev,omitempty"`
	ClientID        string `json:"client_id,omitempty"`
	RequestID       string `json:"request_id,omitempty"`
	Rev             int64  `json:"rev,omitempty"`
	Event           any    `json:"event,omitempty"`
	Message         string `json:"message,omitempty"`
}

// ProtocolVersion is the Transport Hub's currently supported protocol_version.
const ProtocolVersion = 1
