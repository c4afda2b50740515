// Package dispatch routes decoded client actions to handlers, the same
// name-to-handler registry shape as a tool registry generalized from "looks up a tool,
// marshals its JSON result" to "looks up an action, runs its handler and returns the
// handler's result". A handler may commit zero, one or several Snapshot Store transactions.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/luban-ide/luban-core/internal/coreerr"
)

// Handler executes one decoded action against params, returning an application-level
// result to hand back to the caller. Handlers may call external ports synchronously; the
// Transport Hub runs each dispatch on its own goroutine, off the HTTP request that carried it.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Reply is what a request-style action returns: a handler whose result is a *Reply asks
// the Transport Hub to also emit a `type`-tagged server event stamped with the
// originating request_id, in addition to the ack every action gets. Handlers for
// non-request-style actions return nil.
type Reply struct {
	Type    string
	Payload map[string]any
}

// Registry maps action names to handlers.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler for actionName, overwriting (and logging) any prior registration.
func (r *Registry) Register(actionName string, h Handler) {
	if _, exists := r.handlers[actionName]; exists {
		slog.Warn("overwriting existing action handler", "action", actionName)
	}
	r.handlers[actionName] = h
}

// Dispatch runs the handler for actionName; each handler decodes its own params. A
// protocol-kind error is returned if actionName is unknown.
func (r *Registry) Dispatch(ctx context.Context, actionName string, params json.RawMessage) (any, error) {
	h, ok := r.handlers[actionName]
	if !ok {
		return nil, coreerr.New(coreerr.ProtocolError, fmt.Sprintf("unknown action %q", actionName))
	}
	return h(ctx, params)
}

// decode unmarshals params into dst, wrapping failures as a ProtocolError the way a
// malformed frame should be reported to the channel.
func decode(params json.RawMessage, dst any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return coreerr.Wrap(coreerr.ProtocolError, "malformed action params", err)
	}
	return nil
}
