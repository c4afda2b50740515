package conversation

import (
	"context"

	"github.com/luban-ide/luban-core/internal/model"
)

// callbackRouter implements ports.AgentRunnerCallbacks for one turn, translating each
// callback into the matching Engine mutation. A router is single-use: it is constructed
// fresh per StartTurn call and closes over the (workspace, thread) the turn belongs to.
type callbackRouter struct {
	engine *Engine
	ws     model.ID
	thread model.ID
}

func (r *callbackRouter) ItemStarted(id, kind string, payload map[string]any) {
	r.engine.handleItemStarted(r.ws, r.thread, id, kind, payload)
}

func (r *callbackRouter) ItemUpdated(id string, payload map[string]any) {
	r.engine.handleItemUpdated(r.ws, r.thread, id, payload)
}

func (r *callbackRouter) ItemCompleted(id string, finalPayload map[string]any) {
	r.engine.handleItemCompleted(r.ws, r.thread, id, finalPayload)
}

func (r *callbackRouter) MessageDelta(text string) {
	r.engine.handleMessageDelta(r.ws, r.thread, text)
}

func (r *callbackRouter) TurnUsage(usage map[string]any) {
	r.engine.handleTurnUsage(r.ws, r.thread, usage)
}

func (r *callbackRouter) TurnDuration(ms int64) {
	r.engine.handleTurnDuration(r.ws, r.thread, ms)
}

func (r *callbackRouter) TurnError(message string) {
	r.engine.handleTurnError(context.Background(), r.ws, r.thread, message)
}

func (r *callbackRouter) TurnCompleted() {
	r.engine.handleTurnCompleted(context.Background(), r.ws, r.thread)
}

func (r *callbackRouter) TurnCanceled() {
	r.engine.handleTurnCanceled(context.Background(), r.ws, r.thread)
}
