package agent

import (
	"context"
	"sync"

	"github.com/haasonsaas/agentloop/pkg/models"
)

// CallbackHandler is the hook interface for observing the EventLoop's event
// stream (EventLoopStart, CycleStart, ModelStart, ModelComplete, ContentDelta,
// ThinkingDelta, ToolStart, ToolComplete, ParallelStart/Progress/Complete,
// EvaluationStart/Complete, Error, EventLoopComplete). Implementations must be
// fast; long operations should be async or honor ctx.
//
// Example usage:
//
//	agent.Register(&LoggerHandler{})
//	agent.Register(&TracePlugin{})
type CallbackHandler interface {
	// HandleEvent is called for each agent event during processing.
	// Implementations should not block or panic.
	HandleEvent(ctx context.Context, e models.AgentEvent)
}

// CallbackHandlerFunc is an adapter to allow ordinary functions to be used as
// CallbackHandlers.
type CallbackHandlerFunc func(ctx context.Context, e models.AgentEvent)

// HandleEvent calls the function.
func (f CallbackHandlerFunc) HandleEvent(ctx context.Context, e models.AgentEvent) {
	f(ctx, e)
}

// CallbackDispatcher fans out EventLoop lifecycle events to registered
// handlers. Dispatch is serial per call (handlers run one at a time, in
// registration order) and never holds the registry lock while a handler
// runs, so a handler registering or removing another handler mid-dispatch
// cannot deadlock. A handler's panic is recovered and does not interrupt
// dispatch to the remaining handlers.
type CallbackDispatcher struct {
	mu       sync.RWMutex
	handlers []CallbackHandler
}

// NewCallbackDispatcher creates a new, empty dispatcher.
func NewCallbackDispatcher() *CallbackDispatcher {
	return &CallbackDispatcher{
		handlers: make([]CallbackHandler, 0),
	}
}

// Register adds a handler. Handlers are invoked in registration order.
func (d *CallbackDispatcher) Register(h CallbackHandler) {
	if h == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

// Dispatch delivers an event to every registered handler, synchronously and
// in registration order. A handler panic is recovered and swallowed so one
// misbehaving handler cannot alter the Outcome of the run (spec property P7).
func (d *CallbackDispatcher) Dispatch(ctx context.Context, e models.AgentEvent) {
	d.mu.RLock()
	handlers := make([]CallbackHandler, len(d.handlers))
	copy(handlers, d.handlers)
	d.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				_ = recover()
			}()
			h.HandleEvent(ctx, e)
		}()
	}
}

// Count returns the number of registered handlers.
func (d *CallbackDispatcher) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}

// Clear removes all registered handlers.
func (d *CallbackDispatcher) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = d.handlers[:0]
}

