package router

import (
	"log/slog"
	"sync/atomic"

	"github.com/mycrewmanager/realtime/internal/connection"
)

// Subscriber is the part of the Connection Manager a Binding needs.
type Subscriber interface {
	Subscribe(h connection.Handler) (unsubscribe func())
}

// BindingStats contains per-binding counters.
type BindingStats struct {
	Received      int64 // Messages seen
	Filtered      int64 // Dropped by project scope
	Dispatched    int64 // Reached a typed callback
	Unknown       int64 // Unmodeled event types
	DecodeErrors  int64 // Payloads that did not decode
	HandlerPanics int64
}

// bindingState is swapped as a whole so a dispatch never sees a scope from
// one Update and callbacks from another.
type bindingState struct {
	projectID *int64
	callbacks Callbacks
	handlers  Handlers
}

// Binding is one feature's subscription on the channel. The handler given
// to the channel never changes; Update swaps what it calls.
type Binding struct {
	logger *slog.Logger
	state  atomic.Pointer[bindingState]

	received      atomic.Int64
	filtered      atomic.Int64
	dispatched    atomic.Int64
	unknown       atomic.Int64
	decodeErrors  atomic.Int64
	handlerPanics atomic.Int64
}

// NewBinding creates a binding scoped to projectID (nil for no scope).
func NewBinding(projectID *int64, cb Callbacks, logger *slog.Logger) *Binding {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Binding{logger: logger}
	b.state.Store(newBindingState(projectID, cb))
	return b
}

func newBindingState(projectID *int64, cb Callbacks) *bindingState {
	var scope *int64
	if projectID != nil {
		v := *projectID
		scope = &v
	}
	return &bindingState{
		projectID: scope,
		callbacks: cb,
		handlers:  cb.Handlers(),
	}
}

// Attach subscribes the binding's handler and returns the unsubscribe func.
func (b *Binding) Attach(s Subscriber) func() {
	return s.Subscribe(b.Handle)
}

// Update replaces scope and callbacks. Takes effect from the next message.
func (b *Binding) Update(projectID *int64, cb Callbacks) {
	b.state.Store(newBindingState(projectID, cb))
}

// ProjectID returns the current scope.
func (b *Binding) ProjectID() *int64 {
	return b.state.Load().projectID
}

// Handle routes one message through scoping, decoding and dispatch.
func (b *Binding) Handle(msg connection.Message) {
	b.received.Add(1)
	st := b.state.Load()

	eventType, data := Normalize(msg)
	if eventType != EventNotification && !InScope(st.projectID, data.ProjectID) {
		b.filtered.Add(1)
		return
	}

	ev, err := Decode(eventType, data)
	if err != nil {
		b.decodeErrors.Add(1)
		b.logger.Debug("event payload did not decode", "event", eventType, "error", err)
	}
	if _, ok := ev.(Unknown); ok {
		b.unknown.Add(1)
		b.logger.Debug("unknown event type", "event", eventType)
	}

	ran, err := Dispatch(eventType, ev, st.handlers)
	if err != nil {
		b.handlerPanics.Add(1)
		b.logger.Error("event callback failed", "event", eventType, "error", err)
	}
	if ran {
		b.dispatched.Add(1)
	}

	if st.callbacks.OnEvent != nil {
		if _, err := Dispatch(eventType, ev, Handlers{eventType: st.callbacks.OnEvent}); err != nil {
			b.handlerPanics.Add(1)
			b.logger.Error("event callback failed", "event", eventType, "error", err)
		}
	}
}

// Stats returns current counters.
func (b *Binding) Stats() BindingStats {
	return BindingStats{
		Received:      b.received.Load(),
		Filtered:      b.filtered.Load(),
		Dispatched:    b.dispatched.Load(),
		Unknown:       b.unknown.Load(),
		DecodeErrors:  b.decodeErrors.Load(),
		HandlerPanics: b.handlerPanics.Load(),
	}
}
