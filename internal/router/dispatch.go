package router

import (
	"fmt"
)

// Handlers maps an event type to the callback registered for it.
type Handlers map[string]func(Event)

// Dispatch invokes handlers[eventType] with ev. A missing handler is not an
// error: it returns false and nothing happens. A panicking handler is
// recovered and reported as an error.
func Dispatch(eventType string, ev Event, handlers Handlers) (ran bool, err error) {
	h := handlers[eventType]
	if h == nil {
		return false, nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler for %q panicked: %v", eventType, r)
		}
	}()

	h(ev)
	return true, nil
}

// Callbacks is the set of typed callbacks one feature registers. Nil
// fields are not registered.
type Callbacks struct {
	OnProjectUpdate       func(ProjectUpdated)
	OnEpicUpdate          func(EpicUpdated)
	OnSubEpicUpdate       func(SubEpicUpdated)
	OnUserStoryUpdate     func(UserStoryUpdated)
	OnTaskUpdate          func(TaskUpdated)
	OnMemberUpdate        func(MemberUpdated)
	OnRepositoryUpdate    func(RepositoryUpdated)
	OnBacklogRegenerated  func(BacklogRegenerated)
	OnOverviewRegenerated func(OverviewRegenerated)
	OnNotification        func(Notification)

	// OnEvent, when set, sees every event that passes scoping, including
	// Unknown, after the typed callback.
	OnEvent func(Event)
}

// Handlers builds the dispatch table for the typed callbacks.
func (c Callbacks) Handlers() Handlers {
	h := make(Handlers)
	register(h, EventProjectUpdate, c.OnProjectUpdate)
	register(h, EventEpicUpdate, c.OnEpicUpdate)
	register(h, EventSubEpicUpdate, c.OnSubEpicUpdate)
	register(h, EventUserStoryUpdate, c.OnUserStoryUpdate)
	register(h, EventTaskUpdate, c.OnTaskUpdate)
	register(h, EventMemberUpdate, c.OnMemberUpdate)
	register(h, EventRepositoryUpdate, c.OnRepositoryUpdate)
	register(h, EventBacklogRegenerated, c.OnBacklogRegenerated)
	register(h, EventOverviewRegenerated, c.OnOverviewRegenerated)
	register(h, EventNotification, c.OnNotification)
	return h
}

func register[E Event](h Handlers, eventType string, fn func(E)) {
	if fn == nil {
		return
	}
	h[eventType] = func(ev Event) {
		if e, ok := ev.(E); ok {
			fn(e)
		}
	}
}
