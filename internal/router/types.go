package router

import (
	"encoding/json"
	"time"

	"github.com/mycrewmanager/realtime/internal/connection"
)

// WrapperType is the type tag of a project-scoped wrapper frame.
const WrapperType = "project_event"

// Event type names sent by the server.
const (
	EventProjectUpdate       = "project_update"
	EventEpicUpdate          = "epic_update"
	EventSubEpicUpdate       = "sub_epic_update"
	EventUserStoryUpdate     = "user_story_update"
	EventTaskUpdate          = "task_update"
	EventMemberUpdate        = "member_update"
	EventRepositoryUpdate    = "repository_update"
	EventBacklogRegenerated  = "backlog_regenerated"
	EventOverviewRegenerated = "overview_regenerated"
	EventNotification        = "notification"
)

// EventData is the selected event object after normalization: the inner
// data object of a wrapper, or the message itself.
type EventData struct {
	Type      string
	Action    string
	ProjectID *int64
	Data      json.RawMessage
	Actor     *connection.Actor

	Raw        json.RawMessage // The selected object verbatim
	ReceivedAt time.Time
}

// Envelope returns the common fields. Every Event variant embeds EventData.
func (d EventData) Envelope() EventData {
	return d
}

// Normalize collapses both wire shapes into an event type and its data.
//
// A project_event wrapper with a non-null data field is unwrapped one level.
// In both cases type takes precedence over action; an empty string counts as
// absent. When the wrapper's data is not an object the event type is empty.
func Normalize(msg connection.Message) (string, EventData) {
	if msg.Type == WrapperType && msg.Data != nil {
		inner, err := connection.ParseMessage(msg.Data)
		if err != nil {
			return "", EventData{Raw: msg.Data, ReceivedAt: msg.ReceivedAt}
		}
		inner.ReceivedAt = msg.ReceivedAt
		return eventType(inner), fromMessage(inner)
	}
	return eventType(msg), fromMessage(msg)
}

func eventType(msg connection.Message) string {
	if msg.Type != "" {
		return msg.Type
	}
	return msg.Action
}

func fromMessage(msg connection.Message) EventData {
	return EventData{
		Type:       msg.Type,
		Action:     msg.Action,
		ProjectID:  msg.ProjectID,
		Data:       msg.Data,
		Actor:      msg.Actor,
		Raw:        msg.Raw,
		ReceivedAt: msg.ReceivedAt,
	}
}

// InScope reports whether an event for projectID passes a binding scoped to
// scope. A nil scope accepts everything; an event without a project always
// passes.
func InScope(scope, projectID *int64) bool {
	if scope == nil || projectID == nil {
		return true
	}
	return *scope == *projectID
}
