package router

import (
	"encoding/json"
	"fmt"

	"github.com/mycrewmanager/realtime/internal/connection"
)

// Event is one decoded channel event. The concrete type is one of the
// variants below or Unknown.
type Event interface {
	Kind() string
	Envelope() EventData
}

// Payloads. Fields the server omits stay zero.

type ProjectPayload struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`
}

type EpicPayload struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`
}

type SubEpicPayload struct {
	ID     int64  `json:"id"`
	Title  string `json:"title"`
	EpicID int64  `json:"epic_id,omitempty"`
	Status string `json:"status,omitempty"`
}

type UserStoryPayload struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	SubEpicID int64  `json:"sub_epic_id,omitempty"`
	Status    string `json:"status,omitempty"`
}

type TaskPayload struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Status      string `json:"status,omitempty"`
	Priority    string `json:"priority,omitempty"`
	UserStoryID int64  `json:"user_story_id,omitempty"`
	AssigneeID  *int64 `json:"assignee_id,omitempty"`
}

type MemberPayload struct {
	UserID int64  `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`
}

type RepositoryPayload struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

// RegenerationPayload describes a finished AI regeneration job.
type RegenerationPayload struct {
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
	Count   int    `json:"count,omitempty"`
}

type NotificationPayload struct {
	ID      int64  `json:"id,omitempty"`
	Title   string `json:"title,omitempty"`
	Message string `json:"message"`
	Level   string `json:"level,omitempty"`
	Link    string `json:"link,omitempty"`
}

// Variants.

type ProjectUpdated struct {
	EventData
	Project ProjectPayload
}

type EpicUpdated struct {
	EventData
	Epic EpicPayload
}

type SubEpicUpdated struct {
	EventData
	SubEpic SubEpicPayload
}

type UserStoryUpdated struct {
	EventData
	UserStory UserStoryPayload
}

type TaskUpdated struct {
	EventData
	Task TaskPayload
}

type MemberUpdated struct {
	EventData
	Member MemberPayload
}

type RepositoryUpdated struct {
	EventData
	Repository RepositoryPayload
}

type BacklogRegenerated struct {
	EventData
	Result RegenerationPayload
}

type OverviewRegenerated struct {
	EventData
	Result RegenerationPayload
}

type Notification struct {
	EventData
	Notification NotificationPayload
}

// Unknown carries an event type this package does not model.
type Unknown struct {
	EventData
	Name string
}

func (ProjectUpdated) Kind() string      { return EventProjectUpdate }
func (EpicUpdated) Kind() string         { return EventEpicUpdate }
func (SubEpicUpdated) Kind() string      { return EventSubEpicUpdate }
func (UserStoryUpdated) Kind() string    { return EventUserStoryUpdate }
func (TaskUpdated) Kind() string         { return EventTaskUpdate }
func (MemberUpdated) Kind() string       { return EventMemberUpdate }
func (RepositoryUpdated) Kind() string   { return EventRepositoryUpdate }
func (BacklogRegenerated) Kind() string  { return EventBacklogRegenerated }
func (OverviewRegenerated) Kind() string { return EventOverviewRegenerated }
func (Notification) Kind() string        { return EventNotification }
func (u Unknown) Kind() string           { return u.Name }

var decoders = map[string]func(EventData) (Event, error){
	EventProjectUpdate: func(d EventData) (Event, error) {
		p, err := payload[ProjectPayload](d)
		return ProjectUpdated{d, p}, err
	},
	EventEpicUpdate: func(d EventData) (Event, error) {
		p, err := payload[EpicPayload](d)
		return EpicUpdated{d, p}, err
	},
	EventSubEpicUpdate: func(d EventData) (Event, error) {
		p, err := payload[SubEpicPayload](d)
		return SubEpicUpdated{d, p}, err
	},
	EventUserStoryUpdate: func(d EventData) (Event, error) {
		p, err := payload[UserStoryPayload](d)
		return UserStoryUpdated{d, p}, err
	},
	EventTaskUpdate: func(d EventData) (Event, error) {
		p, err := payload[TaskPayload](d)
		return TaskUpdated{d, p}, err
	},
	EventMemberUpdate: func(d EventData) (Event, error) {
		p, err := payload[MemberPayload](d)
		return MemberUpdated{d, p}, err
	},
	EventRepositoryUpdate: func(d EventData) (Event, error) {
		p, err := payload[RepositoryPayload](d)
		return RepositoryUpdated{d, p}, err
	},
	EventBacklogRegenerated: func(d EventData) (Event, error) {
		p, err := payload[RegenerationPayload](d)
		return BacklogRegenerated{d, p}, err
	},
	EventOverviewRegenerated: func(d EventData) (Event, error) {
		p, err := payload[RegenerationPayload](d)
		return OverviewRegenerated{d, p}, err
	},
	EventNotification: func(d EventData) (Event, error) {
		p, err := payload[NotificationPayload](d)
		return Notification{d, p}, err
	},
}

// Decode maps a normalized event onto its variant. Unmodeled types yield
// Unknown. When the payload does not decode the variant is still returned,
// with a zero payload, together with the decode error.
func Decode(eventType string, d EventData) (Event, error) {
	dec, ok := decoders[eventType]
	if !ok {
		return Unknown{EventData: d, Name: eventType}, nil
	}
	return dec(d)
}

// Known reports whether eventType has a modeled variant.
func Known(eventType string) bool {
	_, ok := decoders[eventType]
	return ok
}

// Route normalizes and decodes a message in one step.
func Route(msg connection.Message) (Event, error) {
	return Decode(Normalize(msg))
}

// payload decodes P from data, or from the event object itself when it
// carries no data field. On failure P is zero.
func payload[P any](d EventData) (P, error) {
	var p P
	src := d.Data
	if src == nil {
		src = d.Raw
	}
	if src == nil {
		return p, nil
	}
	if err := json.Unmarshal(src, &p); err != nil {
		var zero P
		return zero, fmt.Errorf("decode %T: %w", zero, err)
	}
	return p, nil
}
