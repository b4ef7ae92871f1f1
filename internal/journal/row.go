package journal

import (
	"time"

	"github.com/google/uuid"

	"github.com/mycrewmanager/realtime/internal/connection"
	"github.com/mycrewmanager/realtime/internal/router"
)

// Row is one project_events record.
type Row struct {
	ID         uuid.UUID
	EventType  string
	Action     string
	ProjectID  *int64
	ActorID    *int64
	ActorName  *string
	Payload    []byte // Normalized event object, JSON
	ReceivedAt time.Time
}

// NewRow normalizes msg into a row with a fresh ID.
func NewRow(msg connection.Message) Row {
	eventType, data := router.Normalize(msg)

	row := Row{
		ID:         uuid.New(),
		EventType:  eventType,
		Action:     data.Action,
		ProjectID:  data.ProjectID,
		Payload:    data.Raw,
		ReceivedAt: data.ReceivedAt,
	}
	if row.ReceivedAt.IsZero() {
		row.ReceivedAt = time.Now()
	}
	if row.Payload == nil {
		row.Payload = []byte("{}")
	}
	if data.Actor != nil {
		id, name := data.Actor.ID, data.Actor.Name
		row.ActorID = &id
		if name != "" {
			row.ActorName = &name
		}
	}
	return row
}
