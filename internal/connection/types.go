package connection

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Errors
var (
	ErrUnsupportedScheme = errors.New("unsupported base url scheme")
	ErrNotObject         = errors.New("frame is not a JSON object")
)

// WebSocket close codes the manager cares about.
const (
	CloseNormal   = 1000 // Clean, intentional shutdown. Never reconnects.
	CloseAbnormal = 1006 // Transport dropped without a close frame.
)

// Status is the connection state exposed to the rest of the application.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
)

// StatusFunc observes a status transition.
type StatusFunc func(from, to Status)

// Actor is the user who caused an event.
type Actor struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Message is one parsed inbound frame.
type Message struct {
	Type      string          // Event name or the "project_event" wrapper tag
	Action    string          // "created", "updated", "joined", "left", ...
	ProjectID *int64          // nil for global events
	Data      json.RawMessage // Event-specific payload, nil when absent
	Actor     *Actor          // nil when absent

	Raw        json.RawMessage // The complete frame object
	ReceivedAt time.Time       // Local timestamp when the frame was read
}

// Handler receives every parsed inbound message.
type Handler func(Message)

// TokenSource supplies the session bearer token.
type TokenSource interface {
	Token() (string, bool)
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func() (string, bool)

func (f TokenFunc) Token() (string, bool) {
	return f()
}

// messageWire is the lenient wire shape of a frame. Scalar fields are kept
// raw so a mistyped field does not reject the whole frame.
type messageWire struct {
	Type      json.RawMessage `json:"type"`
	Action    json.RawMessage `json:"action"`
	ProjectID json.RawMessage `json:"project_id"`
	Data      json.RawMessage `json:"data"`
	Actor     json.RawMessage `json:"actor"`
}

type actorWire struct {
	ID   json.RawMessage `json:"id"`
	Name json.RawMessage `json:"name"`
}

// ParseMessage decodes a frame. The frame must be a JSON object; individual
// fields of an unexpected type are treated as absent.
func ParseMessage(data []byte) (Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		if !json.Valid(trimmed) {
			return Message{}, fmt.Errorf("decode frame: invalid JSON")
		}
		return Message{}, ErrNotObject
	}

	var wire messageWire
	if err := json.Unmarshal(trimmed, &wire); err != nil {
		return Message{}, fmt.Errorf("decode frame: %w", err)
	}

	msg := Message{
		Type:      rawString(wire.Type),
		Action:    rawString(wire.Action),
		ProjectID: ParseID(wire.ProjectID),
		Raw:       json.RawMessage(trimmed),
	}
	if IsPresent(wire.Data) {
		msg.Data = wire.Data
	}
	if IsPresent(wire.Actor) {
		var a actorWire
		if err := json.Unmarshal(wire.Actor, &a); err == nil {
			actor := Actor{Name: rawString(a.Name)}
			if id := ParseID(a.ID); id != nil {
				actor.ID = *id
			}
			msg.Actor = &actor
		}
	}
	return msg, nil
}

// IsPresent reports whether a raw field was sent with a non-null value.
func IsPresent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// ParseID accepts a JSON number or a quoted integer. Anything else is nil.
func ParseID(raw json.RawMessage) *int64 {
	if !IsPresent(raw) {
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if v, err := n.Int64(); err == nil {
			return &v
		}
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			return &v
		}
	}
	return nil
}

func rawString(raw json.RawMessage) string {
	if !IsPresent(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	BaseURL          string        // HTTP(S) API base URL, e.g. https://api.example.com/api
	Path             string        // WebSocket path appended to the host (default /ws/project-updates/)
	ReconnectDelay   time.Duration // Fixed delay between reconnect attempts
	MaxRetries       int           // Reconnect attempts per disconnect episode
	HandshakeTimeout time.Duration // Dial handshake timeout
	PingInterval     time.Duration // Keepalive ping interval (0 disables)
	UserAgent        string        // Sent on the handshake request
}

// DefaultManagerConfig returns the documented defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Path:             DefaultPath,
		ReconnectDelay:   3 * time.Second,
		MaxRetries:       5,
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
	}
}

// Stats provides statistics about the channel.
type Stats struct {
	Status            Status
	Retries           int   // Current reconnect episode attempt count
	Subscribers       int   // Registered handlers
	ConnectAttempts   int64 // Dials started
	Connects          int64 // Successful opens
	ReconnectsPlanned int64 // Reconnects scheduled
	FramesReceived    int64
	ParseErrors       int64
	HandlerPanics     int64
}
