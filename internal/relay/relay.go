// Package relay republishes normalized channel events on NATS so other
// services can consume them without holding a session.
//
// Subjects have the form <prefix>.<project_id|global>.<event_type>, so a
// consumer can subscribe to one project with "<prefix>.7.>" or to one event
// type across projects with "<prefix>.*.task_update". The message body is
// the normalized event object; the event type, action and project ID are
// repeated as headers.
package relay

import (
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mycrewmanager/realtime/internal/connection"
	"github.com/mycrewmanager/realtime/internal/router"
)

// Header names set on every relayed message.
const (
	HeaderEventType = "Mcm-Event-Type"
	HeaderAction    = "Mcm-Action"
	HeaderProjectID = "Mcm-Project-Id"
	HeaderActorID   = "Mcm-Actor-Id"
)

// GlobalToken is the subject token for events without a project.
const GlobalToken = "global"

// Publisher is the part of *nats.Conn the relay uses.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// Stats contains relay counters.
type Stats struct {
	Published int64
	Failed    int64
}

// Relay publishes every message it handles.
type Relay struct {
	pub    Publisher
	prefix string
	logger *slog.Logger

	published atomic.Int64
	failed    atomic.Int64
}

// New creates a relay publishing under prefix.
func New(pub Publisher, prefix string, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		pub:    pub,
		prefix: strings.Trim(prefix, "."),
		logger: logger,
	}
}

// Handle publishes one message. Errors are logged and counted.
func (r *Relay) Handle(msg connection.Message) {
	eventType, data := router.Normalize(msg)

	m := nats.NewMsg(Subject(r.prefix, data.ProjectID, eventType))
	m.Data = data.Raw
	m.Header.Set(HeaderEventType, eventType)
	if data.Action != "" {
		m.Header.Set(HeaderAction, data.Action)
	}
	if data.ProjectID != nil {
		m.Header.Set(HeaderProjectID, strconv.FormatInt(*data.ProjectID, 10))
	}
	if data.Actor != nil {
		m.Header.Set(HeaderActorID, strconv.FormatInt(data.Actor.ID, 10))
	}

	if err := r.pub.PublishMsg(m); err != nil {
		r.failed.Add(1)
		r.logger.Warn("relay publish failed", "subject", m.Subject, "error", err)
		return
	}
	r.published.Add(1)
}

// Stats returns current counters.
func (r *Relay) Stats() Stats {
	return Stats{
		Published: r.published.Load(),
		Failed:    r.failed.Load(),
	}
}

// Subject builds the subject for an event.
func Subject(prefix string, projectID *int64, eventType string) string {
	scope := GlobalToken
	if projectID != nil {
		scope = strconv.FormatInt(*projectID, 10)
	}
	subject := token(scope) + "." + token(eventType)
	if prefix = strings.Trim(prefix, "."); prefix != "" {
		subject = prefix + "." + subject
	}
	return subject
}

// token makes s safe as a single subject token.
func token(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// Connect dials NATS with reconnects enabled and connection events logged.
func Connect(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return nats.Connect(url,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("relay disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("relay reconnected", "url", nc.ConnectedUrlRedacted())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Debug("relay connection closed")
		}),
	)
}
