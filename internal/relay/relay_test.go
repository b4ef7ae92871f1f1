package relay

import (
	"errors"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycrewmanager/realtime/internal/connection"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func message(t *testing.T, frame string) connection.Message {
	t.Helper()
	msg, err := connection.ParseMessage([]byte(frame))
	require.NoError(t, err)
	return msg
}

type failingPublisher struct{}

func (failingPublisher) PublishMsg(*nats.Msg) error { return errors.New("nats: connection closed") }

func TestSubject(t *testing.T) {
	pid := int64(7)

	tests := []struct {
		name      string
		prefix    string
		projectID *int64
		eventType string
		want      string
	}{
		{"project event", "mcm.events", &pid, "task_update", "mcm.events.7.task_update"},
		{"global event", "mcm.events", nil, "notification", "mcm.events.global.notification"},
		{"prefix dots trimmed", ".mcm.", &pid, "epic_update", "mcm.7.epic_update"},
		{"no prefix", "", nil, "member_update", "global.member_update"},
		{"empty type", "mcm", nil, "", "mcm.global.unknown"},
		{"wildcards sanitized", "mcm", nil, "a.b*c>d e", "mcm.global.a_b_c_d_e"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Subject(tt.prefix, tt.projectID, tt.eventType))
		})
	}
}

func TestRelay_Publish(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := Connect(server.ClientURL(), "relay-test", nil)
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync("mcm.events.>")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	r := New(nc, "mcm.events", nil)
	inner := `{"type":"task_update","action":"updated","project_id":7,"actor":{"id":1,"name":"Alice"},"data":{"id":3}}`
	r.Handle(message(t, `{"type":"project_event","data":`+inner+`}`))
	r.Handle(message(t, `{"type":"notification","data":{"message":"hi"}}`))
	require.NoError(t, nc.Flush())

	first, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "mcm.events.7.task_update", first.Subject)
	assert.JSONEq(t, inner, string(first.Data))
	assert.Equal(t, "task_update", first.Header.Get(HeaderEventType))
	assert.Equal(t, "updated", first.Header.Get(HeaderAction))
	assert.Equal(t, "7", first.Header.Get(HeaderProjectID))
	assert.Equal(t, "1", first.Header.Get(HeaderActorID))

	second, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "mcm.events.global.notification", second.Subject)
	assert.Empty(t, second.Header.Get(HeaderProjectID))

	assert.Equal(t, Stats{Published: 2}, r.Stats())
}

func TestRelay_ProjectWildcard(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync("mcm.7.>")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	r := New(nc, "mcm", nil)
	r.Handle(message(t, `{"type":"task_update","project_id":9}`))
	r.Handle(message(t, `{"type":"task_update","project_id":7}`))
	require.NoError(t, nc.Flush())

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "mcm.7.task_update", msg.Subject)

	_, err = sub.NextMsg(50 * time.Millisecond)
	assert.ErrorIs(t, err, nats.ErrTimeout)
}

func TestRelay_PublishFailureCounted(t *testing.T) {
	r := New(failingPublisher{}, "mcm", nil)

	r.Handle(message(t, `{"type":"task_update"}`))

	assert.Equal(t, Stats{Failed: 1}, r.Stats())
}
