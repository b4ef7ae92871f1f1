package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycrewmanager/realtime/internal/connection"
	"github.com/mycrewmanager/realtime/internal/router"
)

func route(t *testing.T, frame string) router.Event {
	t.Helper()
	msg, err := connection.ParseMessage([]byte(frame))
	require.NoError(t, err)
	ev, _ := router.Route(msg)
	return ev
}

func TestPrinter(t *testing.T) {
	var out bytes.Buffer
	stopped := false
	p := &printer{out: &out, limit: 2, done: func() { stopped = true }}

	p.print(route(t, `{"type":"project_event","data":{"type":"task_update","action":"updated","project_id":7,"data":{"id":3,"title":"Ship it","status":"done"},"actor":{"id":1,"name":"Ada"}}}`))
	assert.False(t, stopped)
	p.print(route(t, `{"type":"sprint_closed","project_id":7}`))
	assert.True(t, stopped)
	p.print(route(t, `{"type":"notification","data":{"message":"ignored"}}`))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, `[TASK_UPDATE] project=7 action=updated actor=Ada task=3 title="Ship it" status=done`, lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "[UNKNOWN:sprint_closed] project=7"))
	assert.Equal(t, 2, p.printed)
}

func TestPrinterVerbose(t *testing.T) {
	var out bytes.Buffer
	p := &printer{out: &out, verbose: true, done: func() {}}

	p.print(route(t, `{"type":"notification","data":{"title":"Hi","message":"Welcome"}}`))

	assert.True(t, strings.HasPrefix(out.String(), "[NOTIFICATION] {"))
	assert.Contains(t, out.String(), `"message": "Welcome"`)
}

func TestRunFlags(t *testing.T) {
	require.NoError(t, run([]string{"--help"}))
	assert.Error(t, run([]string{"--bogus"}))

	t.Setenv("MCM_ACCESS_TOKEN", "")
	err := run([]string{"--base-url", "http://127.0.0.1:1/api"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no session token")
}
