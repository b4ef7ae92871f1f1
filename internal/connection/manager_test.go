package connection

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// readResult is one scripted ReadMessage outcome.
type readResult struct {
	data []byte
	err  error
}

// fakeConn is a scripted transport.
type fakeConn struct {
	reads     chan readResult
	closed    chan struct{}
	closeOnce sync.Once
	closeCode atomic.Int64
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		reads:  make(chan readResult, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case r := <-c.reads:
		return r.data, r.err
	case <-c.closed:
		return nil, errors.New("use of closed network connection")
	}
}

func (c *fakeConn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.closeCode.Store(int64(code))
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) send(frame string) {
	c.reads <- readResult{data: []byte(frame)}
}

func (c *fakeConn) serverClose(code int) {
	c.reads <- readResult{err: &websocket.CloseError{Code: code}}
}

func (c *fakeConn) fail(err error) {
	c.reads <- readResult{err: err}
}

// fakeDialer records dials and hands out fakeConns.
type fakeDialer struct {
	mu        sync.Mutex
	urls      []string
	conns     []*fakeConn
	failFirst int  // Fail this many dials before succeeding
	failAll   bool // Fail every dial
	block     chan struct{}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	n := len(d.urls)
	fail := d.failAll || n <= d.failFirst
	block := d.block
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if fail {
		return nil, errors.New("connection refused")
	}

	c := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) setFailAll(v bool) {
	d.mu.Lock()
	d.failAll = v
	d.mu.Unlock()
}

func staticToken(token string) TokenSource {
	return TokenFunc(func() (string, bool) { return token, token != "" })
}

func testConfig() ManagerConfig {
	cfg := DefaultManagerConfig()
	cfg.BaseURL = "http://localhost:8000/api"
	cfg.ReconnectDelay = 10 * time.Millisecond
	cfg.PingInterval = 0
	return cfg
}

func newTestManager(d Dialer, token string) *manager {
	return NewManager(testConfig(), staticToken(token), slog.Default(), WithDialer(d)).(*manager)
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

// statusRecorder collects transitions in order.
type statusRecorder struct {
	mu  sync.Mutex
	got []string
}

func (r *statusRecorder) record(from, to Status) {
	r.mu.Lock()
	r.got = append(r.got, string(from)+"->"+string(to))
	r.mu.Unlock()
}

func (r *statusRecorder) transitions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func TestManager_InitialState(t *testing.T) {
	m := newTestManager(&fakeDialer{}, "abc123")

	if m.Status() != StatusDisconnected {
		t.Errorf("Status = %s, want disconnected", m.Status())
	}
	stats := m.Stats()
	if stats.Retries != 0 || stats.Subscribers != 0 {
		t.Errorf("unexpected initial stats: %+v", stats)
	}
}

func TestManager_Connect(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, "abc123")
	defer m.Close()

	m.Connect()
	waitFor(t, time.Second, "connected", func() bool { return m.Status() == StatusConnected })

	if d.dialCount() != 1 {
		t.Fatalf("dials = %d, want 1", d.dialCount())
	}
	want := "ws://localhost:8000/ws/project-updates/?token=abc123"
	if d.urls[0] != want {
		t.Errorf("url = %q, want %q", d.urls[0], want)
	}
	if m.Stats().Retries != 0 {
		t.Errorf("Retries = %d, want 0", m.Stats().Retries)
	}
}

func TestManager_ConnectIdempotent(t *testing.T) {
	block := make(chan struct{})
	d := &fakeDialer{block: block}
	m := newTestManager(d, "abc123")
	defer m.Close()

	m.Connect()
	if m.Status() != StatusConnecting {
		t.Fatalf("Status = %s, want connecting", m.Status())
	}

	// Second call while in flight must not dial again.
	m.Connect()
	close(block)

	waitFor(t, time.Second, "connected", func() bool { return m.Status() == StatusConnected })

	// And again while connected.
	m.Connect()
	time.Sleep(20 * time.Millisecond)

	if got := d.dialCount(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
}

func TestManager_NoToken(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, "")
	defer m.Close()

	rec := &statusRecorder{}
	m.WatchStatus(rec.record)

	m.Connect()
	time.Sleep(20 * time.Millisecond)

	if m.Status() != StatusDisconnected {
		t.Errorf("Status = %s, want disconnected", m.Status())
	}
	if d.dialCount() != 0 {
		t.Errorf("dials = %d, want 0", d.dialCount())
	}
	if len(rec.transitions()) != 0 {
		t.Errorf("unexpected transitions: %v", rec.transitions())
	}
}

func TestManager_DisconnectSuppressesReconnect(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, "abc123")
	defer m.Close()

	m.Connect()
	waitFor(t, time.Second, "connected", func() bool { return m.Status() == StatusConnected })
	conn := d.lastConn()

	m.Disconnect()

	if got := conn.closeCode.Load(); got != CloseNormal {
		t.Errorf("close code = %d, want %d", got, CloseNormal)
	}

	// Wait well past the reconnect delay.
	time.Sleep(50 * time.Millisecond)

	if m.Status() != StatusDisconnected {
		t.Errorf("Status = %s, want disconnected", m.Status())
	}
	if m.reconnectPending() {
		t.Error("reconnect still pending after Disconnect")
	}
	if got := d.dialCount(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
}

func TestManager_DisconnectIdempotent(t *testing.T) {
	m := newTestManager(&fakeDialer{}, "abc123")

	m.Disconnect()
	m.Disconnect()

	if m.Status() != StatusDisconnected {
		t.Errorf("Status = %s, want disconnected", m.Status())
	}
}

func TestManager_DisconnectCancelsPendingReconnect(t *testing.T) {
	d := &fakeDialer{}
	cfg := testConfig()
	cfg.ReconnectDelay = 100 * time.Millisecond
	m := NewManager(cfg, staticToken("abc123"), nil, WithDialer(d)).(*manager)
	defer m.Close()

	m.Connect()
	waitFor(t, time.Second, "connected", func() bool { return m.Status() == StatusConnected })

	d.lastConn().serverClose(websocket.CloseGoingAway)
	waitFor(t, time.Second, "reconnecting", func() bool { return m.Status() == StatusReconnecting })

	m.Disconnect()
	time.Sleep(150 * time.Millisecond)

	if got := d.dialCount(); got != 1 {
		t.Errorf("dials = %d, want 1 (reconnect fired after Disconnect)", got)
	}
	if m.Stats().Retries != 0 {
		t.Errorf("Retries = %d, want 0", m.Stats().Retries)
	}
}

func TestManager_DisconnectDuringDial(t *testing.T) {
	block := make(chan struct{})
	d := &fakeDialer{block: block}
	m := newTestManager(d, "abc123")
	defer m.Close()

	m.Connect()
	m.Disconnect()
	close(block)

	time.Sleep(30 * time.Millisecond)

	if m.Status() != StatusDisconnected {
		t.Errorf("Status = %s, want disconnected", m.Status())
	}
	if m.reconnectPending() {
		t.Error("reconnect pending after Disconnect during dial")
	}
}

func TestManager_ServerCleanClose(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, "abc123")
	defer m.Close()

	m.Connect()
	waitFor(t, time.Second, "connected", func() bool { return m.Status() == StatusConnected })

	d.lastConn().serverClose(CloseNormal)
	waitFor(t, time.Second, "disconnected", func() bool { return m.Status() == StatusDisconnected })

	time.Sleep(30 * time.Millisecond)
	if got := d.dialCount(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
}

func TestManager_AbnormalCloseReconnects(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, "abc123")
	defer m.Close()

	rec := &statusRecorder{}
	m.WatchStatus(rec.record)

	m.Connect()
	waitFor(t, time.Second, "connected", func() bool { return m.Status() == StatusConnected })

	first := d.lastConn()
	first.serverClose(CloseAbnormal)

	waitFor(t, time.Second, "second dial", func() bool { return d.dialCount() == 2 })
	waitFor(t, time.Second, "reconnected", func() bool { return m.Status() == StatusConnected })
	waitFor(t, time.Second, "observers", func() bool { return len(rec.transitions()) >= 6 })

	want := []string{
		"disconnected->connecting",
		"connecting->connected",
		"connected->disconnected",
		"disconnected->reconnecting",
		"reconnecting->connecting",
		"connecting->connected",
	}
	got := rec.transitions()
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, got[i], want[i])
		}
	}

	if m.Stats().Retries != 0 {
		t.Errorf("Retries = %d, want 0 after successful reconnect", m.Stats().Retries)
	}
}

func TestManager_TransportErrorReconnects(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, "abc123")
	defer m.Close()

	m.Connect()
	waitFor(t, time.Second, "connected", func() bool { return m.Status() == StatusConnected })

	d.lastConn().fail(io.ErrUnexpectedEOF)

	waitFor(t, time.Second, "second dial", func() bool { return d.dialCount() == 2 })
	waitFor(t, time.Second, "reconnected", func() bool { return m.Status() == StatusConnected })
}

func TestManager_BoundedRetries(t *testing.T) {
	d := &fakeDialer{failAll: true}
	m := newTestManager(d, "abc123")
	defer m.Close()

	m.Connect()

	// One initial attempt plus exactly five reconnections.
	waitFor(t, 2*time.Second, "retry exhaustion", func() bool {
		return d.dialCount() == 6 &&
			m.Status() == StatusDisconnected &&
			!m.reconnectPending() &&
			m.Stats().ReconnectsPlanned == 5
	})

	time.Sleep(50 * time.Millisecond)

	if got := d.dialCount(); got != 6 {
		t.Errorf("dials = %d, want 6", got)
	}
	if m.Status() != StatusDisconnected {
		t.Errorf("Status = %s, want disconnected", m.Status())
	}
	if m.reconnectPending() {
		t.Error("timer still pending after exhaustion")
	}
	if got := m.Stats().Retries; got != 5 {
		t.Errorf("Retries = %d, want 5", got)
	}
}

func TestManager_RetryCounterResetOnSuccess(t *testing.T) {
	d := &fakeDialer{failFirst: 3}
	m := newTestManager(d, "abc123")
	defer m.Close()

	m.Connect()
	waitFor(t, 2*time.Second, "connected", func() bool { return m.Status() == StatusConnected })

	if got := d.dialCount(); got != 4 {
		t.Fatalf("dials = %d, want 4", got)
	}
	if got := m.Stats().Retries; got != 0 {
		t.Fatalf("Retries = %d, want 0", got)
	}

	// A fresh episode gets the full five attempts again.
	d.setFailAll(true)
	d.lastConn().serverClose(CloseAbnormal)

	waitFor(t, 2*time.Second, "second exhaustion", func() bool {
		return d.dialCount() == 9 && m.Status() == StatusDisconnected && !m.reconnectPending()
	})

	time.Sleep(50 * time.Millisecond)
	if got := d.dialCount(); got != 9 {
		t.Errorf("dials = %d, want 9", got)
	}
	if got := m.Stats().ReconnectsPlanned; got != 8 {
		t.Errorf("ReconnectsPlanned = %d, want 8", got)
	}
}

func TestManager_MalformedFrameDropped(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, "abc123")
	defer m.Close()

	var mu sync.Mutex
	var got []Message
	m.Subscribe(func(msg Message) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	})

	m.Connect()
	waitFor(t, time.Second, "connected", func() bool { return m.Status() == StatusConnected })

	conn := d.lastConn()
	conn.send("not json at all")
	conn.send(`{"type":"task_update","project_id":7}`)

	waitFor(t, time.Second, "valid frame", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if got[0].Type != "task_update" {
		t.Errorf("Type = %q, want task_update", got[0].Type)
	}
	if m.Status() != StatusConnected {
		t.Errorf("Status = %s, want connected", m.Status())
	}
	if stats := m.Stats(); stats.ParseErrors != 1 || stats.FramesReceived != 2 {
		t.Errorf("stats = %+v, want 1 parse error of 2 frames", stats)
	}
}

func TestManager_FramesDeliveredInOrder(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, "abc123")
	defer m.Close()

	var mu sync.Mutex
	var types []string
	m.Subscribe(func(msg Message) {
		mu.Lock()
		types = append(types, msg.Type)
		mu.Unlock()
	})

	m.Connect()
	waitFor(t, time.Second, "connected", func() bool { return m.Status() == StatusConnected })

	conn := d.lastConn()
	for _, typ := range []string{"a", "b", "c", "d"} {
		conn.send(`{"type":"` + typ + `"}`)
	}

	waitFor(t, time.Second, "four frames", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(types) == 4
	})

	if strings.Join(types, "") != "abcd" {
		t.Errorf("order = %v, want [a b c d]", types)
	}
}

func TestManager_SubscribeUnsubscribe(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, "abc123")
	defer m.Close()

	var first, second atomic.Int64
	unsubFirst := m.Subscribe(func(Message) { first.Add(1) })
	m.Subscribe(func(Message) { second.Add(1) })

	if d.dialCount() != 0 {
		t.Fatal("Subscribe must not trigger a connection")
	}
	if got := m.Stats().Subscribers; got != 2 {
		t.Fatalf("Subscribers = %d, want 2", got)
	}

	m.Connect()
	waitFor(t, time.Second, "connected", func() bool { return m.Status() == StatusConnected })

	conn := d.lastConn()
	conn.send(`{"type":"x"}`)
	waitFor(t, time.Second, "first delivery", func() bool { return second.Load() == 1 })

	unsubFirst()
	unsubFirst()

	conn.send(`{"type":"y"}`)
	waitFor(t, time.Second, "second delivery", func() bool { return second.Load() == 2 })

	if got := first.Load(); got != 1 {
		t.Errorf("unsubscribed handler calls = %d, want 1", got)
	}
	if got := m.Stats().Subscribers; got != 1 {
		t.Errorf("Subscribers = %d, want 1", got)
	}
}

func TestManager_HandlerPanicRecovered(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, "abc123")
	defer m.Close()

	var calls atomic.Int64
	m.Subscribe(func(Message) { panic("boom") })
	m.Subscribe(func(Message) { calls.Add(1) })

	m.Connect()
	waitFor(t, time.Second, "connected", func() bool { return m.Status() == StatusConnected })

	conn := d.lastConn()
	conn.send(`{"type":"x"}`)
	conn.send(`{"type":"y"}`)

	waitFor(t, time.Second, "deliveries", func() bool { return calls.Load() == 2 })

	if m.Status() != StatusConnected {
		t.Errorf("Status = %s, want connected", m.Status())
	}
	if got := m.Stats().HandlerPanics; got != 2 {
		t.Errorf("HandlerPanics = %d, want 2", got)
	}
}

func TestManager_CloseRetires(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, "abc123")

	m.Close()
	m.Connect()
	time.Sleep(20 * time.Millisecond)

	if d.dialCount() != 0 {
		t.Errorf("dials = %d, want 0 after Close", d.dialCount())
	}
}

func TestManager_WatcherMayCallBack(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, "abc123")
	defer m.Close()

	var seen atomic.Value
	m.WatchStatus(func(from, to Status) {
		// Reading status from an observer must not deadlock.
		seen.Store(m.Status())
	})

	m.Connect()
	waitFor(t, time.Second, "connected", func() bool { return m.Status() == StatusConnected })
	waitFor(t, time.Second, "observer", func() bool { return seen.Load() == StatusConnected })
}

// mockWSServer creates a test WebSocket server.
func mockWSServer(t *testing.T, handler func(*websocket.Conn, *http.Request)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn, r)
	}))
}

func TestManager_EndToEnd(t *testing.T) {
	var connections atomic.Int64
	var gotPath, gotToken atomic.Value
	cleanClose := make(chan int, 1)

	server := mockWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		n := connections.Add(1)
		gotPath.Store(r.URL.Path)
		gotToken.Store(r.URL.Query().Get("token"))

		if n == 1 {
			frame := `{"type":"epic_update","action":"created","project_id":5,"data":{"id":42},"actor":{"id":1,"name":"Alice"}}`
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
			// Drop without a close frame: the client sees 1006.
			time.Sleep(20 * time.Millisecond)
			return
		}

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if code, ok := CloseCode(err); ok {
					cleanClose <- code
				}
				return
			}
		}
	})
	defer server.Close()

	cfg := DefaultManagerConfig()
	cfg.BaseURL = server.URL + "/api"
	cfg.ReconnectDelay = 20 * time.Millisecond
	cfg.PingInterval = 0

	m := NewManager(cfg, staticToken("abc123"), nil)
	defer m.Close()

	msgs := make(chan Message, 4)
	m.Subscribe(func(msg Message) { msgs <- msg })

	m.Connect()

	select {
	case msg := <-msgs:
		if msg.Type != "epic_update" || msg.Action != "created" {
			t.Errorf("got type=%q action=%q", msg.Type, msg.Action)
		}
		if msg.ProjectID == nil || *msg.ProjectID != 5 {
			t.Errorf("ProjectID = %v, want 5", msg.ProjectID)
		}
		if msg.Actor == nil || msg.Actor.Name != "Alice" || msg.Actor.ID != 1 {
			t.Errorf("Actor = %+v, want Alice/1", msg.Actor)
		}
		if string(msg.Data) != `{"id":42}` {
			t.Errorf("Data = %s", msg.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for frame")
	}

	waitFor(t, 2*time.Second, "reconnect", func() bool {
		return connections.Load() == 2 && m.Status() == StatusConnected
	})

	if p, _ := gotPath.Load().(string); p != "/ws/project-updates/" {
		t.Errorf("path = %q", p)
	}
	if tok, _ := gotToken.Load().(string); tok != "abc123" {
		t.Errorf("token = %q", tok)
	}

	m.Disconnect()

	select {
	case code := <-cleanClose:
		if code != websocket.CloseNormalClosure {
			t.Errorf("server saw close code %d, want 1000", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the close frame")
	}
}
