package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Manager owns the session's push channel.
//
// None of the methods block or return errors: failures are absorbed into
// Status and the bounded reconnect loop.
type Manager interface {
	// Connect starts a connection attempt unless one is live or in flight.
	Connect()

	// Disconnect cancels any pending reconnect and closes the socket cleanly.
	Disconnect()

	// Close disconnects and retires the manager; later Connect calls are no-ops.
	Close()

	// Subscribe registers a handler for every inbound message. The returned
	// function removes exactly that handler and is safe to call repeatedly.
	Subscribe(h Handler) (unsubscribe func())

	// WatchStatus registers a status transition observer.
	WatchStatus(fn StatusFunc) (unwatch func())

	// Status returns the current connection status.
	Status() Status

	// Stats returns current channel statistics.
	Stats() Stats
}

// Option configures a Manager.
type Option func(*manager)

// WithDialer replaces the gorilla/websocket dialer.
func WithDialer(d Dialer) Option {
	return func(m *manager) {
		m.dialer = d
	}
}

type transition struct {
	from, to Status
}

// manager implements the Manager interface.
type manager struct {
	cfg    ManagerConfig
	tokens TokenSource
	dialer Dialer
	logger *slog.Logger

	mu      sync.Mutex
	status  Status
	conn    Conn
	gen     uint64 // Bumped per socket; events from older sockets are ignored
	retries int
	closed  bool

	cancelDial context.CancelFunc

	// Pending reconnect; reconnectSeq invalidates superseded timers
	timer        *time.Timer
	reconnectSeq uint64

	// Status observers, notified outside mu in transition order
	watchers    map[uuid.UUID]StatusFunc
	transitions []transition
	notifying   bool

	handlersMu sync.RWMutex
	handlers   map[uuid.UUID]Handler

	connectAttempts   atomic.Int64
	connects          atomic.Int64
	reconnectsPlanned atomic.Int64
	framesReceived    atomic.Int64
	parseErrors       atomic.Int64
	handlerPanics     atomic.Int64
}

// NewManager creates a new Connection Manager in the disconnected state.
func NewManager(cfg ManagerConfig, tokens TokenSource, logger *slog.Logger, opts ...Option) Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if tokens == nil {
		tokens = TokenFunc(func() (string, bool) { return "", false })
	}

	m := &manager{
		cfg:      cfg,
		tokens:   tokens,
		logger:   logger,
		status:   StatusDisconnected,
		watchers: make(map[uuid.UUID]StatusFunc),
		handlers: make(map[uuid.UUID]Handler),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.dialer == nil {
		m.dialer = NewDialer(cfg, logger)
	}

	return m
}

// Connect starts a connection attempt.
func (m *manager) Connect() {
	m.mu.Lock()
	if m.closed || m.conn != nil || m.status == StatusConnecting || m.status == StatusConnected {
		m.mu.Unlock()
		return
	}

	token, ok := m.tokens.Token()
	if !ok || token == "" {
		m.logger.Debug("no session token, not connecting")
		m.stopTimerLocked()
		m.setStatusLocked(StatusDisconnected)
		m.mu.Unlock()
		m.notifyWatchers()
		return
	}

	url, err := BuildURL(m.cfg.BaseURL, m.cfg.Path, token)
	if err != nil {
		m.logger.Error("cannot derive websocket url", "error", err)
		m.stopTimerLocked()
		m.setStatusLocked(StatusDisconnected)
		m.mu.Unlock()
		m.notifyWatchers()
		return
	}

	// A manual Connect supersedes a pending reconnect.
	m.stopTimerLocked()

	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelDial = cancel
	m.setStatusLocked(StatusConnecting)
	attempt := m.retries
	m.mu.Unlock()

	m.notifyWatchers()
	m.connectAttempts.Add(1)

	m.logger.Debug("connecting", "url", redactURL(url), "attempt", attempt)

	go m.dial(ctx, cancel, gen, url)
}

// Disconnect closes the channel cleanly. Idempotent.
func (m *manager) Disconnect() {
	m.mu.Lock()
	m.stopTimerLocked()
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	conn := m.conn
	m.conn = nil
	m.gen++
	m.retries = 0
	m.setStatusLocked(StatusDisconnected)
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(CloseNormal, "client disconnect"); err != nil {
			m.logger.Debug("close websocket", "error", err)
		}
		m.logger.Info("realtime channel disconnected")
	}

	m.notifyWatchers()
}

// Close retires the manager.
func (m *manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.Disconnect()
}

// Subscribe registers a message handler.
func (m *manager) Subscribe(h Handler) func() {
	if h == nil {
		return func() {}
	}

	id := uuid.New()
	m.handlersMu.Lock()
	m.handlers[id] = h
	m.handlersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.handlersMu.Lock()
			delete(m.handlers, id)
			m.handlersMu.Unlock()
		})
	}
}

// WatchStatus registers a status observer.
func (m *manager) WatchStatus(fn StatusFunc) func() {
	if fn == nil {
		return func() {}
	}

	id := uuid.New()
	m.mu.Lock()
	m.watchers[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.watchers, id)
			m.mu.Unlock()
		})
	}
}

// Status returns the current status.
func (m *manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Stats returns current statistics.
func (m *manager) Stats() Stats {
	m.mu.Lock()
	status, retries := m.status, m.retries
	m.mu.Unlock()

	m.handlersMu.RLock()
	subscribers := len(m.handlers)
	m.handlersMu.RUnlock()

	return Stats{
		Status:            status,
		Retries:           retries,
		Subscribers:       subscribers,
		ConnectAttempts:   m.connectAttempts.Load(),
		Connects:          m.connects.Load(),
		ReconnectsPlanned: m.reconnectsPlanned.Load(),
		FramesReceived:    m.framesReceived.Load(),
		ParseErrors:       m.parseErrors.Load(),
		HandlerPanics:     m.handlerPanics.Load(),
	}
}

// dial opens the transport for generation gen and runs its read loop.
func (m *manager) dial(ctx context.Context, cancel context.CancelFunc, gen uint64, url string) {
	defer cancel()

	conn, err := m.dialer.Dial(ctx, url)

	m.mu.Lock()
	if gen != m.gen {
		// Superseded by Disconnect while dialing.
		m.mu.Unlock()
		if conn != nil {
			conn.Close(CloseNormal, "superseded")
		}
		return
	}
	m.cancelDial = nil

	if err != nil {
		m.mu.Unlock()
		m.logger.Warn("websocket dial failed", "url", redactURL(url), "error", err)
		m.handleError(gen, err)
		m.handleClose(gen, CloseAbnormal)
		return
	}

	m.conn = conn
	m.retries = 0
	m.setStatusLocked(StatusConnected)
	m.mu.Unlock()

	m.notifyWatchers()
	m.connects.Add(1)
	m.logger.Info("realtime channel connected", "url", redactURL(url))

	m.readLoop(gen, conn)
}

// readLoop delivers frames in transport order until the socket fails.
func (m *manager) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			code, sawFrame := CloseCode(err)
			if !sawFrame {
				m.handleError(gen, err)
			}
			m.handleClose(gen, code)
			return
		}

		if !m.isCurrent(gen) {
			return
		}

		m.handleFrame(data, time.Now())
	}
}

// handleFrame parses one frame and fans it out. Malformed frames are dropped.
func (m *manager) handleFrame(data []byte, receivedAt time.Time) {
	m.framesReceived.Add(1)

	msg, err := ParseMessage(data)
	if err != nil {
		m.parseErrors.Add(1)
		m.logger.Warn("dropping malformed frame", "error", err, "bytes", len(data))
		return
	}
	msg.ReceivedAt = receivedAt

	m.handlersMu.RLock()
	handlers := make([]Handler, 0, len(m.handlers))
	for _, h := range m.handlers {
		handlers = append(handlers, h)
	}
	m.handlersMu.RUnlock()

	for _, h := range handlers {
		m.deliver(h, msg)
	}
}

// deliver runs one handler; a panicking handler is logged, not propagated.
func (m *manager) deliver(h Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			m.handlerPanics.Add(1)
			m.logger.Error("message handler panicked", "type", msg.Type, "panic", fmt.Sprint(r))
		}
	}()
	h(msg)
}

// handleError records a transport failure. Reconnection is left to the
// close that follows.
func (m *manager) handleError(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.setStatusLocked(StatusDisconnected)
	m.mu.Unlock()

	m.logger.Warn("websocket error", "error", err)
	m.notifyWatchers()
}

// handleClose applies the close transition and schedules a reconnect when
// the close was abnormal and retries remain.
func (m *manager) handleClose(gen uint64, code int) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}

	conn := m.conn
	m.conn = nil
	m.setStatusLocked(StatusDisconnected)

	switch {
	case code == CloseNormal:
		m.logger.Info("realtime channel closed", "code", code)
	case m.closed:
	case m.retries < m.cfg.MaxRetries:
		m.retries++
		m.setStatusLocked(StatusReconnecting)
		m.scheduleReconnectLocked()
		m.reconnectsPlanned.Add(1)
		m.logger.Info("scheduling reconnect",
			"code", code,
			"attempt", m.retries,
			"max_retries", m.cfg.MaxRetries,
			"delay", m.cfg.ReconnectDelay,
		)
	default:
		m.logger.Warn("reconnect attempts exhausted, staying disconnected",
			"code", code,
			"max_retries", m.cfg.MaxRetries,
		)
	}
	m.mu.Unlock()

	if conn != nil {
		conn.Close(code, "")
	}
	m.notifyWatchers()
}

// scheduleReconnectLocked arms the single reconnect timer. Must hold mu.
func (m *manager) scheduleReconnectLocked() {
	m.stopTimerLocked()
	seq := m.reconnectSeq
	m.timer = time.AfterFunc(m.cfg.ReconnectDelay, func() {
		m.fireReconnect(seq)
	})
}

// stopTimerLocked cancels the pending reconnect, if any. Must hold mu.
func (m *manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.reconnectSeq++
}

// fireReconnect runs when the reconnect delay elapses.
func (m *manager) fireReconnect(seq uint64) {
	m.mu.Lock()
	if seq != m.reconnectSeq || m.timer == nil {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()

	m.Connect()
}

// reconnectPending reports whether a reconnect timer is armed.
func (m *manager) reconnectPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timer != nil
}

func (m *manager) isCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen && m.conn != nil
}

// setStatusLocked records a transition for the watchers. Must hold mu.
func (m *manager) setStatusLocked(s Status) {
	if m.status == s {
		return
	}
	m.transitions = append(m.transitions, transition{from: m.status, to: s})
	m.status = s
}

// notifyWatchers drains queued transitions. Only one goroutine drains at a
// time, so observers see transitions in order and may call back into the
// manager.
func (m *manager) notifyWatchers() {
	m.mu.Lock()
	if m.notifying {
		m.mu.Unlock()
		return
	}
	m.notifying = true

	for len(m.transitions) > 0 {
		tr := m.transitions[0]
		m.transitions = m.transitions[1:]

		watchers := make([]StatusFunc, 0, len(m.watchers))
		for _, fn := range m.watchers {
			watchers = append(watchers, fn)
		}
		m.mu.Unlock()

		for _, fn := range watchers {
			fn(tr.from, tr.to)
		}

		m.mu.Lock()
	}

	m.notifying = false
	m.mu.Unlock()
}
