package connection

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Dialer opens a transport to the push channel.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Conn is one live transport. ReadMessage is called from a single goroutine;
// Close may be called concurrently with it and must unblock it.
type Conn interface {
	// ReadMessage blocks until the next data frame. A close frame from the
	// server is reported as a *websocket.CloseError.
	ReadMessage() ([]byte, error)

	// Close sends a close frame with the given code and releases the transport.
	Close(code int, reason string) error
}

// CloseCode classifies a read error. sawFrame is false when the transport
// failed without a close handshake, in which case code is CloseAbnormal.
func CloseCode(err error) (code int, sawFrame bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, true
	}
	return CloseAbnormal, false
}

// wsDialer is the gorilla/websocket Dialer.
type wsDialer struct {
	dialer       websocket.Dialer
	header       http.Header
	pingInterval time.Duration
	logger       *slog.Logger
}

// NewDialer creates a Dialer backed by gorilla/websocket.
func NewDialer(cfg ManagerConfig, logger *slog.Logger) Dialer {
	if logger == nil {
		logger = slog.Default()
	}

	header := http.Header{}
	if cfg.UserAgent != "" {
		header.Set("User-Agent", cfg.UserAgent)
	}

	return &wsDialer{
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		header:       header,
		pingInterval: cfg.PingInterval,
		logger:       logger,
	}
}

// Dial establishes the WebSocket connection.
func (d *wsDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, d.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	c := &wsConn{
		conn:   conn,
		logger: d.logger,
		done:   make(chan struct{}),
	}

	if d.pingInterval > 0 {
		c.extendDeadline(2 * d.pingInterval)
		conn.SetPongHandler(func(string) error {
			c.extendDeadline(2 * d.pingInterval)
			return nil
		})
		go c.heartbeatLoop(d.pingInterval)
	}

	return c, nil
}

// wsConn wraps a gorilla connection.
type wsConn struct {
	conn   *websocket.Conn
	logger *slog.Logger

	// Write serialization (close frames and pings)
	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// ReadMessage returns the next data frame.
func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

// Close sends a close frame and closes the socket. Safe to call twice.
func (c *wsConn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.writeMu.Lock()
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()

		err = c.conn.Close()
	})
	return err
}

// extendDeadline pushes the read deadline out. A missed deadline surfaces
// as a read error, which the manager treats as an abnormal close.
func (c *wsConn) extendDeadline(d time.Duration) {
	c.conn.SetReadDeadline(time.Now().Add(d))
}

// heartbeatLoop sends keepalive pings until the connection is closed.
func (c *wsConn) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(interval/2))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("failed to send ping", "error", err)
			}
		}
	}
}
