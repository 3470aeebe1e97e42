// Package wstransport implements the WS transport (C2): an outbound
// WebSocket with bounded-retry connect, split into a send-queue goroutine
// and a raw receive stream, grounded on gorilla/websocket usage observed
// in the retrieval pack (the only WS client code present there) and on
// the teacher's dial-then-backoff-then-retry shape in UpstreamLoop.
package wstransport

import (
	"context"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rcssim/sidecar/internal/egress"
	"github.com/rcssim/sidecar/pkg/errors"
	"github.com/rcssim/sidecar/pkg/logger"
)

// Config controls connect retry behavior and the outbound URL.
type Config struct {
	URL                 string        `json:"url"`
	MaxReconnectAttempts int          `json:"max_reconnect_attempts"`
	ReconnectDelay      time.Duration `json:"reconnect_delay"`
	HandshakeTimeout    time.Duration `json:"handshake_timeout"`
}

func (c Config) withDefaults() Config {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 500 * time.Millisecond
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	return c
}

// Connector establishes outbound WebSocket sessions, optionally via a
// SOCKS5 egress dialer.
type Connector struct {
	cfg    Config
	dialer *websocket.Dialer
	log    *logger.Logger
}

// NewConnector builds a Connector. If egressDialer is non-nil its
// DialContext is used for the underlying TCP connection (SOCKS5 egress,
// §11 of SPEC_FULL.md); otherwise gorilla's default net dialer is used.
func NewConnector(cfg Config, egressDialer *egress.ProxyDialer, log *logger.Logger) *Connector {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.Default
	}
	d := &websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	if egressDialer != nil {
		d.NetDialContext = egressDialer.DialContext
	}
	return &Connector{cfg: cfg, dialer: d, log: log}
}

// Session wraps a live WS connection plus its send-queue and receive
// stream, as required by spec.md §4.6: a bounded send-queue task and a
// raw receive stream passed to the caller.
type Session struct {
	conn *websocket.Conn
	send chan websocket.PreparedMessage
	done chan struct{}
}

// Connect tries up to cfg.MaxReconnectAttempts times, sleeping
// cfg.ReconnectDelay between attempts, logging the attempt count on
// success.
func (c *Connector) Connect(ctx context.Context) (*Session, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, errors.Wrap(errors.CodeWSConnectFailed, "parse upstream ws url", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
		if err == nil {
			c.log.Info("wstransport: connected to %s after %d attempt(s)", u.String(), attempt)
			return newSession(conn), nil
		}
		lastErr = err
		c.log.Debug("wstransport: connect attempt %d/%d failed: %v", attempt, c.cfg.MaxReconnectAttempts, err)

		select {
		case <-ctx.Done():
			return nil, errors.Wrap(errors.CodeWSConnectFailed, "connect cancelled", ctx.Err())
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
	return nil, errors.Wrap(errors.CodeMaxReconnectsHit, "exhausted reconnect attempts", lastErr)
}

func newSession(conn *websocket.Conn) *Session {
	s := &Session{
		conn: conn,
		send: make(chan websocket.PreparedMessage, 64),
		done: make(chan struct{}),
	}
	go s.sendLoop()
	return s
}

func (s *Session) sendLoop() {
	for {
		select {
		case msg, ok := <-s.send:
			if !ok {
				return
			}
			if err := s.conn.WritePreparedMessage(&msg); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// SendText enqueues a text frame. It blocks only while the send queue is
// full, and fails once the session is closed.
func (s *Session) SendText(payload []byte) error {
	prep, err := websocket.NewPreparedMessage(websocket.TextMessage, payload)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return errors.New(errors.CodeWSConnectFailed, "session closed")
	default:
	}
	select {
	case s.send <- *prep:
		return nil
	case <-s.done:
		return errors.New(errors.CodeWSConnectFailed, "session closed")
	}
}

// Ping sends a Ping control frame with the given 4-byte payload.
func (s *Session) Ping(payload []byte) error {
	return s.conn.WriteControl(websocket.PingMessage, payload, time.Now().Add(5*time.Second))
}

// ReadMessage blocks for the next frame. Callers dispatch on messageType
// (websocket.TextMessage / BinaryMessage) and handle control frames via
// SetPongHandler/SetCloseHandler before calling ReadMessage in a loop.
func (s *Session) ReadMessage() (messageType int, p []byte, err error) {
	return s.conn.ReadMessage()
}

// SetPongHandler installs a callback invoked for every received Pong
// control frame, carrying its payload.
func (s *Session) SetPongHandler(fn func(payload string) error) {
	s.conn.SetPongHandler(fn)
}

// SetCloseHandler installs a callback invoked when a Close frame arrives.
func (s *Session) SetCloseHandler(fn func(code int, text string) error) {
	s.conn.SetCloseHandler(fn)
}

// Close tears down the send loop and the underlying connection.
func (s *Session) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	return s.conn.Close()
}
