// Package proxyconn implements the per-agent UDP<->WS bridge (C7): a
// reconnect loop around a dedicated downstream UdpConnection and an
// upstream WS session, with heartbeat and four-subtask session
// coordination. Grounded on
// original_source/client/src/room/conn.rs (ProxyConnection, run_reconnect,
// run) for the algorithm; the teacher's UpstreamLoop contributes the
// Go idiom for a supervising goroutine that owns reconnect/backoff
// around a swappable transport.
package proxyconn

import (
	"context"
	"encoding/binary"
	stderrors "errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rcssim/sidecar/internal/statuswatch"
	"github.com/rcssim/sidecar/internal/udpconn"
	"github.com/rcssim/sidecar/internal/wstransport"
	"github.com/rcssim/sidecar/pkg/errors"
	"github.com/rcssim/sidecar/pkg/logger"
)

// HeartbeatInterval is how often the WS side pings and checks the last
// pong's counter against the last ping's.
const HeartbeatInterval = 10 * time.Second

// ReconnectSleep separates a lost session from the next connect attempt.
const ReconnectSleep = 500 * time.Millisecond

// readPollInterval bounds each blocking UDP read so the UDP->WS subtask
// can notice the session ending without tearing down the shared
// downstream socket (which outlives any single WS session).
const readPollInterval = 500 * time.Millisecond

// Status is the bridge's externally observable lifecycle state.
type Status int

const (
	Idle Status = iota
	Running
	Reconnecting
	Terminated
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Reconnecting:
		return "reconnecting"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// sessionSignal is what a run_session subtask reports back on ending.
type sessionSignal int

const (
	sigHeartbeatTimeout sessionSignal = iota
	sigWsDisconnected
	sigWsClosed
	sigUdpError
)

// Info is a snapshot of a connection's identity and status, used by the
// room's ConnInfos listing.
type Info struct {
	SourcePort uint16
	PeerAddr   string
	Status     Status
	CreatedAt  time.Time
}

// Connection bridges one agent's UDP traffic to one upstream WS session,
// reconnecting the WS leg independently of the UDP leg.
type Connection struct {
	sourcePort uint16
	peerAddr   string
	createdAt  time.Time

	udp       *udpconn.Conn
	connector *wstransport.Connector
	external  chan []byte

	status *statuswatch.Watch[Status]
	log    *logger.Logger

	onHeartbeatMiss func()
}

// Spawn opens a dedicated downstream socket connected to peer and starts
// the reconnect loop against connector. peer is the agent's adopted
// address (room already demultiplexed by source port). onHeartbeatMiss,
// if non-nil, is called once per heartbeat timeout on this connection.
func Spawn(ctx context.Context, sourcePort uint16, peer string, connector *wstransport.Connector, log *logger.Logger, onHeartbeatMiss func()) (*Connection, error) {
	if log == nil {
		log = logger.Default
	}
	udp, err := udpconn.Open("0.0.0.0:0", peer)
	if err != nil {
		return nil, errors.Wrap(errors.CodeOpenRoomUDP, "open downstream proxy socket", err)
	}

	c := &Connection{
		sourcePort:      sourcePort,
		peerAddr:        peer,
		createdAt:       time.Now(),
		udp:             udp,
		connector:       connector,
		external:        make(chan []byte, 64),
		status:          statuswatch.New(Idle),
		log:             log.WithField("proxy_conn", peer),
		onHeartbeatMiss: onHeartbeatMiss,
	}
	go c.runReconnect(ctx)
	return c, nil
}

// Status returns the current lifecycle status.
func (c *Connection) Status() Status { return c.status.Get() }

// StatusChanged exposes the status watch for the room's cleanup task.
func (c *Connection) StatusChanged() (<-chan struct{}, Status) { return c.status.Changed() }

// Info snapshots identity and status for listings.
func (c *Connection) Info() Info {
	return Info{SourcePort: c.sourcePort, PeerAddr: c.peerAddr, Status: c.status.Get(), CreatedAt: c.createdAt}
}

// Forward enqueues a raw datagram, received on the room's shared listen
// socket, for delivery into the upstream WS session (spec.md §4.6 "External").
func (c *Connection) Forward(payload []byte) error {
	select {
	case c.external <- payload:
		return nil
	default:
		return errors.New(errors.CodeWSConnectFailed, "proxy connection external queue full")
	}
}

// Close tears down the downstream socket and the external-forward
// channel, ending the reconnect loop on its next iteration boundary.
func (c *Connection) Close() error {
	close(c.external)
	return c.udp.Close()
}

func (c *Connection) runReconnect(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.status.Set(Terminated)
			return
		default:
		}

		ws, err := c.connector.Connect(ctx)
		if err != nil {
			c.log.Error("proxyconn: giving up after exhausting reconnect attempts: %v", err)
			c.status.Set(Terminated)
			return
		}

		c.status.Set(Running)
		sig := c.runSession(ctx, ws)
		_ = ws.Close()

		switch sig {
		case sigWsClosed, sigUdpError:
			c.status.Set(Terminated)
			return
		case sigHeartbeatTimeout, sigWsDisconnected:
			c.status.Set(Reconnecting)
			select {
			case <-time.After(ReconnectSleep):
			case <-ctx.Done():
				c.status.Set(Terminated)
				return
			}
		}
	}
}

// runSession coordinates the four sub-tasks (heartbeat, UDP->WS, WS->UDP,
// external-forward) over one WS session and returns the first signal
// that ends it.
func (c *Connection) runSession(ctx context.Context, ws *wstransport.Session) sessionSignal {
	sigCh := make(chan sessionSignal, 4)
	var heartTx, heartRx atomic.Uint32

	ws.SetPongHandler(func(payload string) error {
		if len(payload) == 4 {
			heartRx.Store(binary.NativeEndian.Uint32([]byte(payload)))
		}
		return nil
	})

	done := make(chan struct{})
	defer func() {
		select {
		case <-done:
		default:
			close(done)
		}
	}()

	go c.heartbeatLoop(ctx, ws, &heartTx, &heartRx, sigCh, done)
	go c.udpToWS(ws, sigCh, done)
	go c.wsToUDP(ws, sigCh, done)

	for {
		select {
		case sig := <-sigCh:
			return sig
		case <-ctx.Done():
			return sigWsDisconnected
		case payload, ok := <-c.external:
			if !ok {
				return sigWsClosed
			}
			if err := ws.SendText(payload); err != nil {
				return sigWsDisconnected
			}
		}
	}
}

func (c *Connection) heartbeatLoop(ctx context.Context, ws *wstransport.Session, heartTx, heartRx *atomic.Uint32, sigCh chan<- sessionSignal, done <-chan struct{}) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.heartbeatMissed(heartTx, heartRx) {
				sendSignal(sigCh, sigHeartbeatTimeout, done)
				return
			}
			next := heartTx.Add(1)
			payload := make([]byte, 4)
			binary.NativeEndian.PutUint32(payload, next)
			if err := ws.Ping(payload); err != nil {
				sendSignal(sigCh, sigWsDisconnected, done)
				return
			}
		}
	}
}

// heartbeatMissed reports whether the last ping's pong never arrived,
// firing onHeartbeatMiss exactly once when it has.
func (c *Connection) heartbeatMissed(heartTx, heartRx *atomic.Uint32) bool {
	if heartRx.Load() >= heartTx.Load() {
		return false
	}
	if c.onHeartbeatMiss != nil {
		c.onHeartbeatMiss()
	}
	return true
}

func (c *Connection) udpToWS(ws *wstransport.Session, sigCh chan<- sessionSignal, done <-chan struct{}) {
	buf := make([]byte, 1500)
	for {
		select {
		case <-done:
			return
		default:
		}

		_ = c.udp.SetReadDeadline(time.Now().Add(readPollInterval))
		n, err := c.udp.Recv(buf)
		if err != nil {
			var netErr net.Error
			if stderrors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			sendSignal(sigCh, sigUdpError, done)
			return
		}

		body := make([]byte, n)
		copy(body, buf[:n])
		if err := ws.SendText(body); err != nil {
			sendSignal(sigCh, sigWsDisconnected, done)
			return
		}
	}
}

func (c *Connection) wsToUDP(ws *wstransport.Session, sigCh chan<- sessionSignal, done <-chan struct{}) {
	for {
		mt, payload, err := ws.ReadMessage()
		if err != nil {
			sendSignal(sigCh, signalForReadError(err), done)
			return
		}

		select {
		case <-done:
			return
		default:
		}

		switch mt {
		case websocket.TextMessage:
			// Text frames carry protocol payloads, identical to the
			// UDP wire bodies; binary frames are subscriber-specific
			// control and never reach the agent's UDP socket.
			if _, err := c.udp.Send(payload); err != nil {
				sendSignal(sigCh, sigUdpError, done)
				return
			}
		case websocket.BinaryMessage:
			// No control-frame consumer exists yet; discard.
		case websocket.CloseMessage:
			sendSignal(sigCh, sigWsClosed, done)
			return
		}
	}
}

func signalForReadError(err error) sessionSignal {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return sigWsClosed
	}
	return sigWsDisconnected
}

func sendSignal(ch chan<- sessionSignal, sig sessionSignal, done <-chan struct{}) {
	select {
	case ch <- sig:
	case <-done:
	}
}
