// Package udpconn implements the UDP endpoint (C1): a thin, mutex-guarded
// wrapper over net.UDPConn supporting the two-phase handshake's
// "port-adopt" reconnect, grounded on the swap-the-live-conn-under-a-lock
// shape of the teacher's connection.Upstream.
package udpconn

import (
	"net"
	"sync"
	"time"

	"github.com/rcssim/sidecar/pkg/errors"
)

// Conn wraps a UDP socket that may or may not be connected to a single
// peer. Only the owning goroutine sends; receive is single-consumer, per
// the session's exclusive-ownership invariant.
type Conn struct {
	mu        sync.Mutex
	conn      *net.UDPConn
	connected bool
}

// Bind opens an unconnected UDP socket on local, able to receive from
// and reply to any peer via recv_from/send-to.
func Bind(local string) (*Conn, error) {
	addr, err := net.ResolveUDPAddr("udp", local)
	if err != nil {
		return nil, errors.Wrap(errors.CodeUDPOpen, "resolve local address", err)
	}
	c, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, errors.Wrap(errors.CodeUDPOpen, "bind udp socket", err)
	}
	return &Conn{conn: c}, nil
}

// Open binds to local and connects to peer, so Send/Recv address peer
// implicitly.
func Open(local, peer string) (*Conn, error) {
	c, err := Bind(local)
	if err != nil {
		return nil, err
	}
	if err := c.connectTo(peer); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Conn) connectTo(peer string) error {
	addr, err := net.ResolveUDPAddr("udp", peer)
	if err != nil {
		return errors.Wrap(errors.CodeUDPConnect, "resolve peer address", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	local := c.conn.LocalAddr().(*net.UDPAddr)
	if err := c.conn.Close(); err != nil {
		return errors.Wrap(errors.CodeUDPConnect, "close socket before reconnect", err)
	}
	conn, err := net.DialUDP("udp", local, addr)
	if err != nil {
		return errors.Wrap(errors.CodeUDPConnect, "connect to peer", err)
	}
	c.conn = conn
	c.connected = true
	return nil
}

// SetReadDeadline bounds the next Recv/RecvFrom call, letting a reader
// loop poll for external cancellation between short blocking reads.
func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	return conn.SetReadDeadline(t)
}

// Close releases the underlying socket.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

// LocalAddr returns the bound local address.
func (c *Conn) LocalAddr() *net.UDPAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.LocalAddr().(*net.UDPAddr)
}

// Send writes to the connected peer. Fails if the socket is unconnected.
func (c *Conn) Send(b []byte) (int, error) {
	c.mu.Lock()
	conn, connected := c.conn, c.connected
	c.mu.Unlock()

	if !connected {
		return 0, errors.New(errors.CodeUDPSend, "udp socket has no connected peer")
	}
	n, err := conn.Write(b)
	if err != nil {
		return n, errors.Wrap(errors.CodeUDPSend, "write to connected peer", err)
	}
	return n, nil
}

// Recv blocks until a datagram from the connected peer arrives.
func (c *Conn) Recv(buf []byte) (int, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	n, err := conn.Read(buf)
	if err != nil {
		return n, errors.Wrap(errors.CodeUDPRecv, "read from connected peer", err)
	}
	return n, nil
}

// RecvFrom works without a connected peer, returning the sender address.
func (c *Conn) RecvFrom(buf []byte) (int, *net.UDPAddr, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	n, addr, err := conn.ReadFromUDP(buf)
	if err != nil {
		return n, nil, errors.Wrap(errors.CodeUDPRecv, "read from any peer", err)
	}
	return n, addr, nil
}

// SendTo writes a datagram to an explicit peer, independent of any
// connected peer.
func (c *Conn) SendTo(b []byte, peer *net.UDPAddr) (int, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	n, err := conn.WriteToUDP(b, peer)
	if err != nil {
		return n, errors.Wrap(errors.CodeUDPSend, "write to explicit peer", err)
	}
	return n, nil
}

// SendAndAdoptPeer sends b to peer, then waits for a reply from any
// source and reconnects ("adopts") the socket to that reply's source
// address — the two-phase handshake's port-adopt step (spec §4.1, §4.4):
// the reply arrives from an ephemeral port different from peer, which
// becomes the new fixed remote for all subsequent traffic.
func (c *Conn) SendAndAdoptPeer(b []byte, peer string, timeout time.Duration, buf []byte) (int, error) {
	peerAddr, err := net.ResolveUDPAddr("udp", peer)
	if err != nil {
		return 0, errors.Wrap(errors.CodeUDPConnect, "resolve handshake peer", err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if _, err := conn.WriteToUDP(b, peerAddr); err != nil {
		return 0, errors.Wrap(errors.CodeUDPSend, "send handshake request", err)
	}

	if timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		defer conn.SetReadDeadline(time.Time{})
	}

	n, replyAddr, err := conn.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, errors.Wrap(errors.CodeUDPTimeoutRecv, "handshake reply timed out", err)
		}
		return 0, errors.Wrap(errors.CodeUDPRecv, "handshake receive failed", err)
	}

	if err := c.connectTo(replyAddr.String()); err != nil {
		return n, err
	}
	return n, nil
}
