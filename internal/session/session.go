// Package session implements the agent client session (C3): the
// two-phase UDP handshake and broadcast fan-out to subscribers, driven
// by a single state-machine task per agent. Grounded on the teacher's
// clMu-guarded clients map in proxy.go (Proxy.clients) for the
// subscriber-registry shape, generalized from a set of mining clients
// to a set of broadcast receivers.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rcssim/sidecar/internal/statuswatch"
	"github.com/rcssim/sidecar/internal/udpconn"
	"github.com/rcssim/sidecar/pkg/errors"
	"github.com/rcssim/sidecar/pkg/logger"
)

// Status is the session's lifecycle state, totally ordered per spec §3.
type Status int

const (
	Disconnected Status = iota
	Idle
	WaitingRedirection
	Connected
	Died
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Idle:
		return "idle"
	case WaitingRedirection:
		return "waiting_redirection"
	case Connected:
		return "connected"
	case Died:
		return "died"
	default:
		return "unknown"
	}
}

// Signal is the closed variant set carried on the session's signal
// channel. Shutdown is the only member today.
type Signal int

const (
	SignalShutdown Signal = iota
)

// Config parametrizes a Session. Defaults are applied by New.
type Config struct {
	LocalAddr        string
	PeerAddr         string
	InitTimeout      time.Duration
	ShutdownTimeout  time.Duration
	SubscriberBuffer int
}

func (c Config) withDefaults() Config {
	if c.InitTimeout <= 0 {
		c.InitTimeout = 5 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = 32
	}
	return c
}

// Session is a single agent's UDP handshake + broadcast state machine.
// Run must be started exactly once, typically in its own goroutine; the
// caller drives it by calling SendData/Shutdown and reads status via
// Status()/Subscribe().
type Session struct {
	cfg Config
	log *logger.Logger

	status *statuswatch.Watch[Status]
	signal chan Signal
	data   chan []byte

	udp *udpconn.Conn

	subMu   sync.RWMutex
	subs    map[uint64]chan []byte
	nextSub atomic.Uint64

	started atomic.Bool
	done    chan struct{}
	runErr  error
}

// New builds a Session in Disconnected status. Call Run to start it.
func New(cfg Config, log *logger.Logger) *Session {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.Default
	}
	return &Session{
		cfg:    cfg,
		log:    log,
		status: statuswatch.New(Disconnected),
		signal: make(chan Signal, 1),
		data:   make(chan []byte, 1),
		subs:   make(map[uint64]chan []byte),
		done:   make(chan struct{}),
	}
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	return s.status.Get()
}

// StatusChanged returns the wake channel and current value, per
// internal/statuswatch's watch contract.
func (s *Session) StatusChanged() (<-chan struct{}, Status) {
	return s.status.Changed()
}

// EnsureConnected reports NotConnected when the session isn't in the
// Connected state, for callers (C5) that require a live channel before
// issuing typed calls.
func (s *Session) EnsureConnected() error {
	if s.status.Get() != Connected {
		return errors.New(errors.CodeNotConnected, "session is not connected")
	}
	return nil
}

// Subscribe registers a new broadcast receiver. cancel removes and
// closes it; callers must call cancel exactly once.
func (s *Session) Subscribe() (id uint64, ch <-chan []byte, cancel func()) {
	id = s.nextSub.Add(1)
	sub := make(chan []byte, s.cfg.SubscriberBuffer)

	s.subMu.Lock()
	s.subs[id] = sub
	s.subMu.Unlock()

	var once sync.Once
	cancel = func() {
		once.Do(func() {
			s.subMu.Lock()
			if _, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(sub)
			}
			s.subMu.Unlock()
		})
	}
	return id, sub, cancel
}

// SendData enqueues an outbound payload (the caller's command line).
// Non-blocking: if the session isn't consuming (buffer full, or the
// task hasn't started yet and already holds one), it fails fast rather
// than blocking the caller indefinitely.
func (s *Session) SendData(payload []byte) error {
	select {
	case s.data <- payload:
		return nil
	default:
		return errors.New(errors.CodeChannelSendData, "data channel has no room; session may not be running")
	}
}

// Shutdown requests a graceful stop. Non-blocking for the same reason
// as SendData.
func (s *Session) Shutdown() error {
	select {
	case s.signal <- SignalShutdown:
		return nil
	default:
		return errors.New(errors.CodeChannelSendSignal, "signal channel has no room; session may not be running")
	}
}

// Close requests shutdown and waits for Run to return, bounded by
// ShutdownTimeout. A timed-out join forces status to Died and returns
// CloseTimeout.
func (s *Session) Close() error {
	_ = s.Shutdown()

	select {
	case <-s.done:
		return s.runErr
	case <-time.After(s.cfg.ShutdownTimeout):
		s.status.Set(Died)
		return errors.New(errors.CodeCloseTimeout, "session task did not finish within shutdown timeout")
	}
}

// Run drives the state machine to completion. It must be called at
// most once; a second call returns AlreadyConnected immediately. Run
// recovers from a panic in its own goroutine, marking the session Died
// with ClosePanic rather than leaving status stuck mid-transition.
func (s *Session) Run(ctx context.Context) (err error) {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New(errors.CodeAlreadyConnected, "session.Run called more than once")
	}

	defer func() {
		if r := recover(); r != nil {
			s.status.Set(Died)
			err = errors.New(errors.CodeClosePanic, fmt.Sprintf("session task panicked: %v", r))
		}
		s.runErr = err
		close(s.done)
	}()

	s.status.Set(Idle)

	payload, err := s.awaitInitPayload(ctx)
	if err != nil {
		s.status.Set(Disconnected)
		return err
	}

	if err := s.handshake(payload); err != nil {
		s.status.Set(Disconnected)
		return err
	}
	s.status.Set(Connected)

	err = s.runConnected(ctx)
	if s.status.Get() != Died {
		s.status.Set(Disconnected)
	}
	if s.udp != nil {
		_ = s.udp.Close()
	}
	return err
}

// awaitInitPayload blocks in Idle for the caller's first data payload
// (the init command line), bounded by InitTimeout.
func (s *Session) awaitInitPayload(ctx context.Context) ([]byte, error) {
	timer := time.NewTimer(s.cfg.InitTimeout)
	defer timer.Stop()

	select {
	case payload, ok := <-s.data:
		if !ok {
			return nil, errors.New(errors.CodeChannelClosed, "data channel closed before init payload arrived")
		}
		return payload, nil
	case sig, ok := <-s.signal:
		if !ok || sig == SignalShutdown {
			return nil, errors.New(errors.CodeChannelClosed, "shutdown requested before connect")
		}
		return nil, errors.New(errors.CodeChannelClosed, "unexpected signal before connect")
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, errors.New(errors.CodeTimeoutInitReq, "no init payload received within init timeout")
	}
}

// handshake performs the two-phase UDP exchange: bind the local socket,
// then send_and_adopt_peer to the well-known peer, broadcasting the
// first reply to subscribers on success.
func (s *Session) handshake(payload []byte) error {
	s.status.Set(WaitingRedirection)

	udp, err := udpconn.Bind(s.cfg.LocalAddr)
	if err != nil {
		return err
	}

	buf := make([]byte, 65507)
	n, err := udp.SendAndAdoptPeer(payload, s.cfg.PeerAddr, s.cfg.InitTimeout, buf)
	if err != nil {
		_ = udp.Close()
		if errors.Is(err, errors.CodeUDPTimeoutRecv) {
			return errors.Wrap(errors.CodeTimeoutInitResp, "handshake reply timed out", err)
		}
		return err
	}

	s.udp = udp
	s.broadcastAll(append([]byte(nil), buf[:n]...))
	return nil
}

// runConnected runs the sender/receiver pair and returns when either
// one stops, after unblocking and joining the other.
func (s *Session) runConnected(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	senderDone := make(chan error, 1)
	recvDone := make(chan error, 1)

	go func() { senderDone <- s.senderLoop(ctx) }()
	go func() { recvDone <- s.receiverLoop() }()

	var first error
	senderJoined, recvJoined := false, false
	select {
	case first = <-senderDone:
		senderJoined = true
	case first = <-recvDone:
		recvJoined = true
	case <-ctx.Done():
		first = ctx.Err()
	}

	// Unblock whichever task is still running: the sender through its
	// context, the receiver by closing the socket under its blocking read.
	cancel()
	if s.udp != nil {
		_ = s.udp.Close()
	}

	if !senderJoined {
		s.joinTask("sender", senderDone)
	}
	if !recvJoined {
		s.joinTask("receiver", recvDone)
	}
	return first
}

func (s *Session) joinTask(name string, done <-chan error) {
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownTimeout):
		s.log.Error("session: %s task did not join within shutdown timeout (%s)", name, errors.New(errors.CodeTaskJoin, name))
	}
}

func (s *Session) senderLoop(ctx context.Context) error {
	for {
		select {
		case payload, ok := <-s.data:
			if !ok {
				return errors.New(errors.CodeChannelClosed, "data channel closed")
			}
			if _, err := s.udp.Send(payload); err != nil {
				return err
			}
		case sig, ok := <-s.signal:
			if !ok {
				return errors.New(errors.CodeChannelClosed, "signal channel closed")
			}
			if sig == SignalShutdown {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) receiverLoop() error {
	buf := make([]byte, 65507)
	for {
		n, err := s.udp.Recv(buf)
		if err != nil {
			return err
		}
		s.broadcastAll(append([]byte(nil), buf[:n]...))
	}
}

// broadcastAll fans payload out to every subscriber without blocking;
// a subscriber whose buffer is full is dropped from the set, matching
// the "producer never blocks on a slow subscriber" invariant.
func (s *Session) broadcastAll(payload []byte) {
	var dead []uint64

	s.subMu.RLock()
	for id, ch := range s.subs {
		select {
		case ch <- payload:
		default:
			dead = append(dead, id)
		}
	}
	s.subMu.RUnlock()

	if len(dead) == 0 {
		return
	}
	s.subMu.Lock()
	for _, id := range dead {
		if ch, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
	s.subMu.Unlock()
}
