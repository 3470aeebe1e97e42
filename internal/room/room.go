// Package room implements the proxy server (C8): one shared UDP listen
// socket demultiplexing agents by source port into lazily-spawned
// proxyconn.Connection bridges, plus a cleanup task that reclaims
// terminated connections. Grounded on
// original_source/client/src/room/room.rs (Room, LazyProxyConnection,
// run_udp_listen, run_cleanup) for the dedup/cleanup algorithm; the
// teacher's AcceptLoop and client-registry contribute the Go idiom for
// a single accept/listen goroutine feeding a concurrent registry.
package room

import (
	"context"
	stderrors "errors"
	"net"
	"sync"
	"time"

	"github.com/rcssim/sidecar/internal/admission"
	"github.com/rcssim/sidecar/internal/proxyconn"
	"github.com/rcssim/sidecar/internal/udpconn"
	"github.com/rcssim/sidecar/internal/wstransport"
	"github.com/rcssim/sidecar/pkg/logger"
)

const readPollInterval = 500 * time.Millisecond

// Info summarizes a room for the HTTP status endpoint.
type Info struct {
	ListenAddr      string
	ConnectionCount int
}

// lazyConn is the per-source-port registry value: a connection spawned
// at most once, guarded by sync.Once, the Go analogue of the original's
// OnceCell-backed LazyProxyConnection.
type lazyConn struct {
	once sync.Once
	conn *proxyconn.Connection
	err  error
}

type registration struct {
	port uint16
	conn *proxyconn.Connection
}

// Room binds one UDP socket and fans incoming datagrams out to one
// proxyconn.Connection per distinct source port.
type Room struct {
	listen     *udpconn.Conn
	connector  *wstransport.Connector
	admission  *admission.Admission
	conns      sync.Map // uint16 -> *lazyConn
	registerCh chan registration

	ctx    context.Context
	cancel context.CancelFunc

	listenAddr      string
	log             *logger.Logger
	onHeartbeatMiss func()
}

// Listen binds localAddr and starts the listen and cleanup tasks. adm
// may be nil, in which case every source IP is admitted. onHeartbeatMiss,
// if non-nil, is called once per connection heartbeat timeout.
func Listen(parent context.Context, localAddr string, connector *wstransport.Connector, adm *admission.Admission, log *logger.Logger, onHeartbeatMiss func()) (*Room, error) {
	if log == nil {
		log = logger.Default
	}
	if adm == nil {
		adm = admission.New(admission.Config{})
	}
	listen, err := udpconn.Bind(localAddr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(parent)
	r := &Room{
		listen:          listen,
		connector:       connector,
		admission:       adm,
		registerCh:      make(chan registration, 16),
		ctx:             ctx,
		cancel:          cancel,
		listenAddr:      listen.LocalAddr().String(),
		log:             log.WithField("room", listen.LocalAddr().String()),
		onHeartbeatMiss: onHeartbeatMiss,
	}

	go r.runCleanup()
	go r.runListen()
	return r, nil
}

func (r *Room) runListen() {
	buf := make([]byte, 1500)
	for {
		select {
		case <-r.ctx.Done():
			return
		default:
		}

		_ = r.listen.SetReadDeadline(time.Now().Add(readPollInterval))
		n, addr, err := r.listen.RecvFrom(buf)
		if err != nil {
			var netErr net.Error
			if stderrors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-r.ctx.Done():
				return
			default:
			}
			r.log.Error("room: listen socket error: %v", err)
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		r.handleDatagram(addr, payload)
	}
}

// handleDatagram implements the insert-or-get / spawn / monitor / forward
// policy of spec.md §4.6's room listen task.
func (r *Room) handleDatagram(addr *net.UDPAddr, payload []byte) {
	port := uint16(addr.Port)

	if _, loaded := r.conns.Load(port); !loaded && !r.admission.Allow(addr) {
		return
	}

	val, loaded := r.conns.LoadOrStore(port, &lazyConn{})
	lc := val.(*lazyConn)
	isNew := !loaded

	lc.once.Do(func() {
		conn, err := proxyconn.Spawn(r.ctx, port, addr.String(), r.connector, r.log, r.onHeartbeatMiss)
		lc.conn, lc.err = conn, err
	})
	if lc.err != nil {
		r.conns.Delete(port)
		return
	}

	if isNew {
		select {
		case r.registerCh <- registration{port: port, conn: lc.conn}:
		case <-r.ctx.Done():
			return
		}
	}

	if err := lc.conn.Forward(payload); err != nil {
		r.conns.Delete(port)
	}
}

// runCleanup holds the registration channel and a fan-in of per-connection
// termination notifications, removing map entries once their connection
// reaches Terminated. Grounded on room.rs's run_cleanup/
// wait_any_terminated; the fan-in is one lightweight goroutine per
// monitored connection forwarding a single terminal notification, the
// idiomatic Go substitute for future::select_all over a dynamic set.
func (r *Room) runCleanup() {
	terminated := make(chan uint16, 16)
	for {
		select {
		case <-r.ctx.Done():
			return
		case reg := <-r.registerCh:
			go r.watchUntilTerminated(reg.port, reg.conn, terminated)
		case port := <-terminated:
			r.conns.Delete(port)
		}
	}
}

func (r *Room) watchUntilTerminated(port uint16, conn *proxyconn.Connection, terminated chan<- uint16) {
	for {
		ch, _ := conn.StatusChanged()
		select {
		case <-r.ctx.Done():
			return
		case <-ch:
			if conn.Status() == proxyconn.Terminated {
				if peer, err := net.ResolveUDPAddr("udp", conn.Info().PeerAddr); err == nil {
					r.admission.Release(peer)
				}
				select {
				case terminated <- port:
				case <-r.ctx.Done():
				}
				return
			}
		}
	}
}

// Info summarizes the room for the HTTP status endpoint.
func (r *Room) Info() Info {
	count := 0
	r.conns.Range(func(_, _ any) bool {
		count++
		return true
	})
	return Info{ListenAddr: r.listenAddr, ConnectionCount: count}
}

// ConnInfos snapshots every live connection's identity and status.
func (r *Room) ConnInfos() []proxyconn.Info {
	var infos []proxyconn.Info
	r.conns.Range(func(_, v any) bool {
		if lc := v.(*lazyConn); lc.conn != nil {
			infos = append(infos, lc.conn.Info())
		}
		return true
	})
	return infos
}

// Shutdown stops the listen and cleanup tasks and closes every
// connection, clearing the registry.
func (r *Room) Shutdown() error {
	r.cancel()
	err := r.listen.Close()
	r.conns.Range(func(key, v any) bool {
		if lc := v.(*lazyConn); lc.conn != nil {
			_ = lc.conn.Close()
		}
		r.conns.Delete(key)
		return true
	})
	return err
}
