package richclient

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rcssim/sidecar/internal/session"
)

// startInitResponder simulates a sim peer that, on any datagram to
// wellKnown, replies with the historical "(init ok)" alias from a
// different ("ephemeral") port.
func startInitResponder(t *testing.T) (wellKnownAddr string, closeFn func()) {
	t.Helper()
	wellKnown, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	ephemeral, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}

	go func() {
		buf := make([]byte, 256)
		_, from, err := wellKnown.ReadFromUDP(buf)
		if err != nil {
			return
		}
		_, _ = ephemeral.WriteToUDP([]byte("(init ok)"), from)
	}()

	return wellKnown.LocalAddr().String(), func() {
		wellKnown.Close()
		ephemeral.Close()
	}
}

func TestCoachConnectPerformsInitHandshake(t *testing.T) {
	peer, cleanup := startInitResponder(t)
	defer cleanup()

	sess := session.New(session.Config{
		LocalAddr:   "127.0.0.1:0",
		PeerAddr:    peer,
		InitTimeout: 2 * time.Second,
	}, nil)

	coach := NewCoach(sess, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := coach.Connect(ctx); err != nil {
		t.Fatalf("Coach.Connect() error = %v", err)
	}
	if sess.Status() != session.Connected {
		t.Fatalf("session status = %v, want Connected", sess.Status())
	}

	if err := coach.Close(); err != nil {
		t.Fatalf("Coach.Close() error = %v", err)
	}
}

func TestCoachConnectFailsWithoutPeer(t *testing.T) {
	sess := session.New(session.Config{
		LocalAddr:   "127.0.0.1:0",
		PeerAddr:    "127.0.0.1:1", // nothing listens here
		InitTimeout: 50 * time.Millisecond,
	}, nil)

	coach := NewCoach(sess, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := coach.Connect(ctx); err == nil {
		t.Fatal("Coach.Connect() should fail when the handshake never completes")
	}
}

func TestCallWithoutConnectFails(t *testing.T) {
	sess := session.New(session.Config{LocalAddr: "127.0.0.1:0", PeerAddr: "127.0.0.1:1"}, nil)
	rc := New(sess, stubCodec{}, []stubKind{stubKindA}, nil)

	if _, err := rc.Call(context.Background(), stubKindA, "(a)"); err == nil {
		t.Fatal("Call() before Connect should fail")
	}
}

type stubKind int

const stubKindA stubKind = 0

type stubCodec struct{}

func (stubCodec) Decode(s string) (stubKind, bool)                   { return stubKindA, s == "a" }
func (stubCodec) ParseOk(k stubKind, tokens []string) (any, bool)    { return nil, false }
func (stubCodec) ParseErr(k stubKind, tokens []string) (any, bool)   { return nil, false }
