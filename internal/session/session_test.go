package session

import (
	"context"
	"net"
	"testing"
	"time"
)

// responder simulates the well-known sim peer: it replies to whatever
// hits wellKnown from an ephemeral port, exercising the adopt step.
func startResponder(t *testing.T, reply []byte) (wellKnownAddr string, close func()) {
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
		_, _ = ephemeral.WriteToUDP(reply, from)
	}()

	return wellKnown.LocalAddr().String(), func() {
		wellKnown.Close()
		ephemeral.Close()
	}
}

func TestHandshakeConnectsAndBroadcastsFirstReply(t *testing.T) {
	peer, cleanup := startResponder(t, []byte("(init ok)"))
	defer cleanup()

	s := New(Config{
		LocalAddr:   "127.0.0.1:0",
		PeerAddr:    peer,
		InitTimeout: 2 * time.Second,
	}, nil)

	_, sub, cancel := s.Subscribe()
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(context.Background()) }()

	if err := s.SendData([]byte("(init 5)")); err != nil {
		t.Fatalf("SendData() error = %v", err)
	}

	select {
	case msg := <-sub:
		if string(msg) != "(init ok)" {
			t.Fatalf("broadcast payload = %q, want %q", msg, "(init ok)")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast of first reply")
	}

	waitForStatus(t, s, Connected)

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	<-runErr
}

func TestAwaitInitPayloadTimesOut(t *testing.T) {
	s := New(Config{
		LocalAddr:   "127.0.0.1:0",
		PeerAddr:    "127.0.0.1:1",
		InitTimeout: 30 * time.Millisecond,
	}, nil)

	err := s.Run(context.Background())
	if err == nil {
		t.Fatal("Run() should fail: no init payload arrived")
	}
	if s.Status() != Disconnected {
		t.Fatalf("Status() = %v, want Disconnected", s.Status())
	}
}

func TestShutdownDuringIdleEndsCleanly(t *testing.T) {
	s := New(Config{
		LocalAddr:   "127.0.0.1:0",
		PeerAddr:    "127.0.0.1:1",
		InitTimeout: 2 * time.Second,
	}, nil)

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	if err := s.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	select {
	case err := <-runErr:
		if err == nil {
			t.Fatal("Run() should report the shutdown-before-connect error")
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after Shutdown in Idle")
	}
}

func TestConnectedSendAndGracefulShutdown(t *testing.T) {
	peer, cleanup := startResponder(t, []byte("(init ok)"))
	defer cleanup()

	s := New(Config{
		LocalAddr:   "127.0.0.1:0",
		PeerAddr:    peer,
		InitTimeout: 2 * time.Second,
	}, nil)

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(context.Background()) }()

	if err := s.SendData([]byte("(init 5)")); err != nil {
		t.Fatalf("SendData() error = %v", err)
	}
	waitForStatus(t, s, Connected)

	if err := s.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run() error = %v, want nil on graceful shutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after Shutdown while Connected")
	}
	if s.Status() != Disconnected {
		t.Fatalf("Status() = %v, want Disconnected", s.Status())
	}
}

func TestRunCalledTwiceFailsOnSecondCall(t *testing.T) {
	s := New(Config{
		LocalAddr:   "127.0.0.1:0",
		PeerAddr:    "127.0.0.1:1",
		InitTimeout: 20 * time.Millisecond,
	}, nil)

	go s.Run(context.Background())
	time.Sleep(5 * time.Millisecond)

	if err := s.Run(context.Background()); err == nil {
		t.Fatal("second Run() call should fail with AlreadyConnected")
	}
}

func TestSubscribeCancelRemovesReceiver(t *testing.T) {
	s := New(Config{LocalAddr: "127.0.0.1:0", PeerAddr: "127.0.0.1:1"}, nil)

	id, sub, cancel := s.Subscribe()
	s.subMu.RLock()
	_, present := s.subs[id]
	s.subMu.RUnlock()
	if !present {
		t.Fatal("subscriber should be registered")
	}

	cancel()

	s.subMu.RLock()
	_, present = s.subs[id]
	s.subMu.RUnlock()
	if present {
		t.Fatal("subscriber should be removed after cancel")
	}
	if _, ok := <-sub; ok {
		t.Fatal("subscriber channel should be closed after cancel")
	}
}

func TestBroadcastDropsFullSubscriber(t *testing.T) {
	s := New(Config{LocalAddr: "127.0.0.1:0", PeerAddr: "127.0.0.1:1", SubscriberBuffer: 1}, nil)

	id, sub, cancel := s.Subscribe()
	defer cancel()

	s.broadcastAll([]byte("one"))
	s.broadcastAll([]byte("two")) // subscriber buffer (1) is full; this drops it

	<-sub // drain "one"

	s.subMu.RLock()
	_, present := s.subs[id]
	s.subMu.RUnlock()
	if present {
		t.Fatal("subscriber with a full buffer should have been dropped")
	}
}

func waitForStatus(t *testing.T, s *Session, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Status() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Status() never reached %v, got %v", want, s.Status())
}
