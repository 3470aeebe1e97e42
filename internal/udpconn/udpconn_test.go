package udpconn

import (
	"testing"
	"time"
)

func TestBindAndSendRecvFrom(t *testing.T) {
	a, err := Bind("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	defer a.Close()

	b, err := Bind("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	defer b.Close()

	if _, err := a.SendTo([]byte("hello"), b.LocalAddr()); err != nil {
		t.Fatalf("SendTo() error = %v", err)
	}

	buf := make([]byte, 32)
	n, from, err := b.RecvFrom(buf)
	if err != nil {
		t.Fatalf("RecvFrom() error = %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("RecvFrom() payload = %q, want %q", buf[:n], "hello")
	}
	if from.Port != a.LocalAddr().Port {
		t.Fatalf("RecvFrom() source port = %d, want %d", from.Port, a.LocalAddr().Port)
	}
}

func TestSendWithoutConnectFails(t *testing.T) {
	a, err := Bind("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	defer a.Close()

	if _, err := a.Send([]byte("x")); err == nil {
		t.Fatal("Send() on an unconnected socket should fail")
	}
}

func TestOpenConnectedSendRecv(t *testing.T) {
	server, err := Bind("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	defer server.Close()

	client, err := Open("127.0.0.1:0", server.LocalAddr().String())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer client.Close()

	if _, err := client.Send([]byte("ping")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	buf := make([]byte, 32)
	n, _, err := server.RecvFrom(buf)
	if err != nil {
		t.Fatalf("RecvFrom() error = %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("payload = %q, want %q", buf[:n], "ping")
	}
}

func TestSendAndAdoptPeerRebindsToReplySource(t *testing.T) {
	wellKnown, err := Bind("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	defer wellKnown.Close()

	// A second, ephemeral-port responder that the handshake should adopt.
	responder, err := Bind("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	defer responder.Close()

	agent, err := Bind("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	defer agent.Close()

	go func() {
		buf := make([]byte, 32)
		n, from, err := wellKnown.RecvFrom(buf)
		if err != nil {
			return
		}
		_ = n
		// Reply from a different ("ephemeral") port, simulating redirection.
		_, _ = responder.SendTo([]byte("ack"), from)
	}()

	buf := make([]byte, 32)
	n, err := agent.SendAndAdoptPeer([]byte("(init 5)"), wellKnown.LocalAddr().String(), 2*time.Second, buf)
	if err != nil {
		t.Fatalf("SendAndAdoptPeer() error = %v", err)
	}
	if string(buf[:n]) != "ack" {
		t.Fatalf("reply payload = %q, want %q", buf[:n], "ack")
	}

	// The socket should now be connected to responder's address, not
	// wellKnown's.
	if _, err := agent.Send([]byte("follow-up")); err != nil {
		t.Fatalf("Send() after adopt should succeed: %v", err)
	}
	fbuf := make([]byte, 32)
	fn, _, err := responder.RecvFrom(fbuf)
	if err != nil {
		t.Fatalf("responder did not receive follow-up: %v", err)
	}
	if string(fbuf[:fn]) != "follow-up" {
		t.Fatalf("follow-up payload = %q, want %q", fbuf[:fn], "follow-up")
	}
}

func TestSendAndAdoptPeerTimesOut(t *testing.T) {
	wellKnown, err := Bind("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	defer wellKnown.Close()

	agent, err := Bind("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	defer agent.Close()

	buf := make([]byte, 32)
	_, err = agent.SendAndAdoptPeer([]byte("(init 5)"), wellKnown.LocalAddr().String(), 50*time.Millisecond, buf)
	if err == nil {
		t.Fatal("SendAndAdoptPeer() should time out when nothing replies")
	}
}
