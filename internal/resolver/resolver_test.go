package resolver

import (
	"context"
	"sync"
	"testing"
	"time"
)

// testKind is a tiny three-member kind set used to exercise the resolver
// without depending on internal/command.
type testKind int

const (
	kindCheckBall testKind = iota
	kindChangeMode
	kindInit
)

type testCodec struct{}

func (testCodec) Decode(s string) (testKind, bool) {
	switch s {
	case "check_ball":
		return kindCheckBall, true
	case "change_mode":
		return kindChangeMode, true
	case "init":
		return kindInit, true
	default:
		return 0, false
	}
}

func (testCodec) ParseOk(k testKind, tokens []string) (any, bool) {
	if k == kindCheckBall && len(tokens) == 2 {
		return tokens[0], true
	}
	if k == kindInit && len(tokens) == 0 {
		return struct{}{}, true
	}
	return nil, false
}

func (testCodec) ParseErr(k testKind, tokens []string) (any, bool) {
	if k == kindChangeMode && len(tokens) == 1 && tokens[0] == "illegal_mode" {
		return "illegal_mode", true
	}
	return nil, false
}

func newTestResolver() *Resolver[testKind] {
	return New[testKind](testCodec{}, []testKind{kindCheckBall, kindChangeMode, kindInit}, nil)
}

func TestCallDeliversOkReply(t *testing.T) {
	r := newTestResolver()
	sent := make(chan string, 1)

	replyCh := make(chan Reply, 1)
	errCh := make(chan error, 1)
	go func() {
		reply, err := r.Call(context.Background(), kindCheckBall, "(check_ball)", func(s string) error {
			sent <- s
			return nil
		})
		replyCh <- reply
		errCh <- err
	}()

	if got := <-sent; got != "(check_ball)" {
		t.Fatalf("sent = %q, want %q", got, "(check_ball)")
	}

	r.Feed("(ok check_ball 1234 in_field)")

	if err := <-errCh; err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	reply := <-replyCh
	if reply.Ok != "1234" {
		t.Fatalf("reply.Ok = %v, want %q", reply.Ok, "1234")
	}
}

func TestInitOkAliasNormalized(t *testing.T) {
	r := newTestResolver()

	kind, reply, ok := r.parse("(init ok)")
	if !ok || kind != kindInit {
		t.Fatalf("parse(\"(init ok)\") = (%v, %v, %v), want (kindInit, _, true)", kind, reply, ok)
	}

	canonical, _, okCanonical := r.parse("(ok init)")
	if !okCanonical || canonical != kind {
		t.Fatal("the historical alias and its canonical form must resolve identically")
	}
}

func TestErrorReplyAttributedToWaitingKind(t *testing.T) {
	r := newTestResolver()

	replyCh := make(chan Reply, 1)
	go func() {
		reply, _ := r.Call(context.Background(), kindChangeMode, "(change_mode play_on)", func(string) error { return nil })
		replyCh <- reply
	}()

	// Give Call a moment to enqueue before feeding the reply.
	time.Sleep(10 * time.Millisecond)
	r.Feed("(error illegal_mode)")

	reply := <-replyCh
	if reply.Err != "illegal_mode" {
		t.Fatalf("reply.Err = %v, want %q", reply.Err, "illegal_mode")
	}
}

func TestReplyWithNoWaiterIsDiscarded(t *testing.T) {
	r := newTestResolver()
	// No Call has been made for kindCheckBall; this must not panic or
	// block.
	r.Feed("(ok check_ball 1234 in_field)")
}

func TestCallTimesOutWithoutReply(t *testing.T) {
	r := newTestResolver()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Call(ctx, kindCheckBall, "(check_ball)", func(string) error { return nil })
	if err == nil {
		t.Fatal("Call() should have failed: no reply and context deadline exceeded")
	}
}

func TestFIFOOrderPerKind(t *testing.T) {
	r := newTestResolver()

	results := make([]chan string, 2)
	for i := range results {
		results[i] = make(chan string, 1)
		sent := make(chan struct{})
		go func(out chan<- string) {
			reply, err := r.Call(context.Background(), kindCheckBall, "(check_ball)", func(string) error {
				close(sent)
				return nil
			})
			if err != nil {
				out <- "error"
				return
			}
			out <- reply.Ok.(string)
		}(results[i])
		// Call enqueues its sink before sending, so once caller i has
		// sent it is queued ahead of caller i+1.
		<-sent
	}

	// FIFO per kind: reply N goes to caller N.
	r.Feed("(ok check_ball 1 in_field)")
	r.Feed("(ok check_ball 2 in_field)")

	for i, want := range []string{"1", "2"} {
		if got := <-results[i]; got != want {
			t.Fatalf("caller %d got reply %q, want %q (FIFO per kind)", i+1, got, want)
		}
	}
}

func TestCloseAbandonsOutstandingCalls(t *testing.T) {
	r := newTestResolver()

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Call(context.Background(), kindCheckBall, "(check_ball)", func(string) error { return nil })
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	r.Close()

	if err := <-errCh; err == nil {
		t.Fatal("Call() should fail once the resolver is closed")
	}
}

func TestOnLatencyObservesResolvedCalls(t *testing.T) {
	r := newTestResolver()

	var mu sync.Mutex
	var observed []float64
	r.OnLatency(func(seconds float64) {
		mu.Lock()
		observed = append(observed, seconds)
		mu.Unlock()
	})

	replyCh := make(chan Reply, 1)
	go func() {
		reply, _ := r.Call(context.Background(), kindCheckBall, "(check_ball)", func(string) error { return nil })
		replyCh <- reply
	}()

	time.Sleep(10 * time.Millisecond)
	r.Feed("(ok check_ball 1234 in_field)")
	<-replyCh

	mu.Lock()
	defer mu.Unlock()
	if len(observed) != 1 {
		t.Fatalf("OnLatency callback fired %d times, want 1", len(observed))
	}
	if observed[0] < 0 {
		t.Fatalf("observed latency = %v, want non-negative", observed[0])
	}
}

func TestOnLatencyNotCalledOnTimeout(t *testing.T) {
	r := newTestResolver()

	var calls int
	r.OnLatency(func(float64) { calls++ })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _ = r.Call(ctx, kindCheckBall, "(check_ball)", func(string) error { return nil })

	if calls != 0 {
		t.Fatalf("OnLatency callback fired on timeout, want 0 calls")
	}
}

func TestMalformedRepliesAreDiscarded(t *testing.T) {
	r := newTestResolver()
	for _, line := range []string{"", "no parens", "(unbalanced", "unbalanced)", "(unknown_tag foo)"} {
		r.Feed(line) // must not panic
	}
}
