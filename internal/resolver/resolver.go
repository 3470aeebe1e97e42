// Package resolver implements the command/response resolver (C4): it
// parses parenthesized S-expression replies arriving on a data stream
// and routes each to the oldest waiting caller of the matching command
// kind, or discards it if none is waiting.
package resolver

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rcssim/sidecar/pkg/errors"
	"github.com/rcssim/sidecar/pkg/logger"
)

// CallTimeout is the default per-call timeout, matching the original
// resolver's 2000ms TIMEOUT constant.
const CallTimeout = 2 * time.Second

// KindCodec is the per-command-kind decode table a Resolver dispatches
// through: Decode maps a wire token to a kind, ParseOk/ParseErr parse a
// reply's remaining tokens into that kind's typed ok/error value.
type KindCodec[K comparable] interface {
	Decode(s string) (K, bool)
	ParseOk(k K, tokens []string) (any, bool)
	ParseErr(k K, tokens []string) (any, bool)
}

// Reply is the outcome delivered to a waiting Call: exactly one of Ok or
// Err is set (both nil/zero means the resolver was closed before a
// reply arrived).
type Reply struct {
	Ok  any
	Err any
}

// LatencyRecorder observes the round-trip seconds of one resolved Call.
type LatencyRecorder func(seconds float64)

// Resolver owns, for a single command channel, one FIFO queue of
// single-shot reply sinks per command kind. It is single-producer on the
// parse side (Feed) and multi-producer on the call side (Call).
type Resolver[K comparable] struct {
	codec KindCodec[K]
	log   *logger.Logger

	mu        sync.Mutex
	queues    map[K][]chan Reply
	closed    bool
	onLatency LatencyRecorder
}

// OnLatency installs fn to observe every successfully resolved Call's
// round-trip latency. A nil fn (the default) disables recording.
func (r *Resolver[K]) OnLatency(fn LatencyRecorder) {
	r.onLatency = fn
}

// New creates a Resolver over the given codec. kinds lists every command
// kind this resolver's channel can carry a reply for; each is seeded
// with an empty queue. The "(error ...)" branch, which has no embedded
// kind, tries ParseErr only for kinds whose queue holds a pending
// waiter, so before any Call is made it has no candidates.
func New[K comparable](codec KindCodec[K], kinds []K, log *logger.Logger) *Resolver[K] {
	if log == nil {
		log = logger.Default
	}
	queues := make(map[K][]chan Reply, len(kinds))
	for _, k := range kinds {
		queues[k] = nil
	}
	return &Resolver[K]{
		codec:  codec,
		log:    log,
		queues: queues,
	}
}

// Call enqueues a reply sink for kind, writes the encoded command onto
// send, then waits for a reply or CallTimeout (or ctx cancellation). The
// sink is enqueued before the send to avoid a race where a reply could
// arrive before the waiter is registered.
func (r *Resolver[K]) Call(ctx context.Context, kind K, encoded string, send func(string) error) (Reply, error) {
	ch := r.enqueue(kind)
	start := time.Now()

	if err := send(encoded); err != nil {
		return Reply{}, errors.Wrap(errors.CodeChannelSendData, "resolver: failed to send command", err)
	}

	timer := time.NewTimer(CallTimeout)
	defer timer.Stop()

	select {
	case reply, ok := <-ch:
		if !ok {
			return Reply{}, errors.New(errors.CodeResolverShut, "resolver closed before reply arrived")
		}
		if r.onLatency != nil {
			r.onLatency(time.Since(start).Seconds())
		}
		return reply, nil
	case <-timer.C:
		// The queued sink is deliberately not removed: a late reply
		// finds a channel nobody reads and is garbage collected.
		return Reply{}, errors.New(errors.CodeCallTimeout, "command reply timed out")
	case <-ctx.Done():
		return Reply{}, errors.Wrap(errors.CodeCallTimeout, "command call cancelled", ctx.Err())
	}
}

func (r *Resolver[K]) enqueue(kind K) chan Reply {
	ch := make(chan Reply, 1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		close(ch)
		return ch
	}
	r.queues[kind] = append(r.queues[kind], ch)
	return ch
}

// Feed parses one raw reply line and, if it resolves to a known kind,
// delivers it to the oldest waiter of that kind. It never blocks: a
// resolution with no waiter is logged and discarded.
func (r *Resolver[K]) Feed(line string) {
	kind, reply, ok := r.parse(line)
	if !ok {
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	queue := r.queues[kind]
	if len(queue) == 0 {
		r.mu.Unlock()
		r.log.Debug("resolver: reply for kind with no waiter, discarding: %q", line)
		return
	}
	sink := queue[0]
	r.queues[kind] = queue[1:]
	r.mu.Unlock()

	sink <- reply
}

// parse implements the exact rule order from the original resolver:
// trim, require outer parens, normalize the "(init ok)" historical
// alias, tokenize, then dispatch on the first token.
func (r *Resolver[K]) parse(raw string) (K, Reply, bool) {
	var zero K

	s := strings.TrimSpace(raw)
	s = strings.TrimRight(s, "\x00")
	s = strings.TrimSpace(s)

	if s == "(init ok)" {
		s = "(ok init)"
	}

	if len(s) < 2 || s[0] != '(' || s[len(s)-1] != ')' {
		r.log.Debug("resolver: malformed reply, discarding: %q", raw)
		return zero, Reply{}, false
	}

	inner := s[1 : len(s)-1]
	tokens := strings.Fields(inner)
	if len(tokens) == 0 {
		return zero, Reply{}, false
	}

	switch tokens[0] {
	case "ok":
		if len(tokens) < 2 {
			return zero, Reply{}, false
		}
		kind, ok := r.codec.Decode(tokens[1])
		if !ok {
			r.log.Debug("resolver: unknown kind in ok reply, discarding: %q", raw)
			return zero, Reply{}, false
		}
		value, ok := r.codec.ParseOk(kind, tokens[2:])
		if !ok {
			return zero, Reply{}, false
		}
		return kind, Reply{Ok: value}, true

	case "error":
		rest := tokens[1:]
		r.mu.Lock()
		candidates := make([]K, 0, len(r.queues))
		for k, q := range r.queues {
			if len(q) > 0 {
				candidates = append(candidates, k)
			}
		}
		r.mu.Unlock()

		for _, k := range candidates {
			if value, ok := r.codec.ParseErr(k, rest); ok {
				return k, Reply{Err: value}, true
			}
		}
		r.log.Debug("resolver: error reply matched no waiting kind, discarding: %q", raw)
		return zero, Reply{}, false

	default:
		r.log.Debug("resolver: unrecognised reply tag %q, discarding: %q", tokens[0], raw)
		return zero, Reply{}, false
	}
}

// Close abandons every outstanding sink; subsequent Feed calls are
// no-ops and Call returns CodeResolverShut.
func (r *Resolver[K]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for kind, queue := range r.queues {
		for _, ch := range queue {
			close(ch)
		}
		r.queues[kind] = nil
	}
}

// ParseUint16 is a small helper shared by command parsers that decode a
// sim timestep token.
func ParseUint16(tok string) (uint16, bool) {
	v, err := strconv.ParseUint(tok, 10, 16)
	if err != nil {
		return 0, false
	}
	return uint16(v), true
}
