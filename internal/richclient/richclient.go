// Package richclient implements the addon-hosting rich client (C5): a
// typed call layer over a session (C3) and a resolver (C4). Grounded on
// original_source/sidecar/src/coach/{coach.rs,resolver.rs,addon.rs} —
// the reserved "call_resolver" addon name, lazy installation on
// Connect, and "closed in any order" addon teardown are all carried
// from there (no teacher analogue: the teacher has no plugin/addon
// concept).
package richclient

import (
	"context"
	"sync"
	"time"

	"github.com/rcssim/sidecar/internal/resolver"
	"github.com/rcssim/sidecar/internal/session"
	"github.com/rcssim/sidecar/pkg/errors"
	"github.com/rcssim/sidecar/pkg/logger"
)

// resolverAddonName is the reserved name CallResolver is installed
// under, matching "call_resolver" in the original.
const resolverAddonName = "call_resolver"

// ConnectTimeout bounds how long Connect waits for the session to
// reach Connected after the init payload is sent.
const ConnectTimeout = 5 * time.Second

// Addon is anything hosted by a RichClient and torn down on Close.
type Addon interface {
	Close()
}

// RawAddon receives a fresh broadcast subscription plus the session's
// data-send function, for addons that want raw frames rather than typed
// calls. It is not given a way to send session signals.
type RawAddon interface {
	Addon
	Attach(sub <-chan []byte, sendData func([]byte) error)
}

// RichClient wraps a session with a typed call layer and an addon
// registry. K is the command-kind enum of the channel this client
// speaks (coach or player).
type RichClient[K comparable] struct {
	sess  *session.Session
	codec resolver.KindCodec[K]
	kinds []K
	log   *logger.Logger

	addonsMu sync.Mutex
	addons   map[string]Addon

	resOnce  sync.Once
	resolver *resolver.Resolver[K]
	resSub   func() // cancels the resolver's session subscription
	latency  resolver.LatencyRecorder
}

// SetLatencyRecorder installs fn to observe every successfully resolved
// Call's round-trip latency. Must be called before Connect.
func (c *RichClient[K]) SetLatencyRecorder(fn resolver.LatencyRecorder) {
	c.latency = fn
}

// New builds a RichClient over an already-constructed session. Connect
// starts the session and installs the call-resolver addon.
func New[K comparable](sess *session.Session, codec resolver.KindCodec[K], kinds []K, log *logger.Logger) *RichClient[K] {
	if log == nil {
		log = logger.Default
	}
	return &RichClient[K]{
		sess:   sess,
		codec:  codec,
		kinds:  kinds,
		log:    log,
		addons: make(map[string]Addon),
	}
}

// Connect starts the session's state-machine task, then installs the
// call-resolver addon so Call is usable as soon as Connect returns.
// It does not itself send any payload — that is the first Call a
// caller (or a specialization like Coach) makes.
func (c *RichClient[K]) Connect(ctx context.Context) {
	go func() { _ = c.sess.Run(ctx) }()
	c.ensureResolver()
}

// AddAddon installs a raw addon under name, subscribing it to the
// session's broadcast and handing it the data-send function.
func (c *RichClient[K]) AddAddon(name string, addon RawAddon) {
	_, sub, cancel := c.sess.Subscribe()
	addon.Attach(sub, c.sess.SendData)

	c.addonsMu.Lock()
	c.addons[name] = wrappedRawAddon{addon, cancel}
	c.addonsMu.Unlock()
}

type wrappedRawAddon struct {
	RawAddon
	cancel func()
}

func (w wrappedRawAddon) Close() {
	w.cancel()
	w.RawAddon.Close()
}

// ensureResolver installs the call_resolver addon exactly once,
// feeding every broadcast line into the resolver's parser.
func (c *RichClient[K]) ensureResolver() {
	c.resOnce.Do(func() {
		r := resolver.New(c.codec, c.kinds, c.log)
		r.OnLatency(c.latency)
		_, sub, cancel := c.sess.Subscribe()

		go func() {
			for line := range sub {
				r.Feed(string(line))
			}
		}()

		c.resolver = r
		c.resSub = cancel

		c.addonsMu.Lock()
		c.addons[resolverAddonName] = resolverAddon{r, cancel}
		c.addonsMu.Unlock()
	})
}

type resolverAddon struct {
	r      any
	cancel func()
}

func (a resolverAddon) Close() {
	a.cancel()
	if closer, ok := a.r.(interface{ Close() }); ok {
		closer.Close()
	}
}

// Call issues a typed command: encode, enqueue a reply sink under its
// kind, send via the session's data channel, await the resolver's
// reply bounded by resolver.CallTimeout.
func (c *RichClient[K]) Call(ctx context.Context, kind K, encoded string) (resolver.Reply, error) {
	if c.resolver == nil {
		return resolver.Reply{}, errors.New(errors.CodeNotConnected, "call_resolver addon not installed; call Connect first")
	}
	return c.resolver.Call(ctx, kind, encoded, func(s string) error {
		return c.sess.SendData([]byte(s))
	})
}

// Session exposes the underlying session for status inspection.
func (c *RichClient[K]) Session() *session.Session {
	return c.sess
}

// Close closes every addon — in Go map iteration order, which is
// unspecified, matching the original's "closed in any order" — then
// closes the session.
func (c *RichClient[K]) Close() error {
	c.addonsMu.Lock()
	addons := c.addons
	c.addons = make(map[string]Addon)
	c.addonsMu.Unlock()

	for name, addon := range addons {
		addon.Close()
		c.log.Debug("richclient: addon %q closed", name)
	}
	return c.sess.Close()
}
