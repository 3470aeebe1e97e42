// Package egress provides an optional SOCKS5 dialer for the sidecar's
// single outbound connection: the WebSocket session to the remote sim
// host (C2). Adapted from the teacher's internal/proxysocks, which dials
// TCP connections to an upstream mining pool through the same kind of
// SOCKS5 egress proxy — same algorithm, new call site.
package egress

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"golang.org/x/net/proxy"

	"github.com/rcssim/sidecar/pkg/errors"
)

// Config holds SOCKS5 egress proxy configuration for the outbound WS
// connection.
type Config struct {
	Enabled  bool   `json:"enabled"`
	Type     string `json:"type"` // must be "socks5"
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// ProxyDialer wraps SOCKS5 proxy functionality, falling back to a plain
// net.Dialer when proxying is disabled.
type ProxyDialer struct {
	config *Config
	dialer proxy.Dialer
}

// NewProxyDialer builds a ProxyDialer. When cfg.Enabled is false it
// returns a dialer that connects directly with a 10s timeout.
func NewProxyDialer(cfg *Config) (*ProxyDialer, error) {
	if cfg == nil || !cfg.Enabled {
		return &ProxyDialer{
			config: &Config{},
			dialer: &net.Dialer{Timeout: 10 * time.Second},
		}, nil
	}

	if cfg.Type != "socks5" {
		return nil, errors.New(errors.CodeWSConnectFailed, fmt.Sprintf("unsupported egress proxy type %q (must be socks5)", cfg.Type))
	}
	if cfg.Host == "" || cfg.Port == 0 {
		return nil, errors.New(errors.CodeWSConnectFailed, "egress proxy host and port are required when enabled")
	}

	authURL := &url.URL{
		Scheme: "socks5",
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
	}
	if cfg.Username != "" {
		authURL.User = url.UserPassword(cfg.Username, cfg.Password)
	}

	dialer, err := proxy.FromURL(authURL, proxy.Direct)
	if err != nil {
		return nil, errors.Wrap(errors.CodeWSConnectFailed, "create socks5 egress dialer", err)
	}

	return &ProxyDialer{config: cfg, dialer: dialer}, nil
}

// Dial opens a connection through the configured proxy, or directly.
func (p *ProxyDialer) Dial(network, address string) (net.Conn, error) {
	return p.dialer.Dial(network, address)
}

// DialContext is Dial with cancellation. Dialers that don't natively
// support a context (most golang.org/x/net/proxy.Dialer implementations)
// are wrapped in a goroutine+select fallback.
func (p *ProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if ctxDialer, ok := p.dialer.(interface {
		DialContext(context.Context, string, string) (net.Conn, error)
	}); ok {
		return ctxDialer.DialContext(ctx, network, address)
	}

	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := p.dialer.Dial(network, address)
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// IsEnabled reports whether proxying is configured.
func (p *ProxyDialer) IsEnabled() bool {
	return p.config.Enabled
}

// Address returns "host:port" for the configured proxy, or "" if disabled.
func (p *ProxyDialer) Address() string {
	if !p.config.Enabled {
		return ""
	}
	return fmt.Sprintf("%s:%d", p.config.Host, p.config.Port)
}
