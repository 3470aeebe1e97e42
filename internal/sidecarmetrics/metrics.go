// Package sidecarmetrics exposes the sidecar's Prometheus collectors:
// active proxy connections, room count, resolver call latency, service
// facade status, and heartbeat misses. Adapted from the teacher's
// internal/metrics (Collector's atomic counters plus
// PrometheusCollectors' safe-register helper), rebound to this domain's
// entities instead of mining shares/clients.
package sidecarmetrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the atomic counters written by cmd/sidecar's wiring
// (its status and room mirror loops, and the heartbeat-miss callback it
// hands to the room), mirroring the teacher's Collector's role
// as the write side behind the Prometheus read side.
type Collector struct {
	ConnectionsActive atomic.Int64
	RoomsActive       atomic.Int64
	HeartbeatMisses   atomic.Uint64
	ServiceStatus     atomic.Int32 // mirrors service.Status
}

// NewCollector creates a zeroed Collector.
func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) IncrementConnections() { c.ConnectionsActive.Add(1) }
func (c *Collector) DecrementConnections() { c.ConnectionsActive.Add(-1) }
func (c *Collector) SetRoomsActive(n int)  { c.RoomsActive.Store(int64(n)) }
func (c *Collector) IncrementHeartbeatMiss() { c.HeartbeatMisses.Add(1) }
func (c *Collector) SetServiceStatus(status int32) { c.ServiceStatus.Store(status) }

// register registers c, returning the already-registered collector
// instead of erroring if it was registered before — safe to call more
// than once per namespace (e.g. across service restarts in tests).
func register(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		return c
	}
	return c
}

// PrometheusCollectors holds every collector registered against the
// default registry for one namespace.
type PrometheusCollectors struct {
	ConnectionsActive prometheus.Gauge
	RoomsActive       prometheus.Gauge
	HeartbeatMisses   prometheus.Counter
	ServiceStatus     prometheus.Gauge
	ResolverLatency   prometheus.Histogram
}

// InitPrometheus registers every sidecar collector under namespace.
func InitPrometheus(namespace string) *PrometheusCollectors {
	pc := &PrometheusCollectors{}

	pc.ConnectionsActive = register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "proxy_connections_active",
		Help:      "Number of currently active agent proxy connections",
	})).(prometheus.Gauge)

	pc.RoomsActive = register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rooms_active",
		Help:      "Number of currently active proxy rooms",
	})).(prometheus.Gauge)

	pc.HeartbeatMisses = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "heartbeat_misses_total",
		Help:      "Total number of proxy connection heartbeat timeouts",
	})).(prometheus.Counter)

	pc.ServiceStatus = register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "service_status",
		Help:      "Current service facade status (service.Status ordinal)",
	})).(prometheus.Gauge)

	pc.ResolverLatency = register(prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "resolver_call_latency_seconds",
		Help:      "Latency between a coach command being sent and its reply being resolved",
		Buckets:   prometheus.DefBuckets,
	})).(prometheus.Histogram)

	return pc
}

// Sync copies the atomic Collector's current values into the Prometheus
// gauges/counters. Intended to be called on a short ticker by the caller
// that owns both (cmd/sidecar's metrics loop), since Prometheus counters
// only support monotonic Add, not Set — heartbeat misses are tracked as
// a delta against the last synced value.
func (p *PrometheusCollectors) Sync(c *Collector, lastHeartbeatMisses *uint64) {
	p.ConnectionsActive.Set(float64(c.ConnectionsActive.Load()))
	p.RoomsActive.Set(float64(c.RoomsActive.Load()))
	p.ServiceStatus.Set(float64(c.ServiceStatus.Load()))

	current := c.HeartbeatMisses.Load()
	if delta := current - *lastHeartbeatMisses; delta > 0 {
		p.HeartbeatMisses.Add(float64(delta))
	}
	*lastHeartbeatMisses = current
}

// ObserveResolverLatencySeconds records one resolver round-trip.
func (p *PrometheusCollectors) ObserveResolverLatencySeconds(seconds float64) {
	p.ResolverLatency.Observe(seconds)
}
