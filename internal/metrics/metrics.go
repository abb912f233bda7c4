// Package metrics holds the Prometheus counters/gauges that back both the
// §7 error taxonomy and the §6 statistics() surface. The core never starts
// an HTTP server for these itself (that's CLI/daemon glue, out of scope per
// spec.md §1); a collaborator that wants a /metrics endpoint registers
// Registry against its own mux.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Set is the full collection of mesh metrics, constructed once per Node.
// Alongside each Prometheus instrument it keeps a plain atomic counter for
// the handful of figures Node.Statistics() needs to read back in-process
// without scraping its own registry.
type Set struct {
	Registry *prometheus.Registry

	AEADAuthFailures   prometheus.Counter
	PacketsDropped     *prometheus.CounterVec // by reason
	DirectConnections  prometheus.Gauge
	HolePunchAttempts  prometheus.Counter
	HolePunchSucceeded prometheus.Counter
	HolePunchFailed    *prometheus.CounterVec // by reason
	RelaySessionCount  prometheus.Gauge
	RelayConnections   prometheus.Gauge
	ChannelQueueDrops  *prometheus.CounterVec // by channel
	GossipPeersLearned prometheus.Counter

	aeadAuthFailures   atomic.Int64
	directConnections  atomic.Int64
	holePunchAttempts  atomic.Int64
	holePunchSucceeded atomic.Int64
}

// NewSet builds and registers a fresh metric set against a private
// registry (never the global default, so multiple Nodes in one process
// don't collide).
func NewSet() *Set {
	reg := prometheus.NewRegistry()
	s := &Set{
		Registry: reg,
		AEADAuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_aead_auth_failures_total",
			Help: "Inbound datagrams dropped for failing AEAD authentication under every known network key.",
		}),
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_packets_dropped_total",
			Help: "Inbound datagrams dropped, by reason.",
		}, []string{"reason"}),
		DirectConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mesh_direct_connections",
			Help: "Peers currently reachable via a direct or hole-punched path.",
		}),
		HolePunchAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_hole_punch_attempts_total",
			Help: "Hole-punch attempts started.",
		}),
		HolePunchSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_hole_punch_succeeded_total",
			Help: "Hole-punch attempts that installed a direct path.",
		}),
		HolePunchFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_hole_punch_failed_total",
			Help: "Hole-punch attempts that failed, by reason.",
		}, []string{"reason"}),
		RelaySessionCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mesh_relay_sessions",
			Help: "Non-closed relay sessions across all relay connections.",
		}),
		RelayConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mesh_relay_connections",
			Help: "Live relay connections.",
		}),
		ChannelQueueDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_channel_queue_drops_total",
			Help: "Payloads dropped because a channel's receive buffer was full, by channel name.",
		}, []string{"channel"}),
		GossipPeersLearned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_gossip_peers_learned_total",
			Help: "New peer records learned via gossip merge.",
		}),
	}
	reg.MustRegister(
		s.AEADAuthFailures, s.PacketsDropped, s.DirectConnections,
		s.HolePunchAttempts, s.HolePunchSucceeded, s.HolePunchFailed,
		s.RelaySessionCount, s.RelayConnections, s.ChannelQueueDrops,
		s.GossipPeersLearned,
	)
	return s
}

// IncAEADAuthFailures records one datagram dropped for AEAD auth failure.
func (s *Set) IncAEADAuthFailures() {
	s.AEADAuthFailures.Inc()
	s.aeadAuthFailures.Add(1)
}

// AEADAuthFailuresCount returns the in-process running total.
func (s *Set) AEADAuthFailuresCount() int64 { return s.aeadAuthFailures.Load() }

// SetDirectConnections records the current count of direct/hole-punched
// reachable peers.
func (s *Set) SetDirectConnections(n int64) {
	s.DirectConnections.Set(float64(n))
	s.directConnections.Store(n)
}

// DirectConnectionsCount returns the in-process running total.
func (s *Set) DirectConnectionsCount() int64 { return s.directConnections.Load() }

// IncHolePunchAttempts records one hole-punch attempt started.
func (s *Set) IncHolePunchAttempts() {
	s.HolePunchAttempts.Inc()
	s.holePunchAttempts.Add(1)
}

// HolePunchAttemptsCount returns the in-process running total.
func (s *Set) HolePunchAttemptsCount() int64 { return s.holePunchAttempts.Load() }

// IncHolePunchSucceeded records one hole-punch attempt that installed a
// direct path.
func (s *Set) IncHolePunchSucceeded() {
	s.HolePunchSucceeded.Inc()
	s.holePunchSucceeded.Add(1)
}

// HolePunchSucceededCount returns the in-process running total.
func (s *Set) HolePunchSucceededCount() int64 { return s.holePunchSucceeded.Load() }
