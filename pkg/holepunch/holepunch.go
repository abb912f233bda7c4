// Package holepunch implements the coordinated UDP hole-punch protocol from
// spec.md §4.5: a five-step request/coordinate/burst/ack/promote exchange
// routed through a mutual peer acting as coordinator. The two-sided,
// role-disambiguated handshake (one side acts first, the other responds to
// being told it's second) is the same shape as the initiator/responder
// split in webwormhole's dial.go (its a()/b() functions), generalized here
// from a PAKE-authenticated WebRTC offer/answer exchange to a lexicographic
// peer_id tie-break over a raw UDP probe burst.
package holepunch

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/omerta-mesh/mesh/internal/meshlog"
	"github.com/omerta-mesh/mesh/internal/metrics"
	"github.com/omerta-mesh/mesh/pkg/cryptobox"
	"github.com/omerta-mesh/mesh/pkg/meshtypes"
	"github.com/omerta-mesh/mesh/pkg/wire"
)

// Failure taxonomy for hole-punch attempts (spec.md §4.5/§7).
const (
	FailureNoCoordinator   = "no-coordinator"
	FailurePeerUnreachable = "peer-unreachable"
	FailureNATIncompatible = "nat-incompatible"
	FailureTimeout         = "timeout"
)

// BurstCount is how many probe datagrams each side fires per attempt.
const BurstCount = 6

// BurstInterval spaces consecutive probes within one burst.
const BurstInterval = 30 * time.Millisecond

// AttemptTimeout bounds the whole coordinated attempt, end to end.
const AttemptTimeout = 8 * time.Second

// SymmetricPortSweep is the +/- port range tried against a symmetric NAT's
// likely next allocated port, per spec.md §4.5 "symmetric NATs get a
// bounded port-prediction sweep rather than a single probe".
const SymmetricPortSweep = 8

// Transport is the minimal send surface holepunch needs from the socket
// layer: fire-and-forget UDP writes that bypass the backpressure queue,
// since probe timing precision matters more than queuing fairness here.
type Transport interface {
	SendNow(to *net.UDPAddr, data []byte) error
}

// Coordinator sends control frames (request/coordinate) to specific peers
// over whatever established path already exists (usually a relay or the
// discovery path), independent of the punch attempt's direct UDP probes.
type Coordinator interface {
	SendControl(peer meshtypes.PeerId, f wire.Frame) error
}

// Outcome reports the result of one attempt.
type Outcome struct {
	Success      bool
	FailureKind  string
	Direct       net.UDPAddr
	RTT          time.Duration
}

// attempt tracks in-flight coordination state for one AttemptID.
type attempt struct {
	id          string
	peer        meshtypes.PeerId
	key         meshtypes.NetworkKey
	localEnc    meshtypes.Endpoint
	remoteEnc   meshtypes.Endpoint
	isInitiator bool
	startAt     time.Time
	ackCh       chan ackEvent
	done        chan struct{}
	closeOnce   sync.Once
}

type ackEvent struct {
	from *net.UDPAddr
	rtt  time.Duration
}

// Engine drives punch attempts for one node.
type Engine struct {
	transport Transport
	coord     Coordinator
	self      meshtypes.PeerId
	key       meshtypes.NetworkKey
	nonces    *cryptobox.NonceSource
	metrics   *metrics.Set
	log       *meshlog.Logger

	mu       sync.Mutex
	attempts map[string]*attempt
}

// New builds a hole-punch engine.
func New(self meshtypes.PeerId, key meshtypes.NetworkKey, transport Transport, coord Coordinator, m *metrics.Set) (*Engine, error) {
	ns, err := cryptobox.NewNonceSource()
	if err != nil {
		return nil, err
	}
	return &Engine{
		transport: transport,
		coord:     coord,
		self:      self,
		key:       key,
		nonces:    ns,
		metrics:   m,
		log:       meshlog.New("holepunch"),
		attempts:  make(map[string]*attempt),
	}, nil
}

// RequestPunch asks coordinatorPeer to broker a hole punch with target,
// implementing step 1 of spec.md §4.5.
func (e *Engine) RequestPunch(ctx context.Context, coordinatorPeer, target meshtypes.PeerId, attemptID string) error {
	if e.metrics != nil {
		e.metrics.IncHolePunchAttempts()
	}
	err := e.coord.SendControl(coordinatorPeer, wire.Frame{
		Tag: wire.TagHolePunchRequest,
		HolePunchRequest: &wire.HolePunchRequestBody{
			TargetPeerID: string(target),
			AttemptID:    attemptID,
		},
	})
	if err != nil {
		if e.metrics != nil {
			e.metrics.HolePunchFailed.WithLabelValues(FailureNoCoordinator).Inc()
		}
		return meshtypes.NewError(meshtypes.ErrReachability, meshtypes.CodeNoCoordinator, "could not reach coordinator", err)
	}
	return nil
}

// HandleCoordinate processes a TagHolePunchCoordinate frame received from a
// coordinator (step 2): it registers the attempt and fires the probe
// burst. Whether this node's peer_id sorts lower than the peer's
// (lowerGoesSecondBurst) decides who fires the tie-break extra burst
// (spec.md §4.5: "the lexicographically lower peer_id sends one additional
// burst after the synchronized moment, to break simultaneous-open races").
func (e *Engine) HandleCoordinate(ctx context.Context, peer meshtypes.PeerId, body *wire.HolePunchCoordinateBody) (*Outcome, error) {
	remoteAddr, err := net.ResolveUDPAddr("udp", body.PeerEndpoint)
	if err != nil {
		return nil, meshtypes.NewError(meshtypes.ErrProtocol, "bad_coordinate_endpoint", "coordinate carried an unparseable endpoint", err)
	}

	a := &attempt{
		id:        body.AttemptID,
		peer:      peer,
		remoteEnc: meshtypes.Endpoint(body.PeerEndpoint),
		startAt:   time.Now(),
		ackCh:     make(chan ackEvent, BurstCount*2),
		done:      make(chan struct{}),
	}
	e.mu.Lock()
	e.attempts[a.id] = a
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.attempts, a.id)
		e.mu.Unlock()
	}()

	lowerGoesSecondBurst := string(e.self) < string(peer)

	fireBurstAt := func(t *net.UDPAddr) {
		for i := 0; i < BurstCount; i++ {
			probe := wire.Frame{Tag: wire.TagProbe, Probe: &wire.ProbeBody{AttemptID: a.id, Nonce: uint64(i)}}
			datagram, err := wire.BuildDatagram(e.key, e.nonces, probe)
			if err != nil {
				continue
			}
			_ = e.transport.SendNow(t, datagram)
			time.Sleep(BurstInterval)
		}
	}

	fireBurstAt(remoteAddr)
	if lowerGoesSecondBurst {
		time.Sleep(BurstInterval * time.Duration(BurstCount))
		fireBurstAt(remoteAddr)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, AttemptTimeout)
	defer cancel()

	// Wait briefly on the exact endpoint before falling back to a
	// port-prediction sweep, which only helps against a symmetric NAT
	// that allocates a fresh external port per destination.
	select {
	case ev := <-a.ackCh:
		if e.metrics != nil {
			e.metrics.IncHolePunchSucceeded()
		}
		return &Outcome{Success: true, Direct: *ev.from, RTT: ev.rtt}, nil
	case <-time.After(BurstInterval * time.Duration(BurstCount) * 2):
	case <-attemptCtx.Done():
		if e.metrics != nil {
			e.metrics.HolePunchFailed.WithLabelValues(FailureTimeout).Inc()
		}
		return &Outcome{Success: false, FailureKind: FailureTimeout}, nil
	}

	for _, t := range predictedPorts(remoteAddr) {
		fireBurstAt(t)
		select {
		case ev := <-a.ackCh:
			if e.metrics != nil {
				e.metrics.IncHolePunchSucceeded()
			}
			return &Outcome{Success: true, Direct: *ev.from, RTT: ev.rtt}, nil
		case <-attemptCtx.Done():
			if e.metrics != nil {
				e.metrics.HolePunchFailed.WithLabelValues(FailureTimeout).Inc()
			}
			return &Outcome{Success: false, FailureKind: FailureTimeout}, nil
		default:
		}
	}

	select {
	case ev := <-a.ackCh:
		if e.metrics != nil {
			e.metrics.IncHolePunchSucceeded()
		}
		return &Outcome{Success: true, Direct: *ev.from, RTT: ev.rtt}, nil
	case <-attemptCtx.Done():
	}
	if e.metrics != nil {
		e.metrics.HolePunchFailed.WithLabelValues(FailureTimeout).Inc()
	}
	return &Outcome{Success: false, FailureKind: FailureTimeout}, nil
}

// HandleProbe answers an inbound probe with an ack carrying local time for
// RTT measurement (step 3/4 of spec.md §4.5).
func (e *Engine) HandleProbe(from *net.UDPAddr, body *wire.ProbeBody) wire.Frame {
	return wire.Frame{
		Tag: wire.TagProbeAck,
		ProbeAck: &wire.ProbeAckBody{
			AttemptID:   body.AttemptID,
			Nonce:       body.Nonce,
			LocalTimeMs: time.Now().UnixMilli(),
		},
	}
}

// HandleProbeAck resolves a pending attempt once the first ack for its
// AttemptID arrives (step 4/5: the attempt is promoted to a confirmed
// direct path as soon as one ack round-trips).
func (e *Engine) HandleProbeAck(from *net.UDPAddr, body *wire.ProbeAckBody) {
	e.mu.Lock()
	a, ok := e.attempts[body.AttemptID]
	e.mu.Unlock()
	if !ok {
		return
	}
	rtt := time.Since(a.startAt)
	select {
	case a.ackCh <- ackEvent{from: from, rtt: rtt}:
	default:
	}
}

// predictedPorts builds a bounded sweep of candidate ports around the
// reported remote port, for a symmetric-NAT target whose actual mapped
// port for this attempt may differ slightly from what the coordinator
// last observed (spec.md §4.5).
func predictedPorts(base *net.UDPAddr) []*net.UDPAddr {
	out := make([]*net.UDPAddr, 0, SymmetricPortSweep*2)
	for delta := 1; delta <= SymmetricPortSweep; delta++ {
		for _, sign := range []int{1, -1} {
			port := base.Port + sign*delta
			if port <= 0 || port > 65535 {
				continue
			}
			out = append(out, &net.UDPAddr{IP: base.IP, Port: port})
		}
	}
	return out
}
