package mesh

import (
	"context"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/omerta-mesh/mesh/pkg/meshtypes"
	"github.com/omerta-mesh/mesh/pkg/relay"
	"github.com/omerta-mesh/mesh/pkg/socket"
	"github.com/omerta-mesh/mesh/pkg/wire"
)

// handleInbound is the socket's single read-loop callback: parse, then
// route by frame tag. It must not block (spec.md §5), so every branch
// either does O(1) bookkeeping or hands work to an already-running
// goroutine (the channel dispatcher's per-pair workers).
func (n *Node) handleInbound(in socket.Inbound) {
	f, err := wire.ParseDatagram(n.ring, in.Data)
	if err != nil {
		reason := dropReason(err)
		if n.metrics != nil {
			n.metrics.PacketsDropped.WithLabelValues(reason).Inc()
			if reason == "auth_failed" {
				n.metrics.IncAEADAuthFailures()
			}
		}
		return
	}

	switch f.Tag {
	case wire.TagPing:
		if f.Ping == nil {
			return
		}
		pong := n.discEng.HandlePing(n.peerIDFromEndpoint(in.From), in.From, f.Ping)
		n.sendTo(in.From, pong)
	case wire.TagPong:
		if f.Pong == nil {
			return
		}
		n.discEng.HandlePong(n.peerIDFromEndpoint(in.From), in.From, f.Pong)
	case wire.TagHolePunchCoordinate:
		if f.HolePunchCoordinate == nil {
			return
		}
		go func() {
			_, _ = n.punchEng.HandleCoordinate(context.Background(), n.peerIDFromEndpoint(in.From), f.HolePunchCoordinate)
		}()
	case wire.TagProbe:
		if f.Probe == nil {
			return
		}
		ack := n.punchEng.HandleProbe(in.From, f.Probe)
		n.sendTo(in.From, ack)
	case wire.TagProbeAck:
		if f.ProbeAck == nil {
			return
		}
		n.punchEng.HandleProbeAck(in.From, f.ProbeAck)
	case wire.TagChannelData:
		if f.ChannelData == nil {
			return
		}
		n.channels.Deliver(n.peerIDFromEndpoint(in.From), f.ChannelData.Channel, f.ChannelData.Bytes)
	case wire.TagRelayRequest:
		if f.RelayRequest == nil {
			return
		}
		n.handleRelayRequest(in.From, f.RelayRequest)
	case wire.TagRelayAccept:
		if f.RelayAccept == nil {
			return
		}
		n.resolveRelayWait(f.RelayAccept.SessionID, f)
	case wire.TagRelayDeny:
		if f.RelayDeny == nil {
			return
		}
		n.resolveRelayWait(f.RelayDeny.SessionID, f)
	case wire.TagRelayData:
		if f.RelayData == nil {
			return
		}
		n.forwardRelayData(in.From, f.RelayData)
	case wire.TagRelayEnd:
		if f.RelayEnd == nil {
			return
		}
		n.relayRouteMu.Lock()
		delete(n.relayRoutes, f.RelayEnd.SessionID)
		n.relayRouteMu.Unlock()
		n.relayMgr.Sessions.Close(f.RelayEnd.SessionID)
	default:
		// Unknown tags are silently dropped by design (spec.md §4.2).
	}
}

func dropReason(err error) string {
	switch err {
	case wire.ErrUnknownNetwork:
		return "unknown_network"
	case wire.ErrShortPacket:
		return "short_packet"
	case wire.ErrUnsupportedVersion:
		return "unsupported_version"
	default:
		return "auth_failed"
	}
}

// peerIDFromEndpoint resolves a source address back to a known peer_id via
// the cache's reverse endpoint index; unknown sources fall back to the
// endpoint string itself so discovery can still register them as a new
// peer. Ping and pong frames carry no sender peer_id, so such a peer stays
// keyed by its endpoint string.
func (n *Node) peerIDFromEndpoint(addr *net.UDPAddr) meshtypes.PeerId {
	ep := meshtypes.Endpoint(addr.String())
	if id, ok := n.cache.ByEndpoint(ep); ok {
		return id
	}
	return meshtypes.PeerId(ep)
}

func (n *Node) sendTo(addr *net.UDPAddr, f wire.Frame) {
	datagram, err := wire.BuildDatagram(n.cfg.NetworkKey, n.nonces, f)
	if err != nil {
		return
	}
	if !n.sock.Send(addr, datagram) {
		if n.metrics != nil {
			n.metrics.PacketsDropped.WithLabelValues("send_queue_full").Inc()
		}
	}
}

// SendFrame implements discovery.Sender.
func (n *Node) SendFrame(peer meshtypes.PeerId, endpoint meshtypes.Endpoint, f wire.Frame) error {
	addr, err := net.ResolveUDPAddr("udp", string(endpoint))
	if err != nil {
		return meshtypes.NewError(meshtypes.ErrProtocol, "bad_endpoint", "could not resolve peer endpoint", err)
	}
	datagram, err := wire.BuildDatagram(n.cfg.NetworkKey, n.nonces, f)
	if err != nil {
		return err
	}
	if !n.sock.Send(addr, datagram) {
		return meshtypes.NewError(meshtypes.ErrResource, meshtypes.CodeQueueFull, "send queue full", nil)
	}
	return nil
}

// SendControl implements holepunch.Coordinator: it routes a control frame
// to a peer via whatever direct path the cache currently has for it.
func (n *Node) SendControl(peer meshtypes.PeerId, f wire.Frame) error {
	rec, ok := n.cache.Get(peer)
	if !ok || len(rec.Paths) == 0 {
		return meshtypes.NewError(meshtypes.ErrReachability, meshtypes.CodePeerUnreachable, "no known path to coordinate through", nil)
	}
	return n.SendFrame(peer, rec.Paths[0].Endpoint, f)
}

// Send implements channel.PathSender: best-path delivery of a
// channel_data frame, direct only in this implementation (hole-punch
// promotion and relay fallback update the cache's Path entries, which this
// always consults fresh).
func (n *Node) Send(ctx context.Context, peer meshtypes.PeerId, channelName string, data []byte) (meshtypes.PathKind, error) {
	deadline := time.Now().Add(channelEstablishmentPoll)
	for {
		rec, ok := n.cache.Get(peer)
		if ok && len(rec.Paths) > 0 {
			path := rec.Paths[0]
			f := wire.Frame{Tag: wire.TagChannelData, ChannelData: &wire.ChannelDataBody{Channel: channelName, Bytes: data}}
			if err := n.SendFrame(peer, path.Endpoint, f); err != nil {
				return path.Kind, err
			}
			return path.Kind, nil
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return meshtypes.PathDirect, meshtypes.NewError(meshtypes.ErrReachability, meshtypes.CodePeerUnreachable, "no path established to peer", nil)
		}
		select {
		case <-ctx.Done():
			return meshtypes.PathDirect, ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}

const channelEstablishmentPoll = 200 * time.Millisecond

// relayCandidates turns cache-known peers into relay.Candidate values for
// the relay manager's scoring pass. Any peer this node already has a fresh
// direct path to is a usable relay candidate for this purpose.
func (n *Node) relayCandidates() []relay.Candidate {
	snap := n.cache.Snapshot()
	out := make([]relay.Candidate, 0, len(snap))
	for _, rec := range snap {
		if rec.Unverified || len(rec.Paths) == 0 {
			continue
		}
		out = append(out, relay.Candidate{
			PeerID:      rec.PeerID,
			Endpoint:    rec.Paths[0].Endpoint,
			CapacityPct: 100,
			IsDirect:    rec.Paths[0].Kind == meshtypes.PathDirect,
			NATType:     rec.PredictedNATType,
		})
	}
	return out
}

// relayDialTimeout bounds how long dialRelay waits for a candidate's
// relay_accept/relay_deny before giving up on it this Refill pass.
const relayDialTimeout = 5 * time.Second

// relayRoute is the pair of endpoints one relayed session bridges, from
// this node's perspective as the relay: data arriving from either side is
// forwarded verbatim (still sealed under the network key) to the other.
type relayRoute struct {
	a, b meshtypes.Endpoint
}

// dialRelay establishes a relay.Connection to a candidate: it reserves a
// pool slot by sending a relay_request with no target (spec.md §4.6 pool
// maintenance is target-agnostic; a specific session is opened against an
// already-pooled connection later, when something actually needs relaying
// through it) and waits for the candidate's relay_accept/relay_deny.
func (n *Node) dialRelay(c relay.Candidate) (*relay.Connection, error) {
	sessionID := uuid.NewString()
	wait := make(chan wire.Frame, 1)
	n.registerRelayWait(sessionID, wait)
	defer n.clearRelayWait(sessionID)

	if err := n.SendFrame(c.PeerID, c.Endpoint, wire.Frame{
		Tag:          wire.TagRelayRequest,
		RelayRequest: &wire.RelayRequestBody{SessionID: sessionID},
	}); err != nil {
		return nil, meshtypes.NewError(meshtypes.ErrRelay, meshtypes.CodeRelayUnavailable, "failed to reach relay candidate", err)
	}

	select {
	case resp := <-wait:
		if resp.Tag == wire.TagRelayDeny {
			reason := ""
			if resp.RelayDeny != nil {
				reason = resp.RelayDeny.Reason
			}
			return nil, meshtypes.NewError(meshtypes.ErrRelay, meshtypes.CodeRelayDenied, "relay candidate denied the request: "+reason, nil)
		}
		return relay.NewConnection(c, func(out wire.Frame) error {
			return n.SendFrame(c.PeerID, c.Endpoint, out)
		}), nil
	case <-time.After(relayDialTimeout):
		return nil, meshtypes.NewError(meshtypes.ErrRelay, meshtypes.CodeRelayUnavailable, "relay candidate did not respond in time", nil)
	}
}

func (n *Node) registerRelayWait(sessionID string, ch chan wire.Frame) {
	n.relayWaitsMu.Lock()
	n.relayWaits[sessionID] = ch
	n.relayWaitsMu.Unlock()
}

func (n *Node) clearRelayWait(sessionID string) {
	n.relayWaitsMu.Lock()
	delete(n.relayWaits, sessionID)
	n.relayWaitsMu.Unlock()
}

func (n *Node) resolveRelayWait(sessionID string, f wire.Frame) {
	n.relayWaitsMu.Lock()
	ch, ok := n.relayWaits[sessionID]
	n.relayWaitsMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- f:
	default:
	}
}

// handleRelayRequest answers an inbound relay_request. A request with no
// target is a pool-slot reservation and is always accepted; a request
// naming a target peer is only accepted if this node actually has a known
// path to that target, and records the route so forwardRelayData can
// bridge subsequent relay_data frames between the two sides.
func (n *Node) handleRelayRequest(from *net.UDPAddr, body *wire.RelayRequestBody) {
	sessionID := body.SessionID
	if body.TargetPeerID == "" {
		n.sendTo(from, wire.Frame{Tag: wire.TagRelayAccept, RelayAccept: &wire.RelayAcceptBody{SessionID: sessionID}})
		return
	}
	target := meshtypes.PeerId(body.TargetPeerID)
	rec, ok := n.cache.Get(target)
	if !ok || len(rec.Paths) == 0 {
		n.sendTo(from, wire.Frame{Tag: wire.TagRelayDeny, RelayDeny: &wire.RelayDenyBody{SessionID: sessionID, Reason: "target unreachable"}})
		return
	}
	n.relayRouteMu.Lock()
	n.relayRoutes[sessionID] = relayRoute{a: meshtypes.Endpoint(from.String()), b: rec.Paths[0].Endpoint}
	n.relayRouteMu.Unlock()
	n.sendTo(from, wire.Frame{Tag: wire.TagRelayAccept, RelayAccept: &wire.RelayAcceptBody{SessionID: sessionID}})
}

// forwardRelayData bridges a relay_data frame to the far side of its
// session's route, verbatim and unread: the payload is already sealed
// under the network key and this node, acting purely as a relay, never
// needs to open it.
func (n *Node) forwardRelayData(from *net.UDPAddr, body *wire.RelayDataBody) {
	n.relayRouteMu.Lock()
	route, ok := n.relayRoutes[body.SessionID]
	n.relayRouteMu.Unlock()
	if !ok {
		return
	}
	fromEp := meshtypes.Endpoint(from.String())
	var dest meshtypes.Endpoint
	switch fromEp {
	case route.a:
		dest = route.b
	case route.b:
		dest = route.a
	default:
		return
	}
	addr, err := net.ResolveUDPAddr("udp", string(dest))
	if err != nil {
		return
	}
	_ = n.sock.SendNow(addr, body.Bytes)
	n.relayMgr.Sessions.Touch(body.SessionID)
}
