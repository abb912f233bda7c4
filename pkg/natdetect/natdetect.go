// Package natdetect classifies the local node's NAT behavior by probing
// two independent STUN-like rendezvous servers, per spec.md §4.3. It uses
// github.com/pion/stun as a real STUN Binding Request/Response codec
// rather than reinventing one; detection runs on its own ephemeral UDP
// socket (reused across all four probes via go-reuseport, so "same source
// port" holds) and never blocks the mesh's own datagram I/O — it is
// advisory and the mesh node runs it once at startup; the node does not
// re-run it, and an endpoint_report frame from a peer is dropped unread.
package natdetect

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/libp2p/go-reuseport"
	"github.com/pion/stun"

	"github.com/omerta-mesh/mesh/internal/meshlog"
	"github.com/omerta-mesh/mesh/pkg/meshtypes"
)

// ProbeTimeout bounds a single STUN round trip.
const ProbeTimeout = 2 * time.Second

// ThirdPartyProbeWindow is how long the detector waits, after the four
// primary probes, for an unsolicited probe from a third address — used to
// distinguish full-cone from restricted-cone (spec.md §4.3).
const ThirdPartyProbeWindow = 1500 * time.Millisecond

// Result is the outcome of one detection run.
type Result struct {
	NATType        meshtypes.NATType
	PublicEndpoint meshtypes.Endpoint
}

// Detector classifies local NAT behavior against two rendezvous servers.
type Detector struct {
	serverA, serverB string
	log              *meshlog.Logger

	// unsolicited receives the addresses passed to NotifyUnsolicited; used
	// for the full-cone vs restricted-cone distinction. Neither the mesh
	// node nor pkg/socket calls NotifyUnsolicited, so Detect reports
	// full-cone only when some other caller feeds it.
	unsolicited chan *net.UDPAddr
}

// New builds a detector against two rendezvous server addresses
// ("host:port"). The servers are collaborator configuration, not a
// protocol invariant (spec.md §9).
func New(serverA, serverB string) *Detector {
	return &Detector{
		serverA:     serverA,
		serverB:     serverB,
		log:         meshlog.New("natdetect"),
		unsolicited: make(chan *net.UDPAddr, 8),
	}
}

// NotifyUnsolicited records an inbound datagram on the detection port that
// doesn't correlate to a pending probe; it's how a full-cone NAT is
// distinguished from a restricted one. The socket layer does not call it.
func (d *Detector) NotifyUnsolicited(from *net.UDPAddr) {
	select {
	case d.unsolicited <- from:
	default:
	}
}

// Detect runs the full four-probe classification procedure described in
// spec.md §4.3 and returns the predicted NAT type and best-guess public
// endpoint.
func (d *Detector) Detect(ctx context.Context, localIP net.IP) (Result, error) {
	conn, err := reuseport.ListenPacket("udp", "0.0.0.0:0")
	if err != nil {
		return Result{}, meshtypes.NewError(meshtypes.ErrConfiguration, "port_bind_failed", "cannot open STUN probe socket", err)
	}
	udpConn := conn.(*net.UDPConn)
	defer udpConn.Close()

	rA1, err := d.bind(ctx, udpConn, d.serverA)
	if err != nil {
		return Result{NATType: meshtypes.NATUnknown}, err
	}
	rA2, err := d.bind(ctx, udpConn, d.serverA)
	if err != nil {
		return Result{NATType: meshtypes.NATUnknown}, err
	}
	rB1, err := d.bind(ctx, udpConn, d.serverB)
	if err != nil {
		return Result{NATType: meshtypes.NATUnknown}, err
	}
	rB2, err := d.bind(ctx, udpConn, d.serverB)
	if err != nil {
		return Result{NATType: meshtypes.NATUnknown}, err
	}

	mapped := []*net.UDPAddr{rA1, rA2, rB1, rB2}
	allIdentical := sameAddr(mapped[0], mapped[1]) && sameAddr(mapped[1], mapped[2]) && sameAddr(mapped[2], mapped[3])
	anyDifferentServer := !sameAddr(rA1, rB1)

	result := Result{PublicEndpoint: meshtypes.Endpoint(mapped[0].String())}

	switch {
	case allIdentical && mapped[0].IP.Equal(localIP):
		result.NATType = meshtypes.NATPublic
		return result, nil
	case allIdentical:
		// Same mapped endpoint from both servers: cone NAT of some kind.
		// Wait briefly for an unsolicited third-party probe to arrive to
		// distinguish full-cone from restricted-cone/port-restricted.
		select {
		case <-d.unsolicited:
			result.NATType = meshtypes.NATFullCone
			return result, nil
		case <-time.After(ThirdPartyProbeWindow):
		}
		// Distinguish restricted-cone vs port-restricted: probe the same
		// server from a different local source port; a probe that gets no
		// reply at all is taken as per-port filtering at the NAT (a
		// port-restricted-cone NAT only accepts inbound from the exact
		// remote ip:port it sent to). The mapped port is not compared.
		portRestricted, err := d.probeDifferentSourcePort(ctx, d.serverA)
		if err == nil && portRestricted {
			result.NATType = meshtypes.NATPortRestricted
		} else {
			result.NATType = meshtypes.NATRestrictedCone
		}
		return result, nil
	case anyDifferentServer:
		result.NATType = meshtypes.NATSymmetric
		return result, nil
	default:
		result.NATType = meshtypes.NATUnknown
		return result, nil
	}
}

// bind performs one STUN Binding Request/Response exchange and returns
// the XOR-MAPPED-ADDRESS.
func (d *Detector) bind(ctx context.Context, conn *net.UDPConn, server string) (*net.UDPAddr, error) {
	serverAddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return nil, meshtypes.NewError(meshtypes.ErrConfiguration, "bad_stun_server", "cannot resolve rendezvous server", err)
	}

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	deadline := time.Now().Add(ProbeTimeout)
	_ = conn.SetDeadline(deadline)
	if _, err := conn.WriteToUDP(msg.Raw, serverAddr); err != nil {
		return nil, meshtypes.NewError(meshtypes.ErrTransientNetwork, "stun_write_failed", "failed to send STUN probe", err)
	}

	buf := make([]byte, 1500)
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		return nil, meshtypes.NewError(meshtypes.ErrReachability, meshtypes.CodeTimeout, "STUN probe timed out", err)
	}

	resp := &stun.Message{Raw: buf[:n]}
	if err := resp.Decode(); err != nil {
		return nil, meshtypes.NewError(meshtypes.ErrProtocol, "bad_stun_response", "could not decode STUN response", err)
	}
	var xor stun.XORMappedAddress
	if err := xor.GetFrom(resp); err != nil {
		return nil, meshtypes.NewError(meshtypes.ErrProtocol, "missing_xor_mapped_address", "STUN response missing XOR-MAPPED-ADDRESS", err)
	}
	return &net.UDPAddr{IP: xor.IP, Port: xor.Port}, nil
}

// probeDifferentSourcePort opens a second ephemeral socket and performs
// one more binding request to distinguish restricted-cone from
// port-restricted-cone NATs (spec.md §4.3: "distinguish port-restricted
// with a probe from a different source port on the same IP").
func (d *Detector) probeDifferentSourcePort(ctx context.Context, server string) (bool, error) {
	conn, err := reuseport.ListenPacket("udp", "0.0.0.0:0")
	if err != nil {
		return false, err
	}
	udpConn := conn.(*net.UDPConn)
	defer udpConn.Close()
	if _, err := d.bind(ctx, udpConn, server); err != nil {
		// If this probe fails to get a reply at all from an alternate
		// port while the primary port succeeded, treat it as evidence
		// of port-restricted filtering.
		return true, nil
	}
	return false, nil
}

func sameAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

// String is a debug helper.
func (r Result) String() string {
	return fmt.Sprintf("%s@%s", r.NATType, r.PublicEndpoint)
}
