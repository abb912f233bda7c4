// Package discovery implements bootstrap connection and periodic gossip
// ping/pong exchange, per spec.md §4.4. It is the direct generalization of
// the teacher's multicast-beacon broadcaster/listener pair in discover.go:
// the same periodic-ticker send loop and decrypt-then-merge receive loop,
// but addressed to specific known peers over the mesh's encrypted unicast
// socket rather than to a LAN multicast group, since the spec has no LAN
// assumption.
package discovery

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"lukechampine.com/blake3"

	"github.com/omerta-mesh/mesh/internal/meshlog"
	"github.com/omerta-mesh/mesh/internal/metrics"
	"github.com/omerta-mesh/mesh/pkg/meshtypes"
	"github.com/omerta-mesh/mesh/pkg/peercache"
	"github.com/omerta-mesh/mesh/pkg/wire"
)

// GossipInterval is the default period between ping sweeps (spec.md §4.4:
// "every 30 seconds").
const GossipInterval = 30 * time.Second

// MaxRecentPeersPerMessage bounds how many peer records ride in one
// ping/pong payload, to keep datagrams well under typical path MTU.
const MaxRecentPeersPerMessage = 16

// gossipDedupWindow bounds how long an identical recent-peers payload is
// remembered, so a retransmitted duplicate UDP ping/pong (same content,
// same sender) doesn't redo cache merge work every time it's re-delivered.
const gossipDedupWindow = 5 * time.Second

// Sender abstracts the outbound path so discovery doesn't need to know
// about direct sockets, hole-punched paths, or relays; the mesh Node wires
// this to its channel/path layer.
type Sender interface {
	SendFrame(peer meshtypes.PeerId, endpoint meshtypes.Endpoint, f wire.Frame) error
}

// Engine runs the bootstrap-connect and periodic-gossip loops against a
// peer cache.
type Engine struct {
	cache    *peercache.Cache
	sender   Sender
	self     meshtypes.PeerId
	selfNAT  func() meshtypes.NATType
	metrics  *metrics.Set
	log      *meshlog.Logger
	interval time.Duration

	seenMu     sync.Mutex
	seenGossip map[[32]byte]time.Time
}

// New builds a discovery engine. selfNAT is called lazily so discovery can
// report the node's current NAT classification without discovery owning
// that state.
func New(self meshtypes.PeerId, cache *peercache.Cache, sender Sender, selfNAT func() meshtypes.NATType, m *metrics.Set) *Engine {
	return &Engine{
		cache:      cache,
		sender:     sender,
		self:       self,
		selfNAT:    selfNAT,
		metrics:    m,
		log:        meshlog.New("discovery"),
		interval:   GossipInterval,
		seenGossip: make(map[[32]byte]time.Time),
	}
}

// Bootstrap registers a set of known-good bootstrap endpoints directly into
// the cache as verified-pending (not yet dialed, but not gossip-sourced
// either) and sends each an immediate ping, per spec.md §4.4 "on startup,
// every configured bootstrap peer is contacted directly".
func (e *Engine) Bootstrap(ctx context.Context, bootstrap map[meshtypes.PeerId]meshtypes.Endpoint) {
	for id, ep := range bootstrap {
		e.cache.Upsert(peercache.Record{
			PeerID: id,
			Paths: []meshtypes.Path{{
				Kind:        meshtypes.PathDirect,
				Endpoint:    ep,
				FreshnessAt: time.Now(),
			}},
			LastSeen: time.Now(),
		})
		e.pingPeer(id, ep)
	}
}

// Run drives the periodic gossip sweep until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep()
		}
	}
}

// sweep pings every current dial candidate with a fresh recent-peers
// payload, per spec.md §4.4.
func (e *Engine) sweep() {
	for _, rec := range e.cache.DialCandidates() {
		path, ok := rec.Paths[0], len(rec.Paths) > 0
		if !ok {
			continue
		}
		e.pingPeer(rec.PeerID, path.Endpoint)
	}
}

func (e *Engine) pingPeer(id meshtypes.PeerId, endpoint meshtypes.Endpoint) {
	f := wire.Frame{
		Tag: wire.TagPing,
		Ping: &wire.PingBody{
			RecentPeers: e.recentPeersPayload(),
			MyNATType:   int(e.selfNAT()),
		},
	}
	if err := e.sender.SendFrame(id, endpoint, f); err != nil {
		e.log.Debugf("[discovery] ping to %s failed: %v", id, err)
	}
}

// HandlePing responds to an inbound ping with a pong carrying our own
// recent-peers payload, and merges the sender's gossip into the cache.
func (e *Engine) HandlePing(from meshtypes.PeerId, fromAddr *net.UDPAddr, body *wire.PingBody) wire.Frame {
	e.mergeGossip(body.RecentPeers)
	e.noteDirectSighting(from, fromAddr, meshtypes.NATType(body.MyNATType))

	return wire.Frame{
		Tag: wire.TagPong,
		Pong: &wire.PongBody{
			MappedEndpoint:  fromAddr.String(),
			RecentPeers:     e.recentPeersPayload(),
			ObservedNATType: int(body.MyNATType),
		},
	}
}

// HandlePong merges gossip from a pong and records the peer as freshly
// verified-direct, since a pong only arrives in response to a ping we
// actually sent.
func (e *Engine) HandlePong(from meshtypes.PeerId, fromAddr *net.UDPAddr, body *wire.PongBody) {
	e.mergeGossip(body.RecentPeers)
	// ObservedNATType echoes this node's own MyNATType (see HandlePing), so
	// it says nothing about the pong's sender; NATUnknown keeps whatever
	// classification the cache already holds for it.
	e.noteDirectSighting(from, fromAddr, meshtypes.NATUnknown)
	e.cache.MarkVerified(from)
}

func (e *Engine) noteDirectSighting(id meshtypes.PeerId, addr *net.UDPAddr, natType meshtypes.NATType) {
	if id == "" || id == e.self {
		return
	}
	now := time.Now()
	e.cache.Upsert(peercache.Record{
		PeerID: id,
		Paths: []meshtypes.Path{{
			Kind:        meshtypes.PathDirect,
			Endpoint:    meshtypes.Endpoint(addr.String()),
			FreshnessAt: now,
		}},
		PredictedNATType: natType,
		LastSeen:         now,
	})
}

// gossipDigest computes a content hash of a recent-peers payload so
// mergeGossip can recognize a byte-identical retransmission.
func gossipDigest(peers []wire.RecentPeer) [32]byte {
	var buf bytes.Buffer
	var tmp [8]byte
	for _, p := range peers {
		buf.WriteString(p.PeerID)
		buf.WriteByte(0)
		buf.WriteString(p.Endpoint)
		buf.WriteByte(0)
		binary.BigEndian.PutUint64(tmp[:], uint64(p.LastSeenUTC))
		buf.Write(tmp[:])
	}
	return blake3.Sum256(buf.Bytes())
}

// seenRecently reports whether digest was already processed within
// gossipDedupWindow, recording it either way. It also opportunistically
// evicts expired entries so the dedup map doesn't grow without bound.
func (e *Engine) seenRecently(digest [32]byte) bool {
	e.seenMu.Lock()
	defer e.seenMu.Unlock()
	now := time.Now()
	if seenAt, ok := e.seenGossip[digest]; ok && now.Sub(seenAt) < gossipDedupWindow {
		return true
	}
	e.seenGossip[digest] = now
	if len(e.seenGossip) > 256 {
		for k, t := range e.seenGossip {
			if now.Sub(t) >= gossipDedupWindow {
				delete(e.seenGossip, k)
			}
		}
	}
	return false
}

// mergeGossip folds a remote peer's recent-peers list into the cache as
// unverified entries; spec.md §4.4 requires gossip-learned peers be
// excluded from direct dial until independently confirmed.
func (e *Engine) mergeGossip(peers []wire.RecentPeer) {
	if len(peers) == 0 {
		return
	}
	if e.seenRecently(gossipDigest(peers)) {
		return
	}
	for _, rp := range peers {
		id := meshtypes.PeerId(rp.PeerID)
		if id == "" || id == e.self {
			continue
		}
		lastSeen := time.UnixMilli(rp.LastSeenUTC)
		_, known := e.cache.Get(id)
		e.cache.Upsert(peercache.Record{
			PeerID: id,
			Paths: []meshtypes.Path{{
				Kind:        meshtypes.PathDirect,
				Endpoint:    meshtypes.Endpoint(rp.Endpoint),
				FreshnessAt: lastSeen,
			}},
			Unverified: true,
			LastSeen:   lastSeen,
		})
		if e.metrics != nil && !known {
			e.metrics.GossipPeersLearned.Inc()
		}
	}
}

// recentPeersPayload builds the gossip payload to attach to an outbound
// ping/pong: the freshest known peers, capped at MaxRecentPeersPerMessage.
func (e *Engine) recentPeersPayload() []wire.RecentPeer {
	snap := e.cache.Snapshot()
	if len(snap) > MaxRecentPeersPerMessage {
		snap = snap[:MaxRecentPeersPerMessage]
	}
	out := make([]wire.RecentPeer, 0, len(snap))
	for _, rec := range snap {
		if len(rec.Paths) == 0 {
			continue
		}
		p := rec.Paths[0]
		out = append(out, wire.RecentPeer{
			PeerID:      string(rec.PeerID),
			Endpoint:    string(p.Endpoint),
			LastSeenUTC: rec.LastSeen.UnixMilli(),
		})
	}
	return out
}
