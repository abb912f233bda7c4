// Package mesh wires identity, the wire codec, NAT detection, peer cache,
// discovery, hole punching, relaying, channel dispatch and tunnels into the
// single Node type that is this module's public surface (spec.md §6).
// Node's lifecycle (Start/Stop, one background goroutine set, a
// mutex-guarded map of conversational state) follows the teacher's own
// Node/Server composition in node.go, generalized from a libp2p host to
// the from-scratch socket/path stack built up in the sibling packages.
package mesh

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/omerta-mesh/mesh/internal/meshlog"
	"github.com/omerta-mesh/mesh/internal/metrics"
	"github.com/omerta-mesh/mesh/pkg/channel"
	"github.com/omerta-mesh/mesh/pkg/cryptobox"
	"github.com/omerta-mesh/mesh/pkg/discovery"
	"github.com/omerta-mesh/mesh/pkg/holepunch"
	"github.com/omerta-mesh/mesh/pkg/identity"
	"github.com/omerta-mesh/mesh/pkg/meshtypes"
	"github.com/omerta-mesh/mesh/pkg/natdetect"
	"github.com/omerta-mesh/mesh/pkg/peercache"
	"github.com/omerta-mesh/mesh/pkg/relay"
	"github.com/omerta-mesh/mesh/pkg/socket"
	"github.com/omerta-mesh/mesh/pkg/tunnel"
	"github.com/omerta-mesh/mesh/pkg/wire"
)

// Config is what a caller supplies to build a Node; internal/config.Config
// is the CLI-facing superset that gets translated down to this.
type Config struct {
	ListenAddr  string
	NetworkKey  meshtypes.NetworkKey
	STUNServerA string
	STUNServerB string
}

// Statistics is the snapshot returned by Node.Statistics (spec.md §6).
type Statistics struct {
	KnownPeers         int
	DirectConnections  int
	RelayConnections   int
	RelaySessions      int
	HolePunchAttempts  int
	HolePunchSucceeded int
	AEADAuthFailures   int
	NATType            meshtypes.NATType
}

// Node is the top-level mesh participant.
type Node struct {
	cfg      Config
	keypair  identity.Keypair
	self     meshtypes.PeerId
	ring     *cryptobox.KeyRing
	nonces   *cryptobox.NonceSource
	sock     *socket.Socket
	metrics  *metrics.Set
	log      *meshlog.Logger

	cache     *peercache.Cache
	discEng   *discovery.Engine
	punchEng  *holepunch.Engine
	relayMgr  *relay.Manager
	channels  *channel.Dispatcher
	tunnels   *tunnel.Manager
	nat       *natdetect.Detector

	mu      sync.RWMutex
	natType meshtypes.NATType

	relayWaitsMu sync.Mutex
	relayWaits   map[string]chan wire.Frame

	relayRouteMu sync.Mutex
	relayRoutes  map[string]relayRoute // sessionID -> the two endpoints this node bridges as a relay

	events chan meshtypes.Event

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Node from an identity keypair and configuration. It
// does not bind any sockets yet; call Start for that.
func New(kp identity.Keypair, cfg Config) (*Node, error) {
	self := kp.PeerID()
	m := metrics.NewSet()
	n := &Node{
		cfg:     cfg,
		keypair: kp,
		self:    self,
		ring:    cryptobox.NewKeyRing(cfg.NetworkKey),
		metrics: m,
		log:     meshlog.New("mesh"),
		cache:       peercache.New(),
		events:      make(chan meshtypes.Event, 256),
		natType:     meshtypes.NATUnknown,
		relayWaits:  make(map[string]chan wire.Frame),
		relayRoutes: make(map[string]relayRoute),
	}

	ns, err := cryptobox.NewNonceSource()
	if err != nil {
		return nil, err
	}
	n.nonces = ns

	n.channels = channel.New(n, n.metrics)
	n.tunnels = tunnel.New(self, n.channels, n.forwardTraffic, n.forwardReturn, n.metrics)
	n.discEng = discovery.New(self, n.cache, n, n.currentNATType, n.metrics)

	punchEng, err := holepunch.New(self, cfg.NetworkKey, &nodeTransport{n: n}, n, n.metrics)
	if err != nil {
		return nil, err
	}
	n.punchEng = punchEng

	n.relayMgr = relay.NewManager(n.relayCandidates, n.dialRelay, n.metrics)
	n.nat = natdetect.New(cfg.STUNServerA, cfg.STUNServerB)

	return n, nil
}

// nodeTransport adapts the node's socket (bound only once Start runs) to
// holepunch.Transport.
type nodeTransport struct{ n *Node }

func (t *nodeTransport) SendNow(to *net.UDPAddr, data []byte) error {
	if t.n.sock == nil {
		return meshtypes.NewError(meshtypes.ErrResource, "socket_not_started", "node socket is not yet bound", nil)
	}
	return t.n.sock.SendNow(to, data)
}

func (n *Node) forwardTraffic(sessionID string, payload []byte) {
	n.emit(meshtypes.Event{Kind: meshtypes.EventWarning, Message: fmt.Sprintf("unhandled tunnel traffic for session %s", sessionID), At: time.Now()})
}

func (n *Node) forwardReturn(sessionID string, payload []byte) {
	n.emit(meshtypes.Event{Kind: meshtypes.EventWarning, Message: fmt.Sprintf("unhandled tunnel return for session %s", sessionID), At: time.Now()})
}

func (n *Node) currentNATType() meshtypes.NATType {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.natType
}

// PeerID returns the node's own peer_id (spec.md §6 peer_id()).
func (n *Node) PeerID() meshtypes.PeerId { return n.self }

// Start binds the socket, kicks off NAT detection, and starts the
// discovery/relay background loops (spec.md §6 start()).
func (n *Node) Start(ctx context.Context) error {
	sock, err := socket.Listen(n.cfg.ListenAddr)
	if err != nil {
		return meshtypes.NewError(meshtypes.ErrConfiguration, meshtypes.CodePortAlreadyBound, "failed to bind mesh socket", err)
	}
	n.sock = sock
	n.sock.SetHandler(n.handleInbound)

	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.sock.Run(runCtx)
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.discEng.Run(runCtx)
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.relayMgr.Run(runCtx)
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.runNATDetection(runCtx)
	}()

	n.emit(meshtypes.Event{Kind: meshtypes.EventStarted, Message: "node started", At: time.Now()})
	return nil
}

func (n *Node) runNATDetection(ctx context.Context) {
	localIP := net.IPv4zero
	result, err := n.nat.Detect(ctx, localIP)
	if err != nil {
		n.log.Warnf("[mesh] NAT detection failed: %v", err)
		return
	}
	n.mu.Lock()
	n.natType = result.NATType
	n.mu.Unlock()
	n.emit(meshtypes.Event{Kind: meshtypes.EventNATDetected, Message: result.NATType.String(), At: time.Now()})

	if relay.NeedsRelay(result.NATType) {
		n.relayMgr.Refill(ctx)
	}
}

// Stop shuts the node down, waiting for all background loops to exit
// (spec.md §6 stop()).
func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	if n.sock != nil {
		_ = n.sock.Close()
	}
	n.wg.Wait()
	close(n.events)
}

// AddPeer registers a known-reachable peer directly (spec.md §6
// add_peer()).
func (n *Node) AddPeer(id meshtypes.PeerId, endpoint meshtypes.Endpoint) {
	n.cache.Upsert(peercache.Record{
		PeerID: id,
		Paths: []meshtypes.Path{{
			Kind:        meshtypes.PathDirect,
			Endpoint:    endpoint,
			FreshnessAt: time.Now(),
		}},
		LastSeen: time.Now(),
	})
}

// KnownPeers returns every peer currently held in the cache (spec.md §6
// known_peers()).
func (n *Node) KnownPeers() []meshtypes.PeerId {
	snap := n.cache.Snapshot()
	out := make([]meshtypes.PeerId, 0, len(snap))
	for _, rec := range snap {
		out = append(out, rec.PeerID)
	}
	return out
}

// Statistics returns a point-in-time snapshot of node counters (spec.md §6
// statistics()).
func (n *Node) Statistics() Statistics {
	direct := 0
	for _, rec := range n.cache.Snapshot() {
		for _, p := range rec.Paths {
			if p.Kind == meshtypes.PathDirect || p.Kind == meshtypes.PathHolePunch {
				direct++
				break
			}
		}
	}
	n.metrics.SetDirectConnections(int64(direct))

	return Statistics{
		KnownPeers:         n.cache.Len(),
		DirectConnections:  direct,
		RelayConnections:   n.relayMgr.PoolSize(),
		RelaySessions:      n.relayMgr.Sessions.Count(),
		HolePunchAttempts:  int(n.metrics.HolePunchAttemptsCount()),
		HolePunchSucceeded: int(n.metrics.HolePunchSucceededCount()),
		AEADAuthFailures:   int(n.metrics.AEADAuthFailuresCount()),
		NATType:            n.currentNATType(),
	}
}

// Events returns the channel of lifecycle events (spec.md §6 events()).
func (n *Node) Events() <-chan meshtypes.Event { return n.events }

func (n *Node) emit(ev meshtypes.Event) {
	select {
	case n.events <- ev:
	default:
	}
}

// OnChannel registers a handler for a named channel (spec.md §6
// on_channel()).
func (n *Node) OnChannel(name string, h channel.Handler) error {
	return n.channels.On(name, h)
}

// OffChannel unregisters a channel handler (spec.md §6 off_channel()).
func (n *Node) OffChannel(name string) { n.channels.Off(name) }

// SendOnChannel sends data to a peer on a named channel via the best
// available path (spec.md §6 send_on_channel()).
func (n *Node) SendOnChannel(ctx context.Context, data []byte, peer meshtypes.PeerId, name string) (meshtypes.PathKind, error) {
	return n.channels.Send(ctx, peer, name, data)
}

// DiscoverPeers triggers an immediate gossip sweep rather than waiting for
// the next periodic tick (spec.md §6 discover_peers()).
func (n *Node) DiscoverPeers(bootstrap map[meshtypes.PeerId]meshtypes.Endpoint) {
	n.discEng.Bootstrap(context.Background(), bootstrap)
}

// SavePeerCache persists the current peer cache to path, sealed under the
// node's own network key so a restart can restore dial candidates without
// waiting out a fresh bootstrap/gossip cycle.
func (n *Node) SavePeerCache(path string) error {
	return n.cache.SaveEncrypted(path, n.cfg.NetworkKey, n.self)
}

// LoadPeerCache restores a snapshot written by SavePeerCache, marking every
// restored peer unverified until freshly confirmed. It should be called
// before Start. The returned count is the number of peers restored.
func (n *Node) LoadPeerCache(path string) (int, error) {
	return n.cache.LoadEncrypted(path, n.cfg.NetworkKey)
}
