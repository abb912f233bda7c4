package discovery

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/omerta-mesh/mesh/internal/metrics"
	"github.com/omerta-mesh/mesh/pkg/meshtypes"
	"github.com/omerta-mesh/mesh/pkg/peercache"
	"github.com/omerta-mesh/mesh/pkg/wire"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []wire.Frame
}

func (f *fakeSender) SendFrame(peer meshtypes.PeerId, endpoint meshtypes.Endpoint, fr wire.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, fr)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func unknownNAT() meshtypes.NATType { return meshtypes.NATUnknown }

func TestBootstrapSendsPing(t *testing.T) {
	cache := peercache.New()
	sender := &fakeSender{}
	eng := New("self", cache, sender, unknownNAT, nil)

	eng.Bootstrap(nil, map[meshtypes.PeerId]meshtypes.Endpoint{
		"peerA": "1.1.1.1:9000",
	})

	if sender.count() != 1 {
		t.Fatalf("expected 1 ping sent, got %d", sender.count())
	}
	if _, ok := cache.Get("peerA"); !ok {
		t.Fatalf("expected bootstrap peer registered in cache")
	}
}

func TestHandlePingProducesPongAndMergesGossip(t *testing.T) {
	cache := peercache.New()
	sender := &fakeSender{}
	eng := New("self", cache, sender, unknownNAT, nil)

	addr := &net.UDPAddr{IP: net.ParseIP("2.2.2.2"), Port: 5000}
	body := &wire.PingBody{
		MyNATType: int(meshtypes.NATFullCone),
		RecentPeers: []wire.RecentPeer{
			{PeerID: "peerX", Endpoint: "3.3.3.3:4000", LastSeenUTC: time.Now().UnixMilli()},
		},
	}
	pong := eng.HandlePing("peerB", addr, body)
	if pong.Tag != wire.TagPong || pong.Pong == nil {
		t.Fatalf("expected a pong frame, got %+v", pong)
	}
	if pong.Pong.MappedEndpoint != addr.String() {
		t.Fatalf("expected mapped endpoint to echo source addr, got %s", pong.Pong.MappedEndpoint)
	}

	if _, ok := cache.Get("peerB"); !ok {
		t.Fatalf("expected direct sighting of peerB recorded")
	}
	gossiped, ok := cache.Get("peerX")
	if !ok {
		t.Fatalf("expected gossiped peerX merged into cache")
	}
	if !gossiped.Unverified {
		t.Fatalf("expected gossip-learned peer marked unverified")
	}
}

func TestHandlePongMarksVerified(t *testing.T) {
	cache := peercache.New()
	sender := &fakeSender{}
	eng := New("self", cache, sender, unknownNAT, nil)

	addr := &net.UDPAddr{IP: net.ParseIP("4.4.4.4"), Port: 6000}
	eng.HandlePong("peerC", addr, &wire.PongBody{MappedEndpoint: addr.String()})

	rec, ok := cache.Get("peerC")
	if !ok {
		t.Fatalf("expected peerC recorded")
	}
	if rec.Unverified {
		t.Fatalf("expected direct pong sighting to be verified")
	}
}

func TestMergeGossipExcludesSelf(t *testing.T) {
	cache := peercache.New()
	sender := &fakeSender{}
	eng := New("self", cache, sender, unknownNAT, nil)

	eng.mergeGossip([]wire.RecentPeer{{PeerID: "self", Endpoint: "9.9.9.9:1"}})
	if cache.Len() != 0 {
		t.Fatalf("expected self-referential gossip entry to be dropped")
	}
}

func TestMergeGossipDedupesIdenticalRetransmission(t *testing.T) {
	cache := peercache.New()
	sender := &fakeSender{}
	m := metrics.NewSet()
	eng := New("self", cache, sender, unknownNAT, m)

	addr := &net.UDPAddr{IP: net.ParseIP("2.2.2.2"), Port: 5000}
	body := &wire.PingBody{
		RecentPeers: []wire.RecentPeer{
			{PeerID: "peerX", Endpoint: "3.3.3.3:4000", LastSeenUTC: time.Now().UnixMilli()},
		},
	}
	eng.HandlePing("peerB", addr, body)
	eng.HandlePing("peerB", addr, body)

	if got := testutil.ToFloat64(m.GossipPeersLearned); got != 1 {
		t.Fatalf("expected gossip learned once for an identical retransmitted payload, got %v", got)
	}
}

func TestRecentPeersPayloadCapped(t *testing.T) {
	cache := peercache.New()
	sender := &fakeSender{}
	eng := New("self", cache, sender, unknownNAT, nil)

	now := time.Now()
	for i := 0; i < MaxRecentPeersPerMessage+5; i++ {
		id := meshtypes.PeerId(rune('a' + i))
		cache.Upsert(peercache.Record{
			PeerID: id,
			Paths: []meshtypes.Path{{
				Kind:        meshtypes.PathDirect,
				Endpoint:    "1.1.1.1:1",
				FreshnessAt: now,
			}},
			LastSeen: now,
		})
	}
	payload := eng.recentPeersPayload()
	if len(payload) != MaxRecentPeersPerMessage {
		t.Fatalf("expected payload capped at %d, got %d", MaxRecentPeersPerMessage, len(payload))
	}
}
