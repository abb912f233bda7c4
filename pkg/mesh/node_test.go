package mesh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/omerta-mesh/mesh/pkg/identity"
	"github.com/omerta-mesh/mesh/pkg/meshtypes"
)

func testNetworkKey() meshtypes.NetworkKey {
	var k meshtypes.NetworkKey
	for i := range k {
		k[i] = byte(i + 1)
	}
	return k
}

func newTestNode(t *testing.T) *Node {
	t.Helper()
	kp, _, err := identity.Generate()
	require.NoError(t, err)
	n, err := New(kp, Config{
		ListenAddr:  "127.0.0.1:0",
		NetworkKey:  testNetworkKey(),
		STUNServerA: "127.0.0.1:1",
		STUNServerB: "127.0.0.1:2",
	})
	require.NoError(t, err)
	return n
}

func TestTwoNodesExchangeOnChannel(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, a.Start(ctx))
	defer a.Stop()
	require.NoError(t, b.Start(ctx))
	defer b.Stop()

	a.AddPeer(b.PeerID(), meshtypes.Endpoint(b.sock.LocalAddr().String()))
	b.AddPeer(a.PeerID(), meshtypes.Endpoint(a.sock.LocalAddr().String()))

	var mu sync.Mutex
	var gotFrom meshtypes.PeerId
	var gotData []byte
	received := make(chan struct{})

	require.NoError(t, b.OnChannel("greeting", func(from meshtypes.PeerId, data []byte) {
		mu.Lock()
		gotFrom = from
		gotData = append([]byte(nil), data...)
		mu.Unlock()
		close(received)
	}))

	sendCtx, sendCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer sendCancel()
	_, err := a.SendOnChannel(sendCtx, []byte("hello"), b.PeerID(), "greeting")
	require.NoError(t, err)

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, a.PeerID(), gotFrom)
	require.Equal(t, "hello", string(gotData))
}

func TestAddPeerAndKnownPeers(t *testing.T) {
	n := newTestNode(t)
	n.AddPeer("deadbeefdeadbeef", "203.0.113.1:4000")
	peers := n.KnownPeers()
	require.Len(t, peers, 1)
	require.Equal(t, meshtypes.PeerId("deadbeefdeadbeef"), peers[0])
}

func TestStatisticsReflectsKnownPeers(t *testing.T) {
	n := newTestNode(t)
	n.AddPeer("deadbeefdeadbeef", "203.0.113.1:4000")
	stats := n.Statistics()
	require.Equal(t, 1, stats.KnownPeers)
	require.Equal(t, 1, stats.DirectConnections)
}
