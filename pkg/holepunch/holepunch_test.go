package holepunch

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/omerta-mesh/mesh/pkg/meshtypes"
	"github.com/omerta-mesh/mesh/pkg/wire"
)

type recordingTransport struct {
	mu   sync.Mutex
	sent []*net.UDPAddr
}

func (t *recordingTransport) SendNow(to *net.UDPAddr, data []byte) error {
	t.mu.Lock()
	t.sent = append(t.sent, to)
	t.mu.Unlock()
	return nil
}

type fakeCoordinator struct {
	mu  sync.Mutex
	req []wire.Frame
}

func (c *fakeCoordinator) SendControl(peer meshtypes.PeerId, f wire.Frame) error {
	c.mu.Lock()
	c.req = append(c.req, f)
	c.mu.Unlock()
	return nil
}

func testKey(b byte) meshtypes.NetworkKey {
	var k meshtypes.NetworkKey
	for i := range k {
		k[i] = b
	}
	return k
}

func TestRequestPunchSendsControlFrame(t *testing.T) {
	coord := &fakeCoordinator{}
	transport := &recordingTransport{}
	e, err := New("self", testKey(1), transport, coord, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := e.RequestPunch(context.Background(), "coordinator", "target", "attempt-1"); err != nil {
		t.Fatalf("RequestPunch: %v", err)
	}
	if len(coord.req) != 1 || coord.req[0].Tag != wire.TagHolePunchRequest {
		t.Fatalf("expected one hole_punch_request control frame, got %+v", coord.req)
	}
}

func TestHandleProbeReturnsAck(t *testing.T) {
	coord := &fakeCoordinator{}
	transport := &recordingTransport{}
	e, err := New("self", testKey(1), transport, coord, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	from := &net.UDPAddr{IP: net.ParseIP("1.1.1.1"), Port: 5000}
	ack := e.HandleProbe(from, &wire.ProbeBody{AttemptID: "a1", Nonce: 7})
	if ack.Tag != wire.TagProbeAck || ack.ProbeAck.AttemptID != "a1" || ack.ProbeAck.Nonce != 7 {
		t.Fatalf("unexpected ack frame: %+v", ack)
	}
}

func TestHandleCoordinateSucceedsOnAck(t *testing.T) {
	coord := &fakeCoordinator{}
	transport := &recordingTransport{}
	e, err := New("self", testKey(1), transport, coord, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	remote := &net.UDPAddr{IP: net.ParseIP("2.2.2.2"), Port: 6000}

	// Simulate the remote side acking shortly after the burst starts.
	go func() {
		time.Sleep(20 * time.Millisecond)
		e.HandleProbeAck(remote, &wire.ProbeAckBody{AttemptID: "attempt-x", Nonce: 0, LocalTimeMs: time.Now().UnixMilli()})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()

	outcome, err := e.HandleCoordinate(ctx, "peerZ", &wire.HolePunchCoordinateBody{
		AttemptID:    "attempt-x",
		PeerEndpoint: remote.String(),
	})
	if err != nil {
		t.Fatalf("HandleCoordinate: %v", err)
	}
	if !outcome.Success {
		t.Fatalf("expected success, got %+v", outcome)
	}
}

func TestPredictedPortsStaysInRange(t *testing.T) {
	base := &net.UDPAddr{IP: net.ParseIP("3.3.3.3"), Port: 65533}
	ports := predictedPorts(base)
	for _, p := range ports {
		if p.Port <= 0 || p.Port > 65535 {
			t.Fatalf("predicted port out of range: %d", p.Port)
		}
	}
	if len(ports) == 0 {
		t.Fatalf("expected some predicted ports")
	}
}
