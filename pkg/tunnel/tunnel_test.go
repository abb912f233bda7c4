package tunnel

import (
	"context"
	"sync"
	"testing"

	"github.com/omerta-mesh/mesh/pkg/meshtypes"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMsg
	fail bool
}

type sentMsg struct {
	peer    meshtypes.PeerId
	channel string
	data    []byte
}

func (f *fakeSender) Send(ctx context.Context, peer meshtypes.PeerId, channelName string, data []byte) (meshtypes.PathKind, error) {
	if f.fail {
		return 0, context.DeadlineExceeded
	}
	f.mu.Lock()
	f.sent = append(f.sent, sentMsg{peer, channelName, append([]byte(nil), data...)})
	f.mu.Unlock()
	return meshtypes.PathDirect, nil
}

func (f *fakeSender) last() sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func TestOpenSendsHandshakeRequest(t *testing.T) {
	sender := &fakeSender{}
	m := New("self", sender, nil, nil, nil)
	s, err := m.Open(context.Background(), "peerA")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.State() != StateConnecting {
		t.Fatalf("expected connecting state, got %v", s.State())
	}
	last := sender.last()
	if last.channel != ChannelHandshake || last.data[0] != hsRequest {
		t.Fatalf("expected a handshake request frame, got %+v", last)
	}
}

func TestHandshakeRequestAckFlow(t *testing.T) {
	senderA := &fakeSender{}
	senderB := &fakeSender{}
	mgrA := New("a", senderA, nil, nil, nil)
	mgrB := New("b", senderB, nil, nil, nil)

	sA, err := mgrA.Open(context.Background(), "b")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	reqFrame := senderA.last().data
	mgrB.HandleHandshake(context.Background(), "a", reqFrame)

	sB, ok := mgrB.Get("a")
	if !ok || sB.State() != StateActive {
		t.Fatalf("expected responder session active immediately, got %+v ok=%v", sB, ok)
	}

	ackFrame := senderB.last().data
	mgrA.HandleHandshake(context.Background(), "b", ackFrame)
	if sA.State() != StateActive {
		t.Fatalf("expected initiator session to become active after ack, got %v", sA.State())
	}
}

func TestOpenPreemptsExistingSession(t *testing.T) {
	sender := &fakeSender{}
	m := New("self", sender, nil, nil, nil)
	first, _ := m.Open(context.Background(), "peerA")
	second, _ := m.Open(context.Background(), "peerA")

	if first.State() != StateDisconnected {
		t.Fatalf("expected preempted session to be disconnected, got %v", first.State())
	}
	current, ok := m.Get("peerA")
	if !ok || current.ID != second.ID {
		t.Fatalf("expected the newer session to be current")
	}
}

func TestSendDataRequiresActiveSession(t *testing.T) {
	sender := &fakeSender{}
	m := New("self", sender, nil, nil, nil)
	if err := m.SendData(context.Background(), "peerA", []byte("x")); err == nil {
		t.Fatalf("expected error sending data with no session")
	}

	s, _ := m.Open(context.Background(), "peerA")
	s.setState(StateActive)
	if err := m.SendData(context.Background(), "peerA", []byte("x")); err != nil {
		t.Fatalf("SendData: %v", err)
	}
}

func TestTrafficAndReturnForwarding(t *testing.T) {
	sender := &fakeSender{}
	var gotOut, gotIn string
	m := New("self", sender,
		func(sessionID string, payload []byte) { gotOut = sessionID + ":" + string(payload) },
		func(sessionID string, payload []byte) { gotIn = sessionID + ":" + string(payload) },
		nil)

	if err := m.ForwardOut(context.Background(), "exit1", "sess-1", []byte("payload-out")); err != nil {
		t.Fatalf("ForwardOut: %v", err)
	}
	m.HandleTraffic("exit1", sender.last().data)
	if gotOut != "sess-1:payload-out" {
		t.Fatalf("expected forwarded traffic decoded, got %q", gotOut)
	}

	if err := m.ForwardReturn(context.Background(), "src1", "sess-2", []byte("payload-in")); err != nil {
		t.Fatalf("ForwardReturn: %v", err)
	}
	m.HandleReturn("src1", sender.last().data)
	if gotIn != "sess-2:payload-in" {
		t.Fatalf("expected forwarded return decoded, got %q", gotIn)
	}
}

func TestCloseNotifiesPeer(t *testing.T) {
	sender := &fakeSender{}
	m := New("self", sender, nil, nil, nil)
	s, _ := m.Open(context.Background(), "peerA")
	s.setState(StateActive)

	m.Close(context.Background(), "peerA")
	if s.State() != StateDisconnected {
		t.Fatalf("expected disconnected after Close, got %v", s.State())
	}
	last := sender.last()
	if last.data[0] != hsClose {
		t.Fatalf("expected a close handshake frame sent, got %+v", last)
	}
	if _, ok := m.Get("peerA"); ok {
		t.Fatalf("expected session removed from manager after Close")
	}
}
