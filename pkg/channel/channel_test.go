package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/omerta-mesh/mesh/pkg/meshtypes"
)

type fakeSender struct {
	fn func(ctx context.Context, peer meshtypes.PeerId, channelName string, data []byte) (meshtypes.PathKind, error)
}

func (f *fakeSender) Send(ctx context.Context, peer meshtypes.PeerId, channelName string, data []byte) (meshtypes.PathKind, error) {
	return f.fn(ctx, peer, channelName, data)
}

func TestOnRejectsDoubleRegistration(t *testing.T) {
	d := New(&fakeSender{}, nil)
	if err := d.On("chat", func(meshtypes.PeerId, []byte) {}); err != nil {
		t.Fatalf("first On: %v", err)
	}
	err := d.On("chat", func(meshtypes.PeerId, []byte) {})
	if err == nil {
		t.Fatalf("expected error on double registration")
	}
	merr, ok := err.(*meshtypes.Error)
	if !ok || merr.Code != meshtypes.CodeAlreadyRegistered {
		t.Fatalf("expected CodeAlreadyRegistered, got %v", err)
	}
}

func TestDeliverPreservesFIFOPerSenderChannel(t *testing.T) {
	d := New(&fakeSender{}, nil)
	var mu sync.Mutex
	var got []int

	done := make(chan struct{})
	count := 0
	if err := d.On("nums", func(from meshtypes.PeerId, data []byte) {
		mu.Lock()
		got = append(got, int(data[0]))
		count++
		if count == 50 {
			close(done)
		}
		mu.Unlock()
	}); err != nil {
		t.Fatalf("On: %v", err)
	}

	for i := 0; i < 50; i++ {
		if !d.Deliver("peerA", "nums", []byte{byte(i)}) {
			t.Fatalf("expected delivery %d to succeed", i)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for all deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Fatalf("expected strict FIFO order, got %v at position %d (full: %v)", v, i, got)
		}
	}
}

func TestDeliverDropsWithoutHandler(t *testing.T) {
	d := New(&fakeSender{}, nil)
	if d.Deliver("peerA", "unregistered", []byte("x")) {
		t.Fatalf("expected Deliver to report false for an unregistered channel")
	}
}

func TestOffStopsFutureDelivery(t *testing.T) {
	d := New(&fakeSender{}, nil)
	delivered := make(chan struct{}, 1)
	if err := d.On("chat", func(meshtypes.PeerId, []byte) { delivered <- struct{}{} }); err != nil {
		t.Fatalf("On: %v", err)
	}
	d.Off("chat")
	if d.Deliver("peerA", "chat", []byte("x")) {
		t.Fatalf("expected Deliver to report false after Off")
	}
	select {
	case <-delivered:
		t.Fatalf("handler should not have been invoked after Off")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSendUsesPathSender(t *testing.T) {
	called := false
	sender := &fakeSender{fn: func(ctx context.Context, peer meshtypes.PeerId, channelName string, data []byte) (meshtypes.PathKind, error) {
		called = true
		return meshtypes.PathDirect, nil
	}}
	d := New(sender, nil)
	kind, err := d.Send(context.Background(), "peerA", "chat", []byte("hi"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if kind != meshtypes.PathDirect || !called {
		t.Fatalf("expected direct path send to be attempted")
	}
}
