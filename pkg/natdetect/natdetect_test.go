package natdetect

import (
	"net"
	"testing"
)

func TestSameAddr(t *testing.T) {
	a := &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 4000}
	b := &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 4000}
	c := &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 4001}

	if !sameAddr(a, b) {
		t.Fatalf("expected equal addresses to compare equal")
	}
	if sameAddr(a, c) {
		t.Fatalf("expected different ports to compare unequal")
	}
	if sameAddr(a, nil) {
		t.Fatalf("expected nil to never equal a non-nil address")
	}
	if !sameAddr(nil, nil) {
		t.Fatalf("expected nil == nil")
	}
}

func TestResultString(t *testing.T) {
	r := Result{NATType: 0, PublicEndpoint: "203.0.113.5:4000"}
	s := r.String()
	if s == "" {
		t.Fatalf("expected non-empty string")
	}
}

func TestNewDetectorDefaults(t *testing.T) {
	d := New("stun-a.example:3478", "stun-b.example:3478")
	if d.serverA == "" || d.serverB == "" {
		t.Fatalf("expected both servers set")
	}
	if cap(d.unsolicited) == 0 {
		t.Fatalf("expected buffered unsolicited channel")
	}
}

func TestNotifyUnsolicitedNonBlocking(t *testing.T) {
	d := New("a", "b")
	// Fill the buffer, then confirm a further notify doesn't block.
	for i := 0; i < cap(d.unsolicited)+2; i++ {
		d.NotifyUnsolicited(&net.UDPAddr{Port: i})
	}
}
