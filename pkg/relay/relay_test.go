package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/omerta-mesh/mesh/pkg/meshtypes"
	"github.com/omerta-mesh/mesh/pkg/wire"
)

func TestCandidateScoreOrdering(t *testing.T) {
	fast := Candidate{RTT: 10 * time.Millisecond, CapacityPct: 80, IsDirect: true, NATType: meshtypes.NATPublic}
	slow := Candidate{RTT: 400 * time.Millisecond, CapacityPct: 20, IsDirect: false, NATType: meshtypes.NATSymmetric}
	if fast.Score() <= slow.Score() {
		t.Fatalf("expected low-RTT high-capacity direct candidate to score higher: fast=%f slow=%f", fast.Score(), slow.Score())
	}
}

func TestCandidateScoreNATBonusGraduated(t *testing.T) {
	base := func(nat meshtypes.NATType) Candidate {
		return Candidate{RTT: 50 * time.Millisecond, CapacityPct: 50, NATType: nat}
	}
	pub := base(meshtypes.NATPublic).Score()
	full := base(meshtypes.NATFullCone).Score()
	restricted := base(meshtypes.NATRestrictedCone).Score()
	portRestricted := base(meshtypes.NATPortRestricted).Score()
	symmetric := base(meshtypes.NATSymmetric).Score()
	unknown := base(meshtypes.NATUnknown).Score()

	if !(pub > full && full > restricted) {
		t.Fatalf("expected public > full-cone > restricted-cone, got pub=%f full=%f restricted=%f", pub, full, restricted)
	}
	if restricted != portRestricted {
		t.Fatalf("expected restricted-cone and port-restricted to score equally, got %f vs %f", restricted, portRestricted)
	}
	if symmetric != unknown {
		t.Fatalf("expected symmetric and unknown NAT types to score equally (no bonus), got %f vs %f", symmetric, unknown)
	}
	if restricted <= symmetric {
		t.Fatalf("expected restricted-cone to outscore symmetric, got %f vs %f", restricted, symmetric)
	}
}

func TestSessionManagerAccountingInvariant(t *testing.T) {
	sm := newSessionManager(nil)
	conn := newConnection(Candidate{PeerID: "relay1"}, func(wire.Frame) error { return nil })

	s1 := sm.Open(conn, "relay1", "peerA")
	s2 := sm.Open(conn, "relay1", "peerB")

	if conn.ActiveSessions() != 2 || sm.Count() != 2 {
		t.Fatalf("expected 2 active sessions, got conn=%d manager=%d", conn.ActiveSessions(), sm.Count())
	}

	sm.Close(s1.ID)
	if conn.ActiveSessions() != 1 || sm.Count() != 1 {
		t.Fatalf("expected 1 active session after close, got conn=%d manager=%d", conn.ActiveSessions(), sm.Count())
	}

	// Double-close must be a no-op, not a double-decrement.
	sm.Close(s1.ID)
	if conn.ActiveSessions() != 1 {
		t.Fatalf("double close must not decrement again, got %d", conn.ActiveSessions())
	}

	sm.Close(s2.ID)
	if conn.ActiveSessions() != 0 || sm.Count() != 0 {
		t.Fatalf("expected 0 active sessions at the end, got conn=%d manager=%d", conn.ActiveSessions(), sm.Count())
	}
}

func TestSessionManagerGCIdle(t *testing.T) {
	sm := newSessionManager(nil)
	conn := newConnection(Candidate{PeerID: "relay1"}, func(wire.Frame) error { return nil })
	s := sm.Open(conn, "relay1", "peerA")
	s.lastActive.Store(time.Now().Add(-(SessionIdleTimeout + time.Second)).UnixNano())

	n := sm.GCIdle()
	if n != 1 {
		t.Fatalf("expected 1 idle session reaped, got %d", n)
	}
	if _, ok := sm.Get(s.ID); ok {
		t.Fatalf("expected reaped session to be gone")
	}
	if conn.ActiveSessions() != 0 {
		t.Fatalf("expected conn active count to drop to 0, got %d", conn.ActiveSessions())
	}
}

func TestNeedsRelay(t *testing.T) {
	if NeedsRelay(meshtypes.NATPublic) {
		t.Fatalf("a public address should never need a relay pool")
	}
	if !NeedsRelay(meshtypes.NATSymmetric) {
		t.Fatalf("a symmetric NAT should need a relay pool")
	}
}

func TestManagerRefillRespectsMinAndMax(t *testing.T) {
	cands := []Candidate{
		{PeerID: "a", RTT: 10 * time.Millisecond, CapacityPct: 90},
		{PeerID: "b", RTT: 20 * time.Millisecond, CapacityPct: 80},
		{PeerID: "c", RTT: 30 * time.Millisecond, CapacityPct: 70},
		{PeerID: "d", RTT: 40 * time.Millisecond, CapacityPct: 60},
		{PeerID: "e", RTT: 50 * time.Millisecond, CapacityPct: 50},
		{PeerID: "f", RTT: 60 * time.Millisecond, CapacityPct: 40},
	}
	m := NewManager(
		func() []Candidate { return cands },
		func(c Candidate) (*Connection, error) { return newConnection(c, nil), nil },
		nil,
	)
	m.Refill(context.Background())
	if m.PoolSize() < MinRelayPoolSize {
		t.Fatalf("expected at least %d relays after refill, got %d", MinRelayPoolSize, m.PoolSize())
	}
	if m.PoolSize() > MaxRelayPoolSize {
		t.Fatalf("expected at most %d relays after refill, got %d", MaxRelayPoolSize, m.PoolSize())
	}
}

func TestManagerRefillSkipsFailingDials(t *testing.T) {
	cands := []Candidate{
		{PeerID: "bad1", RTT: time.Millisecond},
		{PeerID: "bad2", RTT: time.Millisecond},
		{PeerID: "good", RTT: time.Millisecond},
	}
	m := NewManager(
		func() []Candidate { return cands },
		func(c Candidate) (*Connection, error) {
			if c.PeerID == "good" {
				return newConnection(c, nil), nil
			}
			return nil, errors.New("dial failed")
		},
		nil,
	)
	m.Refill(context.Background())
	if _, ok := m.Get("good"); !ok {
		t.Fatalf("expected the one dialable candidate to be in the pool")
	}
	if m.PoolSize() != 1 {
		t.Fatalf("expected only 1 successful dial in the pool, got %d", m.PoolSize())
	}
}

func TestManagerBestPicksHighestScore(t *testing.T) {
	m := NewManager(func() []Candidate { return nil }, nil, nil)
	m.pool["low"] = newConnection(Candidate{PeerID: "low", RTT: 200 * time.Millisecond}, nil)
	m.pool["high"] = newConnection(Candidate{PeerID: "high", RTT: time.Millisecond, CapacityPct: 100, IsDirect: true}, nil)

	best, ok := m.Best()
	if !ok || best.Candidate.PeerID != "high" {
		t.Fatalf("expected 'high' to be the best relay, got %+v", best)
	}
}
