// Package relay implements candidate scoring, the relay connection pool,
// and per-session accounting from spec.md §4.6-4.7. Its session bookkeeping
// (capacity checks, idle cleanup loop, atomic active-session counters,
// accept/reject protocol) is grounded directly on the relay server in
// omnicloud2024's internal relay (Session/Server types, handleConnect's
// capacity check, cleanupLoop's stale-session sweep), generalized from a
// single TCP-bridging relay to an N-relay pool scored and rotated per the
// spec's reachability model.
package relay

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/omerta-mesh/mesh/internal/meshlog"
	"github.com/omerta-mesh/mesh/internal/metrics"
	"github.com/omerta-mesh/mesh/pkg/meshtypes"
	"github.com/omerta-mesh/mesh/pkg/wire"
)

// Pool sizing defaults (spec.md §4.6).
const (
	MinRelayPoolSize = 3
	MaxRelayPoolSize = 5
)

// HeartbeatInterval is the period of Run's evict-and-refill pass. The
// manager sends no heartbeat frames itself; a held connection stays healthy
// only while Heartbeat is called for its peer within UnhealthyAfter.
const HeartbeatInterval = 30 * time.Second

// UnhealthyAfter is how long without a successful heartbeat before a relay
// connection is evicted and refilled (spec.md §4.6: "2x the heartbeat
// interval").
const UnhealthyAfter = 2 * HeartbeatInterval

// SessionIdleTimeout is how long an idle relay session survives before
// being garbage collected (spec.md §4.7).
const SessionIdleTimeout = 5 * time.Minute

// Candidate is a relay a node could use, with the fields needed to score
// it (spec.md §4.6 scoring formula).
type Candidate struct {
	PeerID      meshtypes.PeerId
	Endpoint    meshtypes.Endpoint
	RTT         time.Duration
	CapacityPct float64 // 0-100, self-reported remaining capacity
	IsDirect    bool    // reachable without itself needing a relay
	NATType     meshtypes.NATType
}

// natBonus grades a candidate's own NAT classification: a public relay
// can't itself lose reachability mid-session, a full-cone relay almost
// never does, a restricted one occasionally does, and a symmetric or
// unclassified one is no better than a coin flip (spec.md §4.6).
func natBonus(t meshtypes.NATType) float64 {
	switch t {
	case meshtypes.NATPublic:
		return 30
	case meshtypes.NATFullCone:
		return 20
	case meshtypes.NATRestrictedCone, meshtypes.NATPortRestricted:
		return 10
	default:
		return 0
	}
}

// Score implements the spec's relay desirability formula:
// 100 - 100*rtt_seconds + 0.5*min(capacity,100) + 20*is_direct + nat_bonus.
func (c Candidate) Score() float64 {
	score := 100 - 100*c.RTT.Seconds()
	capPct := c.CapacityPct
	if capPct > 100 {
		capPct = 100
	}
	score += 0.5 * capPct
	if c.IsDirect {
		score += 20
	}
	score += natBonus(c.NATType)
	return score
}

// Connection is one live relay connection this node maintains.
type Connection struct {
	Candidate      Candidate
	activeSessions int64
	lastHeartbeat  atomic.Int64 // unix nanos
	send           func(wire.Frame) error
}

func newConnection(cand Candidate, send func(wire.Frame) error) *Connection {
	c := &Connection{Candidate: cand, send: send}
	c.lastHeartbeat.Store(time.Now().UnixNano())
	return c
}

// NewConnection builds a Connection around an already-established transport,
// for a dial implementation outside this package (pkg/mesh owns the socket
// that send actually writes through).
func NewConnection(cand Candidate, send func(wire.Frame) error) *Connection {
	return newConnection(cand, send)
}

// Send writes a frame through the connection's transport.
func (c *Connection) Send(f wire.Frame) error {
	if c.send == nil {
		return nil
	}
	return c.send(f)
}

func (c *Connection) healthy() bool {
	last := time.Unix(0, c.lastHeartbeat.Load())
	return time.Since(last) < UnhealthyAfter
}

func (c *Connection) ActiveSessions() int64 { return atomic.LoadInt64(&c.activeSessions) }

// Session is one relayed data path, keyed by a UUID session id so it can
// be safely addressed across restarts and concurrent renegotiation
// (spec.md §4.7).
type Session struct {
	ID         string
	RelayPeer  meshtypes.PeerId
	TargetPeer meshtypes.PeerId
	CreatedAt  time.Time
	lastActive atomic.Int64
	conn       *Connection
	closed     atomic.Bool
}

func (s *Session) touch() { s.lastActive.Store(time.Now().UnixNano()) }

func (s *Session) idleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActive.Load()))
}

// SessionManager tracks every live relay session and enforces the
// accounting invariant: sum(connection.activeSessions) == count of
// non-closed sessions (spec.md §8).
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	log      *meshlog.Logger
	metrics  *metrics.Set
}

func newSessionManager(m *metrics.Set) *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*Session),
		log:      meshlog.New("relay-session"),
		metrics:  m,
	}
}

// Open creates a new session against conn, enforcing no explicit per-relay
// cap here (the relay itself may refuse via RelayDeny); the manager's job
// is bookkeeping, not admission.
func (sm *SessionManager) Open(conn *Connection, relayPeer, targetPeer meshtypes.PeerId) *Session {
	s := &Session{
		ID:         uuid.NewString(),
		RelayPeer:  relayPeer,
		TargetPeer: targetPeer,
		CreatedAt:  time.Now(),
		conn:       conn,
	}
	s.touch()
	sm.mu.Lock()
	sm.sessions[s.ID] = s
	sm.mu.Unlock()
	atomic.AddInt64(&conn.activeSessions, 1)
	if sm.metrics != nil {
		sm.metrics.RelaySessionCount.Inc()
	}
	return s
}

// Close tears a session down and decrements its connection's counter. Safe
// to call more than once.
func (sm *SessionManager) Close(id string) {
	sm.mu.Lock()
	s, ok := sm.sessions[id]
	if ok {
		delete(sm.sessions, id)
	}
	sm.mu.Unlock()
	if !ok {
		return
	}
	if s.closed.CompareAndSwap(false, true) {
		atomic.AddInt64(&s.conn.activeSessions, -1)
		if sm.metrics != nil {
			sm.metrics.RelaySessionCount.Dec()
		}
	}
}

// Touch marks a session as recently active, resetting its idle clock.
func (sm *SessionManager) Touch(id string) {
	sm.mu.Lock()
	s, ok := sm.sessions[id]
	sm.mu.Unlock()
	if ok {
		s.touch()
	}
}

// Get returns a session by id.
func (sm *SessionManager) Get(id string) (*Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.sessions[id]
	return s, ok
}

// Count returns the number of live (non-closed) sessions.
func (sm *SessionManager) Count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// GCIdle closes every session idle longer than SessionIdleTimeout and
// returns how many were reaped. Grounded on the reference relay's
// cleanupLoop stale-session sweep.
func (sm *SessionManager) GCIdle() int {
	sm.mu.Lock()
	var stale []string
	for id, s := range sm.sessions {
		if s.idleFor() > SessionIdleTimeout {
			stale = append(stale, id)
		}
	}
	sm.mu.Unlock()
	for _, id := range stale {
		sm.Close(id)
	}
	return len(stale)
}

// Manager maintains the node's relay pool: selection, heartbeats, and
// eviction/refill of unhealthy relays (spec.md §4.6).
type Manager struct {
	mu         sync.Mutex
	pool       map[meshtypes.PeerId]*Connection
	candidates func() []Candidate
	dial       func(Candidate) (*Connection, error)
	minSize    int
	maxSize    int
	log        *meshlog.Logger
	metrics    *metrics.Set
	Sessions   *SessionManager
}

// NewManager builds a relay manager. candidates supplies the current
// universe of known relay-capable peers (typically sourced from the peer
// cache); dial opens a live Connection to one.
func NewManager(candidates func() []Candidate, dial func(Candidate) (*Connection, error), m *metrics.Set) *Manager {
	return &Manager{
		pool:       make(map[meshtypes.PeerId]*Connection),
		candidates: candidates,
		dial:       dial,
		minSize:    MinRelayPoolSize,
		maxSize:    MaxRelayPoolSize,
		log:        meshlog.New("relay-manager"),
		metrics:    m,
		Sessions:   newSessionManager(m),
	}
}

// NeedsRelay reports whether the owning node should maintain a relay pool
// at all: only NATs that can't be hole-punched reliably (symmetric) or
// whose classification failed need one, per spec.md §4.6 startup logic.
// Any other NAT type may still opt into a small relay pool as a fallback,
// but a public address never does.
func NeedsRelay(natType meshtypes.NATType) bool {
	switch natType {
	case meshtypes.NATSymmetric, meshtypes.NATUnknown:
		return true
	default:
		return false
	}
}

// Refill tops the pool up to minSize using the highest-scoring candidates
// not already held, and evicts anything unhealthy first.
func (m *Manager) Refill(ctx context.Context) {
	m.evictUnhealthy()

	m.mu.Lock()
	have := len(m.pool)
	held := make(map[meshtypes.PeerId]struct{}, have)
	for id := range m.pool {
		held[id] = struct{}{}
	}
	m.mu.Unlock()

	if have >= m.minSize {
		return
	}

	cands := m.candidates()
	sort.Slice(cands, func(i, j int) bool { return cands[i].Score() > cands[j].Score() })

	for _, c := range cands {
		if _, ok := held[c.PeerID]; ok {
			continue
		}
		conn, err := m.dial(c)
		if err != nil {
			m.log.Debugf("[relay-manager] dial to candidate %s failed: %v", c.PeerID, err)
			continue
		}
		m.mu.Lock()
		m.pool[c.PeerID] = conn
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.RelayConnections.Inc()
		}
		have++
		if have >= m.minSize {
			break
		}
	}
}

func (m *Manager) evictUnhealthy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, conn := range m.pool {
		if !conn.healthy() {
			delete(m.pool, id)
			if m.metrics != nil {
				m.metrics.RelayConnections.Dec()
			}
		}
	}
}

// Heartbeat marks conn as alive after a successful round-trip with it.
func (m *Manager) Heartbeat(peer meshtypes.PeerId) {
	m.mu.Lock()
	conn, ok := m.pool[peer]
	m.mu.Unlock()
	if ok {
		conn.lastHeartbeat.Store(time.Now().UnixNano())
	}
}

// Best returns the highest-scoring currently held relay connection.
func (m *Manager) Best() (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *Connection
	for _, conn := range m.pool {
		if best == nil || conn.Candidate.Score() > best.Candidate.Score() {
			best = conn
		}
	}
	return best, best != nil
}

// Run drives the periodic heartbeat/refill loop until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	gcTicker := time.NewTicker(time.Minute)
	defer gcTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Refill(ctx)
		case <-gcTicker.C:
			n := m.Sessions.GCIdle()
			if n > 0 {
				m.log.Debugf("[relay-manager] reaped %d idle sessions", n)
			}
		}
	}
}

// PoolSize returns the current number of held relay connections.
func (m *Manager) PoolSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pool)
}

// Get returns a pooled relay connection by peer.
func (m *Manager) Get(peer meshtypes.PeerId) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.pool[peer]
	return c, ok
}
