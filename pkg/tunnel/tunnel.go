// Package tunnel implements the session-oriented tunnel layer from
// spec.md §4.9: a single live TunnelSession per remote peer, negotiated
// over a "tunnel-handshake" control channel, carrying bulk traffic on
// "tunnel-data", with preemption on a fresh incoming request. It
// supplements the distilled spec with the restored "tunnel-traffic"/
// "tunnel-return" forwarding channels implied by the data model's
// traffic_source/traffic_exit roles — the packet_out/packet_in pair a
// tunnel exit node needs to actually forward payloads end to end. State
// lifecycle bookkeeping is grounded on the teacher's Node type in node.go,
// which keeps one mutex-guarded map of live per-peer conversational state
// exactly like TunnelSession does here for tunnels.
package tunnel

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/omerta-mesh/mesh/internal/meshlog"
	"github.com/omerta-mesh/mesh/internal/metrics"
	"github.com/omerta-mesh/mesh/pkg/meshtypes"
)

// Channel names used on the wire (spec.md §4.9 and its supplement).
const (
	ChannelHandshake = "tunnel-handshake"
	ChannelData      = "tunnel-data"
	ChannelTraffic   = "tunnel-traffic"
	ChannelReturn    = "tunnel-return"
)

// State is a TunnelSession's lifecycle stage.
type State int

const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// handshake frame kinds, carried as the first byte of a tunnel-handshake
// payload.
const (
	hsRequest byte = iota
	hsAck
	hsReject
	hsClose
)

// Sender is the minimal channel-send surface the tunnel layer needs.
type Sender interface {
	Send(ctx context.Context, peer meshtypes.PeerId, channelName string, data []byte) (meshtypes.PathKind, error)
}

// PacketHandler processes forwarded tunnel payloads (spec.md supplement:
// packet_out on the initiator's exit, packet_in back on the return path).
type PacketHandler func(sessionID string, payload []byte)

// Session is one tunnel to a remote peer.
type Session struct {
	ID    string
	Peer  meshtypes.PeerId
	mu    sync.Mutex
	state State

	createdAt time.Time
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Manager owns the single live tunnel session per peer, per spec.md §4.9.
type Manager struct {
	mu       sync.Mutex
	byPeer   map[meshtypes.PeerId]*Session
	sender   Sender
	self     meshtypes.PeerId
	onTraffic PacketHandler
	onReturn  PacketHandler
	metrics  *metrics.Set
	log      *meshlog.Logger
}

// New builds a tunnel manager.
func New(self meshtypes.PeerId, sender Sender, onTraffic, onReturn PacketHandler, m *metrics.Set) *Manager {
	return &Manager{
		byPeer:    make(map[meshtypes.PeerId]*Session),
		sender:    sender,
		self:      self,
		onTraffic: onTraffic,
		onReturn:  onReturn,
		metrics:   m,
		log:       meshlog.New("tunnel"),
	}
}

// Open requests a new tunnel to peer, preempting any existing session to
// that peer (spec.md §4.9: "a fresh request replaces the current session,
// which transitions to closing").
func (m *Manager) Open(ctx context.Context, peer meshtypes.PeerId) (*Session, error) {
	m.mu.Lock()
	if existing, ok := m.byPeer[peer]; ok {
		existing.setState(StateClosing)
		m.closeLocked(peer, existing)
	}
	s := &Session{ID: uuid.NewString(), Peer: peer, state: StateConnecting, createdAt: time.Now()}
	m.byPeer[peer] = s
	m.mu.Unlock()

	if _, err := m.sender.Send(ctx, peer, ChannelHandshake, append([]byte{hsRequest}, []byte(s.ID)...)); err != nil {
		s.setState(StateDisconnected)
		return nil, meshtypes.NewError(meshtypes.ErrReachability, meshtypes.CodePeerUnreachable, "tunnel handshake request failed", err)
	}
	return s, nil
}

// HandleHandshake processes an inbound tunnel-handshake frame.
func (m *Manager) HandleHandshake(ctx context.Context, from meshtypes.PeerId, payload []byte) {
	if len(payload) == 0 {
		return
	}
	kind, body := payload[0], payload[1:]
	switch kind {
	case hsRequest:
		m.handleRequest(ctx, from, string(body))
	case hsAck:
		m.handleAck(from, string(body))
	case hsReject:
		m.handleReject(from)
	case hsClose:
		m.handleClose(from)
	}
}

func (m *Manager) handleRequest(ctx context.Context, from meshtypes.PeerId, sessionID string) {
	m.mu.Lock()
	if existing, ok := m.byPeer[from]; ok {
		existing.setState(StateClosing)
		m.closeLocked(from, existing)
	}
	s := &Session{ID: sessionID, Peer: from, state: StateActive, createdAt: time.Now()}
	m.byPeer[from] = s
	m.mu.Unlock()

	_, _ = m.sender.Send(ctx, from, ChannelHandshake, append([]byte{hsAck}, []byte(sessionID)...))
}

func (m *Manager) handleAck(from meshtypes.PeerId, sessionID string) {
	m.mu.Lock()
	s, ok := m.byPeer[from]
	m.mu.Unlock()
	if !ok || s.ID != sessionID {
		return
	}
	s.setState(StateActive)
}

func (m *Manager) handleReject(from meshtypes.PeerId) {
	m.mu.Lock()
	s, ok := m.byPeer[from]
	if ok {
		delete(m.byPeer, from)
	}
	m.mu.Unlock()
	if ok {
		s.setState(StateDisconnected)
	}
}

func (m *Manager) handleClose(from meshtypes.PeerId) {
	m.mu.Lock()
	s, ok := m.byPeer[from]
	if ok {
		delete(m.byPeer, from)
	}
	m.mu.Unlock()
	if ok {
		s.setState(StateDisconnected)
	}
}

// Close gracefully tears a session down, notifying the peer first.
func (m *Manager) Close(ctx context.Context, peer meshtypes.PeerId) {
	m.mu.Lock()
	s, ok := m.byPeer[peer]
	if ok {
		delete(m.byPeer, peer)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	s.setState(StateClosing)
	_, _ = m.sender.Send(ctx, peer, ChannelHandshake, append([]byte{hsClose}, []byte(s.ID)...))
	s.setState(StateDisconnected)
}

func (m *Manager) closeLocked(peer meshtypes.PeerId, s *Session) {
	s.setState(StateDisconnected)
}

// Get returns the current session for a peer, if any.
func (m *Manager) Get(peer meshtypes.PeerId) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byPeer[peer]
	return s, ok
}

// SendData ships a data-channel payload on an active tunnel.
func (m *Manager) SendData(ctx context.Context, peer meshtypes.PeerId, payload []byte) error {
	s, ok := m.Get(peer)
	if !ok || s.State() != StateActive {
		return meshtypes.NewError(meshtypes.ErrProtocol, meshtypes.CodeSessionNotFound, "no active tunnel session to peer", nil)
	}
	_, err := m.sender.Send(ctx, peer, ChannelData, payload)
	return err
}

// ForwardOut sends a packet_out payload on the supplemented tunnel-traffic
// forwarding channel, used by a traffic_source role.
func (m *Manager) ForwardOut(ctx context.Context, peer meshtypes.PeerId, sessionID string, payload []byte) error {
	framed := append([]byte(sessionID+"\x00"), payload...)
	_, err := m.sender.Send(ctx, peer, ChannelTraffic, framed)
	return err
}

// HandleTraffic processes an inbound tunnel-traffic frame at a
// traffic_exit node, invoking the forward callback with the decoded
// session id and payload.
func (m *Manager) HandleTraffic(from meshtypes.PeerId, raw []byte) {
	if m.onTraffic == nil {
		return
	}
	id, payload := splitFramed(raw)
	m.onTraffic(id, payload)
}

// ForwardReturn sends a packet_in payload back on tunnel-return.
func (m *Manager) ForwardReturn(ctx context.Context, peer meshtypes.PeerId, sessionID string, payload []byte) error {
	framed := append([]byte(sessionID+"\x00"), payload...)
	_, err := m.sender.Send(ctx, peer, ChannelReturn, framed)
	return err
}

// HandleReturn processes an inbound tunnel-return frame.
func (m *Manager) HandleReturn(from meshtypes.PeerId, raw []byte) {
	if m.onReturn == nil {
		return
	}
	id, payload := splitFramed(raw)
	m.onReturn(id, payload)
}

func splitFramed(raw []byte) (string, []byte) {
	for i, b := range raw {
		if b == 0 {
			return string(raw[:i]), raw[i+1:]
		}
	}
	return "", raw
}
