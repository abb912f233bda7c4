// Package socket owns the single UDP socket per node: a non-blocking read
// loop that hands inbound datagrams to a callback, and a bounded send
// queue drained by the socket-owning goroutine, per spec.md §5 ("the one
// UDP socket is owned by a single reader task... any task may enqueue
// outbound datagrams via a send queue that the socket-owner drains").
package socket

import (
	"context"
	"net"
	"time"

	"github.com/libp2p/go-reuseport"

	"github.com/omerta-mesh/mesh/internal/meshlog"
)

// DefaultSendQueueSize bounds the outbound queue depth.
const DefaultSendQueueSize = 1024

// DefaultEnqueueDeadline bounds how long Send blocks before dropping.
const DefaultEnqueueDeadline = 200 * time.Millisecond

// Inbound is one received datagram and its source address.
type Inbound struct {
	Data []byte
	From *net.UDPAddr
}

type outboundMsg struct {
	data []byte
	to   *net.UDPAddr
}

// Handler receives every inbound datagram; it must not block, since the
// read loop does not read the next datagram until Handler returns.
type Handler func(Inbound)

// Socket owns one UDP endpoint.
type Socket struct {
	conn    *net.UDPConn
	outbox  chan outboundMsg
	log     *meshlog.Logger
	handler Handler

	localAddr *net.UDPAddr
}

// Listen opens the UDP socket on the given local address (port 0 picks an
// ephemeral port) with SO_REUSEPORT/SO_REUSEADDR set via go-reuseport, so
// the same local port can later be reused for hole-punch probe bursts and
// NAT-detector probes that must originate from the same source port
// (spec.md §4.3, §4.5).
func Listen(localAddr string) (*Socket, error) {
	pc, err := reuseport.ListenPacket("udp", localAddr)
	if err != nil {
		return nil, err
	}
	conn := pc.(*net.UDPConn)
	return &Socket{
		conn:      conn,
		outbox:    make(chan outboundMsg, DefaultSendQueueSize),
		log:       meshlog.New("socket"),
		localAddr: conn.LocalAddr().(*net.UDPAddr),
	}, nil
}

// LocalAddr returns the bound local address.
func (s *Socket) LocalAddr() *net.UDPAddr { return s.localAddr }

// SetHandler installs the inbound datagram callback. Must be called
// before Run.
func (s *Socket) SetHandler(h Handler) { s.handler = h }

// Run drives both the read loop and the send-queue drain loop until ctx
// is cancelled. It returns when the socket is closed.
func (s *Socket) Run(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.readLoop(ctx)
	}()
	s.writeLoop(ctx)
	<-done
}

func (s *Socket) readLoop(ctx context.Context) {
	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
				s.log.Warnf("[socket] read error: %v", err)
				continue
			}
		}
		if s.handler != nil {
			cp := make([]byte, n)
			copy(cp, buf[:n])
			s.handler(Inbound{Data: cp, From: addr})
		}
	}
}

func (s *Socket) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			_ = s.conn.Close()
			return
		case m := <-s.outbox:
			if _, err := s.conn.WriteToUDP(m.data, m.to); err != nil {
				s.log.Warnf("[socket] write to %s failed: %v", m.to, err)
			}
		}
	}
}

// Send enqueues a datagram for delivery. If the outbound queue is full it
// blocks for up to DefaultEnqueueDeadline, then drops and returns false
// (spec.md §5 backpressure policy).
func (s *Socket) Send(to *net.UDPAddr, data []byte) bool {
	select {
	case s.outbox <- outboundMsg{data: data, to: to}:
		return true
	case <-time.After(DefaultEnqueueDeadline):
		return false
	}
}

// SendNow bypasses the queue depth check used for time-sensitive bursts
// (e.g. hole-punch probes) where queuing latency itself would break the
// synchronized-moment guarantee; it still respects the deadline.
func (s *Socket) SendNow(to *net.UDPAddr, data []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(DefaultEnqueueDeadline))
	_, err := s.conn.WriteToUDP(data, to)
	return err
}

// Close releases the underlying UDP connection. Idempotent.
func (s *Socket) Close() error {
	return s.conn.Close()
}
