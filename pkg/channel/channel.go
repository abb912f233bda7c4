// Package channel implements named-channel dispatch from spec.md §4.8: one
// handler per (node, channel_name), strict per-(sender, channel) FIFO
// delivery, and best-path send selection (direct, then hole-punched
// direct, then relay) with an establishment timeout. The per-pair ordered
// worker pattern is the same shape as the teacher's controlLoop/bridge
// goroutine-per-connection pairing in node.go, adapted from one goroutine
// per TCP peer to one ordered worker per (sender, channel) pair.
package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/omerta-mesh/mesh/internal/meshlog"
	"github.com/omerta-mesh/mesh/internal/metrics"
	"github.com/omerta-mesh/mesh/pkg/meshtypes"
)

// EstablishmentTimeout bounds how long Send waits for any path to a peer
// to become ready before giving up (spec.md §4.8).
const EstablishmentTimeout = 10 * time.Second

// inboxDepth bounds the per-(sender,channel) FIFO queue.
const inboxDepth = 256

// Handler processes one inbound message on a channel.
type Handler func(from meshtypes.PeerId, data []byte)

// PathSender is how channel dispatch actually gets bytes to a peer; the
// mesh Node wires this to its direct/hole-punch/relay path selection.
type PathSender interface {
	// Send attempts best-path delivery and reports which path kind, if
	// any, it used. It must not block past its own internal timeout.
	Send(ctx context.Context, peer meshtypes.PeerId, channelName string, data []byte) (meshtypes.PathKind, error)
}

type pairKey struct {
	sender  meshtypes.PeerId
	channel string
}

// worker serializes delivery for one (sender, channel) pair so ordering is
// preserved even though multiple datagrams for the same pair may race each
// other on the wire.
type worker struct {
	queue chan []byte
	once  sync.Once
	stop  chan struct{}
}

// Dispatcher is the per-node channel registry.
type Dispatcher struct {
	mu       sync.Mutex
	handlers map[string]Handler
	workers  map[pairKey]*worker
	sender   PathSender
	metrics  *metrics.Set
	log      *meshlog.Logger
}

// New builds a channel dispatcher.
func New(sender PathSender, m *metrics.Set) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
		workers:  make(map[pairKey]*worker),
		sender:   sender,
		metrics:  m,
		log:      meshlog.New("channel"),
	}
}

// On registers h as the handler for name. Exactly one handler may be
// registered per channel name at a time (spec.md §4.8: re-registering an
// already-registered channel is an error).
func (d *Dispatcher) On(name string, h Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[name]; exists {
		return meshtypes.NewError(meshtypes.ErrProtocol, meshtypes.CodeAlreadyRegistered, fmt.Sprintf("channel %q already has a handler", name), nil)
	}
	d.handlers[name] = h
	return nil
}

// Off unregisters the handler for name, if any, and stops any workers
// feeding it.
func (d *Dispatcher) Off(name string) {
	d.mu.Lock()
	delete(d.handlers, name)
	var toStop []*worker
	for key, w := range d.workers {
		if key.channel == name {
			toStop = append(toStop, w)
			delete(d.workers, key)
		}
	}
	d.mu.Unlock()
	for _, w := range toStop {
		close(w.stop)
	}
}

// Deliver routes one inbound (sender, channel, payload) triple to its
// ordered worker, which calls the registered handler in arrival order.
// Returns false if no handler is registered for the channel (caller should
// drop silently, per spec.md §4.8). It never blocks: a payload arriving
// while the pair's queue already holds inboxDepth entries is dropped,
// counted in ChannelQueueDrops and logged, and Deliver returns false.
func (d *Dispatcher) Deliver(from meshtypes.PeerId, channelName string, data []byte) bool {
	d.mu.Lock()
	h, ok := d.handlers[channelName]
	if !ok {
		d.mu.Unlock()
		return false
	}
	key := pairKey{sender: from, channel: channelName}
	w, ok := d.workers[key]
	if !ok {
		w = &worker{queue: make(chan []byte, inboxDepth), stop: make(chan struct{})}
		d.workers[key] = w
		go d.runWorker(w, from, h)
	}
	d.mu.Unlock()

	select {
	case w.queue <- data:
		return true
	case <-w.stop:
		return false
	default:
		if d.metrics != nil {
			d.metrics.ChannelQueueDrops.WithLabelValues(channelName).Inc()
		}
		d.log.Warnf("[channel] queue for %s on %q is full; payload dropped", from, channelName)
		return false
	}
}

func (d *Dispatcher) runWorker(w *worker, from meshtypes.PeerId, h Handler) {
	for {
		select {
		case data := <-w.queue:
			h(from, data)
		case <-w.stop:
			return
		}
	}
}

// Send delivers data to peer on the named channel via the best currently
// available path, waiting up to EstablishmentTimeout for a path to become
// ready (spec.md §4.8: "direct, then hole-punched direct, then relay").
func (d *Dispatcher) Send(ctx context.Context, peer meshtypes.PeerId, channelName string, data []byte) (meshtypes.PathKind, error) {
	ctx, cancel := context.WithTimeout(ctx, EstablishmentTimeout)
	defer cancel()
	kind, err := d.sender.Send(ctx, peer, channelName, data)
	if err != nil {
		return meshtypes.PathDirect, err
	}
	return kind, nil
}

// RegisteredChannels returns the names currently handled, for diagnostics.
func (d *Dispatcher) RegisteredChannels() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		out = append(out, name)
	}
	return out
}
