// Package monitor implements a passive, read-only diagnostic tap on top of
// a bus.Bus: every frame the bus sends or decodes (including foreign frames
// it drops) is handed to the bus.TapFunc returned by Hub.Tap and fanned out
// over TCP to any number of connected clients. It never drives
// the protocol core and can never stall bus mastership — a slow client is
// dropped or kicked, never waited on.
package monitor

import (
	"sync"

	"github.com/kstaniek/foconctl/internal/bus"
	"github.com/kstaniek/foconctl/internal/frame"
	"github.com/kstaniek/foconctl/internal/logging"
	"github.com/kstaniek/foconctl/internal/metrics"
)

// BackpressurePolicy selects what a Hub does when a client's outbound
// buffer is full.
type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota
	PolicyKick
)

// Direction tags a tapped frame as outgoing or incoming, since the monitor
// protocol carries both over the same stream.
type Direction byte

const (
	DirectionOut Direction = 'O'
	DirectionIn  Direction = 'I'
)

// Tapped is one frame observed on the bus, alongside the direction it
// travelled and whether it was addressed to us (accepted) or dropped as
// foreign.
type Tapped struct {
	Direction Direction
	Frame     frame.Frame
	Dropped   bool
}

// Client is one connected monitor subscriber.
type Client struct {
	Out       chan Tapped
	Closed    chan struct{}
	closeOnce sync.Once
}

// Close signals the client is closed; idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.Closed) })
}

// Hub fans tapped frames out to connected clients.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	OutBufSize int
	Policy     BackpressurePolicy
}

// NewHub creates a Hub with default settings.
func NewHub() *Hub { return &Hub{clients: make(map[*Client]struct{})} }

// Tap returns a bus.TapFunc bound to this Hub, ready for bus.Bus.SetTap.
func (h *Hub) Tap() bus.TapFunc {
	return func(direction byte, f frame.Frame, dropped bool) {
		h.Broadcast(Tapped{Direction: Direction(direction), Frame: f, Dropped: dropped})
	}
}

// Add registers a client with the hub.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	prev := len(h.clients)
	h.clients[c] = struct{}{}
	cur := len(h.clients)
	h.mu.Unlock()
	metrics.SetMonitorClients(cur)
	if prev == 0 && cur == 1 {
		logging.L().Info("monitor_clients_first_connected")
	}
}

// Remove unregisters a client; safe to call multiple times.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	if existed {
		delete(h.clients, c)
	}
	cur := len(h.clients)
	h.mu.Unlock()
	select {
	case <-c.Closed:
	default:
		c.Close()
	}
	metrics.SetMonitorClients(cur)
	if existed && cur == 0 {
		logging.L().Info("monitor_clients_last_disconnected")
	}
}

// Broadcast fans t out to all connected clients honoring the backpressure
// policy. It never blocks.
func (h *Hub) Broadcast(t Tapped) {
	clients := h.Snapshot()
	for _, c := range clients {
		select {
		case c.Out <- t:
		default:
			if h.Policy == PolicyKick {
				metrics.IncMonitorKicked()
				c.Close()
			} else {
				metrics.IncMonitorDropped()
			}
		}
	}
}

// Snapshot returns a slice copy of current clients.
func (h *Hub) Snapshot() []*Client {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	return clients
}

// Count returns the number of active clients.
func (h *Hub) Count() int { h.mu.RLock(); n := len(h.clients); h.mu.RUnlock(); return n }
