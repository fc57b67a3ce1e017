// Package ws is the broadcast layer: it maintains subscriber membership in
// named rooms and fans license change events out to interested connections.
// Ordering is FIFO per subscriber connection only; a subscriber that
// disconnects simply misses events until it reconnects.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"entitle/internal/metrics"
)

// publishQueueSize bounds the hub's inbound event queue. Publishing never
// blocks a state mutation: events beyond the queue are dropped and logged.
const publishQueueSize = 256

// Hub maintains the set of active subscribers and their room memberships
// and fans out change events. One goroutine owns all membership state; the
// register/unregister/publish channels are its mailbox.
type Hub struct {
	clients map[*Client]bool
	rooms   map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	publish    chan Event
	count      chan chan int

	mu      sync.RWMutex
	running bool
	quit    chan struct{}
	done    chan struct{}

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewHub creates a Hub. metrics may be nil in tests.
func NewHub(logger *slog.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		publish:    make(chan Event, publishQueueSize),
		count:      make(chan chan int),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		logger:     logger.With(slog.String("component", "ws.hub")),
		metrics:    m,
	}
}

// Start launches the hub loop. Safe to call once.
func (h *Hub) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()
	go h.run()
}

// Stop shuts the hub down, closing every subscriber connection without
// attempting to flush queued events.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()

	close(h.quit)
	<-h.done
}

// Register adds a subscriber to the hub and its requested rooms.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.quit:
	}
}

// Unregister removes a subscriber.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

// Publish queues an event for fan-out. Never blocks: when the queue is
// full the event is dropped, which is acceptable for best-effort
// notifications and must never fail the mutation that produced the event.
func (h *Hub) Publish(ctx context.Context, ev Event) {
	select {
	case h.publish <- ev:
	default:
		h.logger.WarnContext(ctx, "publish queue full, dropping event",
			slog.String("event", string(ev.Type)),
			slog.String("license_key", ev.LicenseKey))
	}
}

func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case <-h.quit:
			h.closeAll()
			return

		case c := <-h.register:
			h.clients[c] = true
			for _, room := range c.rooms {
				members, ok := h.rooms[room]
				if !ok {
					members = make(map[*Client]bool)
					h.rooms[room] = members
				}
				members[c] = true
			}
			if h.metrics != nil {
				h.metrics.ActiveClients.Set(float64(len(h.clients)))
			}
			h.logger.Info("subscriber registered",
				slog.String("subscriber_id", c.id),
				slog.Any("rooms", c.rooms),
				slog.Int("total_clients", len(h.clients)))

		case c := <-h.unregister:
			h.drop(c)

		case ev := <-h.publish:
			h.fanOut(ev)

		case reply := <-h.count:
			reply <- len(h.clients)
		}
	}
}

// fanOut delivers one event to the union of its target rooms. The payload
// is marshalled once; each subscriber receives it at most once even when it
// sits in several target rooms. A subscriber whose send queue is full is
// dropped rather than allowed to stall the loop.
func (h *Hub) fanOut(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("marshalling broadcast event",
			slog.String("event", string(ev.Type)),
			slog.String("error", err.Error()))
		return
	}

	targets := make(map[*Client]bool)
	for _, room := range ev.Rooms() {
		for c := range h.rooms[room] {
			targets[c] = true
		}
	}

	delivered, dropped := 0, 0
	for c := range targets {
		select {
		case c.send <- payload:
			delivered++
		default:
			dropped++
			h.drop(c)
		}
	}

	if h.metrics != nil {
		h.metrics.BroadcastsTotal.WithLabelValues(string(ev.Type)).Inc()
		h.metrics.MessagesDelivered.Add(float64(delivered))
	}
	h.logger.Debug("event fanned out",
		slog.String("event", string(ev.Type)),
		slog.String("license_key", ev.LicenseKey),
		slog.Int("delivered", delivered),
		slog.Int("dropped", dropped))
}

// drop removes a subscriber from all rooms and closes its send channel.
// Only called from the hub goroutine.
func (h *Hub) drop(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	for _, room := range c.rooms {
		if members, ok := h.rooms[room]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	close(c.send)
	if h.metrics != nil {
		h.metrics.ActiveClients.Set(float64(len(h.clients)))
		h.metrics.DroppedClients.Inc()
	}
	h.logger.Info("subscriber unregistered",
		slog.String("subscriber_id", c.id),
		slog.Int("total_clients", len(h.clients)))
}

// closeAll fires on shutdown: every connection closes without a backlog
// flush.
func (h *Hub) closeAll() {
	for c := range h.clients {
		close(c.send)
	}
	h.clients = make(map[*Client]bool)
	h.rooms = make(map[string]map[*Client]bool)
	if h.metrics != nil {
		h.metrics.ActiveClients.Set(0)
	}
	h.logger.Info("hub shut down, all subscribers closed")
}

// ClientCount returns the number of registered subscribers. Membership is
// owned by the hub goroutine, so the count goes through its mailbox; since
// the mailbox is FIFO, the answer reflects all registrations sent before
// the call.
func (h *Hub) ClientCount() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.quit:
		return 0
	}
}
