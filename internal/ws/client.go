package ws

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Subscribers only listen.
	maxMessageSize = 512

	// Per-subscriber send queue. FIFO delivery order within one
	// connection; a full queue drops the subscriber.
	sendQueueSize = 256
)

// Conn is the subset of a websocket connection the client uses. Satisfied
// by *websocket.Conn via gorillaConn; tests substitute an in-memory fake.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

type gorillaConn struct {
	*websocket.Conn
}

// Client is one subscriber connection: the middleman between a websocket
// and the hub. Rooms are fixed at connect time.
type Client struct {
	hub  *Hub
	conn Conn
	send chan []byte

	id          string
	rooms       []string
	connectedAt time.Time
	logger      *slog.Logger
}

// NewClient wraps a gorilla connection subscribed to the given rooms. Every
// subscriber implicitly joins the global feed.
func NewClient(hub *Hub, conn *websocket.Conn, rooms []string, logger *slog.Logger) *Client {
	return newClient(hub, gorillaConn{conn}, rooms, logger)
}

// NewClientWithConn is NewClient with an arbitrary Conn, for tests.
func NewClientWithConn(hub *Hub, conn Conn, rooms []string, logger *slog.Logger) *Client {
	return newClient(hub, conn, rooms, logger)
}

func newClient(hub *Hub, conn Conn, rooms []string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.New().String()
	joined := append([]string{RoomGlobal}, rooms...)
	return &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, sendQueueSize),
		id:          id,
		rooms:       dedupe(joined),
		connectedAt: time.Now(),
		logger: logger.With(
			slog.String("component", "ws.client"),
			slog.String("subscriber_id", id)),
	}
}

func dedupe(rooms []string) []string {
	seen := make(map[string]bool, len(rooms))
	out := rooms[:0]
	for _, r := range rooms {
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

// Rooms returns the rooms this subscriber joined.
func (c *Client) Rooms() []string {
	return c.rooms
}

// ReadPump consumes inbound frames until the connection drops, then
// unregisters the client. Subscribers are listen-only; inbound payloads are
// discarded, but the read loop is what notices a dead peer.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
		c.logger.Info("subscriber disconnected",
			slog.Duration("connection_duration", time.Since(c.connectedAt)))
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
	}
}

// WritePump drains the send queue to the connection in FIFO order and keeps
// the peer alive with pings. Exits when the hub closes the send channel or
// a write fails.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("write failed", slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Serve registers the client and starts its pumps.
func (c *Client) Serve() {
	c.hub.Register(c)
	go c.WritePump()
	go c.ReadPump()
}
