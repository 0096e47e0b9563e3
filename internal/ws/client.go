package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second

	// pingPeriod must be less than pongWait so the client has time to reply.
	pingPeriod = (pongWait * 9) / 10

	// Clients only send close/pong frames; a small read limit is enough.
	maxMessageSize = 512

	// sendBufferSize is the per-client outbound buffer. When it fills the
	// client is disconnected by Publish.
	sendBufferSize = 32
)

// upgrader performs the HTTP to websocket protocol upgrade. Callers reach
// this handler through the service-token middleware, so origin checking adds
// nothing here.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is a single connected websocket peer. Each client runs two
// goroutines: readPump (disconnect detection, pong handling) and writePump
// (the only goroutine writing to the connection).
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// send is closed by the hub on unregister, which drains writePump.
	send chan Message

	// topics is read-only after initialization.
	topics []string

	log *zap.Logger
}

// NewClient upgrades the HTTP connection and returns the ready client.
func NewClient(hub *Hub, w http.ResponseWriter, r *http.Request, topics []string, log *zap.Logger) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan Message, sendBufferSize),
		topics: topics,
		log:    log.With(zap.String("remote_addr", r.RemoteAddr)),
	}, nil
}

// Run registers the client with the hub and starts the pumps. It blocks
// until the connection closes.
func (c *Client) Run() {
	c.hub.Subscribe(c)
	go c.writePump()
	c.readPump()
}

// readPump detects disconnection and resets the read deadline on each pong.
// The protocol is server-push only; client frames are discarded.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unsubscribe(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn("ws read deadline failed", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.log.Warn("ws unexpected close", zap.Error(err))
			}
			return
		}
	}
}

// writePump forwards messages from send to the wire and pings on a ticker so
// readPump can detect stale connections.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.log.Warn("ws write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
