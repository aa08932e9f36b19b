package websocket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"salvage/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait / 2
	maxControlSize = 64 * 1024
	sendBuffer     = 256
)

// Dashboards are served from anywhere; the socket only exposes read-only state.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Client is one dashboard connection. sessions is owned by the hub.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	sessions    map[string]bool
	id          string
	connectedAt time.Time
}

// NewClient wraps an upgraded connection.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		sessions:    make(map[string]bool),
		id:          uuid.NewString(),
		connectedAt: time.Now(),
	}
}

// controlHandlers answer the few messages a dashboard may send.
var controlHandlers = map[string]func(c *Client, msg WSMessage){
	TypeSubscribe: func(c *Client, msg WSMessage) {
		if msg.Session == "" {
			c.sendError("INVALID_REQUEST", "subscribe requires session")
			return
		}
		c.hub.Subscribe(c, msg.Session)
	},
	TypeUnsubscribe: func(c *Client, msg WSMessage) {
		if msg.Session != "" {
			c.hub.Unsubscribe(c, msg.Session)
		}
	},
	TypePing: func(c *Client, _ WSMessage) {
		c.sendMessage(WSMessage{Type: TypePong})
	},
	TypeSnapshot: func(c *Client, msg WSMessage) {
		if msg.Session == "" {
			c.sendError("INVALID_REQUEST", "snapshot requires session")
			return
		}
		// An idle session gets an empty snapshot reply rather than an error.
		reply := WSMessage{Type: TypeSnapshot, Session: msg.Session}
		if snap, ok := c.hub.Snapshot(msg.Session); ok {
			reply.Snapshot = &snap
		}
		c.sendMessage(reply)
	},
}

func (c *Client) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.Warn().Err(err).Str("client_id", c.id).Msg("Invalid control message")
		c.sendError("INVALID_MESSAGE", "failed to parse message")
		return
	}

	handle, ok := controlHandlers[msg.Type]
	if !ok {
		c.sendError("UNKNOWN_TYPE", "unknown message type: "+msg.Type)
		return
	}
	logger.Debug().Str("client_id", c.id).Str("type", msg.Type).Str("session", msg.Session).Msg("Control message")
	handle(c, msg)
}

// readLoop owns the read side and unregisters the client when it ends.
func (c *Client) readLoop() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxControlSize)
	extend := func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) }
	_ = extend("")
	c.conn.SetPongHandler(extend)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Str("client_id", c.id).Msg("WebSocket closed unexpectedly")
			}
			return
		}
		c.handleMessage(data)
	}
}

// writeLoop owns the write side. The hub closes send to end it.
func (c *Client) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debug().Err(err).Str("client_id", c.id).Msg("WebSocket write failed")
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendMessage queues msg, dropping it when the client is too slow.
func (c *Client) sendMessage(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		logger.Debug().Str("client_id", c.id).Str("type", msg.Type).Msg("Dropped message for slow client")
	}
}

func (c *Client) sendError(code, message string) {
	c.sendMessage(WSMessage{Type: TypeError, Code: code, Message: message})
}

// ServeWs upgrades r and attaches the connection to hub.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := NewClient(hub, conn)
	hub.Register(client)

	go client.writeLoop()
	go client.readLoop()
}
