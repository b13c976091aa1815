package ws

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gangaprasad29/remote-interview/backend/internal/protocol"
	"github.com/gangaprasad29/remote-interview/backend/internal/ratelimit"
	"github.com/gangaprasad29/remote-interview/backend/pkg/auth"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024

	eventsPerSecond = 100
	eventBurst      = 200

	sendQueueSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one live connection. It belongs to at most one (session, role)
// pair, assigned by the join event and owned by the hub.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	limiter *ratelimit.Limiter

	id     string
	userID string

	// Guarded by hub.mu
	sessionID string
	role      string
}

// ServeWs upgrades the request and hands the connection to the hub. An
// optional ?token= query parameter resolves the caller's user id; identity is
// asserted by the token issuer, not verified here beyond the signature.
func ServeWs(hub *Hub, verifier *auth.JWT, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.Warn("ws.upgrade", "err", err)
		return
	}

	userID := "anon"
	if verifier != nil {
		if tok := r.URL.Query().Get("token"); tok != "" {
			if uid, err := verifier.Verify(tok); err == nil {
				userID = uid
			} else {
				hub.log.Warn("ws.token", "err", err)
			}
		}
	}

	client := &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, sendQueueSize),
		limiter: ratelimit.NewLimiter(eventsPerSecond, eventBurst),
		id:      uuid.NewString(),
		userID:  userID,
	}

	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	rateLimitWarnings := 0

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("ws.read", "connectionId", c.id, "err", err)
			}
			break
		}

		if !c.limiter.Allow() {
			rateLimitWarnings++
			if rateLimitWarnings%100 == 1 {
				c.hub.log.Warn("ws.rate_limited", "connectionId", c.id, "warnings", rateLimitWarnings)
			}
			if rateLimitWarnings > 1000 {
				c.hub.log.Warn("ws.rate_limit_disconnect", "connectionId", c.id)
				return
			}
			continue
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			// A malformed frame must never take the connection or the
			// store down with it.
			c.hub.log.Warn("ws.malformed", "connectionId", c.id, "err", err)
			continue
		}

		select {
		case c.hub.inbound <- inboundEvent{client: c, env: env}:
		case <-c.hub.done:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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
