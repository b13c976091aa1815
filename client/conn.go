// Package client holds the two session-sync controllers: the participant
// (single source of truth, publisher) and the host (passive mirror), plus the
// reconnecting websocket connection they share.
package client

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gangaprasad29/remote-interview/backend/internal/protocol"
)

// ErrNotConnected is returned by sends attempted while the connection is
// down. Callers decide whether to surface a "not connected" state; nothing is
// queued for retry.
var ErrNotConnected = errors.New("not connected")

const (
	defaultMaxReconnects = 5
	defaultBackoff       = time.Second
	connWriteWait        = 10 * time.Second
)

// Sender is the slice of Conn the controllers depend on.
type Sender interface {
	Send(event string, data any) error
	Connected() bool
}

// Conn dials the gateway and keeps the connection alive through a bounded
// number of reconnect attempts. After the attempts are exhausted it settles
// into a disconnected state rather than retrying forever.
type Conn struct {
	url string
	log *slog.Logger

	maxReconnects int
	backoff       time.Duration

	onConnect    func()
	onDisconnect func()
	onDown       func()
	onEvent      func(*protocol.Envelope)

	mu        sync.Mutex
	ws        *websocket.Conn
	connected bool
	closed    bool
}

type ConnOption func(*Conn)

// OnConnect fires after every successful (re)connect, before any event is
// read. This is where controllers join and resync.
func OnConnect(fn func()) ConnOption { return func(c *Conn) { c.onConnect = fn } }

// OnDisconnect fires whenever an established connection drops.
func OnDisconnect(fn func()) ConnOption { return func(c *Conn) { c.onDisconnect = fn } }

// OnDown fires once reconnect attempts are exhausted.
func OnDown(fn func()) ConnOption { return func(c *Conn) { c.onDown = fn } }

// OnEvent receives every inbound envelope.
func OnEvent(fn func(*protocol.Envelope)) ConnOption { return func(c *Conn) { c.onEvent = fn } }

func WithReconnects(attempts int, backoff time.Duration) ConnOption {
	return func(c *Conn) {
		c.maxReconnects = attempts
		c.backoff = backoff
	}
}

func WithLogger(log *slog.Logger) ConnOption { return func(c *Conn) { c.log = log } }

func NewConn(url string, opts ...ConnOption) *Conn {
	c := &Conn{
		url:           url,
		log:           slog.Default(),
		maxReconnects: defaultMaxReconnects,
		backoff:       defaultBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start dials the gateway and begins reading. It returns the initial dial
// error, after which the caller owns nothing; reconnects are automatic.
func (c *Conn) Start() error {
	ws, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.ws = ws
	c.connected = true
	c.mu.Unlock()

	if c.onConnect != nil {
		c.onConnect()
	}
	go c.readLoop(ws)
	return nil
}

// Connected reports whether a send would currently reach the gateway.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Send frames and writes one event. It never queues: a send while
// disconnected fails with ErrNotConnected and the value is simply not sent.
func (c *Conn) Send(event string, data any) error {
	payload, err := protocol.Encode(event, data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.ws == nil {
		return ErrNotConnected
	}
	c.ws.SetWriteDeadline(time.Now().Add(connWriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.connected = false
	ws := c.ws
	c.mu.Unlock()

	if ws != nil {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(connWriteWait))
		return ws.Close()
	}
	return nil
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			break
		}
		env, err := protocol.Decode(raw)
		if err != nil {
			c.log.Warn("client.malformed", "err", err)
			continue
		}
		if c.onEvent != nil {
			c.onEvent(env)
		}
	}

	c.mu.Lock()
	wasClosed := c.closed
	c.connected = false
	c.mu.Unlock()

	if wasClosed {
		return
	}
	if c.onDisconnect != nil {
		c.onDisconnect()
	}
	c.reconnect()
}

func (c *Conn) reconnect() {
	for attempt := 1; attempt <= c.maxReconnects; attempt++ {
		time.Sleep(c.backoff)

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		ws, _, err := websocket.DefaultDialer.Dial(c.url, nil)
		if err != nil {
			c.log.Warn("client.reconnect", "attempt", attempt, "err", err)
			continue
		}

		c.mu.Lock()
		c.ws = ws
		c.connected = true
		c.mu.Unlock()

		c.log.Info("client.reconnected", "attempt", attempt)
		if c.onConnect != nil {
			c.onConnect()
		}
		go c.readLoop(ws)
		return
	}

	c.log.Warn("client.gave_up", "attempts", c.maxReconnects)
	if c.onDown != nil {
		c.onDown()
	}
}
