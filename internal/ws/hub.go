package ws

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gangaprasad29/remote-interview/backend/internal/protocol"
	"github.com/gangaprasad29/remote-interview/backend/internal/session"
	"github.com/gangaprasad29/remote-interview/backend/pkg/metrics"
)

// Hub is the room gateway: it owns room membership, applies the role-based
// write policy to every inbound event, updates the session store, and fans
// accepted events out to the rest of the room.
//
// All dispatch happens on the Run goroutine, so client room/role fields need
// no locking of their own. The membership maps are additionally guarded by mu
// because stats readers and the bus goroutine touch them.
//
// Multiple host connections per room are fine (read-only fan-out). Multiple
// participant connections are not prevented at the transport layer: write
// access is decided by role alone and the protocol is last-writer-wins, which
// also keeps a participant's reconnect (old connection lingering while the
// new one joins) from deadlocking on a uniqueness check.
type Hub struct {
	log   *slog.Logger
	store *session.Store
	bus   *RedisBus // nil in single-instance mode

	// Identifies this instance on the bus so it can ignore its own echoes
	instanceID string

	register   chan *Client
	unregister chan *Client
	inbound    chan inboundEvent

	// Closed when Run returns; connection goroutines select against it so
	// teardown never blocks on a stopped dispatcher.
	done chan struct{}

	mu      sync.RWMutex
	rooms   map[string]map[*Client]bool
	clients map[*Client]bool
}

type inboundEvent struct {
	client *Client
	env    *protocol.Envelope
}

func NewHub(store *session.Store, bus *RedisBus, log *slog.Logger) *Hub {
	return &Hub{
		log:        log,
		store:      store,
		bus:        bus,
		instanceID: uuid.NewString(),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inboundEvent, 64),
		done:       make(chan struct{}),
		rooms:      make(map[string]map[*Client]bool),
		clients:    make(map[*Client]bool),
	}
}

// Run dispatches connection lifecycle and inbound events until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	if h.bus != nil {
		go h.bus.Subscribe(ctx, h.handleBusMessage)
	}

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveConnections.Inc()
			h.log.Debug("ws.connected", "connectionId", client.id, "userId", client.userID, "total", total)

		case client := <-h.unregister:
			h.dropClient(client)

		case ev := <-h.inbound:
			metrics.EventsReceived.WithLabelValues(ev.env.Event).Inc()
			h.dispatch(ev.client, ev.env)

		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) dispatch(c *Client, env *protocol.Envelope) {
	switch env.Event {
	case protocol.EventJoinSession:
		h.handleJoin(c, env)
	case protocol.EventCodeUpdate:
		h.handleCodeUpdate(c, env)
	case protocol.EventLanguageUpdate:
		h.handleLanguageUpdate(c, env)
	case protocol.EventTyping:
		h.handleTyping(c, env)
	case protocol.EventRunResult:
		h.handleRunResult(c, env)
	case protocol.EventLeaveSession:
		h.handleLeave(c, env)
	case protocol.EventEndSession:
		h.handleEndSession(c, env)
	default:
		h.log.Debug("ws.event.unknown", "event", env.Event, "connectionId", c.id)
	}
}

func (h *Hub) handleJoin(c *Client, env *protocol.Envelope) {
	var p protocol.JoinSession
	if err := env.Bind(&p); err != nil {
		h.reject(c, err)
		return
	}

	h.mu.Lock()
	if c.sessionID != "" && c.sessionID != p.SessionID {
		h.removeFromRoomLocked(c)
	}
	c.sessionID = p.SessionID
	c.role = p.Role
	room := h.rooms[p.SessionID]
	if room == nil {
		room = make(map[*Client]bool)
		h.rooms[p.SessionID] = room
	}
	room[c] = true
	size := len(room)
	metrics.ActiveRooms.Set(float64(len(h.rooms)))
	h.mu.Unlock()

	h.log.Info("ws.joined", "sessionId", p.SessionID, "role", p.Role, "connectionId", c.id, "roomSize", size)

	// A joining host gets the current state replayed, and only that host.
	// Rejoining is idempotent: the replay happens again, nothing else does.
	if p.Role == protocol.RoleHost {
		if st, ok := h.store.Snapshot(p.SessionID); ok {
			h.sendEvent(c, protocol.EventSessionState, snapshotPayload(p.SessionID, st))
		}
	}

	h.broadcastEvent(p.SessionID, c, protocol.EventUserJoined, protocol.UserJoined{
		ConnectionID: c.id,
		UserID:       c.userID,
		Role:         p.Role,
	})
}

func (h *Hub) handleCodeUpdate(c *Client, env *protocol.Envelope) {
	var p protocol.CodeUpdate
	if err := env.Unmarshal(&p); err != nil {
		h.reject(c, err)
		return
	}
	if err := protocol.Authorize(env.Event, p.SenderRole); err != nil {
		h.reject(c, err)
		return
	}
	if err := protocol.Validate(&p); err != nil {
		h.reject(c, err)
		return
	}

	h.store.SetCode(p.SessionID, p.Code, p.Language)
	h.broadcastEvent(p.SessionID, c, protocol.EventCodeUpdate, protocol.CodeUpdate{
		SessionID: p.SessionID,
		Code:      p.Code,
		Language:  p.Language,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (h *Hub) handleLanguageUpdate(c *Client, env *protocol.Envelope) {
	var p protocol.LanguageUpdate
	if err := env.Unmarshal(&p); err != nil {
		h.reject(c, err)
		return
	}
	if err := protocol.Authorize(env.Event, p.SenderRole); err != nil {
		h.reject(c, err)
		return
	}
	if err := protocol.Validate(&p); err != nil {
		h.reject(c, err)
		return
	}

	h.store.SetLanguage(p.SessionID, p.Language)
	h.broadcastEvent(p.SessionID, c, protocol.EventLanguageUpdate, protocol.LanguageUpdate{
		SessionID: p.SessionID,
		Language:  p.Language,
		Timestamp: time.Now().UnixMilli(),
	})
}

// Typing indicators are best-effort: bad ones are dropped without an error
// echo and nothing is stored.
func (h *Hub) handleTyping(c *Client, env *protocol.Envelope) {
	var p protocol.Typing
	if err := env.Unmarshal(&p); err != nil {
		return
	}
	if protocol.Authorize(env.Event, p.SenderRole) != nil || p.SessionID == "" {
		metrics.EventsRejected.WithLabelValues("typing_dropped").Inc()
		return
	}

	h.broadcastEvent(p.SessionID, c, protocol.EventTyping, protocol.Typing{SessionID: p.SessionID})
}

func (h *Hub) handleRunResult(c *Client, env *protocol.Envelope) {
	var p protocol.RunResult
	if err := env.Unmarshal(&p); err != nil {
		h.reject(c, err)
		return
	}
	if err := protocol.Authorize(env.Event, p.SenderRole); err != nil {
		h.reject(c, err)
		return
	}
	if err := protocol.Validate(&p); err != nil {
		h.reject(c, err)
		return
	}

	h.store.SetOutput(p.SessionID, p.Output)
	h.broadcastEvent(p.SessionID, c, protocol.EventRunResult, protocol.RunResult{
		SessionID: p.SessionID,
		Output:    p.Output,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (h *Hub) handleLeave(c *Client, env *protocol.Envelope) {
	var p protocol.LeaveSession
	if err := env.Unmarshal(&p); err != nil {
		return
	}
	if p.SessionID == "" || p.SessionID != c.sessionID {
		return
	}

	h.mu.Lock()
	h.removeFromRoomLocked(c)
	c.sessionID = ""
	c.role = ""
	metrics.ActiveRooms.Set(float64(len(h.rooms)))
	h.mu.Unlock()

	h.log.Info("ws.left", "sessionId", p.SessionID, "connectionId", c.id)
}

// End-session clears residual state so a future join sees a blank session.
// Room members stay connected.
func (h *Hub) handleEndSession(c *Client, env *protocol.Envelope) {
	var p protocol.EndSession
	if err := env.Bind(&p); err != nil {
		h.reject(c, err)
		return
	}

	h.store.End(p.SessionID)
	h.log.Info("session.ended", "sessionId", p.SessionID)

	if h.bus != nil {
		h.publish(p.SessionID, protocol.EventEndSession, protocol.EndSession{SessionID: p.SessionID})
	}
}

// handleBusMessage applies a broadcast accepted by another instance: mirror
// the store mutation locally, then fan out to local room members. Origin
// filtering stops echo loops.
func (h *Hub) handleBusMessage(m BusMessage) {
	if m.Origin == h.instanceID {
		return
	}
	env, err := protocol.Decode(m.Payload)
	if err != nil {
		h.log.Warn("ws.bus.malformed", "err", err)
		return
	}

	switch env.Event {
	case protocol.EventCodeUpdate:
		var p protocol.CodeUpdate
		if env.Unmarshal(&p) == nil {
			h.store.SetCode(p.SessionID, p.Code, p.Language)
		}
	case protocol.EventLanguageUpdate:
		var p protocol.LanguageUpdate
		if env.Unmarshal(&p) == nil {
			h.store.SetLanguage(p.SessionID, p.Language)
		}
	case protocol.EventRunResult:
		var p protocol.RunResult
		if env.Unmarshal(&p) == nil {
			h.store.SetOutput(p.SessionID, p.Output)
		}
	case protocol.EventEndSession:
		h.store.End(m.SessionID)
		return
	}

	h.deliver(m.SessionID, nil, m.Payload, env.Event)
}

// reject echoes an error to the offending connection only. The connection
// stays usable for subsequent valid events.
func (h *Hub) reject(c *Client, err error) {
	reason := "validation"
	if _, ok := err.(*protocol.AuthorizationError); ok {
		reason = "authorization"
	}
	metrics.EventsRejected.WithLabelValues(reason).Inc()
	h.log.Warn("ws.rejected", "connectionId", c.id, "reason", reason, "err", err)
	h.sendEvent(c, protocol.EventError, protocol.ErrorMessage{Message: err.Error()})
}

// broadcastEvent fans data out to every room member except the sender, and
// republishes on the bus for other instances.
func (h *Hub) broadcastEvent(sessionID string, sender *Client, event string, data any) {
	payload, err := protocol.Encode(event, data)
	if err != nil {
		h.log.Error("ws.encode", "event", event, "err", err)
		return
	}
	h.deliver(sessionID, sender, payload, event)
	if h.bus != nil && event != protocol.EventUserJoined {
		h.publishRaw(sessionID, payload)
	}
}

func (h *Hub) publish(sessionID, event string, data any) {
	payload, err := protocol.Encode(event, data)
	if err != nil {
		return
	}
	h.publishRaw(sessionID, payload)
}

func (h *Hub) publishRaw(sessionID string, payload []byte) {
	msg := BusMessage{Origin: h.instanceID, SessionID: sessionID, Payload: payload}
	if err := h.bus.Publish(context.Background(), msg); err != nil {
		h.log.Warn("ws.bus.publish", "sessionId", sessionID, "err", err)
	}
}

// deliver queues payload on each recipient without blocking. A receiver whose
// queue is full is disconnected; it will get a fresh snapshot on rejoin,
// which beats staying silently behind forever.
func (h *Hub) deliver(sessionID string, sender *Client, payload []byte, event string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room := h.rooms[sessionID]
	for client := range room {
		if client == sender {
			continue
		}
		select {
		case client.send <- payload:
			metrics.BroadcastsSent.WithLabelValues(event).Inc()
		default:
			delete(room, client)
			delete(h.clients, client)
			close(client.send)
			metrics.SlowClientsDropped.Inc()
			metrics.ActiveConnections.Dec()
			h.log.Warn("ws.slow_client_dropped", "connectionId", client.id, "sessionId", sessionID)
		}
	}
	if len(room) == 0 {
		delete(h.rooms, sessionID)
		metrics.ActiveRooms.Set(float64(len(h.rooms)))
	}
}

func (h *Hub) sendEvent(c *Client, event string, data any) {
	payload, err := protocol.Encode(event, data)
	if err != nil {
		h.log.Error("ws.encode", "event", event, "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[c] {
		return
	}
	select {
	case c.send <- payload:
	default:
		h.removeFromRoomLocked(c)
		delete(h.clients, c)
		close(c.send)
		metrics.SlowClientsDropped.Inc()
		metrics.ActiveConnections.Dec()
	}
}

// dropClient finalizes a disconnect: out of every room, send queue closed.
// No peer-left broadcast; clients tolerate silent disappearance.
func (h *Hub) dropClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.clients[c] {
		return // already evicted as a slow receiver
	}
	delete(h.clients, c)
	h.removeFromRoomLocked(c)
	close(c.send)
	metrics.ActiveConnections.Dec()
	metrics.ActiveRooms.Set(float64(len(h.rooms)))
	h.log.Debug("ws.disconnected", "connectionId", c.id, "role", c.role, "remaining", len(h.clients))
}

func (h *Hub) removeFromRoomLocked(c *Client) {
	if c.sessionID == "" {
		return
	}
	if room, ok := h.rooms[c.sessionID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, c.sessionID)
		}
	}
}

func snapshotPayload(sessionID string, st session.State) protocol.SessionState {
	code, lang := st.Code, st.Language
	out := st.Output
	if out == nil {
		out = []byte("null")
	}
	return protocol.SessionState{
		SessionID: sessionID,
		Code:      &code,
		Language:  &lang,
		Output:    out,
	}
}

// Stats accessors for the HTTP API

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// RoomSizes maps each active session id to its member count.
func (h *Hub) RoomSizes() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sizes := make(map[string]int, len(h.rooms))
	for id, room := range h.rooms {
		sizes[id] = len(room)
	}
	return sizes
}
