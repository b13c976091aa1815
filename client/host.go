package client

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gangaprasad29/remote-interview/backend/internal/protocol"
)

const defaultTypingDecay = 2 * time.Second

// Host mirrors the participant's state. It is a pure reducer over inbound
// events: nothing here writes to the session, and no send path for mutating
// events exists on this type at all.
type Host struct {
	conn      Sender
	sessionID string
	log       *slog.Logger

	mu          sync.Mutex
	code        string
	language    string
	output      json.RawMessage
	typing      bool
	typingGen   uint64
	typingTimer *time.Timer
	typingDecay time.Duration

	onOutput func(json.RawMessage)
}

type HostOption func(*Host)

func WithTypingDecay(d time.Duration) HostOption {
	return func(h *Host) { h.typingDecay = d }
}

// WithOutputHandler registers the surface that displays run results. Passed
// in at construction so the sync layer has no implicit coupling to the UI.
func WithOutputHandler(fn func(json.RawMessage)) HostOption {
	return func(h *Host) { h.onOutput = fn }
}

func WithHostLogger(log *slog.Logger) HostOption {
	return func(h *Host) { h.log = log }
}

func NewHost(conn Sender, sessionID string, opts ...HostOption) *Host {
	h := &Host{
		conn:        conn,
		sessionID:   sessionID,
		log:         slog.Default(),
		language:    protocol.DefaultLanguage,
		typingDecay: defaultTypingDecay,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleConnect joins the room as host. The gateway replays the current
// snapshot to this connection if state exists.
func (h *Host) HandleConnect() {
	if err := h.conn.Send(protocol.EventJoinSession, protocol.JoinSession{
		SessionID: h.sessionID,
		Role:      protocol.RoleHost,
	}); err != nil {
		h.log.Warn("host.join", "err", err)
	}
}

// HandleEvent applies one inbound event to the mirror. Wire it to the
// connection's OnEvent hook.
func (h *Host) HandleEvent(env *protocol.Envelope) {
	switch env.Event {
	case protocol.EventSessionState:
		h.applySnapshot(env)
	case protocol.EventCodeUpdate:
		h.applyCodeUpdate(env)
	case protocol.EventLanguageUpdate:
		h.applyLanguageUpdate(env)
	case protocol.EventTyping:
		h.applyTyping()
	case protocol.EventRunResult:
		h.applyRunResult(env)
	case protocol.EventError:
		var p protocol.ErrorMessage
		if env.Unmarshal(&p) == nil {
			h.log.Warn("host.server_error", "message", p.Message)
		}
	}
}

// Absent snapshot fields leave the mirror unchanged; the gateway substitutes
// defaults when building snapshots, but that is its business, not ours.
func (h *Host) applySnapshot(env *protocol.Envelope) {
	var p protocol.SessionState
	if err := env.Unmarshal(&p); err != nil {
		h.log.Warn("host.snapshot", "err", err)
		return
	}

	h.mu.Lock()
	if p.Code != nil {
		h.code = *p.Code
	}
	if p.Language != nil {
		h.language = *p.Language
	}
	output := presentOutput(p.Output)
	if output != nil {
		h.output = output
	}
	fn := h.onOutput
	h.mu.Unlock()

	if output != nil && fn != nil {
		fn(output)
	}
}

func (h *Host) applyCodeUpdate(env *protocol.Envelope) {
	var p protocol.CodeUpdate
	if err := env.Unmarshal(&p); err != nil {
		return
	}

	h.mu.Lock()
	h.code = p.Code
	if p.Language != "" {
		h.language = p.Language
	}
	// A fresh code update supersedes the typing indicator
	h.typing = false
	if h.typingTimer != nil {
		h.typingTimer.Stop()
	}
	h.mu.Unlock()
}

func (h *Host) applyLanguageUpdate(env *protocol.Envelope) {
	var p protocol.LanguageUpdate
	if err := env.Unmarshal(&p); err != nil || p.Language == "" {
		return
	}

	h.mu.Lock()
	h.language = p.Language
	h.mu.Unlock()
}

func (h *Host) applyTyping() {
	h.mu.Lock()
	h.typing = true
	// An expired timer's callback may already be waiting on the lock; the
	// generation check stops it from clearing a freshly set indicator.
	h.typingGen++
	gen := h.typingGen
	if h.typingTimer != nil {
		h.typingTimer.Stop()
	}
	h.typingTimer = time.AfterFunc(h.typingDecay, func() {
		h.mu.Lock()
		if h.typingGen == gen {
			h.typing = false
		}
		h.mu.Unlock()
	})
	h.mu.Unlock()
}

func (h *Host) applyRunResult(env *protocol.Envelope) {
	var p protocol.RunResult
	if err := env.Unmarshal(&p); err != nil {
		return
	}
	output := presentOutput(p.Output)
	if output == nil {
		return
	}

	h.mu.Lock()
	h.output = output
	fn := h.onOutput
	h.mu.Unlock()

	if fn != nil {
		fn(output)
	}
}

func (h *Host) Code() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.code
}

func (h *Host) Language() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.language
}

func (h *Host) Output() json.RawMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.output
}

// ParticipantTyping reports the decayed presence indicator.
func (h *Host) ParticipantTyping() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.typing
}

// Leave exits the room.
func (h *Host) Leave() error {
	return h.conn.Send(protocol.EventLeaveSession, protocol.LeaveSession{SessionID: h.sessionID})
}

func (h *Host) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.typingTimer != nil {
		h.typingTimer.Stop()
	}
}

// presentOutput distinguishes a real (possibly null-bearing) result from an
// absent field; literal null is treated as absent.
func presentOutput(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return raw
}
