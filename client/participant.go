package client

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gangaprasad29/remote-interview/backend/internal/protocol"
)

const defaultDebounce = 300 * time.Millisecond

// Participant owns the authoritative local editing state and publishes it.
// Typing is never blocked by the network: local state updates immediately,
// rapid edits are coalesced so only the newest value inside the debounce
// window goes out, and a full resync is pushed exactly once per connection
// establishment so late or rejoining hosts converge on the true state.
type Participant struct {
	conn      Sender
	sessionID string
	log       *slog.Logger

	mu               sync.Mutex
	code             string
	language         string
	lastSentCode     string
	lastSentLanguage string
	debounce         *time.Timer
	debounceDur      time.Duration
	synced           bool // full state pushed on this connection
	starters         map[string]string
}

type ParticipantOption func(*Participant)

func WithDebounce(d time.Duration) ParticipantOption {
	return func(p *Participant) { p.debounceDur = d }
}

// WithStarterCode supplies the per-language starter snippets used when the
// language changes. The problem record that defines them lives outside this
// subsystem, so the caller passes them in.
func WithStarterCode(starters map[string]string) ParticipantOption {
	return func(p *Participant) { p.starters = starters }
}

func WithParticipantLogger(log *slog.Logger) ParticipantOption {
	return func(p *Participant) { p.log = log }
}

func NewParticipant(conn Sender, sessionID, initialCode, initialLanguage string, opts ...ParticipantOption) *Participant {
	if initialLanguage == "" {
		initialLanguage = protocol.DefaultLanguage
	}
	p := &Participant{
		conn:             conn,
		sessionID:        sessionID,
		log:              slog.Default(),
		code:             initialCode,
		language:         initialLanguage,
		lastSentCode:     initialCode,
		lastSentLanguage: initialLanguage,
		debounceDur:      defaultDebounce,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HandleConnect joins the session room and, on the first call per connection
// lifetime, pushes the full current state unconditionally, bypassing the
// unchanged-skip check. Wire it to the connection's OnConnect hook.
func (p *Participant) HandleConnect() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.conn.Send(protocol.EventJoinSession, protocol.JoinSession{
		SessionID: p.sessionID,
		Role:      protocol.RoleParticipant,
	}); err != nil {
		p.log.Warn("participant.join", "err", err)
		return
	}

	if p.synced || p.code == "" {
		return
	}
	if err := p.sendCodeLocked(p.code); err != nil {
		p.log.Warn("participant.resync", "err", err)
		return
	}
	if err := p.conn.Send(protocol.EventLanguageUpdate, protocol.LanguageUpdate{
		SessionID:  p.sessionID,
		Language:   p.language,
		SenderRole: protocol.RoleParticipant,
	}); err == nil {
		p.lastSentLanguage = p.language
	}
	p.synced = true
}

// HandleDisconnect re-arms the resync so the next successful connect pushes
// full state again. Wire it to the connection's OnDisconnect hook.
func (p *Participant) HandleDisconnect() {
	p.mu.Lock()
	p.synced = false
	p.mu.Unlock()
}

// OnLocalEdit records a keystroke's result immediately and (re)starts the
// coalescing timer. An edit equal to the last value sent is a no-op on the
// wire; superseded intermediate values never leave the process.
func (p *Participant) OnLocalEdit(newCode string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scheduleCodeLocked(newCode)
}

func (p *Participant) scheduleCodeLocked(newCode string) {
	p.code = newCode
	if newCode == p.lastSentCode {
		return
	}
	if p.debounce == nil {
		p.debounce = time.AfterFunc(p.debounceDur, p.flushCode)
	} else {
		p.debounce.Reset(p.debounceDur)
	}
}

func (p *Participant) flushCode() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.code == p.lastSentCode {
		return
	}
	if !p.conn.Connected() {
		// No retry queue; the resync-on-reconnect path carries the
		// latest value eventually.
		p.log.Debug("participant.edit_not_sent", "reason", "disconnected")
		return
	}
	if err := p.sendCodeLocked(p.code); err != nil {
		p.log.Warn("participant.send_code", "err", err)
	}
}

func (p *Participant) sendCodeLocked(code string) error {
	// Carries the current language, not the last one acknowledged on the
	// wire, so a resync after an offline language change converges in one
	// message.
	err := p.conn.Send(protocol.EventCodeUpdate, protocol.CodeUpdate{
		SessionID:  p.sessionID,
		Code:       code,
		Language:   p.language,
		SenderRole: protocol.RoleParticipant,
	})
	if err != nil {
		return err
	}
	p.lastSentCode = code
	return nil
}

// OnLanguageChange publishes the new language immediately (no debounce) and
// resets the editor to that language's starter code, which then flows through
// the normal coalesced code path.
func (p *Participant) OnLanguageChange(newLanguage string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.language = newLanguage
	var sendErr error
	if newLanguage != p.lastSentLanguage {
		sendErr = p.conn.Send(protocol.EventLanguageUpdate, protocol.LanguageUpdate{
			SessionID:  p.sessionID,
			Language:   newLanguage,
			SenderRole: protocol.RoleParticipant,
		})
		if sendErr == nil {
			p.lastSentLanguage = newLanguage
		} else {
			p.log.Warn("participant.send_language", "err", sendErr)
		}
	}

	if starter, ok := p.starters[newLanguage]; ok {
		p.scheduleCodeLocked(starter)
	}
	return sendErr
}

// SendTyping is fire-and-forget and safe to call per keystroke; the gateway
// and the host side own decay.
func (p *Participant) SendTyping() error {
	return p.conn.Send(protocol.EventTyping, protocol.Typing{
		SessionID:  p.sessionID,
		SenderRole: protocol.RoleParticipant,
	})
}

// SendRunResult publishes an execution result after a local run completes.
func (p *Participant) SendRunResult(output json.RawMessage) error {
	return p.conn.Send(protocol.EventRunResult, protocol.RunResult{
		SessionID:  p.sessionID,
		Output:     output,
		SenderRole: protocol.RoleParticipant,
	})
}

// EndSession clears the gateway's state for this session.
func (p *Participant) EndSession() error {
	return p.conn.Send(protocol.EventEndSession, protocol.EndSession{SessionID: p.sessionID})
}

// Leave exits the room without clearing session state.
func (p *Participant) Leave() error {
	return p.conn.Send(protocol.EventLeaveSession, protocol.LeaveSession{SessionID: p.sessionID})
}

func (p *Participant) Code() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code
}

func (p *Participant) Language() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.language
}

// Close stops any pending coalesced send.
func (p *Participant) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.debounce != nil {
		p.debounce.Stop()
	}
}
