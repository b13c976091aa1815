package protocol

import (
	"encoding/json"
	"errors"

	"github.com/go-playground/validator/v10"
)

// Event names exchanged over the session socket. These mirror the names the
// editor clients already use, so they must stay stable across versions.
const (
	EventJoinSession    = "join-session"
	EventLeaveSession   = "leave-session"
	EventEndSession     = "session:end"
	EventSessionState   = "session:state"
	EventUserJoined     = "user-joined"
	EventCodeUpdate     = "code:update"
	EventLanguageUpdate = "language:update"
	EventTyping         = "code:typing"
	EventRunResult      = "code:run"
	EventError          = "error"
)

// Connection roles within a session room
const (
	RoleHost        = "host"
	RoleParticipant = "participant"
)

// DefaultLanguage is substituted when a session has never had its
// language set explicitly.
const DefaultLanguage = "javascript"

// Envelope is the wire framing for every event: a name plus a JSON payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type JoinSession struct {
	SessionID string `json:"sessionId" validate:"required"`
	Role      string `json:"role" validate:"required,oneof=host participant"`
}

type LeaveSession struct {
	SessionID string `json:"sessionId"`
}

type EndSession struct {
	SessionID string `json:"sessionId" validate:"required"`
}

// SessionState is the snapshot replayed to a host on join. Pointer fields
// distinguish "absent" from zero values; receivers must leave their mirror
// unchanged for absent fields.
type SessionState struct {
	SessionID string          `json:"sessionId"`
	Code      *string         `json:"code,omitempty"`
	Language  *string         `json:"language,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
}

type UserJoined struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId,omitempty"`
	Role         string `json:"role"`
}

// CodeUpdate doubles as the client request and the room broadcast. An empty
// Language means "not specified"; the stored language is left untouched.
type CodeUpdate struct {
	SessionID  string `json:"sessionId" validate:"required"`
	Code       string `json:"code"`
	Language   string `json:"language,omitempty"`
	SenderRole string `json:"senderRole,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
}

type LanguageUpdate struct {
	SessionID  string `json:"sessionId" validate:"required"`
	Language   string `json:"language" validate:"required"`
	SenderRole string `json:"senderRole,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
}

type Typing struct {
	SessionID  string `json:"sessionId"`
	SenderRole string `json:"senderRole,omitempty"`
}

// RunResult carries an opaque execution result. The payload shape is owned by
// the execution service; the relay never inspects it.
type RunResult struct {
	SessionID  string          `json:"sessionId" validate:"required"`
	Output     json.RawMessage `json:"output"`
	SenderRole string          `json:"senderRole,omitempty"`
	Timestamp  int64           `json:"timestamp,omitempty"`
}

type ErrorMessage struct {
	Message string `json:"message"`
}

// Encode frames an event for the wire.
func Encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// Decode parses a wire frame into an envelope without touching the payload.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	if env.Event == "" {
		return nil, errors.New("event name missing")
	}
	return &env, nil
}

// Unmarshal fills v from the envelope payload without validating it. The
// gateway checks authorization before shape, so the two steps are separate.
func (e *Envelope) Unmarshal(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return &ValidationError{Message: "malformed payload"}
	}
	return nil
}

// Bind unmarshals the envelope payload into v and validates it.
func (e *Envelope) Bind(v any) error {
	if err := e.Unmarshal(v); err != nil {
		return err
	}
	return Validate(v)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks payload struct tags and maps failures onto the protocol's
// client-facing error messages.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		switch fieldErrs[0].Field() {
		case "SessionID":
			return ErrSessionRequired
		case "Role":
			return &ValidationError{Message: "Role must be host or participant"}
		case "Language":
			return &ValidationError{Message: "Language is required"}
		}
	}
	return &ValidationError{Message: "invalid payload"}
}
