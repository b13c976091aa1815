package protocol

// ValidationError covers missing or malformed payload fields. It is echoed to
// the offending connection only and never broadcast.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// AuthorizationError covers mutating events sent by the wrong role.
type AuthorizationError struct {
	Message string
}

func (e *AuthorizationError) Error() string { return e.Message }

var (
	ErrSessionRequired = &ValidationError{Message: "Session ID is required"}

	ErrCodeUpdateRole     = &AuthorizationError{Message: "Only participants can send code updates"}
	ErrLanguageUpdateRole = &AuthorizationError{Message: "Only participants can send language updates"}
	ErrRunResultRole      = &AuthorizationError{Message: "Only participants can send code run output"}
	ErrTypingRole         = &AuthorizationError{Message: "Only participants can send typing indicators"}
)

// Authorize is the write-permission policy: a pure function of event name and
// sender role. Every mutating event requires the participant role, which makes
// the host provably read-only at the protocol layer rather than by client
// convention. Non-mutating events are always allowed.
func Authorize(event, senderRole string) error {
	if senderRole == RoleParticipant {
		return nil
	}
	switch event {
	case EventCodeUpdate:
		return ErrCodeUpdateRole
	case EventLanguageUpdate:
		return ErrLanguageUpdateRole
	case EventRunResult:
		return ErrRunResultRole
	case EventTyping:
		return ErrTypingRole
	default:
		return nil
	}
}
