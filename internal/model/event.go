package model

import (
	"time"
)

// SessionState is the lifecycle state of a stream session.
type SessionState string

const (
	SessionIdle       SessionState = "idle"
	SessionPreparing  SessionState = "preparing"
	SessionStreaming  SessionState = "streaming"
	SessionFinalizing SessionState = "finalizing"
	SessionDone       SessionState = "done"
	SessionAborted    SessionState = "aborted"
	SessionErrored    SessionState = "errored"
)

// Terminal reports whether no further transition is possible.
func (s SessionState) Terminal() bool {
	return s == SessionDone || s == SessionAborted || s == SessionErrored
}

// SessionEvent is a lifecycle notification published when a session ends.
type SessionEvent struct {
	SessionID      string       `json:"session_id"`
	ConversationID string       `json:"conversation_id"`
	MessageID      string       `json:"message_id,omitempty"`
	State          SessionState `json:"state"`
	Reason         string       `json:"reason,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}
