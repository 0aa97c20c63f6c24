package model

import (
	"strconv"
	"time"
)

// Role represents the role of a message row.
type Role string

const (
	RoleUser Role = "user"
	// RoleAssistant only appears on legacy rows read from the backend.
	RoleAssistant Role = "assistant"
)

// QMode is the question mode recorded by the backend.
type QMode string

const (
	QModeSearch QMode = "search"
	QModeAdd    QMode = "add"
)

// Feedback is the user's rating of an answer.
type Feedback string

const (
	FeedbackNone Feedback = ""
	FeedbackUp   Feedback = "up"
	FeedbackDown Feedback = "down"
)

// Valid reports whether f is one of the known feedback values.
func (f Feedback) Valid() bool {
	return f == FeedbackNone || f == FeedbackUp || f == FeedbackDown
}

// Message is one question/answer exchange. The answer lives in Ans on the
// same row; no separate assistant row is created.
type Message struct {
	// Identity
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	BackendID      *int64 `json:"backend_id,omitempty"`

	// Content
	Role     Role     `json:"role"`
	Question string   `json:"question"`
	Ans      string   `json:"ans,omitempty"`
	Feedback Feedback `json:"feedback,omitempty"`

	// Retrieval metadata (serialized blobs, as persisted by the backend)
	QMode      QMode  `json:"q_mode,omitempty"`
	Keyword    string `json:"keyword,omitempty"`
	DBContents string `json:"db_contents,omitempty"`
	Image      string `json:"image,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a shallow copy of the message.
func (m *Message) Clone() *Message {
	c := *m
	if m.BackendID != nil {
		id := *m.BackendID
		c.BackendID = &id
	}
	return &c
}

// Provisional reports whether the message still carries a client-generated id.
func (m *Message) Provisional() bool {
	return m.BackendID == nil || m.ID != strconv.FormatInt(*m.BackendID, 10)
}

// HasRetrievalMetadata reports whether the row belongs to a retrieval
// augmented (first question) exchange.
func (m *Message) HasRetrievalMetadata() bool {
	return m.QMode == QModeSearch || m.Keyword != "" || m.DBContents != ""
}
