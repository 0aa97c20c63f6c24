// Package model defines data structures for the chat client core.
package model

import (
	"time"
)

// Conversation represents a conversation thread as held by the client.
type Conversation struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	CreatedAt time.Time  `json:"created_at"`
	Messages  []*Message `json:"messages,omitempty"`
}

// MessageIndex returns the position of the message with the given id, or -1.
func (c *Conversation) MessageIndex(id string) int {
	for i, m := range c.Messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// TitleFromQuestion derives a conversation title from the first question.
func TitleFromQuestion(question string) string {
	const maxRunes = 50
	r := []rune(question)
	if len(r) <= maxRunes {
		return question
	}
	return string(r[:maxRunes]) + "..."
}
