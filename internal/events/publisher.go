// Package events publishes stream session lifecycle notifications so other
// clients of the same user can refresh their conversation lists.
package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/capitalize-ai/langgraph-chat/internal/model"
)

// SubjectPrefix is the prefix of every lifecycle subject.
const SubjectPrefix = "ragchat"

// Publisher publishes session lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, ev model.SessionEvent) error
}

// Subject returns the subject of ev.
func Subject(ev model.SessionEvent) string {
	return fmt.Sprintf("%s.%s.session.%s", SubjectPrefix, ev.ConversationID, ev.State)
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, model.SessionEvent) error { return nil }

// Memory keeps published events in memory.
type Memory struct {
	mu     sync.Mutex
	events []model.SessionEvent
}

// Publish implements Publisher.
func (m *Memory) Publish(_ context.Context, ev model.SessionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// Events returns a copy of the published events.
func (m *Memory) Events() []model.SessionEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.SessionEvent(nil), m.events...)
}
