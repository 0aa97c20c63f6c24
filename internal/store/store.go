// Package store holds the client-side conversation and message state.
//
// Writes are optimistic: a question is visible the moment it is asked under a
// provisional id, and the id issued by the backend is swapped in later without
// moving the message.
package store

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/langgraph-chat/internal/model"
	"github.com/capitalize-ai/langgraph-chat/pkg/logger"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrInvalidFeedback      = errors.New("invalid feedback value")
	ErrIDConflict           = errors.New("message id already in use")
)

// ProvisionalSuffix marks client-generated message ids.
const ProvisionalSuffix = "-user"

// ChangeKind identifies what a Change touched.
type ChangeKind string

const (
	ConversationsChanged ChangeKind = "conversations"
	ConversationUpdated  ChangeKind = "conversation"
	MessageAdded         ChangeKind = "message_added"
	MessageUpdated       ChangeKind = "message_updated"
	MessageReplaced      ChangeKind = "message_replaced"
	MessageReconciled    ChangeKind = "message_reconciled"
	TypingChanged        ChangeKind = "typing"
	Cleared              ChangeKind = "cleared"
)

// Change is delivered to observers after every mutation.
type Change struct {
	Kind           ChangeKind
	ConversationID string
	MessageID      string
}

// Store is the in-memory state of conversations and messages. Read methods
// return copies; the store's own message objects never escape.
type Store struct {
	mu            sync.RWMutex
	conversations []*model.Conversation // newest first
	byID          map[string]*model.Conversation
	current       string
	typing        map[string]string

	observers []func(Change)
	logger    *logger.Logger
}

// New creates an empty store.
func New(log *logger.Logger) *Store {
	return &Store{
		byID:   make(map[string]*model.Conversation),
		typing: make(map[string]string),
		logger: log.OrNop(),
	}
}

// Subscribe registers fn to be called after each mutation. fn runs outside
// the store lock and may read from the store.
func (s *Store) Subscribe(fn func(Change)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

func (s *Store) notify(changes ...Change) {
	s.mu.RLock()
	observers := append([]func(Change){}, s.observers...)
	s.mu.RUnlock()

	for _, c := range changes {
		for _, fn := range observers {
			fn(c)
		}
	}
}

// CreateConversation inserts conv at the top of the list and makes it current.
func (s *Store) CreateConversation(conv *model.Conversation) {
	c := cloneConversation(conv)

	s.mu.Lock()
	if old, ok := s.byID[c.ID]; ok {
		s.conversations = removeConversation(s.conversations, old)
	}
	s.conversations = append([]*model.Conversation{c}, s.conversations...)
	s.byID[c.ID] = c
	s.current = c.ID
	s.mu.Unlock()

	s.notify(Change{Kind: ConversationsChanged, ConversationID: c.ID})
}

// SetConversations replaces the conversation list with a server listing.
// Messages already loaded for a conversation are kept.
func (s *Store) SetConversations(convs []*model.Conversation) {
	s.mu.Lock()
	next := make([]*model.Conversation, 0, len(convs))
	byID := make(map[string]*model.Conversation, len(convs))
	for _, conv := range convs {
		c := cloneConversation(conv)
		if old, ok := s.byID[c.ID]; ok && len(c.Messages) == 0 {
			c.Messages = old.Messages
		}
		next = append(next, c)
		byID[c.ID] = c
	}
	s.conversations = next
	s.byID = byID
	if _, ok := byID[s.current]; !ok {
		s.current = ""
	}
	s.mu.Unlock()

	s.notify(Change{Kind: ConversationsChanged})
}

// Conversations returns the conversation list without messages.
func (s *Store) Conversations() []model.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Conversation, len(s.conversations))
	for i, c := range s.conversations {
		out[i] = model.Conversation{ID: c.ID, Title: c.Title, CreatedAt: c.CreatedAt}
	}
	return out
}

// Conversation returns a copy of the conversation with its messages.
func (s *Store) Conversation(id string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return cloneConversation(c), nil
}

// SetCurrent selects the current conversation.
func (s *Store) SetCurrent(id string) error {
	s.mu.Lock()
	if _, ok := s.byID[id]; !ok {
		s.mu.Unlock()
		return ErrConversationNotFound
	}
	s.current = id
	s.mu.Unlock()

	s.notify(Change{Kind: ConversationUpdated, ConversationID: id})
	return nil
}

// Current returns the id of the current conversation, or "".
func (s *Store) Current() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// SetMessages replaces the messages of a conversation with a server listing.
func (s *Store) SetMessages(conversationID string, msgs []*model.Message) error {
	s.mu.Lock()
	c, ok := s.byID[conversationID]
	if !ok {
		s.mu.Unlock()
		return ErrConversationNotFound
	}
	c.Messages = cloneMessages(msgs)
	s.mu.Unlock()

	s.notify(Change{Kind: ConversationUpdated, ConversationID: conversationID})
	return nil
}

// Messages returns copies of the messages of a conversation, in order.
func (s *Store) Messages(conversationID string) ([]*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return cloneMessages(c.Messages), nil
}

// Message returns a copy of the message with the given id.
func (s *Store) Message(id string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, m, _ := s.find(id)
	if m == nil {
		return nil, ErrMessageNotFound
	}
	return m.Clone(), nil
}

// AddProvisional appends a question under a client-generated id and returns
// that id. The message is visible before any backend round trip.
func (s *Store) AddProvisional(conversationID, text string) (string, error) {
	id := uuid.Must(uuid.NewV7()).String() + ProvisionalSuffix
	msg := &model.Message{
		ID:             id,
		ConversationID: conversationID,
		Role:           model.RoleUser,
		Question:       text,
		CreatedAt:      time.Now(),
	}

	s.mu.Lock()
	c, ok := s.byID[conversationID]
	if !ok {
		s.mu.Unlock()
		return "", ErrConversationNotFound
	}
	c.Messages = append(c.Messages, msg)
	s.mu.Unlock()

	s.notify(Change{Kind: MessageAdded, ConversationID: conversationID, MessageID: id})
	return id, nil
}

// ReconcileID swaps a provisional id for the backend id. The message keeps
// its position and object; only ID and BackendID change.
func (s *Store) ReconcileID(provisionalID string, backendID int64) (string, error) {
	permanentID := strconv.FormatInt(backendID, 10)

	s.mu.Lock()
	c, m, _ := s.find(provisionalID)
	if m == nil {
		s.mu.Unlock()
		return "", fmt.Errorf("reconcile %s: %w", provisionalID, ErrMessageNotFound)
	}
	if provisionalID != permanentID && c.MessageIndex(permanentID) >= 0 {
		s.mu.Unlock()
		return "", fmt.Errorf("reconcile %s to %s: %w", provisionalID, permanentID, ErrIDConflict)
	}
	m.ID = permanentID
	m.BackendID = &backendID
	convID := c.ID
	s.mu.Unlock()

	s.logger.Debug("message id reconciled",
		zap.String("conversation_id", convID),
		zap.String("provisional_id", provisionalID),
		zap.String("message_id", permanentID),
	)
	s.notify(Change{Kind: MessageReconciled, ConversationID: convID, MessageID: permanentID})
	return permanentID, nil
}

// SetFeedback applies toggle semantics: submitting the value the message
// already has clears it. The message object is replaced at the same index.
// It returns the previous value for rollback.
func (s *Store) SetFeedback(messageID string, value model.Feedback) (model.Feedback, error) {
	if !value.Valid() {
		return model.FeedbackNone, fmt.Errorf("%w: %q", ErrInvalidFeedback, value)
	}

	var previous model.Feedback
	err := s.replace(messageID, func(m *model.Message) {
		previous = m.Feedback
		if m.Feedback == value {
			m.Feedback = model.FeedbackNone
		} else {
			m.Feedback = value
		}
	})
	return previous, err
}

// RestoreFeedback puts back a value returned by SetFeedback.
func (s *Store) RestoreFeedback(messageID string, previous model.Feedback) error {
	return s.replace(messageID, func(m *model.Message) {
		m.Feedback = previous
	})
}

// AppendAnswerChunk appends streamed text to the message answer.
func (s *Store) AppendAnswerChunk(conversationID, messageID, chunk string) error {
	return s.update(conversationID, messageID, func(m *model.Message) {
		m.Ans += chunk
	})
}

// SetFinalAnswer sets the message answer and clears the live typing text.
func (s *Store) SetFinalAnswer(conversationID, messageID, ans string) error {
	err := s.update(conversationID, messageID, func(m *model.Message) {
		m.Ans = ans
	})
	if err != nil {
		return err
	}
	s.PublishTyping(conversationID, "")
	return nil
}

// SetQMode records the pipeline a question was sent to.
func (s *Store) SetQMode(conversationID, messageID string, mode model.QMode) error {
	return s.update(conversationID, messageID, func(m *model.Message) {
		m.QMode = mode
	})
}

// SetImage records the analysis image of an exchange.
func (s *Store) SetImage(conversationID, messageID, url string) error {
	return s.update(conversationID, messageID, func(m *model.Message) {
		m.Image = url
	})
}

// PublishTyping sets the live typing text of a conversation.
func (s *Store) PublishTyping(conversationID, text string) {
	s.mu.Lock()
	if text == "" {
		delete(s.typing, conversationID)
	} else {
		s.typing[conversationID] = text
	}
	s.mu.Unlock()

	s.notify(Change{Kind: TypingChanged, ConversationID: conversationID})
}

// Typing returns the live typing text of a conversation.
func (s *Store) Typing(conversationID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.typing[conversationID]
}

// UpdateTitle renames a conversation.
func (s *Store) UpdateTitle(conversationID, title string) error {
	s.mu.Lock()
	c, ok := s.byID[conversationID]
	if !ok {
		s.mu.Unlock()
		return ErrConversationNotFound
	}
	c.Title = title
	s.mu.Unlock()

	s.notify(Change{Kind: ConversationUpdated, ConversationID: conversationID})
	return nil
}

// RemoveConversation drops a conversation.
func (s *Store) RemoveConversation(conversationID string) {
	s.mu.Lock()
	c, ok := s.byID[conversationID]
	if ok {
		s.conversations = removeConversation(s.conversations, c)
		delete(s.byID, conversationID)
		delete(s.typing, conversationID)
		if s.current == conversationID {
			s.current = ""
		}
	}
	s.mu.Unlock()

	if ok {
		s.notify(Change{Kind: ConversationsChanged, ConversationID: conversationID})
	}
}

// Clear drops all state. It is wired to the auth session's clear hook.
func (s *Store) Clear() {
	s.mu.Lock()
	s.conversations = nil
	s.byID = make(map[string]*model.Conversation)
	s.typing = make(map[string]string)
	s.current = ""
	s.mu.Unlock()

	s.notify(Change{Kind: Cleared})
}

// find locates a message by id. Called with s.mu held.
func (s *Store) find(messageID string) (*model.Conversation, *model.Message, int) {
	for _, c := range s.conversations {
		if i := c.MessageIndex(messageID); i >= 0 {
			return c, c.Messages[i], i
		}
	}
	return nil, nil, -1
}

// update mutates a message of a conversation in place.
func (s *Store) update(conversationID, messageID string, fn func(*model.Message)) error {
	s.mu.Lock()
	c, ok := s.byID[conversationID]
	if !ok {
		s.mu.Unlock()
		return ErrConversationNotFound
	}
	i := c.MessageIndex(messageID)
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", messageID, ErrMessageNotFound)
	}
	fn(c.Messages[i])
	s.mu.Unlock()

	s.notify(Change{Kind: MessageUpdated, ConversationID: conversationID, MessageID: messageID})
	return nil
}

// replace applies fn to a copy of the message and swaps the copy in at the
// same index.
func (s *Store) replace(messageID string, fn func(*model.Message)) error {
	s.mu.Lock()
	c, m, i := s.find(messageID)
	if m == nil {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", messageID, ErrMessageNotFound)
	}
	next := m.Clone()
	fn(next)
	c.Messages[i] = next
	convID := c.ID
	s.mu.Unlock()

	s.notify(Change{Kind: MessageReplaced, ConversationID: convID, MessageID: messageID})
	return nil
}

func cloneConversation(c *model.Conversation) *model.Conversation {
	out := *c
	out.Messages = cloneMessages(c.Messages)
	return &out
}

func cloneMessages(msgs []*model.Message) []*model.Message {
	if msgs == nil {
		return nil
	}
	out := make([]*model.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

func removeConversation(list []*model.Conversation, target *model.Conversation) []*model.Conversation {
	out := list[:0:0]
	for _, c := range list {
		if c != target {
			out = append(out, c)
		}
	}
	return out
}
