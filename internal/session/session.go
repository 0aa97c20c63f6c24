// Package session drives one question from submission to a persisted
// answer: provisional message, id reconciliation, answer stream and
// completion.
package session

import (
	"errors"
	"sync"

	"github.com/capitalize-ai/langgraph-chat/internal/api"
	"github.com/capitalize-ai/langgraph-chat/internal/model"
	"github.com/capitalize-ai/langgraph-chat/internal/restore"
	"github.com/capitalize-ai/langgraph-chat/internal/stage"
)

var (
	// ErrSuperseded is the cause of a session canceled by a newer question
	// on the same conversation.
	ErrSuperseded = errors.New("superseded by a newer question")
	// ErrCanceled is the cause of a session canceled by the user.
	ErrCanceled = errors.New("canceled by user")
	// ErrTruncated is returned when a stream ends without completion and
	// without any answer text.
	ErrTruncated = errors.New("stream ended before completion")
	// ErrPipeline wraps an error reported by the backend inside the stream.
	ErrPipeline = errors.New("pipeline error")
	// ErrEmptyQuestion is returned by Start for blank questions.
	ErrEmptyQuestion = errors.New("question is empty")
)

// PipelineError is an error the backend reported inside the stream.
type PipelineError struct {
	Message string
}

func (e *PipelineError) Error() string {
	return "pipeline error: " + e.Message
}

// Is makes errors.Is(err, ErrPipeline) match.
func (e *PipelineError) Is(target error) bool {
	return target == ErrPipeline
}

// Mode selects the backend pipeline of a question.
type Mode string

const (
	// ModeFirst runs the staged retrieval pipeline.
	ModeFirst Mode = "first"
	// ModeFollowUp continues a conversation with a plain LLM answer.
	ModeFollowUp Mode = "followup"
)

// ModeFor picks the mode of the next question from a conversation history.
func ModeFor(messages []*model.Message) Mode {
	if restore.HasRetrievalExchange(messages) {
		return ModeFollowUp
	}
	return ModeFirst
}

func (m Mode) qMode() model.QMode {
	if m == ModeFollowUp {
		return model.QModeAdd
	}
	return model.QModeSearch
}

func (m Mode) route() api.Route {
	if m == ModeFollowUp {
		return api.RouteFollowUp
	}
	return api.RouteLangGraph
}

// Session is one in-flight question.
type Session struct {
	ID             string
	ConversationID string
	Mode           Mode
	Question       string

	mu         sync.RWMutex
	state      model.SessionState
	err        error
	messageID  string
	dispatcher *stage.Dispatcher

	done   chan struct{}
	cancel func(cause error)
}

// State returns the current lifecycle state.
func (s *Session) State() model.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Err returns the terminal error; nil while running and for done sessions.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// MessageID returns the id of the exchange's message: provisional until the
// backend issued one, permanent afterwards.
func (s *Session) MessageID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.messageID
}

// Snapshot returns the staged progress of a first question. It is empty for
// follow-ups and before streaming starts.
func (s *Session) Snapshot() model.StageState {
	s.mu.RLock()
	d := s.dispatcher
	s.mu.RUnlock()
	if d == nil {
		return model.StageState{}
	}
	return d.Snapshot()
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session ends and returns Err.
func (s *Session) Wait() error {
	<-s.done
	return s.Err()
}

// Aborted reports whether the session was canceled.
func (s *Session) Aborted() bool {
	return s.State() == model.SessionAborted
}

func (s *Session) setState(state model.SessionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false
	}
	s.state = state
	return true
}

func (s *Session) setMessageID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messageID = id
}

func (s *Session) setDispatcher(d *stage.Dispatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatcher = d
}

// finish moves the session into a terminal state. Only the first call wins.
func (s *Session) finish(state model.SessionState, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false
	}
	s.state = state
	s.err = err
	return true
}
