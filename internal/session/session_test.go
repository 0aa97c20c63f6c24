package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/capitalize-ai/langgraph-chat/internal/api"
	"github.com/capitalize-ai/langgraph-chat/internal/auth"
	"github.com/capitalize-ai/langgraph-chat/internal/events"
	"github.com/capitalize-ai/langgraph-chat/internal/model"
	"github.com/capitalize-ai/langgraph-chat/internal/stage"
	"github.com/capitalize-ai/langgraph-chat/internal/store"
	"github.com/capitalize-ai/langgraph-chat/internal/testbackend"
	"github.com/capitalize-ai/langgraph-chat/pkg/logger"
)

const waitFor = 5 * time.Second

type harness struct {
	backend   *testbackend.Backend
	store     *store.Store
	guard     *store.Guard
	auth      *auth.Session
	publisher *events.Memory
	logs      *observer.ObservedLogs
	manager   *Manager
	convID    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	b := testbackend.New(testbackend.Options{})
	t.Cleanup(b.Close)

	authSession := auth.NewSession()
	require.NoError(t, authSession.Authenticate(b.Token("alice", time.Hour)))

	client, err := api.New(api.Config{BaseURL: b.URL(), Timeout: 5 * time.Second}, authSession, nil)
	require.NoError(t, err)

	s := store.New(nil)
	convID := strconv.FormatInt(b.AddConversation("New conversation"), 10)
	s.CreateConversation(&model.Conversation{ID: convID, Title: "New conversation"})

	core, logs := observer.New(zapcore.DebugLevel)
	h := &harness{
		backend:   b,
		store:     s,
		guard:     store.NewGuard(time.Minute),
		auth:      authSession,
		publisher: &events.Memory{},
		logs:      logs,
		convID:    convID,
	}
	h.manager = NewManager(Config{
		Backend:   client,
		Store:     s,
		Guard:     h.guard,
		Publisher: h.publisher,
		Logger:    &logger.Logger{Logger: zap.New(core)},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = h.manager.Shutdown(ctx)
	})
	return h
}

func (h *harness) ask(t *testing.T, text string) *Session {
	t.Helper()
	s, err := h.manager.Start(context.Background(), Request{ConversationID: h.convID, Text: text})
	require.NoError(t, err)
	return s
}

func wait(t *testing.T, s *Session) error {
	t.Helper()
	select {
	case <-s.Done():
		return s.Err()
	case <-time.After(waitFor):
		t.Fatalf("session %s did not finish, state %s", s.ID, s.State())
		return nil
	}
}

func (h *harness) message(t *testing.T, id string) *model.Message {
	t.Helper()
	m, err := h.store.Message(id)
	require.NoError(t, err)
	return m
}

func backendID(t *testing.T, s *Session) int64 {
	t.Helper()
	id, err := strconv.ParseInt(s.MessageID(), 10, 64)
	require.NoError(t, err, "message id %q is not a backend id", s.MessageID())
	return id
}

func pipeline(w *testbackend.StreamWriter, _ testbackend.StreamRequest) {
	w.Stage("A", "completed", map[string]any{"question": "What drove churn?"})
	w.Stage("B", "started", nil)
	w.Stage("B", "completed", map[string]any{"keywords": []string{"churn", "retention strategy"}})
	w.Stage("C", "started", nil)
	w.Stage("C", "completed", map[string]any{"search_results": []map[string]any{
		{"document_name": "q3-report.pdf"},
		{"res_payload": map[string]any{"document_name": "survey.xlsx"}},
	}})
	w.Event(map[string]any{"heartbeat": true})
	w.Stage("E", "started", nil)
	w.Stage("E", "streaming", map[string]any{"content": "Pricing "})
	w.Stage("E", "streaming", map[string]any{"content": "changes."})
	w.Stage("DONE", "", map[string]any{"response": map[string]any{"analysis_image_url": "/img/churn.png"}})
}

func TestSession_FirstQuestion(t *testing.T) {
	h := newHarness(t)
	h.backend.OnLangGraph(pipeline)

	var seen []stage.Stage
	var heartbeats int
	s, err := h.manager.Start(context.Background(), Request{
		ConversationID: h.convID,
		Text:           "What drove churn?",
		OnEvent: func(ev stage.Event) {
			if _, ok := ev.(stage.HeartbeatEvent); ok {
				heartbeats++
			}
			seen = append(seen, ev.Stage())
		},
	})
	require.NoError(t, err)
	assert.Equal(t, ModeFirst, s.Mode)

	require.NoError(t, wait(t, s))
	assert.Equal(t, model.SessionDone, s.State())
	assert.False(t, s.Aborted())
	assert.Zero(t, heartbeats)

	msg := h.message(t, s.MessageID())
	assert.False(t, msg.Provisional())
	assert.Equal(t, "Pricing changes.", msg.Ans)
	assert.Equal(t, "/img/churn.png", msg.Image)
	assert.Equal(t, model.QModeSearch, msg.QMode)
	assert.Empty(t, h.store.Typing(h.convID))

	msgs, err := h.store.Messages(h.convID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	id := backendID(t, s)
	row, ok := h.backend.Message(id)
	require.True(t, ok)
	assert.Equal(t, "search", row.QMode)

	calls := h.backend.Completions(id)
	require.Len(t, calls, 1)
	assert.Equal(t, "Pricing changes.", calls[0].AssistantResponse)
	require.NotNil(t, calls[0].Keyword)
	var snapshot model.StageState
	require.NoError(t, json.Unmarshal([]byte(*calls[0].Keyword), &snapshot))
	assert.Equal(t, "Pricing changes.", snapshot.FinalAnswer)
	assert.Equal(t, stage.FinalStep, snapshot.CurrentStep)
	assert.Equal(t, []string{"q3-report.pdf", "survey.xlsx"}, snapshot.ExtractedDBSearchTitle)
	require.Len(t, snapshot.AugmentedKeywords, 2)
	assert.Equal(t, model.CategoryStrategy, snapshot.AugmentedKeywords[1].Category)

	assert.True(t, h.guard.Active(h.convID))
	assert.Equal(t, stage.StageDone, seen[len(seen)-1])
	assert.NotContains(t, seen, stage.Stage(""))

	conv, ok := h.backend.Conversation(mustInt(t, h.convID))
	require.True(t, ok)
	assert.Equal(t, "What drove churn?", conv.Title)

	published := h.publisher.Events()
	require.Len(t, published, 1)
	assert.Equal(t, model.SessionDone, published[0].State)
	assert.Equal(t, s.MessageID(), published[0].MessageID)

	assert.Equal(t, stage.FinalStep, s.Snapshot().CurrentStep)

	completed := h.logs.FilterMessage("session completed").All()
	require.Len(t, completed, 1)
	fields := completed[0].ContextMap()
	assert.Equal(t, h.convID, fields["conversation_id"])
	assert.Equal(t, s.MessageID(), fields["message_id"])
	assert.Equal(t, s.ID, fields["session_id"])
}

func TestSession_SplitFrames(t *testing.T) {
	h := newHarness(t)
	h.backend.OnLangGraph(func(w *testbackend.StreamWriter, _ testbackend.StreamRequest) {
		w.Raw(`data: {"stage":"E","status":"stre`)
		w.Raw("aming\",\"result\":{\"content\":\"안녕\"}}\n")
		w.Raw("\ndata: [DO")
		w.Raw("NE]\n\n")
	})

	s := h.ask(t, "hi")
	require.NoError(t, wait(t, s))
	assert.Equal(t, "안녕", h.message(t, s.MessageID()).Ans)
}

func TestSession_PipelineError(t *testing.T) {
	h := newHarness(t)
	h.backend.OnLangGraph(func(w *testbackend.StreamWriter, _ testbackend.StreamRequest) {
		w.Stage("A", "completed", nil)
		w.Event(map[string]any{"error": "retriever unavailable"})
		w.Stage("E", "streaming", map[string]any{"content": "late"})
		w.Done()
	})

	s := h.ask(t, "q")
	err := wait(t, s)
	assert.ErrorIs(t, err, ErrPipeline)
	assert.Equal(t, model.SessionErrored, s.State())
	assert.Equal(t, "An error occurred: retriever unavailable", h.message(t, s.MessageID()).Ans)
	assert.Empty(t, h.backend.Completions(backendID(t, s)))
	assert.False(t, h.guard.Active(h.convID))
}

func TestSession_MalformedEventsAreSkipped(t *testing.T) {
	h := newHarness(t)
	h.backend.OnLangGraph(func(w *testbackend.StreamWriter, _ testbackend.StreamRequest) {
		w.Data("{not json")
		w.Stage("E", "streaming", map[string]any{"content": "ok"})
		w.Done()
	})

	s := h.ask(t, "q")
	require.NoError(t, wait(t, s))
	assert.Equal(t, "ok", h.message(t, s.MessageID()).Ans)
}

func TestSession_EOFAdoptsBufferedAnswer(t *testing.T) {
	h := newHarness(t)
	h.backend.OnLangGraph(func(w *testbackend.StreamWriter, _ testbackend.StreamRequest) {
		w.Stage("E", "streaming", map[string]any{"content": "partial answer"})
	})

	s := h.ask(t, "q")
	require.NoError(t, wait(t, s))
	assert.Equal(t, model.SessionDone, s.State())
	assert.Equal(t, "partial answer", h.message(t, s.MessageID()).Ans)
	require.Len(t, h.backend.Completions(backendID(t, s)), 1)
}

func TestSession_EOFWithoutAnswerIsTruncated(t *testing.T) {
	h := newHarness(t)
	h.backend.OnLangGraph(func(w *testbackend.StreamWriter, _ testbackend.StreamRequest) {
		w.Stage("A", "completed", nil)
	})

	s := h.ask(t, "q")
	assert.ErrorIs(t, wait(t, s), ErrTruncated)
	assert.Equal(t, model.SessionErrored, s.State())
	assert.Contains(t, h.message(t, s.MessageID()).Ans, "An error occurred: ")
}

func TestSession_CancelAborts(t *testing.T) {
	h := newHarness(t)
	h.backend.OnLangGraph(func(w *testbackend.StreamWriter, _ testbackend.StreamRequest) {
		w.Stage("E", "streaming", map[string]any{"content": "thinking"})
		w.Hold()
	})

	s := h.ask(t, "q")
	require.Eventually(t, func() bool {
		return h.store.Typing(h.convID) == "thinking"
	}, waitFor, 10*time.Millisecond)

	assert.True(t, h.manager.Cancel(h.convID))
	err := wait(t, s)
	assert.ErrorIs(t, err, ErrCanceled)
	assert.Equal(t, model.SessionAborted, s.State())
	assert.True(t, s.Aborted())

	msg := h.message(t, s.MessageID())
	assert.NotContains(t, msg.Ans, "An error occurred")
	assert.Empty(t, h.store.Typing(h.convID))
	assert.Empty(t, h.backend.Completions(backendID(t, s)))
	assert.Nil(t, h.manager.Active(h.convID))
	assert.False(t, h.manager.Cancel(h.convID))

	published := h.publisher.Events()
	require.Len(t, published, 1)
	assert.Equal(t, model.SessionAborted, published[0].State)
}

func TestSession_CancelWhilePreparing(t *testing.T) {
	h := newHarness(t)
	h.backend.SlowPrepare(time.Minute)
	h.backend.OnLangGraph(pipeline)

	s := h.ask(t, "q")
	require.Eventually(t, func() bool {
		return s.State() == model.SessionPreparing
	}, waitFor, 10*time.Millisecond)

	assert.True(t, h.manager.Cancel(h.convID))
	err := wait(t, s)
	assert.ErrorIs(t, err, ErrCanceled)
	assert.Equal(t, model.SessionAborted, s.State())
	assert.True(t, s.Aborted())

	msg := h.message(t, s.MessageID())
	assert.True(t, msg.Provisional())
	assert.NotContains(t, msg.Ans, "An error occurred")
	assert.Empty(t, h.backend.Streams())

	published := h.publisher.Events()
	require.Len(t, published, 1)
	assert.Equal(t, model.SessionAborted, published[0].State)
}

func TestSession_NewQuestionSupersedes(t *testing.T) {
	h := newHarness(t)
	h.backend.OnLangGraph(func(w *testbackend.StreamWriter, req testbackend.StreamRequest) {
		if req.Question == "slow" {
			w.Stage("A", "started", nil)
			w.Hold()
			return
		}
		w.Stage("E", "completed", map[string]any{"answer": "fast answer"})
		w.Done()
	})

	first := h.ask(t, "slow")
	require.Eventually(t, func() bool {
		return first.State() == model.SessionStreaming
	}, waitFor, 10*time.Millisecond)

	second, err := h.manager.Start(context.Background(), Request{ConversationID: h.convID, Text: "fast", Mode: ModeFirst})
	require.NoError(t, err)

	assert.ErrorIs(t, wait(t, first), ErrSuperseded)
	assert.Equal(t, model.SessionAborted, first.State())
	require.NoError(t, wait(t, second))
	assert.Equal(t, "fast answer", h.message(t, second.MessageID()).Ans)
	assert.Empty(t, h.message(t, first.MessageID()).Ans)
}

func TestSession_FollowUpEventStream(t *testing.T) {
	h := newHarness(t)
	h.backend.OnLangGraph(pipeline)
	h.backend.OnFollowUp(false, func(w *testbackend.StreamWriter, _ testbackend.StreamRequest) {
		w.Event(map[string]string{"content": "Because "})
		w.Data("garbage")
		w.Event(map[string]string{"content": "of pricing."})
		w.Done()
	})

	first := h.ask(t, "What drove churn?")
	require.NoError(t, wait(t, first))

	s := h.ask(t, "Why?")
	assert.Equal(t, ModeFollowUp, s.Mode)
	require.NoError(t, wait(t, s))

	msg := h.message(t, s.MessageID())
	assert.Equal(t, "Because of pricing.", msg.Ans)
	assert.Equal(t, model.QModeAdd, msg.QMode)

	id := backendID(t, s)
	row, ok := h.backend.Message(id)
	require.True(t, ok)
	assert.Equal(t, "add", row.QMode)
	calls := h.backend.Completions(id)
	require.Len(t, calls, 1)
	assert.Equal(t, "Because of pricing.", calls[0].AssistantResponse)

	streams := h.backend.Streams()
	require.Len(t, streams, 2)
	assert.Equal(t, "add", streams[1].QMode)
}

func TestSession_FollowUpFlatText(t *testing.T) {
	h := newHarness(t)
	h.backend.OnFollowUp(true, func(w *testbackend.StreamWriter, _ testbackend.StreamRequest) {
		word := []byte("가나")
		w.Raw("답: " + string(word[:2]))
		w.Raw(string(word[2:]))
	})

	s, err := h.manager.Start(context.Background(), Request{ConversationID: h.convID, Text: "q", Mode: ModeFollowUp})
	require.NoError(t, err)
	require.NoError(t, wait(t, s))
	assert.Equal(t, "답: 가나", h.message(t, s.MessageID()).Ans)
}

func TestSession_FollowUpError(t *testing.T) {
	h := newHarness(t)
	h.backend.OnFollowUp(false, func(w *testbackend.StreamWriter, _ testbackend.StreamRequest) {
		w.Event(map[string]string{"content": "half"})
		w.Event(map[string]string{"error": "model overloaded"})
	})

	s, err := h.manager.Start(context.Background(), Request{ConversationID: h.convID, Text: "q", Mode: ModeFollowUp})
	require.NoError(t, err)
	assert.ErrorIs(t, wait(t, s), ErrPipeline)
	assert.Equal(t, "An error occurred: model overloaded", h.message(t, s.MessageID()).Ans)
}

func TestSession_UnauthorizedClearsAuth(t *testing.T) {
	h := newHarness(t)
	h.backend.Fail("POST /api/conversations/{id}/messages/prepare", http.StatusUnauthorized)

	s := h.ask(t, "q")
	err := wait(t, s)
	assert.True(t, errors.Is(err, auth.ErrUnauthorized))
	assert.Equal(t, model.SessionErrored, s.State())
	assert.Equal(t, auth.StateAnonymous, h.auth.State())

	msg := h.message(t, s.MessageID())
	assert.True(t, msg.Provisional())
	assert.True(t, strings.HasPrefix(msg.Ans, "An error occurred: "))
	assert.Contains(t, msg.Ans, "unauthorized")
}

func TestSession_BackendErrorDetailIsShown(t *testing.T) {
	h := newHarness(t)
	h.backend.Fail("POST /api/langgraph/stream", http.StatusServiceUnavailable)

	s := h.ask(t, "q")
	var httpErr *api.HTTPError
	require.ErrorAs(t, wait(t, s), &httpErr)
	assert.Equal(t, http.StatusServiceUnavailable, httpErr.Status)
	assert.Equal(t, "An error occurred: forced failure on POST /api/langgraph/stream", h.message(t, s.MessageID()).Ans)
}

func TestSession_PersistFailureStillCompletes(t *testing.T) {
	h := newHarness(t)
	h.backend.OnLangGraph(pipeline)
	h.backend.Fail("PUT /api/messages/{id}/complete", http.StatusInternalServerError)

	s := h.ask(t, "q")
	require.NoError(t, wait(t, s))
	assert.Equal(t, model.SessionDone, s.State())
	assert.Equal(t, "Pricing changes.", h.message(t, s.MessageID()).Ans)
}

func TestManager_StartValidation(t *testing.T) {
	h := newHarness(t)

	_, err := h.manager.Start(context.Background(), Request{ConversationID: h.convID, Text: "   "})
	assert.ErrorIs(t, err, ErrEmptyQuestion)

	_, err = h.manager.Start(context.Background(), Request{ConversationID: "missing", Text: "q"})
	assert.ErrorIs(t, err, store.ErrConversationNotFound)
}

func TestModeFor(t *testing.T) {
	assert.Equal(t, ModeFirst, ModeFor(nil))
	assert.Equal(t, ModeFirst, ModeFor([]*model.Message{{Role: model.RoleUser, QMode: model.QModeAdd}}))
	assert.Equal(t, ModeFollowUp, ModeFor([]*model.Message{{Role: model.RoleUser, QMode: model.QModeSearch}}))
}

func TestCompletePrefix(t *testing.T) {
	b := []byte("a가")
	assert.Equal(t, 4, completePrefix(b))
	assert.Equal(t, 1, completePrefix(b[:2]))
	assert.Equal(t, 1, completePrefix(b[:3]))
	assert.Equal(t, 0, completePrefix(nil))
}

func mustInt(t *testing.T, s string) int64 {
	t.Helper()
	n, err := strconv.ParseInt(s, 10, 64)
	require.NoError(t, err)
	return n
}
