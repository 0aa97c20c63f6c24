package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/langgraph-chat/internal/auth"
	"github.com/capitalize-ai/langgraph-chat/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(nil)
	s.CreateConversation(&model.Conversation{ID: "c1", Title: "first", CreatedAt: time.Now()})
	return s
}

func TestStore_AddProvisionalIsImmediatelyVisible(t *testing.T) {
	s := newTestStore(t)

	var changes []Change
	s.Subscribe(func(c Change) { changes = append(changes, c) })

	id, err := s.AddProvisional("c1", "What is X?")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(id, ProvisionalSuffix))

	msgs, err := s.Messages("c1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.Equal(t, "What is X?", msgs[0].Question)
	assert.True(t, msgs[0].Provisional())

	assert.Equal(t, []Change{{Kind: MessageAdded, ConversationID: "c1", MessageID: id}}, changes)

	_, err = s.AddProvisional("missing", "q")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestStore_ReconcileIDKeepsPositionAndObject(t *testing.T) {
	s := newTestStore(t)
	first, _ := s.AddProvisional("c1", "one")
	target, _ := s.AddProvisional("c1", "two")
	last, _ := s.AddProvisional("c1", "three")

	before := s.byID["c1"].Messages[1]
	require.NoError(t, s.AppendAnswerChunk("c1", target, "partial"))

	id, err := s.ReconcileID(target, 501)
	require.NoError(t, err)
	assert.Equal(t, "501", id)

	msgs := s.byID["c1"].Messages
	require.Len(t, msgs, 3)
	assert.Same(t, before, msgs[1])
	assert.Equal(t, "501", msgs[1].ID)
	require.NotNil(t, msgs[1].BackendID)
	assert.Equal(t, int64(501), *msgs[1].BackendID)
	assert.Equal(t, "two", msgs[1].Question)
	assert.Equal(t, "partial", msgs[1].Ans)
	assert.False(t, msgs[1].Provisional())
	assert.Equal(t, first, msgs[0].ID)
	assert.Equal(t, last, msgs[2].ID)

	_, err = s.ReconcileID(target, 502)
	assert.ErrorIs(t, err, ErrMessageNotFound)

	_, err = s.ReconcileID(first, 501)
	assert.ErrorIs(t, err, ErrIDConflict)
}

func TestStore_FeedbackToggle(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.AddProvisional("c1", "q")

	prev, err := s.SetFeedback(id, model.FeedbackUp)
	require.NoError(t, err)
	assert.Equal(t, model.FeedbackNone, prev)

	prev, err = s.SetFeedback(id, model.FeedbackUp)
	require.NoError(t, err)
	assert.Equal(t, model.FeedbackUp, prev)

	m, err := s.Message(id)
	require.NoError(t, err)
	assert.Equal(t, model.FeedbackNone, m.Feedback)

	_, err = s.SetFeedback(id, model.FeedbackDown)
	require.NoError(t, err)
	prev, err = s.SetFeedback(id, model.FeedbackUp)
	require.NoError(t, err)
	assert.Equal(t, model.FeedbackDown, prev)

	_, err = s.SetFeedback(id, "meh")
	assert.ErrorIs(t, err, ErrInvalidFeedback)
}

func TestStore_FeedbackReplacesObjectInPlace(t *testing.T) {
	s := newTestStore(t)
	s.AddProvisional("c1", "before")
	id, _ := s.AddProvisional("c1", "rated")
	s.AddProvisional("c1", "after")

	old := s.byID["c1"].Messages[1]
	_, err := s.SetFeedback(id, model.FeedbackDown)
	require.NoError(t, err)

	now := s.byID["c1"].Messages[1]
	assert.NotSame(t, old, now)
	assert.Equal(t, id, now.ID)
	assert.Equal(t, model.FeedbackDown, now.Feedback)
	assert.Equal(t, model.FeedbackNone, old.Feedback)
}

func TestStore_AnswerAndTyping(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.AddProvisional("c1", "q")

	require.NoError(t, s.AppendAnswerChunk("c1", id, "Hel"))
	require.NoError(t, s.AppendAnswerChunk("c1", id, "lo"))
	s.PublishTyping("c1", "Hello")
	assert.Equal(t, "Hello", s.Typing("c1"))

	require.NoError(t, s.SetFinalAnswer("c1", id, "Hello!"))
	m, _ := s.Message(id)
	assert.Equal(t, "Hello!", m.Ans)
	assert.Empty(t, s.Typing("c1"))

	assert.ErrorIs(t, s.SetFinalAnswer("c1", "nope", "x"), ErrMessageNotFound)
}

func TestStore_ReadsReturnCopies(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.AddProvisional("c1", "q")

	m, _ := s.Message(id)
	m.Question = "changed"

	again, _ := s.Message(id)
	assert.Equal(t, "q", again.Question)
}

func TestStore_SetConversationsKeepsLoadedMessages(t *testing.T) {
	s := newTestStore(t)
	s.AddProvisional("c1", "q")

	s.SetConversations([]*model.Conversation{
		{ID: "c2", Title: "newer"},
		{ID: "c1", Title: "renamed"},
	})

	assert.Equal(t, "c1", s.Current())
	list := s.Conversations()
	require.Len(t, list, 2)
	assert.Equal(t, "c2", list[0].ID)

	msgs, err := s.Messages("c1")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	s.SetConversations(nil)
	assert.Empty(t, s.Current())
}

func TestStore_ClearAndRemove(t *testing.T) {
	s := newTestStore(t)
	s.CreateConversation(&model.Conversation{ID: "c2"})
	assert.Equal(t, "c2", s.Current())

	s.RemoveConversation("c2")
	assert.Empty(t, s.Current())
	assert.Len(t, s.Conversations(), 1)

	s.Clear()
	assert.Empty(t, s.Conversations())
}

func TestStore_ConcurrentChunks(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.AddProvisional("c1", "q")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.AppendAnswerChunk("c1", id, "x")
			_, _ = s.Messages("c1")
		}()
	}
	wg.Wait()

	m, _ := s.Message(id)
	assert.Len(t, m.Ans, 50)
}

func TestGuard(t *testing.T) {
	g := NewGuard(50 * time.Millisecond)
	assert.False(t, g.Active("c1"))

	g.Mark("c1")
	assert.True(t, g.Active("c1"))
	assert.False(t, g.Active("c2"))

	assert.Eventually(t, func() bool { return !g.Active("c1") }, time.Second, 10*time.Millisecond)
}

type fakeFeedbackClient struct {
	err      error
	calls    []model.Feedback
	onSubmit func()
}

func (f *fakeFeedbackClient) SubmitFeedback(_ context.Context, _ int64, value model.Feedback) error {
	f.calls = append(f.calls, value)
	if f.onSubmit != nil {
		f.onSubmit()
	}
	return f.err
}

type fakeSession struct{ cleared int }

func (f *fakeSession) Clear() { f.cleared++ }

func persistedMessage(t *testing.T, s *Store) string {
	t.Helper()
	id, err := s.AddProvisional("c1", "q")
	require.NoError(t, err)
	id, err = s.ReconcileID(id, 77)
	require.NoError(t, err)
	return id
}

func TestFeedbackService_Toggle(t *testing.T) {
	s := newTestStore(t)
	id := persistedMessage(t, s)
	client := &fakeFeedbackClient{}
	svc := NewFeedbackService(s, client, &fakeSession{}, nil)

	got, err := svc.Submit(context.Background(), id, model.FeedbackUp)
	require.NoError(t, err)
	assert.Equal(t, model.FeedbackUp, got)

	got, err = svc.Submit(context.Background(), id, model.FeedbackUp)
	require.NoError(t, err)
	assert.Equal(t, model.FeedbackNone, got)

	assert.Equal(t, []model.Feedback{model.FeedbackUp, model.FeedbackNone}, client.calls)
}

func TestFeedbackService_RollbackOnFailure(t *testing.T) {
	s := newTestStore(t)
	id := persistedMessage(t, s)
	client := &fakeFeedbackClient{}
	session := &fakeSession{}
	svc := NewFeedbackService(s, client, session, nil)

	_, err := svc.Submit(context.Background(), id, model.FeedbackUp)
	require.NoError(t, err)

	client.err = errors.New("status 500")
	got, err := svc.Submit(context.Background(), id, model.FeedbackDown)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "feedback was not saved")
	assert.Equal(t, model.FeedbackUp, got)

	m, _ := s.Message(id)
	assert.Equal(t, model.FeedbackUp, m.Feedback)
	assert.Zero(t, session.cleared)
}

func TestFeedbackService_UnauthorizedClearsSession(t *testing.T) {
	s := newTestStore(t)
	id := persistedMessage(t, s)
	client := &fakeFeedbackClient{err: fmt.Errorf("submit feedback: %w", auth.ErrUnauthorized)}
	session := &fakeSession{}
	svc := NewFeedbackService(s, client, session, nil)

	_, err := svc.Submit(context.Background(), id, model.FeedbackUp)
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
	assert.Equal(t, 1, session.cleared)
	assert.Len(t, client.calls, 1)

	m, _ := s.Message(id)
	assert.Equal(t, model.FeedbackNone, m.Feedback)
}

func TestFeedbackService_UnauthorizedNotifiesOnce(t *testing.T) {
	s := newTestStore(t)
	id := persistedMessage(t, s)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	session := auth.NewSession()
	require.NoError(t, session.Authenticate(token))
	var cleared int
	session.OnClear(func() { cleared++ })

	// The API client clears the session itself before returning a 401.
	client := &fakeFeedbackClient{
		err:      fmt.Errorf("submit feedback: %w", auth.ErrUnauthorized),
		onSubmit: session.Clear,
	}
	svc := NewFeedbackService(s, client, session, nil)

	_, err = svc.Submit(context.Background(), id, model.FeedbackUp)
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
	assert.Equal(t, 1, cleared)
	assert.Equal(t, auth.StateAnonymous, session.State())
}

func TestFeedbackService_RejectsProvisional(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.AddProvisional("c1", "q")
	client := &fakeFeedbackClient{}
	svc := NewFeedbackService(s, client, nil, nil)

	_, err := svc.Submit(context.Background(), id, model.FeedbackUp)
	assert.ErrorIs(t, err, ErrNotPersisted)
	assert.Empty(t, client.calls)
}
