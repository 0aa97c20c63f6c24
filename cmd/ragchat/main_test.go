package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/capitalize-ai/langgraph-chat/internal/session"
	"github.com/capitalize-ai/langgraph-chat/internal/testbackend"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

type cli struct {
	backend   *testbackend.Backend
	tokenFile string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	b := testbackend.New(testbackend.Options{})
	t.Cleanup(b.Close)

	c := &cli{backend: b, tokenFile: filepath.Join(t.TempDir(), "ragchat", "token")}
	t.Setenv("RAGCHAT_API_URL", b.URL())
	t.Setenv("RAGCHAT_TOKEN_FILE", c.tokenFile)
	t.Setenv("RAGCHAT_TOKEN", "")
	t.Setenv("RAGCHAT_ENV", "production")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("NATS_ENABLED", "false")
	t.Setenv("TRACING_ENABLED", "false")
	t.Setenv("METRICS_ADDR", "")
	return c
}

func (c *cli) login(t *testing.T) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(c.tokenFile), 0o700))
	require.NoError(t, os.WriteFile(c.tokenFile, []byte(c.backend.Token("alice", time.Hour)), 0o600))
}

func (c *cli) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := execute(context.Background(), args, &stdout, &stderr)
	return stdout.String(), err
}

func (c *cli) conversation(title string) string {
	return strconv.FormatInt(c.backend.AddConversation(title), 10)
}

func ptr(s string) *string { return &s }

func pipeline(w *testbackend.StreamWriter, _ testbackend.StreamRequest) {
	w.Stage("A", "started", nil)
	w.Stage("B", "completed", map[string]any{"keywords": []string{"churn", "retention"}})
	w.Stage("C", "started", nil)
	w.Stage("C", "completed", map[string]any{"search_results": []map[string]any{
		{"document_name": "q3-report.pdf"},
		{"document_name": "survey.xlsx"},
	}})
	w.Stage("E", "started", nil)
	w.Stage("E", "streaming", map[string]any{"content": "Pricing "})
	w.Stage("E", "streaming", map[string]any{"content": "changes."})
	w.Stage("DONE", "", map[string]any{"response": map[string]any{"analysis_image_url": "/img/churn.png"}})
}

func TestRoot_Version(t *testing.T) {
	c := newCLI(t)
	out, err := c.run(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "dev")
}

func TestLogin(t *testing.T) {
	c := newCLI(t)
	c.backend.AddUser("alice", "secret")

	_, err := c.run(t, "login", "-u", "alice", "-p", "wrong")
	require.Error(t, err)
	assert.NoFileExists(t, c.tokenFile)

	out, err := c.run(t, "login", "-u", "alice", "-p", "secret")
	require.NoError(t, err)
	assert.Contains(t, out, "Logged in as alice")
	assert.FileExists(t, c.tokenFile)

	c.conversation("Budget review")
	out, err = c.run(t, "conversations")
	require.NoError(t, err)
	assert.Contains(t, out, "Budget review")
}

func TestLogout(t *testing.T) {
	c := newCLI(t)
	c.login(t)

	out, err := c.run(t, "logout")
	require.NoError(t, err)
	assert.Contains(t, out, "Logged out")
	assert.NoFileExists(t, c.tokenFile)
}

func TestConversations_RequireLogin(t *testing.T) {
	c := newCLI(t)
	_, err := c.run(t, "conversations")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not logged in")
}

func TestConversations_Manage(t *testing.T) {
	c := newCLI(t)
	c.login(t)

	out, err := c.run(t, "conversations", "new")
	require.NoError(t, err)
	id := string(bytes.TrimSpace([]byte(out)))
	require.NotEmpty(t, id)

	_, err = c.run(t, "conversations", "rename", id, "Quarterly", "numbers")
	require.NoError(t, err)
	n, _ := strconv.ParseInt(id, 10, 64)
	conv, ok := c.backend.Conversation(n)
	require.True(t, ok)
	assert.Equal(t, "Quarterly numbers", conv.Title)

	_, err = c.run(t, "conversations", "delete", id)
	require.NoError(t, err)
	_, ok = c.backend.Conversation(n)
	assert.False(t, ok)
}

func TestAsk_FirstQuestion(t *testing.T) {
	c := newCLI(t)
	c.login(t)
	c.backend.OnLangGraph(pipeline)
	id := c.conversation("New conversation")

	out, err := c.run(t, "ask", id, "What drove", "churn?")
	require.NoError(t, err)
	assert.Contains(t, out, "searching documents")
	assert.Contains(t, out, "Keywords churn, retention")
	assert.Contains(t, out, "Found 2 documents q3-report.pdf, survey.xlsx")
	assert.Contains(t, out, "Pricing changes.")
	assert.Contains(t, out, "chart: /img/churn.png")

	n, _ := strconv.ParseInt(id, 10, 64)
	conv, ok := c.backend.Conversation(n)
	require.True(t, ok)
	assert.Equal(t, "What drove churn?", conv.Title)
}

func TestAsk_NewConversation(t *testing.T) {
	c := newCLI(t)
	c.login(t)
	c.backend.OnLangGraph(pipeline)

	out, err := c.run(t, "ask", "new", "hello")
	require.NoError(t, err)
	assert.Contains(t, out, "Pricing changes.")
}

func TestAsk_FollowUp(t *testing.T) {
	c := newCLI(t)
	c.login(t)
	id := c.conversation("Churn")
	n, _ := strconv.ParseInt(id, 10, 64)
	c.backend.AddMessage(testbackend.Message{
		ConversationID: n,
		Question:       "What drove churn?",
		Ans:            ptr("Pricing changes."),
		QMode:          "search",
	})
	c.backend.OnFollowUp(false, func(w *testbackend.StreamWriter, _ testbackend.StreamRequest) {
		w.Event(map[string]string{"content": "Mostly "})
		w.Event(map[string]string{"content": "the March increase."})
		w.Done()
	})

	out, err := c.run(t, "ask", id, "Which", "ones?")
	require.NoError(t, err)
	assert.Contains(t, out, "follow-up")
	assert.Contains(t, out, "Mostly the March increase.")
}

func TestAsk_PipelineError(t *testing.T) {
	c := newCLI(t)
	c.login(t)
	c.backend.OnLangGraph(func(w *testbackend.StreamWriter, _ testbackend.StreamRequest) {
		w.Stage("A", "started", nil)
		w.Event(map[string]any{"error": "retriever unavailable"})
	})
	id := c.conversation("New conversation")

	out, err := c.run(t, "ask", id, "q")
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrPipeline)
	assert.Contains(t, out, "An error occurred: retriever unavailable")
}

func TestAsk_InvalidMode(t *testing.T) {
	c := newCLI(t)
	c.login(t)
	_, err := c.run(t, "ask", "--mode", "fast", "1", "q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid mode")
}

func TestRestore(t *testing.T) {
	c := newCLI(t)
	c.login(t)
	id := c.conversation("Churn")
	n, _ := strconv.ParseInt(id, 10, 64)
	msgID := c.backend.AddMessage(testbackend.Message{
		ConversationID: n,
		Question:       "What drove churn?",
		Ans:            ptr("Pricing changes."),
		QMode:          "search",
		Keyword:        ptr(`{"originalInput":"What drove churn?","augmentedKeywords":["churn"],"analysisImageUrl":"/img/churn.png"}`),
		DBContents:     ptr(`[{"document_name":"q3-report.pdf"}]`),
	})

	out, err := c.run(t, "restore", id, "--results")
	require.NoError(t, err)

	var view restoredView
	require.NoError(t, yaml.Unmarshal([]byte(out), &view))
	assert.Equal(t, id, view.Conversation)
	assert.Equal(t, strconv.FormatInt(msgID, 10), view.Message)
	assert.Equal(t, session.ModeFollowUp, view.NextMode)
	assert.Equal(t, "What drove churn?", view.Question)
	assert.Equal(t, "Pricing changes.", view.Answer)
	assert.Equal(t, "/img/churn.png", view.Image)
	assert.Equal(t, []string{"q3-report.pdf"}, view.Documents)
	require.Len(t, view.Keywords, 1)
	assert.Equal(t, "churn", view.Keywords[0].Text)
	assert.Len(t, view.Results, 1)
}

func TestRestore_EmptyConversation(t *testing.T) {
	c := newCLI(t)
	c.login(t)
	id := c.conversation("Empty")

	out, err := c.run(t, "restore", id)
	require.NoError(t, err)

	var view restoredView
	require.NoError(t, yaml.Unmarshal([]byte(out), &view))
	assert.Equal(t, session.ModeFirst, view.NextMode)
	assert.Empty(t, view.Answer)
}

func TestFeedback(t *testing.T) {
	c := newCLI(t)
	c.login(t)
	id := c.conversation("Churn")
	n, _ := strconv.ParseInt(id, 10, 64)
	msgID := c.backend.AddMessage(testbackend.Message{
		ConversationID: n,
		Question:       "What drove churn?",
		Ans:            ptr("Pricing changes."),
	})
	mid := strconv.FormatInt(msgID, 10)

	out, err := c.run(t, "feedback", id, mid, "up")
	require.NoError(t, err)
	assert.Contains(t, out, "Rated message "+mid+" up")

	// The backend now holds "up", so rating up again clears it.
	out, err = c.run(t, "feedback", id, mid, "up")
	require.NoError(t, err)
	assert.Contains(t, out, "Cleared rating")

	sent := c.backend.Feedback(msgID)
	require.Len(t, sent, 2)
	require.NotNil(t, sent[0])
	assert.Equal(t, "up", *sent[0])
	assert.Nil(t, sent[1])
}

func TestFeedback_InvalidRating(t *testing.T) {
	c := newCLI(t)
	c.login(t)
	_, err := c.run(t, "feedback", "1", "2", "meh")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid rating")
}

func TestFeedback_UnknownMessage(t *testing.T) {
	c := newCLI(t)
	c.login(t)
	id := c.conversation("Churn")
	_, err := c.run(t, "feedback", id, "999999", "up")
	assert.Error(t, err)
}

func TestConversations_LoginHint(t *testing.T) {
	c := newCLI(t)
	t.Setenv("RAGCHAT_LOGIN_URL", "https://sso.example.com/login")
	_, err := c.run(t, "conversations")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "https://sso.example.com/login?redirect=%2F")
}
