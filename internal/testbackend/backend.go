// Package testbackend is an in-process fake of the chat backend used by the
// api and session tests. It speaks the same routes and wire shapes as the
// real service and lets tests script the answer streams.
package testbackend

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/capitalize-ai/langgraph-chat/internal/auth"
	"github.com/capitalize-ai/langgraph-chat/pkg/logger"
)

// Secret signs the tokens issued by the fake.
const Secret = "testbackend-secret"

// Conversation is a stored conversation row.
type Conversation struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is a stored message row, in the backend's wire shape.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	Role           string    `json:"role"`
	Question       string    `json:"question"`
	Ans            *string   `json:"ans"`
	Feedback       *string   `json:"feedback"`
	QMode          string    `json:"q_mode,omitempty"`
	Keyword        *string   `json:"keyword"`
	DBContents     *string   `json:"db_contents"`
	Image          *string   `json:"image"`
	CreatedAt      time.Time `json:"created_at"`
}

// StreamRequest is the decoded body of a stream call.
type StreamRequest struct {
	Question       string          `json:"question"`
	ConversationID json.RawMessage `json:"conversation_id"`
	MessageID      int64           `json:"message_id"`
	QMode          string          `json:"q_mode"`

	// CorrelationID is the id the request was logged under.
	CorrelationID string `json:"-"`
}

// CompleteRequest is the decoded body of a complete call.
type CompleteRequest struct {
	AssistantResponse string  `json:"assistant_response"`
	ImageURL          *string `json:"image_url"`
	Keyword           *string `json:"keyword"`
	DBContents        *string `json:"db_contents"`
	DBSearchTitle     *string `json:"db_search_title"`
}

// StreamFunc writes an answer stream.
type StreamFunc func(w *StreamWriter, req StreamRequest)

// Options configures a Backend.
type Options struct {
	// FeedbackLimit caps feedback calls per user per minute; zero means 100.
	FeedbackLimit int
	Logger        *logger.Logger
}

// Backend is the fake server.
type Backend struct {
	Server *httptest.Server

	mu            sync.Mutex
	nextID        int64
	users         map[string]string
	conversations map[int64]*Conversation
	messages      map[int64]*Message
	order         []int64 // message ids in insertion order
	completions   map[int64][]CompleteRequest
	feedback      map[int64][]*string
	streams       []StreamRequest
	failures      map[string]int
	langGraph     StreamFunc
	followUp      StreamFunc
	followUpText  bool
	completeDelay time.Duration
	prepareDelay  time.Duration
}

// New starts a fake backend. Close it with Close.
func New(opts Options) *Backend {
	if opts.FeedbackLimit == 0 {
		opts.FeedbackLimit = 100
	}
	b := &Backend{
		nextID:        500,
		users:         map[string]string{},
		conversations: map[int64]*Conversation{},
		messages:      map[int64]*Message{},
		completions:   map[int64][]CompleteRequest{},
		feedback:      map[int64][]*string{},
		failures:      map[string]int{},
	}
	b.Server = httptest.NewServer(b.routes(opts))
	return b
}

// Close shuts the server down.
func (b *Backend) Close() {
	b.Server.CloseClientConnections()
	b.Server.Close()
}

// URL returns the base URL of the server.
func (b *Backend) URL() string {
	return b.Server.URL
}

func (b *Backend) routes(opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(requestLog(opts.Logger.OrNop()))

	r.Post("/api/auth/token", b.guard("POST /api/auth/token", b.token))

	r.Group(func(r chi.Router) {
		r.Use(authenticate(Secret))

		r.Get("/api/auth/me", b.guard("GET /api/auth/me", b.me))

		r.Get("/api/conversations", b.guard("GET /api/conversations", b.listConversations))
		r.Post("/api/conversations", b.guard("POST /api/conversations", b.createConversation))
		r.Put("/api/conversations/{id}", b.guard("PUT /api/conversations/{id}", b.updateConversation))
		r.Delete("/api/conversations/{id}", b.guard("DELETE /api/conversations/{id}", b.deleteConversation))
		r.Get("/api/conversations/{id}/messages", b.guard("GET /api/conversations/{id}/messages", b.listMessages))
		r.Post("/api/conversations/{id}/messages/prepare", b.guard("POST /api/conversations/{id}/messages/prepare", b.prepare))

		r.Post("/api/langgraph/stream", b.guard("POST /api/langgraph/stream", b.streamLangGraph))
		r.Post("/api/normal_llm/followup/stream", b.guard("POST /api/normal_llm/followup/stream", b.streamFollowUp))

		r.Put("/api/messages/{id}/complete", b.guard("PUT /api/messages/{id}/complete", b.complete))
		r.With(rateLimit(opts.FeedbackLimit, time.Minute)).
			Post("/api/messages/{id}/feedback", b.guard("POST /api/messages/{id}/feedback", b.submitFeedback))
	})

	return r
}

// guard answers with a forced status when one was set with Fail.
func (b *Backend) guard(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		status, ok := b.failures[route]
		b.mu.Unlock()
		if ok {
			writeError(w, status, fmt.Sprintf("forced failure on %s", route))
			return
		}
		h(w, r)
	}
}

// Fail makes every call to route ("METHOD /pattern") answer with status.
func (b *Backend) Fail(route string, status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[route] = status
}

// Recover undoes Fail.
func (b *Backend) Recover(route string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.failures, route)
}

// AddUser registers login credentials.
func (b *Backend) AddUser(username, password string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users[username] = password
}

// Token mints a token for subject valid for ttl.
func (b *Backend) Token(subject string, ttl time.Duration) string {
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(Secret))
	if err != nil {
		panic(err)
	}
	return token
}

// OnLangGraph scripts the staged stream.
func (b *Backend) OnLangGraph(fn StreamFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.langGraph = fn
}

// OnFollowUp scripts the follow-up stream. With flatText the response is
// sent as text/plain instead of text/event-stream.
func (b *Backend) OnFollowUp(flatText bool, fn StreamFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.followUp = fn
	b.followUpText = flatText
}

// SlowComplete delays every complete call by d.
func (b *Backend) SlowComplete(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.completeDelay = d
}

// SlowPrepare delays every prepare call by d.
func (b *Backend) SlowPrepare(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prepareDelay = d
}

// AddConversation seeds a conversation and returns its id.
func (b *Backend) AddConversation(title string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.conversations[id] = &Conversation{ID: id, Title: title, CreatedAt: time.Now().UTC()}
	return id
}

// AddMessage seeds a message row and returns its id.
func (b *Backend) AddMessage(m Message) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	m.ID = b.nextID
	if m.Role == "" {
		m.Role = "user"
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	b.messages[m.ID] = &m
	b.order = append(b.order, m.ID)
	return m.ID
}

// Message returns a stored message row.
func (b *Backend) Message(id int64) (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.messages[id]
	if !ok {
		return Message{}, false
	}
	return *m, true
}

// Conversation returns a stored conversation row.
func (b *Backend) Conversation(id int64) (Conversation, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.conversations[id]
	if !ok {
		return Conversation{}, false
	}
	return *c, true
}

// Completions returns the complete calls received for a message.
func (b *Backend) Completions(id int64) []CompleteRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]CompleteRequest(nil), b.completions[id]...)
}

// Feedback returns the feedback values received for a message; nil
// entries are clears.
func (b *Backend) Feedback(id int64) []*string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*string(nil), b.feedback[id]...)
}

// Streams returns every stream request received.
func (b *Backend) Streams() []StreamRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]StreamRequest(nil), b.streams...)
}

func (b *Backend) conversationMessages(convID int64) []Message {
	var out []Message
	for _, id := range b.order {
		if m := b.messages[id]; m.ConversationID == convID {
			out = append(out, *m)
		}
	}
	return out
}

func (b *Backend) sortedConversations() []Conversation {
	out := make([]Conversation, 0, len(b.conversations))
	for _, c := range b.conversations {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"detail": message,
	})
}
