package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/capitalize-ai/langgraph-chat/internal/model"
)

// ID is a backend identifier. The backend issues integers; they are carried
// as strings on the client side.
type ID string

// MarshalJSON writes numeric ids as JSON numbers.
func (id ID) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// UnmarshalJSON accepts a number or a string.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if string(data) == "null" {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// Int64 returns the numeric form of the id.
func (id ID) Int64() (int64, bool) {
	n, err := strconv.ParseInt(string(id), 10, 64)
	return n, err == nil
}

// Blob is a serialized JSON column (keyword, db_contents). The backend
// returns it as a string, but older rows may hold the raw JSON value.
type Blob string

// UnmarshalJSON implements json.Unmarshaler.
func (b *Blob) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case string(data) == "null":
		*b = ""
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*b = Blob(s)
	default:
		*b = Blob(data)
	}
	return nil
}

// Time is a backend timestamp. The backend sometimes omits the zone.
type Time struct {
	time.Time
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Time) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil || s == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unrecognised timestamp %q", s)
}

// PrepareRequest asks the backend to issue a permanent id for a question.
type PrepareRequest struct {
	ConversationID string      `json:"-" validate:"required"`
	Question       string      `json:"question" validate:"required"`
	QMode          model.QMode `json:"q_mode" validate:"required,oneof=search add"`
	Keyword        *string     `json:"keyword"`
	DBContents     *string     `json:"db_contents"`
	Image          *string     `json:"image"`
}

type prepareResponse struct {
	UserMessage *struct {
		ID ID `json:"id"`
	} `json:"userMessage"`
	AssistantMessage *struct {
		ID ID `json:"id"`
	} `json:"assistantMessage,omitempty"`
}

// StreamRequest starts an answer stream for a prepared question.
type StreamRequest struct {
	Question                string      `json:"question" validate:"required"`
	ConversationID          ID          `json:"conversation_id" validate:"required"`
	MessageID               int64       `json:"message_id" validate:"required,gt=0"`
	GenerateImage           bool        `json:"generate_image"`
	IncludeLangGraphContext bool        `json:"include_langgraph_context"`
	LangGraphContext        any         `json:"langgraph_context"`
	QMode                   model.QMode `json:"q_mode,omitempty" validate:"omitempty,oneof=search add"`
}

// CompleteRequest stores the outcome of an exchange on its message row.
type CompleteRequest struct {
	AssistantResponse string  `json:"assistant_response"`
	ImageURL          *string `json:"image_url"`
	Keyword           *string `json:"keyword,omitempty"`
	DBContents        *string `json:"db_contents,omitempty"`
	DBSearchTitle     *string `json:"db_search_title,omitempty"`
}

// CompletionFromSnapshot builds the complete call for a staged exchange: the
// whole progress snapshot goes into keyword and the results into db_contents,
// which is the form the restorer reads back.
func CompletionFromSnapshot(s model.StageState) (CompleteRequest, error) {
	req := CompleteRequest{AssistantResponse: s.FinalAnswer}
	if s.AnalysisImageURL != "" {
		req.ImageURL = &s.AnalysisImageURL
	}

	keyword, err := json.Marshal(s)
	if err != nil {
		return req, fmt.Errorf("encode stage snapshot: %w", err)
	}
	req.Keyword = ptr(string(keyword))

	if s.SearchResults != nil {
		contents, err := json.Marshal(s.SearchResults)
		if err != nil {
			return req, fmt.Errorf("encode search results: %w", err)
		}
		req.DBContents = ptr(string(contents))
	}
	if s.ExtractedDBSearchTitle != nil {
		titles, err := json.Marshal(s.ExtractedDBSearchTitle)
		if err != nil {
			return req, fmt.Errorf("encode document titles: %w", err)
		}
		req.DBSearchTitle = ptr(string(titles))
	}
	return req, nil
}

type feedbackRequest struct {
	Feedback *model.Feedback `json:"feedback"`
}

// LoginRequest is the password grant of the backend token endpoint.
type LoginRequest struct {
	Username string `validate:"required"`
	Password string `validate:"required"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type conversationWire struct {
	ID        ID     `json:"id"`
	Title     string `json:"title"`
	CreatedAt Time   `json:"created_at"`
}

func (w conversationWire) model() *model.Conversation {
	return &model.Conversation{
		ID:        string(w.ID),
		Title:     w.Title,
		CreatedAt: w.CreatedAt.Time,
	}
}

type messageWire struct {
	ID             ID     `json:"id"`
	ConversationID ID     `json:"conversation_id"`
	Role           string `json:"role"`
	Question       string `json:"question"`
	Content        string `json:"content"`
	Ans            string `json:"ans"`
	Feedback       string `json:"feedback"`
	QMode          string `json:"q_mode"`
	Keyword        Blob   `json:"keyword"`
	DBContents     Blob   `json:"db_contents"`
	Image          string `json:"image"`
	CreatedAt      Time   `json:"created_at"`
}

func (w messageWire) model(conversationID string) *model.Message {
	m := &model.Message{
		ID:             string(w.ID),
		ConversationID: string(w.ConversationID),
		Role:           model.Role(w.Role),
		Question:       w.Question,
		Ans:            w.Ans,
		Feedback:       model.Feedback(w.Feedback),
		QMode:          model.QMode(w.QMode),
		Keyword:        string(w.Keyword),
		DBContents:     string(w.DBContents),
		Image:          w.Image,
		CreatedAt:      w.CreatedAt.Time,
	}
	if m.ConversationID == "" {
		m.ConversationID = conversationID
	}
	if m.Role == "" {
		m.Role = model.RoleUser
	}
	// legacy assistant rows carry their text in content
	if m.Role == model.RoleAssistant && m.Ans == "" {
		m.Ans = w.Content
	}
	if m.Role == model.RoleUser && m.Question == "" {
		m.Question = w.Content
	}
	if !m.Feedback.Valid() {
		m.Feedback = model.FeedbackNone
	}
	if n, ok := w.ID.Int64(); ok {
		m.BackendID = &n
	}
	return m
}

type messagesResponse struct {
	Messages []messageWire `json:"messages"`
}

func ptr[T any](v T) *T {
	return &v
}

func trimTitle(title string) string {
	return strings.TrimSpace(title)
}
