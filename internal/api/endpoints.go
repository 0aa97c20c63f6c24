package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"

	"github.com/capitalize-ai/langgraph-chat/internal/auth"
	"github.com/capitalize-ai/langgraph-chat/internal/model"
)

// Route is a streaming endpoint.
type Route string

const (
	// RouteLangGraph streams the staged retrieval pipeline.
	RouteLangGraph Route = "/api/langgraph/stream"
	// RouteFollowUp streams a plain LLM answer for a follow-up question.
	RouteFollowUp Route = "/api/normal_llm/followup/stream"
)

// Stream is an open answer stream. The caller must close Body.
type Stream struct {
	Body        io.ReadCloser
	ContentType string
}

// EventStream reports whether the body is text/event-stream rather than
// flat text.
func (s *Stream) EventStream() bool {
	mt, _, err := mime.ParseMediaType(s.ContentType)
	return err == nil && mt == "text/event-stream"
}

// PrepareMessage obtains the permanent id of a question before streaming.
func (c *Client) PrepareMessage(ctx context.Context, req PrepareRequest) (int64, error) {
	if err := c.check(req); err != nil {
		return 0, err
	}
	var resp prepareResponse
	err := c.do(ctx, request{
		method: http.MethodPost,
		route:  "/api/conversations/{id}/messages/prepare",
		path:   "/api/conversations/" + url.PathEscape(req.ConversationID) + "/messages/prepare",
		body:   req,
	}, &resp)
	if err != nil {
		return 0, err
	}
	if resp.UserMessage == nil {
		return 0, ErrNoMessageID
	}
	id, ok := resp.UserMessage.ID.Int64()
	if !ok || id <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrNoMessageID, resp.UserMessage.ID)
	}
	return id, nil
}

// OpenStream starts an answer stream. The response body is bound to ctx:
// canceling ctx aborts the read in progress.
func (c *Client) OpenStream(ctx context.Context, route Route, req StreamRequest) (*Stream, error) {
	if err := c.check(req); err != nil {
		return nil, err
	}
	resp, err := c.send(ctx, c.stream, request{
		method: http.MethodPost,
		route:  string(route),
		path:   string(route),
		body:   req,
		accept: "text/event-stream, text/plain;q=0.9",
	})
	if err != nil {
		return nil, err
	}
	return &Stream{
		Body:        resp.Body,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// CompleteMessage stores the answer of an exchange on its message row.
func (c *Client) CompleteMessage(ctx context.Context, backendID int64, req CompleteRequest) error {
	return c.do(ctx, request{
		method: http.MethodPut,
		route:  "/api/messages/{id}/complete",
		path:   fmt.Sprintf("/api/messages/%d/complete", backendID),
		body:   req,
	}, nil)
}

// SubmitFeedback sends a rating; FeedbackNone clears it.
func (c *Client) SubmitFeedback(ctx context.Context, backendID int64, value model.Feedback) error {
	body := feedbackRequest{}
	if value != model.FeedbackNone {
		body.Feedback = &value
	}
	return c.do(ctx, request{
		method: http.MethodPost,
		route:  "/api/messages/{id}/feedback",
		path:   fmt.Sprintf("/api/messages/%d/feedback", backendID),
		body:   body,
	}, nil)
}

// ListConversations returns the user's conversations, newest first.
func (c *Client) ListConversations(ctx context.Context) ([]*model.Conversation, error) {
	var wire []conversationWire
	err := c.do(ctx, request{
		method: http.MethodGet,
		route:  "/api/conversations",
		path:   "/api/conversations",
	}, &wire)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Conversation, len(wire))
	for i, w := range wire {
		out[i] = w.model()
	}
	return out, nil
}

// CreateConversation starts a new conversation.
func (c *Client) CreateConversation(ctx context.Context) (*model.Conversation, error) {
	var wire conversationWire
	err := c.do(ctx, request{
		method: http.MethodPost,
		route:  "/api/conversations",
		path:   "/api/conversations",
	}, &wire)
	if err != nil {
		return nil, err
	}
	if wire.ID == "" {
		return nil, fmt.Errorf("create conversation: response carried no id")
	}
	return wire.model(), nil
}

// ListMessages returns the messages of a conversation in order.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]*model.Message, error) {
	var raw json.RawMessage
	err := c.do(ctx, request{
		method: http.MethodGet,
		route:  "/api/conversations/{id}/messages",
		path:   "/api/conversations/" + url.PathEscape(conversationID) + "/messages",
	}, &raw)
	if err != nil {
		return nil, err
	}

	var wire []messageWire
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &wire)
	} else {
		var resp messagesResponse
		err = json.Unmarshal(raw, &resp)
		wire = resp.Messages
	}
	if err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}

	out := make([]*model.Message, len(wire))
	for i, w := range wire {
		out[i] = w.model(conversationID)
	}
	return out, nil
}

// UpdateConversationTitle renames a conversation.
func (c *Client) UpdateConversationTitle(ctx context.Context, conversationID, title string) error {
	title = trimTitle(title)
	if title == "" {
		return fmt.Errorf("%w: empty title", ErrInvalidRequest)
	}
	return c.do(ctx, request{
		method: http.MethodPut,
		route:  "/api/conversations/{id}",
		path:   "/api/conversations/" + url.PathEscape(conversationID),
		body:   map[string]string{"title": title},
	}, nil)
}

// DeleteConversation removes a conversation.
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	return c.do(ctx, request{
		method: http.MethodDelete,
		route:  "/api/conversations/{id}",
		path:   "/api/conversations/" + url.PathEscape(conversationID),
	}, nil)
}

// Login exchanges a username and password for an access token.
func (c *Client) Login(ctx context.Context, req LoginRequest) (string, error) {
	if err := c.check(req); err != nil {
		return "", err
	}
	var resp tokenResponse
	err := c.do(ctx, request{
		method: http.MethodPost,
		route:  "/api/auth/token",
		path:   "/api/auth/token",
		form:   map[string]string{"username": req.Username, "password": req.Password},
		noAuth: true,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.AccessToken == "" {
		return "", fmt.Errorf("login: response carried no access token")
	}
	return resp.AccessToken, nil
}

// Me returns the profile of the current token's user.
func (c *Client) Me(ctx context.Context) (*auth.User, error) {
	var user auth.User
	err := c.do(ctx, request{
		method: http.MethodGet,
		route:  "/api/auth/me",
		path:   "/api/auth/me",
	}, &user)
	if err != nil {
		return nil, err
	}
	return &user, nil
}
