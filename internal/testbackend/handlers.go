package testbackend

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

func (b *Backend) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form")
		return
	}
	username, password := r.PostForm.Get("username"), r.PostForm.Get("password")

	b.mu.Lock()
	want, ok := b.users[username]
	b.mu.Unlock()
	if !ok || want != password {
		writeError(w, http.StatusUnauthorized, "Incorrect username or password")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": b.Token(username, time.Hour),
		"token_type":   "bearer",
	})
}

func (b *Backend) me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"id":       1,
		"username": userID(r.Context()),
	})
}

func (b *Backend) listConversations(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	convs := b.sortedConversations()
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, convs)
}

func (b *Backend) createConversation(w http.ResponseWriter, r *http.Request) {
	id := b.AddConversation("New conversation")
	c, _ := b.Conversation(id)
	writeJSON(w, http.StatusOK, c)
}

func (b *Backend) updateConversation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateTitle(req.Title); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	b.mu.Lock()
	c, ok := b.conversations[id]
	if ok {
		c.Title = req.Title
	}
	b.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (b *Backend) deleteConversation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	b.mu.Lock()
	_, ok := b.conversations[id]
	delete(b.conversations, id)
	b.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) listMessages(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	b.mu.Lock()
	_, ok := b.conversations[id]
	msgs := b.conversationMessages(id)
	b.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if msgs == nil {
		msgs = []Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (b *Backend) prepare(w http.ResponseWriter, r *http.Request) {
	convID, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	var req struct {
		Question   string  `json:"question"`
		QMode      string  `json:"q_mode"`
		Keyword    *string `json:"keyword"`
		DBContents *string `json:"db_contents"`
		Image      *string `json:"image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateQuestion(req.Question); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, ok := b.Conversation(convID); !ok {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	b.mu.Lock()
	delay := b.prepareDelay
	b.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	id := b.AddMessage(Message{
		ConversationID: convID,
		Role:           "user",
		Question:       req.Question,
		QMode:          req.QMode,
		Keyword:        req.Keyword,
		DBContents:     req.DBContents,
		Image:          req.Image,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"userMessage": map[string]int64{"id": id},
	})
}

func (b *Backend) complete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}
	var req CompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	b.mu.Lock()
	delay := b.completeDelay
	b.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.messages[id]
	if !ok {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	ans := req.AssistantResponse
	m.Ans = &ans
	if req.ImageURL != nil {
		m.Image = req.ImageURL
	}
	if req.Keyword != nil {
		m.Keyword = req.Keyword
	}
	if req.DBContents != nil {
		m.DBContents = req.DBContents
	}
	b.completions[id] = append(b.completions[id], req)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message_id": strconv.FormatInt(id, 10)})
}

func (b *Backend) submitFeedback(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}
	var req struct {
		Feedback *string `json:"feedback"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Feedback != nil && *req.Feedback != "up" && *req.Feedback != "down" {
		writeError(w, http.StatusUnprocessableEntity, "feedback must be up, down or null")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.messages[id]
	if !ok {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	m.Feedback = req.Feedback
	b.feedback[id] = append(b.feedback[id], req.Feedback)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
