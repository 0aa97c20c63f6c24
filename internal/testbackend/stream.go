package testbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// StreamWriter writes a scripted answer stream.
type StreamWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	ctx     context.Context
}

// Context is done when the client goes away.
func (s *StreamWriter) Context() context.Context {
	return s.ctx
}

// Data writes one SSE event carrying payload and flushes it.
func (s *StreamWriter) Data(payload string) {
	fmt.Fprintf(s.w, "data: %s\n\n", payload)
	s.flusher.Flush()
}

// Event writes v as the JSON payload of one SSE event.
func (s *StreamWriter) Event(v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	s.Data(string(raw))
}

// Stage writes a stage event.
func (s *StreamWriter) Stage(stage, status string, result any) {
	ev := map[string]any{"stage": stage, "status": status}
	if result != nil {
		ev["result"] = result
	}
	s.Event(ev)
}

// Raw writes bytes as they are, for split frames and flat text bodies.
func (s *StreamWriter) Raw(text string) {
	fmt.Fprint(s.w, text)
	s.flusher.Flush()
}

// Done writes the [DONE] sentinel.
func (s *StreamWriter) Done() {
	s.Data("[DONE]")
}

// Hold blocks until the client disconnects.
func (s *StreamWriter) Hold() {
	<-s.ctx.Done()
}

func (b *Backend) streamLangGraph(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	fn := b.langGraph
	b.mu.Unlock()
	b.serveStream(w, r, fn, false)
}

func (b *Backend) streamFollowUp(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	fn, flat := b.followUp, b.followUpText
	b.mu.Unlock()
	b.serveStream(w, r, fn, flat)
}

func (b *Backend) serveStream(w http.ResponseWriter, r *http.Request, fn StreamFunc, flatText bool) {
	var req StreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateQuestion(req.Question); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.CorrelationID = correlationID(r.Context())

	b.mu.Lock()
	b.streams = append(b.streams, req)
	b.mu.Unlock()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	if flatText {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	} else {
		w.Header().Set("Content-Type", "text/event-stream")
	}
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if fn == nil {
		return
	}
	fn(&StreamWriter{w: w, flusher: flusher, ctx: r.Context()}, req)
}
