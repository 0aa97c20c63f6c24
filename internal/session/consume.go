package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/capitalize-ai/langgraph-chat/internal/api"
	"github.com/capitalize-ai/langgraph-chat/internal/model"
	"github.com/capitalize-ai/langgraph-chat/internal/sse"
	"github.com/capitalize-ai/langgraph-chat/internal/stage"
	"github.com/capitalize-ai/langgraph-chat/pkg/metrics"
)

// staged consumes the retrieval pipeline stream.
func (r *runner) staged(ctx context.Context, stream *api.Stream) (model.SessionState, error) {
	s := r.s
	d := stage.NewDispatcher(stage.NewProgress(s.Question), stage.Options{
		ConversationID: s.ConversationID,
		MessageID:      s.MessageID(),
		Writer:         r.m.store,
		Persister:      r,
		Guard:          r.m.guard,
		Logger:         r.log,
	})
	s.setDispatcher(d)

	var outcome stage.Outcome
	var pipelineErr string
	err := sse.ReadEvents(ctx, stream.Body, func(raw sse.Event) error {
		ev, err := stage.Decode(raw)
		if err != nil {
			metrics.MalformedEventsTotal.Inc()
			r.log.Warn("dropping malformed event", zap.Error(err))
			return nil
		}
		if _, ok := ev.(stage.HeartbeatEvent); ok {
			return nil
		}
		if _, ok := ev.(stage.DoneEvent); ok {
			s.setState(model.SessionFinalizing)
		}
		if e, ok := ev.(stage.ErrorEvent); ok {
			pipelineErr = e.Message
		}

		outcome = d.Apply(ctx, ev)
		if outcome != stage.Ignored && r.onEvent != nil {
			r.onEvent(ev)
		}
		if outcome == stage.Done || outcome == stage.Failed {
			return sse.ErrStop
		}
		return nil
	})

	switch outcome {
	case stage.Done:
		r.adoptImage(d.Snapshot())
		return model.SessionDone, nil
	case stage.Failed:
		return model.SessionErrored, &PipelineError{Message: pipelineErr}
	}

	if err != nil {
		return r.failure(ctx, fmt.Errorf("read stream: %w", err))
	}

	// The stream ended without a terminal event.
	if !d.HasAnswer() {
		return r.failure(ctx, ErrTruncated)
	}
	r.log.Warn("stream ended without completion, adopting buffered answer")
	s.setState(model.SessionFinalizing)
	if d.Apply(ctx, stage.DoneEvent{}) != stage.Done {
		return r.failure(ctx, ErrTruncated)
	}
	r.adoptImage(d.Snapshot())
	return model.SessionDone, nil
}

func (r *runner) adoptImage(snapshot model.StageState) {
	if snapshot.AnalysisImageURL == "" {
		return
	}
	if err := r.m.store.SetImage(r.s.ConversationID, r.s.MessageID(), snapshot.AnalysisImageURL); err != nil {
		r.log.Warn("failed to record analysis image", zap.Error(err))
	}
}

// followUpChunk is one event of the follow-up stream.
type followUpChunk struct {
	Content string          `json:"content"`
	Error   json.RawMessage `json:"error"`
}

// followUp consumes a follow-up stream, which is either SSE with
// {"content"} payloads or flat text.
func (r *runner) followUp(ctx context.Context, stream *api.Stream) (model.SessionState, error) {
	s := r.s
	var answer strings.Builder
	appendChunk := func(chunk string) {
		if chunk == "" {
			return
		}
		answer.WriteString(chunk)
		if err := r.m.store.AppendAnswerChunk(s.ConversationID, s.MessageID(), chunk); err != nil {
			r.log.Debug("failed to append answer chunk", zap.Error(err))
		}
		r.m.store.PublishTyping(s.ConversationID, answer.String())
	}

	var err error
	if stream.EventStream() {
		err = sse.ReadEvents(ctx, stream.Body, func(ev sse.Event) error {
			if ev.Done() {
				return sse.ErrStop
			}
			var chunk followUpChunk
			if jerr := json.Unmarshal([]byte(ev.Data), &chunk); jerr != nil {
				metrics.MalformedEventsTotal.Inc()
				r.log.Warn("dropping malformed follow-up chunk", zap.Error(jerr))
				return nil
			}
			if len(chunk.Error) > 0 && string(chunk.Error) != "null" && string(chunk.Error) != "false" {
				return &PipelineError{Message: rawText(chunk.Error)}
			}
			appendChunk(chunk.Content)
			return nil
		})
	} else {
		err = readText(ctx, stream.Body, appendChunk)
	}

	if err != nil {
		return r.failure(ctx, err)
	}
	if answer.Len() == 0 {
		return r.failure(ctx, ErrTruncated)
	}

	s.setState(model.SessionFinalizing)
	text := answer.String()
	if err := r.m.store.SetFinalAnswer(s.ConversationID, s.MessageID(), text); err != nil {
		r.log.Warn("failed to write final answer", zap.Error(err))
	}
	r.m.guard.Mark(s.ConversationID)

	// Completion outlives a cancel that arrives after the answer is in.
	if err := r.m.backend.CompleteMessage(context.WithoutCancel(ctx), r.backendID, api.CompleteRequest{AssistantResponse: text}); err != nil {
		r.log.Error("failed to persist follow-up answer", zap.Error(err))
	}
	return model.SessionDone, nil
}

// readText feeds a flat text body to fn, never splitting a UTF-8 sequence
// across two calls.
func readText(ctx context.Context, body io.Reader, fn func(string)) error {
	buf := make([]byte, 4096)
	var pending []byte
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := body.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			cut := completePrefix(pending)
			fn(string(pending[:cut]))
			pending = append(pending[:0], pending[cut:]...)
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if !errors.Is(err, io.EOF) {
				return err
			}
			fn(string(pending))
			return nil
		}
	}
}

// completePrefix returns the length of the longest prefix of b that does not
// end inside a UTF-8 sequence.
func completePrefix(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if !utf8.FullRune(b[i:]) {
			return i
		}
		break
	}
	return len(b)
}

func rawText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
