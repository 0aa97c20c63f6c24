// Package stage interprets pipeline stage events and drives the progress
// state machine of a retrieval-augmented exchange.
package stage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/capitalize-ai/langgraph-chat/internal/model"
	"github.com/capitalize-ai/langgraph-chat/internal/sse"
)

// Stage names a pipeline phase.
type Stage string

const (
	StageAck       Stage = "A"
	StageKeywords  Stage = "B"
	StageRetrieval Stage = "C"
	StageRerank    Stage = "D"
	StageAnswer    Stage = "E"
	StageDone      Stage = "DONE"
	StageError     Stage = "ERROR"

	// stageHeartbeat is a synthetic name for keep-alive payloads.
	stageHeartbeat Stage = "HEARTBEAT"
)

// Status is the transition reported for a stage.
type Status string

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusStreaming Status = "streaming"
)

// ErrMalformed is returned for payloads that are not valid stage events.
var ErrMalformed = errors.New("stage: malformed event payload")

// Event is a decoded stage event. The concrete type identifies the variant.
type Event interface {
	Stage() Stage
}

// AckEvent acknowledges the input (stage A).
type AckEvent struct {
	Status   Status
	Question string
}

// KeywordsEvent carries keyword augmentation (stage B).
type KeywordsEvent struct {
	Status   Status
	Keywords []string
}

// RetrievalEvent carries retrieval results (stage C). DocumentTitles is nil
// when the backend did not send them.
type RetrievalEvent struct {
	Status         Status
	Results        []model.SearchResult
	DocumentTitles []string
}

// AnswerEvent is a rerank or answer generation update (stage D or E).
type AnswerEvent struct {
	Name    Stage
	Status  Status
	Content string
	Answer  string
}

// DoneEvent terminates a successful stream, from either a DONE stage payload
// or the [DONE] sentinel.
type DoneEvent struct {
	AnalysisImageURL string
}

// ErrorEvent reports a server-side pipeline failure.
type ErrorEvent struct {
	Message string
}

// HeartbeatEvent is a keep-alive and carries no data.
type HeartbeatEvent struct{}

// UnknownEvent is any stage this client does not know. Applying it is a no-op.
type UnknownEvent struct {
	Name   Stage
	Status Status
}

func (AckEvent) Stage() Stage       { return StageAck }
func (KeywordsEvent) Stage() Stage  { return StageKeywords }
func (RetrievalEvent) Stage() Stage { return StageRetrieval }
func (e AnswerEvent) Stage() Stage  { return e.Name }
func (DoneEvent) Stage() Stage      { return StageDone }
func (ErrorEvent) Stage() Stage     { return StageError }
func (HeartbeatEvent) Stage() Stage { return stageHeartbeat }
func (e UnknownEvent) Stage() Stage { return e.Name }

type envelope struct {
	Stage     Stage           `json:"stage"`
	Status    Status          `json:"status"`
	Result    json.RawMessage `json:"result"`
	Error     json.RawMessage `json:"error"`
	Heartbeat json.RawMessage `json:"heartbeat"`
}

type ackResult struct {
	Question string `json:"question"`
}

type keywordsResult struct {
	Keywords []string `json:"keywords"`
}

type retrievalResult struct {
	SearchResults  []model.SearchResult `json:"search_results"`
	DocumentTitles []string             `json:"document_titles"`
}

type answerResult struct {
	Content string `json:"content"`
	Answer  string `json:"answer"`
}

type doneResult struct {
	AnalysisImageURL string          `json:"analysis_image_url"`
	Response         json.RawMessage `json:"response"`
}

// imageURL prefers the top-level URL. A response that is not an object
// carries no URL and is ignored.
func (r doneResult) imageURL() string {
	if r.AnalysisImageURL != "" || !truthy(r.Response) {
		return r.AnalysisImageURL
	}
	var nested struct {
		AnalysisImageURL string `json:"analysis_image_url"`
	}
	if err := json.Unmarshal(r.Response, &nested); err != nil {
		return ""
	}
	return nested.AnalysisImageURL
}

// Decode turns one SSE event into a stage event. The [DONE] sentinel is
// recognised before any JSON decoding.
func Decode(ev sse.Event) (Event, error) {
	if ev.Done() {
		return DoneEvent{}, nil
	}

	var env envelope
	if err := json.Unmarshal([]byte(ev.Data), &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if truthy(env.Heartbeat) {
		return HeartbeatEvent{}, nil
	}
	if truthy(env.Error) {
		return ErrorEvent{Message: errorText(env.Error)}, nil
	}

	switch env.Stage {
	case StageAck:
		var r ackResult
		if err := decodeResult(env.Result, &r); err != nil {
			return nil, err
		}
		return AckEvent{Status: env.Status, Question: r.Question}, nil

	case StageKeywords:
		var r keywordsResult
		if err := decodeResult(env.Result, &r); err != nil {
			return nil, err
		}
		return KeywordsEvent{Status: env.Status, Keywords: r.Keywords}, nil

	case StageRetrieval:
		var r retrievalResult
		if err := decodeResult(env.Result, &r); err != nil {
			return nil, err
		}
		return RetrievalEvent{Status: env.Status, Results: r.SearchResults, DocumentTitles: r.DocumentTitles}, nil

	case StageRerank, StageAnswer:
		var r answerResult
		if err := decodeResult(env.Result, &r); err != nil {
			return nil, err
		}
		return AnswerEvent{Name: env.Stage, Status: env.Status, Content: r.Content, Answer: r.Answer}, nil

	case StageDone:
		var r doneResult
		if err := decodeResult(env.Result, &r); err != nil {
			return nil, err
		}
		return DoneEvent{AnalysisImageURL: r.imageURL()}, nil

	case StageError:
		return ErrorEvent{Message: "unknown error"}, nil

	default:
		return UnknownEvent{Name: env.Stage, Status: env.Status}, nil
	}
}

func decodeResult(raw json.RawMessage, v any) error {
	if !truthy(raw) {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: result: %v", ErrMalformed, err)
	}
	return nil
}

// truthy mirrors how the backend signals optional fields: absent, null,
// false, 0 and "" all mean "not set".
func truthy(raw json.RawMessage) bool {
	v := bytes.TrimSpace(raw)
	switch string(v) {
	case "", "null", "false", "0", `""`:
		return false
	}
	return true
}

func errorText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Message != "" {
			return obj.Message
		}
		if obj.Detail != "" {
			return obj.Detail
		}
	}
	return string(raw)
}
