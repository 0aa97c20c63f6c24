package stage

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/langgraph-chat/internal/model"
	"github.com/capitalize-ai/langgraph-chat/pkg/logger"
	"github.com/capitalize-ai/langgraph-chat/pkg/metrics"
)

// Outcome tells the caller what to do with the stream after an event.
type Outcome int

const (
	// Continue means keep reading.
	Continue Outcome = iota
	// Done means the exchange completed and was finalized.
	Done
	// Failed means the server reported an error.
	Failed
	// Ignored means the exchange was already finalized and the event was dropped.
	Ignored
)

func (o Outcome) String() string {
	switch o {
	case Continue:
		return "continue"
	case Done:
		return "done"
	case Failed:
		return "failed"
	case Ignored:
		return "ignored"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// MessageWriter receives the answer text of the exchange.
type MessageWriter interface {
	// SetFinalAnswer writes the final answer onto the exchange message.
	SetFinalAnswer(conversationID, messageID, ans string) error
	// PublishTyping reports streamed text for a live typing display.
	PublishTyping(conversationID, text string)
}

// Persister stores a completed exchange on the backend. The snapshot carries
// the final answer and analysis image URL.
type Persister interface {
	PersistExchange(ctx context.Context, messageID string, snapshot model.StageState) error
}

// CompletionGuard records that a conversation just finished streaming, so a
// restore triggered by the resulting refresh does not clobber live state.
type CompletionGuard interface {
	Mark(conversationID string)
}

// Options configures a Dispatcher.
type Options struct {
	ConversationID string
	MessageID      string
	Writer         MessageWriter
	Persister      Persister
	Guard          CompletionGuard
	Logger         *logger.Logger
}

// Dispatcher applies stage events to a Progress. It is safe for concurrent
// use; Snapshot may be called while events are being applied.
type Dispatcher struct {
	mu       sync.Mutex
	progress *Progress

	conversationID string
	messageID      string
	writer         MessageWriter
	persister      Persister
	guard          CompletionGuard
	log            *logger.Logger
}

// NewDispatcher creates a dispatcher that owns p.
func NewDispatcher(p *Progress, opts Options) *Dispatcher {
	d := &Dispatcher{
		progress:       p,
		conversationID: opts.ConversationID,
		messageID:      opts.MessageID,
		writer:         opts.Writer,
		persister:      opts.Persister,
		guard:          opts.Guard,
		log:            opts.Logger.OrNop(),
	}
	if d.writer == nil {
		d.writer = nopWriter{}
	}
	if d.persister == nil {
		d.persister = nopPersister{}
	}
	if d.guard == nil {
		d.guard = nopGuard{}
	}
	return d
}

// Snapshot returns the serializable state of the progress.
func (d *Dispatcher) Snapshot() model.StageState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.progress.Snapshot()
}

// Finished reports whether DONE has been applied.
func (d *Dispatcher) Finished() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.progress.DoneProcessed
}

// HasAnswer reports whether any answer text has been received.
func (d *Dispatcher) HasAnswer() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.progress.Answer() != ""
}

// Apply applies one event and reports how the stream should proceed.
func (d *Dispatcher) Apply(ctx context.Context, ev Event) Outcome {
	if done, ok := ev.(DoneEvent); ok {
		return d.applyDone(ctx, done)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.settled() {
		d.log.Debug("event after completion dropped", zap.String("stage", string(ev.Stage())))
		return Ignored
	}

	p := d.progress
	switch e := ev.(type) {
	case AckEvent:
		d.count(e.Stage(), e.Status)
		p.advance(1)
		if p.OriginalInput == "" {
			p.OriginalInput = e.Question
		}

	case KeywordsEvent:
		d.count(e.Stage(), e.Status)
		switch e.Status {
		case StatusStarted:
			p.advance(2)
		case StatusCompleted:
			p.advance(2)
			p.Keywords = model.TagKeywords(e.Keywords)
			p.ExtractedKeywords = append([]string(nil), e.Keywords...)
		}

	case RetrievalEvent:
		d.count(e.Stage(), e.Status)
		switch e.Status {
		case StatusStarted:
			p.advance(3)
			p.Searching = true
		case StatusCompleted:
			p.advance(3)
			p.Searching = false
			if e.Results != nil {
				p.SearchResults = e.Results
			}
			if e.DocumentTitles != nil {
				p.DocumentTitles = e.DocumentTitles
			} else if e.Results != nil {
				p.DocumentTitles = model.DocumentTitles(e.Results)
			}
		}

	case AnswerEvent:
		d.count(e.Stage(), e.Status)
		d.applyAnswer(e)

	case ErrorEvent:
		d.count(StageError, "")
		return d.applyError(e)

	case HeartbeatEvent:
		// keep-alive

	default:
		d.log.Debug("unknown stage ignored", zap.String("stage", string(ev.Stage())))
	}
	return Continue
}

func (d *Dispatcher) applyAnswer(e AnswerEvent) {
	p := d.progress
	switch e.Status {
	case StatusStarted:
		if e.Name == StageAnswer {
			p.advance(FinalStep)
			p.GeneratingAnswer = true
		}
	case StatusStreaming:
		if e.Content == "" {
			return
		}
		if e.Name == StageRerank {
			p.advance(FinalStep)
		}
		p.GeneratingAnswer = true
		p.StreamingAnswer = true
		p.StreamBuffer += e.Content
		d.writer.PublishTyping(d.conversationID, p.StreamBuffer)
	case StatusCompleted:
		if e.Name == StageAnswer {
			if e.Answer != "" {
				p.FinalAnswer = e.Answer
			}
			p.GeneratingAnswer = false
			p.StreamingAnswer = false
		}
	}
}

// applyError surfaces a server-side failure as the answer text. Called with
// d.mu held.
func (d *Dispatcher) applyError(e ErrorEvent) Outcome {
	p := d.progress
	p.clearFlags()
	p.Error = e.Message
	text := ErrorAnswer(e.Message)

	d.log.Warn("pipeline reported error", zap.String("error", e.Message))
	if err := d.writer.SetFinalAnswer(d.conversationID, d.messageID, text); err != nil {
		d.log.Warn("failed to write error answer", zap.Error(err))
	}
	return Failed
}

// applyDone finalizes the exchange exactly once. The completion guard is
// marked before persistence so a refresh racing the blocking backend call is
// already suppressed.
func (d *Dispatcher) applyDone(ctx context.Context, e DoneEvent) Outcome {
	d.mu.Lock()
	if d.settled() {
		d.mu.Unlock()
		d.log.Debug("duplicate completion ignored")
		return Ignored
	}
	d.count(StageDone, "")

	p := d.progress
	p.DoneProcessed = true
	p.clearFlags()
	if p.FinalAnswer == "" && p.StreamBuffer != "" {
		p.FinalAnswer = p.StreamBuffer
	}
	if e.AnalysisImageURL != "" {
		p.AnalysisImageURL = e.AnalysisImageURL
	}
	p.advance(FinalStep)
	answer := p.FinalAnswer
	snapshot := p.Snapshot()
	d.mu.Unlock()

	if answer != "" {
		if err := d.writer.SetFinalAnswer(d.conversationID, d.messageID, answer); err != nil {
			d.log.Warn("failed to write final answer", zap.Error(err))
		}
	}

	d.guard.Mark(d.conversationID)

	if answer == "" {
		d.log.Warn("stream completed without an answer, skipping persistence")
		return Done
	}

	// Persistence outlives a cancel that arrives after completion.
	if err := d.persister.PersistExchange(context.WithoutCancel(ctx), d.messageID, snapshot); err != nil {
		d.log.Error("failed to persist exchange", zap.Error(err))
	}
	return Done
}

func (d *Dispatcher) settled() bool {
	return d.progress.DoneProcessed || d.progress.Error != ""
}

func (d *Dispatcher) count(s Stage, status Status) {
	metrics.StageEventsTotal.WithLabelValues(string(s), string(status)).Inc()
}

// ErrorAnswer formats a server error as user-visible answer text.
func ErrorAnswer(msg string) string {
	return "An error occurred: " + msg
}

type nopWriter struct{}

func (nopWriter) SetFinalAnswer(string, string, string) error { return nil }
func (nopWriter) PublishTyping(string, string)                {}

type nopPersister struct{}

func (nopPersister) PersistExchange(context.Context, string, model.StageState) error { return nil }

type nopGuard struct{}

func (nopGuard) Mark(string) {}
