// Package restore rebuilds the staged progress view from a conversation's
// persisted messages.
package restore

import (
	"bytes"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/capitalize-ai/langgraph-chat/internal/model"
	"github.com/capitalize-ai/langgraph-chat/internal/stage"
	"github.com/capitalize-ai/langgraph-chat/pkg/logger"
	"github.com/capitalize-ai/langgraph-chat/pkg/metrics"
)

// Guard reports whether a conversation has just completed an exchange.
type Guard interface {
	Active(conversationID string) bool
}

// Result is the outcome of a restore.
type Result struct {
	// Progress is nil when Skipped.
	Progress *stage.Progress
	// HasExchange is set when the conversation holds an answered first
	// question, so the next question is a follow-up.
	HasExchange bool
	// MessageID is the id of the message the progress was restored from.
	MessageID string
	// Skipped is set when the conversation was still in its completion
	// cooldown and the in-memory state must be kept.
	Skipped bool
}

// Restorer rebuilds progress state.
type Restorer struct {
	guard  Guard
	logger *logger.Logger
}

// New creates a Restorer. A nil guard never skips.
func New(guard Guard, log *logger.Logger) *Restorer {
	return &Restorer{guard: guard, logger: log.OrNop()}
}

// Restore rebuilds the progress of conv from its messages.
func (r *Restorer) Restore(conv *model.Conversation) Result {
	log := r.logger.With(zap.String("conversation_id", conv.ID))

	if r.guard != nil && r.guard.Active(conv.ID) {
		log.Debug("exchange just completed, keeping in-memory progress")
		metrics.RestoresTotal.WithLabelValues("skipped").Inc()
		return Result{Skipped: true}
	}

	msg, ok := FirstExchange(conv.Messages)
	if !ok {
		metrics.RestoresTotal.WithLabelValues("empty").Inc()
		return Result{Progress: &stage.Progress{}}
	}

	p := &stage.Progress{
		Visible:       true,
		Step:          stage.FinalStep,
		OriginalInput: msg.Question,
	}
	log = log.With(zap.String("message_id", msg.ID))

	if msg.Keyword != "" {
		if err := adoptKeyword(p, msg.Keyword); err != nil {
			log.Warn("failed to parse stored keyword blob", zap.Error(err))
		}
	}
	if msg.DBContents != "" {
		var results []model.SearchResult
		if err := json.Unmarshal([]byte(msg.DBContents), &results); err != nil {
			log.Warn("failed to parse stored search results", zap.Error(err))
		} else if results != nil {
			p.SearchResults = results
			p.DocumentTitles = model.DocumentTitles(results)
		}
	}
	if msg.Ans != "" && p.FinalAnswer == "" {
		p.FinalAnswer = msg.Ans
	}
	if msg.Image != "" && p.AnalysisImageURL == "" {
		p.AnalysisImageURL = msg.Image
	}
	p.DoneProcessed = p.FinalAnswer != ""

	metrics.RestoresTotal.WithLabelValues("restored").Inc()
	return Result{Progress: p, HasExchange: true, MessageID: msg.ID}
}

// adoptKeyword reads the keyword blob, which is either a full snapshot or a
// bare keyword list.
func adoptKeyword(p *stage.Progress, blob string) error {
	raw := bytes.TrimSpace([]byte(blob))
	if len(raw) > 0 && raw[0] == '[' {
		var tags model.KeywordTags
		if err := json.Unmarshal(raw, &tags); err != nil {
			return err
		}
		p.Keywords = tags
		p.ExtractedKeywords = make([]string, len(tags))
		for i, t := range tags {
			p.ExtractedKeywords[i] = t.Text
		}
		return nil
	}

	var s model.StageState
	if err := json.Unmarshal(raw, &s); err != nil {
		return err
	}
	if s.OriginalInput != "" {
		p.OriginalInput = s.OriginalInput
	}
	if s.AugmentedKeywords != nil {
		p.Keywords = s.AugmentedKeywords
	}
	if s.SearchResults != nil {
		p.SearchResults = s.SearchResults
	}
	if s.FinalAnswer != "" {
		p.FinalAnswer = s.FinalAnswer
	}
	if s.AnalysisImageURL != "" {
		p.AnalysisImageURL = s.AnalysisImageURL
	}
	if s.ExtractedKeywords != nil {
		p.ExtractedKeywords = s.ExtractedKeywords
	}
	if s.ExtractedDBSearchTitle != nil {
		p.DocumentTitles = s.ExtractedDBSearchTitle
	}
	return nil
}

// FirstExchange returns the first user message carrying retrieval metadata.
func FirstExchange(messages []*model.Message) (*model.Message, bool) {
	for _, m := range messages {
		if m.Role == model.RoleUser && m.HasRetrievalMetadata() {
			return m, true
		}
	}
	return nil, false
}

// HasRetrievalExchange reports whether the next question in a conversation
// with these messages is a follow-up.
func HasRetrievalExchange(messages []*model.Message) bool {
	_, ok := FirstExchange(messages)
	return ok
}
