package stage

import (
	"github.com/capitalize-ai/langgraph-chat/internal/model"
)

// FinalStep is the last progress step (answer and analysis image shown).
const FinalStep = 4

// maxPersistedResults caps the results carried in a persisted snapshot.
const maxPersistedResults = 5

// Progress is the mutable state behind the staged progress UI.
type Progress struct {
	Visible bool
	Step    int

	OriginalInput     string
	Keywords          model.KeywordTags
	ExtractedKeywords []string
	SearchResults     []model.SearchResult
	DocumentTitles    []string

	Searching        bool
	GeneratingAnswer bool
	StreamingAnswer  bool

	// StreamBuffer accumulates streamed answer chunks.
	StreamBuffer     string
	FinalAnswer      string
	AnalysisImageURL string
	Error            string

	// DoneProcessed guards against applying DONE more than once per session.
	DoneProcessed bool
}

// NewProgress returns the state for a fresh exchange on input.
func NewProgress(input string) *Progress {
	return &Progress{
		Visible:       true,
		OriginalInput: input,
	}
}

// InFlight reports whether any in-progress flag is set.
func (p *Progress) InFlight() bool {
	return p.Searching || p.GeneratingAnswer || p.StreamingAnswer
}

func (p *Progress) clearFlags() {
	p.Searching = false
	p.GeneratingAnswer = false
	p.StreamingAnswer = false
}

func (p *Progress) advance(step int) {
	if step > p.Step {
		p.Step = step
	}
}

// Answer returns the authoritative answer, falling back to the stream buffer.
func (p *Progress) Answer() string {
	if p.FinalAnswer != "" {
		return p.FinalAnswer
	}
	return p.StreamBuffer
}

// Snapshot returns the serializable form of the progress state.
func (p *Progress) Snapshot() model.StageState {
	results := p.SearchResults
	if len(results) > maxPersistedResults {
		results = results[:maxPersistedResults]
	}
	return model.StageState{
		OriginalInput:          p.OriginalInput,
		AugmentedKeywords:      append(model.KeywordTags(nil), p.Keywords...),
		SearchResults:          append([]model.SearchResult(nil), results...),
		FinalAnswer:            p.Answer(),
		AnalysisImageURL:       p.AnalysisImageURL,
		ExtractedKeywords:      append([]string(nil), p.ExtractedKeywords...),
		ExtractedDBSearchTitle: append([]string(nil), p.DocumentTitles...),
		CurrentStep:            p.Step,
	}
}
