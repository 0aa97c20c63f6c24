package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/capitalize-ai/langgraph-chat/internal/model"
	"github.com/capitalize-ai/langgraph-chat/internal/stage"
)

var (
	stageColor  = color.New(color.FgCyan, color.Bold)
	detailColor = color.New(color.FgHiBlack)
	errorColor  = color.New(color.FgRed, color.Bold)
	noticeColor = color.New(color.FgYellow)
)

// renderer prints pipeline progress and the streamed answer. Stage lines and
// answer text arrive from the session goroutine.
type renderer struct {
	mu      sync.Mutex
	out     io.Writer
	printed string
	midLine bool
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out}
}

func (r *renderer) event(ev stage.Event) {
	var line string
	switch e := ev.(type) {
	case stage.AckEvent:
		if e.Status == stage.StatusStarted {
			line = "Reading the question"
		}
	case stage.KeywordsEvent:
		if e.Status == stage.StatusCompleted {
			line = "Keywords " + detailColor.Sprint(strings.Join(e.Keywords, ", "))
		}
	case stage.RetrievalEvent:
		switch e.Status {
		case stage.StatusStarted:
			line = "Searching documents"
		case stage.StatusCompleted:
			line = fmt.Sprintf("Found %d documents", len(e.Results))
			titles := e.DocumentTitles
			if titles == nil {
				titles = model.DocumentTitles(e.Results)
			}
			if len(titles) > 0 {
				line += " " + detailColor.Sprint(strings.Join(titles, ", "))
			}
		}
	case stage.AnswerEvent:
		if e.Status == stage.StatusStarted {
			if e.Name == stage.StageRerank {
				line = "Ranking results"
			} else {
				line = "Writing the answer"
			}
		}
	case stage.ErrorEvent:
		r.mu.Lock()
		r.breakLine()
		errorColor.Fprintf(r.out, "✗ %s\n", e.Message)
		r.mu.Unlock()
		return
	}
	if line == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakLine()
	fmt.Fprintf(r.out, "%s %s\n", stageColor.Sprint("●"), line)
}

// typing prints the part of text not shown yet. Text that does not extend
// what was printed starts over on a new line.
func (r *renderer) typing(text string) {
	if text == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.write(text)
}

// answer prints the final answer, completing the streamed text when it is a
// prefix of it.
func (r *renderer) answer(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if text != "" {
		r.write(text)
	}
	r.breakLine()
}

func (r *renderer) notice(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakLine()
	noticeColor.Fprintf(r.out, format+"\n", args...)
}

func (r *renderer) detail(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakLine()
	detailColor.Fprintf(r.out, format+"\n", args...)
}

func (r *renderer) write(text string) {
	if strings.HasPrefix(text, r.printed) {
		fmt.Fprint(r.out, text[len(r.printed):])
	} else {
		r.breakLine()
		fmt.Fprint(r.out, text)
	}
	r.printed = text
	r.midLine = !strings.HasSuffix(text, "\n")
}

func (r *renderer) breakLine() {
	if r.midLine {
		fmt.Fprintln(r.out)
		r.midLine = false
	}
}
