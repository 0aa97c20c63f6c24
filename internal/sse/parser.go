// Package sse consumes Server-Sent Events from a chunked response body.
//
// The parser is incremental: bytes are fed as they arrive and complete events
// are returned only once their blank-line boundary has been seen, so a logical
// event split across any number of reads is reassembled intact.
package sse

import (
	"bytes"
	"strings"
)

// DoneSentinel is the literal payload that terminates a stream.
const DoneSentinel = "[DONE]"

// Event is one dispatched Server-Sent Event.
type Event struct {
	// Data is the joined payload of every data: line of the event.
	Data string
}

// Done reports whether the event is the terminal sentinel. It is checked
// before any attempt to decode the payload as JSON.
func (e Event) Done() bool {
	return strings.TrimSpace(e.Data) == DoneSentinel
}

// Parser splits a byte stream into events. It is not safe for concurrent use.
type Parser struct {
	pending []byte   // bytes of the current, not yet terminated, line
	data    []string // data lines of the current event
	hasData bool
	flushed bool
}

// NewParser creates an empty parser.
func NewParser() *Parser {
	return &Parser{}
}

// Feed appends a chunk and returns the events completed by it, in stream order.
func (p *Parser) Feed(chunk []byte) []Event {
	if p.flushed {
		return nil
	}
	var events []Event
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			p.pending = append(p.pending, chunk...)
			break
		}
		p.pending = append(p.pending, chunk[:i]...)
		chunk = chunk[i+1:]

		line := string(bytes.TrimSuffix(p.pending, []byte{'\r'}))
		p.pending = p.pending[:0]
		if ev, ok := p.processLine(line); ok {
			events = append(events, ev)
		}
	}
	return events
}

// Flush ends the stream: a buffered event without its trailing blank line is
// emitted once. Later calls to Feed or Flush return nothing.
func (p *Parser) Flush() []Event {
	if p.flushed {
		return nil
	}
	var events []Event
	if len(p.pending) > 0 {
		line := string(bytes.TrimSuffix(p.pending, []byte{'\r'}))
		p.pending = nil
		if ev, ok := p.processLine(line); ok {
			events = append(events, ev)
		}
	}
	if p.hasData {
		events = append(events, p.dispatch())
	}
	p.flushed = true
	return events
}

// processLine consumes one complete line; a blank line dispatches.
func (p *Parser) processLine(line string) (Event, bool) {
	if line == "" {
		if !p.hasData {
			return Event{}, false
		}
		return p.dispatch(), true
	}
	value, ok := strings.CutPrefix(line, "data:")
	if !ok {
		// comments and other fields (event:, id:, retry:) carry nothing we use
		return Event{}, false
	}
	value = strings.TrimPrefix(value, " ")
	p.data = append(p.data, value)
	p.hasData = true
	return Event{}, false
}

func (p *Parser) dispatch() Event {
	ev := Event{Data: strings.Join(p.data, "\n")}
	p.data = p.data[:0]
	p.hasData = false
	return ev
}
