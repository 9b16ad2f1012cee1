// Package sse implements the C4 framing parser for Server-Sent Events
// bodies, the streaming format used by LLM chat-completion APIs (Claude,
// OpenAI and compatible servers).
package sse

import (
	"strconv"
	"strings"
)

// Event is one parsed SSE event.
type Event struct {
	EventType string // defaults to "message"
	Data      string // multi-line data joined by "\n"
	ID        string
	HasID     bool
	RetryMS   uint64
	HasRetry  bool
}

// IsDone reports whether this is an OpenAI-style "[DONE]" termination event.
func (e Event) IsDone() bool {
	return strings.TrimSpace(e.Data) == "[DONE]"
}

type eventBuilder struct {
	hasEventType bool
	eventType    string
	dataLines    []string
	hasID        bool
	id           string
	hasRetry     bool
	retryMS      uint64
}

func (b *eventBuilder) isEmpty() bool {
	return !b.hasEventType && len(b.dataLines) == 0 && !b.hasID && !b.hasRetry
}

func (b *eventBuilder) build() (Event, bool) {
	if len(b.dataLines) == 0 {
		return Event{}, false
	}
	evt := Event{
		EventType: "message",
		Data:      strings.Join(b.dataLines, "\n"),
		ID:        b.id,
		HasID:     b.hasID,
		RetryMS:   b.retryMS,
		HasRetry:  b.hasRetry,
	}
	if b.hasEventType {
		evt.EventType = b.eventType
	}
	return evt, true
}

func (b *eventBuilder) reset() {
	*b = eventBuilder{}
}

// Parser incrementally tokenizes a byte stream into SSE events. It tolerates
// chunk boundaries landing anywhere — mid-field, mid-line, or mid-line-
// ending — by buffering incomplete lines across calls to Parse.
type Parser struct {
	lineBuffer  strings.Builder
	current     eventBuilder
	lastEventID string
	hasLastID   bool
}

// NewParser creates a parser ready to consume the start of a new SSE stream.
func NewParser() *Parser {
	return &Parser{}
}

// LastEventID returns the last "id:" field seen, for reconnection support.
func (p *Parser) LastEventID() (string, bool) {
	return p.lastEventID, p.hasLastID
}

// Reset clears all buffered state.
func (p *Parser) Reset() {
	p.lineBuffer.Reset()
	p.current.reset()
}

// Parse consumes a chunk of bytes and returns every event completed by it.
// Chunk boundaries never affect the result: splitting one call's input
// across many Parse calls yields the same events as a single call.
func (p *Parser) Parse(chunk []byte) []Event {
	return p.ParseString(string(chunk))
}

// ParseString is the string-typed equivalent of Parse.
func (p *Parser) ParseString(chunk string) []Event {
	var events []Event

	p.lineBuffer.WriteString(chunk)
	buf := p.lineBuffer.String()

	for {
		lineEnd, skip, ok := findLineEnd(buf)
		if !ok {
			break
		}
		line := buf[:lineEnd]
		buf = buf[lineEnd+skip:]

		if evt, ok := p.processLine(line); ok {
			events = append(events, evt)
		}
	}

	p.lineBuffer.Reset()
	p.lineBuffer.WriteString(buf)

	return events
}

// Flush processes any buffered partial line as a final line and returns
// whatever event remains pending. Call it once the underlying body ends.
func (p *Parser) Flush() (Event, bool) {
	if p.lineBuffer.Len() > 0 {
		remaining := p.lineBuffer.String()
		p.lineBuffer.Reset()
		p.processLine(remaining)
	}
	evt, ok := p.current.build()
	p.current.reset()
	return evt, ok
}

// findLineEnd locates the first logical line terminator in buf, returning
// the line's end offset and how many bytes the terminator itself occupies
// (1 for "\n", 2 for "\r\n").
func findLineEnd(buf string) (end int, skip int, ok bool) {
	i := strings.IndexByte(buf, '\n')
	if i < 0 {
		return 0, 0, false
	}
	if i > 0 && buf[i-1] == '\r' {
		return i - 1, 2, true
	}
	return i, 1, true
}

// processLine handles one logical line, returning a completed event if the
// line was a blank line that closed out a non-empty builder.
func (p *Parser) processLine(line string) (Event, bool) {
	if line == "" {
		if !p.current.isEmpty() {
			evt, ok := p.current.build()
			p.current.reset()
			if ok {
				if evt.HasID {
					p.lastEventID = evt.ID
					p.hasLastID = true
				}
				return evt, true
			}
		}
		return Event{}, false
	}

	if strings.HasPrefix(line, ":") {
		return Event{}, false
	}

	var field, value string
	if idx := strings.IndexByte(line, ':'); idx >= 0 {
		field = line[:idx]
		value = line[idx+1:]
		value = strings.TrimPrefix(value, " ")
	} else {
		field = line
		value = ""
	}

	switch field {
	case "event":
		p.current.hasEventType = true
		p.current.eventType = value
	case "data":
		p.current.dataLines = append(p.current.dataLines, value)
	case "id":
		if !strings.ContainsRune(value, '\x00') {
			p.current.hasID = true
			p.current.id = value
		}
	case "retry":
		if ms, err := strconv.ParseUint(value, 10, 64); err == nil {
			p.current.hasRetry = true
			p.current.retryMS = ms
		}
	default:
		// unknown fields are ignored per the SSE spec
	}

	return Event{}, false
}
