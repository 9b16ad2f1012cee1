package sse

import "testing"

func TestParserSimpleDataEvent(t *testing.T) {
	p := NewParser()
	events := p.ParseString("data: hello world\n\n")

	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	if events[0].EventType != "message" {
		t.Errorf("EventType = %q, want message", events[0].EventType)
	}
	if events[0].Data != "hello world" {
		t.Errorf("Data = %q, want %q", events[0].Data, "hello world")
	}
}

func TestParserEventWithType(t *testing.T) {
	p := NewParser()
	events := p.ParseString("event: custom\ndata: payload\n\n")

	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	if events[0].EventType != "custom" {
		t.Errorf("EventType = %q, want custom", events[0].EventType)
	}
	if events[0].Data != "payload" {
		t.Errorf("Data = %q, want payload", events[0].Data)
	}
}

func TestParserMultilineData(t *testing.T) {
	p := NewParser()
	events := p.ParseString("data: line1\ndata: line2\ndata: line3\n\n")

	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	want := "line1\nline2\nline3"
	if events[0].Data != want {
		t.Errorf("Data = %q, want %q", events[0].Data, want)
	}
}

func TestParserEventWithID(t *testing.T) {
	p := NewParser()
	events := p.ParseString("id: 42\ndata: test\n\n")

	if len(events) != 1 || !events[0].HasID || events[0].ID != "42" {
		t.Fatalf("unexpected events: %+v", events)
	}
	id, ok := p.LastEventID()
	if !ok || id != "42" {
		t.Errorf("LastEventID() = (%q, %v), want (42, true)", id, ok)
	}
}

func TestParserEventWithRetry(t *testing.T) {
	p := NewParser()
	events := p.ParseString("retry: 5000\ndata: reconnect\n\n")

	if len(events) != 1 || !events[0].HasRetry || events[0].RetryMS != 5000 {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestParserSkipsComments(t *testing.T) {
	p := NewParser()
	events := p.ParseString(": this is a comment\ndata: actual data\n\n")

	if len(events) != 1 || events[0].Data != "actual data" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestParserMultipleEvents(t *testing.T) {
	p := NewParser()
	events := p.ParseString("data: first\n\ndata: second\n\n")

	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].Data != "first" || events[1].Data != "second" {
		t.Errorf("unexpected data: %+v", events)
	}
}

func TestParserChunkedInputAcrossBoundaries(t *testing.T) {
	p := NewParser()

	if events := p.ParseString("data: hel"); len(events) != 0 {
		t.Fatalf("expected no events from incomplete first chunk, got %v", events)
	}
	if events := p.ParseString("lo wor"); len(events) != 0 {
		t.Fatalf("expected no events from incomplete second chunk, got %v", events)
	}
	events := p.ParseString("ld\n\n")
	if len(events) != 1 || events[0].Data != "hello world" {
		t.Fatalf("expected event to reassemble across chunk boundaries, got %+v", events)
	}
}

func TestParserCRLFLineEndings(t *testing.T) {
	p := NewParser()
	events := p.ParseString("data: test\r\n\r\n")

	if len(events) != 1 || events[0].Data != "test" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestParserEmptyDataField(t *testing.T) {
	p := NewParser()
	events := p.ParseString("data:\n\n")

	if len(events) != 1 || events[0].Data != "" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestParserDataWithColon(t *testing.T) {
	p := NewParser()
	events := p.ParseString("data: key: value\n\n")

	if len(events) != 1 || events[0].Data != "key: value" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestParserFlushIncompleteEvent(t *testing.T) {
	p := NewParser()
	events := p.ParseString("data: incomplete")
	if len(events) != 0 {
		t.Fatalf("expected no events before flush, got %v", events)
	}

	evt, ok := p.Flush()
	if !ok || evt.Data != "incomplete" {
		t.Fatalf("Flush() = (%+v, %v), want (incomplete, true)", evt, ok)
	}
}

func TestEventIsDone(t *testing.T) {
	if !(Event{Data: "[DONE]"}).IsDone() {
		t.Error("expected [DONE] data to report IsDone()")
	}
	if (Event{Data: "regular data"}).IsDone() {
		t.Error("expected regular data not to report IsDone()")
	}
}

func TestParserClaudeAPIResponse(t *testing.T) {
	p := NewParser()
	stream := "event: message_start\n" +
		"data: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_123\"}}\n\n" +
		"event: content_block_start\n" +
		"data: {\"type\":\"content_block_start\",\"index\":0}\n\n" +
		"event: content_block_delta\n" +
		"data: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"Hello\"}}\n\n" +
		"event: content_block_delta\n" +
		"data: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\" there!\"}}\n\n" +
		"event: content_block_stop\n" +
		"data: {\"type\":\"content_block_stop\",\"index\":0}\n\n" +
		"event: message_stop\n" +
		"data: {\"type\":\"message_stop\"}\n\n"

	events := p.ParseString(stream)

	if len(events) != 6 {
		t.Fatalf("len(events) = %d, want 6", len(events))
	}
	wantTypes := []string{
		"message_start", "content_block_start", "content_block_delta",
		"content_block_delta", "content_block_stop", "message_stop",
	}
	for i, want := range wantTypes {
		if events[i].EventType != want {
			t.Errorf("events[%d].EventType = %q, want %q", i, events[i].EventType, want)
		}
	}
}

func TestParserOpenAIDoneMarker(t *testing.T) {
	p := NewParser()
	stream := "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"Hello\"}}]}\n\n" +
		"data: [DONE]\n\n"

	events := p.ParseString(stream)

	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(events))
	}
	if !events[2].IsDone() {
		t.Error("expected the last event to be the [DONE] marker")
	}
}

func TestParserStreamingChunksRealScenario(t *testing.T) {
	p := NewParser()

	chunk1 := "event: content_block_delta\ndata: {\"type\":\"content_blo"
	chunk2 := "ck_delta\",\"delta\":{\"text\":\"He"
	chunk3 := "llo\"}}\n\n"

	if events := p.ParseString(chunk1); len(events) != 0 {
		t.Fatalf("expected no events from chunk1, got %v", events)
	}
	if events := p.ParseString(chunk2); len(events) != 0 {
		t.Fatalf("expected no events from chunk2, got %v", events)
	}
	events := p.ParseString(chunk3)
	if len(events) != 1 || events[0].EventType != "content_block_delta" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestParserIDWithoutNull(t *testing.T) {
	p := NewParser()
	events := p.ParseString("id: valid-id\ndata: test\n\n")
	if !events[0].HasID || events[0].ID != "valid-id" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestParserIDWithNullIgnored(t *testing.T) {
	p := NewParser()
	events := p.ParseString("id: invalid\x00id\ndata: test\n\n")
	if events[0].HasID {
		t.Fatalf("expected id containing NUL to be ignored, got %+v", events[0])
	}
}

func TestParserInvalidRetryIgnored(t *testing.T) {
	p := NewParser()
	events := p.ParseString("retry: not-a-number\ndata: test\n\n")
	if events[0].HasRetry {
		t.Fatalf("expected non-numeric retry to be ignored, got %+v", events[0])
	}
}

func TestParserFieldWithoutColon(t *testing.T) {
	p := NewParser()
	events := p.ParseString("data\n\n")

	if len(events) != 1 || events[0].Data != "" {
		t.Fatalf("expected field without colon to act as empty-value field, got %+v", events)
	}
}

func TestParserUnknownFieldIgnored(t *testing.T) {
	p := NewParser()
	events := p.ParseString("unknown: value\ndata: test\n\n")

	if len(events) != 1 || events[0].Data != "test" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestParserReset(t *testing.T) {
	p := NewParser()
	p.ParseString("data: incomplete")
	p.Reset()

	events := p.ParseString("data: fresh\n\n")
	if len(events) != 1 || events[0].Data != "fresh" {
		t.Fatalf("unexpected events after reset: %+v", events)
	}
}
