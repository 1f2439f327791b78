package report

import (
	"strings"
	"testing"
	"time"
)

func TestEvent_String(t *testing.T) {
	tests := []struct {
		event    Event
		expected string
	}{
		{Event{Depth: 0, Kind: KindDelivered, Host: "h1"}, "[0] delivered h1"},
		{Event{Depth: 2, Kind: KindFailed, Host: "h3", Code: 1, Note: "exit 1"}, "[2] failed h3: exit 1"},
		{Event{Depth: 1, Kind: KindPromoted, Host: "h2", Note: "replaces h1"}, "[1] promoted h2: replaces h1"},
		{Event{Depth: 0, Kind: KindNote, Note: "scp: warning"}, "[0] note: scp: warning"},
	}

	for _, tt := range tests {
		if got := tt.event.String(); got != tt.expected {
			t.Errorf("String() = %q; want %q", got, tt.expected)
		}
	}
}

func TestLineCodec_RoundTrip(t *testing.T) {
	events := []Event{
		{Time: time.UnixMilli(1700000000000), Run: "run-1", Depth: 0, Kind: KindDelivered, Host: "h1"},
		{Time: time.UnixMilli(1700000001234), Run: "run-1", Depth: 3, Kind: KindFailed, Host: "node-7.example.com", Code: 255, Note: "exit 255"},
		{Time: time.UnixMilli(1700000002000), Run: "run-1", Depth: 1, Kind: KindAbandoned, Host: "h9", Code: 143, Note: "relay h5 failed"},
	}

	for _, e := range events {
		line := e.MarshalLine()
		got, ok := ParseLine(line)
		if !ok {
			t.Fatalf("Failed to parse marshaled line %q", line)
		}
		if got != e {
			t.Errorf("Round trip mismatch: got %+v, want %+v", got, e)
		}
	}
}

func TestMarshalLine_SanitizesNote(t *testing.T) {
	e := Event{Kind: KindNote, Note: "line\twith\ntabs"}
	line := e.MarshalLine()

	got, ok := ParseLine(line)
	if !ok {
		t.Fatalf("Failed to parse marshaled line %q", line)
	}
	if strings.ContainsAny(got.Note, "\t\n") {
		t.Errorf("Expected sanitized note, got %q", got.Note)
	}
}

func TestParseLine_SkipsNoise(t *testing.T) {
	noise := []string{
		"",
		"scp: /data/file: Permission denied",
		"ssync-ev\tonly\tthree",
		"other-tag\trun\t0\t0\tsent\th1\t0\tx",
		"ssync-ev\trun\tNaN\t0\tsent\th1\t0\tx",
	}

	for _, line := range noise {
		if _, ok := ParseLine(line); ok {
			t.Errorf("Expected ParseLine(%q) to be skipped", line)
		}
	}
}

func TestLineSink(t *testing.T) {
	var human strings.Builder
	NewLineSink(&human, false).Emit(Event{Depth: 1, Kind: KindDelivered, Host: "h1"})
	if got := human.String(); got != "[1] delivered h1\n" {
		t.Errorf("Expected human line, got %q", got)
	}

	var machine strings.Builder
	NewLineSink(&machine, true).Emit(Event{Run: "r", Depth: 1, Kind: KindDelivered, Host: "h1"})
	if !strings.HasPrefix(machine.String(), "ssync-ev\t") {
		t.Errorf("Expected machine line, got %q", machine.String())
	}
}

func TestLineWriter_SplitsChunks(t *testing.T) {
	var lines []string
	w := NewLineWriter(func(line string) { lines = append(lines, line) })

	w.Write([]byte("first li"))
	w.Write([]byte("ne\r\nsecond line\npart"))
	w.Write([]byte("ial"))
	w.Flush()

	expected := []string{"first line", "second line", "partial"}
	if len(lines) != len(expected) {
		t.Fatalf("Expected %d lines, got %d: %v", len(expected), len(lines), lines)
	}
	for i, want := range expected {
		if lines[i] != want {
			t.Errorf("Line %d = %q; want %q", i, lines[i], want)
		}
	}
}

func TestEventWriter(t *testing.T) {
	var events []Event
	sink := SinkFunc(func(e Event) { events = append(events, e) })

	w := NewEventWriter(sink, 2)
	ev := Event{Time: time.UnixMilli(1700000000000), Run: "r", Depth: 3, Kind: KindDelivered, Host: "h4"}
	w.Write([]byte(ev.MarshalLine() + "\n"))
	w.Write([]byte("ssh: connect to host h9: Connection refused\n"))
	w.Write([]byte("\n"))

	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d: %v", len(events), events)
	}
	if events[0] != ev {
		t.Errorf("Expected decoded event %+v, got %+v", ev, events[0])
	}
	if events[1].Kind != KindNote || events[1].Depth != 2 {
		t.Errorf("Expected note event at depth 2, got %+v", events[1])
	}
	if events[1].Note != "ssh: connect to host h9: Connection refused" {
		t.Errorf("Unexpected note text %q", events[1].Note)
	}
}

func TestCounter(t *testing.T) {
	c := NewCounter()
	c.Emit(Event{Kind: KindDelivered})
	c.Emit(Event{Kind: KindDelivered})
	c.Emit(Event{Kind: KindFailed})

	if got := c.Count(KindDelivered); got != 2 {
		t.Errorf("Expected 2 delivered, got %d", got)
	}
	if got := c.Count(KindFailed); got != 1 {
		t.Errorf("Expected 1 failed, got %d", got)
	}
	if got := c.Count(KindAbandoned); got != 0 {
		t.Errorf("Expected 0 abandoned, got %d", got)
	}
}

func TestTee(t *testing.T) {
	a, b := NewCounter(), NewCounter()
	Tee(a, b).Emit(Event{Kind: KindSent})

	if a.Count(KindSent) != 1 || b.Count(KindSent) != 1 {
		t.Errorf("Expected both sinks to see the event, got %d and %d",
			a.Count(KindSent), b.Count(KindSent))
	}
}
