// Package report defines the per-host outcome events emitted by every tree
// node, a line codec for relaying them through an ssh chain, and the sinks
// that consume them (terminal, TUI, counters, run store).
package report

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Kind identifies one per-host outcome event.
type Kind string

const (
	// KindSent marks a direct transfer dispatched to a host.
	KindSent Kind = "sent"
	// KindDelivered marks a direct transfer that succeeded.
	KindDelivered Kind = "delivered"
	// KindFailed marks a direct transfer that exited non-zero or was signaled.
	KindFailed Kind = "failed"
	// KindPromoted marks a substitute host taking over a failed head's branch.
	KindPromoted Kind = "promoted"
	// KindExhausted marks a branch that ran out of substitute hosts.
	KindExhausted Kind = "exhausted"
	// KindDelegated marks a remainder handed to a confirmed head.
	KindDelegated Kind = "delegated"
	// KindRelayed marks a delegation whose remote subtree finished cleanly.
	KindRelayed Kind = "relayed"
	// KindRelayFailed marks a delegation that exited non-zero or was signaled.
	KindRelayFailed Kind = "relay-failed"
	// KindAbandoned marks a host lost because its subtree's delegation failed.
	KindAbandoned Kind = "abandoned"
	// KindNote carries free-form output captured from a child process.
	KindNote Kind = "note"
)

// Event is one per-host outcome observed at one tree node. Code holds the
// derived exit code for failure kinds and is zero otherwise.
type Event struct {
	Time  time.Time
	Run   string
	Depth int
	Kind  Kind
	Host  string
	Code  int
	Note  string
}

// String renders the event as the human line printed on stdout.
func (e Event) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] %s", e.Depth, e.Kind)
	if e.Host != "" {
		b.WriteByte(' ')
		b.WriteString(e.Host)
	}
	if e.Note != "" {
		b.WriteString(": ")
		b.WriteString(e.Note)
	}
	return b.String()
}

// lineTag leads every machine event line so a decoder can pick events out of
// merged child output without touching unrelated lines.
const lineTag = "ssync-ev"

// MarshalLine encodes the event as one tab-separated machine line.
func (e Event) MarshalLine() string {
	clean := strings.NewReplacer("\t", " ", "\n", " ")
	return strings.Join([]string{
		lineTag,
		e.Run,
		strconv.Itoa(e.Depth),
		strconv.FormatInt(e.Time.UnixMilli(), 10),
		string(e.Kind),
		e.Host,
		strconv.Itoa(e.Code),
		clean.Replace(e.Note),
	}, "\t")
}

// ParseLine decodes one machine line. It reports false for any line that is
// not a well-formed event, which lets decoders skip tool noise.
func ParseLine(line string) (Event, bool) {
	f := strings.Split(line, "\t")
	if len(f) != 8 || f[0] != lineTag {
		return Event{}, false
	}
	depth, err := strconv.Atoi(f[2])
	if err != nil {
		return Event{}, false
	}
	ms, err := strconv.ParseInt(f[3], 10, 64)
	if err != nil {
		return Event{}, false
	}
	code, err := strconv.Atoi(f[6])
	if err != nil {
		return Event{}, false
	}
	return Event{
		Time:  time.UnixMilli(ms),
		Run:   f[1],
		Depth: depth,
		Kind:  Kind(f[4]),
		Host:  f[5],
		Code:  code,
		Note:  f[7],
	}, true
}

// Sink consumes events. Implementations must be safe for concurrent use:
// decoders forward events from one goroutine per child process.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

// Emit calls f(e).
func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Tee fans every event out to all of the given sinks in order.
func Tee(sinks ...Sink) Sink {
	return SinkFunc(func(e Event) {
		for _, s := range sinks {
			s.Emit(e)
		}
	})
}

// LineSink writes one line per event to w: the machine form when machine is
// set, the human form otherwise.
type LineSink struct {
	mu      sync.Mutex
	w       io.Writer
	machine bool
}

// NewLineSink creates a LineSink writing to w.
func NewLineSink(w io.Writer, machine bool) *LineSink {
	return &LineSink{w: w, machine: machine}
}

// Emit writes the event as one line.
func (s *LineSink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.machine {
		fmt.Fprintln(s.w, e.MarshalLine())
	} else {
		fmt.Fprintln(s.w, e.String())
	}
}

// Counter tallies events by kind.
type Counter struct {
	mu     sync.Mutex
	counts map[Kind]int
}

// NewCounter creates an empty Counter.
func NewCounter() *Counter {
	return &Counter{counts: make(map[Kind]int)}
}

// Emit counts the event.
func (c *Counter) Emit(e Event) {
	c.mu.Lock()
	c.counts[e.Kind]++
	c.mu.Unlock()
}

// Count returns how many events of kind k were seen.
func (c *Counter) Count(k Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[k]
}

// LineWriter is an io.Writer that splits its input into lines and hands each
// complete line to fn. It buffers partial lines across writes.
type LineWriter struct {
	mu  sync.Mutex
	buf []byte
	fn  func(string)
}

// NewLineWriter creates a LineWriter calling fn once per complete line,
// without the trailing newline.
func NewLineWriter(fn func(string)) *LineWriter {
	return &LineWriter{fn: fn}
}

// Write implements io.Writer.
func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			return len(p), nil
		}
		line := strings.TrimRight(string(w.buf[:i]), "\r")
		w.buf = w.buf[i+1:]
		w.fn(line)
	}
}

// Flush hands any buffered partial line to fn.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.fn(string(w.buf))
		w.buf = nil
	}
}

// NewEventWriter returns a writer for a child process's output stream.
// Machine event lines are decoded and forwarded to sink; every other
// non-blank line is forwarded as a note event at the given depth.
func NewEventWriter(sink Sink, depth int) *LineWriter {
	return NewLineWriter(func(line string) {
		if e, ok := ParseLine(line); ok {
			sink.Emit(e)
			return
		}
		if strings.TrimSpace(line) == "" {
			return
		}
		sink.Emit(Event{Time: time.Now(), Depth: depth, Kind: KindNote, Note: line})
	})
}
