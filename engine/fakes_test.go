package engine_test

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/simon8233/ssync/engine"
	"github.com/simon8233/ssync/proc"
	"github.com/simon8233/ssync/report"
)

// fakeHandle is a scripted child process: Wait returns the scripted status
// after delay, unless a termination signal arrives first, in which case the
// child dies signaled the way a real process would.
type fakeHandle struct {
	status proc.Status
	delay  time.Duration
	sig    chan syscall.Signal

	mu      sync.Mutex
	signals []os.Signal
}

func newFakeHandle(st proc.Status, delay time.Duration) *fakeHandle {
	return &fakeHandle{status: st, delay: delay, sig: make(chan syscall.Signal, 1)}
}

func (h *fakeHandle) Wait() proc.Status {
	t := time.NewTimer(h.delay)
	defer t.Stop()
	select {
	case <-t.C:
		return h.status
	case s := <-h.sig:
		return proc.Status{State: proc.StateSignaled, Signal: s}
	}
}

func (h *fakeHandle) Signal(sig os.Signal) error {
	h.mu.Lock()
	h.signals = append(h.signals, sig)
	h.mu.Unlock()
	if s, ok := sig.(syscall.Signal); ok {
		select {
		case h.sig <- s:
		default:
		}
	}
	return nil
}

func (h *fakeHandle) Pid() int { return 4242 }

func (h *fakeHandle) signaled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.signals) > 0
}

// deferredHandle runs fn inside Wait. The relay tests use it to run a
// delegated subtree as a nested in-process relay, standing in for the remote
// re-invocation.
type deferredHandle struct {
	fn func() proc.Status
}

func (h *deferredHandle) Wait() proc.Status { return h.fn() }

func (h *deferredHandle) Signal(sig os.Signal) error { return nil }

func (h *deferredHandle) Pid() int { return 4243 }

// delegation records one Delegate call.
type delegation struct {
	head string
	rest []string
	next engine.Context
}

// fakeTools records every dispatch request and hands back marker commands
// that fakeSpawner understands. The delegation depth rides in the argv just
// like it does over the real remote execution channel.
type fakeTools struct {
	mu          sync.Mutex
	transfers   []string
	delegations []delegation
}

func (f *fakeTools) Transfer(host string) proc.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers = append(f.transfers, host)
	return proc.Command{Path: "transfer", Args: []string{host}}
}

func (f *fakeTools) Delegate(head string, remainder []string, next engine.Context) proc.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delegations = append(f.delegations, delegation{
		head: head,
		rest: append([]string(nil), remainder...),
		next: next,
	})
	args := append([]string{head, strconv.Itoa(next.Depth)}, remainder...)
	return proc.Command{Path: "delegate", Args: args}
}

func (f *fakeTools) transferred() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.transfers...)
}

func (f *fakeTools) delegated() []delegation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delegation(nil), f.delegations...)
}

// fakeSpawner scripts per-host transfer outcomes. Hosts absent from statuses
// succeed. Delegations succeed immediately unless delegateStatus overrides
// the channel outcome or recurse is set, in which case the subtree runs as a
// nested relay and its error becomes the delegation's exit status. The delays
// hold the scripted handles open so tests can interrupt a wave mid-join.
type fakeSpawner struct {
	statuses       map[string]proc.Status
	spawnErr       map[string]error
	delegateStatus map[string]proc.Status
	transferDelay  time.Duration
	delegateDelay  time.Duration
	recurse        func(depth int, hosts []string) proc.Status
}

func (s *fakeSpawner) Spawn(cmd proc.Command) (proc.Handle, error) {
	switch cmd.Path {
	case "transfer":
		host := cmd.Args[0]
		if err := s.spawnErr[host]; err != nil {
			return nil, err
		}
		return newFakeHandle(s.statuses[host], s.transferDelay), nil
	case "delegate":
		head := cmd.Args[0]
		if st, ok := s.delegateStatus[head]; ok {
			return newFakeHandle(st, s.delegateDelay), nil
		}
		if s.recurse == nil {
			return newFakeHandle(proc.Status{}, s.delegateDelay), nil
		}
		depth, err := strconv.Atoi(cmd.Args[1])
		if err != nil {
			return nil, fmt.Errorf("bad fake delegate depth: %w", err)
		}
		rest := append([]string(nil), cmd.Args[2:]...)
		return &deferredHandle{fn: func() proc.Status { return s.recurse(depth, rest) }}, nil
	}
	return nil, fmt.Errorf("unknown fake command %q", cmd.Path)
}

// collectSink gathers emitted events for assertions.
type collectSink struct {
	mu     sync.Mutex
	events []report.Event
}

func (s *collectSink) Emit(e report.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *collectSink) all() []report.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]report.Event(nil), s.events...)
}

func (s *collectSink) ofKind(k report.Kind) []report.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []report.Event
	for _, e := range s.events {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

func (s *collectSink) hosts(k report.Kind) []string {
	var out []string
	for _, e := range s.ofKind(k) {
		out = append(out, e.Host)
	}
	return out
}
