package engine

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/simon8233/ssync/proc"
	"github.com/simon8233/ssync/report"
)

// Policy selects how cohort member failures are handled.
type Policy int

const (
	// Strict aborts the whole job tree on the first cohort member failure.
	Strict Policy = iota
	// Continue absorbs failures: failed heads are substituted from their
	// remainder and failed subtrees abandoned, without aborting the job.
	Continue
)

// String returns the policy's flag spelling.
func (p Policy) String() string {
	if p == Continue {
		return "continue"
	}
	return "strict"
}

// Op labels what a cohort's members are doing.
type Op int

const (
	// OpTransfer members run the file transfer tool against one host each.
	OpTransfer Op = iota
	// OpDelegate members run the remote execution channel, each carrying a
	// whole delegated subtree.
	OpDelegate
)

func (o Op) String() string {
	if o == OpDelegate {
		return "delegation"
	}
	return "transfer"
}

// FailureSet maps each failed member's host to its terminal status. It is
// computed per cohort and consumed immediately by the caller.
type FailureSet map[string]proc.Status

// StatusError carries a failed member's derived exit status up the tree.
// Under Strict the process terminates with exactly this code, so it travels
// unchanged through every delegation hop and the original invoker observes
// the true originating failure.
type StatusError struct {
	Op     Op
	Host   string
	Status proc.Status
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("%s to %s failed: %s", e.Op, e.Host, e.Status)
}

// ExitCode returns the derived exit code the process must terminate with.
func (e *StatusError) ExitCode() int {
	return e.Status.ExitCode()
}

// member is one supervised child operation, keyed by the host it targets.
// It is running until Wait settles it into a terminal status.
type member struct {
	host   string
	handle proc.Handle // nil when the dispatch itself never started
	status proc.Status
}

// Cohort supervises the child operations dispatched together at one tree
// node for one concurrent wave. Members are added while dispatching and
// joined by a single call to Wait.
type Cohort struct {
	op      Op
	rc      Context
	sink    report.Sink
	log     *zap.Logger
	members []*member
}

// NewCohort creates an empty cohort for one dispatch wave.
func NewCohort(op Op, rc Context, sink report.Sink, log *zap.Logger) *Cohort {
	return &Cohort{op: op, rc: rc, sink: sink, log: log}
}

// Add tracks a dispatched child targeting host.
func (c *Cohort) Add(host string, h proc.Handle) {
	c.members = append(c.members, &member{host: host, handle: h})
}

// AddFailed records a dispatch that never produced a running child, such as
// a spawn error. It joins the cohort as an already-terminal member.
func (c *Cohort) AddFailed(host string, st proc.Status) {
	c.members = append(c.members, &member{host: host, status: st})
}

// Len returns the number of tracked members.
func (c *Cohort) Len() int {
	return len(c.members)
}

// Wait blocks until every member reaches a terminal state. It is a full
// join: it never returns early on the first failure, and every handle is
// reaped exactly once. Outcomes are classified as members finish: exit 0 is
// a success, everything else a failure.
//
// Under Strict the first observed failure sends a best-effort SIGTERM to
// every other member of this cohort, the join still runs to completion, and
// the failure is returned as a *StatusError carrying the member's derived
// status. Under Continue failures are only recorded in the FailureSet and
// sibling members run on undisturbed.
//
// Cancelling ctx delivers the same best-effort SIGTERM to the whole cohort;
// the join then completes with whatever statuses the members die with.
func (c *Cohort) Wait(ctx context.Context) (FailureSet, error) {
	policy := c.rc.Policy
	type outcome struct {
		m  *member
		st proc.Status
	}
	results := make(chan outcome, len(c.members))

	live := 0
	for _, m := range c.members {
		if m.handle == nil {
			continue
		}
		live++
		go func(m *member) {
			results <- outcome{m: m, st: m.handle.Wait()}
		}(m)
	}

	stop := context.AfterFunc(ctx, func() {
		c.log.Warn("cancellation requested, signaling cohort",
			zap.String("op", c.op.String()))
		c.signal(nil, syscall.SIGTERM)
	})
	defer stop()

	failures := make(FailureSet)
	var abort *StatusError

	settle := func(m *member, st proc.Status) {
		m.status = st
		if st.Success() {
			c.emit(c.okKind(), m.host, 0, "")
			c.log.Debug("member succeeded",
				zap.String("op", c.op.String()), zap.String("host", m.host))
			return
		}
		failures[m.host] = st
		c.emit(c.failKind(), m.host, st.ExitCode(), st.String())
		c.log.Warn("member failed",
			zap.String("op", c.op.String()), zap.String("host", m.host),
			zap.String("status", st.String()))
		if policy == Strict && abort == nil {
			abort = &StatusError{Op: c.op, Host: m.host, Status: st}
			c.signal(m, syscall.SIGTERM)
		}
	}

	// Dispatches that never started are already terminal.
	for _, m := range c.members {
		if m.handle == nil {
			settle(m, m.status)
		}
	}
	for ; live > 0; live-- {
		r := <-results
		settle(r.m, r.st)
	}

	if abort != nil {
		return failures, abort
	}
	return failures, nil
}

// signal delivers sig to every running member except skip. Errors from
// children that already terminated are expected and ignored: aborting is
// best-effort.
func (c *Cohort) signal(skip *member, sig os.Signal) {
	for _, m := range c.members {
		if m == skip || m.handle == nil {
			continue
		}
		if err := m.handle.Signal(sig); err != nil {
			c.log.Debug("signal not delivered",
				zap.String("host", m.host), zap.Error(err))
		}
	}
}

func (c *Cohort) okKind() report.Kind {
	if c.op == OpDelegate {
		return report.KindRelayed
	}
	return report.KindDelivered
}

func (c *Cohort) failKind() report.Kind {
	if c.op == OpDelegate {
		return report.KindRelayFailed
	}
	return report.KindFailed
}

func (c *Cohort) emit(kind report.Kind, host string, code int, note string) {
	c.sink.Emit(report.Event{
		Time:  time.Now(),
		Run:   c.rc.Run,
		Depth: c.rc.Depth,
		Kind:  kind,
		Host:  host,
		Code:  code,
		Note:  note,
	})
}
