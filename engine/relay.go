package engine

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/simon8233/ssync/proc"
	"github.com/simon8233/ssync/report"
)

// Relay runs the fan-out distribution at one tree node: direct transfers to
// the branch heads (or to every host below the threshold), then delegation
// of each non-empty remainder to its confirmed head.
type Relay struct {
	spawner proc.Spawner
	tools   Toolset
	sink    report.Sink
	log     *zap.Logger
}

// NewRelay creates a Relay. A nil sink discards events and a nil logger
// disables logging.
func NewRelay(spawner proc.Spawner, tools Toolset, sink report.Sink, log *zap.Logger) *Relay {
	if sink == nil {
		sink = report.Discard
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{spawner: spawner, tools: tools, sink: sink, log: log}
}

// Run distributes to hosts under rc. Below Threshold it dispatches one
// direct cohort covering every host and no tree is built. Otherwise it
// splits the list, relays to both heads (substituting failed heads from
// their remainder under Continue) and only then delegates each non-empty
// remainder to its confirmed head.
//
// Under Strict the returned error is the *StatusError of the first failed
// cohort member. Under Continue isolated host and branch failures are
// absorbed and Run returns nil; the emitted events carry the accounting.
//
// A canceled ctx SIGTERMs the running cohort best-effort; Continue reports
// the cancellation itself once the join settles, while Strict reports the
// first signaled member's status.
func (r *Relay) Run(ctx context.Context, rc Context, hosts []string) error {
	if len(hosts) == 0 {
		return nil
	}
	r.log.Info("node starting",
		zap.Int("hosts", len(hosts)),
		zap.String("policy", rc.Policy.String()))

	if len(hosts) < Threshold {
		return r.runLeaf(ctx, rc, hosts)
	}

	left, right := Split(hosts)
	confirmed, err := r.relayHeads(ctx, rc, []*Branch{&left, &right})
	if err != nil {
		return err
	}
	return r.delegate(ctx, rc, confirmed)
}

// runLeaf is the basecase: one cohort covering every host. Hosts here have
// no remainder behind them, so Continue records failures without
// substitution.
func (r *Relay) runLeaf(ctx context.Context, rc Context, hosts []string) error {
	cohort := NewCohort(OpTransfer, rc, r.sink, r.log)
	for _, host := range hosts {
		r.send(cohort, rc, host)
	}
	if _, err := cohort.Wait(ctx); err != nil {
		return err
	}
	// Continue absorbs signaled members into the failure set, so an
	// interrupt must surface as this node's own terminal status.
	return ctx.Err()
}

// relayHeads delivers the direct transfer to each branch head, dispatching
// the whole wave before waiting on any member. Under Continue a failed head
// is replaced by the next host popped from its remainder and retried in the
// following wave, until a substitute is delivered or the branch runs out of
// hosts; an exhausted branch contributes nothing further and raises no
// error. The returned branches are the ones whose head was confirmed.
func (r *Relay) relayHeads(ctx context.Context, rc Context, branches []*Branch) ([]*Branch, error) {
	var confirmed []*Branch
	pending := branches

	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return confirmed, err
		}

		cohort := NewCohort(OpTransfer, rc, r.sink, r.log)
		for _, b := range pending {
			r.send(cohort, rc, b.Head)
		}
		failures, err := cohort.Wait(ctx)
		if err != nil {
			return confirmed, err
		}

		var retry []*Branch
		for _, b := range pending {
			if _, failed := failures[b.Head]; !failed {
				confirmed = append(confirmed, b)
				continue
			}
			if len(b.Rest) == 0 {
				r.emit(rc, report.KindExhausted, b.Head, 0, "no substitutes left")
				r.log.Warn("branch exhausted", zap.String("host", b.Head))
				continue
			}
			sub := b.Rest[0]
			b.Rest = b.Rest[1:]
			r.emit(rc, report.KindPromoted, sub, 0, "replaces "+b.Head)
			r.log.Info("substitute promoted",
				zap.String("host", sub), zap.String("replaces", b.Head))
			b.Head = sub
			retry = append(retry, b)
		}
		pending = retry
	}
	return confirmed, nil
}

// delegate hands each non-empty remainder to its confirmed head: one remote
// re-invocation of this program per branch, one hop deeper, dispatched and
// joined as a cohort like any transfer wave. The head's transfer completed
// strictly before this point; delegation never targets an unconfirmed head.
//
// A failed delegation under Continue abandons its whole subtree: there is
// no substitution for delegation channels and no retry.
func (r *Relay) delegate(ctx context.Context, rc Context, branches []*Branch) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cohort := NewCohort(OpDelegate, rc, r.sink, r.log)
	rests := make(map[string][]string, len(branches))
	for _, b := range branches {
		if len(b.Rest) == 0 {
			// Pure leaf: nothing behind the head to hand over.
			continue
		}
		rests[b.Head] = b.Rest
		r.emit(rc, report.KindDelegated, b.Head, 0, strings.Join(b.Rest, ","))
		cmd := r.tools.Delegate(b.Head, b.Rest, rc.Next())
		r.log.Debug("dispatching delegation",
			zap.String("host", b.Head),
			zap.Int("remainder", len(b.Rest)),
			zap.String("tool", cmd.Path))
		h, err := r.spawner.Spawn(cmd)
		if err != nil {
			r.log.Warn("failed to dispatch delegation",
				zap.String("host", b.Head), zap.Error(err))
			cohort.AddFailed(b.Head, proc.Status{State: proc.StateExited, Code: 127, Err: err})
			continue
		}
		cohort.Add(b.Head, h)
	}
	if cohort.Len() == 0 {
		return ctx.Err()
	}

	failures, err := cohort.Wait(ctx)
	if err != nil {
		return err
	}
	for head, st := range failures {
		for _, host := range rests[head] {
			r.emit(rc, report.KindAbandoned, host, st.ExitCode(), "relay "+head+" failed")
		}
	}
	// Same rule as the transfer paths: the cancellation outlives the join.
	return ctx.Err()
}

// send dispatches the transfer tool for one host into the cohort. A dispatch
// that cannot start joins as an already-failed member with exit 127, the way
// a shell reports an unlaunchable command.
func (r *Relay) send(c *Cohort, rc Context, host string) {
	r.emit(rc, report.KindSent, host, 0, "")
	cmd := r.tools.Transfer(host)
	r.log.Debug("dispatching transfer",
		zap.String("host", host),
		zap.String("tool", cmd.Path),
		zap.Strings("args", cmd.Args))
	h, err := r.spawner.Spawn(cmd)
	if err != nil {
		r.log.Warn("failed to dispatch transfer",
			zap.String("host", host), zap.Error(err))
		c.AddFailed(host, proc.Status{State: proc.StateExited, Code: 127, Err: err})
		return
	}
	c.Add(host, h)
}

func (r *Relay) emit(rc Context, kind report.Kind, host string, code int, note string) {
	r.sink.Emit(report.Event{
		Time:  time.Now(),
		Run:   rc.Run,
		Depth: rc.Depth,
		Kind:  kind,
		Host:  host,
		Code:  code,
		Note:  note,
	})
}
