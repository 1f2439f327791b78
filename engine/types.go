// Package engine implements the recursive fan-out distribution tree: host
// list splitting, cohort supervision, direct relay transfers and delegation
// of remainders to the hosts already reached.
package engine

import (
	"strings"

	"github.com/simon8233/ssync/proc"
)

// HostMark is the placeholder token in a destination template that gets
// replaced with a concrete host identifier, pdsh-style.
const HostMark = "%h"

// Context carries the settings one tree node runs under. It is constant for
// the lifetime of the node except Depth, which grows by exactly one per
// delegation hop. Every delegate receives a fully serialized copy; tree
// nodes share no other state.
type Context struct {
	// Run is the job identifier minted once at depth 0.
	Run string
	// Depth is the number of delegation hops between this node and the
	// original invocation.
	Depth int
	// Policy selects strict or continue failure handling.
	Policy Policy
	// Quiet suppresses human event lines.
	Quiet bool
	// Emit switches event output to machine lines.
	Emit bool
}

// Next returns the context a delegate runs under: one hop deeper, everything
// else unchanged.
func (c Context) Next() Context {
	c.Depth++
	return c
}

// TransferSpec describes what one run distributes. The destination template
// keeps the host marker intact; per-host destinations are derived from it and
// the spec itself is never mutated.
type TransferSpec struct {
	// Sources are the paths handed to the transfer tool at this node.
	Sources []string
	// User is the credential for both transfer and delegation. May be empty.
	User string
	// Dir is the absolute destination directory, identical on every host.
	// It doubles as the working directory for delegated re-invocations.
	Dir string
	// Template is the user@%h:dir destination token with the marker intact.
	Template string
	// Options are passed verbatim to the transfer tool.
	Options []string
}

// Target renders the concrete destination for one host by substituting the
// host marker in the template.
func (s TransferSpec) Target(host string) string {
	return strings.ReplaceAll(s.Template, HostMark, host)
}

// Login renders the user@host argument for the remote execution channel.
func (s TransferSpec) Login(host string) string {
	if s.User == "" {
		return host
	}
	return s.User + "@" + host
}

// Toolset builds the external tool invocations a node dispatches: the file
// transfer tool and the remote execution channel re-invoking this program.
// Implementations decide tool paths, options and output plumbing; the engine
// only decides who gets dispatched when.
type Toolset interface {
	// Transfer returns the command delivering the sources to one host.
	Transfer(host string) proc.Command

	// Delegate returns the command re-invoking this program on head against
	// remainder, under the serialized context next.
	Delegate(head string, remainder []string, next Context) proc.Command
}
