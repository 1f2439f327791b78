// Package tool builds the external commands a tree node dispatches: the
// transfer tool that delivers the sources to one host and the remote
// execution channel that re-invokes this program on a host already reached.
package tool

import (
	"io"
	"path/filepath"
	"strconv"

	"github.com/kballard/go-shellquote"

	"github.com/simon8233/ssync/engine"
	"github.com/simon8233/ssync/proc"
)

// Defaults for the external tools and the remote program name. All three can
// be overridden through the config file.
const (
	DefaultTransferPath = "scp"
	DefaultExecPath     = "ssh"
	DefaultProgram      = "ssync"
)

// External is one external tool: its path and the options always placed
// before the positional arguments.
type External struct {
	Path    string
	Options []string
}

// Set builds concrete tool invocations for one run. It implements
// engine.Toolset; the engine decides who gets dispatched, Set decides what
// the argv looks like.
type Set struct {
	spec     engine.TransferSpec
	transfer External
	exec     External
	program  string

	// ChildStdout and ChildStderr replace the inherited streams on every
	// built command when non-nil. The live board wires event-decoding
	// writers here; otherwise children write straight to the terminal and
	// their output relays verbatim up the tree.
	ChildStdout io.Writer
	ChildStderr io.Writer
}

// NewSet creates a Set for spec. Empty tool paths fall back to the defaults.
func NewSet(spec engine.TransferSpec, transfer, exec External, program string) *Set {
	if transfer.Path == "" {
		transfer.Path = DefaultTransferPath
	}
	if exec.Path == "" {
		exec.Path = DefaultExecPath
	}
	if program == "" {
		program = DefaultProgram
	}
	return &Set{spec: spec, transfer: transfer, exec: exec, program: program}
}

// Transfer builds the command delivering every source to host: configured
// options first, then the user's options, the sources, and the concrete
// destination derived from the template.
func (s *Set) Transfer(host string) proc.Command {
	args := make([]string, 0, len(s.transfer.Options)+len(s.spec.Options)+len(s.spec.Sources)+1)
	args = append(args, s.transfer.Options...)
	args = append(args, s.spec.Options...)
	args = append(args, s.spec.Sources...)
	args = append(args, s.spec.Target(host))
	return proc.Command{
		Path:   s.transfer.Path,
		Args:   args,
		Stdout: s.ChildStdout,
		Stderr: s.ChildStderr,
	}
}

// Delegate builds the remote re-invocation of this program on head against
// remainder. The remote command changes into the destination directory,
// where the sources just landed, and runs the program with next serialized
// into its flags. The channel relays the remote exit status as its own, so
// the delegation's handle reports the remote node's terminal status.
func (s *Set) Delegate(head string, remainder []string, next engine.Context) proc.Command {
	remote := "cd " + shellquote.Join(s.spec.Dir) + " && " + shellquote.Join(s.remoteArgv(remainder, next)...)
	args := make([]string, 0, len(s.exec.Options)+2)
	args = append(args, s.exec.Options...)
	args = append(args, s.spec.Login(head))
	args = append(args, remote)
	return proc.Command{
		Path:   s.exec.Path,
		Args:   args,
		Stdout: s.ChildStdout,
		Stderr: s.ChildStderr,
	}
}

// remoteArgv serializes the delegate invocation: same program, same policy
// and option settings, sources reduced to the basenames now present in the
// destination directory, the template kept verbatim with its marker, and the
// remainder after the host-list separator.
func (s *Set) remoteArgv(remainder []string, next engine.Context) []string {
	argv := []string{
		s.program,
		"--depth", strconv.Itoa(next.Depth),
		"--run-id", next.Run,
		"--tui=false",
	}
	if next.Policy == engine.Continue {
		argv = append(argv, "--continue")
	}
	if next.Quiet {
		argv = append(argv, "--quiet")
	}
	if next.Emit {
		argv = append(argv, "--emit")
	}
	for _, opt := range s.spec.Options {
		argv = append(argv, "-o", opt)
	}
	for _, src := range s.spec.Sources {
		argv = append(argv, filepath.Base(src))
	}
	argv = append(argv, s.spec.Template, "--")
	argv = append(argv, remainder...)
	return argv
}
