// Package proc wraps os/exec in a small spawn/wait/signal abstraction so the
// rest of the program never decodes raw OS wait statuses itself.
package proc

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
)

// State is the terminal state of a child process. A handle that has not been
// waited on yet is implicitly still running.
type State int

const (
	// StateSucceeded means the child exited with status 0.
	StateSucceeded State = iota
	// StateExited means the child exited on its own with a non-zero status.
	StateExited
	// StateSignaled means the child was terminated by a signal.
	StateSignaled
)

// Status describes how a child process terminated.
type Status struct {
	State  State
	Code   int            // exit status when State == StateExited
	Signal syscall.Signal // terminating signal when State == StateSignaled

	// Err holds the wait error when it carried more than an exit status
	// (for example a pipe copy failure). Informational only.
	Err error
}

// Success reports whether the child exited with status 0.
func (s Status) Success() bool {
	return s.State == StateSucceeded
}

// ExitCode derives the shell-style exit code for the status: 0 on success,
// the exit status for a plain exit, and 128+signal for a signaled child.
func (s Status) ExitCode() int {
	switch s.State {
	case StateSucceeded:
		return 0
	case StateSignaled:
		return 128 + int(s.Signal)
	default:
		return s.Code
	}
}

// String renders the status the way a shell would report it.
func (s Status) String() string {
	switch s.State {
	case StateSucceeded:
		return "ok"
	case StateSignaled:
		return fmt.Sprintf("signal %d (%s)", int(s.Signal), s.Signal)
	default:
		return fmt.Sprintf("exit %d", s.Code)
	}
}

// Command describes one child process to spawn. Nil Stdout/Stderr inherit the
// parent's streams, which is what relays output verbatim up an ssh chain.
// Nil Env inherits the parent's environment.
type Command struct {
	Path   string
	Args   []string
	Dir    string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// Handle is an opaque handle to one spawned child process. It must be waited
// on exactly once; Signal is safe at any time and best-effort after exit.
type Handle interface {
	// Wait blocks until the child terminates and classifies the outcome.
	Wait() Status

	// Signal delivers sig to the child. Signaling a child that already
	// terminated returns an error that callers are expected to ignore.
	Signal(sig os.Signal) error

	// Pid returns the OS process id of the child.
	Pid() int
}

// Spawner starts child processes. The engine is written against this
// interface so tests can substitute scripted children.
type Spawner interface {
	Spawn(cmd Command) (Handle, error)
}

// OSSpawner is the real Spawner backed by os/exec.
type OSSpawner struct{}

// NewSpawner returns a Spawner that starts real OS processes.
func NewSpawner() *OSSpawner {
	return &OSSpawner{}
}

// Spawn starts the command without waiting for it. Output streams left nil
// inherit the parent's stdout/stderr.
func (s *OSSpawner) Spawn(cmd Command) (Handle, error) {
	c := exec.Command(cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = cmd.Env
	c.Stdout = cmd.Stdout
	if c.Stdout == nil {
		c.Stdout = os.Stdout
	}
	c.Stderr = cmd.Stderr
	if c.Stderr == nil {
		c.Stderr = os.Stderr
	}
	c.Stdin = nil

	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", cmd.Path, err)
	}
	return &osHandle{cmd: c}, nil
}

type osHandle struct {
	cmd *exec.Cmd
}

func (h *osHandle) Wait() Status {
	return classify(h.cmd.Wait())
}

func (h *osHandle) Signal(sig os.Signal) error {
	return h.cmd.Process.Signal(sig)
}

func (h *osHandle) Pid() int {
	return h.cmd.Process.Pid
}

// classify maps the error returned by exec.Cmd.Wait onto a Status.
func classify(err error) Status {
	if err == nil {
		return Status{State: StateSucceeded}
	}

	if exitErr, ok := err.(*exec.ExitError); ok {
		ws, ok := exitErr.Sys().(syscall.WaitStatus)
		if ok && ws.Signaled() {
			return Status{State: StateSignaled, Signal: ws.Signal()}
		}
		return Status{State: StateExited, Code: exitErr.ExitCode()}
	}

	// Wait failed for a reason other than the child's exit status, e.g. an
	// output copy error. Treat it as a failed run so callers never mistake
	// it for success.
	return Status{State: StateExited, Code: 1, Err: err}
}
