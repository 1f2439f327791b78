package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/simon8233/ssync/config"
	"github.com/simon8233/ssync/engine"
	"github.com/simon8233/ssync/proc"
	"github.com/simon8233/ssync/report"
	"github.com/simon8233/ssync/store"
	"github.com/simon8233/ssync/tool"
	"github.com/simon8233/ssync/ui"
)

var (
	// Global flags
	opts       []string
	continueOn bool
	quiet      bool
	verbose    bool
	emit       bool
	tuiFlag    bool
	depth      int
	runID      string
	stateDir   string
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "ssync [flags] SOURCE... [USER@]%h:DESTDIR -- HOST [HOST...]",
	Short: "ssync - recursive fan-out file distribution",
	Long: `ssync distributes a file set to a large list of hosts by turning every
host it reaches into a relay: the host list is split in half, the two heads
receive the files directly, and each head re-invokes ssync against its own
remainder. Delivery to N hosts takes O(log N) sequential hops instead of N.

The destination uses a literal %h marker where the host goes, pdsh-style.
Below four hosts no tree is built and every host is served directly.`,
	Example: `  ssync payload.tar deploy@%h:/srv/payload -- h1 h2 h3 h4 h5 h6 h7 h8
  ssync --continue -o -C app.tar %h:/opt/app -- $(cat hosts.txt)`,
	Args:          cobra.ArbitraryArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runRoot,
}

func init() {
	f := rootCmd.Flags()
	f.StringArrayVarP(&opts, "opt", "o", nil, "Option passed verbatim to the transfer tool (repeatable)")
	f.BoolVar(&continueOn, "continue", false, "Keep going on failures: substitute failed heads, abandon failed subtrees")
	f.BoolVarP(&quiet, "quiet", "q", false, "Suppress per-host event lines")
	f.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	f.BoolVar(&emit, "emit", false, "Emit machine-readable event lines instead of human ones")
	f.BoolVar(&tuiFlag, "tui", true, "Show the live host board when stdout is a terminal")
	f.IntVar(&depth, "depth", 0, "Delegation depth (set by the delegating parent)")
	f.StringVar(&runID, "run-id", "", "Run identifier (set by the delegating parent)")
	f.StringVar(&stateDir, "state-dir", "", "Directory for run report databases (default from config)")
	f.StringVar(&configPath, "config", "", "Config file (default ~/.config/ssync.yaml)")

	// Delegation plumbing, not operator surface.
	_ = f.MarkHidden("depth")
	_ = f.MarkHidden("run-id")

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usagef("%v", err)
	})
}

func runRoot(cmd *cobra.Command, args []string) error {
	spec, hosts, err := parseInvocation(cmd, args)
	if err != nil {
		return err
	}
	spec.Options = opts

	cfgPath := configPath
	if cfgPath == "" {
		cfgPath = config.DefaultPath()
	}
	cfg, err := config.Load(cfgPath, cmd.Flags().Changed("config"))
	if err != nil {
		return err
	}
	if stateDir == "" {
		stateDir = cfg.StateDir
	}

	policy := engine.Strict
	if continueOn {
		policy = engine.Continue
	}
	if runID == "" {
		runID = uuid.NewString()
	}

	logger, err := buildLogger()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	log := logger.With(zap.String("run_id", runID), zap.Int("depth", depth))

	rc := engine.Context{Run: runID, Depth: depth, Policy: policy, Quiet: quiet, Emit: emit}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if depth > 0 {
		return runRelay(ctx, rc, cfg, spec, hosts, log)
	}
	return runOrigin(ctx, rc, cfg, spec, hosts, log)
}

// buildLogger keeps stderr for diagnostics: stdout belongs to event lines
// and relayed child output.
func buildLogger() (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	switch {
	case verbose:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case quiet:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	}
	return cfg.Build()
}

func newToolset(cfg config.Config, spec engine.TransferSpec) *tool.Set {
	return tool.NewSet(spec,
		tool.External{Path: cfg.Transfer.Path, Options: cfg.Transfer.Options},
		tool.External{Path: cfg.Exec.Path, Options: cfg.Exec.Options},
		cfg.Program)
}

// runRelay is the delegate path, one hop or more below the origin: no board,
// no store, and children inherit the stdio pipes so their lines ride the ssh
// channel back to the origin untouched.
func runRelay(ctx context.Context, rc engine.Context, cfg config.Config, spec engine.TransferSpec, hosts []string, log *zap.Logger) error {
	var sink report.Sink = report.Discard
	switch {
	case rc.Emit:
		sink = report.NewLineSink(os.Stdout, true)
	case !rc.Quiet:
		sink = report.NewLineSink(os.Stdout, false)
	}

	relay := engine.NewRelay(proc.NewSpawner(), newToolset(cfg, spec), sink, log)
	return relay.Run(ctx, rc, hosts)
}

// runOrigin is the depth-0 path. The origin aggregates the whole tree: its
// delegates run in machine-event mode and their merged output is decoded
// back into events, so counters, the run store and the board see every host
// in the job, not just this node's own cohort.
func runOrigin(ctx context.Context, rc engine.Context, cfg config.Config, spec engine.TransferSpec, hosts []string, log *zap.Logger) error {
	start := time.Now()

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	dbPath := filepath.Join(stateDir, "report.db")
	db, err := store.NewRunStore(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open run store: %w", err)
	}
	defer db.Close()

	run := &store.RunRecord{
		ID:        rc.Run,
		StartedAt: start.UTC(),
		Policy:    rc.Policy.String(),
		Hosts:     len(hosts),
		Sources:   spec.Sources,
		Template:  spec.Template,
	}
	if err := db.SaveRun(run); err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}

	counter := report.NewCounter()
	sinks := []report.Sink{counter, report.SinkFunc(func(e report.Event) {
		rec := &store.EventRecord{
			Time:  e.Time,
			Depth: e.Depth,
			Kind:  string(e.Kind),
			Host:  e.Host,
			Code:  e.Code,
			Note:  e.Note,
		}
		if err := db.AppendEvent(rc.Run, rec); err != nil {
			log.Debug("event not recorded", zap.Error(err))
		}
	})}

	isTTY := term.IsTerminal(int(os.Stdout.Fd()))
	useBoard := tuiFlag && !rc.Quiet && !rc.Emit && isTTY

	var prog *tea.Program
	var cancelRun context.CancelFunc
	if useBoard {
		ctx, cancelRun = context.WithCancel(ctx)
		defer cancelRun()
		board := ui.NewBoardModel(rc.Run, rc.Policy.String(), len(hosts), cancelRun)
		prog = tea.NewProgram(board)
		sinks = append(sinks, report.SinkFunc(func(e report.Event) {
			prog.Send(ui.EventMsg{Event: e})
		}))
	} else if rc.Emit {
		sinks = append(sinks, report.NewLineSink(os.Stdout, true))
	} else if !rc.Quiet {
		sinks = append(sinks, report.NewLineSink(os.Stdout, false))
	}
	sink := report.Tee(sinks...)

	// Delegates speak the machine protocol regardless of how this node
	// renders, so the engine runs under a copy with Emit forced; rc keeps
	// the operator's render mode for the summary below.
	tree := rc
	tree.Emit = true
	tools := newToolset(cfg, spec)
	childOut := report.NewEventWriter(sink, tree.Depth+1)
	childErr := report.NewEventWriter(sink, tree.Depth+1)
	tools.ChildStdout = childOut
	tools.ChildStderr = childErr

	relay := engine.NewRelay(proc.NewSpawner(), tools, sink, log)
	log.Info("starting distribution",
		zap.Int("hosts", len(hosts)),
		zap.String("policy", rc.Policy.String()),
		zap.Strings("sources", spec.Sources))

	var runErr error
	if useBoard {
		var g errgroup.Group
		g.Go(func() error {
			_, err := prog.Run()
			return err
		})
		g.Go(func() error {
			runErr = relay.Run(ctx, tree, hosts)
			childOut.Flush()
			childErr.Flush()
			prog.Send(ui.DoneMsg{Err: runErr})
			return nil
		})
		if err := g.Wait(); err != nil {
			log.Warn("host board failed", zap.Error(err))
		}
	} else {
		runErr = relay.Run(ctx, tree, hosts)
		childOut.Flush()
		childErr.Flush()
	}

	run.FinishedAt = time.Now().UTC()
	run.Outcome = outcome(runErr)
	if err := db.SaveRun(run); err != nil {
		log.Warn("run record not updated", zap.Error(err))
	}

	if !rc.Quiet && !rc.Emit {
		printSummary(os.Stdout, counter, time.Since(start), dbPath, rc.Run, isTTY, runErr)
	}
	var status *engine.StatusError
	if errors.As(runErr, &status) && rc.Policy == engine.Strict && !rc.Quiet {
		fmt.Fprintln(os.Stderr, "strict mode aborted on the first failure; retry with --continue to substitute failed heads and keep going")
	}
	return runErr
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return err.Error()
	}
}

// printSummary renders the final totals. Every host lands in exactly one
// bucket: delivered, failed (its own transfer was lost) or abandoned (lost
// behind a dead relay). A head whose relay later died was already delivered,
// so relay failures are not a bucket of their own.
func printSummary(w io.Writer, c *report.Counter, elapsed time.Duration, dbPath, run string, isTTY bool, runErr error) {
	delivered := c.Count(report.KindDelivered)
	failed := c.Count(report.KindFailed)
	abandoned := c.Count(report.KindAbandoned)
	promoted := c.Count(report.KindPromoted)

	line := fmt.Sprintf("delivered %d, failed %d, abandoned %d, substituted %d in %s",
		delivered, failed, abandoned, promoted, elapsed.Round(time.Millisecond))
	if isTTY {
		style := lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
		if runErr != nil || failed > 0 || abandoned > 0 {
			style = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
		}
		line = style.Render(line)
	}
	fmt.Fprintln(w, line)
	fmt.Fprintf(w, "report: %s (run %s)\n", dbPath, run)
}
