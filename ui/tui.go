// Package ui renders the live host board shown at the invoking node: spinner,
// delivery progress and the most recent per-host events, fed from the same
// event stream the run store records.
package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/simon8233/ssync/report"
)

// maxLogLines bounds the event log kept for the viewport.
const maxLogLines = 200

// EventMsg delivers one distribution event to the board.
type EventMsg struct {
	Event report.Event
}

// DoneMsg tells the board the tree has terminated.
type DoneMsg struct {
	Err error
}

// BoardModel implements the tea.Model interface
type BoardModel struct {
	run    string
	policy string
	total  int
	start  time.Time

	// abort cancels the run; wired to the engine context by the caller.
	abort    func()
	aborting bool

	delivered int
	failed    int
	abandoned int
	promoted  int

	failedHosts []string
	lines       []string
	done        bool
	err         error

	spinner  spinner.Model
	progress progress.Model
	viewport viewport.Model

	width  int
	height int

	// Styles
	titleStyle   lipgloss.Style
	infoStyle    lipgloss.Style
	hostStyle    lipgloss.Style
	helpStyle    lipgloss.Style
	errorStyle   lipgloss.Style
	successStyle lipgloss.Style
}

// NewBoardModel creates a board for a run over total hosts. abort is invoked
// once when the operator requests cancellation; it may be nil.
func NewBoardModel(run, policy string, total int, abort func()) BoardModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	prog := progress.New(progress.WithDefaultGradient())

	return BoardModel{
		run:          run,
		policy:       policy,
		total:        total,
		start:        time.Now(),
		abort:        abort,
		spinner:      s,
		progress:     prog,
		titleStyle:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Padding(0, 1),
		infoStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		hostStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("78")),
		helpStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1),
		errorStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		successStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
	}
}

func (m BoardModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
	)
}

func (m BoardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.done {
				return m, tea.Quit
			}
			// Request cancellation and keep the board up until the
			// engine reports back through DoneMsg.
			if !m.aborting && m.abort != nil {
				m.abort()
			}
			m.aborting = true
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = msg.Width - 14

		headerHeight := 5
		footerHeight := 4
		m.viewport = viewport.New(msg.Width, msg.Height-headerHeight-footerHeight)

	case EventMsg:
		m.apply(msg.Event)

	case DoneMsg:
		m.done = true
		m.err = msg.Err
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		m.progress = progressModel.(progress.Model)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

// apply folds one event into the board counters and the scrollback.
func (m *BoardModel) apply(e report.Event) {
	switch e.Kind {
	case report.KindDelivered:
		m.delivered++
	case report.KindFailed:
		m.failed++
		m.failedHosts = append(m.failedHosts, e.Host)
	case report.KindAbandoned:
		m.abandoned++
	case report.KindPromoted:
		m.promoted++
	}

	m.lines = append(m.lines, e.String())
	if len(m.lines) > maxLogLines {
		m.lines = m.lines[len(m.lines)-maxLogLines:]
	}
}

// settled counts hosts with a terminal outcome.
func (m BoardModel) settled() int {
	return m.delivered + m.failed + m.abandoned
}

// pending counts hosts not yet settled.
func (m BoardModel) pending() int {
	p := m.total - m.settled()
	if p < 0 {
		p = 0
	}
	return p
}

func (m BoardModel) percent() float64 {
	if m.total == 0 {
		return 0
	}
	return float64(m.settled()) / float64(m.total)
}

func (m BoardModel) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	var sb strings.Builder

	// Header
	header := fmt.Sprintf("%s ssync %s", m.spinner.View(), m.titleStyle.Render("Fan-out Distribution"))
	sb.WriteString(header + "\n")

	elapsed := time.Since(m.start).Round(time.Second)
	opsInfo := fmt.Sprintf("run %s | %s | %s | delivered %d/%d | failed %d | pending %d",
		shortID(m.run), m.policy, elapsed,
		m.delivered, m.total, m.failed+m.abandoned, m.pending())
	if m.promoted > 0 {
		opsInfo += fmt.Sprintf(" | substituted %d", m.promoted)
	}

	sb.WriteString(m.infoStyle.Render(opsInfo) + "\n")
	sb.WriteString(m.progress.ViewAs(m.percent()) + "\n\n")

	// Event log
	sb.WriteString("Events:\n")
	var logContent strings.Builder
	if len(m.lines) == 0 {
		logContent.WriteString(m.infoStyle.Render("Waiting for first dispatch..."))
	} else {
		for _, line := range m.lines {
			logContent.WriteString(m.hostStyle.Render(line) + "\n")
		}
	}

	m.viewport.SetContent(logContent.String())
	m.viewport.GotoBottom()
	sb.WriteString(m.viewport.View())

	// Footer
	if len(m.failedHosts) > 0 {
		sb.WriteString("\n" + m.errorStyle.Render("Failed: "+strings.Join(m.failedHosts, ", ")))
	}

	help := m.helpStyle.Render("q/ctrl+c: abort")
	if m.aborting && !m.done {
		help = m.errorStyle.Render("Aborting, signaling cohort...")
	}
	if m.done {
		if m.err != nil {
			help = m.errorStyle.Render("Distribution failed: " + m.err.Error())
		} else {
			help = m.successStyle.Render("Distribution complete!")
		}
	}
	sb.WriteString("\n" + help)

	return sb.String()
}

// shortID trims a UUID-style run ID down to its leading group for display.
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}
