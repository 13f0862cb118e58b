package monitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"wanctl/internal/adapter/tui/components"
	"wanctl/internal/adapter/tui/theme"
	"wanctl/internal/adapter/tui/uxerror"
	"wanctl/internal/domain"
)

// Ensure *Model satisfies tea.Model.
var _ tea.Model = (*Model)(nil)

const (
	defaultTick = 200 * time.Millisecond
	logLines    = 200
	// rows used by everything except the log panel
	chromeRows = 9
)

// Jobs is the part of the generation service the monitor polls.
type Jobs interface {
	State() domain.ProgressState
	Current() (domain.RunHandle, bool)
	LogTail(n int) string
	Cancel() error
}

// Options tune the monitor.
type Options struct {
	Title        string
	Estimate     string // rough duration shown before the first step ETA
	TickInterval time.Duration
	AutoQuit     bool // quit as soon as the job has exited
}

// Model is the root Bubble Tea model for the job monitor.
type Model struct {
	jobs Jobs
	opts Options

	bar     progress.Model
	spinner spinner.Model
	logs    viewport.Model
	status  components.StatusBarModel

	state     domain.ProgressState
	handle    domain.RunHandle
	hasHandle bool
	follow    bool
	notice    string

	width  int
	height int
}

// New creates a monitor for jobs.
func New(jobs Jobs, opts Options) *Model {
	if opts.TickInterval <= 0 {
		opts.TickInterval = defaultTick
	}
	if opts.Title == "" {
		opts.Title = "wanctl"
	}
	s := spinner.New()
	s.Spinner = spinner.Dot

	m := &Model{
		jobs:    jobs,
		opts:    opts,
		bar:     progress.New(progress.WithGradient(theme.ProgressFrom, theme.ProgressTo)),
		spinner: s,
		logs:    viewport.New(80, 10),
		status:  components.NewStatusBar(),
		follow:  true,
	}
	m.layout(80, 24)
	m.refresh()
	return m
}

// State returns the last polled progress state.
func (m *Model) State() domain.ProgressState { return m.state }

// Init starts the poll and the spinner.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(tickCmd(m.opts.TickInterval), m.spinner.Tick)
}

// Update handles messages.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.layout(msg.Width, msg.Height)
		return m, nil

	case tickMsg:
		m.refresh()
		if m.opts.AutoQuit && m.exited() {
			return m, tea.Quit
		}
		return m, tickCmd(m.opts.TickInterval)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case cancelResultMsg:
		if msg.Err != nil {
			m.notice = theme.TextError.Render(uxerror.Humanize(msg.Err).Title)
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		if m.active() {
			return m, m.cancel()
		}
		return m, tea.Quit
	case "c":
		if m.active() {
			return m, m.cancel()
		}
		return m, nil
	case "q", "esc":
		if m.active() {
			m.notice = theme.TextWarning.Render("job still running, press c to cancel")
			return m, nil
		}
		return m, tea.Quit
	case "f":
		m.follow = !m.follow
		if m.follow {
			m.logs.GotoBottom()
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.logs, cmd = m.logs.Update(msg)
	if !m.logs.AtBottom() {
		m.follow = false
	}
	return m, cmd
}

func (m *Model) cancel() tea.Cmd {
	m.notice = theme.TextWarning.Render("cancelling" + theme.SymbolEllipsis)
	return cancelCmd(m.jobs)
}

func (m *Model) active() bool {
	return m.hasHandle && m.handle.State.Active()
}

func (m *Model) exited() bool {
	return m.hasHandle && m.handle.State == domain.RunStateExited
}

// refresh polls the job and updates every widget.
func (m *Model) refresh() {
	m.state = m.jobs.State()
	m.handle, m.hasHandle = m.jobs.Current()

	m.logs.SetContent(m.jobs.LogTail(logLines))
	if m.follow {
		m.logs.GotoBottom()
	}

	m.status.RunID = ""
	m.status.Task = m.state.Meta.Task
	if m.hasHandle {
		m.status.RunID = m.handle.ID
	}
	m.status.Extra = ""
	switch {
	case m.state.ETA != "":
		m.status.Extra = "ETA " + m.state.ETA
	case m.active() && m.opts.Estimate != "":
		m.status.Extra = "est. " + m.opts.Estimate
	}

	if m.active() {
		m.status.Hints = []components.KeyHint{{Key: "c", Desc: "Cancel"}, {Key: "f", Desc: "Follow"}, {Key: "↑/↓", Desc: "Scroll"}}
	} else {
		m.status.Hints = []components.KeyHint{{Key: "q", Desc: "Quit"}, {Key: "f", Desc: "Follow"}, {Key: "↑/↓", Desc: "Scroll"}}
	}
}

func (m *Model) layout(w, h int) {
	m.width, m.height = w, h
	inner := theme.Clamp(w-4, 10, 200)
	m.bar.Width = inner
	m.logs.Width = inner
	m.logs.Height = theme.Clamp(h-chromeRows, 3, 1000)
	m.status.SetWidth(w)
	if m.follow {
		m.logs.GotoBottom()
	}
}

// View renders the monitor.
func (m *Model) View() string {
	var sb strings.Builder

	head := theme.Title.Render(m.opts.Title)
	if m.active() {
		head = m.spinner.View() + " " + head
	}
	sb.WriteString(head)
	sb.WriteString("\n\n")

	phase := m.state.Phase
	label := string(phase)
	if sym := theme.PhaseSymbol(phase); sym != "" {
		label = sym + " " + label
	}
	line := theme.PhaseStyle(phase).Render(label) + theme.TextMuted.Render(fmt.Sprintf("  %d%%", m.state.Percent))
	if meta := metaLine(m.state.Meta); meta != "" {
		line += theme.TextMuted.Render("  " + theme.SymbolBullet + " " + meta)
	}
	sb.WriteString(line)
	sb.WriteString("\n")
	sb.WriteString(m.bar.ViewAs(float64(m.state.Percent) / 100))
	sb.WriteString("\n")

	panel := theme.LogPanel
	if m.active() {
		panel = theme.LogPanelActive
	}
	sb.WriteString(panel.Render(m.logs.View()))
	sb.WriteString("\n")

	sb.WriteString(m.footer())
	sb.WriteString("\n")
	sb.WriteString(m.status.View())
	return sb.String()
}

// footer is the notice line: a pending message, the saved path, or a hint
// derived from the log of a failed run.
func (m *Model) footer() string {
	if m.notice != "" && m.active() {
		return m.notice
	}
	switch m.state.Phase {
	case domain.PhaseFinished:
		if m.state.LastOutputPath != "" {
			return theme.TextSuccess.Render("saved " + theme.SymbolArrowR + " " + m.state.LastOutputPath)
		}
	case domain.PhaseFailed:
		if fe, ok := uxerror.FromLog(m.jobs.LogTail(20)); ok {
			return theme.TextError.Render(fe.Title) + theme.TextMuted.Render("  "+strings.Join(fe.Hints, "; "))
		}
		if m.hasHandle && m.handle.ExitCode != nil {
			return theme.TextError.Render(fmt.Sprintf("exit code %d", *m.handle.ExitCode))
		}
	}
	return m.notice
}

func metaLine(meta domain.JobMeta) string {
	var parts []string
	if meta.Size != "" {
		parts = append(parts, meta.Size)
	}
	if meta.Frames > 0 {
		parts = append(parts, fmt.Sprintf("%d frames", meta.Frames))
	}
	if meta.Steps > 0 {
		parts = append(parts, fmt.Sprintf("%d steps", meta.Steps))
	}
	return strings.Join(parts, ", ")
}
