// Package tui renders a live view of a running sweep: current level, trial
// progress, per-window stats, and the levels finished so far.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"infermeter/internal/load"
	"infermeter/internal/profile"
)

// Outcome is the sweep's final state, delivered once the profiler returns.
type Outcome struct {
	Report *profile.Report
	Err    error
}

type Options struct {
	Target string
	Model  string
	Mode   string

	Levels        []load.Level
	MaxTrials     int
	StableWindows int

	// Updates feeds best-effort progress events from the profiler.
	Updates <-chan profile.Update
	// Done delivers the final outcome exactly once.
	Done <-chan Outcome
	// Cancel aborts the sweep; wired to the run context.
	Cancel context.CancelFunc
}

type updateMsg profile.Update
type outcomeMsg Outcome
type tickMsg time.Time

// Monitor is the bubbletea model for the live view.
type Monitor struct {
	opts Options
	prog progress.Model

	tput Sparkline
	lat  Sparkline

	cur       *profile.Update
	completed []profile.Update
	outcome   *Outcome
	canceling bool

	start time.Time
	width int
}

func NewMonitor(opts Options) Monitor {
	return Monitor{
		opts:  opts,
		prog:  progress.New(progress.WithDefaultGradient()),
		tput:  NewSparkline(40, "req/s per window", styleActive),
		lat:   NewSparkline(40, "p90 latency (ms)", styleWarn),
		start: time.Now(),
	}
}

func (m Monitor) Init() tea.Cmd {
	return tea.Batch(m.waitUpdate(), m.waitOutcome(), tick())
}

func tick() tea.Cmd {
	return tea.Tick(200*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Monitor) waitUpdate() tea.Cmd {
	return func() tea.Msg {
		u, ok := <-m.opts.Updates
		if !ok {
			return nil
		}
		return updateMsg(u)
	}
}

func (m Monitor) waitOutcome() tea.Cmd {
	return func() tea.Msg {
		o, ok := <-m.opts.Done
		if !ok {
			return nil
		}
		return outcomeMsg(o)
	}
}

func (m Monitor) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case updateMsg:
		u := profile.Update(msg)
		m.cur = &u
		m.tput.Push(u.Window.Throughput)
		m.lat.Push(float64(u.Window.P90) / float64(time.Millisecond))
		var cmds []tea.Cmd
		if u.Done {
			m.completed = append(m.completed, u)
			cmds = append(cmds, m.prog.SetPercent(float64(len(m.completed))/float64(len(m.opts.Levels))))
		}
		cmds = append(cmds, m.waitUpdate())
		return m, tea.Batch(cmds...)

	case outcomeMsg:
		o := Outcome(msg)
		m.outcome = &o
		return m, tea.Quit

	case tickMsg:
		return m, tick()

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.canceling {
				return m, tea.Quit
			}
			m.canceling = true
			if m.opts.Cancel != nil {
				m.opts.Cancel()
			}
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.prog.Width = msg.Width - 6
		half := msg.Width/2 - 6
		if half < 10 {
			half = 10
		}
		m.tput.Width = half
		m.lat.Width = half
		return m, nil

	case progress.FrameMsg:
		prog, cmd := m.prog.Update(msg)
		m.prog = prog.(progress.Model)
		return m, cmd
	}

	return m, nil
}

func (m Monitor) View() string {
	var b strings.Builder

	title := fmt.Sprintf("INFERMETER  %s  model=%s  mode=%s  %s",
		m.opts.Target, m.opts.Model, m.opts.Mode, time.Since(m.start).Round(time.Second))
	b.WriteString(styleTitle.Render(title))
	b.WriteString("\n\n")

	if m.canceling {
		b.WriteString(styleError.Render("  stopping, waiting for workers to drain (press q again to force quit)"))
		b.WriteString("\n\n")
	}

	if m.cur != nil {
		win := m.cur.Window
		level := fmt.Sprintf("LEVEL: %s\nTRIAL: %d/%d  run %d/%d",
			m.cur.Level.String(), m.cur.Trial, m.opts.MaxTrials,
			m.cur.StableRun, m.opts.StableWindows)

		throughput := fmt.Sprintf("REQ/S: %s\nINF/S: %.1f",
			styleGood.Render(fmt.Sprintf("%.1f", win.Throughput)), win.InferPerSec)

		latency := fmt.Sprintf("AVG: %s\nP99: %s",
			msCell(win.AvgLatency), msCell(win.P99))

		errStyle := styleGood
		if win.Errored > 0 {
			errStyle = styleError
		}
		errorsCell := fmt.Sprintf("ERR: %s\nTOUT: %d",
			errStyle.Render(fmt.Sprintf("%d", win.Errored)), win.Timeouts)

		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
			styleBox.Render(level),
			styleBox.Render(throughput),
			styleBox.Render(latency),
			styleBox.Render(errorsCell),
		))
		b.WriteString("\n\n")

		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
			styleBox.Render(m.tput.View()),
			styleBox.Render(m.lat.View()),
		))
		b.WriteString("\n\n")
	} else {
		b.WriteString(styleSubtle.Render("  waiting for the first measurement window..."))
		b.WriteString("\n\n")
	}

	for _, u := range m.completed {
		mark := styleGood.Render("✓")
		note := styleGood.Render("stable")
		if !u.Stable {
			mark = styleWarn.Render("!")
			note = styleWarn.Render("unstable")
		}
		b.WriteString(fmt.Sprintf("  %s %-18s %9.1f req/s  avg %s  p99 %s  %s\n",
			mark, u.Level.String(), u.Window.Throughput,
			msCell(u.Window.AvgLatency), msCell(u.Window.P99), note))
	}
	if len(m.completed) > 0 {
		b.WriteString("\n")
	}

	b.WriteString(m.prog.View())
	b.WriteString("\n")
	b.WriteString(styleKeyHint.Render("<q> stop sweep"))
	return b.String()
}

func msCell(d time.Duration) string {
	return fmt.Sprintf("%.1fms", float64(d)/float64(time.Millisecond))
}

// Run drives the monitor until the sweep delivers its outcome or the user
// force-quits. The zero Outcome means the view exited before the sweep did.
func Run(opts Options) (Outcome, error) {
	p := tea.NewProgram(NewMonitor(opts))
	final, err := p.Run()
	if err != nil {
		return Outcome{}, err
	}
	mon, ok := final.(Monitor)
	if !ok || mon.outcome == nil {
		return Outcome{}, nil
	}
	return *mon.outcome, nil
}
