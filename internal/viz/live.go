package viz

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/guptarohit/asciigraph"
	"github.com/san-kum/meshsim/internal/experiment"
)

const historyCapacity = 600

type (
	// OutputMsg carries one output interval.
	OutputMsg experiment.Output
	// StepMsg carries one internal step.
	StepMsg struct{ T, Dt float64 }
	// DoneMsg ends the run.
	DoneMsg struct {
		Result *experiment.Result
		Err    error
	}
	tickMsg time.Time
)

// Watch hooks e so its progress arrives on the returned channel. Steps are
// dropped when the view falls behind; outputs are dropped only once ctx is
// done. Call it before e.Setup.
func Watch(ctx context.Context, e *experiment.Experiment) chan tea.Msg {
	ch := make(chan tea.Msg, 256)
	e.OnOutput(func(o experiment.Output) {
		select {
		case ch <- OutputMsg(o):
		case <-ctx.Done():
		}
	})
	e.OnStep(func(t, dt float64) {
		select {
		case ch <- StepMsg{T: t, Dt: dt}:
		default:
		}
	})
	return ch
}

// Live is the Bubble Tea model of a running experiment.
type Live struct {
	title  string
	total  float64
	events <-chan tea.Msg
	cancel func()

	t        float64
	frame    int
	last     *experiment.Output
	outputs  []experiment.Output
	steps    []float64
	field    int
	done     bool
	err      error
	showHelp bool
	width    int
}

// NewLive builds the view. total is the end time of the run and cancel
// stops it when the user quits.
func NewLive(title string, total float64, events <-chan tea.Msg, cancel func()) Live {
	return Live{title: title, total: total, events: events, cancel: cancel, width: 80}
}

func (m Live) wait() tea.Cmd {
	return func() tea.Msg { return <-m.events }
}

func tick() tea.Cmd {
	return tea.Tick(time.Second/10, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Live) Init() tea.Cmd {
	return tea.Batch(m.wait(), tick())
}

func (m Live) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit
		case "f":
			if m.last != nil && len(m.last.Fields) > 0 {
				m.field = (m.field + 1) % len(m.last.Fields)
			}
		case "?":
			m.showHelp = !m.showHelp
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tickMsg:
		if m.done {
			return m, nil
		}
		m.frame++
		return m, tick()
	case StepMsg:
		m.t = msg.T
		m.steps = append(m.steps, msg.Dt)
		if len(m.steps) > historyCapacity {
			m.steps = m.steps[len(m.steps)-historyCapacity:]
		}
		return m, m.wait()
	case OutputMsg:
		out := experiment.Output(msg)
		m.t = out.Time
		m.last = &out
		m.outputs = append(m.outputs, out)
		return m, m.wait()
	case DoneMsg:
		m.done = true
		m.err = msg.Err
		if msg.Result != nil && len(msg.Result.Outputs) > 0 {
			out := msg.Result.Outputs[len(msg.Result.Outputs)-1]
			m.last = &out
		}
		return m, nil
	}
	return m, nil
}

// Err returns the run's error once it has finished.
func (m Live) Err() error { return m.err }

func (m Live) status() string {
	switch {
	case m.err != nil:
		return StatusFailed.Render("FAILED")
	case m.done:
		return StatusDone.Render("DONE")
	default:
		return StatusRunning.Render(Spinner(m.frame) + " RUNNING")
	}
}

func (m Live) fieldHistory() (string, []float64) {
	if m.last == nil || m.field >= len(m.last.Fields) {
		return "", nil
	}
	name := m.last.Fields[m.field].Name
	var vals []float64
	for _, o := range m.outputs {
		for _, f := range o.Fields {
			if f.Name == name {
				vals = append(vals, f.Mean)
			}
		}
	}
	return name, vals
}

func (m Live) View() string {
	var s strings.Builder
	s.WriteString(Title.Render(strings.ToUpper(m.title)) + "  " + m.status() + "\n\n")

	frac := 1.0
	if m.total > 0 {
		frac = m.t / m.total
	}
	barWidth := max(m.width-30, 10)
	s.WriteString(ProgressBar(frac, barWidth, StatusRunning) + fmt.Sprintf("  t = %.4g / %.4g\n", m.t, m.total))
	s.WriteString(MetricLabel.Render("dt ") + SparklineChart(m.steps, barWidth) + "\n\n")

	if m.last != nil {
		left := GlassPanel.Render(DiagnosticsTable(m.last.Diagnostics))
		right := GlassPanel.Render(FieldTable(m.last.Fields))
		s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, left, right) + "\n")
	}

	if name, vals := m.fieldHistory(); len(vals) > 1 {
		chart := asciigraph.Plot(vals, asciigraph.Height(6), asciigraph.Width(barWidth), asciigraph.Caption("mean "+name))
		s.WriteString(chart + "\n")
	}

	if m.err != nil {
		s.WriteString("\n" + StatusFailed.Render(m.err.Error()) + "\n")
	}
	s.WriteString("\n" + Separator(barWidth) + "\n")
	if m.showHelp {
		s.WriteString(KeyHint.Render("q: quit (cancels the run)  f: next field  ?: hide help") + "\n")
	} else {
		s.WriteString(KeyHint.Render("? for help") + "\n")
	}
	return s.String()
}
