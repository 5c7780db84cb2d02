package viz

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/san-kum/meshsim/internal/experiment"
	"github.com/san-kum/meshsim/internal/sim"
)

const labelWidth = 22

func row(label, value string) string {
	return MetricLabel.Width(labelWidth).Render(label) + MetricValue.Render(value)
}

// DiagnosticsTable lists the integrator counters of d.
func DiagnosticsTable(d sim.Diagnostics) string {
	rows := []string{
		row("time", fmt.Sprintf("%.6g", d.Time)),
		row("outputs", fmt.Sprint(d.Iteration)),
		row("steps", fmt.Sprint(d.NSteps)),
		row("rhs evaluations", fmt.Sprint(d.NFEvals)),
		row("nonlinear iterations", fmt.Sprint(d.NNonlinIters)),
		row("linear iterations", fmt.Sprint(d.NLinIters)),
		row("precon solves", fmt.Sprint(d.NPrecSolves)),
		row("error test fails", fmt.Sprint(d.NErrTestFails)),
		row("convergence fails", fmt.Sprint(d.NNonlinConvFails)),
		row("last step", fmt.Sprintf("%.4g (order %d)", d.LastStep, d.LastOrder)),
	}
	if d.PreconCalls > 0 {
		rows = append(rows, row("model precon", fmt.Sprintf("%d calls, %s", d.PreconCalls, d.PreconTime)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

// FieldTable lists the mean and range of each field summary.
func FieldTable(fields []experiment.Summary) string {
	if len(fields) == 0 {
		return Subtle.Render("no fields")
	}
	var b strings.Builder
	b.WriteString(HeaderStyle.Render(fmt.Sprintf("%-10s %12s %12s %12s", "field", "mean", "min", "max")))
	for _, f := range fields {
		b.WriteString("\n")
		b.WriteString(MetricLabel.Render(fmt.Sprintf("%-10s", f.Name)))
		b.WriteString(MetricValue.Render(fmt.Sprintf(" %12.5g %12.5g %12.5g", f.Mean, f.Min, f.Max)))
	}
	return b.String()
}
