// Package viz renders solver runs in the terminal.
//
//   - [Live]: Bubble Tea view of a running experiment (progress, counters,
//     field summaries and a chart of the step size)
//   - [DiagnosticsTable], [FieldTable]: lipgloss tables for run summaries
//   - [Plot]: asciigraph line plot of a stored diagnostics column
//
// # Key Bindings
//
//	Q, Ctrl+C - cancel the run and quit
//	F         - cycle the field shown in the chart
//	?         - show help
package viz
