package viz

import (
	"fmt"

	"github.com/guptarohit/asciigraph"
)

// Plot draws data as an asciigraph line chart with the given caption.
func Plot(data []float64, caption string, width, height int) (string, error) {
	if len(data) < 2 {
		return "", fmt.Errorf("need at least 2 points to plot %s, got %d", caption, len(data))
	}
	return asciigraph.Plot(data,
		asciigraph.Height(height),
		asciigraph.Width(width),
		asciigraph.Caption(caption),
	), nil
}
