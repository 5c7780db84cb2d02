package dynamo

import "math"

// State is a flat, process-local buffer of degrees of freedom.
type State []float64

func (s State) IsValid() bool {
	for _, v := range s {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
