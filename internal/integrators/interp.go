package integrators

import (
	"fmt"
	"math"
)

// GetDky evaluates the k-th derivative of the interpolating polynomial of
// the last step at t. k may not exceed the order of that step.
func (m *Multistep) GetDky(t float64, k int, dky []float64) int {
	if !m.initialized {
		m.err = errNotInit
		return IllInput
	}
	if k < 0 || k > m.q {
		m.err = fmt.Errorf("derivative order %d not available at order %d", k, m.q)
		return BadK
	}
	if len(dky) != m.n {
		m.err = fmt.Errorf("%w: output length %d, expected %d", ErrIllInput, len(dky), m.n)
		return IllInput
	}
	if !m.started {
		if t != m.t || k > 0 {
			m.err = fmt.Errorf("t = %g outside the integrated interval", t)
			return BadT
		}
		copy(dky, m.zn[0])
		return Success
	}

	fuzz := 100 * uround * (math.Abs(m.t) + math.Abs(m.hu))
	if m.hu < 0 {
		fuzz = -fuzz
	}
	lo, hi := m.t-m.hu-fuzz, m.t+fuzz
	if (t-lo)*(t-hi) > 0 {
		m.err = fmt.Errorf("t = %g outside the last step [%g, %g]", t, m.t-m.hu, m.t)
		return BadT
	}

	s := (t - m.t) / m.h
	for j := m.q; j >= k; j-- {
		c := 1.0
		for i := j; i >= j-k+1; i-- {
			c *= float64(i)
		}
		if j == m.q {
			for i := range dky {
				dky[i] = c * m.zn[j][i]
			}
			continue
		}
		for i := range dky {
			dky[i] = c*m.zn[j][i] + s*dky[i]
		}
	}
	if k > 0 {
		r := math.Pow(m.h, -float64(k))
		for i := range dky {
			dky[i] *= r
		}
	}
	return Success
}
