package invert

import (
	"fmt"
	"math"
	"sync"

	"github.com/san-kum/meshsim/internal/config"
	"github.com/san-kum/meshsim/internal/dynamo"
	"github.com/san-kum/meshsim/internal/mesh"
	"gonum.org/v1/gonum/dsp/fourier"
)

// CyclicMethod transforms each (x, y) column to Fourier space in z and
// solves one tridiagonal system in y per mode. Periodic y uses the cyclic
// variant. On non-periodic meshes the solve takes f = 0 beyond the interior;
// the y guard cells of the result carry rhs through unchanged.
//
// Every process holds the full y extent, so no communication is needed.
type CyclicMethod struct {
	mesh *mesh.Mesh
	// minChunk is the number of x columns a worker takes at minimum.
	minChunk int
}

func NewCyclicMethod(opts *config.Options, m *mesh.Mesh) (*CyclicMethod, error) {
	chunk, err := opts.Int("min_chunk", 1)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dynamo.ErrConfig, err)
	}
	if m.YEnd < m.YStart {
		return nil, fmt.Errorf("%w: cyclic inversion needs interior y points", dynamo.ErrConfig)
	}
	return &CyclicMethod{mesh: m, minChunk: chunk}, nil
}

func (c *CyclicMethod) Solve(rhs *mesh.Field3D, coefs *Coefficients) (*mesh.Field3D, error) {
	m := c.mesh
	out := rhs.Clone()

	var (
		mu       sync.Mutex
		firstErr error
	)
	dynamo.ParallelFor(m.LocalNx, c.minChunk, func(start, end int) {
		w := newCyclicWork(m)
		for x := start; x < end; x++ {
			if err := w.solveColumn(x, rhs, out, coefs); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("cyclic solve at x=%d: %w", x, err)
				}
				mu.Unlock()
				return
			}
		}
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// cyclicWork is per-goroutine scratch. fourier.FFT is not safe for
// concurrent use.
type cyclicWork struct {
	mesh   *mesh.Mesh
	fft    *fourier.FFT
	ny     int
	nmodes int
	// modes[j][k] is mode k of the column at interior y index j.
	modes   [][]complex128
	a, b, c []complex128
	d, sol  []complex128
}

func newCyclicWork(m *mesh.Mesh) *cyclicWork {
	ny := m.YEnd - m.YStart + 1
	nmodes := m.LocalNz/2 + 1
	w := &cyclicWork{
		mesh:   m,
		fft:    fourier.NewFFT(m.LocalNz),
		ny:     ny,
		nmodes: nmodes,
		modes:  make([][]complex128, ny),
		a:      make([]complex128, ny),
		b:      make([]complex128, ny),
		c:      make([]complex128, ny),
		d:      make([]complex128, ny),
		sol:    make([]complex128, ny),
	}
	for j := range w.modes {
		w.modes[j] = make([]complex128, nmodes)
	}
	return w
}

func (w *cyclicWork) solveColumn(x int, rhs, out *mesh.Field3D, coefs *Coefficients) error {
	m := w.mesh
	for j := 0; j < w.ny; j++ {
		w.fft.Coefficients(w.modes[j], rhs.Column(x, m.YStart+j))
	}

	A, B, C := coefs.Get(TermA), coefs.Get(TermB), coefs.Get(TermC)
	D, E := coefs.Get(TermD), coefs.Get(TermE)
	invDy2 := 1 / (m.Dy * m.Dy)
	inv2Dy := 1 / (2 * m.Dy)

	for k := 0; k < w.nmodes; k++ {
		kz := 2 * math.Pi * float64(k) / m.ZLength
		// The Nyquist mode of a real field is real, so it has no first
		// z-derivative.
		kzFirst := kz
		if 2*k == m.LocalNz {
			kzFirst = 0
		}
		for j := 0; j < w.ny; j++ {
			y := m.YStart + j
			first := complex(C.At(x, y), 0)*complex(0, kzFirst) + complex(E.At(x, y), 0)
			second := complex(B.At(x, y)*invDy2, 0)
			w.a[j] = second - first*complex(inv2Dy, 0)
			w.b[j] = complex(A.At(x, y)-2*B.At(x, y)*invDy2-D.At(x, y)*kz*kz, 0)
			w.c[j] = second + first*complex(inv2Dy, 0)
			w.d[j] = w.modes[j][k]
		}
		var err error
		if m.PeriodicY {
			err = cyclicTridiag(w.a, w.b, w.c, w.d, w.sol)
		} else {
			err = thomas(w.a, w.b, w.c, w.d, w.sol)
		}
		if err != nil {
			return fmt.Errorf("mode %d: %w", k, err)
		}
		for j := 0; j < w.ny; j++ {
			w.modes[j][k] = w.sol[j]
		}
	}

	scale := 1 / float64(m.LocalNz)
	for j := 0; j < w.ny; j++ {
		col := out.Column(x, m.YStart+j)
		w.fft.Sequence(col, w.modes[j])
		for z := range col {
			col[z] *= scale
		}
	}
	return nil
}
