package integrators

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Callback outcomes after global reduction.
const (
	cbOK = iota
	cbRecover
	cbFatal
)

// gmres is a scaled, preconditioned GMRES without restarts. Inner products
// are weighted by the error weights so the tolerance is in the same units
// as the local error test.
type gmres struct {
	sp   *space
	maxl int

	v      [][]float64
	h      [][]float64
	cs, sn []float64
	g      []float64
	w, u   []float64
}

func newGMRES(sp *space, n, maxl int) *gmres {
	if maxl < 1 {
		maxl = 5
	}
	s := &gmres{
		sp:   sp,
		maxl: maxl,
		v:    make([][]float64, maxl+1),
		h:    make([][]float64, maxl+1),
		cs:   make([]float64, maxl),
		sn:   make([]float64, maxl),
		g:    make([]float64, maxl+1),
		w:    make([]float64, n),
		u:    make([]float64, n),
	}
	for i := range s.v {
		s.v[i] = make([]float64, n)
		s.h[i] = make([]float64, maxl)
	}
	return s
}

type gmresResult struct {
	iters     int
	converged bool
	// reduced is set when the residual decreased without converging.
	reduced bool
	status  int
}

// solve approximately solves A x = b. atimes applies A; psolve applies the
// inverse preconditioner on the given side.
func (s *gmres) solve(atimes, psolve func(in, out []float64) int, side PrecType,
	b, x, ewt []float64, tol float64) gmresResult {

	for i := range x {
		x[i] = 0
	}

	r0 := s.v[0]
	if side == PrecLeft {
		if st := psolve(b, r0); st != cbOK {
			return gmresResult{status: st}
		}
	} else {
		copy(r0, b)
	}
	beta := s.sp.wl2(r0, ewt)
	if s.sp.err != nil {
		return gmresResult{status: cbFatal}
	}
	if beta <= tol {
		return gmresResult{converged: true}
	}
	floats.Scale(1/beta, r0)
	for i := range s.g {
		s.g[i] = 0
	}
	s.g[0] = beta

	res := beta
	k := 0
	for j := 0; j < s.maxl; j++ {
		st := s.apply(atimes, psolve, side, s.v[j], s.w)
		if st != cbOK {
			return gmresResult{iters: j, status: st}
		}
		// Modified Gram-Schmidt.
		for i := 0; i <= j; i++ {
			s.h[i][j] = s.sp.wdot(s.w, s.v[i], ewt)
			floats.AddScaled(s.w, -s.h[i][j], s.v[i])
		}
		hn := s.sp.wl2(s.w, ewt)
		if s.sp.err != nil {
			return gmresResult{iters: j, status: cbFatal}
		}
		s.h[j+1][j] = hn
		if hn > 0 {
			floats.ScaleTo(s.v[j+1], 1/hn, s.w)
		}

		for i := 0; i < j; i++ {
			a, c := s.h[i][j], s.h[i+1][j]
			s.h[i][j] = s.cs[i]*a + s.sn[i]*c
			s.h[i+1][j] = -s.sn[i]*a + s.cs[i]*c
		}
		d := math.Hypot(s.h[j][j], s.h[j+1][j])
		if d == 0 {
			return gmresResult{iters: j, status: cbRecover}
		}
		s.cs[j] = s.h[j][j] / d
		s.sn[j] = s.h[j+1][j] / d
		s.h[j][j] = d
		s.h[j+1][j] = 0
		s.g[j+1] = -s.sn[j] * s.g[j]
		s.g[j] = s.cs[j] * s.g[j]

		k = j + 1
		res = math.Abs(s.g[j+1])
		if res <= tol || hn == 0 {
			break
		}
	}

	// Back substitution for the Krylov coefficients, stored in g.
	y := s.g[:k]
	for i := k - 1; i >= 0; i-- {
		for l := i + 1; l < k; l++ {
			y[i] -= s.h[i][l] * y[l]
		}
		y[i] /= s.h[i][i]
	}
	for i := range s.u {
		s.u[i] = 0
	}
	for i := 0; i < k; i++ {
		floats.AddScaled(s.u, y[i], s.v[i])
	}
	if side == PrecRight {
		if st := psolve(s.u, x); st != cbOK {
			return gmresResult{iters: k, status: st}
		}
	} else {
		copy(x, s.u)
	}

	return gmresResult{
		iters:     k,
		converged: res <= tol,
		reduced:   res < beta,
	}
}

func (s *gmres) apply(atimes, psolve func(in, out []float64) int, side PrecType, v, out []float64) int {
	switch side {
	case PrecLeft:
		if st := atimes(v, s.u); st != cbOK {
			return st
		}
		return psolve(s.u, out)
	case PrecRight:
		if st := psolve(v, s.u); st != cbOK {
			return st
		}
		return atimes(s.u, out)
	default:
		return atimes(v, out)
	}
}
