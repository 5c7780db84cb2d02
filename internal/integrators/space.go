package integrators

import (
	"math"

	"github.com/san-kum/meshsim/internal/comm"
	"gonum.org/v1/gonum/floats"
)

// space performs the global reductions on distributed vectors. The first
// communication failure is kept in err and later reductions return zero.
type space struct {
	comm    comm.Comm
	nGlobal int
	tmp     []float64
	err     error
}

func newSpace(c comm.Comm, nLocal int) (*space, error) {
	n, err := c.AllreduceSumInt(nLocal)
	if err != nil {
		return nil, err
	}
	return &space{comm: c, nGlobal: n, tmp: make([]float64, nLocal)}, nil
}

func (s *space) sum(local float64) float64 {
	if s.err != nil {
		return 0
	}
	buf := []float64{local}
	if err := s.comm.AllreduceSum(buf); err != nil {
		s.err = err
		return 0
	}
	return buf[0]
}

func (s *space) max(local float64) float64 {
	if s.err != nil {
		return 0
	}
	buf := []float64{local}
	if err := s.comm.AllreduceMax(buf); err != nil {
		s.err = err
		return 0
	}
	return buf[0]
}

// anyTrue reports whether cond holds on some rank.
func (s *space) anyTrue(cond bool) bool {
	v := 0.0
	if cond {
		v = 1
	}
	return s.max(v) > 0
}

// wdot is the weighted inner product sum(u_i v_i w_i^2) over all ranks.
func (s *space) wdot(u, v, w []float64) float64 {
	floats.MulTo(s.tmp, u, w)
	local := 0.0
	for i, x := range s.tmp {
		local += x * v[i] * w[i]
	}
	return s.sum(local)
}

// wl2 is the weighted two-norm.
func (s *space) wl2(v, w []float64) float64 {
	floats.MulTo(s.tmp, v, w)
	return math.Sqrt(s.sum(floats.Dot(s.tmp, s.tmp)))
}

// wrms is the weighted root-mean-square norm.
func (s *space) wrms(v, w []float64) float64 {
	if s.nGlobal == 0 {
		return 0
	}
	floats.MulTo(s.tmp, v, w)
	return math.Sqrt(s.sum(floats.Dot(s.tmp, s.tmp)) / float64(s.nGlobal))
}

// linComb sets dst = a*x + b*y.
func linComb(dst []float64, a float64, x []float64, b float64, y []float64) {
	for i := range dst {
		dst[i] = a*x[i] + b*y[i]
	}
}
