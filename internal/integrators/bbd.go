package integrators

import (
	"errors"
	"fmt"
	"math"

	"github.com/james-bowman/sparse"
)

// bbdPrec is a band-block-diagonal preconditioner. Each rank approximates
// its diagonal block of I - gamma*J by a banded difference-quotient
// Jacobian of the local function and factors the retained band.
type bbdPrec struct {
	cfg   BBDConfig
	n     int
	width int

	jac   *sparse.DOK
	band  *bandLU
	ready bool

	g0, gt, yt []float64
}

func newBBD(cfg BBDConfig, n int, sp *space) (*bbdPrec, error) {
	if cfg.Local == nil {
		return nil, fmt.Errorf("%w: band-block-diagonal preconditioner needs a local function", ErrIllInput)
	}
	clamp := func(v int) int {
		if v < 0 {
			return 0
		}
		if n > 0 && v > n-1 {
			return n - 1
		}
		return v
	}
	cfg.MuDQ, cfg.MlDQ = clamp(cfg.MuDQ), clamp(cfg.MlDQ)
	cfg.MuKeep, cfg.MlKeep = clamp(cfg.MuKeep), clamp(cfg.MlKeep)

	// Every rank uses the same number of perturbation groups so callbacks
	// that communicate stay in step.
	width := int(sp.max(float64(cfg.MuDQ + cfg.MlDQ + 1)))
	if sp.err != nil {
		return nil, sp.err
	}
	p := &bbdPrec{
		cfg:   cfg,
		n:     n,
		width: width,
		g0:    make([]float64, n),
		gt:    make([]float64, n),
		yt:    make([]float64, n),
		band:  newBandLU(n, cfg.MuKeep, cfg.MlKeep),
	}
	return p, nil
}

// setup rebuilds and factors I - gamma*J at (t, y).
func (p *bbdPrec) setup(t float64, y, ewt []float64, gamma float64) error {
	p.ready = false
	if err := p.cfg.Local(t, y, p.g0); err != nil {
		return err
	}
	p.jac = sparse.NewDOK(p.n, p.n)
	if p.n == 0 {
		for g := 0; g < p.width; g++ {
			if err := p.cfg.Local(t, y, p.gt); err != nil {
				return err
			}
		}
		p.ready = true
		return nil
	}

	srur := math.Sqrt(uround)
	copy(p.yt, y)
	for group := 0; group < p.width; group++ {
		for j := group; j < p.n; j += p.width {
			p.yt[j] = y[j] + p.increment(y[j], ewt[j], srur)
		}
		if err := p.cfg.Local(t, p.yt, p.gt); err != nil {
			return err
		}
		for j := group; j < p.n; j += p.width {
			inc := p.yt[j] - y[j]
			p.yt[j] = y[j]
			lo := max(0, j-min(p.cfg.MuDQ, p.cfg.MuKeep))
			hi := min(p.n-1, j+min(p.cfg.MlDQ, p.cfg.MlKeep))
			for i := lo; i <= hi; i++ {
				if d := (p.gt[i] - p.g0[i]) / inc; d != 0 {
					p.jac.Set(i, j, -gamma*d)
				}
			}
		}
	}
	for i := 0; i < p.n; i++ {
		p.jac.Set(i, i, 1+p.jac.At(i, i))
	}

	p.band.zero()
	p.jac.DoNonZero(func(i, j int, v float64) {
		if p.band.inBand(i, j) {
			p.band.set(i, j, v)
		}
	})
	if !p.band.factor() {
		return fmt.Errorf("band preconditioner: %w: %w", ErrRecoverable, errSingularPrec)
	}
	p.ready = true
	return nil
}

var errSingularPrec = errors.New("singular preconditioner block")

func (p *bbdPrec) increment(y, w, srur float64) float64 {
	minInc := 1000 * uround * float64(p.n) / w
	inc := math.Max(srur*math.Abs(y), minInc)
	if inc == 0 {
		inc = srur
	}
	return inc
}

// solve sets z = P^-1 r.
func (p *bbdPrec) solve(r, z []float64) error {
	if p.n == 0 {
		return nil
	}
	if !p.ready {
		return fmt.Errorf("band preconditioner used before setup")
	}
	copy(z, r)
	p.band.solve(z)
	return nil
}
