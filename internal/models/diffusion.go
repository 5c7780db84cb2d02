package models

import (
	"fmt"
	"math"

	"github.com/san-kum/meshsim/internal/config"
	"github.com/san-kum/meshsim/internal/dynamo"
	"github.com/san-kum/meshsim/internal/invert"
	"github.com/san-kum/meshsim/internal/mesh"
	"github.com/san-kum/meshsim/internal/sim"
)

// Diffusion evolves a density N diffusing along y and decaying at rate Nu,
// and a 2-D temperature T relaxing towards the z-averaged density:
//
//	dN/dt = D d2N/dy2 - Nu N
//	dT/dt = -(T - <N>_z) / Tau
//
// The preconditioner inverts the N block with the parallel inversion and
// back-substitutes T, which makes it exact for this system.
type Diffusion struct {
	D   float64
	Nu  float64
	Tau float64
	// Amplitude of the initial y, z perturbation on N = 1.
	Amplitude float64

	reg *invert.Registry
	inv invert.ParallelInverter

	N, DDTN *mesh.Field3D
	T, DDTT *mesh.Field2D
	// Flux is -D dN/dy, refreshed by every RHS evaluation.
	Flux *mesh.Field3D
}

var (
	_ sim.Model          = (*Diffusion)(nil)
	_ sim.Preconditioner = (*Diffusion)(nil)
	_ sim.Jacobian       = (*Diffusion)(nil)
	_ Auxiliary          = (*Diffusion)(nil)
)

func NewDiffusion(reg *invert.Registry) *Diffusion {
	if reg == nil {
		reg = invert.DefaultRegistry()
	}
	return &Diffusion{
		D:         1.0,
		Nu:        0.1,
		Tau:       1.0,
		Amplitude: 0.5,
		reg:       reg,
	}
}

func (d *Diffusion) readOptions(opts *config.Options) error {
	var err error
	if d.D, err = opts.Float("d", d.D); err != nil {
		return err
	}
	if d.Nu, err = opts.Float("nu", d.Nu); err != nil {
		return err
	}
	if d.Tau, err = opts.Float("tau", d.Tau); err != nil {
		return err
	}
	if d.Amplitude, err = opts.Float("amplitude", d.Amplitude); err != nil {
		return err
	}
	if d.Tau <= 0 {
		return fmt.Errorf("tau must be positive, got %g", d.Tau)
	}
	if math.Abs(d.Amplitude) >= 1 {
		return fmt.Errorf("amplitude %g would make the density negative", d.Amplitude)
	}
	return nil
}

func (d *Diffusion) Init(s *sim.Solver) error {
	if err := d.readOptions(s.Options().Section("diffusion")); err != nil {
		return fmt.Errorf("%w: diffusion: %w", dynamo.ErrConfig, err)
	}
	m := s.Mesh()

	inv, err := d.reg.CreateFromOptions(s.Options().Section(invert.OptionsSection), mesh.CellCentre, m)
	if err != nil {
		return err
	}
	d.inv = inv

	d.N, d.DDTN = mesh.NewField3D(m, mesh.CellCentre), mesh.NewField3D(m, mesh.CellCentre)
	d.T, d.DDTT = mesh.NewField2D(m, mesh.CellCentre), mesh.NewField2D(m, mesh.CellCentre)
	d.Flux = mesh.NewField3D(m, mesh.CellCentre)

	ny := float64(m.YEnd - m.YStart + 1)
	for x := m.XStart; x <= m.XEnd; x++ {
		for y := m.YStart; y <= m.YEnd; y++ {
			// Vanishes at the y ends so non-periodic boundaries start smooth.
			py := math.Sin(math.Pi * (float64(y-m.YStart) + 0.5) / ny)
			col := d.N.Column(x, y)
			for z := range col {
				pz := math.Cos(2 * math.Pi * float64(z) / float64(m.LocalNz))
				col[z] = 1 + d.Amplitude*py*pz
			}
			d.T.Set(x, y, 0.5)
		}
	}

	if err := s.Add3D("n", d.N, d.DDTN, false); err != nil {
		return err
	}
	return s.Add2D("t", d.T, d.DDTT, false)
}

// applyBoundary zeroes the y guard cells of a non-periodic mesh.
func applyBoundary(f *mesh.Field3D) {
	m := f.Mesh()
	if m.PeriodicY {
		return
	}
	for x := 0; x < m.LocalNx; x++ {
		for y := 0; y < m.LocalNy; y++ {
			if y >= m.YStart && y <= m.YEnd {
				continue
			}
			col := f.Column(x, y)
			for z := range col {
				col[z] = 0
			}
		}
	}
}

func (d *Diffusion) RHS(t float64) error {
	m := d.N.Mesh()
	for _, p := range m.RegionNoBndry() {
		for z, v := range d.N.Column(p.X, p.Y) {
			if v < 0 {
				return fmt.Errorf("negative density %g at (%d, %d, %d), t = %g: %w", v, p.X, p.Y, z, t, dynamo.ErrRHSFail)
			}
		}
	}
	applyBoundary(d.N)

	d.operator(d.N, d.T, d.DDTN, d.DDTT)

	dndy := mesh.DDY(d.N)
	for i, v := range dndy.Data() {
		d.Flux.Data()[i] = -d.D * v
	}
	return nil
}

// operator writes the linear right-hand side of (n, t) into (dn, dt).
// The system is linear, so this is also J v.
func (d *Diffusion) operator(n *mesh.Field3D, t *mesh.Field2D, dn *mesh.Field3D, dt *mesh.Field2D) {
	d2 := mesh.D2DY2(n)
	nd, d2d, out := n.Data(), d2.Data(), dn.Data()
	for i := range out {
		out[i] = d.D*d2d[i] - d.Nu*nd[i]
	}
	avg := mesh.DC(n)
	td, ad, tout := t.Data(), avg.Data(), dt.Data()
	for i := range tout {
		tout[i] = -(td[i] - ad[i]) / d.Tau
	}
}

// Precon solves (I - gamma J) z = r with r in the DDT fields.
func (d *Diffusion) Precon(_, gamma, _ float64) error {
	if err := d.inv.SetCoefA(invert.Const(1 + gamma*d.Nu)); err != nil {
		return err
	}
	if err := d.inv.SetCoefB(invert.Const(-gamma * d.D)); err != nil {
		return err
	}
	zn, err := d.inv.Solve(d.DDTN)
	if err != nil {
		return fmt.Errorf("density inversion: %w", err)
	}
	copy(d.DDTN.Data(), zn.Data())

	c := gamma / d.Tau
	avg := mesh.DC(zn)
	rt, ad := d.DDTT.Data(), avg.Data()
	for i := range rt {
		rt[i] = (rt[i] + c*ad[i]) / (1 + c)
	}
	return nil
}

// Jacobian replaces the vector in the DDT fields with J v.
func (d *Diffusion) Jacobian(float64) error {
	vn, vt := d.DDTN.Clone(), d.DDTT.Clone()
	applyBoundary(vn)
	d.operator(vn, vt, d.DDTN, d.DDTT)
	return nil
}

func (d *Diffusion) Aux() map[string]*mesh.Field3D {
	return map[string]*mesh.Field3D{"flux": d.Flux}
}
