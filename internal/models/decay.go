package models

import (
	"fmt"
	"math"

	"github.com/san-kum/meshsim/internal/dynamo"
	"github.com/san-kum/meshsim/internal/mesh"
	"github.com/san-kum/meshsim/internal/sim"
)

// Decay evolves a 3-D field n and a 2-D field p with
//
//	dn/dt = -Rate n
//	dp/dt = -Rate/2 p
//
// from n = 2, p = 1. It has a closed-form solution and no coupling, which
// makes it the reference problem for solver settings.
type Decay struct {
	Rate        float64
	EvolveBndry bool

	N, DDTN *mesh.Field3D
	P, DDTP *mesh.Field2D
}

var _ sim.Model = (*Decay)(nil)

func NewDecay() *Decay {
	return &Decay{Rate: 1.0}
}

func (d *Decay) Init(s *sim.Solver) error {
	opts := s.Options().Section("decay")
	var err error
	if d.Rate, err = opts.Float("rate", d.Rate); err != nil {
		return fmt.Errorf("%w: %w", dynamo.ErrConfig, err)
	}
	if d.EvolveBndry, err = opts.Bool("evolve_bndry", d.EvolveBndry); err != nil {
		return fmt.Errorf("%w: %w", dynamo.ErrConfig, err)
	}

	m := s.Mesh()
	d.N, d.DDTN = mesh.NewField3D(m, mesh.CellCentre), mesh.NewField3D(m, mesh.CellCentre)
	d.P, d.DDTP = mesh.NewField2D(m, mesh.CellCentre), mesh.NewField2D(m, mesh.CellCentre)
	d.N.Fill(2)
	d.P.Fill(1)

	if err := s.Add3D("n", d.N, d.DDTN, d.EvolveBndry); err != nil {
		return err
	}
	return s.Add2D("p", d.P, d.DDTP, d.EvolveBndry)
}

func (d *Decay) RHS(float64) error {
	for i, v := range d.N.Data() {
		d.DDTN.Data()[i] = -d.Rate * v
	}
	for i, v := range d.P.Data() {
		d.DDTP.Data()[i] = -0.5 * d.Rate * v
	}
	return nil
}

// Exact returns the analytic (n, p) at time t.
func (d *Decay) Exact(t float64) (n, p float64) {
	return 2 * math.Exp(-d.Rate*t), math.Exp(-0.5 * d.Rate * t)
}
