package sim

import (
	"fmt"

	"github.com/san-kum/meshsim/internal/dynamo"
	"github.com/san-kum/meshsim/internal/mesh"
)

// VarStr is one evolving variable: the field, its time derivative and
// whether its boundary cells are evolved too.
type VarStr[F any] struct {
	Name        string
	Var         F
	DDT         F
	EvolveBndry bool
}

// dof addresses one degree of freedom in a field's flat data.
type dof struct {
	is3D bool
	v    int
	idx  int
}

// Add2D registers an evolving 2-D variable. ddt receives the time
// derivative; it is created when nil.
func (s *Solver) Add2D(name string, f, ddt *mesh.Field2D, evolveBndry bool) error {
	if err := s.checkAdd(name); err != nil {
		return err
	}
	if f == nil || f.Mesh() != s.mesh {
		return dynamo.ConfigError("variable %q is not on the solver mesh", name)
	}
	if ddt == nil {
		ddt = mesh.NewField2D(s.mesh, f.Location())
	}
	s.f2d = append(s.f2d, VarStr[*mesh.Field2D]{Name: name, Var: f, DDT: ddt, EvolveBndry: evolveBndry})
	return nil
}

// Add3D registers an evolving 3-D variable.
func (s *Solver) Add3D(name string, f, ddt *mesh.Field3D, evolveBndry bool) error {
	if err := s.checkAdd(name); err != nil {
		return err
	}
	if f == nil || f.Mesh() != s.mesh {
		return dynamo.ConfigError("variable %q is not on the solver mesh", name)
	}
	if ddt == nil {
		ddt = mesh.NewField3D(s.mesh, f.Location())
	}
	s.f3d = append(s.f3d, VarStr[*mesh.Field3D]{Name: name, Var: f, DDT: ddt, EvolveBndry: evolveBndry})
	return nil
}

func (s *Solver) checkAdd(name string) error {
	if s.phase != Uninitialized {
		return fmt.Errorf("add %q: variables are frozen after Init", name)
	}
	for _, v := range s.f2d {
		if v.Name == name {
			return dynamo.ConfigError("variable %q added twice", name)
		}
	}
	for _, v := range s.f3d {
		if v.Name == name {
			return dynamo.ConfigError("variable %q added twice", name)
		}
	}
	return nil
}

// Vars2D returns the registered 2-D variables.
func (s *Solver) Vars2D() []VarStr[*mesh.Field2D] { return s.f2d }

// Vars3D returns the registered 3-D variables.
func (s *Solver) Vars3D() []VarStr[*mesh.Field3D] { return s.f3d }

// forEachDOF visits every degree of freedom in buffer order: the boundary
// region then the bulk; at each point the 2-D variables in registration
// order, then for each z the 3-D variables in registration order. Boundary
// points are skipped for variables that do not evolve their boundary.
func (s *Solver) forEachDOF(fn func(i int, d dof)) {
	i := 0
	nz := s.mesh.LocalNz
	ny := s.mesh.LocalNy
	visit := func(pts []mesh.Ind2D, bndry bool) {
		for _, p := range pts {
			base := p.X*ny + p.Y
			for v, f := range s.f2d {
				if bndry && !f.EvolveBndry {
					continue
				}
				fn(i, dof{v: v, idx: base})
				i++
			}
			for z := 0; z < nz; z++ {
				for v, f := range s.f3d {
					if bndry && !f.EvolveBndry {
						continue
					}
					fn(i, dof{is3D: true, v: v, idx: base*nz + z})
					i++
				}
			}
		}
	}
	visit(s.mesh.RegionBndry(), true)
	visit(s.mesh.RegionNoBndry(), false)
}

// LocalSize counts this process's degrees of freedom.
func (s *Solver) LocalSize() int {
	n := 0
	s.forEachDOF(func(int, dof) { n++ })
	return n
}

// GlobalSize sums local sizes over every process. It is collective.
func (s *Solver) GlobalSize(local int) (int, error) {
	n, err := s.mesh.Comm.AllreduceSumInt(local)
	if err != nil {
		return 0, fmt.Errorf("%w: global size: %w", dynamo.ErrCollective, err)
	}
	return n, nil
}

func (s *Solver) buildLayout() {
	s.layout = s.layout[:0]
	s.forEachDOF(func(_ int, d dof) { s.layout = append(s.layout, d) })
}

func (s *Solver) value(d dof) *float64 {
	if d.is3D {
		return &s.f3d[d.v].Var.Data()[d.idx]
	}
	return &s.f2d[d.v].Var.Data()[d.idx]
}

func (s *Solver) deriv(d dof) *float64 {
	if d.is3D {
		return &s.f3d[d.v].DDT.Data()[d.idx]
	}
	return &s.f2d[d.v].DDT.Data()[d.idx]
}

// saveVars packs the evolving fields into buf.
func (s *Solver) saveVars(buf []float64) {
	for i, d := range s.layout {
		buf[i] = *s.value(d)
	}
}

// loadVars unpacks buf into the evolving fields.
func (s *Solver) loadVars(buf []float64) {
	for i, d := range s.layout {
		*s.value(d) = buf[i]
	}
}

func (s *Solver) saveDerivs(buf []float64) {
	for i, d := range s.layout {
		buf[i] = *s.deriv(d)
	}
}

func (s *Solver) loadDerivs(buf []float64) {
	for i, d := range s.layout {
		*s.deriv(d) = buf[i]
	}
}
