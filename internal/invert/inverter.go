// Package invert solves the parallel operator
//
//	A f + B d2f/dy2 + C d2f/dydz + D d2f/dz2 + E df/dy = rhs
//
// for f. Backends are selected by name through a Registry; "cyclic" is the
// built-in one.
package invert

import (
	"fmt"

	"github.com/san-kum/meshsim/internal/mesh"
)

// ParallelInverter is the interface callers program against.
type ParallelInverter interface {
	SetCoefA(Coefficient) error
	SetCoefB(Coefficient) error
	SetCoefC(Coefficient) error
	SetCoefD(Coefficient) error
	SetCoefE(Coefficient) error

	Solve(rhs *mesh.Field3D) (*mesh.Field3D, error)
	Solve2D(rhs *mesh.Field2D) (*mesh.Field2D, error)
	// SolveWithGuess may use guess as a starting point. Direct backends
	// ignore it.
	SolveWithGuess(rhs, guess *mesh.Field3D) (*mesh.Field3D, error)

	Location() mesh.CellLoc
}

// Method is what a backend must provide: the 3-D solve.
type Method interface {
	Solve(rhs *mesh.Field3D, coefs *Coefficients) (*mesh.Field3D, error)
}

// Solver2D is implemented by backends with a native 2-D solve.
type Solver2D interface {
	Solve2D(rhs *mesh.Field2D, coefs *Coefficients) (*mesh.Field2D, error)
}

// GuessSolver is implemented by iterative backends.
type GuessSolver interface {
	SolveWithGuess(rhs, guess *mesh.Field3D, coefs *Coefficients) (*mesh.Field3D, error)
}

// Inverter wraps a Method with coefficient storage and the default
// behaviour for the optional operations.
type Inverter struct {
	name   string
	method Method
	coefs  *Coefficients
}

var _ ParallelInverter = (*Inverter)(nil)

func NewInverter(name string, method Method, m *mesh.Mesh, loc mesh.CellLoc) *Inverter {
	return &Inverter{name: name, method: method, coefs: NewCoefficients(m, loc)}
}

func (inv *Inverter) Name() string                { return inv.name }
func (inv *Inverter) Location() mesh.CellLoc      { return inv.coefs.Location() }
func (inv *Inverter) Coefficients() *Coefficients { return inv.coefs }

func (inv *Inverter) SetCoefA(c Coefficient) error { return inv.coefs.Set(TermA, c) }
func (inv *Inverter) SetCoefB(c Coefficient) error { return inv.coefs.Set(TermB, c) }
func (inv *Inverter) SetCoefC(c Coefficient) error { return inv.coefs.Set(TermC, c) }
func (inv *Inverter) SetCoefD(c Coefficient) error { return inv.coefs.Set(TermD, c) }
func (inv *Inverter) SetCoefE(c Coefficient) error { return inv.coefs.Set(TermE, c) }

func (inv *Inverter) checkRHS(m *mesh.Mesh, loc mesh.CellLoc) error {
	if err := check(m, loc, inv.coefs.Mesh(), inv.coefs.Location()); err != nil {
		return fmt.Errorf("%s solve: %w", inv.name, err)
	}
	return nil
}

func (inv *Inverter) Solve(rhs *mesh.Field3D) (*mesh.Field3D, error) {
	if err := inv.checkRHS(rhs.Mesh(), rhs.Location()); err != nil {
		return nil, err
	}
	return inv.method.Solve(rhs, inv.coefs)
}

// Solve2D promotes rhs to 3-D, solves, and returns the z average unless the
// backend has its own 2-D solve.
func (inv *Inverter) Solve2D(rhs *mesh.Field2D) (*mesh.Field2D, error) {
	if err := inv.checkRHS(rhs.Mesh(), rhs.Location()); err != nil {
		return nil, err
	}
	if s, ok := inv.method.(Solver2D); ok {
		return s.Solve2D(rhs, inv.coefs)
	}
	f, err := inv.method.Solve(mesh.Promote(rhs), inv.coefs)
	if err != nil {
		return nil, err
	}
	return mesh.DC(f), nil
}

func (inv *Inverter) SolveWithGuess(rhs, guess *mesh.Field3D) (*mesh.Field3D, error) {
	if err := inv.checkRHS(rhs.Mesh(), rhs.Location()); err != nil {
		return nil, err
	}
	if g, ok := inv.method.(GuessSolver); ok && guess != nil {
		return g.SolveWithGuess(rhs, guess, inv.coefs)
	}
	return inv.method.Solve(rhs, inv.coefs)
}
