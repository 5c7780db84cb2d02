package invert

import (
	"errors"
	"fmt"

	"github.com/san-kum/meshsim/internal/mesh"
)

var (
	ErrLocationMismatch = errors.New("invert: cell location mismatch")
	ErrMeshMismatch     = errors.New("invert: field belongs to a different mesh")
	ErrSingular         = errors.New("invert: singular system")
	ErrUnknownMethod    = errors.New("invert: unknown method")
	ErrNilCoefficient   = errors.New("invert: nil coefficient")
)

// Term names one coefficient of
//
//	A f + B d2f/dy2 + C d2f/dydz + D d2f/dz2 + E df/dy
type Term int

const (
	TermA Term = iota
	TermB
	TermC
	TermD
	TermE
	numTerms
)

func (t Term) String() string {
	if t < 0 || t >= numTerms {
		return fmt.Sprintf("Term(%d)", int(t))
	}
	return string(rune('A' + t))
}

// Coefficient is a value accepted by the SetCoef methods. Build one with
// Const, From2D or From3D.
type Coefficient interface {
	field(m *mesh.Mesh, loc mesh.CellLoc) (*mesh.Field2D, error)
}

type constCoef float64

// Const is a uniform coefficient, tagged with the solver's location.
func Const(v float64) Coefficient { return constCoef(v) }

func (c constCoef) field(m *mesh.Mesh, loc mesh.CellLoc) (*mesh.Field2D, error) {
	return mesh.NewField2DConst(m, float64(c), loc), nil
}

type coef2D struct{ f *mesh.Field2D }

func From2D(f *mesh.Field2D) Coefficient { return coef2D{f} }

func (c coef2D) field(m *mesh.Mesh, loc mesh.CellLoc) (*mesh.Field2D, error) {
	if c.f == nil {
		return nil, ErrNilCoefficient
	}
	if err := check(c.f.Mesh(), c.f.Location(), m, loc); err != nil {
		return nil, err
	}
	return c.f.Clone(), nil
}

// From3D reduces f to its z average.
func From3D(f *mesh.Field3D) Coefficient { return coef3D{f} }

type coef3D struct{ f *mesh.Field3D }

func (c coef3D) field(m *mesh.Mesh, loc mesh.CellLoc) (*mesh.Field2D, error) {
	if c.f == nil {
		return nil, ErrNilCoefficient
	}
	if err := check(c.f.Mesh(), c.f.Location(), m, loc); err != nil {
		return nil, err
	}
	return mesh.DC(c.f), nil
}

func check(fm *mesh.Mesh, floc mesh.CellLoc, m *mesh.Mesh, loc mesh.CellLoc) error {
	if fm != m {
		return ErrMeshMismatch
	}
	if floc != loc {
		return fmt.Errorf("%w: field at %s, solver at %s", ErrLocationMismatch, floc, loc)
	}
	return nil
}

// Coefficients holds the five operator terms at one cell location.
// A defaults to one and the rest to zero.
type Coefficients struct {
	mesh  *mesh.Mesh
	loc   mesh.CellLoc
	terms [numTerms]*mesh.Field2D
}

func NewCoefficients(m *mesh.Mesh, loc mesh.CellLoc) *Coefficients {
	c := &Coefficients{mesh: m, loc: loc}
	for t := range c.terms {
		c.terms[t] = mesh.NewField2D(m, loc)
	}
	c.terms[TermA].Fill(1)
	return c
}

func (c *Coefficients) Mesh() *mesh.Mesh       { return c.mesh }
func (c *Coefficients) Location() mesh.CellLoc { return c.loc }

// Set replaces one term. On error the previous value is kept.
func (c *Coefficients) Set(t Term, coef Coefficient) error {
	if t < 0 || t >= numTerms {
		return fmt.Errorf("invert: no coefficient %s", t)
	}
	if coef == nil {
		return fmt.Errorf("coefficient %s: %w", t, ErrNilCoefficient)
	}
	f, err := coef.field(c.mesh, c.loc)
	if err != nil {
		return fmt.Errorf("coefficient %s: %w", t, err)
	}
	c.terms[t] = f
	return nil
}

func (c *Coefficients) Get(t Term) *mesh.Field2D { return c.terms[t] }

// IsZero reports whether term t is zero everywhere.
func (c *Coefficients) IsZero(t Term) bool {
	for _, v := range c.terms[t].Data() {
		if v != 0 {
			return false
		}
	}
	return true
}
