package invert

import (
	"errors"
	"math"
	"math/cmplx"
	"testing"

	"github.com/san-kum/meshsim/internal/config"
	"github.com/san-kum/meshsim/internal/dynamo"
	"github.com/san-kum/meshsim/internal/mesh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMesh(t *testing.T, periodic bool) *mesh.Mesh {
	t.Helper()
	m, err := mesh.New(mesh.Config{Nx: 2, Ny: 8, Nz: 8, MXG: 1, MYG: 1, Dy: 0.5, PeriodicY: periodic}, nil)
	require.NoError(t, err)
	return m
}

func newCyclic(t *testing.T, m *mesh.Mesh, loc mesh.CellLoc) ParallelInverter {
	t.Helper()
	inv, err := NewRegistry().CreateType(Cyclic, nil, loc, m)
	require.NoError(t, err)
	return inv
}

func fillRandomish(f *mesh.Field3D) {
	for i := range f.Data() {
		f.Data()[i] = math.Sin(0.37*float64(i)) + 0.5*math.Cos(1.3*float64(i))
	}
}

func TestSolve_ScalarA(t *testing.T) {
	m := newMesh(t, true)
	inv := newCyclic(t, m, mesh.CellCentre)
	require.NoError(t, inv.SetCoefA(Const(2.5)))

	rhs := mesh.NewField3D(m, mesh.CellCentre)
	fillRandomish(rhs)

	f, err := inv.Solve(rhs)
	require.NoError(t, err)
	for x := 0; x < m.LocalNx; x++ {
		for y := m.YStart; y <= m.YEnd; y++ {
			for z := 0; z < m.LocalNz; z++ {
				assert.InDelta(t, rhs.At(x, y, z)/2.5, f.At(x, y, z), 1e-12)
			}
		}
	}
}

func TestSolve_AllTermsOnFourierMode(t *testing.T) {
	m := newMesh(t, true)
	inv := newCyclic(t, m, mesh.CellCentre)

	const a, b, c, d, e = 1.5, -0.3, 0.2, 0.4, 0.7
	require.NoError(t, inv.SetCoefA(Const(a)))
	require.NoError(t, inv.SetCoefB(Const(b)))
	require.NoError(t, inv.SetCoefC(Const(c)))
	require.NoError(t, inv.SetCoefD(Const(d)))
	require.NoError(t, inv.SetCoefE(Const(e)))

	ny := m.YEnd - m.YStart + 1
	th := 2 * math.Pi / float64(ny)
	lambdaY := (2*math.Cos(th) - 2) / (m.Dy * m.Dy)
	ddyAmp := math.Sin(th) / m.Dy

	want := mesh.NewField3D(m, mesh.CellCentre)
	rhs := mesh.NewField3D(m, mesh.CellCentre)
	for x := 0; x < m.LocalNx; x++ {
		for j := 0; j < ny; j++ {
			y := m.YStart + j
			for n := 0; n < m.LocalNz; n++ {
				z := float64(n) * m.Dz()
				cy, sy := math.Cos(th*float64(j)), math.Sin(th*float64(j))
				want.Set(x, y, n, cy*math.Cos(z))
				v := (a+b*lambdaY-d)*cy*math.Cos(z) +
					c*ddyAmp*sy*math.Sin(z) -
					e*ddyAmp*sy*math.Cos(z)
				rhs.Set(x, y, n, v)
			}
		}
	}

	f, err := inv.Solve(rhs)
	require.NoError(t, err)
	for x := 0; x < m.LocalNx; x++ {
		for y := m.YStart; y <= m.YEnd; y++ {
			for n := 0; n < m.LocalNz; n++ {
				assert.InDelta(t, want.At(x, y, n), f.At(x, y, n), 1e-10)
			}
		}
	}
}

func TestSolve_NyquistMode(t *testing.T) {
	m := newMesh(t, true)
	require.Zero(t, m.LocalNz%2)
	inv := newCyclic(t, m, mesh.CellCentre)
	require.NoError(t, inv.SetCoefA(Const(1)))
	require.NoError(t, inv.SetCoefC(Const(1)))

	// A z-profile alternating in sign has no z-derivative as a real field,
	// so the mixed term drops out and f = rhs.
	ny := m.YEnd - m.YStart + 1
	rhs := mesh.NewField3D(m, mesh.CellCentre)
	for x := 0; x < m.LocalNx; x++ {
		for j := 0; j < ny; j++ {
			for z := 0; z < m.LocalNz; z++ {
				sign := 1.0
				if z%2 == 1 {
					sign = -1
				}
				rhs.Set(x, m.YStart+j, z, sign*math.Sin(2*math.Pi*float64(j)/float64(ny)))
			}
		}
	}

	f, err := inv.Solve(rhs)
	require.NoError(t, err)
	for x := 0; x < m.LocalNx; x++ {
		for y := m.YStart; y <= m.YEnd; y++ {
			for z := 0; z < m.LocalNz; z++ {
				assert.InDelta(t, rhs.At(x, y, z), f.At(x, y, z), 1e-12)
			}
		}
	}
}

func TestSolve_NonPeriodicResidual(t *testing.T) {
	m := newMesh(t, false)
	inv := newCyclic(t, m, mesh.CellCentre)
	const a, b, e = 2.0, 0.5, 0.3
	require.NoError(t, inv.SetCoefA(Const(a)))
	require.NoError(t, inv.SetCoefB(Const(b)))
	require.NoError(t, inv.SetCoefE(Const(e)))

	rhs := mesh.NewField3D(m, mesh.CellCentre)
	fillRandomish(rhs)
	f, err := inv.Solve(rhs)
	require.NoError(t, err)

	// Apply the operator with zero values beyond the interior.
	g := f.Clone()
	for x := 0; x < m.LocalNx; x++ {
		for z := 0; z < m.LocalNz; z++ {
			g.Set(x, m.YStart-1, z, 0)
			g.Set(x, m.YEnd+1, z, 0)
		}
	}
	d2 := mesh.D2DY2(g)
	d1 := mesh.DDY(g)
	for x := m.XStart; x <= m.XEnd; x++ {
		for y := m.YStart; y <= m.YEnd; y++ {
			for z := 0; z < m.LocalNz; z++ {
				got := a*g.At(x, y, z) + b*d2.At(x, y, z) + e*d1.At(x, y, z)
				assert.InDelta(t, rhs.At(x, y, z), got, 1e-10)
			}
		}
	}
	// Guard rows pass through.
	assert.Equal(t, rhs.Column(1, 0), f.Column(1, 0))
}

func TestSolve2D_MatchesPromotedSolve(t *testing.T) {
	m := newMesh(t, true)
	inv := newCyclic(t, m, mesh.CellYLow)
	require.NoError(t, inv.SetCoefA(Const(1)))
	require.NoError(t, inv.SetCoefB(Const(-0.2)))

	rhs := mesh.NewField2D(m, mesh.CellYLow)
	for i := range rhs.Data() {
		rhs.Data()[i] = math.Cos(0.9 * float64(i))
	}

	got, err := inv.Solve2D(rhs)
	require.NoError(t, err)
	full, err := inv.Solve(mesh.Promote(rhs))
	require.NoError(t, err)
	want := mesh.DC(full)

	assert.Equal(t, mesh.CellYLow, got.Location())
	assert.InDeltaSlice(t, want.Data(), got.Data(), 1e-14)
}

func TestSetCoef_Location(t *testing.T) {
	m := newMesh(t, true)
	inv := newCyclic(t, m, mesh.CellCentre)
	assert.Equal(t, mesh.CellCentre, inv.Location())

	bad := mesh.NewField2DConst(m, 3, mesh.CellYLow)
	err := inv.SetCoefB(From2D(bad))
	assert.ErrorIs(t, err, ErrLocationMismatch)

	good3 := mesh.NewField3D(m, mesh.CellCentre)
	good3.Fill(4)
	require.NoError(t, inv.SetCoefA(From3D(good3)))

	rhs := mesh.NewField3D(m, mesh.CellCentre)
	rhs.Fill(8)
	f, err := inv.Solve(rhs)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, f.At(1, 1, 0), 1e-12)

	_, err = inv.Solve(mesh.NewField3D(m, mesh.CellXLow))
	assert.ErrorIs(t, err, ErrLocationMismatch)
}

func TestSetCoef_OtherMesh(t *testing.T) {
	m := newMesh(t, true)
	other := newMesh(t, true)
	inv := newCyclic(t, m, mesh.CellCentre)
	err := inv.SetCoefA(From2D(mesh.NewField2DConst(other, 1, mesh.CellCentre)))
	assert.ErrorIs(t, err, ErrMeshMismatch)
}

func TestSetCoef_Nil(t *testing.T) {
	m := newMesh(t, true)
	inv := newCyclic(t, m, mesh.CellCentre)
	require.NoError(t, inv.SetCoefA(Const(2)))

	assert.ErrorIs(t, inv.SetCoefA(From2D(nil)), ErrNilCoefficient)
	assert.ErrorIs(t, inv.SetCoefD(From3D(nil)), ErrNilCoefficient)
	assert.ErrorIs(t, inv.SetCoefE(nil), ErrNilCoefficient)

	// The earlier coefficients are kept.
	rhs := mesh.NewField3D(m, mesh.CellCentre)
	rhs.Fill(6)
	f, err := inv.Solve(rhs)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, f.At(1, 1, 0), 1e-12)
}

func TestSolve_Singular(t *testing.T) {
	m := newMesh(t, false)
	inv := newCyclic(t, m, mesh.CellCentre)
	require.NoError(t, inv.SetCoefA(Const(0)))

	_, err := inv.Solve(mesh.NewField3D(m, mesh.CellCentre))
	assert.ErrorIs(t, err, ErrSingular)
}

type guessMethod struct {
	guessed bool
}

func (g *guessMethod) Solve(rhs *mesh.Field3D, _ *Coefficients) (*mesh.Field3D, error) {
	return rhs.Clone(), nil
}

func (g *guessMethod) SolveWithGuess(rhs, guess *mesh.Field3D, _ *Coefficients) (*mesh.Field3D, error) {
	g.guessed = true
	return guess.Clone(), nil
}

func TestSolveWithGuess(t *testing.T) {
	m := newMesh(t, true)
	rhs := mesh.NewField3D(m, mesh.CellCentre)
	fillRandomish(rhs)
	guess := mesh.NewField3D(m, mesh.CellCentre)

	// Direct backends ignore the guess.
	inv := newCyclic(t, m, mesh.CellCentre)
	a, err := inv.SolveWithGuess(rhs, guess)
	require.NoError(t, err)
	b, err := inv.Solve(rhs)
	require.NoError(t, err)
	assert.Equal(t, b.Data(), a.Data())

	gm := &guessMethod{}
	r := NewRegistry()
	r.Register("guess", func(*config.Options, *mesh.Mesh) (Method, error) { return gm, nil })
	inv2, err := r.CreateType("guess", nil, mesh.CellCentre, m)
	require.NoError(t, err)
	_, err = inv2.SolveWithGuess(rhs, guess)
	require.NoError(t, err)
	assert.True(t, gm.guessed)
}

func TestRegistry(t *testing.T) {
	m := newMesh(t, true)
	r := NewRegistry()
	assert.Equal(t, []string{"cyclic"}, r.List())

	inv, err := r.Create(mesh.CellCentre, m)
	require.NoError(t, err)
	assert.Equal(t, Cyclic, inv.(*Inverter).Name())

	opts := config.NewOptions()
	opts.Set("type", "spectral")
	_, err = r.CreateFromOptions(opts, mesh.CellCentre, m)
	assert.ErrorIs(t, err, ErrUnknownMethod)
	assert.ErrorIs(t, err, dynamo.ErrConfig)

	root := config.NewOptions()
	root.Section("parderiv").Set("type", "nope")
	r.SetRoot(root)
	_, err = r.Create(mesh.CellCentre, m)
	assert.True(t, errors.Is(err, ErrUnknownMethod))

	assert.Same(t, DefaultRegistry(), DefaultRegistry())
}

func TestCyclicTridiag_SmallSystems(t *testing.T) {
	for n := 1; n <= 5; n++ {
		a := make([]complex128, n)
		b := make([]complex128, n)
		c := make([]complex128, n)
		d := make([]complex128, n)
		for i := 0; i < n; i++ {
			a[i] = complex(0.3, 0.1)
			b[i] = complex(-2.0-float64(i), 0)
			c[i] = complex(0.4, -0.2)
			d[i] = complex(float64(i+1), 0.5)
		}
		x := make([]complex128, n)
		require.NoError(t, cyclicTridiag(a, b, c, d, x), "n=%d", n)

		for i := 0; i < n; i++ {
			lo := x[(i-1+n)%n]
			hi := x[(i+1)%n]
			got := a[i]*lo + b[i]*x[i] + c[i]*hi
			assert.Less(t, cmplx.Abs(got-d[i]), 1e-12, "n=%d row=%d", n, i)
		}
	}
}
