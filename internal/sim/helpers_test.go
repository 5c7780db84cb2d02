package sim

import (
	"bytes"
	"fmt"
	"log/slog"
	"testing"

	"github.com/san-kum/meshsim/internal/comm"
	"github.com/san-kum/meshsim/internal/config"
	"github.com/san-kum/meshsim/internal/dynamo"
	"github.com/san-kum/meshsim/internal/mesh"
	"github.com/stretchr/testify/require"
)

// funcModel adapts two closures to Model.
type funcModel struct {
	init func(s *Solver) error
	rhs  func(t float64) error
}

func (m *funcModel) Init(s *Solver) error {
	if m.init == nil {
		return nil
	}
	return m.init(s)
}

func (m *funcModel) RHS(t float64) error {
	if m.rhs == nil {
		return nil
	}
	return m.rhs(t)
}

// decayModel evolves a 2-D and a 3-D field with dy/dt = -rate y.
type decayModel struct {
	rate  float64
	bndry bool
	fail  func(t float64) bool

	f2, d2 *mesh.Field2D
	f3, d3 *mesh.Field3D
	calls  int
}

func (m *decayModel) Init(s *Solver) error {
	msh := s.Mesh()
	m.f2, m.d2 = mesh.NewField2D(msh, mesh.CellCentre), mesh.NewField2D(msh, mesh.CellCentre)
	m.f3, m.d3 = mesh.NewField3D(msh, mesh.CellCentre), mesh.NewField3D(msh, mesh.CellCentre)
	m.f2.Fill(1)
	m.f3.Fill(2)
	if err := s.Add2D("t", m.f2, m.d2, m.bndry); err != nil {
		return err
	}
	return s.Add3D("n", m.f3, m.d3, m.bndry)
}

func (m *decayModel) RHS(t float64) error {
	m.calls++
	if m.fail != nil && m.fail(t) {
		return fmt.Errorf("t = %g: %w", t, dynamo.ErrRHSFail)
	}
	for i, v := range m.f2.Data() {
		m.d2.Data()[i] = -m.rate * v
	}
	for i, v := range m.f3.Data() {
		m.d3.Data()[i] = -m.rate * v
	}
	return nil
}

// precDecayModel adds an exact preconditioner and Jacobian.
type precDecayModel struct {
	decayModel
	precCalls int
	jacCalls  int
}

func (m *precDecayModel) Precon(_, gamma, _ float64) error {
	m.precCalls++
	scale := 1 / (1 + gamma*m.rate)
	for i := range m.d2.Data() {
		m.d2.Data()[i] *= scale
	}
	for i := range m.d3.Data() {
		m.d3.Data()[i] *= scale
	}
	return nil
}

func (m *precDecayModel) Jacobian(float64) error {
	m.jacCalls++
	for i := range m.d2.Data() {
		m.d2.Data()[i] *= -m.rate
	}
	for i := range m.d3.Data() {
		m.d3.Data()[i] *= -m.rate
	}
	return nil
}

func newTestMesh(t *testing.T, cfg mesh.Config) *mesh.Mesh {
	t.Helper()
	m, err := mesh.New(cfg, comm.Self())
	require.NoError(t, err)
	return m
}

func smallMesh() mesh.Config {
	return mesh.Config{Nx: 2, Ny: 3, Nz: 2, MXG: 1, MYG: 1, Dy: 1, PeriodicY: false}
}

// solverOpts builds an option tree from a yaml-like map.
func solverOpts(solver map[string]any, extra map[string]any) *config.Options {
	root := map[string]any{"solver": solver}
	for k, v := range extra {
		root[k] = v
	}
	return config.FromMap(root)
}

// newLayoutSolver registers the model's variables and builds the layout
// without creating an integrator.
func newLayoutSolver(t *testing.T, m *mesh.Mesh, opts *config.Options, model Model, o ...Option) *Solver {
	t.Helper()
	s := New(m, opts, model, o...)
	require.NoError(t, s.initBase(1, 1))
	s.buildLayout()
	return s
}

func bufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func quietLogger() *slog.Logger {
	l, _ := bufferLogger()
	return l
}
