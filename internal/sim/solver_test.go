package sim

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/san-kum/meshsim/internal/comm"
	"github.com/san-kum/meshsim/internal/dynamo"
	"github.com/san-kum/meshsim/internal/integrators"
	"github.com/san-kum/meshsim/internal/mesh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSolver(t *testing.T, solver map[string]any, model Model, o ...Option) *Solver {
	t.Helper()
	msh := newTestMesh(t, smallMesh())
	o = append([]Option{WithLogger(quietLogger())}, o...)
	return New(msh, solverOpts(solver, nil), model, o...)
}

// assertDecayed checks every bulk value against y0 exp(-rate t).
func assertDecayed(t *testing.T, m *decayModel, tm, tol float64) {
	t.Helper()
	msh := m.f2.Mesh()
	want := math.Exp(-m.rate * tm)
	for _, p := range msh.RegionNoBndry() {
		assert.InEpsilon(t, want, m.f2.At(p.X, p.Y), tol)
		for z := 0; z < msh.LocalNz; z++ {
			assert.InEpsilon(t, 2*want, m.f3.At(p.X, p.Y, z), tol)
		}
	}
}

func TestSolver_Run(t *testing.T) {
	tests := []struct {
		name     string
		solver   map[string]any
		maxOrder int
	}{
		{"bdf newton", nil, 5},
		{"adams fixed point", map[string]any{"adams_moulton": true}, 12},
		{"adams newton", map[string]any{"adams_moulton": true, "func_iter": false}, 12},
		{"vector abstol", map[string]any{"use_vector_abstol": true}, 5},
		{"bbd preconditioner", map[string]any{"use_precon": true}, 5},
		{"bbd right", map[string]any{"use_precon": true, "rightprec": true}, 5},
		{"first order", map[string]any{"cvode_max_order": 1, "RTOL": 1e-7, "mxstep": 2000}, 1},
		{"order three", map[string]any{"mxorder": 3}, 3},
		{"step bounds", map[string]any{"max_timestep": 0.05, "min_timestep": 1e-8, "start_timestep": 1e-3}, 5},
		{"stability limit", map[string]any{"cvode_stability_limit_detection": true}, 5},
		{"positivity", map[string]any{"apply_positivity_constraints": true}, 5},
		{"legacy backend", map[string]any{"backend": "v2"}, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := &decayModel{rate: 1}
			s := newSolver(t, tt.solver, model)
			require.NoError(t, s.Init(4, 0.25))
			assert.Equal(t, Initialized, s.Phase())

			var times []float64
			s.AddMonitor(func(tm float64, iter, nout int) bool {
				assert.Equal(t, len(times), iter)
				assert.Equal(t, 4, nout)
				times = append(times, tm)
				return false
			})

			require.NoError(t, s.Run(context.Background()))
			assert.Equal(t, Completed, s.Phase())
			assert.Equal(t, []float64{0.25, 0.5, 0.75, 1.0}, times)
			assert.Equal(t, 1.0, s.Time())
			assertDecayed(t, model, 1, 5e-3)

			d := s.Diagnostics()
			assert.Equal(t, 4, d.Iteration)
			assert.Equal(t, 1.0, d.Time)
			assert.Greater(t, d.NSteps, 0)
			assert.Greater(t, d.NFEvals, d.NSteps)
			assert.Greater(t, d.LastStep, 0.0)
			assert.GreaterOrEqual(t, d.LastOrder, 1)
			assert.LessOrEqual(t, d.LastOrder, tt.maxOrder)
		})
	}
}

func TestSolver_MonitorStops(t *testing.T) {
	model := &decayModel{rate: 1}
	s := newSolver(t, nil, model)
	require.NoError(t, s.Init(10, 0.1))

	calls := 0
	s.AddMonitor(func(_ float64, iter, _ int) bool {
		calls++
		return iter == 2
	})
	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, 3, calls)
	assert.InDelta(t, 0.3, s.Time(), 1e-12)
	assert.Equal(t, Completed, s.Phase())
}

func TestSolver_TimestepMonitor(t *testing.T) {
	model := &decayModel{rate: 2}
	s := newSolver(t, nil, model)
	require.NoError(t, s.Init(2, 0.5))

	var steps int
	var span float64
	s.AddTimestepMonitor(func(tm, dt float64) {
		steps++
		span += dt
		assert.LessOrEqual(t, tm, 1.0)
		assert.Greater(t, dt, 0.0)
	})
	require.NoError(t, s.Run(context.Background()))

	assert.Greater(t, steps, 2)
	assert.InDelta(t, 1.0, span, 1e-9)
	assert.Equal(t, 1.0, s.Time())
	assertDecayed(t, model, 1, 5e-3)
}

func TestSolver_ModelPreconditionerAndJacobian(t *testing.T) {
	model := &precDecayModel{decayModel: decayModel{rate: 50}}
	s := newSolver(t, map[string]any{"use_precon": true, "use_jacobian": true}, model)
	require.NoError(t, s.Init(2, 0.05))
	require.NoError(t, s.Run(context.Background()))

	assertDecayed(t, &model.decayModel, 0.1, 1e-2)
	assert.Greater(t, model.precCalls, 0)
	assert.Greater(t, model.jacCalls, 0)
	d := s.Diagnostics()
	assert.Greater(t, d.NPrecSolves, 0)
	assert.Greater(t, d.PreconCalls, 0)
}

func TestSolver_UseJacobianWithoutCollaborator(t *testing.T) {
	log, out := bufferLogger()
	model := &decayModel{rate: 1}
	s := newSolver(t, map[string]any{"use_jacobian": true}, model, WithLogger(log))
	require.NoError(t, s.Init(1, 0.5))
	require.NoError(t, s.Run(context.Background()))
	assert.Contains(t, out.String(), "difference quotients")
	assertDecayed(t, model, 0.5, 5e-3)
}

func TestSolver_Diagnose(t *testing.T) {
	log, out := bufferLogger()
	s := newSolver(t, map[string]any{"diagnose": true}, &decayModel{rate: 1}, WithLogger(log))
	require.NoError(t, s.Init(2, 0.1))
	require.NoError(t, s.Run(context.Background()))
	assert.Contains(t, out.String(), "solver diagnostics")
	assert.Contains(t, out.String(), "rhs_evals=")
}

func TestSolver_RerunsRHSAfterAdvance(t *testing.T) {
	model := &decayModel{rate: 1}
	s := newSolver(t, nil, model)
	require.NoError(t, s.Init(1, 0.5))

	tret, err := s.Advance(context.Background(), 0.5)
	require.NoError(t, err)
	assert.Equal(t, 0.5, tret)

	// DDT holds the derivative of the returned state, not of a trial one.
	for _, p := range s.Mesh().RegionNoBndry() {
		assert.InDelta(t, -model.f2.At(p.X, p.Y), model.d2.At(p.X, p.Y), 1e-15)
	}
}

func TestSolver_ResetInternalFields(t *testing.T) {
	model := &decayModel{rate: 1}
	s := newSolver(t, nil, model)
	require.NoError(t, s.Init(2, 0.5))

	_, err := s.Advance(context.Background(), 0.5)
	require.NoError(t, err)

	model.f2.Fill(10)
	model.f3.Fill(20)
	require.NoError(t, s.ResetInternalFields())
	assert.Equal(t, 0, s.Integrator().Stats().NSteps)

	_, err = s.Advance(context.Background(), 1.0)
	require.NoError(t, err)
	want := 10 * math.Exp(-0.5)
	for _, p := range s.Mesh().RegionNoBndry() {
		assert.InEpsilon(t, want, model.f2.At(p.X, p.Y), 5e-3)
		assert.InEpsilon(t, 2*want, model.f3.At(p.X, p.Y, 0), 5e-3)
	}
}

func TestSolver_LifecycleErrors(t *testing.T) {
	t.Run("advance before init", func(t *testing.T) {
		s := newSolver(t, nil, &decayModel{rate: 1})
		_, err := s.Advance(context.Background(), 1)
		assert.ErrorIs(t, err, dynamo.ErrNotInitialised)
		assert.ErrorIs(t, s.Run(context.Background()), dynamo.ErrNotInitialised)
		assert.ErrorIs(t, s.ResetInternalFields(), dynamo.ErrNotInitialised)
	})

	t.Run("init twice", func(t *testing.T) {
		s := newSolver(t, nil, &decayModel{rate: 1})
		require.NoError(t, s.Init(1, 1))
		assert.Error(t, s.Init(1, 1))
	})

	t.Run("add after init", func(t *testing.T) {
		s := newSolver(t, nil, &decayModel{rate: 1})
		require.NoError(t, s.Init(1, 1))
		assert.Error(t, s.Add2D("late", mesh.NewField2D(s.Mesh(), mesh.CellCentre), nil, false))
	})

	t.Run("cancelled", func(t *testing.T) {
		s := newSolver(t, nil, &decayModel{rate: 1})
		require.NoError(t, s.Init(3, 0.1))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, s.Run(ctx), context.Canceled)
		assert.Equal(t, Failed, s.Phase())
	})
}

func TestSolver_InitConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		nout   int
		tstep  float64
		solver map[string]any
		model  Model
	}{
		{"zero nout", 0, 1, nil, &decayModel{rate: 1}},
		{"negative timestep", 1, -1, nil, &decayModel{rate: 1}},
		{"no variables", 1, 1, nil, &funcModel{}},
		{"unknown backend", 1, 1, map[string]any{"backend": "v9"}, &decayModel{rate: 1}},
		{"bad option", 1, 1, map[string]any{"mxstep": "many"}, &decayModel{rate: 1}},
		{"legacy constraints", 1, 1, map[string]any{"backend": "v2", "apply_positivity_constraints": true}, &decayModel{rate: 1}},
		{"bdf order above five", 1, 1, map[string]any{"mxorder": 6}, &decayModel{rate: 1}},
		{"adams order above twelve", 1, 1, map[string]any{"adams_moulton": true, "cvode_max_order": 13}, &decayModel{rate: 1}},
		{"non-finite state", 1, 1, nil, &funcModel{init: func(s *Solver) error {
			f := mesh.NewField2D(s.Mesh(), mesh.CellCentre)
			f.Fill(math.NaN())
			return s.Add2D("f", f, nil, false)
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSolver(t, tt.solver, tt.model)
			err := s.Init(tt.nout, tt.tstep)
			assert.ErrorIs(t, err, dynamo.ErrConfig)
			assert.Equal(t, Uninitialized, s.Phase())
		})
	}
}

func TestSolver_BackendOptions(t *testing.T) {
	type orderOpts interface {
		MaxOrder() int
		StabLimDet() bool
	}
	tests := []struct {
		name       string
		solver     map[string]any
		maxOrder   int
		stabLimDet bool
	}{
		{"bdf defaults", nil, 5, false},
		{"adams defaults", map[string]any{"adams_moulton": true}, 12, false},
		{"capped order", map[string]any{"mxorder": 3}, 3, false},
		{"stability limit detection", map[string]any{"cvode_stability_limit_detection": true}, 5, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSolver(t, tt.solver, &decayModel{rate: 1})
			require.NoError(t, s.Init(2, 0.5))
			backend, ok := s.integ.(orderOpts)
			require.True(t, ok)
			assert.Equal(t, tt.maxOrder, backend.MaxOrder())
			assert.Equal(t, tt.stabLimDet, backend.StabLimDet())

			require.NoError(t, s.Run(context.Background()))
			if !tt.stabLimDet {
				assert.Zero(t, s.Diagnostics().NStabLimRed)
			}
		})
	}
}

func TestSolver_ModelInitError(t *testing.T) {
	boom := errors.New("boom")
	s := newSolver(t, nil, &funcModel{init: func(*Solver) error { return boom }})
	assert.ErrorIs(t, s.Init(1, 1), boom)
}

func TestSolver_IntegrationFailure(t *testing.T) {
	model := &decayModel{rate: 1, fail: func(tm float64) bool { return tm > 0 }}
	s := newSolver(t, nil, model)
	require.NoError(t, s.Init(1, 1))

	tret, err := s.Advance(context.Background(), 1)
	assert.Equal(t, -1.0, tret)

	var ierr *dynamo.IntegrationError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, integrators.RepeatedRHSFuncErr, ierr.Flag)
	assert.Equal(t, 0.0, ierr.Time)
	assert.ErrorIs(t, err, dynamo.ErrIntegration)
	assert.ErrorIs(t, err, dynamo.ErrRHSFail)
	assert.Contains(t, err.Error(), "REPTD_RHSFUNC_ERR")
	assert.Greater(t, model.calls, 2)
	assert.Equal(t, Failed, s.Phase())

	_, err = s.Advance(context.Background(), 2)
	assert.Error(t, err)
}

func TestCallbacks(t *testing.T) {
	model := &decayModel{rate: 3}
	s := newSolver(t, nil, model)
	require.NoError(t, s.Init(1, 1))
	n := s.localSize

	y := make([]float64, n)
	for i := range y {
		y[i] = float64(i + 1)
	}

	t.Run("rhs", func(t *testing.T) {
		ydot := make([]float64, n)
		require.NoError(t, s.rhs(0, y, ydot))
		for i := range y {
			assert.Equal(t, -3*y[i], ydot[i])
		}
	})

	t.Run("soft failure is recoverable", func(t *testing.T) {
		model.fail = func(float64) bool { return true }
		defer func() { model.fail = nil }()
		err := s.rhs(0, y, make([]float64, n))
		assert.ErrorIs(t, err, integrators.ErrRecoverable)
		assert.ErrorIs(t, err, dynamo.ErrRHSFail)
	})

	t.Run("other rhs errors are fatal", func(t *testing.T) {
		boom := errors.New("boom")
		other := &decayModel{rate: 1}
		s2 := newSolver(t, nil, &funcModel{
			init: other.Init,
			rhs:  func(float64) error { return boom },
		})
		require.NoError(t, s2.Init(1, 1))
		err := s2.rhs(0, make([]float64, s2.localSize), make([]float64, s2.localSize))
		assert.ErrorIs(t, err, boom)
		assert.NotErrorIs(t, err, integrators.ErrRecoverable)
	})

	t.Run("identity preconditioner", func(t *testing.T) {
		z := make([]float64, n)
		require.NoError(t, s.precon(0, y, nil, y, z, 0.1, 0.01, 1))
		assert.Equal(t, y, z)
	})

	t.Run("missing jacobian", func(t *testing.T) {
		err := s.jacTimes(0, y, make([]float64, n), y, nil)
		assert.ErrorIs(t, err, dynamo.ErrMissingCollaborator)
	})
}

func TestCallbacks_Preconditioner(t *testing.T) {
	model := &precDecayModel{decayModel: decayModel{rate: 4}}
	s := newSolver(t, map[string]any{"use_precon": true, "use_jacobian": true}, model)
	require.NoError(t, s.Init(1, 1))
	n := s.localSize

	y := make([]float64, n)
	r := make([]float64, n)
	for i := range r {
		y[i] = 1
		r[i] = float64(i)
	}
	z := make([]float64, n)
	require.NoError(t, s.precon(0, y, nil, r, z, 0.5, 0.01, 1))
	for i := range r {
		assert.InDelta(t, r[i]/3, z[i], 1e-14)
	}
	assert.Equal(t, 1, s.preconCalls)

	jv := make([]float64, n)
	require.NoError(t, s.jacTimes(0, r, jv, y, nil))
	for i := range r {
		assert.Equal(t, -4*r[i], jv[i])
	}
}

func TestGroup_Run(t *testing.T) {
	w := comm.NewWorld(2)
	models := make([]*decayModel, w.Size())
	g, err := NewGroup(w, func(c comm.Comm) (*Solver, error) {
		msh, err := mesh.New(mesh.Config{Nx: 4, Ny: 3, Nz: 2, MXG: 1, MYG: 1, Dy: 1}, c)
		if err != nil {
			return nil, err
		}
		models[c.Rank()] = &decayModel{rate: 1}
		return New(msh, solverOpts(map[string]any{"use_precon": true}, nil), models[c.Rank()],
			WithLogger(quietLogger())), nil
	})
	require.NoError(t, err)
	require.NoError(t, g.Init(2, 0.25))

	local0, global := g.Solvers()[0].Size()
	local1, _ := g.Solvers()[1].Size()
	assert.Equal(t, local0+local1, global)

	require.NoError(t, g.Run(context.Background()))
	for _, m := range models {
		assertDecayed(t, m, 0.5, 5e-3)
	}
	assert.Equal(t, g.Solvers()[0].Diagnostics().NSteps, g.Solvers()[1].Diagnostics().NSteps)
}

func TestGroup_FailureAbortsWorld(t *testing.T) {
	w := comm.NewWorld(2)
	g, err := NewGroup(w, func(c comm.Comm) (*Solver, error) {
		msh, err := mesh.New(mesh.Config{Nx: 2, Ny: 2, Nz: 1, MXG: 1, MYG: 1, Dy: 1}, c)
		if err != nil {
			return nil, err
		}
		opts := map[string]any{}
		if c.Rank() == 1 {
			opts["maxl"] = "lots"
		}
		return New(msh, solverOpts(opts, nil), &decayModel{rate: 1}, WithLogger(quietLogger())), nil
	})
	require.NoError(t, err)

	err = g.Init(1, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, dynamo.ErrConfig)
	assert.Contains(t, err.Error(), "rank 1")
}
