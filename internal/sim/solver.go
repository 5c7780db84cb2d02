// Package sim drives a model's evolving fields through the implicit
// integrator. It flattens the fields into the integrator's state vector,
// assembles tolerances and constraints in the same layout, and bridges the
// integrator's callbacks back to the model.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/san-kum/meshsim/internal/config"
	"github.com/san-kum/meshsim/internal/dynamo"
	"github.com/san-kum/meshsim/internal/integrators"
	"github.com/san-kum/meshsim/internal/mesh"
)

// Option configures a Solver.
type Option func(*Solver)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Solver) {
		if l != nil {
			s.log = l
		}
	}
}

// WithBackend selects the integrator backend, overriding the solver:backend
// option.
func WithBackend(b integrators.Backend) Option {
	return func(s *Solver) { s.backend = b }
}

// Solver owns one process's share of a simulation.
type Solver struct {
	mesh  *mesh.Mesh
	opts  *config.Options
	model Model
	log   *slog.Logger

	backend integrators.Backend
	integ   integrators.Integrator
	pre     Preconditioner
	jac     Jacobian

	f2d    []VarStr[*mesh.Field2D]
	f3d    []VarStr[*mesh.Field3D]
	layout []dof

	monitors   []Monitor
	tsMonitors []TimestepMonitor

	phase      Phase
	set        settings
	nout       int
	timestep   float64
	simTime    float64
	iteration  int
	localSize  int
	globalSize int
	y          dynamo.State

	preconCalls int
	preconTime  time.Duration

	diagMu sync.RWMutex
	diag   Diagnostics
}

// New creates a solver for model on m. opts is the root of the option
// tree: integrator options live in its "solver" section and per-variable
// options in a section named after each variable.
func New(m *mesh.Mesh, opts *config.Options, model Model, o ...Option) *Solver {
	if opts == nil {
		opts = config.NewOptions()
	}
	s := &Solver{
		mesh:  m,
		opts:  opts,
		model: model,
		log:   slog.Default(),
	}
	for _, fn := range o {
		fn(s)
	}
	return s
}

func (s *Solver) Mesh() *mesh.Mesh                   { return s.mesh }
func (s *Solver) Options() *config.Options           { return s.opts }
func (s *Solver) Logger() *slog.Logger               { return s.log }
func (s *Solver) Time() float64                      { return s.simTime }
func (s *Solver) Phase() Phase                       { return s.phase }
func (s *Solver) Integrator() integrators.Integrator { return s.integ }

// Size returns the local and global number of degrees of freedom, set by
// Init.
func (s *Solver) Size() (local, global int) { return s.localSize, s.globalSize }

// AddMonitor registers a monitor called after each output interval.
func (s *Solver) AddMonitor(m Monitor) { s.monitors = append(s.monitors, m) }

// AddTimestepMonitor registers a monitor called after each internal step.
// Any timestep monitor switches Advance to single-step mode.
func (s *Solver) AddTimestepMonitor(m TimestepMonitor) {
	s.tsMonitors = append(s.tsMonitors, m)
}

// Diagnostics returns the snapshot taken after the last output interval.
func (s *Solver) Diagnostics() Diagnostics {
	s.diagMu.RLock()
	defer s.diagMu.RUnlock()
	return s.diag
}

// Init prepares the solver for nout output intervals of length tstep.
// It is collective.
func (s *Solver) Init(nout int, tstep float64) error {
	if s.phase != Uninitialized {
		return fmt.Errorf("init: solver already %s", s.phase)
	}
	if err := s.initBase(nout, tstep); err != nil {
		return err
	}

	s.localSize = s.LocalSize()
	n, err := s.GlobalSize(s.localSize)
	if err != nil {
		return err
	}
	if n == 0 {
		return dynamo.ConfigError("no degrees of freedom to evolve")
	}
	s.globalSize = n
	s.log.Info("initialising solver",
		"local_size", s.localSize, "global_size", s.globalSize,
		"vars_2d", len(s.f2d), "vars_3d", len(s.f3d))

	s.buildLayout()
	s.y = make(dynamo.State, s.localSize)
	s.saveVars(s.y)
	if !s.y.IsValid() {
		return dynamo.ConfigError("initial state is not finite")
	}

	set, err := readSettings(s.opts.Section("solver"), s.mesh, len(s.f2d), len(s.f3d))
	if err != nil {
		return err
	}
	s.set = set

	if err := s.configure(); err != nil {
		return err
	}
	s.phase = Initialized
	return nil
}

func (s *Solver) initBase(nout int, tstep float64) error {
	if nout <= 0 {
		return dynamo.ConfigError("nout must be positive, got %d", nout)
	}
	if tstep <= 0 {
		return dynamo.ConfigError("timestep must be positive, got %g", tstep)
	}
	if s.mesh == nil || s.model == nil {
		return dynamo.ConfigError("solver needs a mesh and a model")
	}
	if err := s.model.Init(s); err != nil {
		return fmt.Errorf("model init: %w", err)
	}
	if len(s.f2d)+len(s.f3d) == 0 {
		return dynamo.ConfigError("model registered no evolving variables")
	}
	s.nout, s.timestep = nout, tstep
	return nil
}

// configure creates the integrator context and applies every setting.
func (s *Solver) configure() error {
	set := s.set
	if s.backend == nil {
		b, err := integrators.Lookup(set.backend)
		if err != nil {
			return fmt.Errorf("%w: %w", dynamo.ErrConfig, err)
		}
		s.backend = b
	}
	caps := s.backend.Capabilities()
	if set.positivity && !caps.Constraints {
		return dynamo.ConfigError("backend %s does not support positivity constraints", s.backend.Version())
	}
	if set.funcIter && !caps.FixedPoint {
		return dynamo.ConfigError("backend %s does not support fixed-point iteration", s.backend.Version())
	}

	method, iter := integrators.BDF, integrators.Newton
	if set.adams {
		method = integrators.Adams
	}
	if set.funcIter {
		iter = integrators.FixedPoint
	}
	s.log.Info("creating integrator", "backend", s.backend.Version(), "method", method.String(),
		"fixed_point", set.funcIter)

	integ, err := s.backend.Create(method, iter)
	if err != nil {
		return fmt.Errorf("%w: %w", dynamo.ErrAllocation, err)
	}
	if err := integ.Init(s.rhs, s.simTime, s.y, s.mesh.Comm); err != nil {
		return fmt.Errorf("%w: %w", dynamo.ErrAllocation, err)
	}
	s.integ = integ

	if set.vectorAtol {
		s.log.Info("using vector absolute tolerances")
		atol, err := s.buildVectorTolerances(set.atol)
		if err != nil {
			return err
		}
		if err := integ.SetVectorTolerances(set.rtol, atol); err != nil {
			return backendErr("vector tolerances", err)
		}
	} else if err := integ.SetScalarTolerances(set.rtol, set.atol); err != nil {
		return backendErr("scalar tolerances", err)
	}

	if err := integ.SetMaxNumSteps(set.mxstep); err != nil {
		return backendErr("mxstep", err)
	}
	if set.minTimestep > 0 {
		if err := integ.SetMinStep(set.minTimestep); err != nil {
			return backendErr("min_timestep", err)
		}
	}
	if set.maxTimestep > 0 {
		if err := integ.SetMaxStep(set.maxTimestep); err != nil {
			return backendErr("max_timestep", err)
		}
	}
	if set.startTimestep > 0 {
		if err := integ.SetInitStep(set.startTimestep); err != nil {
			return backendErr("start_timestep", err)
		}
	}
	if set.maxOrder > 0 {
		if err := integ.SetMaxOrder(set.maxOrder); err != nil {
			return backendErr("max order", err)
		}
	}
	if set.stabLimDet {
		if err := integ.SetStabLimDet(true); err != nil {
			return backendErr("stability limit detection", err)
		}
	}
	if set.maxNonlinIters > 0 {
		if err := integ.SetMaxNonlinIters(set.maxNonlinIters); err != nil {
			return backendErr("max_nonlinear_iterations", err)
		}
	}
	if set.positivity {
		s.log.Info("applying positivity constraints")
		c, err := s.buildConstraints()
		if err != nil {
			return err
		}
		if err := integ.SetConstraints(c); err != nil {
			return backendErr("constraints", err)
		}
	}

	if set.funcIter {
		return nil
	}
	return s.configureLinear()
}

func (s *Solver) configureLinear() error {
	set := s.set
	prec := integrators.PrecNone
	if set.usePrecon {
		prec = integrators.PrecLeft
		if set.rightPrec {
			prec = integrators.PrecRight
		}
	}
	if err := s.integ.SetLinearSolver(prec, set.maxl); err != nil {
		return backendErr("linear solver", err)
	}

	if set.usePrecon {
		if p, ok := s.model.(Preconditioner); ok {
			s.log.Info("using model preconditioner", "right", set.rightPrec)
			s.pre = p
			if err := s.integ.SetPreconditioner(s.precon); err != nil {
				return backendErr("preconditioner", err)
			}
		} else {
			s.log.Info("using band-block-diagonal preconditioner",
				"mudq", set.mudq, "mldq", set.mldq, "mukeep", set.mukeep, "mlkeep", set.mlkeep)
			err := s.integ.SetBBDPreconditioner(integrators.BBDConfig{
				MuDQ: set.mudq, MlDQ: set.mldq,
				MuKeep: set.mukeep, MlKeep: set.mlkeep,
				Local: s.bbdLocal,
			})
			if err != nil {
				return backendErr("bbd preconditioner", err)
			}
		}
	}

	if set.useJacobian {
		j, ok := s.model.(Jacobian)
		if !ok {
			s.log.Info("use_jacobian set but the model has no Jacobian; using difference quotients")
			return nil
		}
		s.jac = j
		if err := s.integ.SetJacTimes(s.jacTimes); err != nil {
			return backendErr("jacobian", err)
		}
	}
	return nil
}

func backendErr(what string, err error) error {
	if errors.Is(err, integrators.ErrUnsupported) || errors.Is(err, integrators.ErrIllInput) {
		return fmt.Errorf("%w: %s: %w", dynamo.ErrConfig, what, err)
	}
	return fmt.Errorf("configuring %s: %w", what, err)
}

// Run advances through every output interval, calling the monitors after
// each one. It stops early when a monitor asks to.
func (s *Solver) Run(ctx context.Context) error {
	if s.phase != Initialized {
		return fmt.Errorf("run: %w (phase %s)", dynamo.ErrNotInitialised, s.phase)
	}
	s.phase = Running
	s.refreshDiagnostics()

	for i := 0; i < s.nout; i++ {
		target := s.simTime + s.timestep
		tret, err := s.Advance(ctx, target)
		if err != nil {
			return err
		}
		if tret < 0 {
			s.phase = Failed
			return &dynamo.IntegrationError{Time: s.simTime, Flag: integrators.ErrFailure}
		}
		s.iteration++
		s.refreshDiagnostics()
		if s.set.diagnose {
			s.logDiagnostics()
		}

		stop := false
		for _, m := range s.monitors {
			if m(s.simTime, i, s.nout) {
				stop = true
			}
		}
		if stop {
			s.log.Info("monitor requested stop", "time", s.simTime, "iteration", i)
			break
		}
	}
	s.phase = Completed
	return nil
}

// Advance integrates to tout and returns the time reached. The fields hold
// the solution at tout and the model's RHS has been evaluated there. It is
// collective.
func (s *Solver) Advance(ctx context.Context, tout float64) (float64, error) {
	switch s.phase {
	case Uninitialized:
		return -1, fmt.Errorf("advance: %w", dynamo.ErrNotInitialised)
	case Failed:
		return -1, errors.New("advance: solver has failed")
	}
	if err := ctx.Err(); err != nil {
		s.phase = Failed
		s.mesh.Comm.Abort(err)
		return -1, err
	}
	if err := s.mesh.Comm.Barrier(); err != nil {
		s.phase = Failed
		return -1, fmt.Errorf("%w: barrier: %w", dynamo.ErrCollective, err)
	}

	s.preconCalls, s.preconTime = 0, 0

	var tret float64
	var err error
	if len(s.tsMonitors) == 0 {
		tret, err = s.stepNormal(tout)
	} else {
		tret, err = s.stepMonitored(tout)
	}
	if err != nil {
		s.phase = Failed
		return -1, err
	}

	s.loadVars(s.y)
	s.simTime = tret
	// Auxiliary quantities computed in RHS follow the new state.
	if err := s.model.RHS(tret); err != nil {
		s.phase = Failed
		return -1, fmt.Errorf("rhs at t = %e: %w", tret, err)
	}
	return tret, nil
}

func (s *Solver) stepNormal(tout float64) (float64, error) {
	tret, flag := s.integ.Step(tout, s.y, integrators.Normal)
	if flag < 0 {
		return tret, s.integrationError(tret, flag)
	}
	return tret, nil
}

func (s *Solver) stepMonitored(tout float64) (float64, error) {
	internal := s.integ.CurrentTime()
	if internal < tout {
		if err := s.integ.SetStopTime(tout); err != nil {
			return internal, backendErr("stop time", err)
		}
	}
	for internal < tout {
		last := internal
		var flag int
		internal, flag = s.integ.Step(tout, s.y, integrators.OneStep)
		if flag < 0 {
			return internal, s.integrationError(internal, flag)
		}
		for _, m := range s.tsMonitors {
			m(internal, internal-last)
		}
	}
	if flag := s.integ.GetDky(tout, 0, s.y); flag < 0 {
		return tout, s.integrationError(tout, flag)
	}
	return tout, nil
}

func (s *Solver) integrationError(t float64, flag int) error {
	cause := s.integ.Err()
	if cause == nil {
		cause = errors.New(integrators.FlagName(flag))
	} else {
		cause = fmt.Errorf("%s: %w", integrators.FlagName(flag), cause)
	}
	s.log.Error("integration failed", "time", t, "flag", integrators.FlagName(flag), "error", cause)
	return &dynamo.IntegrationError{Time: t, Flag: flag, Wrapped: cause}
}

// ResetInternalFields restarts the integrator from the current field
// values at the current time.
func (s *Solver) ResetInternalFields() error {
	if s.integ == nil {
		return fmt.Errorf("reset: %w", dynamo.ErrNotInitialised)
	}
	s.saveVars(s.y)
	if err := s.integ.ReInit(s.simTime, s.y); err != nil {
		return fmt.Errorf("reinit at t = %e: %w", s.simTime, err)
	}
	return nil
}

func (s *Solver) refreshDiagnostics() {
	st := s.integ.Stats()
	d := Diagnostics{
		Time:             s.simTime,
		Iteration:        s.iteration,
		NSteps:           st.NSteps,
		NFEvals:          st.NFEvals,
		NNonlinIters:     st.NNonlinIters,
		NPrecSolves:      st.NPrecSolves,
		NLinIters:        st.NLinIters,
		NErrTestFails:    st.NErrTestFails,
		NNonlinConvFails: st.NNonlinConvFails,
		NStabLimRed:      st.NStabLimRed,
		LastStep:         st.LastStep,
		LastOrder:        st.LastOrder,
		PreconCalls:      s.preconCalls,
		PreconTime:       s.preconTime,
	}
	s.diagMu.Lock()
	s.diag = d
	s.diagMu.Unlock()
}

func (s *Solver) logDiagnostics() {
	d := s.Diagnostics()
	s.log.Info("solver diagnostics",
		"time", d.Time,
		"steps", d.NSteps,
		"rhs_evals", d.NFEvals,
		"nonlin_iters", d.NNonlinIters,
		"prec_solves", d.NPrecSolves,
		"lin_iters", d.NLinIters,
		"last_step", d.LastStep,
		"last_order", d.LastOrder,
		"err_test_fails", d.NErrTestFails,
		"nonlin_conv_fails", d.NNonlinConvFails,
		"stab_lim_red", d.NStabLimRed,
	)
}
