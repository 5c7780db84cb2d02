package experiment

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/san-kum/meshsim/internal/comm"
	"github.com/san-kum/meshsim/internal/config"
	"github.com/san-kum/meshsim/internal/mesh"
	"github.com/san-kum/meshsim/internal/models"
	"github.com/san-kum/meshsim/internal/sim"
	"gonum.org/v1/gonum/floats"
)

// Summary is the global mean and range of one field over the bulk.
type Summary struct {
	Name string
	Mean float64
	Min  float64
	Max  float64
}

// Output is what one output interval produced.
type Output struct {
	Iteration   int
	Time        float64
	Diagnostics sim.Diagnostics
	Fields      []Summary
}

type Result struct {
	Outputs     []Output
	Final       sim.Diagnostics
	LocalSize   int
	GlobalSize  int
	StepsPerOut []int
}

// Experiment runs one configured model on cfg.NProcs in-process ranks.
type Experiment struct {
	cfg *config.Config
	reg *Registry
	log *slog.Logger

	group   *sim.Group
	models  []sim.Model
	onOut   func(Output)
	onStep  func(t, dt float64)
	mu      sync.Mutex
	outputs []Output
}

func New(cfg *config.Config, reg *Registry, log *slog.Logger) *Experiment {
	if reg == nil {
		reg = NewRegistry(nil)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Experiment{cfg: cfg, reg: reg, log: log}
}

// OnOutput registers a callback run on rank 0 after every output interval.
func (e *Experiment) OnOutput(fn func(Output)) { e.onOut = fn }

// OnStep registers a callback run on rank 0 after every internal step. It
// switches the solvers to one-step mode.
func (e *Experiment) OnStep(fn func(t, dt float64)) { e.onStep = fn }

func (e *Experiment) Setup() error {
	if err := e.cfg.Validate(); err != nil {
		return err
	}
	world := comm.NewWorld(e.cfg.NProcs)
	e.models = make([]sim.Model, e.cfg.NProcs)

	g, err := sim.NewGroup(world, func(c comm.Comm) (*sim.Solver, error) {
		msh, err := mesh.New(e.cfg.Mesh, c)
		if err != nil {
			return nil, err
		}
		model, err := e.reg.GetModel(e.cfg.Model)
		if err != nil {
			return nil, err
		}
		e.models[c.Rank()] = model

		s := sim.New(msh, e.cfg.Options, model, sim.WithLogger(e.log.With("rank", c.Rank())))
		s.AddMonitor(e.monitor(s, model))
		if e.onStep != nil {
			// Every rank steps the same way; only rank 0 reports.
			rank := c.Rank()
			s.AddTimestepMonitor(func(t, dt float64) {
				if rank == 0 {
					e.onStep(t, dt)
				}
			})
		}
		return s, nil
	})
	if err != nil {
		return err
	}
	e.group = g

	e.log.Info("initialising", "model", e.cfg.Model, "nprocs", e.cfg.NProcs, "nout", e.cfg.NOut, "timestep", e.cfg.TimeStep)
	return g.Init(e.cfg.NOut, e.cfg.TimeStep)
}

func (e *Experiment) Run(ctx context.Context) (*Result, error) {
	if e.group == nil {
		return nil, fmt.Errorf("experiment not setup")
	}
	e.outputs = nil
	if err := e.group.Run(ctx); err != nil {
		return nil, err
	}

	root := e.group.Solvers()[0]
	local, global := root.Size()
	res := &Result{
		Outputs:    e.outputs,
		Final:      root.Diagnostics(),
		LocalSize:  local,
		GlobalSize: global,
	}
	prev := 0
	for _, o := range res.Outputs {
		res.StepsPerOut = append(res.StepsPerOut, o.Diagnostics.NSteps-prev)
		prev = o.Diagnostics.NSteps
	}
	return res, nil
}

// Solvers returns the per-rank solvers after Setup.
func (e *Experiment) Solvers() []*sim.Solver {
	if e.group == nil {
		return nil
	}
	return e.group.Solvers()
}

// Model returns the model instance of a rank after Setup.
func (e *Experiment) Model(rank int) sim.Model {
	if rank < 0 || rank >= len(e.models) {
		return nil
	}
	return e.models[rank]
}

// monitor reduces the field summaries on every rank and records them on
// rank 0. The reductions are collective, so it never stops one rank alone.
func (e *Experiment) monitor(s *sim.Solver, model sim.Model) sim.Monitor {
	return func(t float64, iter, _ int) bool {
		fields, err := summarize(s, model)
		if err != nil {
			s.Logger().Error("field summary failed", "error", err)
			return true
		}
		if s.Mesh().Comm.Rank() != 0 {
			return false
		}
		out := Output{Iteration: iter, Time: t, Diagnostics: s.Diagnostics(), Fields: fields}
		e.mu.Lock()
		e.outputs = append(e.outputs, out)
		e.mu.Unlock()
		if e.onOut != nil {
			e.onOut(out)
		}
		return false
	}
}

type column struct {
	name string
	vals []float64
}

// summarize collects the bulk values of every evolving and auxiliary field
// and reduces them over the ranks.
func summarize(s *sim.Solver, model sim.Model) ([]Summary, error) {
	m := s.Mesh()
	pts := m.RegionNoBndry()

	var cols []column
	for _, v := range s.Vars2D() {
		vals := make([]float64, 0, len(pts))
		for _, p := range pts {
			vals = append(vals, v.Var.At(p.X, p.Y))
		}
		cols = append(cols, column{v.Name, vals})
	}
	add3D := func(name string, f *mesh.Field3D) {
		vals := make([]float64, 0, len(pts)*m.LocalNz)
		for _, p := range pts {
			vals = append(vals, f.Column(p.X, p.Y)...)
		}
		cols = append(cols, column{name, vals})
	}
	for _, v := range s.Vars3D() {
		add3D(v.Name, v.Var)
	}
	if aux, ok := model.(models.Auxiliary); ok {
		fields := aux.Aux()
		names := make([]string, 0, len(fields))
		for name := range fields {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			add3D(name, fields[name])
		}
	}

	n := len(cols)
	sums := make([]float64, 2*n)
	ext := make([]float64, 2*n)
	for i, c := range cols {
		sums[i] = floats.Sum(c.vals)
		sums[n+i] = float64(len(c.vals))
		ext[i], ext[n+i] = math.Inf(-1), math.Inf(-1)
		if len(c.vals) > 0 {
			ext[i] = floats.Max(c.vals)
			ext[n+i] = -floats.Min(c.vals)
		}
	}
	if err := m.Comm.AllreduceSum(sums); err != nil {
		return nil, err
	}
	if err := m.Comm.AllreduceMax(ext); err != nil {
		return nil, err
	}

	out := make([]Summary, n)
	for i, c := range cols {
		out[i] = Summary{Name: c.name, Min: -ext[n+i], Max: ext[i]}
		if sums[n+i] > 0 {
			out[i].Mean = sums[i] / sums[n+i]
		}
	}
	return out, nil
}
