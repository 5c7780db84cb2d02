package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/san-kum/meshsim/internal/comm"
)

// Group runs one Solver per rank of an in-process World, each on its own
// goroutine.
type Group struct {
	world   *comm.World
	solvers []*Solver
}

// NewGroup builds a solver for every rank of w with build.
func NewGroup(w *comm.World, build func(c comm.Comm) (*Solver, error)) (*Group, error) {
	g := &Group{world: w, solvers: make([]*Solver, w.Size())}
	for r, c := range w.Ranks() {
		s, err := build(c)
		if err != nil {
			return nil, fmt.Errorf("rank %d: %w", r, err)
		}
		g.solvers[r] = s
	}
	return g, nil
}

// Solvers returns the per-rank solvers, indexed by rank.
func (g *Group) Solvers() []*Solver { return g.solvers }

// Init initialises every rank. Init is collective, so the ranks run
// concurrently.
func (g *Group) Init(nout int, tstep float64) error {
	return g.each(func(s *Solver) error { return s.Init(nout, tstep) })
}

// Run runs every rank to completion. The first failure aborts the world so
// the other ranks return instead of waiting in a collective.
func (g *Group) Run(ctx context.Context) error {
	return g.each(func(s *Solver) error { return s.Run(ctx) })
}

func (g *Group) each(fn func(*Solver) error) error {
	errs := make([]error, len(g.solvers))

	var wg sync.WaitGroup
	for i, s := range g.solvers {
		wg.Add(1)
		go func(idx int, s *Solver) {
			defer wg.Done()
			if err := fn(s); err != nil {
				errs[idx] = fmt.Errorf("rank %d: %w", idx, err)
				g.world.Abort(err)
			}
		}(i, s)
	}
	wg.Wait()

	// Ranks woken by the abort report comm.ErrAborted; keep the cause.
	var cause []error
	for _, err := range errs {
		if err != nil && !errors.Is(err, comm.ErrAborted) {
			cause = append(cause, err)
		}
	}
	if len(cause) > 0 {
		return errors.Join(cause...)
	}
	return errors.Join(errs...)
}
