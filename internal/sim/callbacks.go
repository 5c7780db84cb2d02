package sim

import (
	"errors"
	"fmt"
	"time"

	"github.com/san-kum/meshsim/internal/dynamo"
	"github.com/san-kum/meshsim/internal/integrators"
)

// The integrator reaches the model only through the methods below, bound
// to the solver as method values at registration. They are the one place
// that maps model errors onto integrator semantics.

// softFail turns a model's non-physical-state signal into a recoverable
// integrator failure.
func softFail(err error) error {
	if errors.Is(err, dynamo.ErrRHSFail) {
		return fmt.Errorf("%w: %w", integrators.ErrRecoverable, err)
	}
	return err
}

// rhs evaluates ydot = f(t, y).
func (s *Solver) rhs(t float64, y, ydot []float64) error {
	s.loadVars(y)
	if err := s.model.RHS(t); err != nil {
		return softFail(err)
	}
	s.saveDerivs(ydot)
	return nil
}

// bbdLocal is the local approximation the band-block-diagonal
// preconditioner differences. Models evaluate their RHS locally, so it is
// the RHS itself.
func (s *Solver) bbdLocal(t float64, y, g []float64) error {
	return s.rhs(t, y, g)
}

// precon solves P z = r with the model's preconditioner.
func (s *Solver) precon(t float64, y, _, r, z []float64, gamma, delta float64, _ int) error {
	if s.pre == nil {
		// Unreachable when configured through Init.
		copy(z, r)
		return nil
	}
	start := time.Now()
	defer func() {
		s.preconTime += time.Since(start)
		s.preconCalls++
	}()

	s.loadVars(y)
	s.loadDerivs(r)
	if err := s.pre.Precon(t, gamma, delta); err != nil {
		return softFail(err)
	}
	s.saveDerivs(z)
	return nil
}

// jacTimes computes Jv = J(t, y) v with the model's Jacobian.
func (s *Solver) jacTimes(t float64, v, jv, y, _ []float64) error {
	if s.jac == nil {
		return fmt.Errorf("%w: Jacobian-vector product requested but none configured", dynamo.ErrMissingCollaborator)
	}
	s.loadVars(y)
	s.loadDerivs(v)
	if err := s.jac.Jacobian(t); err != nil {
		return softFail(err)
	}
	s.saveDerivs(jv)
	return nil
}
