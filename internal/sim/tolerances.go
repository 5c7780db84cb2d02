package sim

import (
	"errors"
	"fmt"
	"strings"

	"github.com/san-kum/meshsim/internal/dynamo"
)

// ErrBadConstraint is returned for an unrecognised positivity_constraint.
var ErrBadConstraint = fmt.Errorf("%w: unknown positivity constraint", dynamo.ErrConfig)

// Constraint is a per-variable sign constraint.
type Constraint string

const (
	ConstraintNone        Constraint = "none"
	ConstraintPositive    Constraint = "positive"
	ConstraintNonNegative Constraint = "non_negative"
	ConstraintNegative    Constraint = "negative"
	ConstraintNonPositive Constraint = "non_positive"
)

// Code returns the backend constraint code.
func (c Constraint) Code() (float64, error) {
	switch c {
	case ConstraintNone:
		return 0, nil
	case ConstraintPositive:
		return 2, nil
	case ConstraintNonNegative:
		return 1, nil
	case ConstraintNegative:
		return -2, nil
	case ConstraintNonPositive:
		return -1, nil
	}
	return 0, fmt.Errorf("%w %q", ErrBadConstraint, string(c))
}

func (s *Solver) varNames() []string {
	names := make([]string, 0, len(s.f2d)+len(s.f3d))
	for _, v := range s.f2d {
		names = append(names, v.Name)
	}
	for _, v := range s.f3d {
		names = append(names, v.Name)
	}
	return names
}

// nameOf returns the registry name behind a degree of freedom.
func (s *Solver) nameOf(d dof) string {
	if d.is3D {
		return s.f3d[d.v].Name
	}
	return s.f2d[d.v].Name
}

// varAbsTol reads a variable's absolute tolerance. The deprecated abstol
// key overrides atol.
func (s *Solver) varAbsTol(name string, def float64) (float64, error) {
	sec := s.opts.Section(name)
	atol, err := sec.Float("atol", def)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", dynamo.ErrConfig, err)
	}
	if !sec.IsSet("abstol") {
		return atol, nil
	}
	s.log.Warn("option is deprecated, use atol instead", "option", sec.Name()+":abstol")
	abstol, err := sec.Float("abstol", def)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", dynamo.ErrConfig, err)
	}
	return abstol, nil
}

// buildVectorTolerances fills one absolute tolerance per degree of freedom.
func (s *Solver) buildVectorTolerances(def float64) ([]float64, error) {
	perVar := map[string]float64{}
	for _, name := range s.varNames() {
		v, err := s.varAbsTol(name, def)
		if err != nil {
			return nil, err
		}
		perVar[name] = v
	}
	out := make([]float64, len(s.layout))
	s.forEachDOF(func(i int, d dof) {
		out[i] = perVar[s.nameOf(d)]
	})
	return out, nil
}

// buildConstraints fills one constraint code per degree of freedom.
func (s *Solver) buildConstraints() ([]float64, error) {
	perVar := map[string]float64{}
	var errs []error
	for _, name := range s.varNames() {
		raw, err := s.opts.Section(name).String("positivity_constraint", string(ConstraintNone))
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %w", dynamo.ErrConfig, err))
			continue
		}
		code, err := Constraint(strings.ToLower(raw)).Code()
		if err != nil {
			errs = append(errs, fmt.Errorf("variable %s: %w", name, err))
			continue
		}
		perVar[name] = code
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	out := make([]float64, len(s.layout))
	s.forEachDOF(func(i int, d dof) {
		out[i] = perVar[s.nameOf(d)]
	})
	return out, nil
}
