package sim

import (
	"fmt"

	"github.com/san-kum/meshsim/internal/config"
	"github.com/san-kum/meshsim/internal/dynamo"
	"github.com/san-kum/meshsim/internal/integrators"
	"github.com/san-kum/meshsim/internal/mesh"
)

// settings are the solver options, read once in Init.
type settings struct {
	diagnose       bool
	adams          bool
	funcIter       bool
	maxOrder       int
	stabLimDet     bool
	atol, rtol     float64
	vectorAtol     bool
	mxstep         int
	maxTimestep    float64
	minTimestep    float64
	startTimestep  float64
	maxNonlinIters int
	positivity     bool
	maxl           int
	usePrecon      bool
	rightPrec      bool
	mudq, mldq     int
	mukeep, mlkeep int
	useJacobian    bool
	backend        string
}

// optReader keeps the first error so a block of reads can be checked once.
type optReader struct {
	o   *config.Options
	err error
}

func (r *optReader) bool(key string, def bool) bool {
	v, err := r.o.Bool(key, def)
	r.keep(err)
	return v
}

func (r *optReader) int(key string, def int) int {
	v, err := r.o.Int(key, def)
	r.keep(err)
	return v
}

func (r *optReader) float(key string, def float64) float64 {
	v, err := r.o.Float(key, def)
	r.keep(err)
	return v
}

func (r *optReader) string(key string, def string) string {
	v, err := r.o.String(key, def)
	r.keep(err)
	return v
}

func (r *optReader) keep(err error) {
	if err != nil && r.err == nil {
		r.err = err
	}
}

func readSettings(opts *config.Options, m *mesh.Mesh, n2d, n3d int) (settings, error) {
	r := &optReader{o: opts}
	var s settings

	s.diagnose = r.bool("diagnose", false)
	s.adams = r.bool("adams_moulton", false)
	s.funcIter = r.bool("func_iter", s.adams)
	// mxorder is the older spelling and wins when both are given.
	s.maxOrder = r.int("cvode_max_order", -1)
	if opts.IsSet("mxorder") {
		s.maxOrder = r.int("mxorder", -1)
	}
	s.stabLimDet = r.bool("cvode_stability_limit_detection", false)
	s.atol = r.float("ATOL", 1.0e-12)
	s.rtol = r.float("RTOL", 1.0e-5)
	s.vectorAtol = r.bool("use_vector_abstol", false)
	s.mxstep = r.int("mxstep", 500)
	s.maxTimestep = r.float("max_timestep", -1)
	s.minTimestep = r.float("min_timestep", -1)
	s.startTimestep = r.float("start_timestep", -1)
	s.maxNonlinIters = r.int("max_nonlinear_iterations", -1)
	s.positivity = r.bool("apply_positivity_constraints", false)
	s.maxl = r.int("maxl", 5)
	s.usePrecon = r.bool("use_precon", false)
	s.rightPrec = r.bool("rightprec", false)
	s.useJacobian = r.bool("use_jacobian", false)
	s.backend = r.string("backend", integrators.DefaultVersion)

	width := m.XEnd - m.XStart + 3
	s.mudq = r.int("mudq", n3d*width)
	s.mldq = r.int("mldq", n3d*width)
	s.mukeep = r.int("mukeep", n2d+n3d)
	s.mlkeep = r.int("mlkeep", n2d+n3d)

	if r.err != nil {
		return settings{}, fmt.Errorf("%w: %w", dynamo.ErrConfig, r.err)
	}
	if s.atol < 0 || s.rtol < 0 {
		return settings{}, dynamo.ConfigError("tolerances must be non-negative (ATOL %g, RTOL %g)", s.atol, s.rtol)
	}
	return s, nil
}
