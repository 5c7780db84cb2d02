// Package integrators provides the implicit time integrator the solver
// drives: a variable-step multistep method (BDF or Adams-Moulton) with
// Newton-Krylov or fixed-point corrector iterations.
//
// Integrators are obtained from a Backend. Each backend version advertises
// its capabilities; "v3" is complete, "v2" mimics older releases and has no
// inequality-constraint support. Return flags follow the CVODE convention:
// zero is success and negative values are failures.
package integrators

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/san-kum/meshsim/internal/comm"
)

var (
	// ErrRecoverable marks a callback failure the integrator may retry with
	// a smaller step.
	ErrRecoverable = errors.New("integrators: recoverable callback failure")
	ErrUnsupported = errors.New("integrators: not supported by this backend")
	ErrIllInput    = errors.New("integrators: illegal input")
	ErrUnknownVer  = errors.New("integrators: unknown backend version")
)

// Return flags.
const (
	Success            = 0
	TooMuchWork        = -1
	TooMuchAcc         = -2
	ErrFailure         = -3
	ConvFailure        = -4
	LinSetupFail       = -6
	LinSolveFail       = -7
	FirstRHSFuncErr    = -9
	RepeatedRHSFuncErr = -10
	UnrecRHSFuncErr    = -11
	ConstraintFail     = -15
	IllInput           = -22
	BadK               = -24
	BadT               = -25
	TooClose           = -27
	VectorOpErr        = -28
)

// FlagName returns the symbolic name of a return flag.
func FlagName(flag int) string {
	switch flag {
	case Success:
		return "SUCCESS"
	case TooMuchWork:
		return "TOO_MUCH_WORK"
	case TooMuchAcc:
		return "TOO_MUCH_ACC"
	case ErrFailure:
		return "ERR_FAILURE"
	case ConvFailure:
		return "CONV_FAILURE"
	case LinSetupFail:
		return "LSETUP_FAIL"
	case LinSolveFail:
		return "LSOLVE_FAIL"
	case FirstRHSFuncErr:
		return "FIRST_RHSFUNC_ERR"
	case RepeatedRHSFuncErr:
		return "REPTD_RHSFUNC_ERR"
	case UnrecRHSFuncErr:
		return "UNREC_RHSFUNC_ERR"
	case ConstraintFail:
		return "CONSTR_FAIL"
	case IllInput:
		return "ILL_INPUT"
	case BadK:
		return "BAD_K"
	case BadT:
		return "BAD_T"
	case TooClose:
		return "TOO_CLOSE"
	case VectorOpErr:
		return "VECTOROP_ERR"
	default:
		return fmt.Sprintf("FLAG(%d)", flag)
	}
}

// Method selects the linear multistep family.
type Method int

const (
	BDF Method = iota
	Adams
)

func (m Method) String() string {
	if m == Adams {
		return "adams-moulton"
	}
	return "bdf"
}

// Iteration selects the corrector iteration.
type Iteration int

const (
	Newton Iteration = iota
	FixedPoint
)

// PrecType selects which side the preconditioner is applied on.
type PrecType int

const (
	PrecNone PrecType = iota
	PrecLeft
	PrecRight
)

// Task selects how Step returns.
type Task int

const (
	// Normal steps past tout and interpolates back to it.
	Normal Task = iota
	// OneStep returns after every internal step.
	OneStep
)

// RHSFunc writes dy/dt at (t, y) into ydot.
type RHSFunc func(t float64, y, ydot []float64) error

// PrecSolveFunc solves P z = r approximately, where P approximates
// I - gamma*J. lr is 1 for left and 2 for right preconditioning.
type PrecSolveFunc func(t float64, y, fy, r, z []float64, gamma, delta float64, lr int) error

// JacTimesFunc computes Jv = J(t, y) v.
type JacTimesFunc func(t float64, v, Jv, y, fy []float64) error

// LocalFunc approximates the right-hand side using only local data, for
// the band-block-diagonal preconditioner.
type LocalFunc func(t float64, y, g []float64) error

// BBDConfig configures the band-block-diagonal preconditioner. MuDQ/MlDQ
// are the difference-quotient half-bandwidths and MuKeep/MlKeep the retained
// ones.
type BBDConfig struct {
	MuDQ, MlDQ     int
	MuKeep, MlKeep int
	Local          LocalFunc
}

// Stats are the cumulative counters of an integrator.
type Stats struct {
	NSteps           int
	NFEvals          int
	NLinSetups       int
	NErrTestFails    int
	NNonlinIters     int
	NNonlinConvFails int
	NLinIters        int
	NLinConvFails    int
	NPrecEvals       int
	NPrecSolves      int
	NJvEvals         int
	NFEvalsLS        int
	NConstrFails     int
	NStabLimRed      int
	LastOrder        int
	CurrentOrder     int
	LastStep         float64
	CurrentStep      float64
	CurrentTime      float64
}

// Integrator is one integration context.
type Integrator interface {
	Init(rhs RHSFunc, t0 float64, y0 []float64, c comm.Comm) error
	ReInit(t0 float64, y0 []float64) error

	SetScalarTolerances(rtol, atol float64) error
	SetVectorTolerances(rtol float64, atol []float64) error
	SetMaxNumSteps(n int) error
	SetMaxStep(h float64) error
	SetMinStep(h float64) error
	SetInitStep(h float64) error
	SetMaxOrder(q int) error
	SetStabLimDet(on bool) error
	SetStopTime(tstop float64) error
	SetMaxNonlinIters(n int) error
	SetConstraints(c []float64) error

	SetLinearSolver(prec PrecType, maxl int) error
	SetPreconditioner(psolve PrecSolveFunc) error
	SetBBDPreconditioner(cfg BBDConfig) error
	SetJacTimes(jtimes JacTimesFunc) error

	// Step advances towards tout, leaving the solution in y. It returns the
	// time reached and a flag.
	Step(tout float64, y []float64, task Task) (float64, int)
	// GetDky interpolates the k-th derivative at t within the last step.
	GetDky(t float64, k int, dky []float64) int

	CurrentTime() float64
	Stats() Stats
	// Err returns the error behind the last failure flag, if any.
	Err() error
}

// Capabilities are the optional features of a backend version.
type Capabilities struct {
	Constraints bool
	FixedPoint  bool
	StabLimDet  bool
}

// Backend creates integrators.
type Backend interface {
	Version() string
	Capabilities() Capabilities
	Create(m Method, it Iteration) (Integrator, error)
}

var (
	backendsMu sync.RWMutex
	backends   = map[string]Backend{}
)

// DefaultVersion is the backend used when none is configured.
const DefaultVersion = "v3"

func init() {
	Register(current{})
	Register(legacy{})
}

// Register adds or replaces a backend by version.
func Register(b Backend) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[b.Version()] = b
}

func Lookup(version string) (Backend, error) {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	b, ok := backends[version]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownVer, version)
	}
	return b, nil
}

func Versions() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	out := make([]string, 0, len(backends))
	for v := range backends {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

type current struct{}

func (current) Version() string { return "v3" }

func (current) Capabilities() Capabilities {
	return Capabilities{Constraints: true, FixedPoint: true, StabLimDet: true}
}

func (current) Create(m Method, it Iteration) (Integrator, error) {
	return NewMultistep(m, it), nil
}

// legacy has no inequality-constraint support.
type legacy struct{}

func (legacy) Version() string { return "v2" }

func (legacy) Capabilities() Capabilities {
	return Capabilities{FixedPoint: true, StabLimDet: true}
}

func (legacy) Create(m Method, it Iteration) (Integrator, error) {
	return &legacyIntegrator{NewMultistep(m, it)}, nil
}

type legacyIntegrator struct {
	*Multistep
}

func (l *legacyIntegrator) SetConstraints([]float64) error {
	return fmt.Errorf("constraints: %w", ErrUnsupported)
}
