package integrators

import (
	"errors"
	"fmt"
	"math"

	"github.com/san-kum/meshsim/internal/comm"
	"gonum.org/v1/gonum/floats"
)

const uround = 2.220446049250313e-16

const (
	defaultMaxSteps  = 500
	defaultMaxCor    = 3
	defaultMaxl      = 5
	maxOrderBDF      = 5
	maxOrderAdams    = 12
	maxConvFails     = 10
	maxErrTestFails  = 7
	maxRHSFails      = 10
	maxConstrFails   = 10
	precSetupEvery   = 20
	gammaChangeLimit = 0.3

	nonlinTol = 0.1
	linTol    = 0.05

	etaMax      = 10.0
	etaMaxFirst = 10000.0
	etaThresh   = 1.5
	etaMinFail  = 0.1
	etaMaxFail  = 0.2
	etaFail     = 0.25
	etaConstr   = 0.5
	onePSM      = 1.000001

	// Error-test failures at one order before the order is lowered.
	errFailsBeforeCut = 3
	longWait          = 10

	bias1 = 6.0
	bias2 = 6.0
	bias3 = 10.0
	addon = 1e-6
)

var (
	errNotInit      = errors.New("integrator not initialised")
	errRemoteFail   = errors.New("callback failed on another process")
	errStepTooSmall = errors.New("step size fell below the minimum")
)

// Multistep is a variable-step, variable-order multistep integrator: BDF of
// orders one to five or Adams-Moulton of orders one to twelve. The history
// is kept as a Nordsieck array and the coefficients are those of the
// fixed-leading-coefficient form, so a change of step only rescales the
// history.
//
// All norms are global, and every callback outcome is reduced across ranks
// before it is acted on, so all ranks take identical step decisions.
type Multistep struct {
	method Method
	iter   Iteration

	rhs  RHSFunc
	comm comm.Comm
	sp   *space
	n    int

	rtol        float64
	atol        float64
	atolV       []float64
	maxSteps    int
	hmax, hmin  float64
	hinit       float64
	maxOrd      int
	stabLimDet  bool
	maxcor      int
	constraints []float64
	tstop       float64
	hasStop     bool

	prec   PrecType
	maxl   int
	lin    *gmres
	psolve PrecSolveFunc
	bbd    *bbdPrec
	jtimes JacTimesFunc

	// zn[j] holds h^j y^(j) / j! at t, scaled by the current h.
	zn       [][]float64
	t, h     float64
	hprime   float64
	hu       float64
	eta      float64
	etaMax   float64
	q        int
	qprime   int
	qu       int
	qwait    int
	nst      int
	started  bool
	l        [maxOrderAdams + 2]float64
	tq       [6]float64
	tau      [maxOrderAdams + 2]float64
	savedTq5 float64

	gamma      float64
	gammaSetup float64
	sinceSetup int
	needSetup  bool

	lastDsm    float64
	stabGrowth int

	ewt, f, a, ynew, fy, del []float64
	res, acor, ytmp          []float64
	ftmp, jv                 []float64

	stats       Stats
	err         error
	initialized bool
}

var _ Integrator = (*Multistep)(nil)

// orderLimit is the highest order a method supports.
func orderLimit(m Method) int {
	if m == Adams {
		return maxOrderAdams
	}
	return maxOrderBDF
}

func NewMultistep(m Method, it Iteration) *Multistep {
	return &Multistep{
		method:   m,
		iter:     it,
		rtol:     1e-5,
		atol:     1e-12,
		maxSteps: defaultMaxSteps,
		maxOrd:   orderLimit(m),
		maxcor:   defaultMaxCor,
		maxl:     defaultMaxl,
	}
}

func (m *Multistep) Init(rhs RHSFunc, t0 float64, y0 []float64, c comm.Comm) error {
	if rhs == nil {
		return fmt.Errorf("%w: nil right-hand side", ErrIllInput)
	}
	if c == nil {
		c = comm.Self()
	}
	sp, err := newSpace(c, len(y0))
	if err != nil {
		return err
	}
	n := len(y0)
	m.rhs, m.comm, m.sp, m.n = rhs, c, sp, n
	alloc := func() []float64 { return make([]float64, n) }
	m.zn = make([][]float64, orderLimit(m.method)+1)
	for j := range m.zn {
		m.zn[j] = alloc()
	}
	m.ewt, m.f, m.a, m.ynew = alloc(), alloc(), alloc(), alloc()
	m.fy, m.del, m.res, m.acor = alloc(), alloc(), alloc(), alloc()
	m.ytmp, m.ftmp, m.jv = alloc(), alloc(), alloc()
	m.initialized = true
	return m.ReInit(t0, y0)
}

// ReInit restarts integration from (t0, y0) keeping every setting.
func (m *Multistep) ReInit(t0 float64, y0 []float64) error {
	if !m.initialized {
		return errNotInit
	}
	if len(y0) != m.n {
		return fmt.Errorf("%w: state length %d, expected %d", ErrIllInput, len(y0), m.n)
	}
	copy(m.zn[0], y0)
	m.t = t0
	m.h, m.hprime, m.hu, m.eta = 0, 0, 0, 1
	m.q, m.qprime, m.qu, m.qwait = 1, 1, 0, 2
	m.nst = 0
	clear(m.tau[:])
	m.savedTq5 = 0
	m.etaMax = etaMaxFirst
	m.started = false
	m.needSetup = true
	m.lastDsm, m.stabGrowth = 0, 0
	m.stats = Stats{CurrentTime: t0}
	m.err = nil
	return nil
}

func (m *Multistep) SetScalarTolerances(rtol, atol float64) error {
	if rtol < 0 || atol < 0 {
		return fmt.Errorf("%w: negative tolerance", ErrIllInput)
	}
	m.rtol, m.atol, m.atolV = rtol, atol, nil
	return nil
}

func (m *Multistep) SetVectorTolerances(rtol float64, atol []float64) error {
	if !m.initialized {
		return errNotInit
	}
	if rtol < 0 {
		return fmt.Errorf("%w: negative tolerance", ErrIllInput)
	}
	if len(atol) != m.n {
		return fmt.Errorf("%w: tolerance length %d, expected %d", ErrIllInput, len(atol), m.n)
	}
	for _, v := range atol {
		if v < 0 {
			return fmt.Errorf("%w: negative absolute tolerance", ErrIllInput)
		}
	}
	m.rtol = rtol
	m.atolV = append([]float64(nil), atol...)
	return nil
}

// SetMaxNumSteps bounds the steps per Step call. Zero restores the
// default and a negative value removes the bound.
func (m *Multistep) SetMaxNumSteps(n int) error {
	switch {
	case n == 0:
		m.maxSteps = defaultMaxSteps
	case n < 0:
		m.maxSteps = 0
	default:
		m.maxSteps = n
	}
	return nil
}

func (m *Multistep) SetMaxStep(h float64) error {
	if h < 0 {
		return fmt.Errorf("%w: negative max step", ErrIllInput)
	}
	if h > 0 && h < m.hmin {
		return fmt.Errorf("%w: max step below min step", ErrIllInput)
	}
	m.hmax = h
	return nil
}

func (m *Multistep) SetMinStep(h float64) error {
	if h < 0 {
		return fmt.Errorf("%w: negative min step", ErrIllInput)
	}
	if m.hmax > 0 && h > m.hmax {
		return fmt.Errorf("%w: min step above max step", ErrIllInput)
	}
	m.hmin = h
	return nil
}

func (m *Multistep) SetInitStep(h float64) error {
	m.hinit = h
	return nil
}

// SetMaxOrder caps the method order. The cap may not exceed 5 for BDF or
// 12 for Adams. Lowering it mid-run lowers the current order at once.
func (m *Multistep) SetMaxOrder(q int) error {
	if limit := orderLimit(m.method); q <= 0 || q > limit {
		return fmt.Errorf("%w: max order %d, %s supports 1 to %d", ErrIllInput, q, m.method, limit)
	}
	m.maxOrd = q
	m.savedTq5 = 0
	if m.started {
		for m.q > q {
			m.adjustOrder(-1)
			m.q--
			m.qwait = m.q + 1
		}
	}
	m.qprime = min(m.qprime, q)
	return nil
}

// MaxOrder returns the order cap in force.
func (m *Multistep) MaxOrder() int { return m.maxOrd }

// SetStopTime forbids steps past tstop. The bound is cleared once it is
// reached.
func (m *Multistep) SetStopTime(tstop float64) error {
	if m.started && m.h != 0 && (tstop-m.t)*m.h < 0 {
		return fmt.Errorf("%w: stop time %g behind current time %g", ErrIllInput, tstop, m.t)
	}
	m.tstop, m.hasStop = tstop, true
	return nil
}

func (m *Multistep) SetStabLimDet(on bool) error {
	m.stabLimDet = on
	return nil
}

// StabLimDet reports whether BDF stability limit detection is on.
func (m *Multistep) StabLimDet() bool { return m.stabLimDet }

func (m *Multistep) SetMaxNonlinIters(n int) error {
	if n <= 0 {
		n = defaultMaxCor
	}
	m.maxcor = n
	return nil
}

// SetConstraints takes one code per component: 0 none, 1 >= 0, 2 > 0,
// -1 <= 0, -2 < 0. It is collective.
func (m *Multistep) SetConstraints(c []float64) error {
	if !m.initialized {
		return errNotInit
	}
	if len(c) != m.n {
		return fmt.Errorf("%w: constraint length %d, expected %d", ErrIllInput, len(c), m.n)
	}
	active := false
	for _, v := range c {
		switch v {
		case 0:
		case 1, 2, -1, -2:
			active = true
		default:
			return fmt.Errorf("%w: constraint code %v", ErrIllInput, v)
		}
	}
	if !m.sp.anyTrue(active) {
		m.constraints = nil
		return m.sp.err
	}
	m.constraints = append([]float64(nil), c...)
	return nil
}

func (m *Multistep) SetLinearSolver(prec PrecType, maxl int) error {
	if !m.initialized {
		return errNotInit
	}
	if m.iter != Newton {
		return fmt.Errorf("%w: linear solver needs Newton iteration", ErrIllInput)
	}
	if maxl <= 0 {
		maxl = defaultMaxl
	}
	m.prec, m.maxl = prec, maxl
	m.lin = newGMRES(m.sp, m.n, maxl)
	return nil
}

func (m *Multistep) SetPreconditioner(psolve PrecSolveFunc) error {
	if m.lin == nil {
		return fmt.Errorf("%w: preconditioner without linear solver", ErrIllInput)
	}
	m.psolve, m.bbd = psolve, nil
	return nil
}

// SetBBDPreconditioner is collective.
func (m *Multistep) SetBBDPreconditioner(cfg BBDConfig) error {
	if m.lin == nil {
		return fmt.Errorf("%w: preconditioner without linear solver", ErrIllInput)
	}
	p, err := newBBD(cfg, m.n, m.sp)
	if err != nil {
		return err
	}
	m.bbd, m.psolve = p, nil
	return nil
}

func (m *Multistep) SetJacTimes(jtimes JacTimesFunc) error {
	if m.lin == nil {
		return fmt.Errorf("%w: Jacobian product without linear solver", ErrIllInput)
	}
	m.jtimes = jtimes
	return nil
}

func (m *Multistep) CurrentTime() float64 { return m.t }
func (m *Multistep) Stats() Stats         { return m.stats }
func (m *Multistep) Err() error           { return m.err }

func (m *Multistep) Step(tout float64, yout []float64, task Task) (float64, int) {
	if !m.initialized {
		m.err = errNotInit
		return m.t, IllInput
	}
	if len(yout) != m.n {
		m.err = fmt.Errorf("%w: output length %d, expected %d", ErrIllInput, len(yout), m.n)
		return m.t, IllInput
	}
	m.err = nil

	if !m.started {
		if flag := m.start(tout); flag != Success {
			copy(yout, m.zn[0])
			return m.t, m.commFlag(flag)
		}
	}

	if task == Normal && m.nst > 0 && (m.t-tout)*m.h >= 0 {
		if flag := m.GetDky(tout, 0, yout); flag != Success {
			return m.t, flag
		}
		return tout, Success
	}

	for nloc := 0; ; nloc++ {
		if m.maxSteps > 0 && nloc >= m.maxSteps {
			m.err = fmt.Errorf("%d steps taken before reaching t = %g", m.maxSteps, tout)
			copy(yout, m.zn[0])
			return m.t, TooMuchWork
		}
		if m.stopReached() {
			m.hasStop = false
			copy(yout, m.zn[0])
			return m.t, Success
		}
		if flag := m.setWeights(m.zn[0]); flag != Success {
			copy(yout, m.zn[0])
			return m.t, m.commFlag(flag)
		}
		if flag := m.takeStep(); flag != Success {
			copy(yout, m.zn[0])
			return m.t, m.commFlag(flag)
		}
		if m.stopReached() {
			m.t = m.tstop
			m.stats.CurrentTime = m.t
			m.hasStop = false
			copy(yout, m.zn[0])
			return m.t, Success
		}
		if task == OneStep {
			copy(yout, m.zn[0])
			return m.t, Success
		}
		if (m.t-tout)*m.h >= 0 {
			m.GetDky(tout, 0, yout)
			return tout, Success
		}
	}
}

func (m *Multistep) commFlag(flag int) int {
	if m.sp.err != nil {
		m.err = m.sp.err
		return VectorOpErr
	}
	return flag
}

func (m *Multistep) start(tout float64) int {
	if math.Abs(tout-m.t) <= 2*uround*math.Max(math.Abs(m.t), math.Abs(tout)) {
		m.err = fmt.Errorf("tout %g too close to t0 %g", tout, m.t)
		return TooClose
	}
	switch m.callRHS(m.t, m.zn[0], m.f) {
	case cbRecover:
		return FirstRHSFuncErr
	case cbFatal:
		return UnrecRHSFuncErr
	}
	if flag := m.setWeights(m.zn[0]); flag != Success {
		return flag
	}
	if m.constraints != nil && m.sp.anyTrue(!m.constraintsHold(m.zn[0])) {
		m.err = fmt.Errorf("%w: initial values violate constraints", ErrIllInput)
		return IllInput
	}
	if m.iter == Newton && m.lin == nil {
		m.lin = newGMRES(m.sp, m.n, m.maxl)
	}
	m.h = m.initialStep(tout)
	m.hprime = m.h
	floats.ScaleTo(m.zn[1], m.h, m.f)
	m.q, m.qprime, m.qwait = 1, 1, 2
	m.etaMax = etaMaxFirst
	m.started = true
	m.stats.CurrentStep = m.h
	m.stats.CurrentOrder = m.q
	return Success
}

func (m *Multistep) initialStep(tout float64) float64 {
	dir := 1.0
	if tout < m.t {
		dir = -1
	}
	if m.hinit != 0 {
		return dir * math.Abs(m.hinit)
	}
	span := math.Abs(tout - m.t)
	fn := m.sp.wrms(m.f, m.ewt)
	yn := m.sp.wrms(m.zn[0], m.ewt)
	var h float64
	switch {
	case fn > 0:
		if yn == 0 {
			yn = 1
		}
		h = 0.01 * yn / fn
	default:
		h = 0.01 * span
	}
	if h == 0 || math.IsNaN(h) {
		h = 1e-6
	}
	h = math.Min(h, span)
	if m.hmax > 0 {
		h = math.Min(h, m.hmax)
	}
	h = math.Max(h, m.hmin)
	return dir * h
}

// setWeights computes ewt = 1 / (rtol |y| + atol).
func (m *Multistep) setWeights(y []float64) int {
	bad := false
	for i, v := range y {
		at := m.atol
		if m.atolV != nil {
			at = m.atolV[i]
		}
		d := m.rtol*math.Abs(v) + at
		if d <= 0 {
			bad = true
			break
		}
		m.ewt[i] = 1 / d
	}
	if m.sp.anyTrue(bad) {
		m.err = fmt.Errorf("%w: non-positive error weight", ErrIllInput)
		return IllInput
	}
	return Success
}

func (m *Multistep) constraintsHold(y []float64) bool {
	for i, c := range m.constraints {
		v := y[i]
		switch c {
		case 2:
			if v <= 0 {
				return false
			}
		case 1:
			if v < 0 {
				return false
			}
		case -1:
			if v > 0 {
				return false
			}
		case -2:
			if v >= 0 {
				return false
			}
		}
	}
	return true
}

// callRHS evaluates the right-hand side and returns the outcome reduced
// over all ranks.
func (m *Multistep) callRHS(t float64, y, out []float64) int {
	m.stats.NFEvals++
	return m.reduce(m.rhs(t, y, out))
}

// reduce classifies a callback error and takes the worst outcome across
// ranks.
func (m *Multistep) reduce(err error) int {
	local := cbOK
	if err != nil {
		local = cbFatal
		if errors.Is(err, ErrRecoverable) {
			local = cbRecover
		}
		m.err = err
	}
	st := int(m.sp.max(float64(local)))
	if m.sp.err != nil {
		return cbFatal
	}
	if st != cbOK && local == cbOK {
		if st == cbRecover {
			m.err = fmt.Errorf("%w: %w", ErrRecoverable, errRemoteFail)
		} else {
			m.err = errRemoteFail
		}
	}
	return st
}

// shrink retries the step with h scaled by eta, bounded below by the
// minimum step. It returns flag when h cannot shrink any further.
func (m *Multistep) shrink(eta float64, flag int) int {
	m.needSetup = true
	m.etaMax = 1
	ah := math.Abs(m.h)
	if ah <= m.hmin*onePSM {
		return m.tooSmall(flag)
	}
	m.rescale(math.Max(eta, m.hmin/ah))
	if math.Abs(m.h) <= 100*uround*math.Abs(m.t) {
		return m.tooSmall(flag)
	}
	return Success
}

func (m *Multistep) tooSmall(flag int) int {
	if m.err == nil {
		m.err = errStepTooSmall
	}
	return flag
}

// clampStep applies the step bounds and the stop time to the step about to
// be taken.
func (m *Multistep) clampStep() {
	h := m.h
	if m.hmax > 0 && math.Abs(h) > m.hmax {
		h = math.Copysign(m.hmax, h)
	}
	if math.Abs(h) < m.hmin {
		h = math.Copysign(m.hmin, h)
	}
	if m.hasStop && (m.t+h-m.tstop)*h > 0 {
		h = (m.tstop - m.t) * (1 - 4*uround)
	}
	if h != m.h {
		m.rescale(h / m.h)
	}
}

// stopReached reports whether t is within rounding of the stop time.
func (m *Multistep) stopReached() bool {
	if !m.hasStop {
		return false
	}
	return math.Abs(m.tstop-m.t) <= 100*uround*math.Max(math.Abs(m.t), math.Abs(m.tstop))
}

// takeStep attempts one step, retrying with smaller steps after failures.
// On failure the history is left as it was before the attempt.
func (m *Multistep) takeStep() int {
	var nConv, nErr, nRHS, nConstr int
	saved := m.t
	if m.nst > 0 && (m.qprime != m.q || m.hprime != m.h) {
		m.adjustParams()
	}
	m.clampStep()

	for {
		m.predict()
		m.setCoefficients()

		out := m.correct(m.t)
		if out != corrOK {
			m.restore(saved)
		}
		switch out {
		case corrFatalRHS:
			return UnrecRHSFuncErr
		case corrFatalLin:
			return LinSolveFail
		case corrFatalSetup:
			return LinSetupFail
		case corrRecoverRHS:
			nRHS++
			if nRHS >= maxRHSFails {
				return RepeatedRHSFuncErr
			}
			if f := m.shrink(etaFail, RepeatedRHSFuncErr); f != Success {
				return f
			}
			continue
		case corrConvFail:
			nConv++
			m.stats.NNonlinConvFails++
			if nConv >= maxConvFails {
				return ConvFailure
			}
			if f := m.shrink(etaFail, ConvFailure); f != Success {
				return f
			}
			continue
		}

		if m.constraints != nil && m.sp.anyTrue(!m.constraintsHold(m.ynew)) {
			tn1 := m.t
			m.restore(saved)
			nConstr++
			m.stats.NConstrFails++
			if nConstr >= maxConstrFails {
				m.err = fmt.Errorf("constraints violated %d times at t = %g", nConstr, tn1)
				return ConstraintFail
			}
			if f := m.shrink(etaConstr, ConstraintFail); f != Success {
				return f
			}
			continue
		}

		linComb(m.acor, 1, m.ynew, -1, m.zn[0])
		dsm := m.tq[2] * m.sp.wrms(m.acor, m.ewt)
		if m.sp.err != nil {
			m.restore(saved)
			return VectorOpErr
		}
		if dsm > 1 {
			tn1 := m.t
			m.restore(saved)
			nErr++
			m.stats.NErrTestFails++
			if nErr >= maxErrTestFails {
				m.err = fmt.Errorf("error test failed %d times at t = %g", nErr, tn1)
				return ErrFailure
			}
			if f := m.errTestFailed(nErr, dsm); f != Success {
				return f
			}
			continue
		}

		m.complete()
		m.prepareNext(dsm)
		m.stabilityCheck(dsm)
		m.etaMax = etaMax
		m.stats.NSteps = m.nst
		m.stats.LastOrder = m.qu
		m.stats.CurrentOrder = m.qprime
		m.stats.LastStep = m.hu
		m.stats.CurrentStep = m.hprime
		m.stats.CurrentTime = m.t
		return Success
	}
}

// errTestFailed picks the retry after the nErr-th error test failure of a
// step: a smaller step at first, then a lower order, and at order one a
// restart of the history from the current solution.
func (m *Multistep) errTestFailed(nErr int, dsm float64) int {
	if nErr <= errFailsBeforeCut {
		eta := math.Max(etaMinFail, etaFor(bias2*dsm, m.q+1))
		if nErr >= 2 {
			eta = math.Min(eta, etaMaxFail)
		}
		return m.shrink(eta, ErrFailure)
	}
	if m.q > 1 {
		m.adjustOrder(-1)
		m.q--
		m.qprime, m.qwait = m.q, m.q+1
		return m.shrink(etaMinFail, ErrFailure)
	}
	if f := m.shrink(etaMinFail, ErrFailure); f != Success {
		return f
	}
	m.qwait = longWait
	if m.callRHS(m.t, m.zn[0], m.f) != cbOK {
		return UnrecRHSFuncErr
	}
	floats.ScaleTo(m.zn[1], m.h, m.f)
	return Success
}
