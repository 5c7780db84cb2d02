package integrators

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

type corrOutcome int

const (
	corrOK corrOutcome = iota
	corrConvFail
	corrRecoverRHS
	corrFatalRHS
	corrFatalLin
	corrFatalSetup
)

// correct iterates ynew = a + gamma f(tn1, ynew) from the predictor.
func (m *Multistep) correct(tn1 float64) corrOutcome {
	copy(m.ynew, m.zn[0])

	if m.iter == Newton && m.setupDue() {
		if out := m.setup(tn1, m.ynew); out != corrOK {
			return out
		}
	}

	crate := 1.0
	delp := 0.0
	for it := 0; ; it++ {
		switch m.callRHS(tn1, m.ynew, m.fy) {
		case cbRecover:
			return corrRecoverRHS
		case cbFatal:
			return corrFatalRHS
		}

		// res = a + gamma f - y, the negated corrector residual.
		for i := range m.res {
			m.res[i] = m.a[i] + m.gamma*m.fy[i] - m.ynew[i]
		}
		if m.iter == Newton {
			if out := m.linearSolve(tn1); out != corrOK {
				return out
			}
		} else {
			copy(m.del, m.res)
		}
		floats.Add(m.ynew, m.del)
		m.stats.NNonlinIters++

		dn := m.sp.wrms(m.del, m.ewt)
		if m.sp.err != nil {
			return corrFatalRHS
		}
		if it > 0 {
			crate = math.Max(0.3*crate, dn/delp)
		}
		if dn == 0 || dn*math.Min(1, crate)*m.tq[2] <= nonlinTol {
			return corrOK
		}
		if it+1 >= m.maxcor || (it >= 1 && dn > 2*delp) {
			return corrConvFail
		}
		delp = dn
	}
}

func (m *Multistep) setupDue() bool {
	switch {
	case m.needSetup, m.nst == 0:
		return true
	case m.sinceSetup >= precSetupEvery:
		return true
	case m.gammaSetup != 0 && math.Abs(m.gamma/m.gammaSetup-1) > gammaChangeLimit:
		return true
	}
	return false
}

// setup refreshes the preconditioner data at the predicted state.
func (m *Multistep) setup(t float64, y []float64) corrOutcome {
	m.stats.NLinSetups++
	m.gammaSetup = m.gamma
	m.sinceSetup = 0
	m.needSetup = false
	if m.bbd == nil || m.prec == PrecNone {
		return corrOK
	}
	m.stats.NPrecEvals++
	switch m.reduce(m.bbd.setup(t, y, m.ewt, m.gamma)) {
	case cbRecover:
		m.needSetup = true
		return corrConvFail
	case cbFatal:
		if m.sp.err == nil && m.err != nil {
			m.err = fmt.Errorf("preconditioner setup: %w", m.err)
		}
		return corrFatalSetup
	}
	return corrOK
}

// linearSolve sets del to an approximate solution of
// (I - gamma J) del = res.
func (m *Multistep) linearSolve(t float64) corrOutcome {
	side := m.prec
	if m.psolve == nil && m.bbd == nil {
		side = PrecNone
	}
	delta := linTol * nonlinTol / m.tq[2]
	tol := delta * math.Sqrt(float64(m.sp.nGlobal))

	lr := 1
	if side == PrecRight {
		lr = 2
	}
	psolve := func(r, z []float64) int {
		m.stats.NPrecSolves++
		switch {
		case m.bbd != nil:
			return m.reduce(m.bbd.solve(r, z))
		case m.psolve != nil:
			return m.reduce(m.psolve(t, m.ynew, m.fy, r, z, m.gamma, delta, lr))
		}
		copy(z, r)
		return cbOK
	}
	atimes := func(v, out []float64) int {
		if st := m.jacTimes(t, v, m.jv); st != cbOK {
			return st
		}
		linComb(out, 1, v, -m.gamma, m.jv)
		return cbOK
	}

	r := m.lin.solve(atimes, psolve, side, m.res, m.del, m.ewt, tol)
	m.stats.NLinIters += r.iters
	switch r.status {
	case cbRecover:
		return corrConvFail
	case cbFatal:
		if m.sp.err != nil {
			return corrFatalRHS
		}
		return corrFatalLin
	}
	if !r.converged {
		m.stats.NLinConvFails++
		if !r.reduced {
			return corrConvFail
		}
	}
	return corrOK
}

// jacTimes sets jv = J v, by the user product or a difference quotient.
func (m *Multistep) jacTimes(t float64, v, jv []float64) int {
	if m.jtimes != nil {
		m.stats.NJvEvals++
		return m.reduce(m.jtimes(t, v, jv, m.ynew, m.fy))
	}
	vn := m.sp.wrms(v, m.ewt)
	if m.sp.err != nil {
		return cbFatal
	}
	if vn == 0 {
		for i := range jv {
			jv[i] = 0
		}
		return cbOK
	}
	sig := 1 / vn
	linComb(m.ytmp, 1, m.ynew, sig, v)
	m.stats.NFEvalsLS++
	if st := m.callRHS(t, m.ytmp, m.ftmp); st != cbOK {
		return st
	}
	linComb(jv, 1/sig, m.ftmp, -1/sig, m.fy)
	return cbOK
}
