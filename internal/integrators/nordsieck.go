package integrators

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// predict advances t by h and extrapolates the history to the new time.
func (m *Multistep) predict() {
	m.t += m.h
	if m.hasStop && (m.t-m.tstop)*m.h > 0 {
		m.t = m.tstop
	}
	for k := 1; k <= m.q; k++ {
		for j := m.q; j >= k; j-- {
			floats.Add(m.zn[j-1], m.zn[j])
		}
	}
}

// restore undoes predict.
func (m *Multistep) restore(saved float64) {
	m.t = saved
	for k := 1; k <= m.q; k++ {
		for j := m.q; j >= k; j-- {
			floats.Sub(m.zn[j-1], m.zn[j])
		}
	}
}

// rescale changes the step to eta*h.
func (m *Multistep) rescale(eta float64) {
	f := eta
	for j := 1; j <= m.q; j++ {
		floats.Scale(f, m.zn[j])
		f *= eta
	}
	m.h *= eta
	m.hprime = m.h
}

// adjustParams applies the order and step chosen after the last step.
func (m *Multistep) adjustParams() {
	if m.qprime != m.q {
		m.adjustOrder(m.qprime - m.q)
		m.q = m.qprime
		m.qwait = m.q + 1
		m.lastDsm, m.stabGrowth = 0, 0
	}
	m.rescale(m.hprime / m.h)
}

// setCoefficients computes the method coefficients l, the error constants
// tq and the corrector data, so that the corrector solves
// y = a + gamma f(t, y).
func (m *Multistep) setCoefficients() {
	if m.method == Adams {
		m.setAdams()
	} else {
		m.setBDF()
	}
	rl1 := 1 / m.l[1]
	m.gamma = m.h * rl1
	linComb(m.a, 1, m.zn[0], -rl1, m.zn[1])
}

func (m *Multistep) setBDF() {
	clear(m.l[:])
	m.l[0], m.l[1] = 1, 1
	xiInv, xistarInv := 1.0, 1.0
	alpha0, alpha0Hat := -1.0, -1.0
	hsum := m.h
	if m.q > 1 {
		for j := 2; j < m.q; j++ {
			hsum += m.tau[j-1]
			xiInv = m.h / hsum
			alpha0 -= 1 / float64(j)
			// l holds the coefficients of prod_j (1 + x/xi_j).
			for i := j; i >= 1; i-- {
				m.l[i] += m.l[i-1] * xiInv
			}
		}
		alpha0 -= 1 / float64(m.q)
		xistarInv = -m.l[1] - alpha0
		hsum += m.tau[m.q-1]
		xiInv = m.h / hsum
		alpha0Hat = -m.l[1] - xiInv
		for i := m.q; i >= 1; i-- {
			m.l[i] += m.l[i-1] * xistarInv
		}
	}

	q := float64(m.q)
	a1 := 1 - alpha0Hat + alpha0
	a2 := 1 + q*a1
	m.tq[2] = math.Abs(a1 / (alpha0 * a2))
	m.tq[5] = math.Abs(a2 * xistarInv / (m.l[m.q] * xiInv))
	if m.qwait != 1 {
		return
	}
	// Constants for the error estimates at orders q-1 and q+1.
	m.tq[1] = 1
	if m.q > 1 {
		c := xistarInv / m.l[m.q]
		a3 := alpha0 + 1/q
		a4 := alpha0Hat + xiInv
		m.tq[1] = math.Abs(c * (1 - a4 + a3) / a3)
	}
	hsum += m.tau[m.q]
	xiInv = m.h / hsum
	a5 := alpha0 - 1/(q+1)
	a6 := alpha0Hat - xiInv
	m.tq[3] = math.Abs((1 - a6 + a5) / a2 / (xiInv * (q + 2) * a5))
}

func (m *Multistep) setAdams() {
	if m.q == 1 {
		m.l[0], m.l[1] = 1, 1
		m.tq[1], m.tq[5] = 1, 1
		m.tq[2] = 0.5
		m.tq[3] = 1.0 / 12
		return
	}

	var c [maxOrderAdams + 1]float64
	c[0] = 1
	hsum := m.h
	for j := 1; j < m.q; j++ {
		if j == m.q-1 && m.qwait == 1 {
			m.tq[1] = float64(m.q) * altSum(m.q-2, c[:], 2) / c[m.q-2]
		}
		xiInv := m.h / hsum
		for i := j; i >= 1; i-- {
			c[i] += c[i-1] * xiInv
		}
		hsum += m.tau[j]
	}

	m0Inv := 1 / altSum(m.q-1, c[:], 1)
	m1 := altSum(m.q-1, c[:], 2)
	m.l[0] = 1
	for i := 1; i <= m.q; i++ {
		m.l[i] = m0Inv * c[i-1] / float64(i)
	}
	xi := hsum / m.h
	m.tq[2] = m1 * m0Inv / xi
	m.tq[5] = xi / m.l[m.q]
	if m.qwait == 1 {
		for i := m.q; i >= 1; i-- {
			c[i] += c[i-1] / xi
		}
		m.tq[3] = altSum(m.q, c[:], 2) * m0Inv / float64(m.q+1)
	}
}

// altSum is sum_{i=0}^{iend} (-1)^i a_i / (i+k).
func altSum(iend int, a []float64, k int) float64 {
	sum, sign := 0.0, 1.0
	for i := 0; i <= iend; i++ {
		sum += sign * a[i] / float64(i+k)
		sign = -sign
	}
	return sum
}

// adjustOrder rewrites the history for a change of order by dq, which is
// +1 or -1. It must run before q is changed.
func (m *Multistep) adjustOrder(dq int) {
	if m.q == 2 && dq != 1 {
		return
	}
	switch {
	case m.method == Adams && dq == 1:
		clear(m.zn[m.q+1])
	case m.method == Adams:
		m.decreaseAdams()
	case dq == 1:
		m.increaseBDF()
	default:
		m.decreaseBDF()
	}
}

func (m *Multistep) decreaseAdams() {
	clear(m.l[:])
	m.l[1] = 1
	hsum := 0.0
	for j := 1; j <= m.q-2; j++ {
		hsum += m.tau[j]
		xi := hsum / m.h
		for i := j + 1; i >= 1; i-- {
			m.l[i] = m.l[i]*xi + m.l[i-1]
		}
	}
	for j := 1; j <= m.q-2; j++ {
		m.l[j+1] = float64(m.q) * (m.l[j] / float64(j+1))
	}
	for j := 2; j < m.q; j++ {
		floats.AddScaled(m.zn[j], -m.l[j], m.zn[m.q])
	}
}

// increaseBDF builds the new highest column from the correction saved in
// zn[maxOrd] by the step that chose the increase.
func (m *Multistep) increaseBDF() {
	clear(m.l[:])
	m.l[2] = 1
	alpha0, alpha1 := -1.0, 1.0
	prod, xiOld := 1.0, 1.0
	hsum := m.h
	for j := 1; j < m.q; j++ {
		hsum += m.tau[j+1]
		xi := hsum / m.h
		prod *= xi
		alpha0 -= 1 / float64(j+1)
		alpha1 += 1 / xi
		for i := j + 2; i >= 2; i-- {
			m.l[i] = m.l[i]*xiOld + m.l[i-1]
		}
		xiOld = xi
	}
	a1 := (-alpha0 - alpha1) / prod
	top := m.zn[m.q+1]
	floats.ScaleTo(top, a1, m.zn[m.maxOrd])
	for j := 2; j <= m.q; j++ {
		floats.AddScaled(m.zn[j], m.l[j], top)
	}
}

func (m *Multistep) decreaseBDF() {
	clear(m.l[:])
	m.l[2] = 1
	hsum := 0.0
	for j := 1; j <= m.q-2; j++ {
		hsum += m.tau[j]
		xi := hsum / m.h
		for i := j + 2; i >= 2; i-- {
			m.l[i] = m.l[i]*xi + m.l[i-1]
		}
	}
	for j := 2; j < m.q; j++ {
		floats.AddScaled(m.zn[j], -m.l[j], m.zn[m.q])
	}
}

// complete applies the accepted correction to the history.
func (m *Multistep) complete() {
	m.nst++
	m.sinceSetup++
	m.hu, m.qu = m.h, m.q

	for i := m.q; i >= 2; i-- {
		m.tau[i] = m.tau[i-1]
	}
	if m.q == 1 && m.nst > 1 {
		m.tau[2] = m.tau[1]
	}
	m.tau[1] = m.h

	for j := 0; j <= m.q; j++ {
		floats.AddScaled(m.zn[j], m.l[j], m.acor)
	}
	m.qwait--
	if m.qwait == 1 && m.q != m.maxOrd {
		// Kept for the order q+1 error estimate on the next step.
		copy(m.zn[m.maxOrd], m.acor)
		m.savedTq5 = m.tq[5]
	}
}

// etaFor is the step ratio that brings a weighted error estimate e of the
// given order to the target.
func etaFor(e float64, order int) float64 {
	return 1 / (math.Pow(e, 1/float64(order)) + addon)
}

// prepareNext chooses the step size and order for the next step. Orders
// q-1 and q+1 are considered once q steps have been taken at order q.
func (m *Multistep) prepareNext(dsm float64) {
	if m.etaMax == 1 {
		m.qwait = max(m.qwait, 2)
		m.qprime, m.hprime, m.eta = m.q, m.h, 1
		return
	}
	etaq := etaFor(bias2*dsm, m.q+1)
	if m.qwait != 0 {
		m.eta, m.qprime = etaq, m.q
		m.setEta()
		return
	}

	m.qwait = 2
	etaqm1 := 0.0
	if m.q > 1 {
		ddn := m.sp.wrms(m.zn[m.q], m.ewt) * m.tq[1]
		etaqm1 = etaFor(bias1*ddn, m.q)
	}
	etaqp1 := 0.0
	if m.q != m.maxOrd && m.savedTq5 != 0 {
		cquot := m.tq[5] / m.savedTq5 * math.Pow(m.h/m.tau[2], float64(m.q+1))
		linComb(m.ytmp, 1, m.acor, -cquot, m.zn[m.maxOrd])
		dup := m.sp.wrms(m.ytmp, m.ewt) * m.tq[3]
		etaqp1 = etaFor(bias3*dup, m.q+2)
	}

	switch etam := max(etaqm1, etaq, etaqp1); {
	case etam < etaThresh:
		m.eta, m.qprime = 1, m.q
	case etam == etaq:
		m.eta, m.qprime = etaq, m.q
	case etam == etaqm1:
		m.eta, m.qprime = etaqm1, m.q-1
	default:
		m.eta, m.qprime = etaqp1, m.q+1
		if m.method == BDF {
			copy(m.zn[m.maxOrd], m.acor)
		}
	}
	m.setEta()
}

// setEta turns eta into the next step size. Changes below etaThresh are
// not worth the history rescaling.
func (m *Multistep) setEta() {
	if m.eta < etaThresh {
		m.eta, m.hprime = 1, m.h
		return
	}
	m.eta = math.Min(m.eta, m.etaMax)
	if m.hmax > 0 {
		m.eta /= math.Max(1, math.Abs(m.h)*m.eta/m.hmax)
	}
	m.hprime = m.h * m.eta
}

// stabilityCheck lowers the BDF order once the error estimate has more than
// doubled on three successive steps at orders three and above, where the
// methods lose stability near the imaginary axis.
func (m *Multistep) stabilityCheck(dsm float64) {
	if !m.stabLimDet || m.method != BDF || m.q < 3 {
		m.lastDsm, m.stabGrowth = dsm, 0
		return
	}
	if m.lastDsm > 0 && dsm > 2*m.lastDsm {
		m.stabGrowth++
	} else {
		m.stabGrowth = 0
	}
	m.lastDsm = dsm
	if m.stabGrowth < 3 {
		return
	}
	m.lastDsm, m.stabGrowth = 0, 0
	m.qprime = m.q - 1
	m.eta, m.hprime = 1, m.h
	m.stats.NStabLimRed++
}
