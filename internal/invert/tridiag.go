package invert

import "math/cmplx"

const pivotTol = 1e-300

// thomas solves a tridiagonal system. Row i reads
// a[i] x[i-1] + b[i] x[i] + c[i] x[i+1] = d[i]; a[0] and c[n-1] are ignored.
func thomas(a, b, c, d, x []complex128) error {
	n := len(d)
	cp := make([]complex128, n)
	dp := make([]complex128, n)

	if cmplx.Abs(b[0]) < pivotTol {
		return ErrSingular
	}
	cp[0] = c[0] / b[0]
	dp[0] = d[0] / b[0]
	for i := 1; i < n; i++ {
		m := b[i] - a[i]*cp[i-1]
		if cmplx.Abs(m) < pivotTol {
			return ErrSingular
		}
		cp[i] = c[i] / m
		dp[i] = (d[i] - a[i]*dp[i-1]) / m
	}
	x[n-1] = dp[n-1]
	for i := n - 2; i >= 0; i-- {
		x[i] = dp[i] - cp[i]*x[i+1]
	}
	return nil
}

// cyclicTridiag solves the periodic system where a[0] couples row 0 to
// x[n-1] and c[n-1] couples row n-1 to x[0].
func cyclicTridiag(a, b, c, d, x []complex128) error {
	n := len(d)
	switch n {
	case 1:
		s := a[0] + b[0] + c[0]
		if cmplx.Abs(s) < pivotTol {
			return ErrSingular
		}
		x[0] = d[0] / s
		return nil
	case 2:
		// Both off-diagonal couplings land on the same neighbour.
		m00, m01 := b[0], a[0]+c[0]
		m10, m11 := a[1]+c[1], b[1]
		det := m00*m11 - m01*m10
		if cmplx.Abs(det) < pivotTol {
			return ErrSingular
		}
		x[0] = (d[0]*m11 - m01*d[1]) / det
		x[1] = (m00*d[1] - m10*d[0]) / det
		return nil
	}

	// Sherman-Morrison on the corner elements.
	beta := a[0]
	alpha := c[n-1]
	gamma := -b[0]
	if gamma == 0 {
		gamma = 1
	}
	bb := make([]complex128, n)
	copy(bb, b)
	bb[0] = b[0] - gamma
	bb[n-1] = b[n-1] - alpha*beta/gamma

	if err := thomas(a, bb, c, d, x); err != nil {
		return err
	}
	u := make([]complex128, n)
	u[0] = gamma
	u[n-1] = alpha
	z := make([]complex128, n)
	if err := thomas(a, bb, c, u, z); err != nil {
		return err
	}
	den := 1 + z[0] + beta*z[n-1]/gamma
	if cmplx.Abs(den) < pivotTol {
		return ErrSingular
	}
	fact := (x[0] + beta*x[n-1]/gamma) / den
	for i := range x {
		x[i] -= fact * z[i]
	}
	return nil
}
