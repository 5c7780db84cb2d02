package integrators

import "math"

// bandLU holds a band matrix with mu super- and ml sub-diagonals and, after
// factor, its LU factorisation with partial pivoting. Columns are stored
// contiguously with ml extra rows above the band for the fill the row
// interchanges create, so U has upper bandwidth mu+ml.
type bandLU struct {
	n, mu, ml int
	smu       int
	ld        int
	data      []float64
	piv       []int
}

func newBandLU(n, mu, ml int) *bandLU {
	smu := mu + ml
	ld := smu + ml + 1
	return &bandLU{
		n:    n,
		mu:   mu,
		ml:   ml,
		smu:  smu,
		ld:   ld,
		data: make([]float64, n*ld),
		piv:  make([]int, n),
	}
}

func (b *bandLU) idx(i, j int) int { return j*b.ld + i - j + b.smu }

// inBand reports whether (i, j) lies within the band of the unfactored
// matrix.
func (b *bandLU) inBand(i, j int) bool {
	return i-j <= b.ml && j-i <= b.mu
}

func (b *bandLU) at(i, j int) float64 { return b.data[b.idx(i, j)] }

func (b *bandLU) set(i, j int, v float64) { b.data[b.idx(i, j)] = v }

func (b *bandLU) zero() { clear(b.data) }

// factor overwrites the matrix with its LU factors. It reports false when
// a zero pivot is met.
func (b *bandLU) factor() bool {
	for k := 0; k < b.n; k++ {
		last := min(b.n-1, k+b.ml)
		p, big := k, math.Abs(b.at(k, k))
		for i := k + 1; i <= last; i++ {
			if v := math.Abs(b.at(i, k)); v > big {
				p, big = i, v
			}
		}
		b.piv[k] = p
		if big == 0 {
			return false
		}

		jlast := min(b.n-1, k+b.smu)
		if p != k {
			for j := k; j <= jlast; j++ {
				u, v := b.idx(k, j), b.idx(p, j)
				b.data[u], b.data[v] = b.data[v], b.data[u]
			}
		}

		pivot := b.at(k, k)
		for i := k + 1; i <= last; i++ {
			lik := b.at(i, k) / pivot
			b.set(i, k, lik)
			if lik == 0 {
				continue
			}
			for j := k + 1; j <= jlast; j++ {
				b.data[b.idx(i, j)] -= lik * b.at(k, j)
			}
		}
	}
	return true
}

// solve overwrites x with the solution of A x = x using the factors.
func (b *bandLU) solve(x []float64) {
	for k := 0; k < b.n-1; k++ {
		if p := b.piv[k]; p != k {
			x[k], x[p] = x[p], x[k]
		}
		last := min(b.n-1, k+b.ml)
		for i := k + 1; i <= last; i++ {
			x[i] -= b.at(i, k) * x[k]
		}
	}
	for k := b.n - 1; k >= 0; k-- {
		x[k] /= b.at(k, k)
		for i := max(0, k-b.smu); i < k; i++ {
			x[i] -= b.at(i, k) * x[k]
		}
	}
}
