// Package comm provides the collective operations the integrator needs
// across processes: a barrier and global reductions.
//
// Processes step in lockstep: every rank must issue the same sequence of
// collective calls. [World] runs ranks as goroutines inside one process and
// is what the CLI and the tests use; [Self] is the single-rank case.
package comm

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// ErrAborted is returned by every collective after Abort was called.
var ErrAborted = errors.New("comm: aborted")

// Comm is the transport seen by one rank.
type Comm interface {
	Rank() int
	Size() int
	Barrier() error
	// AllreduceSumInt returns the sum of v over all ranks.
	AllreduceSumInt(v int) (int, error)
	// AllreduceSum replaces vals with their elementwise sum over all ranks.
	AllreduceSum(vals []float64) error
	// AllreduceMax replaces vals with their elementwise maximum over all ranks.
	AllreduceMax(vals []float64) error
	// Abort fails every pending and future collective on every rank.
	Abort(err error)
}

type op int

const (
	opSum op = iota
	opMax
)

// World is a group of in-process ranks sharing one reduction barrier.
type World struct {
	size int

	mu      sync.Mutex
	cond    *sync.Cond
	gen     uint64
	arrived int
	acc     []float64
	result  []float64
	aborted error
}

// NewWorld creates a world with n ranks.
func NewWorld(n int) *World {
	if n < 1 {
		n = 1
	}
	w := &World{size: n}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Size returns the number of ranks.
func (w *World) Size() int { return w.size }

// Rank returns the Comm for rank r.
func (w *World) Rank(r int) Comm {
	if r < 0 || r >= w.size {
		panic(fmt.Sprintf("comm: rank %d out of range [0, %d)", r, w.size))
	}
	return &rank{world: w, rank: r}
}

// Ranks returns one Comm per rank, in rank order.
func (w *World) Ranks() []Comm {
	out := make([]Comm, w.size)
	for r := range out {
		out[r] = w.Rank(r)
	}
	return out
}

// Abort fails every pending and future collective on every rank.
func (w *World) Abort(err error) { w.abort(err) }

func (w *World) abort(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.aborted == nil {
		if err == nil {
			err = ErrAborted
		}
		w.aborted = fmt.Errorf("%w: %v", ErrAborted, err)
	}
	w.cond.Broadcast()
}

func (w *World) reduce(o op, vals []float64) ([]float64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.aborted != nil {
		return nil, w.aborted
	}

	if w.arrived == 0 {
		w.acc = append(w.acc[:0], vals...)
	} else {
		if len(vals) != len(w.acc) {
			w.aborted = fmt.Errorf("%w: reduction length mismatch (%d != %d)", ErrAborted, len(vals), len(w.acc))
			w.cond.Broadcast()
			return nil, w.aborted
		}
		for i, v := range vals {
			switch o {
			case opSum:
				w.acc[i] += v
			case opMax:
				w.acc[i] = math.Max(w.acc[i], v)
			}
		}
	}
	w.arrived++

	gen := w.gen
	if w.arrived == w.size {
		w.result = append(w.result[:0], w.acc...)
		w.arrived = 0
		w.gen++
		w.cond.Broadcast()
	} else {
		for gen == w.gen && w.aborted == nil {
			w.cond.Wait()
		}
		if gen == w.gen {
			return nil, w.aborted
		}
	}

	out := make([]float64, len(w.result))
	copy(out, w.result)
	return out, nil
}

type rank struct {
	world *World
	rank  int
}

func (r *rank) Rank() int { return r.rank }
func (r *rank) Size() int { return r.world.size }

func (r *rank) Barrier() error {
	_, err := r.world.reduce(opSum, nil)
	return err
}

func (r *rank) AllreduceSumInt(v int) (int, error) {
	out, err := r.world.reduce(opSum, []float64{float64(v)})
	if err != nil {
		return 0, err
	}
	return int(math.Round(out[0])), nil
}

func (r *rank) AllreduceSum(vals []float64) error {
	out, err := r.world.reduce(opSum, vals)
	if err != nil {
		return err
	}
	copy(vals, out)
	return nil
}

func (r *rank) AllreduceMax(vals []float64) error {
	out, err := r.world.reduce(opMax, vals)
	if err != nil {
		return err
	}
	copy(vals, out)
	return nil
}

func (r *rank) Abort(err error) { r.world.abort(err) }

// Self returns a single-rank Comm.
func Self() Comm {
	return NewWorld(1).Rank(0)
}
