package sim

import (
	"fmt"
	"time"
)

// Model supplies the physics: it owns the evolving fields and evaluates
// their time derivatives.
type Model interface {
	// Init creates the model's fields on s.Mesh(), sets initial values and
	// registers the evolving variables with s.
	Init(s *Solver) error
	// RHS fills each variable's DDT field from the current field values at
	// time t. Returning an error wrapping dynamo.ErrRHSFail asks the
	// integrator to retry with a smaller step.
	RHS(t float64) error
}

// Preconditioner is implemented by models that can approximately solve
// (I - gamma J) z = r. On entry the DDT fields hold r; on return they must
// hold z.
type Preconditioner interface {
	Precon(t, gamma, delta float64) error
}

// Jacobian is implemented by models that can form J v. On entry the DDT
// fields hold v; on return they must hold J v.
type Jacobian interface {
	Jacobian(t float64) error
}

// Monitor is called after every output interval. Returning true stops the
// run.
type Monitor func(t float64, iter, nout int) (stop bool)

// TimestepMonitor is called after every internal step with its size.
type TimestepMonitor func(t, dt float64)

// Phase is the lifecycle stage of a Solver.
type Phase int

const (
	Uninitialized Phase = iota
	Initialized
	Running
	Completed
	Failed
)

func (p Phase) String() string {
	switch p {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Diagnostics is a snapshot of integrator counters, refreshed after every
// output interval.
type Diagnostics struct {
	Time      float64
	Iteration int

	NSteps           int
	NFEvals          int
	NNonlinIters     int
	NPrecSolves      int
	NLinIters        int
	NErrTestFails    int
	NNonlinConvFails int
	NStabLimRed      int
	LastStep         float64
	LastOrder        int

	// Model preconditioner calls and time spent in them during the last
	// interval.
	PreconCalls int
	PreconTime  time.Duration
}
