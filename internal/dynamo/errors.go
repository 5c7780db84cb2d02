package dynamo

import (
	"errors"
	"fmt"
)

// Domain errors for integration operations.
var (
	// ErrConfig indicates an invalid or unsupported option combination.
	ErrConfig = errors.New("dynamo: configuration error")

	// ErrAllocation indicates a backend buffer could not be created.
	ErrAllocation = errors.New("dynamo: allocation failed")

	// ErrCollective indicates a collective operation across processes failed.
	ErrCollective = errors.New("dynamo: collective operation failed")

	// ErrRHSFail is returned by a model right-hand side that met a
	// non-physical state. The integrator retries with a smaller step.
	ErrRHSFail = errors.New("dynamo: rhs evaluation failed")

	// ErrIntegration indicates the backend reported a failed step.
	ErrIntegration = errors.New("dynamo: integration failed")

	// ErrMissingCollaborator indicates a callback was reached without the
	// collaborator it dispatches to.
	ErrMissingCollaborator = errors.New("dynamo: missing collaborator")

	// ErrNotInitialised indicates an operation on an engine that has not
	// completed Init.
	ErrNotInitialised = errors.New("dynamo: solver not initialised")
)

// ConfigError builds an error wrapping ErrConfig.
func ConfigError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

// IntegrationError wraps a backend failure with the time it happened at and
// the backend status flag.
type IntegrationError struct {
	Time    float64
	Flag    int
	Wrapped error
}

func (e *IntegrationError) Error() string {
	msg := fmt.Sprintf("solve failed at t = %e, flag = %d", e.Time, e.Flag)
	if e.Wrapped != nil {
		msg += ": " + e.Wrapped.Error()
	}
	return msg
}

func (e *IntegrationError) Unwrap() []error {
	if e.Wrapped == nil {
		return []error{ErrIntegration}
	}
	return []error{ErrIntegration, e.Wrapped}
}
