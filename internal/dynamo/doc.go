// Package dynamo provides the primitives shared by every layer of the
// time-integration stack.
//
// The package defines:
//
//   - [State]: the flat, process-local numeric buffer handed to the integrator
//   - the error taxonomy used across packages ([ErrConfig], [ErrRHSFail], ...)
//   - [IntegrationError]: a backend failure carrying the time and status flag
//   - [ParallelFor]: a chunked worker helper for process-local loops
//
// # Error taxonomy
//
// Configuration, allocation, collective and integration failures are fatal
// and abort the run. [ErrRHSFail] is the only recoverable condition: a model
// returns it from its right-hand side to ask the integrator for a smaller
// step.
package dynamo
