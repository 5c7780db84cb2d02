// Package models holds the sample physics models the CLI can run. Each
// model creates its fields on the solver's mesh, registers the evolving
// ones and evaluates their time derivatives.
package models

import "github.com/san-kum/meshsim/internal/mesh"

// Auxiliary is implemented by models that derive non-evolving fields in
// their RHS. The fields are current after every output step.
type Auxiliary interface {
	Aux() map[string]*mesh.Field3D
}
