package experiment

import (
	"fmt"
	"sort"

	"github.com/san-kum/meshsim/internal/invert"
	"github.com/san-kum/meshsim/internal/models"
	"github.com/san-kum/meshsim/internal/sim"
)

// Registry maps model names to constructors. Every model built from one
// registry shares its inversion factory.
type Registry struct {
	models    map[string]func(inv *invert.Registry) sim.Model
	inverters *invert.Registry
}

func NewRegistry(inv *invert.Registry) *Registry {
	if inv == nil {
		inv = invert.DefaultRegistry()
	}
	r := &Registry{
		models:    make(map[string]func(*invert.Registry) sim.Model),
		inverters: inv,
	}

	r.models["diffusion"] = func(inv *invert.Registry) sim.Model { return models.NewDiffusion(inv) }
	r.models["decay"] = func(*invert.Registry) sim.Model { return models.NewDecay() }

	return r
}

// Register adds or replaces a model constructor.
func (r *Registry) Register(name string, fn func(inv *invert.Registry) sim.Model) {
	r.models[name] = fn
}

func (r *Registry) GetModel(name string) (sim.Model, error) {
	fn, ok := r.models[name]
	if !ok {
		return nil, fmt.Errorf("unknown model: %s", name)
	}
	return fn(r.inverters), nil
}

func (r *Registry) ListModels() []string {
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Inverters() *invert.Registry { return r.inverters }
