package config

import "sort"

// Presets holds ready-made input files keyed by model then preset name.
var Presets = map[string]map[string]string{
	"diffusion": {
		"default": `
model: diffusion
nout: 10
timestep: 0.1
mesh: {nx: 8, ny: 16, nz: 8, mxg: 1, myg: 1, dy: 0.4, periodic_y: true}
solver: {atol: 1.0e-10, rtol: 1.0e-6, use_precon: true, maxl: 10}
diffusion: {d: 1.0, nu: 0.1}
`,
		"stiff": `
model: diffusion
nout: 20
timestep: 1.0
mesh: {nx: 4, ny: 32, nz: 8, mxg: 1, myg: 1, dy: 0.1, periodic_y: true}
solver: {atol: 1.0e-8, rtol: 1.0e-5, use_precon: true, rightprec: true, mxorder: 2, mxstep: 5000}
diffusion: {d: 2.0, nu: 0.01}
`,
		"positive": `
model: diffusion
nout: 10
timestep: 0.5
mesh: {nx: 4, ny: 16, nz: 4, mxg: 1, myg: 1, dy: 0.4, periodic_y: true}
solver: {apply_positivity_constraints: true, use_precon: true}
n: {positivity_constraint: positive}
diffusion: {d: 1.0, nu: 0.5}
`,
		"bbd": `
model: diffusion
nout: 5
timestep: 0.2
mesh: {nx: 4, ny: 8, nz: 4, mxg: 1, myg: 1, dy: 0.5, periodic_y: false}
solver: {use_precon: true, use_jacobian: true}
diffusion: {d: 0.5, nu: 0.1}
`,
	},
	"decay": {
		"default": `
model: decay
nout: 10
timestep: 0.1
mesh: {nx: 2, ny: 4, nz: 2, dy: 1.0, periodic_y: true}
decay: {rate: 1.0}
`,
		"fixed_point": `
model: decay
nout: 10
timestep: 0.05
mesh: {nx: 2, ny: 4, nz: 2, dy: 1.0, periodic_y: true}
solver: {func_iter: true, adams_moulton: true}
decay: {rate: 0.5}
`,
		"legacy": `
model: decay
nout: 10
timestep: 0.1
mesh: {nx: 2, ny: 4, nz: 2, dy: 1.0, periodic_y: true}
solver: {backend: v2}
decay: {rate: 2.0}
`,
	},
}

// GetPreset parses a preset, or returns nil if there is none.
func GetPreset(model, name string) (*Config, error) {
	presets, ok := Presets[model]
	if !ok {
		return nil, nil
	}
	body, ok := presets[name]
	if !ok {
		return nil, nil
	}
	return Parse([]byte(body))
}

func ListPresets(model string) []string {
	presets, ok := Presets[model]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
