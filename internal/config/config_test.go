package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "diffusion", cfg.Model)
	assert.Greater(t, cfg.TimeStep, 0.0)
	assert.Greater(t, cfg.NOut, 0)
	assert.NoError(t, cfg.Validate())
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
model: decay
nout: 3
timestep: 0.5
mesh:
  nx: 2
  ny: 4
solver:
  ATOL: "1e-8"
  use_precon: "true"
  mxstep: 200
n:
  evolve_bndry: false
`))
	require.NoError(t, err)

	assert.Equal(t, "decay", cfg.Model)
	assert.Equal(t, 3, cfg.NOut)
	assert.Equal(t, 2, cfg.Mesh.Nx)
	// Unset mesh keys keep their defaults.
	assert.Equal(t, 8, cfg.Mesh.Nz)

	s := cfg.Solver()
	atol, err := s.Float("atol", 0)
	require.NoError(t, err)
	assert.Equal(t, 1e-8, atol)

	precon, err := s.Bool("use_precon", false)
	require.NoError(t, err)
	assert.True(t, precon)

	mxstep, err := s.Int("MXSTEP", 500)
	require.NoError(t, err)
	assert.Equal(t, 200, mxstep)

	assert.True(t, cfg.Options.HasSection("n"))
	assert.Equal(t, "n", cfg.Options.Section("n").Name())
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse([]byte("nout: 0\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("timestep: -1\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("nout: [1, 2\n"))
	assert.Error(t, err)
}

func TestOptions_Defaults(t *testing.T) {
	o := NewOptions()
	v, err := o.Float("rtol", 1e-5)
	require.NoError(t, err)
	assert.Equal(t, 1e-5, v)
	assert.False(t, o.IsSet("rtol"))

	var nilOpts *Options
	s, err := nilOpts.Section("solver").String("type", "cyclic")
	require.NoError(t, err)
	assert.Equal(t, "cyclic", s)
}

func TestOptions_BadValue(t *testing.T) {
	o := NewOptions()
	sec := o.Section("solver")
	sec.Set("mxstep", "lots")

	_, err := sec.Int("mxstep", 500)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "solver:mxstep")
}

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NOut = 7
	cfg.Solver().Set("rtol", 1e-4)

	path := filepath.Join(t.TempDir(), "input.yaml")
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.NOut)
	assert.Equal(t, cfg.Mesh, loaded.Mesh)
	rtol, err := loaded.Solver().Float("rtol", 0)
	require.NoError(t, err)
	assert.Equal(t, 1e-4, rtol)
}

func TestGetPreset(t *testing.T) {
	cfg, err := GetPreset("diffusion", "positive")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	apply, err := cfg.Solver().Bool("apply_positivity_constraints", false)
	require.NoError(t, err)
	assert.True(t, apply)

	kind, err := cfg.Options.Section("n").String("positivity_constraint", "none")
	require.NoError(t, err)
	assert.Equal(t, "positive", kind)
}

func TestGetPreset_NotFound(t *testing.T) {
	cfg, err := GetPreset("diffusion", "nonexistent")
	assert.NoError(t, err)
	assert.Nil(t, cfg)

	cfg, err = GetPreset("nonexistent", "default")
	assert.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestListPresets(t *testing.T) {
	assert.Equal(t, []string{"default", "fixed_point", "legacy"}, ListPresets("decay"))
	assert.Nil(t, ListPresets("nonexistent"))
}

func TestAllPresetsParse(t *testing.T) {
	for model, presets := range Presets {
		for name := range presets {
			cfg, err := GetPreset(model, name)
			require.NoError(t, err, "%s/%s", model, name)
			assert.Equal(t, model, cfg.Model)
		}
	}
}
