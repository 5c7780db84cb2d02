package config

import (
	"fmt"
	"os"

	"github.com/san-kum/meshsim/internal/mesh"
	"gopkg.in/yaml.v3"
)

const (
	DefaultModel    = "diffusion"
	DefaultNOut     = 10
	DefaultTimeStep = 0.1
	DefaultNProcs   = 1
)

// Config is the top level of an input file. Everything in the file,
// including the sections the typed fields cover, is also available through
// Options.
type Config struct {
	Model    string      `yaml:"model"`
	NOut     int         `yaml:"nout"`
	TimeStep float64     `yaml:"timestep"`
	NProcs   int         `yaml:"nprocs"`
	Mesh     mesh.Config `yaml:"mesh"`

	Options *Options `yaml:"-"`
}

func DefaultConfig() *Config {
	return &Config{
		Model:    DefaultModel,
		NOut:     DefaultNOut,
		TimeStep: DefaultTimeStep,
		NProcs:   DefaultNProcs,
		Mesh:     mesh.DefaultConfig(),
		Options:  NewOptions(),
	}
}

// Parse decodes an input file body.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	raw := make(map[string]any)
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.Options = FromMap(raw)
	return cfg, cfg.Validate()
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Save writes cfg, typed fields taking precedence over the option tree.
func Save(path string, cfg *Config) error {
	typed, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	fields := make(map[string]any)
	if err := yaml.Unmarshal(typed, &fields); err != nil {
		return err
	}
	out := cfg.Options.Map()
	for k, v := range fields {
		out[k] = v
	}
	data, err := yaml.Marshal(out)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) Validate() error {
	if c.NOut < 1 {
		return fmt.Errorf("config: nout must be positive, got %d", c.NOut)
	}
	if c.TimeStep <= 0 {
		return fmt.Errorf("config: timestep must be positive, got %f", c.TimeStep)
	}
	if c.NProcs < 1 {
		return fmt.Errorf("config: nprocs must be positive, got %d", c.NProcs)
	}
	return nil
}

// Solver returns the integrator's option section.
func (c *Config) Solver() *Options {
	return c.Options.Section("solver")
}
