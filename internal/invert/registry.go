package invert

import (
	"fmt"
	"sort"
	"sync"

	"github.com/san-kum/meshsim/internal/config"
	"github.com/san-kum/meshsim/internal/dynamo"
	"github.com/san-kum/meshsim/internal/mesh"
)

const (
	Cyclic      = "cyclic"
	DefaultType = Cyclic
	// OptionsSection is read by Create when no options are given.
	OptionsSection = "parderiv"
)

// Constructor builds a backend for one mesh. opts may be nil.
type Constructor func(opts *config.Options, m *mesh.Mesh) (Method, error)

// Registry maps backend names to constructors.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]Constructor
	root    *config.Options
}

func NewRegistry() *Registry {
	r := &Registry{methods: make(map[string]Constructor)}
	r.Register(Cyclic, func(opts *config.Options, m *mesh.Mesh) (Method, error) {
		return NewCyclicMethod(opts, m)
	})
	return r
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

func (r *Registry) Register(name string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[name] = ctor
}

// SetRoot sets the option tree whose "parderiv" section Create reads.
func (r *Registry) SetRoot(root *config.Options) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.root = root
}

func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create uses the configured "parderiv" section, or the default type.
func (r *Registry) Create(loc mesh.CellLoc, m *mesh.Mesh) (ParallelInverter, error) {
	r.mu.RLock()
	root := r.root
	r.mu.RUnlock()
	return r.CreateFromOptions(root.Section(OptionsSection), loc, m)
}

// CreateFromOptions reads the backend name from the "type" key of opts.
func (r *Registry) CreateFromOptions(opts *config.Options, loc mesh.CellLoc, m *mesh.Mesh) (ParallelInverter, error) {
	name, err := opts.String("type", DefaultType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dynamo.ErrConfig, err)
	}
	return r.CreateType(name, opts, loc, m)
}

func (r *Registry) CreateType(name string, opts *config.Options, loc mesh.CellLoc, m *mesh.Mesh) (ParallelInverter, error) {
	r.mu.RLock()
	ctor, ok := r.methods[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %w %q", dynamo.ErrConfig, ErrUnknownMethod, name)
	}
	method, err := ctor(opts, m)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", name, err)
	}
	return NewInverter(name, method, m, loc), nil
}
