package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cast"
)

// Options is a hierarchical, case-insensitive option tree. Leaf values keep
// the type the yaml decoder produced and are coerced on read.
//
// A nil *Options behaves as an empty section: every getter returns its
// default.
type Options struct {
	name     string
	parent   *Options
	values   map[string]any
	sections map[string]*Options
}

// NewOptions returns an empty root section.
func NewOptions() *Options {
	return newSection("", nil)
}

func newSection(name string, parent *Options) *Options {
	return &Options{
		name:     name,
		parent:   parent,
		values:   make(map[string]any),
		sections: make(map[string]*Options),
	}
}

// FromMap builds a tree from decoded yaml. Nested maps become sections.
func FromMap(m map[string]any) *Options {
	o := NewOptions()
	o.merge(m)
	return o
}

func (o *Options) merge(m map[string]any) {
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			o.Section(k).merge(val)
		case map[any]any:
			conv := make(map[string]any, len(val))
			for kk, vv := range val {
				conv[fmt.Sprint(kk)] = vv
			}
			o.Section(k).merge(conv)
		default:
			o.Set(k, val)
		}
	}
}

// Name returns the colon-separated path of the section.
func (o *Options) Name() string {
	if o == nil {
		return ""
	}
	if o.parent == nil || o.parent.name == "" {
		return o.name
	}
	return o.parent.Name() + ":" + o.name
}

// Section returns the named subsection, creating it if needed.
func (o *Options) Section(name string) *Options {
	if o == nil {
		return nil
	}
	key := strings.ToLower(name)
	if s, ok := o.sections[key]; ok {
		return s
	}
	s := newSection(name, o)
	o.sections[key] = s
	return s
}

// HasSection reports whether a subsection exists.
func (o *Options) HasSection(name string) bool {
	if o == nil {
		return false
	}
	_, ok := o.sections[strings.ToLower(name)]
	return ok
}

// IsSet reports whether key has a value in this section.
func (o *Options) IsSet(key string) bool {
	if o == nil {
		return false
	}
	_, ok := o.values[strings.ToLower(key)]
	return ok
}

// Set stores a value.
func (o *Options) Set(key string, v any) {
	o.values[strings.ToLower(key)] = v
}

func (o *Options) raw(key string) (any, bool) {
	if o == nil {
		return nil, false
	}
	v, ok := o.values[strings.ToLower(key)]
	return v, ok
}

func (o *Options) wrap(key string, err error) error {
	path := key
	if n := o.Name(); n != "" {
		path = n + ":" + key
	}
	return fmt.Errorf("option %s: %w", path, err)
}

func (o *Options) Bool(key string, def bool) (bool, error) {
	v, ok := o.raw(key)
	if !ok {
		return def, nil
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return def, o.wrap(key, err)
	}
	return b, nil
}

func (o *Options) Int(key string, def int) (int, error) {
	v, ok := o.raw(key)
	if !ok {
		return def, nil
	}
	i, err := cast.ToIntE(v)
	if err != nil {
		return def, o.wrap(key, err)
	}
	return i, nil
}

func (o *Options) Float(key string, def float64) (float64, error) {
	v, ok := o.raw(key)
	if !ok {
		return def, nil
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return def, o.wrap(key, err)
	}
	return f, nil
}

func (o *Options) String(key string, def string) (string, error) {
	v, ok := o.raw(key)
	if !ok {
		return def, nil
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return def, o.wrap(key, err)
	}
	return s, nil
}

// Keys returns the sorted value keys of this section.
func (o *Options) Keys() []string {
	if o == nil {
		return nil
	}
	keys := make([]string, 0, len(o.values))
	for k := range o.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Map converts the tree back into nested maps.
func (o *Options) Map() map[string]any {
	out := make(map[string]any)
	if o == nil {
		return out
	}
	for k, v := range o.values {
		out[k] = v
	}
	for _, s := range o.sections {
		out[strings.ToLower(s.name)] = s.Map()
	}
	return out
}
