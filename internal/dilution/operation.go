// Package dilution provides the operations that reduce the precision of a
// column (dates to years, postcodes to districts, ...) and the registry the
// planner and migration engine look them up in.
package dilution

import (
	"fmt"
	"sort"
)

// Operation transforms one value into a less identifying one.
type Operation interface {
	Name() string
	Description() string
	// ExpectedDestinationType is the type of the diluted column, expressed
	// as a source type and translated per platform.
	ExpectedDestinationType() string
	// Apply dilutes a single value. NULL handling is up to the operation.
	Apply(value any) (any, error)
}

// Registry holds the operations available to plans. It is built once at
// wiring time and read-only afterwards.
type Registry struct {
	ops map[string]Operation
}

// NewRegistry builds a registry from an explicit list of operations.
func NewRegistry(ops ...Operation) (*Registry, error) {
	r := &Registry{ops: make(map[string]Operation, len(ops))}
	for _, op := range ops {
		name := op.Name()
		if name == "" {
			return nil, fmt.Errorf("dilution operation without a name")
		}
		if _, dup := r.ops[name]; dup {
			return nil, fmt.Errorf("dilution operation %q registered twice", name)
		}
		r.ops[name] = op
	}
	return r, nil
}

// Get returns the named operation.
func (r *Registry) Get(name string) (Operation, bool) {
	op, ok := r.ops[name]
	return op, ok
}

// List returns all operations sorted by name.
func (r *Registry) List() []Operation {
	out := make([]Operation, 0, len(r.ops))
	for _, op := range r.ops {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
