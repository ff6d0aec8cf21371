// Package shape tracks object layouts (hidden classes).
// Shapes are append-only: once created a shape is never mutated or reused,
// so a shape ID is a stable validity token for inline caches.
package shape

import (
	"slices"
	"sync"
)

// Definition describes one object layout.
type Definition struct {
	ID         uint64         `json:"id"`
	Properties []string       `json:"properties"`
	Offsets    map[string]int `json:"offsets"`
	Parent     *uint64        `json:"parent,omitempty"`
}

// HasProperty reports whether the layout contains name.
func (d Definition) HasProperty(name string) bool {
	_, ok := d.Offsets[name]
	return ok
}

// Offset returns the slot index of name in the layout.
func (d Definition) Offset(name string) (int, bool) {
	off, ok := d.Offsets[name]
	return off, ok
}

func (d Definition) clone() Definition {
	out := Definition{
		ID:         d.ID,
		Properties: slices.Clone(d.Properties),
		Offsets:    make(map[string]int, len(d.Offsets)),
	}
	for k, v := range d.Offsets {
		out.Offsets[k] = v
	}
	if d.Parent != nil {
		p := *d.Parent
		out.Parent = &p
	}
	return out
}

// Registry assigns sequential shape IDs starting at 1.
type Registry struct {
	mu     sync.RWMutex
	nextID uint64
	shapes map[uint64]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		nextID: 1,
		shapes: make(map[uint64]Definition),
	}
}

// CreateShape registers a new layout and returns its ID. Offsets are the
// positions in properties; for a repeated name the first position wins.
func (r *Registry) CreateShape(properties []string, parent *uint64) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createLocked(slices.Clone(properties), parent)
}

func (r *Registry) createLocked(properties []string, parent *uint64) uint64 {
	id := r.nextID
	r.nextID++

	offsets := make(map[string]int, len(properties))
	for i, p := range properties {
		if _, dup := offsets[p]; !dup {
			offsets[p] = i
		}
	}

	def := Definition{
		ID:         id,
		Properties: properties,
		Offsets:    offsets,
	}
	if parent != nil {
		p := *parent
		def.Parent = &p
	}
	r.shapes[id] = def
	return id
}

// TransitionShape derives a new shape from base by appending prop (unless
// base already has it). The result always has a fresh ID with base as parent.
// An unknown base is treated as the empty layout.
func (r *Registry) TransitionShape(base uint64, prop string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var properties []string
	if def, ok := r.shapes[base]; ok {
		properties = slices.Clone(def.Properties)
	}
	if !slices.Contains(properties, prop) {
		properties = append(properties, prop)
	}
	return r.createLocked(properties, &base)
}

// GetShape returns a copy of the definition for id.
func (r *Registry) GetShape(id uint64) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.shapes[id]
	if !ok {
		return Definition{}, false
	}
	return def.clone(), true
}

// Shapes returns copies of all definitions ordered by ID.
func (r *Registry) Shapes() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.shapes))
	for _, def := range r.shapes {
		out = append(out, def.clone())
	}
	slices.SortFunc(out, func(a, b Definition) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Len returns the number of registered shapes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.shapes)
}

// Clear drops every shape and restarts numbering at 1. Only safe when no
// cache or object still holds a shape ID.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shapes = make(map[uint64]Definition)
	r.nextID = 1
}
