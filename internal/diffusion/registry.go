package diffusion

import (
	"fmt"
	"sort"
)

// SubstanceID identifies a diffusible substance.
type SubstanceID uint8

// VEGF is the growth factor secreted by tumour cells.
const VEGF SubstanceID = 0

// Registry resolves substance identifiers to their grids.
type Registry struct {
	grids map[SubstanceID]*Grid
	names map[SubstanceID]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		grids: make(map[SubstanceID]*Grid),
		names: make(map[SubstanceID]string),
	}
}

// Define registers a grid under id. Redefining an id is an error.
func (r *Registry) Define(id SubstanceID, name string, g *Grid) error {
	if _, ok := r.grids[id]; ok {
		return fmt.Errorf("substance %d (%s) already defined", id, r.names[id])
	}
	r.grids[id] = g
	r.names[id] = name
	return nil
}

// Get returns the grid for id.
func (r *Registry) Get(id SubstanceID) (*Grid, bool) {
	g, ok := r.grids[id]
	return g, ok
}


// Name returns the display name of id.
func (r *Registry) Name(id SubstanceID) string {
	return r.names[id]
}

// IDs returns all defined ids in ascending order.
func (r *Registry) IDs() []SubstanceID {
	ids := make([]SubstanceID, 0, len(r.grids))
	for id := range r.grids {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	return ids
}

// Each calls fn for every grid in id order, stopping at the first error.
func (r *Registry) Each(fn func(id SubstanceID, g *Grid) error) error {
	for _, id := range r.IDs() {
		if err := fn(id, r.grids[id]); err != nil {
			return err
		}
	}
	return nil
}
