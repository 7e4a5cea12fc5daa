package types

import "time"

// Definition is an immutable workflow template. It is validated once at
// registration and never mutated afterwards; new versions are new
// definitions.
type Definition struct {
	ID          string  `json:"id" validate:"required,min=1"`
	Name        string  `json:"name,omitempty"`
	Description string  `json:"description,omitempty"`
	Nodes       []*Node `json:"nodes" validate:"required,min=1,dive,required"`
	Edges       []*Edge `json:"edges,omitempty" validate:"omitempty,dive,required"`
	Variables   Data    `json:"variables,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

// NodeByID returns the node with the given id, or nil.
func (d *Definition) NodeByID(id string) *Node {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// OutEdges returns every edge leaving the given node.
func (d *Definition) OutEdges(nodeID string) []*Edge {
	out := make([]*Edge, 0, 2)
	for _, e := range d.Edges {
		if e.From == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// Dependencies returns the full dependency set of a node: its declared
// DependsOn list plus the sources of every inbound edge.
func (d *Definition) Dependencies(nodeID string) []string {
	seen := make(map[string]bool)
	deps := make([]string, 0, 4)
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			deps = append(deps, id)
		}
	}
	if n := d.NodeByID(nodeID); n != nil {
		for _, dep := range n.DependsOn {
			add(dep)
		}
	}
	for _, e := range d.Edges {
		if e.To == nodeID {
			add(e.From)
		}
	}
	return deps
}
