package engine

import (
	"github.com/go-playground/validator/v10"
	"github.com/juju/errors"

	"github.com/loomflow/loom/guard"
	"github.com/loomflow/loom/types"
)

var validate = validator.New()

// validateDefinition runs every registration-time check: struct constraints,
// referential integrity of dependencies and edges, guard syntax, and
// acyclicity. A definition that passes here can always be scheduled.
func validateDefinition(def *types.Definition) error {
	if err := validate.Struct(def); err != nil {
		return errors.BadRequestf("invalid definition: %v", err)
	}

	nodes := make(map[string]*types.Node, len(def.Nodes))
	for _, n := range def.Nodes {
		if _, exists := nodes[n.ID]; exists {
			return errors.BadRequestf("duplicate node id: %s", n.ID)
		}
		if !n.Kind.Valid() {
			return errors.BadRequestf("node %s: unknown kind %q", n.ID, n.Kind)
		}
		nodes[n.ID] = n
	}

	for _, n := range def.Nodes {
		for _, dep := range n.DependsOn {
			if _, exists := nodes[dep]; !exists {
				return errors.BadRequestf("node %s depends on unknown node %s", n.ID, dep)
			}
			if dep == n.ID {
				return errors.BadRequestf("node %s depends on itself", n.ID)
			}
		}
		if err := validateNodeGuards(n); err != nil {
			return errors.Trace(err)
		}
	}

	for _, e := range def.Edges {
		if _, exists := nodes[e.From]; !exists {
			return errors.BadRequestf("edge references unknown node %s", e.From)
		}
		if _, exists := nodes[e.To]; !exists {
			return errors.BadRequestf("edge references unknown node %s", e.To)
		}
		if e.From == e.To {
			return errors.BadRequestf("edge %s -> %s is a self loop", e.From, e.To)
		}
		if e.Guard != "" {
			if _, err := guard.Parse(e.Guard); err != nil {
				return errors.BadRequestf("edge %s -> %s: bad guard: %v", e.From, e.To, err)
			}
		}
	}

	if cycle := findCycle(def); cycle != "" {
		return errors.BadRequestf("definition contains a cycle through %s", cycle)
	}
	return nil
}

func validateNodeGuards(n *types.Node) error {
	switch n.Kind {
	case types.KindCondition:
		if n.Expression == "" {
			return errors.BadRequestf("condition node %s has no expression", n.ID)
		}
		if _, err := guard.Parse(n.Expression); err != nil {
			return errors.BadRequestf("condition node %s: bad expression: %v", n.ID, err)
		}
	case types.KindDecision:
		if len(n.Conditions) == 0 {
			return errors.BadRequestf("decision node %s has no conditions", n.ID)
		}
		for name, expr := range n.Conditions {
			if _, err := guard.Parse(expr); err != nil {
				return errors.BadRequestf("decision node %s: bad condition %s: %v", n.ID, name, err)
			}
		}
	}
	return nil
}

// findCycle runs a depth-first walk over dependency and edge relations and
// returns a node on a cycle, or "".
func findCycle(def *types.Definition) string {
	adjacent := make(map[string][]string, len(def.Nodes))
	for _, n := range def.Nodes {
		for _, dep := range n.DependsOn {
			adjacent[dep] = append(adjacent[dep], n.ID)
		}
	}
	for _, e := range def.Edges {
		adjacent[e.From] = append(adjacent[e.From], e.To)
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(def.Nodes))

	var walk func(id string) string
	walk = func(id string) string {
		state[id] = visiting
		for _, next := range adjacent[id] {
			switch state[next] {
			case visiting:
				return next
			case unvisited:
				if hit := walk(next); hit != "" {
					return hit
				}
			}
		}
		state[id] = done
		return ""
	}

	for _, n := range def.Nodes {
		if state[n.ID] == unvisited {
			if hit := walk(n.ID); hit != "" {
				return hit
			}
		}
	}
	return ""
}
