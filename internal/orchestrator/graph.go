package orchestrator

import (
	"sort"

	"github.com/pkg/errors"
)

// applyGraph orders a batch of container names so that every dependency
// within the batch is applied before its dependents. Dependencies outside
// the batch are ignored; they are not being updated this sweep.
type applyGraph struct {
	nodes map[string][]string
}

func newApplyGraph() *applyGraph {
	return &applyGraph{nodes: make(map[string][]string)}
}

// Add registers a container and the names it depends on. Only edges to
// other batch members are kept.
func (g *applyGraph) Add(name string, dependsOn []string) {
	if _, ok := g.nodes[name]; !ok {
		g.nodes[name] = nil
	}
	g.nodes[name] = append(g.nodes[name], dependsOn...)
}

// Order returns the batch in dependency order plus the set of names that
// participate in a cycle. Cyclic members are excluded; everything else
// still gets an order.
func (g *applyGraph) Order() (ordered []string, cyclic map[string]error) {
	indegree := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string, len(g.nodes))
	for name := range g.nodes {
		indegree[name] = 0
	}
	for name, deps := range g.nodes {
		for _, dep := range deps {
			if _, inBatch := g.nodes[dep]; !inBatch {
				continue
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	ready := make([]string, 0, len(g.nodes))
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	// Deterministic order for peers with no mutual constraints.
	sort.Strings(ready)

	ordered = make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		ordered = append(ordered, name)

		next := dependents[name]
		sort.Strings(next)
		for _, dep := range next {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(ordered) == len(g.nodes) {
		return ordered, nil
	}

	// Whatever never reached indegree zero sits on or behind a cycle.
	cyclic = make(map[string]error)
	for name, deg := range indegree {
		if deg > 0 {
			cyclic[name] = errors.Errorf("dependency cycle detected involving %q", name)
		}
	}
	return ordered, cyclic
}
