// Package graph orders services by their depends-on relations.
package graph

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/nholik/skyward/internal/spec"
)

// CycleError reports a dependency cycle. Cycle lists every node in the loop
// in traversal order.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	if len(e.Cycle) == 0 {
		return "dependency cycle detected"
	}
	path := append(append([]string(nil), e.Cycle...), e.Cycle[0])
	return "dependency cycle detected: " + strings.Join(path, " -> ")
}

// Graph is the dependency DAG of one DeploymentSpec generation.
type Graph struct {
	nodes      []string
	index      map[string]int
	deps       map[string][]string
	dependents map[string][]string
	order      []string
	levels     [][]string
	levelOf    map[string]int
}

const (
	unvisited = iota
	visiting
	done
)

// Build computes the topological order of the deployment's services. Roots are
// visited in declaration order and dependencies in their declared order, so an
// unchanged spec always yields the same order.
func Build(d *spec.DeploymentSpec) (*Graph, error) {
	g := &Graph{
		index:      make(map[string]int, len(d.Services)),
		deps:       make(map[string][]string, len(d.Services)),
		dependents: make(map[string][]string, len(d.Services)),
		levelOf:    make(map[string]int, len(d.Services)),
	}
	for i, svc := range d.Services {
		g.nodes = append(g.nodes, svc.ID)
		g.index[svc.ID] = i
	}
	for _, svc := range d.Services {
		for _, dep := range svc.DependsOn {
			if _, ok := g.index[dep]; !ok {
				return nil, fmt.Errorf("service %q depends on unknown service %q", svc.ID, dep)
			}
			g.deps[svc.ID] = append(g.deps[svc.ID], dep)
			g.dependents[dep] = append(g.dependents[dep], svc.ID)
		}
	}

	marks := make(map[string]int, len(g.nodes))
	var stack []string
	var visit func(id string) error
	visit = func(id string) error {
		switch marks[id] {
		case done:
			return nil
		case visiting:
			start := 0
			for i, n := range stack {
				if n == id {
					start = i
					break
				}
			}
			return &CycleError{Cycle: append([]string(nil), stack[start:]...)}
		}
		marks[id] = visiting
		stack = append(stack, id)
		for _, dep := range g.deps[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		marks[id] = done
		g.order = append(g.order, id)
		return nil
	}
	for _, id := range g.nodes {
		if err := visit(id); err != nil {
			return nil, err
		}
	}

	for _, id := range g.order {
		level := 0
		for _, dep := range g.deps[id] {
			if l := g.levelOf[dep] + 1; l > level {
				level = l
			}
		}
		g.levelOf[id] = level
		for len(g.levels) <= level {
			g.levels = append(g.levels, nil)
		}
		g.levels[level] = append(g.levels[level], id)
	}
	for _, level := range g.levels {
		g.sortByDeclaration(level)
	}

	return g, nil
}

// Order returns the topological order.
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

// Levels groups nodes so that every dependency of a node sits in an earlier level.
func (g *Graph) Levels() [][]string {
	out := make([][]string, len(g.levels))
	for i, level := range g.levels {
		out[i] = append([]string(nil), level...)
	}
	return out
}

// Level returns the level index of id, or -1 when unknown.
func (g *Graph) Level(id string) int {
	level, ok := g.levelOf[id]
	if !ok {
		return -1
	}
	return level
}

// Has reports whether id is a node.
func (g *Graph) Has(id string) bool {
	_, ok := g.index[id]
	return ok
}

// Dependencies returns the direct dependencies of id in declared order.
func (g *Graph) Dependencies(id string) []string {
	return append([]string(nil), g.deps[id]...)
}

// Dependents returns the services that directly depend on id.
func (g *Graph) Dependents(id string) []string {
	out := append([]string(nil), g.dependents[id]...)
	g.sortByDeclaration(out)
	return out
}

// Downstream returns every transitive dependent of id in topological order.
func (g *Graph) Downstream(id string) []string {
	seen := map[string]bool{}
	queue := []string{id}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range g.dependents[current] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	out := make([]string, 0, len(seen))
	for _, n := range g.order {
		if seen[n] {
			out = append(out, n)
		}
	}
	return out
}

func (g *Graph) sortByDeclaration(ids []string) {
	slices.SortStableFunc(ids, func(a, b string) int {
		return cmp.Compare(g.index[a], g.index[b])
	})
}
