// Package graph models the dependency DAG of one task.
//
// Steps are held in an arena and addressed by index; edges are adjacency
// lists of indices, so the graph never holds pointers between steps. A Graph
// is rebuilt from a store snapshot on every read and is safe for concurrent
// read access once built.
package graph

import (
	"fmt"

	"github.com/petrijr/dagflow/pkg/api"
)

// Graph is a dependency DAG keyed by step ID. An edge from -> to means that
// to depends on from.
type Graph struct {
	ids      []string
	index    map[string]int
	parents  [][]int
	children [][]int
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{index: make(map[string]int)}
}

// Build creates a graph from a task's steps and edges. Steps keep the order
// they are given in, which is used to break ties in every query.
func Build(steps []api.Step, edges []api.Edge) (*Graph, error) {
	g := New()
	for _, s := range steps {
		if err := g.AddStep(s.ID); err != nil {
			return nil, err
		}
	}
	for _, e := range edges {
		if err := g.AddEdge(e.From, e.To); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// AddStep adds a node.
func (g *Graph) AddStep(id string) error {
	if id == "" {
		return fmt.Errorf("step id is required")
	}
	if _, exists := g.index[id]; exists {
		return fmt.Errorf("duplicate step: %s", id)
	}
	g.index[id] = len(g.ids)
	g.ids = append(g.ids, id)
	g.parents = append(g.parents, nil)
	g.children = append(g.children, nil)
	return nil
}

// AddEdge records that to depends on from. An edge that would close a cycle
// is rejected with a CyclicDependencyError and leaves the graph unchanged.
// Adding an existing edge again is a no-op.
func (g *Graph) AddEdge(from, to string) error {
	fi, ok := g.index[from]
	if !ok {
		return fmt.Errorf("edge %s -> %s: unknown step %s", from, to, from)
	}
	ti, ok := g.index[to]
	if !ok {
		return fmt.Errorf("edge %s -> %s: unknown step %s", from, to, to)
	}
	if fi == ti {
		return api.NewCyclicDependencyError(from, to, []string{from, to})
	}
	for _, c := range g.children[fi] {
		if c == ti {
			return nil
		}
	}
	if path := g.path(ti, fi); path != nil {
		cycle := append(g.names(path), to)
		return api.NewCyclicDependencyError(from, to, cycle)
	}

	g.children[fi] = append(g.children[fi], ti)
	g.parents[ti] = append(g.parents[ti], fi)
	return nil
}

// path returns the indices of a path src -> ... -> dst, or nil.
func (g *Graph) path(src, dst int) []int {
	prev := make([]int, len(g.ids))
	for i := range prev {
		prev[i] = -1
	}
	visited := make([]bool, len(g.ids))
	visited[src] = true
	queue := []int{src}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if n == dst {
			var out []int
			for at := dst; at != -1; at = prev[at] {
				out = append([]int{at}, out...)
			}
			return out
		}
		for _, c := range g.children[n] {
			if !visited[c] {
				visited[c] = true
				prev[c] = n
				queue = append(queue, c)
			}
		}
	}
	return nil
}

func (g *Graph) names(idx []int) []string {
	out := make([]string, len(idx))
	for i, n := range idx {
		out[i] = g.ids[n]
	}
	return out
}

// Len returns the number of steps.
func (g *Graph) Len() int { return len(g.ids) }

// Has reports whether the step is part of the graph.
func (g *Graph) Has(id string) bool {
	_, ok := g.index[id]
	return ok
}

// Parents returns the steps id depends on directly.
func (g *Graph) Parents(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	return g.names(g.parents[i])
}

// Children returns the steps that depend on id directly.
func (g *Graph) Children(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	return g.names(g.children[i])
}

// Roots returns the steps without parents.
func (g *Graph) Roots() []string {
	var out []string
	for i, p := range g.parents {
		if len(p) == 0 {
			out = append(out, g.ids[i])
		}
	}
	return out
}

// Ancestors returns every step id depends on, directly or transitively,
// in breadth-first order.
func (g *Graph) Ancestors(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	visited := make([]bool, len(g.ids))
	var out []int
	queue := append([]int(nil), g.parents[i]...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if visited[n] {
			continue
		}
		visited[n] = true
		out = append(out, n)
		queue = append(queue, g.parents[n]...)
	}
	return g.names(out)
}

// TopologicalOrder returns the steps so that every step follows all of its
// parents. Ties keep insertion order.
func (g *Graph) TopologicalOrder() []string {
	indeg := make([]int, len(g.ids))
	for i, p := range g.parents {
		indeg[i] = len(p)
	}
	out := make([]int, 0, len(g.ids))
	done := make([]bool, len(g.ids))
	for len(out) < len(g.ids) {
		progressed := false
		for i := range g.ids {
			if done[i] || indeg[i] > 0 {
				continue
			}
			done[i] = true
			out = append(out, i)
			for _, c := range g.children[i] {
				indeg[c]--
			}
			progressed = true
			break
		}
		if !progressed {
			// Unreachable: AddEdge rejects cycles.
			break
		}
	}
	return g.names(out)
}

// DependencyStatus describes how far a step's parents have progressed.
type DependencyStatus struct {
	TotalParents     int
	CompletedParents int
	Satisfied        bool
}

// DependenciesSatisfied reports whether every parent of id is complete or
// resolved manually, given a lookup of current step states.
func (g *Graph) DependenciesSatisfied(id string, state func(id string) api.State) DependencyStatus {
	i, ok := g.index[id]
	if !ok {
		return DependencyStatus{}
	}
	st := DependencyStatus{TotalParents: len(g.parents[i])}
	for _, p := range g.parents[i] {
		if state(g.ids[p]).IsSatisfied() {
			st.CompletedParents++
		}
	}
	st.Satisfied = st.CompletedParents == st.TotalParents
	return st
}
