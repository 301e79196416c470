package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/dagflow/pkg/api"
)

func build(t *testing.T, ids []string, edges [][2]string) *Graph {
	t.Helper()
	g := New()
	for _, id := range ids {
		require.NoError(t, g.AddStep(id))
	}
	for _, e := range edges {
		require.NoError(t, g.AddEdge(e[0], e[1]))
	}
	return g
}

func states(m map[string]api.State) func(string) api.State {
	return func(id string) api.State {
		if s, ok := m[id]; ok {
			return s
		}
		return api.StatePending
	}
}

func TestGraph_Queries(t *testing.T) {
	// Diamond: A -> B, A -> C, B -> D, C -> D
	g := build(t, []string{"A", "B", "C", "D"}, [][2]string{{"A", "B"}, {"A", "C"}, {"B", "D"}, {"C", "D"}})

	assert.Equal(t, 4, g.Len())
	assert.Equal(t, []string{"A"}, g.Roots())
	assert.Equal(t, []string{"B", "C"}, g.Children("A"))
	assert.Equal(t, []string{"B", "C"}, g.Parents("D"))
	assert.ElementsMatch(t, []string{"A", "B", "C"}, g.Ancestors("D"))
	assert.Empty(t, g.Ancestors("A"))
	assert.Equal(t, []string{"A", "B", "C", "D"}, g.TopologicalOrder())
	assert.Nil(t, g.Parents("missing"))
	assert.False(t, g.Has("missing"))
}

func TestGraph_RejectsCycles(t *testing.T) {
	g := build(t, []string{"A", "B", "C"}, [][2]string{{"A", "B"}, {"B", "C"}})

	err := g.AddEdge("C", "A")
	require.Error(t, err)
	require.True(t, api.IsCyclicDependency(err))

	var cyc *api.CyclicDependencyError
	require.ErrorAs(t, err, &cyc)
	assert.Equal(t, []string{"A", "B", "C", "A"}, cyc.Path)

	// Rejected edge left no trace.
	assert.Empty(t, g.Parents("A"))
	assert.Equal(t, []string{"A"}, g.Roots())

	err = g.AddEdge("B", "B")
	require.True(t, api.IsCyclicDependency(err))
}

func TestGraph_InvalidInput(t *testing.T) {
	g := New()
	require.NoError(t, g.AddStep("A"))
	require.Error(t, g.AddStep("A"))
	require.Error(t, g.AddStep(""))
	require.Error(t, g.AddEdge("A", "missing"))
	require.Error(t, g.AddEdge("missing", "A"))
}

func TestGraph_DuplicateEdgeIsNoop(t *testing.T) {
	g := build(t, []string{"A", "B"}, [][2]string{{"A", "B"}, {"A", "B"}})
	assert.Equal(t, []string{"A"}, g.Parents("B"))
}

func TestGraph_Build(t *testing.T) {
	steps := []api.Step{{ID: "s1"}, {ID: "s2"}}
	edges := []api.Edge{{From: "s1", To: "s2"}}
	g, err := Build(steps, edges)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, g.Parents("s2"))

	_, err = Build(steps, append(edges, api.Edge{From: "s2", To: "s1"}))
	require.True(t, api.IsCyclicDependency(err))
}

func TestDependenciesSatisfied_Shapes(t *testing.T) {
	tests := []struct {
		name   string
		ids    []string
		edges  [][2]string
		states map[string]api.State
		step   string
		want   DependencyStatus
	}{
		{
			name:  "linear, parent pending",
			ids:   []string{"A", "B", "C"},
			edges: [][2]string{{"A", "B"}, {"B", "C"}},
			step:  "B",
			want:  DependencyStatus{TotalParents: 1, CompletedParents: 0, Satisfied: false},
		},
		{
			name:   "linear, parent complete",
			ids:    []string{"A", "B", "C"},
			edges:  [][2]string{{"A", "B"}, {"B", "C"}},
			states: map[string]api.State{"A": api.StateComplete},
			step:   "B",
			want:   DependencyStatus{TotalParents: 1, CompletedParents: 1, Satisfied: true},
		},
		{
			name:   "root is always satisfied",
			ids:    []string{"A"},
			states: map[string]api.State{"A": api.StateError},
			step:   "A",
			want:   DependencyStatus{Satisfied: true},
		},
		{
			name:   "diamond, one branch done",
			ids:    []string{"A", "B", "C", "D"},
			edges:  [][2]string{{"A", "B"}, {"A", "C"}, {"B", "D"}, {"C", "D"}},
			states: map[string]api.State{"A": api.StateComplete, "B": api.StateComplete, "C": api.StateInProgress},
			step:   "D",
			want:   DependencyStatus{TotalParents: 2, CompletedParents: 1, Satisfied: false},
		},
		{
			name:   "diamond, resolved manually counts",
			ids:    []string{"A", "B", "C", "D"},
			edges:  [][2]string{{"A", "B"}, {"A", "C"}, {"B", "D"}, {"C", "D"}},
			states: map[string]api.State{"A": api.StateComplete, "B": api.StateComplete, "C": api.StateResolvedManually},
			step:   "D",
			want:   DependencyStatus{TotalParents: 2, CompletedParents: 2, Satisfied: true},
		},
		{
			name:   "parallel merge with a failed input",
			ids:    []string{"A", "B", "C", "M"},
			edges:  [][2]string{{"A", "M"}, {"B", "M"}, {"C", "M"}},
			states: map[string]api.State{"A": api.StateComplete, "B": api.StateError, "C": api.StateComplete},
			step:   "M",
			want:   DependencyStatus{TotalParents: 3, CompletedParents: 2, Satisfied: false},
		},
		{
			name:   "tree leaf only needs its own branch",
			ids:    []string{"R", "L", "RR", "L1", "L2"},
			edges:  [][2]string{{"R", "L"}, {"R", "RR"}, {"L", "L1"}, {"L", "L2"}},
			states: map[string]api.State{"R": api.StateComplete, "L": api.StateComplete, "RR": api.StateError},
			step:   "L2",
			want:   DependencyStatus{TotalParents: 1, CompletedParents: 1, Satisfied: true},
		},
		{
			name:   "cancelled parent never satisfies",
			ids:    []string{"A", "B"},
			edges:  [][2]string{{"A", "B"}},
			states: map[string]api.State{"A": api.StateCancelled},
			step:   "B",
			want:   DependencyStatus{TotalParents: 1, CompletedParents: 0, Satisfied: false},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			g := build(t, tc.ids, tc.edges)
			got := g.DependenciesSatisfied(tc.step, states(tc.states))
			assert.Equal(t, tc.want, got)
		})
	}
}
