package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func count(path []string, name string) int {
	n := 0
	for _, p := range path {
		if p == name {
			n++
		}
	}
	return n
}

func TestCheckCycle(t *testing.T) {
	tests := []struct {
		name  string
		graph map[string][]string
		cycle bool
	}{
		{name: "empty", graph: map[string][]string{}, cycle: false},
		{name: "nil", graph: nil, cycle: false},
		{
			name:  "diamond",
			graph: map[string][]string{"a": {"b", "d"}, "b": {"c"}, "d": {"c"}},
			cycle: false,
		},
		{
			name:  "chain",
			graph: map[string][]string{"first": {"second"}, "second": {"third"}, "third": nil},
			cycle: false,
		},
		{
			name:  "missing requirement is a leaf",
			graph: map[string][]string{"a": {"ghost"}},
			cycle: false,
		},
		{
			name:  "three cycle",
			graph: map[string][]string{"a": {"b"}, "b": {"c"}, "c": {"a"}},
			cycle: true,
		},
		{
			name:  "mutual",
			graph: map[string][]string{"first": {"second"}, "second": {"first"}},
			cycle: true,
		},
		{
			name:  "self loop",
			graph: map[string][]string{"a": {"a"}},
			cycle: true,
		},
		{
			name:  "cycle below an acyclic prefix",
			graph: map[string][]string{"a": {"b"}, "b": {"c"}, "c": {"d"}, "d": {"b"}},
			cycle: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			found, path := CheckCycle(tt.graph)
			require.Equal(t, tt.cycle, found)
			if !tt.cycle {
				require.Empty(t, path)
				return
			}
			require.NotEmpty(t, path)
			require.Greater(t, count(path, path[len(path)-1]), 1)
			require.Equal(t, path[0], path[len(path)-1])
			for i := 0; i+1 < len(path); i++ {
				require.Contains(t, tt.graph[path[i]], path[i+1], "path %v has no edge %s -> %s", path, path[i], path[i+1])
			}
		})
	}
}

func TestCheckCycleIsDeterministic(t *testing.T) {
	graph := map[string][]string{"a": {"b"}, "b": {"c"}, "c": {"a"}, "x": {"y"}, "y": {"x"}}
	_, first := CheckCycle(graph)
	for i := 0; i < 20; i++ {
		_, path := CheckCycle(graph)
		require.Equal(t, first, path)
	}
	require.Equal(t, []string{"a", "b", "c", "a"}, first)
}

func TestCheckCycleExcludesPrefix(t *testing.T) {
	_, path := CheckCycle(map[string][]string{"a": {"b"}, "b": {"c"}, "c": {"b"}})
	require.Equal(t, []string{"b", "c", "b"}, path)
}

func TestToDOT(t *testing.T) {
	dot := ToDOT(map[string][]string{"a": {"b"}, "b": nil}, nil)
	require.Contains(t, dot, "digraph Objects {")
	require.Contains(t, dot, `"b" -> "a";`)
	require.Contains(t, dot, `"a" [fillcolor="white"`)
}

func TestUnresolvableRequirementsErrorMessage(t *testing.T) {
	err := &UnresolvableRequirementsError{Object: "a", Cycle: []string{"a", "b", "a"}}
	require.Equal(t, "unresolvable requirements: cycle detected: a -> b -> a", err.Error())

	err = &UnresolvableRequirementsError{Object: "a", Requirement: "ghost"}
	require.Contains(t, err.Error(), "requires ghost which does not exist")
}
