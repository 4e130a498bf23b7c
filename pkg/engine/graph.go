package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/converge/pkg/core"
)

// CheckCycle reports whether graph, a map from object name to the names
// it requires, contains a cycle. The returned path starts and ends with
// the same object. Requirements that are not keys of graph are leaves.
// Start nodes are visited in lexical order so the result is stable.
func CheckCycle(graph map[string][]string) (bool, []string) {
	names := make([]string, 0, len(graph))
	for name := range graph {
		names = append(names, name)
	}
	sort.Strings(names)

	visited := make(map[string]bool, len(graph))
	onPath := make(map[string]bool)
	for _, name := range names {
		if visited[name] {
			continue
		}
		if cycle := detectCycle(graph, name, visited, onPath, nil); cycle != nil {
			return true, cycle
		}
	}
	return false, nil
}

// detectCycle is a depth-first search that keeps the current path. A
// node that is reached again while still on the path closes a cycle.
func detectCycle(graph map[string][]string, name string, visited, onPath map[string]bool, path []string) []string {
	visited[name] = true
	onPath[name] = true
	path = append(path, name)

	for _, req := range graph[name] {
		if onPath[req] {
			start := 0
			for i, n := range path {
				if n == req {
					start = i
					break
				}
			}
			cycle := append([]string{}, path[start:]...)
			return append(cycle, req)
		}
		if visited[req] {
			continue
		}
		if cycle := detectCycle(graph, req, visited, onPath, path); cycle != nil {
			return cycle
		}
	}

	onPath[name] = false
	return nil
}

// formatCycle joins a cycle path for error messages.
func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}

// ToDOT renders graph in Graphviz DOT format. Edges point from a
// requirement to the object that requires it, the order of execution.
// Objects with a known state are coloured: done objects green, pending
// objects grey.
func ToDOT(graph map[string][]string, states map[string]core.State) string {
	names := make([]string, 0, len(graph))
	for name := range graph {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString("digraph Objects {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for _, name := range names {
		color := "white"
		switch states[name] {
		case core.StateDone:
			color = "lightgreen"
		case core.StatePending:
			color = "lightgray"
		}
		sb.WriteString(fmt.Sprintf("  %q [fillcolor=%q, style=\"filled,rounded\"];\n", name, color))
	}
	if len(names) > 0 {
		sb.WriteString("\n")
	}
	for _, name := range names {
		for _, req := range graph[name] {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", req, name))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}
