package stack

import (
	"fmt"
	"sort"
	"strings"
)

// SortDependencies orders nodes so that every node follows the nodes it
// depends on. Ties are broken alphabetically so the order is deterministic.
// Dependencies on nodes outside the set are ignored.
func SortDependencies(nodes []string, deps map[string][]string) ([]string, error) {
	known := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		known[n] = true
	}

	dependents := make(map[string][]string)
	inDegree := make(map[string]int, len(nodes))
	for _, n := range nodes {
		inDegree[n] = 0
	}
	for _, n := range nodes {
		for _, dep := range deps[n] {
			if !known[dep] {
				continue
			}
			dependents[dep] = append(dependents[dep], n)
			inDegree[n]++
		}
	}

	// Kahn's algorithm
	var queue []string
	for n, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, n)
		}
	}
	sort.Strings(queue)

	result := make([]string, 0, len(nodes))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		result = append(result, node)

		for _, next := range dependents[node] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
				sort.Strings(queue)
			}
		}
	}

	if len(result) != len(inDegree) {
		return nil, findCycle(nodes, deps, known)
	}
	return result, nil
}

func findCycle(nodes []string, deps map[string][]string, known map[string]bool) error {
	visited := make(map[string]bool)
	onPath := make(map[string]bool)

	var cycle []string
	var visit func(node string) bool
	visit = func(node string) bool {
		visited[node] = true
		onPath[node] = true
		for _, dep := range deps[node] {
			if !known[dep] {
				continue
			}
			if !visited[dep] {
				if visit(dep) {
					cycle = append([]string{node}, cycle...)
					return true
				}
			} else if onPath[dep] {
				cycle = []string{dep, node}
				return true
			}
		}
		onPath[node] = false
		return false
	}

	sorted := append([]string(nil), nodes...)
	sort.Strings(sorted)
	for _, n := range sorted {
		if !visited[n] && visit(n) {
			return fmt.Errorf("%w: %s", ErrCycle, strings.Join(cycle, " -> "))
		}
	}
	return ErrCycle
}
