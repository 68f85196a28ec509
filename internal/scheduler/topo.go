package scheduler

import (
	"fmt"

	"github.com/rakunlabs/fluxo/internal/flow"
)

// topoSort orders nodes using Kahn's algorithm. A cycle is reported as an
// error and execution never starts, per §4.3 step 1 — "fail the entire
// flow with a terminal error before any node runs."
func topoSort(nodes []flow.Node, edges []flow.Edge) ([]string, error) {
	inDegree := make(map[string]int, len(nodes))
	adjacency := make(map[string][]string, len(nodes))

	for _, n := range nodes {
		inDegree[n.ID] = 0
	}
	for _, e := range edges {
		adjacency[e.Source] = append(adjacency[e.Source], e.Target)
		inDegree[e.Target]++
	}

	var queue []string
	for _, n := range nodes {
		if inDegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}

	order := make([]string, 0, len(nodes))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		order = append(order, current)

		for _, neighbor := range adjacency[current] {
			inDegree[neighbor]--
			if inDegree[neighbor] == 0 {
				queue = append(queue, neighbor)
			}
		}
	}

	if len(order) != len(nodes) {
		return nil, fmt.Errorf("scheduler: flow graph contains a cycle")
	}
	return order, nil
}
