package store

import "fmt"

// ValidateDAG checks a dependency map for dangling references and cycles.
// nodes maps each task id to its direct dependencies. Implementations run it
// before committing any graph change so a reader never observes a cyclic
// graph.
func ValidateDAG(nodes map[string][]string) error {
	// In-degree per node counting only edges inside the graph.
	inDegrees := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))

	for id, deps := range nodes {
		if _, ok := inDegrees[id]; !ok {
			inDegrees[id] = 0
		}
		for _, dep := range deps {
			if _, ok := nodes[dep]; !ok {
				return fmt.Errorf("%w: %s", ErrUnknownDependency, dep)
			}
			if dep == id {
				return fmt.Errorf("%w: %s depends on itself", ErrCycle, id)
			}
			inDegrees[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	// Kahn's algorithm: peel nodes with no remaining dependencies. Anything
	// left unvisited sits on a cycle.
	var queue []string
	for id, deg := range inDegrees {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			inDegrees[next]--
			if inDegrees[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(inDegrees) {
		return ErrCycle
	}
	return nil
}
