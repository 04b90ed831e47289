package clustering

import "sort"

// connectedComponents returns the connected components of a symmetric
// boolean adjacency matrix. Components are discovered and emitted in index
// order and members are sorted, so the assignment of cluster indices is
// deterministic for a fixed input order.
func connectedComponents(adj [][]bool) [][]int {
	n := len(adj)
	visited := make([]bool, n)

	var components [][]int

	for i := 0; i < n; i++ {
		if visited[i] {
			continue
		}

		component := []int{}
		queue := []int{i}
		visited[i] = true

		for len(queue) > 0 {
			v := queue[0]
			queue = queue[1:]
			component = append(component, v)

			for j := 0; j < n; j++ {
				if adj[v][j] && !visited[j] {
					visited[j] = true
					queue = append(queue, j)
				}
			}
		}

		sort.Ints(component)
		components = append(components, component)
	}

	return components
}
